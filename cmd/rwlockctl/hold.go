package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-rwlock/v1/lock"
)

var (
	holdCmd = &cobra.Command{
		Use:   "hold <resource>",
		Short: "Acquire a lock and hold it until interrupted",
		Long: `Acquire a read or write lock on resource, print the node that
represents it and keep it until the hold duration elapses or the process
is interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: runHold,
	}
	lsCmd = &cobra.Command{
		Use:   "ls <resource>",
		Short: "List the nodes queued on a resource",
		Args:  cobra.ExactArgs(1),
		RunE:  runLs,
	}
)

func init() {
	holdCmd.Flags().String("mode", "write", "lock mode (read, write)")
	holdCmd.Flags().Duration("timeout", 0, "give up acquiring after this long (0 waits forever)")
	holdCmd.Flags().Duration("for", 0, "release after this long (0 holds until interrupted)")
}

func parseMode(s string) (lock.Mode, error) {
	switch s {
	case "read":
		return lock.Read, nil
	case "write":
		return lock.Write, nil
	}
	return 0, fmt.Errorf("invalid mode %s", s)
}

func runHold(cmd *cobra.Command, args []string) error {
	defer cleanup()
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	mode, err := parseMode(viper.GetString("mode"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := connect(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	l, err := lock.New(s, args[0], mode)
	if err != nil {
		return err
	}

	actx := ctx
	if d := viper.GetDuration("timeout"); d > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	start := time.Now()
	stopReport := reportWaiting(l)
	err = l.Lock(actx)
	stopReport()
	if err != nil {
		return fmt.Errorf("acquire %s: %w", args[0], err)
	}
	fmt.Printf("%s lock on %s granted after %s: %s\n", mode, args[0], time.Since(start).Round(time.Millisecond), l.Node())

	var expired <-chan time.Time
	if d := viper.GetDuration("for"); d > 0 {
		expired = time.After(d)
	}
	select {
	case <-ctx.Done():
	case <-expired:
	}

	uctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Unlock(uctx); err != nil {
		return fmt.Errorf("release %s: %w", args[0], err)
	}
	fmt.Printf("released %s\n", args[0])
	return nil
}

// reportWaiting prints the predecessor the lock is queued behind every time
// it changes, until the returned func is called.
func reportWaiting(l *lock.Lock) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		last := ""
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			if target, ok := l.Waiting(); ok && target != last {
				fmt.Printf("waiting on %s\n", target)
				last = target
			}
		}
	}()
	return func() { close(done) }
}

func runLs(cmd *cobra.Command, args []string) error {
	defer cleanup()
	root, err := lock.GroupRoot(viper.GetString("base-path"), args[0])
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := connect(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	names, err := s.Client().Children(ctx, root)
	if err != nil {
		return fmt.Errorf("list %s: %w", root, err)
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}
