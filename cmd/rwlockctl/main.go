package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const Version = "0.1.0"

var (
	rootCmd = &cobra.Command{
		Use:   "rwlockctl",
		Short: "inspect and hold distributed read-write locks",
		Long: fmt.Sprintf(`rwlockctl (v%s)

Acquire, hold and inspect read-write locks kept on a ZooKeeper ensemble
or on a Redis server emulating one.`, Version),
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of rwlockctl",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rwlockctl v%s\n", Version)
		},
	}
)

func init() {
	initConfig()
	setupFlags(rootCmd)
	rootCmd.AddCommand(holdCmd, lsCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
