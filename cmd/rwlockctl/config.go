package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-rwlock/v1/coord"
	"github.com/mirkobrombin/go-rwlock/v1/lock"
	"github.com/mirkobrombin/go-rwlock/v1/metrics"
)

// shutdown collects cleanups registered while setting up the command.
var shutdown []func()

func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("rwlock")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func setupFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.String("backend", "zk", "coordination backend (zk, redis)")
	f.String("zk-servers", "127.0.0.1:2181", "comma separated ZooKeeper servers")
	f.Duration("zk-session-timeout", 10*time.Second, "ZooKeeper session timeout")
	f.String("redis-addr", "127.0.0.1:6379", "Redis address")
	f.String("redis-namespace", "rwlock:", "key prefix of the emulated tree")
	f.Duration("redis-session-ttl", 10*time.Second, "Redis session TTL")
	f.String("base-path", "/lock", "node below which group roots are created")
	f.Int("retries", 3, "retries on connection loss")
	f.Duration("wait-timeout", time.Second, "upper bound of a single predecessor wait")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address")
	f.Bool("trace", false, "print OpenTelemetry spans to stdout")
	f.String("log-level", "info", "log level (debug, info, warn, error)")
}

func setup(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if addr := viper.GetString("metrics-addr"); addr != "" {
		reg := metrics.NewRegistry()
		metrics.RegisterCoreMetrics(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("rwlockctl: metrics server failed", "error", err)
			}
		}()
		shutdown = append(shutdown, func() { _ = srv.Close() })
	}

	if viper.GetBool("trace") {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return err
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		otel.SetTracerProvider(tp)
		shutdown = append(shutdown, func() { _ = tp.Shutdown(context.Background()) })
	}
	return nil
}

func cleanup() {
	for i := len(shutdown) - 1; i >= 0; i-- {
		shutdown[i]()
	}
	shutdown = nil
}

// connect opens the configured backend and wraps it in a session.
func connect(ctx context.Context) (*lock.Session, error) {
	var client coord.Client
	switch backend := viper.GetString("backend"); backend {
	case "zk":
		servers := strings.Split(viper.GetString("zk-servers"), ",")
		z, err := coord.DialZooKeeper(servers, viper.GetDuration("zk-session-timeout"))
		if err != nil {
			return nil, err
		}
		client = z
	case "redis":
		rc := redis.NewClient(&redis.Options{Addr: viper.GetString("redis-addr")})
		r, err := coord.NewRedis(ctx, rc,
			coord.WithNamespace(viper.GetString("redis-namespace")),
			coord.WithSessionTTL(viper.GetDuration("redis-session-ttl")),
		)
		if err != nil {
			_ = rc.Close()
			return nil, err
		}
		shutdown = append(shutdown, func() { _ = rc.Close() })
		client = r
	default:
		return nil, fmt.Errorf("invalid backend %s", backend)
	}

	opts := []lock.Option{
		lock.WithBasePath(viper.GetString("base-path")),
		lock.WithRetries(viper.GetInt("retries")),
		lock.WithWaitTimeout(viper.GetDuration("wait-timeout")),
	}
	if viper.GetBool("trace") {
		opts = append(opts, lock.WithTracing())
	}
	return lock.NewSession(client, opts...), nil
}
