package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/changed"
	"pkt.systems/changed/internal/svcfields"
	"pkt.systems/changed/internal/version"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("CHANGED_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "changed")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if err != context.Canceled {
			svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg changed.Config

	cmd := &cobra.Command{
		Use:           "changed",
		Short:         "changed is a change workspace control plane: scaffolded proposals, one-way archival, and advisory per-change locks for concurrent agents",
		SilenceErrors: true,
		Example: `
  # Serve the HTTP streaming transports over /srv/changes
  changed --root /srv/changes --listen :9346

  # Same root over NFS with a widened lock verification window
  changed --root /mnt/shared/changes --netfs

  # Grant admins and enable the audited emergency reclaim rule
  changed --admins alice,ci:deploy --emergency-override
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			logger := loggerAtLevel(baseLogger)
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to changed",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"version", version.Current(),
			)
			if err := bindConfig(&cfg); err != nil {
				return err
			}

			server, err := changed.NewServer(cfg, changed.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			err = server.Start()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringP("root", "r", changed.DefaultRoot, "changes directory (workspaces, lock dir, and archive live here)")
	flags.StringP("listen", "l", changed.DefaultListen, "listen address for the HTTP streaming transports")
	flags.Duration("heartbeat", changed.DefaultHeartbeat, "SSE keep-alive and stream watchdog interval")
	flags.Duration("shutdown-timeout", changed.DefaultShutdownTimeout, "graceful shutdown timeout")
	flags.Int("max-page-size", changed.DefaultMaxPageSize, "maximum listing page size")
	flags.String("stream-budget", humanizeBytes(changed.DefaultStreamBudget), "aggregate buffered stream byte budget")
	flags.StringSlice("admins", nil, "administrator identity allow-list")
	flags.Bool("emergency-override", false, "enable the audited emergency reclaim rule")
	flags.Bool("netfs", false, "widen lock verification for network filesystems (NFS)")
	flags.String("environment", "", "override detected environment (local, ci, cloud, container)")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	viper.SetEnvPrefix("CHANGED")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, name := range []string{
		"root", "listen", "heartbeat", "shutdown-timeout", "max-page-size",
		"stream-budget", "admins", "emergency-override", "netfs",
		"environment", "log-level",
	} {
		mustBindFlag(name, flags.Lookup(name))
	}

	cmd.AddCommand(newStdioCommand(baseLogger))
	cmd.AddCommand(newMCPCommand(baseLogger))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig(cfg *changed.Config) error {
	cfg.Root = viper.GetString("root")
	cfg.Listen = viper.GetString("listen")
	cfg.Heartbeat = viper.GetDuration("heartbeat")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.MaxPageSize = viper.GetInt("max-page-size")
	if budget := viper.GetString("stream-budget"); budget != "" {
		size, err := humanize.ParseBytes(budget)
		if err != nil {
			return fmt.Errorf("parse stream-budget: %w", err)
		}
		cfg.StreamBudget = int64(size)
	}
	cfg.Admins = viper.GetStringSlice("admins")
	cfg.EmergencyOverride = viper.GetBool("emergency-override")
	cfg.NetworkFilesystem = viper.GetBool("netfs")
	cfg.Environment = strings.TrimSpace(viper.GetString("environment"))
	cfg.ServerVersion = version.Current()
	return nil
}

func loggerAtLevel(base pslog.Logger) pslog.Logger {
	levelStr := strings.TrimSpace(viper.GetString("log-level"))
	if levelStr == "" {
		return base
	}
	level, ok := pslog.ParseLevel(levelStr)
	if !ok || level == pslog.NoLevel || level == pslog.Disabled {
		return base
	}
	return base.LogLevel(level)
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

// mustBindFlag panics when a flag referenced by the viper binding table
// does not exist; that is a programming error, not a runtime condition.
func mustBindFlag(key string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag %q not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}
