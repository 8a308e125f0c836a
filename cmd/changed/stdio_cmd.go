package main

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/changed"
)

// newStdioCommand runs the line-oriented transport on stdin/stdout for
// editor and agent integrations. Log output stays on stderr so the protocol
// stream is never polluted.
func newStdioCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "stdio",
		Short: "Serve the line-oriented protocol on stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			var cfg changed.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			server, err := changed.NewServer(cfg, changed.WithLogger(loggerAtLevel(baseLogger)))
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()
			ctx := cmd.Context()
			return server.ServeStdio(ctx, os.Stdin, os.Stdout)
		},
	}
}
