package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/changed"
	changedmcp "pkt.systems/changed/mcp"
)

func newMCPCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Run the changed MCP facade server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			logger := loggerAtLevel(baseLogger)
			var cfg changed.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			// The facade embeds the core server for its registry and
			// provider; the line-protocol listener stays closed.
			server, err := changed.NewServer(cfg, changed.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				if err := server.Shutdown(ctx); err != nil {
					logger.Warn("mcp.core.shutdown", "error", err)
				}
			}()
			svc, err := changedmcp.NewServer(changedmcp.NewServerRequest{
				Config: changedmcp.Config{
					Listen:   viper.GetString("mcp-listen"),
					MCPPath:  viper.GetString("mcp-path"),
					Identity: viper.GetString("identity"),
				},
				Tools:     server.Tools(),
				Resources: server.Resources(),
				Logger:    logger,
			})
			if err != nil {
				return err
			}
			return svc.Run(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.String("mcp-listen", "127.0.0.1:9464", "listen address for the MCP streamable HTTP endpoint")
	flags.String("mcp-path", "/mcp", "HTTP path for the MCP streamable endpoint")
	flags.String("identity", "", "caller identity the facade acts as (defaults to the local username)")
	for _, name := range []string{"mcp-listen", "mcp-path", "identity"} {
		mustBindFlag(name, flags.Lookup(name))
	}
	return cmd
}
