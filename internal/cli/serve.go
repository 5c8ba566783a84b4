package cli

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/martinemde/taskforge/internal/server"
)

func newServeCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the session API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := rt.Close(30 * time.Second); err != nil {
					a.logger.Error().Err(err).Msg("shutdown incomplete")
				}
			}()

			srv := server.New(rt.manager, server.Config{
				Addr:         a.cfg.Server.Addr,
				ReadTimeout:  a.cfg.Server.ReadTimeout,
				WriteTimeout: a.cfg.Server.WriteTimeout,
				Debug:        a.cfg.Server.Debug,
			},
				server.WithBroadcaster(rt.broadcaster),
				server.WithMetrics(rt.metrics),
				server.WithLogger(a.logger.With().Str("component", "server").Logger()),
			)

			a.ui.Info("serving %s tools from %s on %s",
				cyan(rt.registry.Count()), rt.env.WorkingDirectory(), cyan(a.cfg.Server.Addr))
			return srv.Run(ctx)
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	_ = a.v.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	return cmd
}
