package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/amerfu/spendguard/internal/router"
)

// NewServeCommand creates the serve command.
func NewServeCommand(ctx context.Context) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the budget HTTP service",
		Long:  "Serve health, metrics, snapshot and reserve/commit/release endpoints until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := currentConfig()
			if err != nil {
				return err
			}
			if port != 0 {
				c.Server.Port = port
			}

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			provider, err := openProvider(ctx)
			if err != nil {
				return err
			}
			defer provider.Close()

			srv := &http.Server{
				Addr:         fmt.Sprintf(":%d", c.Server.Port),
				Handler:      router.NewRouter(c, log, provider),
				ReadTimeout:  c.Server.ReadTimeout,
				WriteTimeout: c.Server.WriteTimeout,
				IdleTimeout:  c.Server.IdleTimeout,
			}

			errCh := make(chan error, 1)
			go func() {
				log.Info("spendguard server starting",
					zap.String("address", srv.Addr),
					zap.String("mode", string(provider.Mode())),
					zap.String("state", string(provider.State())))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("server failed: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			log.Info("Shutting down server...")

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.Server.GracefulShutdown)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error("Server forced to shutdown", zap.Error(err))
				return err
			}

			log.Info("Server shutdown complete")
			return nil
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "Listen port (default server.port)")

	return cmd
}
