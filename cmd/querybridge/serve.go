package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"querybridge/internal/api"
	"querybridge/internal/service"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the operations server and the maintenance schedule",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := configFrom(cmd)
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())
			log := a.log

			log.Info("starting querybridge",
				zap.String("version", version),
				zap.String("driver", cfg.Store.Driver),
				zap.String("cache", cfg.Cache.Backend))

			janitor := service.NewJanitor(a.cache, a.recorder, a.results, service.JanitorOptions{
				Schedule:        cfg.Maintenance.SweepSchedule,
				ResultRetention: cfg.Maintenance.ResultRetention,
			}, log)
			if err := janitor.Start(); err != nil {
				return err
			}
			defer janitor.Stop()

			limiter := api.NewRateLimiter(float64(cfg.Server.RatePerMinute), cfg.Server.Burst, log)
			defer limiter.Stop()

			handler := api.NewHandler(a.svc, a.store, a.registry, limiter, log).
				WithCatalog(api.NewCatalogHandler(a.queries, log))

			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
				Handler:           handler.Routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				log.Info("server listening", zap.Int("port", cfg.Server.Port))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("server startup failed: %w", err)
				}
			case <-ctx.Done():
			}
			log.Info("shutting down server")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error("server shutdown error", zap.Error(err))
			}
			log.Info("server stopped")
			return nil
		},
	}
}
