package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/odyssey-erp/authz/internal/app"
	authzhttp "github.com/odyssey-erp/authz/internal/authz/http"
	"github.com/odyssey-erp/authz/internal/rbac"
)

func newServeCommand(s *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long:  `Serve decisions, role assignments, overrides and templates over JSON HTTP. The caller identity is read from the X-Principal-ID header set by the upstream gateway.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := s.runtime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()
			return serve(cmd.Context(), s.cfg, s.logger, rt)
		},
	}
}

// NewHandler builds the full HTTP handler over a runtime.
func NewHandler(cfg *app.Config, logger *slog.Logger, rt *Runtime) http.Handler {
	guard := rbac.Middleware{Port: rt.Resolver, Logger: logger}
	api := authzhttp.NewHandler(logger, rt.Resolver, rt.Resolver.Catalog(), guard)
	return app.NewRouter(app.RouterParams{
		Logger:    logger,
		Config:    cfg,
		Metrics:   rt.Metrics,
		Principal: app.HeaderPrincipal,
		Health:    rt.Health,
		Mount: func(r chi.Router) {
			r.Route("/api/v1", api.MountRoutes)
		},
	})
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger, rt *Runtime) error {
	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      NewHandler(cfg, logger, rt),
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("http server", slog.Any("error", err))
			return err
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
		return err
	}
	return nil
}
