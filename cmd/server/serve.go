package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"

	"github.com/editalflow/api/internal/auth"
	"github.com/editalflow/api/internal/config"
	"github.com/editalflow/api/internal/governor"
	"github.com/editalflow/api/internal/handler"
	"github.com/editalflow/api/internal/middleware"
)

const shutdownTimeout = 30 * time.Second

func serveCmd() *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API together with the pipeline workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if port != "" {
				cfg.Server.Port = port
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := buildRuntime(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			var extra []governor.Component
			if cfg.Server.HealthPort != "" {
				extra = append(extra, newHealthServer(cfg.Server.HealthPort, logger))
			}
			if err := rt.attachWorkers(extra...); err != nil {
				return err
			}

			deps, err := httpDeps(ctx, cfg, rt)
			if err != nil {
				return err
			}
			app := handler.NewApp(deps)

			if err := rt.gov.Start(ctx); err != nil {
				return err
			}
			if rt.pool != nil {
				// The local queue lived in memory; pick up what was admitted before a restart.
				n, err := rt.gov.RequeueQueued(ctx)
				if err != nil {
					logger.Error("failed to requeue queued jobs", "error", err)
				} else if n > 0 {
					logger.Info("requeued jobs from previous run", "count", n)
				}
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("server starting", "port", cfg.Server.Port, "backend", cfg.Governor.Backend, "store", cfg.Store.Driver)
				errCh <- app.Listen(":" + cfg.Server.Port)
			}()

			var serveErr error
			select {
			case <-ctx.Done():
			case serveErr = <-errCh:
			}

			logger.Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := app.ShutdownWithContext(shutdownCtx); err != nil {
				logger.Error("server shutdown error", "error", err)
			}
			if err := rt.gov.Shutdown(shutdownCtx); err != nil {
				logger.Error("pipeline shutdown error", "error", err)
			}
			if serveErr != nil {
				return fmt.Errorf("server error: %w", serveErr)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&port, "port", "p", "", "HTTP port (overrides SERVER_PORT)")
	return cmd
}

func httpDeps(ctx context.Context, cfg *config.Config, rt *runtime) (handler.Deps, error) {
	verifier, err := buildVerifier(ctx, cfg)
	if err != nil {
		return handler.Deps{}, err
	}

	deps := handler.Deps{
		Governor:    rt.gov,
		Hub:         rt.hub,
		Validator:   validator.New(),
		MaxFileSize: cfg.Pipeline.MaxFileSizeBytes(),
		Logger:      rt.logger,
		Debug:       cfg.Server.Env == "development",
	}
	if cfg.Gateway.Enabled {
		// The gateway calls /auth/verify and forwards identity headers.
		deps.Auth = middleware.GatewayIdentity()
		deps.ForwardAuth = middleware.VerifyForward(verifier)
	} else {
		deps.Auth = middleware.Authenticate(verifier)
	}

	if rt.redis != nil && cfg.RateLimit.SubmitPerHour > 0 {
		rl := middleware.NewRateLimiter(rt.redis, rt.logger)
		deps.SubmitLimit = rl.Limit("submit", cfg.RateLimit.SubmitPerHour, time.Hour)
	}
	return deps, nil
}

func buildVerifier(ctx context.Context, cfg *config.Config) (auth.Verifier, error) {
	chain := auth.Chain{auth.NewHMACVerifier(cfg.JWT.Secret)}
	if cfg.OIDC.Issuer != "" {
		jwks, err := auth.NewJWKSVerifier(ctx, cfg.OIDC)
		if err != nil {
			return nil, fmt.Errorf("failed to init oidc verifier: %w", err)
		}
		chain = append(auth.Chain{jwks}, chain...)
	}
	return chain, nil
}
