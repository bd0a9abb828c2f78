package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/editalflow/api/internal/auth"
	"github.com/editalflow/api/internal/store"
)

func migrateCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the SQLite job store schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if path == "" {
				path = cfg.Store.SQLitePath
			}
			s, err := store.NewSQLite(path)
			if err != nil {
				return fmt.Errorf("migrate %s: %w", path, err)
			}
			defer s.Close()
			logger.Info("job store schema up to date", "path", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "SQLite file (defaults to SQLITE_PATH)")
	return cmd
}

// reapCmd runs one orphan sweep. Jobs are redispatched through asynq, so the
// sweep can run from any host that reaches the shared store and broker.
func reapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Requeue running jobs whose worker lease expired",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Governor.Backend != backendAsynq {
				return errors.New("reap needs DISPATCH_BACKEND=asynq; the local pool reaps from inside serve")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			rt, err := buildRuntime(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			defer func() { _ = rt.dispatcher.Shutdown(context.Background()) }()

			n, err := rt.gov.ReclaimOrphans(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %d job(s)\n", n)
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var (
		owner string
		email string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a service token signed with JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			token, err := auth.NewHMACVerifier(cfg.JWT.Secret).Issue(owner, email, ttl)
			if err != nil {
				return fmt.Errorf("failed to issue token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id the token authenticates")
	cmd.Flags().StringVar(&email, "email", "", "optional email claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime, 0 for no expiry")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}
