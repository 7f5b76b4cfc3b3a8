// Command minbar runs the live broadcast coordinator and its operator tools.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"minbar/internal/app"
	"minbar/internal/auth"
	"minbar/internal/config"
	"minbar/internal/database"
	"minbar/internal/logging"
	dbconfig "minbar/pkg/database"
	"minbar/pkg/types"
)

// Main entry point; a non-nil error from the command tree exits non-zero
func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds a fresh command tree so tests never share flag state.
func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:          "minbar",
		Short:        "Live mosque broadcast coordinator",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (YAML or JSON); defaults to $"+config.EnvPrefix+"_CONFIG_FILE")

	load := func() (*config.Config, error) {
		path := cfgFile
		if path == "" {
			path = os.Getenv(config.EnvPrefix + "_CONFIG_FILE")
		}
		return config.Load(path)
	}

	root.AddCommand(
		newServeCmd(load),
		newTokenCmd(load),
		newConfigCmd(load),
		newFollowCmd(load),
	)
	return root
}

type configLoader func() (*config.Config, error)

func newServeCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

// serve runs the application until ctx ends or the HTTP server fails.
// Signal handling lives in the caller so tests can drive shutdown with a context.
func serve(ctx context.Context, cfg *config.Config) error {
	logging.Initialize(cfg.Logging.Level, cfg.Logging.Format)

	application, err := app.NewApplication(cfg, nil)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	if err := application.Start(ctx); err != nil {
		_ = application.Stop(context.Background())
		return fmt.Errorf("failed to start application: %w", err)
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case err, ok := <-application.Done():
		if ok {
			serveErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return serveErr
}

func newTokenCmd(load configLoader) *cobra.Command {
	var (
		userID string
		role   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development JWT signed with the configured secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return issueToken(cmd.OutOrStdout(), cfg, userID, types.Role(role), ttl)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (token subject)")
	cmd.Flags().StringVar(&role, "role", string(types.RoleIndividual), "mosque_admin, individual or anonymous")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default auth.token_ttl)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func issueToken(w io.Writer, cfg *config.Config, userID string, role types.Role, ttl time.Duration) error {
	verifier, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}
	token, err := verifier.IssueToken(userID, role, ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, token)
	return err
}

func newConfigCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

// newFollowCmd manages the follower directory that receives
// "broadcast started" notifications.
func newFollowCmd(load configLoader) *cobra.Command {
	var (
		mosqueID string
		userID   string
		remove   bool
	)
	cmd := &cobra.Command{
		Use:   "follow",
		Short: "Add, remove or list followers of a mosque",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return follow(cmd.Context(), cmd.OutOrStdout(), cfg, mosqueID, userID, remove)
		},
	}
	cmd.Flags().StringVar(&mosqueID, "mosque", "", "mosque id")
	cmd.Flags().StringVar(&userID, "user", "", "user id to add or remove; omit to list")
	cmd.Flags().BoolVar(&remove, "remove", false, "remove the follower instead of adding")
	_ = cmd.MarkFlagRequired("mosque")
	return cmd
}

func follow(ctx context.Context, w io.Writer, cfg *config.Config, mosqueID, userID string, remove bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	dbCfg := dbconfig.DefaultConfig()
	dbCfg.DatabasePath = cfg.Database.Path
	dbCfg.WriteTimeout = cfg.Database.Timeout

	manager, err := database.NewManager(dbCfg, logging.New(io.Discard, "error", "text"))
	if err != nil {
		return err
	}
	defer func() { _ = manager.Close() }()

	switch {
	case userID == "":
		followers, err := manager.ListFollowers(ctx, mosqueID)
		if err != nil {
			return err
		}
		for _, f := range followers {
			if _, err := fmt.Fprintln(w, f); err != nil {
				return err
			}
		}
		return nil
	case remove:
		return manager.RemoveFollower(ctx, mosqueID, userID)
	default:
		return manager.AddFollower(ctx, mosqueID, userID)
	}
}
