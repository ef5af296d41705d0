package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aryan0dhankhar/tenantguard/internal/app"
	"github.com/aryan0dhankhar/tenantguard/internal/infrastructure/logger"
	"github.com/aryan0dhankhar/tenantguard/internal/security/auth"
	"github.com/aryan0dhankhar/tenantguard/internal/service"
	"github.com/aryan0dhankhar/tenantguard/pkg/cache"
	"github.com/aryan0dhankhar/tenantguard/pkg/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.StoreDriver == "memory" {
			return errors.New("nothing to migrate for STORE_DRIVER=memory")
		}
		log := logger.New(os.Stderr, cfg.LogLevel, "text")

		// OpenStore migrates on open
		st, err := app.OpenStore(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		return st.Close()
	},
}

var bootstrapFlags struct {
	username string
	email    string
	password string
}

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Create the first admin of a tenant",
	Long: `bootstrap creates a user holding the admin and default roles in --tenant.
Running it again for an existing user only makes sure the roles are granted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if tenantID == "" {
			return errors.New("--tenant is required")
		}
		pw := bootstrapFlags.password
		if pw == "" {
			pw = os.Getenv("TENANTGUARD_BOOTSTRAP_PASSWORD")
		}
		if pw == "" {
			return errors.New("--password or TENANTGUARD_BOOTSTRAP_PASSWORD is required")
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.StoreDriver == "memory" {
			return errors.New("bootstrap needs a persistent store")
		}
		log := logger.New(os.Stderr, cfg.LogLevel, "text")

		st, err := app.OpenStore(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer st.Close()

		tokens, err := app.Tokens(cfg)
		if err != nil {
			return err
		}
		identity := service.NewIdentityService(
			st.Backend,
			app.Hasher(cfg),
			tokens,
			auth.NewMemoryRevocations(cache.New()),
			app.IdentityConfig(cfg, nil),
			log,
		)

		user, err := identity.Bootstrap(cmd.Context(), tenantID, service.RegisterInput{
			Username: bootstrapFlags.username,
			Email:    bootstrapFlags.email,
			Password: pw,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s/%s (%s) roles=%v\n", user.TenantID, user.Username, user.UserID, user.Roles)
		return nil
	},
}

func init() {
	f := bootstrapCmd.Flags()
	f.StringVar(&bootstrapFlags.username, "username", "admin", "admin username")
	f.StringVar(&bootstrapFlags.email, "email", "", "admin email (optional)")
	f.StringVar(&bootstrapFlags.password, "password", "", "admin password")
}
