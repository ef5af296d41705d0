package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	apiURL   string
	tenantID string
)

var rootCmd = &cobra.Command{
	Use:   "tenantguard",
	Short: "Operate a tenantguard deployment",
	Long: `tenantguard manages tenant users and roles.

migrate and bootstrap talk to the configured store directly and read the
same environment as the server. The remaining commands go through the API.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", envOr("TENANTGUARD_API", "http://localhost:8080/api"), "API endpoint")
	rootCmd.PersistentFlags().StringVar(&tenantID, "tenant", os.Getenv("TENANTGUARD_TENANT"), "tenant ID")

	rootCmd.AddCommand(migrateCmd, bootstrapCmd, authCmd, usersCmd, rolesCmd, inviteCmd)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
