package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/opsrelay-systems/opsrelay/internal/auth"
)

var (
	tokenName  string
	tokenRoles string
	tokenTTL   time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Actor token management",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a bearer token for incident operations",
	Long: `Issue a signed bearer token carrying an actor name and roles.
The signing secret comes from auth.token_secret in the config (or the
OPSRELAY_AUTH_TOKEN_SECRET environment variable) and must match the
server's.

Example:
  opsrelay token issue --name okafor --roles responder,incident-commander`,
	RunE: runTokenIssue,
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenIssueCmd)

	tokenIssueCmd.Flags().StringVarP(&tokenName, "name", "n", "", "actor name")
	tokenIssueCmd.Flags().StringVar(&tokenRoles, "roles", "", "comma-separated roles")
	tokenIssueCmd.Flags().DurationVar(&tokenTTL, "ttl", 12*time.Hour, "token lifetime")
	if err := tokenIssueCmd.MarkFlagRequired("name"); err != nil {
		panic(fmt.Sprintf("failed to mark name as required: %v", err))
	}
}

func runTokenIssue(cmd *cobra.Command, args []string) error {
	if cfg.Auth.TokenSecret == "" {
		return fmt.Errorf("auth.token_secret is not configured")
	}

	var roles []string
	if tokenRoles != "" {
		for _, role := range strings.Split(tokenRoles, ",") {
			roles = append(roles, strings.TrimSpace(role))
		}
	}

	svc := auth.NewTokenService(cfg.Auth.TokenSecret, tokenTTL)
	token, err := svc.Issue(tokenName, roles)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}

	fmt.Println(token)
	fmt.Fprintf(cmd.ErrOrStderr(), "\nUse with:\n  opsrelay --token %s incident ...\n", token[:16]+"...")
	return nil
}
