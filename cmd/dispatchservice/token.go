package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/geodispatch/internal/auth"
	"github.com/example/geodispatch/internal/config"
	"github.com/example/geodispatch/internal/dispatch/domain"
)

var (
	tokenRole string
	tokenTTL  time.Duration
)

// tokenCmd mints a bearer token for local testing with the configured secret.
var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Issue a signed bearer token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role := domain.Role(tokenRole)
		switch role {
		case domain.RoleRequester, domain.RoleAgent, domain.RoleAdmin:
		default:
			return fmt.Errorf("unknown role %q", tokenRole)
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		token, err := auth.Issue(cfg.Auth.JWTSecret, args[0], role, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenRole, "role", string(domain.RoleRequester), "requester, agent or admin")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
}
