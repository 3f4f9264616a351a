package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/noah-isme/complaint-desk-api/internal/models"
	"github.com/noah-isme/complaint-desk-api/internal/service"
)

// newTokenCommand mints access tokens signed with the configured secret, for
// local development against a server without an identity provider.
func newTokenCommand() *cobra.Command {
	var (
		userID string
		role   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development access token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logr := bootstrap()
			defer logr.Sync() //nolint:errcheck

			auth := service.NewAuthService(logr, service.AuthConfig{
				AccessTokenSecret: cfg.JWT.Secret,
				AccessTokenExpiry: ttl,
				Issuer:            cfg.JWT.Issuer,
			})
			token, expiresAt, err := auth.IssueToken(userID, models.UserRole(role))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Subject user id")
	cmd.Flags().StringVar(&role, "role", string(models.RoleUser), "Role: user, staff or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
