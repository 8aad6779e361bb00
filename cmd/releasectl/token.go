package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/splax/releasectl/pkg/config"
	jwtpkg "github.com/splax/releasectl/pkg/jwt"
)

func newTokenCmd() *cobra.Command {
	var (
		operator string
		role     string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator token signed with OPERATOR_TOKEN_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.LoadConfig()
			if ttl <= 0 {
				ttl = cfg.TokenTTL
			}
			token, err := jwtpkg.GenerateToken(operator, role, cfg.OperatorToken, ttl)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "", "operator name recorded on approvals and audit logs")
	cmd.Flags().StringVar(&role, "role", "", "operator role")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to OPERATOR_TOKEN_TTL_HOURS)")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}
