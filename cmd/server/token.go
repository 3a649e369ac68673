package main

import (
	"fmt"

	"github.com/KevinKickass/OpenInstrumentCore/internal/auth"
	"github.com/spf13/cobra"
)

var (
	flagTokenRole    string
	flagTokenSubject string
)

func init() {
	tokenCmd.Flags().StringVarP(&flagTokenRole, "role", "r", string(auth.RoleOperator), "role: viewer, operator or technician")
	tokenCmd.Flags().StringVarP(&flagTokenSubject, "subject", "s", "cli", "token subject")
	rootCmd.AddCommand(tokenCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print a signed access token",
	Long: `Sign an access token with the configured JWT secret. The token is valid
for auth.access_token_ttl.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		jwt := auth.NewJWTHandler(cfg.Auth.GetJWTSecret(), cfg.Auth.AccessTokenTTL)
		token, err := jwt.GenerateAccessToken(flagTokenSubject, auth.Role(flagTokenRole))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}
