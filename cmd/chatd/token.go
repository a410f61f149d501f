package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agora/social-chat/internal/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for a user",
	Long: `Issue a signed bearer token for a user id, using JWT_SECRET and
TOKEN_TTL from the environment. Intended for development and tests; the
login flow that issues tokens in production lives outside chatd.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetInt64("user")
		if userID <= 0 {
			return errors.New("--user must be a positive user id")
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		token, err := auth.NewManager(auth.Config{Secret: cfg.JWTSecret, TTL: cfg.TokenTTL}).Issue(userID)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().Int64("user", 0, "user id the token is issued for")
}
