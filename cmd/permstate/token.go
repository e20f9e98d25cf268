package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"permstate/internal/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Mint an admin token for the write endpoints",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.RequireAuth(); err != nil {
			return err
		}
		ttl, err := cfg.Auth.GetJWTTTL()
		if err != nil {
			return fmt.Errorf("invalid JWT TTL: %w", err)
		}

		token, err := auth.NewJWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer).IssueToken(args[0], ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
}
