package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aegisshield/guarddog/internal/handlers"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an operator token signed with server.jwt_secret",
	RunE:  runToken,
}

func init() {
	tokenCmd.Flags().String("user", "operator", "User id carried in the token")
	tokenCmd.Flags().StringSlice("roles", []string{"operator"}, "Roles carried in the token")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
}

func runToken(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Server.JWTSecret == "" {
		return fmt.Errorf("server.jwt_secret is not configured")
	}
	user, _ := cmd.Flags().GetString("user")
	roles, _ := cmd.Flags().GetStringSlice("roles")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	token, err := handlers.GenerateToken(cfg.Server, user, roles, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
