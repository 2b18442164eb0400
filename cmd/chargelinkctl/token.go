package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/evcharge/chargelink/internal/credentials"
)

func init() {
	tokenCmd.AddCommand(tokenSetCmd)
	tokenCmd.AddCommand(tokenShowCmd)
	rootCmd.AddCommand(tokenCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage the stored event stream token",
}

var tokenSetCmd = &cobra.Command{
	Use:   "set <token>",
	Short: "Store the event stream token",
	Long:  "Write the token to the credential file. A running agent picks it up on SIGHUP.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		store := credentials.NewFileStore(cfg.Credentials.Path)
		if err := store.SetToken(cmdContext(cmd), args[0]); err != nil {
			return fmt.Errorf("failed to store token: %w", err)
		}
		fmt.Printf("Token stored in %s\n", store.Path())
		return nil
	},
}

var tokenShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the stored token and its expiry",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		store := credentials.NewFileStore(cfg.Credentials.Path)
		token, err := store.Token(cmdContext(cmd))
		if errors.Is(err, credentials.ErrNoToken) {
			fmt.Println("Token: (not set)")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read token: %w", err)
		}

		fmt.Printf("Token:   %s\n", maskToken(token))
		fmt.Printf("Expires: %s\n", tokenExpiry(token, time.Now()))
		return nil
	},
}

// tokenExpiry describes the exp claim of a JWT without verifying it.
func tokenExpiry(token string, now time.Time) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "unknown (not a JWT)"
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return "no expiry set"
	}
	if now.After(exp.Time) {
		return fmt.Sprintf("EXPIRED (%s)", exp.Time.Format(time.RFC3339))
	}
	return fmt.Sprintf("valid until %s", exp.Time.Format(time.RFC3339))
}

// maskToken shows the first and last 6 characters.
func maskToken(token string) string {
	if len(token) <= 16 {
		return "****"
	}
	return token[:6] + "..." + token[len(token)-6:]
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
