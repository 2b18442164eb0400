package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/evcharge/chargelink/pkg/crypto"
)

var generateKey bool

func init() {
	hashKeyCmd.Flags().BoolVarP(&generateKey, "generate", "g", false, "generate a random API key first")
	rootCmd.AddCommand(hashKeyCmd)
}

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Print the bcrypt hash for api.key_hash",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var key string
		switch {
		case generateKey:
			k, err := crypto.GenerateRandomString(32)
			if err != nil {
				return fmt.Errorf("failed to generate key: %w", err)
			}
			key = k
			fmt.Printf("API key:  %s\n", key)
		case len(args) == 1:
			key = args[0]
		default:
			return fmt.Errorf("an API key or --generate is required")
		}

		hash, err := crypto.HashPassword(key)
		if err != nil {
			return fmt.Errorf("failed to hash key: %w", err)
		}
		fmt.Printf("Key hash: %s\n", hash)
		return nil
	},
}
