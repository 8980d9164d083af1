package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/user/fission/pkg/crypto"
)

var messageID string

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configEncryptCmd)
	configCmd.AddCommand(configDecryptCmd)
	configCmd.PersistentFlags().StringVar(&messageID, "message-id", "", "message id of the envelope the value belongs to")
	_ = configCmd.MarkPersistentFlagRequired("message-id")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Seal and open tenant configuration values",
}

var configEncryptCmd = &cobra.Command{
	Use:   "encrypt [json]",
	Short: "Encrypt an account config value for an envelope",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSecret(func(secret string) error {
			out, err := crypto.Encrypt(args[0], messageID, secret)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		})
	},
}

var configDecryptCmd = &cobra.Command{
	Use:   "decrypt [value]",
	Short: "Decrypt an account config value of an envelope",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSecret(func(secret string) error {
			out, err := crypto.Decrypt(args[0], messageID, secret)
			if err != nil {
				return fmt.Errorf("failed to decrypt value: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		})
	},
}

func withSecret(fn func(secret string) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	secret, err := groupingSecret(context.Background(), cfg)
	if err != nil {
		return err
	}
	return fn(secret)
}
