package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/layer-3/walletauth/logger"
	"github.com/spf13/cobra"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "walletauth",
	Short: "Wallet sign-in client for NextAuth platforms",
	Long: `walletauth signs a wallet in to a NextAuth-backed platform through a
federated wallet identity service and keeps the resulting session cookie.

Configuration is read from environment variables (PLATFORM_URL, IDENTITY_URL,
ENVIRONMENT_ID, NONCE_TTL, RETRY_ATTEMPTS, REQUEST_TIMEOUT, REDIS_URL, ...).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadEnvFile(envFile, cmd.Flags().Changed("env-file"))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "File of KEY=value pairs loaded before reading the environment")
}

// loadEnvFile loads path without overriding variables already set.
// A missing default file is not an error.
func loadEnvFile(path string, explicit bool) error {
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) && !explicit {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	logger.Init()
	return nil
}

func main() {
	logger.Init()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
