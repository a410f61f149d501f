// Command chatd runs the realtime chat and presence server.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/agora/social-chat/internal/config"
	"github.com/agora/social-chat/internal/logging"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "chatd",
	Short: "Realtime chat and presence server",
	Long: `chatd serves the chat WebSocket endpoint and the REST endpoints
around it: chat lists, message history, edits, deletes, uploads and
user status.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("chatd version %s\nCommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().String("env-file", ".env", "dotenv file read before the environment")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(tokenCmd)
}

// loadConfig reads the environment, honouring --env-file.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	cfg, err := config.Load(envFile)
	if err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger(cfg config.Config) zerolog.Logger {
	return logging.New(logging.Config{
		Level:   cfg.LogLevel,
		Console: !cfg.IsProduction(),
	}).With().Str("node", cfg.ServerName).Logger()
}
