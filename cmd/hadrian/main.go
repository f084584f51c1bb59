package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ScriptSmith/hadrian-sub008/cmd/hadrian/commands"
	"github.com/ScriptSmith/hadrian-sub008/internal/database"
)

var (
	dbURL      string
	apiURL     string
	apiKey     string
	outputJSON bool
	verbose    bool
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "hadrian",
		Short: "Hadrian gateway management CLI",
		Long: `Manage API keys, dead letters, and usage for a hadrian deployment.
Works against the database directly (when run on the server) or through the
admin API (when run remotely).`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initAccess()
		},
	}

	rootCmd.PersistentFlags().StringVar(&dbURL, "db-url", "", "database URL for direct access (defaults to DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "admin API base URL for remote access (defaults to HADRIAN_API_URL)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "admin API key for remote access (defaults to HADRIAN_API_KEY)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "verbose output")

	ctx := context.Background()
	rootCmd.AddCommand(commands.NewKeyCommand(ctx))
	rootCmd.AddCommand(commands.NewDLQCommand(ctx))
	rootCmd.AddCommand(commands.NewUsageCommand(ctx))
	rootCmd.AddCommand(commands.NewConfigCommand())

	return rootCmd
}

func initAccess() error {
	_ = godotenv.Load()

	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if apiURL == "" {
		apiURL = os.Getenv("HADRIAN_API_URL")
	}
	if apiKey == "" {
		apiKey = os.Getenv("HADRIAN_API_KEY")
	}

	if dbURL != "" {
		db, err := database.Initialize(&database.Config{
			DSN:            dbURL,
			MaxConnections: 5,
			MaxIdleConns:   2,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := database.Migrate(db); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		commands.SetDB(db)
	}

	if apiURL != "" && apiKey != "" {
		commands.SetAPIConfig(apiURL, apiKey)
	}

	commands.SetOutputJSON(outputJSON)
	commands.SetVerbose(verbose)

	return nil
}
