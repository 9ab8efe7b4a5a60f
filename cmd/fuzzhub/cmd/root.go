package cmd

import (
	"encoding/json"
	"fmt"
	"fuzzhub/config"
	"fuzzhub/internal/store"
	"fuzzhub/pkg/database"
	"fuzzhub/pkg/logger"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	databaseURL  string
	serverURL    string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:          "fuzzhub",
	Short:        "Operate fuzzhub campaigns and fuzzers",
	Long:         `fuzzhub inspects the campaign database and drives a running fuzzhubd through its HTTP API.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database", "", "database url (default from DATABASE_URL or the config file)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8000", "fuzzhubd API base url")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table or json")
}

func isJSONOutput() bool {
	return outputFormat == "json"
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// openStore connects to the configured database and migrates it.
func openStore() (*store.GormStore, *zap.Logger, error) {
	godotenv.Load()

	cfg, err := config.Load(os.Getenv)
	if err != nil {
		return nil, nil, err
	}
	if databaseURL != "" {
		cfg.DatabaseURL = databaseURL
	}
	lg := logger.New(cfg.LogLevel)

	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, lg, fmt.Errorf("connect database: %w", err)
	}
	if err := database.Migrate(db); err != nil {
		return nil, lg, fmt.Errorf("migrate database: %w", err)
	}
	return store.NewStore(db), lg, nil
}
