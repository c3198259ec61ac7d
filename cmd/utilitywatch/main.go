package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	_ "time/tzdata"

	"github.com/spf13/cobra"

	"github.com/chrissnell/utilitywatch/internal/constants"
	"github.com/chrissnell/utilitywatch/internal/log"
	"github.com/chrissnell/utilitywatch/pkg/config"
)

var (
	cfgFile    string
	cfgBackend string
	envFile    string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "utilitywatch",
	Short: "utilitywatch - home utility and sensor telemetry collector",
	Long: `utilitywatch polls smart meter, water portal and weather station APIs,
reconciles the readings into a local store and mirrors them to secondary stores.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return log.Init(debug)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version and exit",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("utilitywatch %s\n", constants.Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "Path to configuration source (YAML, TOML or SQLite)")
	rootCmd.PersistentFlags().StringVar(&cfgBackend, "config-backend", config.BackendYAML, "Configuration backend type: 'yaml', 'toml' or 'sqlite'")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Dotenv file with credential overrides (default ./.env if present)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Turn on debugging output")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	// An interrupt stops a running backfill between chunks.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	log.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.ConfigData, error) {
	filename, _ := filepath.Abs(cfgFile)

	provider, err := config.NewProvider(cfgBackend, filename)
	if err != nil {
		return nil, err
	}
	defer provider.Close()

	cfgData, err := provider.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("error reading config. Did you pass the --config flag? Run with -h for help: %w", err)
	}
	if err := config.ApplyEnv(cfgData, envFile); err != nil {
		return nil, err
	}
	if err := cfgData.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfgData, nil
}
