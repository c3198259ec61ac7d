package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chrissnell/utilitywatch/internal/app"
	"github.com/chrissnell/utilitywatch/internal/log"
	"github.com/chrissnell/utilitywatch/internal/types"
)

var (
	backfillDays    int
	backfillUtility string
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Re-ingest energy history in chunks and print the report",
	RunE:  runBackfill,
}

func init() {
	backfillCmd.Flags().IntVar(&backfillDays, "days", 30, "Number of days to re-ingest, counted back from today")
	backfillCmd.Flags().StringVar(&backfillUtility, "utility", "", "Limit to one utility: 'electricity' or 'gas'")
	rootCmd.AddCommand(backfillCmd)
}

func runBackfill(cmd *cobra.Command, args []string) error {
	var only []types.EnergyType
	switch u := types.EnergyType(backfillUtility); u {
	case "":
	case types.Electricity, types.Gas:
		only = append(only, u)
	default:
		return fmt.Errorf("--utility must be electricity or gas, got %q", backfillUtility)
	}

	cfgData, err := loadConfig()
	if err != nil {
		return err
	}

	report, err := app.New(cfgData, log.GetSugaredLogger()).Backfill(cmd.Context(), backfillDays, only...)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	if report.Failed > 0 {
		return fmt.Errorf("%d of %d chunks failed", report.Failed, report.TotalChunks)
	}
	return nil
}
