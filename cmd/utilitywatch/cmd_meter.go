package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/chrissnell/utilitywatch/internal/app"
	"github.com/chrissnell/utilitywatch/internal/log"
	"github.com/chrissnell/utilitywatch/internal/meter"
)

var meterInput meter.PointInput

var meterCmd = &cobra.Command{
	Use:   "meter-reading",
	Short: "Record a cumulative water meter reading",
	Long: `Record a cumulative water meter reading taken by hand. Consumption since the
previous reading is spread evenly over the days in between.`,
	RunE: runMeterReading,
}

func init() {
	meterCmd.Flags().StringVar(&meterInput.Date, "date", "", "Local date of the reading (YYYY-MM-DD)")
	meterCmd.Flags().StringVar(&meterInput.Time, "time", "00:00", "Local time of the reading (HH:MM)")
	meterCmd.Flags().Float64Var(&meterInput.ValueM3, "value", 0, "Meter value in cubic metres")
	meterCmd.MarkFlagRequired("date")
	meterCmd.MarkFlagRequired("value")
	rootCmd.AddCommand(meterCmd)
}

func runMeterReading(cmd *cobra.Command, args []string) error {
	cfgData, err := loadConfig()
	if err != nil {
		return err
	}

	res, err := app.New(cfgData, log.GetSugaredLogger()).SubmitMeterReading(cmd.Context(), meterInput)
	if err != nil {
		return err
	}
	if res.Anomaly != nil {
		log.Warnf("reading stored without derived consumption: %v", res.Anomaly)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
