package main

import (
	"github.com/spf13/cobra"

	"github.com/chrissnell/utilitywatch/internal/app"
	"github.com/chrissnell/utilitywatch/internal/log"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Poll every configured source and serve the REST API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgData, err := loadConfig()
	if err != nil {
		return err
	}

	application := app.New(cfgData, log.GetSugaredLogger())
	return application.Run(cmd.Context())
}
