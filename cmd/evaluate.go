package cmd

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/ZamarianPatrick/lazypig-plantcare/config"
	"github.com/ZamarianPatrick/lazypig-plantcare/logx"
	"github.com/ZamarianPatrick/lazypig-plantcare/server"
)

func newEvaluateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate",
		Short: "Run a single evaluation cycle and print its report as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logs, log := logx.NewService(loggingConfig(settings))
			defer logs.Close()

			ctrl, err := server.NewController(settings, log)
			if err != nil {
				return err
			}
			defer ctrl.Close()

			report, err := ctrl.Scheduler().RunOnce(context.Background())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}
