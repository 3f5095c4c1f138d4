package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nextup/nextup-estimation/internal/history"
)

var reportLimit uint // Number of recent events to print

// reportCmd prints the aggregated history of one service type
var reportCmd = &cobra.Command{
	Use:   "report <serviceType>",
	Short: "Print the recorded history of a service type as YAML",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.History.Driver == "" {
			return errors.New("history.driver is not configured")
		}

		db, err := history.Open(cfg.History.Driver, cfg.History.DSN)
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := context.Background()
		if err := db.Setup(ctx); err != nil {
			return err
		}
		return writeReport(ctx, cmd, db, args[0], reportLimit)
	},
}

func init() {
	reportCmd.Flags().UintVar(&reportLimit, "limit", 10, "Number of recent events to include")
}

type reportOutput struct {
	Report *history.Report  `yaml:"report"`
	Recent []history.Record `yaml:"recent"`
}

func writeReport(ctx context.Context, cmd *cobra.Command, reporter history.Reporter, serviceType string, limit uint) error {
	report, err := reporter.Report(ctx, serviceType)
	if err != nil {
		return err
	}
	out := reportOutput{Report: report}
	if limit > 0 {
		if out.Recent, err = reporter.Recent(ctx, serviceType, limit); err != nil {
			return err
		}
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	defer enc.Close()
	return enc.Encode(out)
}
