package main

import (
	"context"
	"encoding/json"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/spf13/cobra"
)

func trendCmd() *cobra.Command {
	var (
		interval string
		period   int
	)

	cmd := &cobra.Command{
		Use:   "trend",
		Short: "Print the anomaly-rate trend as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			series, err := a.orch.GetRateTrend(context.Background(), domain.Interval(interval), period)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(series)
		},
	}
	cmd.Flags().StringVar(&interval, "interval", string(domain.IntervalDay), "bucket width: hour, day, week or month")
	cmd.Flags().IntVar(&period, "period", 30, "number of buckets")
	return cmd
}
