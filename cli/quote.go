package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/arkantrust/donation-settlement/ledger"
)

func newQuoteCmd(opts *rootOptions) *cobra.Command {
	var (
		quality float64
		volume  string
	)
	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Price a project token at the live order-book rate",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			vol, err := decimal.NewFromString(volume)
			if err != nil {
				return fmt.Errorf("volume must be a number: %w", err)
			}
			logger := cfg.Log.NewLogger(os.Stderr)
			l := ledger.NewClient(cfg.Ledger.Endpoint, ledger.WithTimeout(cfg.Ledger.Timeout), ledger.WithLogger(logger))
			engine, err := newPricingEngine(cfg, l, logger)
			if err != nil {
				return err
			}
			q, err := engine.Quote(cmd.Context(), quality, vol)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(q)
		},
	}
	cmd.Flags().Float64Var(&quality, "quality", 0.5, "project quality score in [0, 1]")
	cmd.Flags().StringVar(&volume, "volume", "0", "accumulated donation volume in XRP")
	return cmd
}
