// Package cli implements the settle command.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/arkantrust/donation-settlement/config"
)

type rootOptions struct {
	configPath string
}

// NewRootCmd builds the command tree.
func NewRootCmd(version string) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "settle",
		Short: "Donation settlement service for the XRP Ledger",
		Long: `settle links donor wallets through a signing provider, prices project
tokens from the ledger order book and settles donations as Payments or Checks.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newCheckIDCmd())
	root.AddCommand(newQuoteCmd(opts))
	root.AddCommand(newLinkCmd())
	return root
}

func (o *rootOptions) load() (*config.Config, error) {
	return config.Load(o.configPath)
}

// Execute runs the root command.
func Execute(version string) error {
	if err := NewRootCmd(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}
