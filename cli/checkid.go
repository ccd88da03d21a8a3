package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/arkantrust/donation-settlement/checkid"
)

func newCheckIDCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkid",
		Short: "Derive or validate Check identifiers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "generate <account> <sequence>",
		Short: "Print the CheckID created by account at sequence",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("sequence must be an integer: %w", err)
			}
			id, err := checkid.Generate(args[0], seq)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <value>",
		Short: "Check that value is a well-formed CheckID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res := checkid.Validate(args[0])
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if !res.Valid {
				return errors.New("invalid CheckID")
			}
			return nil
		},
	})
	return cmd
}
