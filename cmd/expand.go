package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"imagery-timeloop/internal/timespan"
)

var expandCount bool

var expandCmd = &cobra.Command{
	Use:   "expand <time-spec>",
	Short: "Expand an ISO 8601 time specification into instants",
	Long: `Expand a WMS time dimension value into the list of instants it names.

A specification is a comma separated list of instants and start/end/period
ranges. The precision of each instant follows the range's start value.`,
	Example: `  timeloop expand 2000/2010/P1Y
  timeloop expand "2004-11/2005-02/P1M,2005-06"
  timeloop expand 2001-01-01T00Z/2001-01-01T12Z/PT3H --count`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		instants, err := timespan.Expand(args[0])
		if err != nil {
			return err
		}
		if expandCount {
			fmt.Fprintln(cmd.OutOrStdout(), len(instants))
			return nil
		}
		for _, inst := range instants {
			fmt.Fprintln(cmd.OutOrStdout(), inst)
		}
		return nil
	},
}

func init() {
	expandCmd.Flags().BoolVar(&expandCount, "count", false, "print only the number of instants")
	rootCmd.AddCommand(expandCmd)
}
