package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is overwritten at build time:
//
//	go build -ldflags "-X imagery-timeloop/cmd.Version=v1.2.0"
var Version = "0.0.0-dev"

// PostHog credentials baked in by release builds. Settings take precedence.
var (
	PostHogKey  string
	PostHogHost string
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the timeloop version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "timeloop %s\n", Version)
		fmt.Fprintf(cmd.OutOrStdout(), "go       %s\n", runtime.Version())
		fmt.Fprintf(cmd.OutOrStdout(), "os       %s/%s\n", runtime.GOOS, runtime.GOARCH)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
