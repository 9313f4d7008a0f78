package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"imagery-timeloop/internal/config"
)

var configInitForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create or inspect the settings file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a settings file with the default values",
	Long: `Write the default settings, with any --cache-dir, --log-level and --log-format
overrides, to --config or to the user config directory. The format follows the
file extension: .json, .yaml or .toml.`,
	Example: `  timeloop config init
  timeloop --config ./timeloop.yaml --cache-dir ./tiles config init`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := globalFlags.Config
		if path == "" {
			path = config.DefaultSettingsPath()
		}
		if _, err := os.Stat(path); err == nil && !configInitForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}

		s := config.DefaultSettings()
		if globalFlags.CacheDir != "" {
			s.CacheDir = globalFlags.CacheDir
		}
		if globalFlags.LogLevel != "" {
			s.Log.Level = globalFlags.LogLevel
		}
		if globalFlags.LogFormat != "" {
			s.Log.Format = globalFlags.LogFormat
		}
		if err := s.Validate(); err != nil {
			return err
		}
		if err := config.SaveSettings(s, path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Wrote %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings()
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), s)
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
