package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/MrWong99/livevoice/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Validate or scaffold a configuration file",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Check a configuration file for errors",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath()
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			return errors.New("no config file given and ./" + defaultConfigFile + " does not exist")
		}
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		if err := config.RequireAPIKey(cfg); err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (warning: %v)\n", path, err)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: valid\n", path)
		return nil
	},
}

var configInitForce bool

var configInitCmd = &cobra.Command{
	Use:   "init [file]",
	Short: "Write a configuration file with all defaults",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := defaultConfigFile
		if len(args) == 1 {
			path = args[0]
		}
		if _, err := os.Stat(path); err == nil && !configInitForce {
			return fmt.Errorf("%s already exists; use --force to overwrite", path)
		}

		cfg := config.Default()
		// Keys belong in the environment, not in a scaffolded file.
		cfg.Endpoint.APIKey = ""
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configInitCmd)
}
