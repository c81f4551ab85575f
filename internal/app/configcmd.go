package app

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/blackwell-systems/devstack/internal/config"
)

var (
	configForce bool

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Show or create the configuration file",
	}

	configShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow,
	}

	configInitCmd = &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with the defaults",
		Long: `Write config.yaml with every setting at its default value, ready to edit.

The file goes to --config if given, otherwise to the devstack config
directory ($XDG_CONFIG_HOME/devstack or ~/.config/devstack). An existing
file is left alone unless --force is given.`,
		Args: cobra.NoArgs,
		RunE: runConfigInit,
	}
)

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing file")

	configCmd.AddCommand(configShowCmd, configInitCmd)
	RootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if configUsed != "" {
		fmt.Printf("# %s\n", configUsed)
	} else {
		fmt.Println("# defaults (no config file)")
	}
	fmt.Print(string(out))
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configFile
	if path == "" {
		dir, err := config.Dir()
		if err != nil {
			return fmt.Errorf("failed to locate config directory: %w", err)
		}
		path = filepath.Join(dir, "config.yaml")
	}

	if _, err := os.Stat(path); err == nil && !configForce {
		fmt.Printf("%s already exists (use --force to overwrite)\n", path)
		return ErrNoChange
	}

	// Defaults only: environment overrides do not belong in the file.
	v := viper.NewWithOptions(viper.KeyDelimiter(config.KeyDelimiter))
	config.SetDefaults(v)
	cfg := &config.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to decode defaults: %w", err)
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, out, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	fmt.Printf("✓ Wrote %s\n", path)
	return nil
}
