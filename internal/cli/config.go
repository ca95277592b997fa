package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tOgg1/remex/internal/config"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configPathCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration after defaults, file and environment",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()
		if IsJSONOutput() {
			return WriteOutput(os.Stdout, cfg)
		}
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		return enc.Close()
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the data, config and history locations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()
		paths := map[string]string{
			"config_dir": cfg.Global.ConfigDir,
			"data_dir":   cfg.Global.DataDir,
			"history":    cfg.HistoryPath(),
			"ssh_config": cfg.SSH.ConfigPath,
			"context":    config.NewContextStore(contextPath).Path(),
		}
		if IsJSONOutput() {
			return WriteOutput(os.Stdout, paths)
		}
		return writeTable(os.Stdout, nil, [][]string{
			{"config dir", paths["config_dir"]},
			{"data dir", paths["data_dir"]},
			{"history", paths["history"]},
			{"ssh config", paths["ssh_config"]},
			{"context", paths["context"]},
		})
	},
}
