package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/k3s-upgrade-monitor/internal/config"
)

var configOutput string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration inspection",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the resolved configuration",
	Long: `Show prints the configuration run would use after defaults, the config
file and the environment are merged. The ntfy URL is masked because the
topic name acts as its credential.`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)

	configShowCmd.Flags().StringVarP(&configOutput, "output", "o", "yaml", "output format: yaml or json")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	if _, err := config.Load(v); err != nil {
		return err
	}

	settings := v.AllSettings()
	if ntfy, ok := settings["ntfy"].(map[string]interface{}); ok {
		if url, _ := ntfy["url"].(string); url != "" {
			ntfy["url"] = "********"
		}
	}

	switch configOutput {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(settings)
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(settings)
	default:
		return fmt.Errorf("unsupported output format %q", configOutput)
	}
}
