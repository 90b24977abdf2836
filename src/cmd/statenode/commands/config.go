package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// NewConfigCmd returns the command that prints the effective configuration,
// flags and config file merged, as YAML.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "config",
		Short:   "Show the effective configuration",
		PreRunE: loadConfig,
		RunE:    showConfig,
	}
	AddRunFlags(cmd)
	return cmd
}

func showConfig(cmd *cobra.Command, args []string) error {
	out, err := yaml.Marshal(viper.AllSettings())
	if err != nil {
		return err
	}

	fmt.Print(string(out))
	return nil
}
