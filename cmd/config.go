package cmd

import (
	"fmt"

	"github.com/compeval/conveyor/config"
	"github.com/spf13/cobra"
)

var configFile string

// configCmd prints the resolved configuration as YAML, after applying
// any given config file on top of the defaults.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the resolved configuration.",
	RunE: func(cmd *cobra.Command, args []string) error {
		conf := config.DefaultConfig()
		if configFile != "" {
			if err := config.ParseFile(configFile, &conf); err != nil {
				return err
			}
		}
		y, err := config.ToYaml(conf)
		if err != nil {
			return err
		}
		fmt.Print(string(y))
		return nil
	},
}

func init() {
	configCmd.Flags().StringVarP(&configFile, "config", "c", "", "Config file")
}
