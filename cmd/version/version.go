// Package version contains the `conveyor version` CLI command.
package version

import (
	"fmt"

	"github.com/compeval/conveyor/version"
	"github.com/spf13/cobra"
)

// Cmd represents the "version" command
var Cmd = &cobra.Command{
	Use: "version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.String())
	},
}
