// Package cmd contains the conveyor CLI commands.
package cmd

import (
	"github.com/compeval/conveyor/cmd/kill"
	"github.com/compeval/conveyor/cmd/run"
	"github.com/compeval/conveyor/cmd/submit"
	"github.com/compeval/conveyor/cmd/version"
	"github.com/spf13/cobra"
)

// RootCmd represents the root command
var RootCmd = &cobra.Command{
	Use:           "conveyor",
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	RootCmd.AddCommand(configCmd)
	RootCmd.AddCommand(kill.Cmd)
	RootCmd.AddCommand(run.Cmd)
	RootCmd.AddCommand(submit.Cmd)
	RootCmd.AddCommand(version.Cmd)
}
