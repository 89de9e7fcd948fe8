package main

import (
	"os"

	"github.com/compeval/conveyor/cmd"
	"github.com/compeval/conveyor/logger"
)

func main() {
	if err := cmd.RootCmd.Execute(); err != nil {
		logger.PrintSimpleError(err)
		os.Exit(1)
	}
}
