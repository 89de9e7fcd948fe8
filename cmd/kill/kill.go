// Package kill contains the `conveyor kill` CLI command.
package kill

import (
	"context"
	"fmt"

	"github.com/compeval/conveyor/config"
	"github.com/compeval/conveyor/queue/boltdb"
	"github.com/spf13/cobra"
)

var configFile string
var dbPath string

// Cmd represents the `conveyor kill` CLI command. It records a kill
// request for each given submission ID; the dispatcher honors the
// request on its next iteration.
var Cmd = &cobra.Command{
	Use:   "kill [submission id ...]",
	Short: "Request cancellation of one or more submissions.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return cmd.Help()
		}

		conf := config.DefaultConfig()
		if configFile != "" {
			if err := config.ParseFile(configFile, &conf); err != nil {
				return err
			}
		}
		if dbPath != "" {
			conf.Queue.DBPath = dbPath
		}

		q, err := boltdb.NewBoltDB(conf.Queue)
		if err != nil {
			return fmt.Errorf("opening queue database: %v", err)
		}
		defer q.Close()

		ctx := context.Background()
		for _, id := range args {
			if err := q.RequestKill(ctx, id); err != nil {
				return fmt.Errorf("requesting kill of %s: %v", id, err)
			}
		}
		return nil
	},
}

func init() {
	flags := Cmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "", "Config file")
	flags.StringVar(&dbPath, "db-path", "", "Queue database path")
}
