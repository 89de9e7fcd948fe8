// Package submit contains the `conveyor submit` CLI command.
package submit

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/compeval/conveyor/config"
	"github.com/compeval/conveyor/queue/boltdb"
	"github.com/compeval/conveyor/submission"
	"github.com/compeval/conveyor/util"
	"github.com/spf13/cobra"
)

var configFile string
var eventID string
var flagConf = config.Config{}

// Cmd represents the `conveyor submit` CLI command. It enqueues one
// submission per code path and prints the assigned IDs, one per line.
var Cmd = &cobra.Command{
	Use:   "submit [code path ...]",
	Short: "Enqueue one or more submissions.",
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
		if flagConf.Queue.DBPath != "" {
			conf.Queue.DBPath = flagConf.Queue.DBPath
		}

		ids, err := doSubmit(conf, eventID, args)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

func init() {
	flags := Cmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "", "Config file")
	flags.StringVar(&flagConf.Queue.DBPath, "db-path", flagConf.Queue.DBPath, "Queue database path")
	flags.StringVar(&eventID, "event", "", "Event the submissions belong to")
}

func doSubmit(conf config.Config, eventID string, paths []string) ([]string, error) {
	q, err := boltdb.NewBoltDB(conf.Queue)
	if err != nil {
		return nil, fmt.Errorf("opening queue database: %v", err)
	}
	defer q.Close()

	ctx := context.Background()
	var ids []string
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		sub := &submission.Submission{
			ID:         util.GenID(),
			EventID:    eventID,
			CodePath:   abs,
			State:      submission.New,
			EnqueuedAt: time.Now(),
		}
		if err := q.Enqueue(ctx, sub); err != nil {
			return nil, fmt.Errorf("enqueueing %s: %v", p, err)
		}
		ids = append(ids, sub.ID)
	}
	return ids, nil
}
