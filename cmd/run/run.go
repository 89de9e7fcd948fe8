// Package run contains the `conveyor run` CLI command.
package run

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/compeval/conveyor/cloud"
	"github.com/compeval/conveyor/config"
	"github.com/compeval/conveyor/dispatch"
	"github.com/compeval/conveyor/events"
	"github.com/compeval/conveyor/logger"
	"github.com/compeval/conveyor/queue/boltdb"
	"github.com/compeval/conveyor/util"
	"github.com/compeval/conveyor/version"
	"github.com/compeval/conveyor/worker"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/imdario/mergo"
	"github.com/spf13/cobra"
)

var log = logger.Sub("run")
var configFile string
var flagConf = config.Config{}

// Cmd represents the `conveyor run` CLI command.
var Cmd = &cobra.Command{
	Use:   "run",
	Short: "Runs the conveyor engine.",
	RunE: func(cmd *cobra.Command, args []string) error {
		conf := config.DefaultConfig()
		if configFile != "" {
			if err := config.ParseFile(configFile, &conf); err != nil {
				return err
			}
		}

		// file vals <- cli vals
		if err := mergo.MergeWithOverwrite(&conf, flagConf); err != nil {
			return err
		}

		if err := conf.Validate(); err != nil {
			return err
		}
		return Run(conf)
	},
}

func init() {
	flags := Cmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "", "Config file")
	flags.StringVar(&flagConf.Backend, "backend", flagConf.Backend, "Worker backend to run submissions on (local, ec2)")
	flags.IntVar(&flagConf.Dispatcher.NWorkers, "n-workers", flagConf.Dispatcher.NWorkers, "Number of concurrent workers")
	flags.IntVar(&flagConf.Dispatcher.NThreads, "n-threads", flagConf.Dispatcher.NThreads, "Submission slots per worker")
	flags.StringVar(&flagConf.Dispatcher.Hunger, "hunger", flagConf.Dispatcher.Hunger, "Idle policy when the queue is empty (sleep, busy, stop)")
	flags.Var(&flagConf.Dispatcher.PollRate, "poll-rate", "Interval between dispatch iterations")
	flags.StringVar(&flagConf.Queue.DBPath, "db-path", flagConf.Queue.DBPath, "Queue database path")
	flags.StringVar(&flagConf.Worker.WorkDir, "work-dir", flagConf.Worker.WorkDir, "Base directory for submission work dirs")
	flags.StringVar(&flagConf.Worker.Command, "command", flagConf.Worker.Command, "Train/test command")
	flags.StringVar(&flagConf.Logger.Level, "log-level", flagConf.Logger.Level, "Level of logging")
	flags.StringVar(&flagConf.Logger.OutputFile, "log-path", flagConf.Logger.OutputFile, "File path to write logs to")
}

// Run starts the engine: it opens the queue database, builds the
// configured worker backend, and drives the dispatcher until the queue
// drains under the "stop" hunger policy or a shutdown signal arrives.
func Run(conf config.Config) error {
	logger.Configure(conf.Logger)
	log.Info("Version", version.LogFields()...)

	q, err := boltdb.NewBoltDB(conf.Queue)
	if err != nil {
		return fmt.Errorf("opening queue database: %v", err)
	}
	defer q.Close()

	ev := events.MultiWriter(events.NewLogger("events"), events.Metrics{})

	var w worker.Worker
	var manager *cloud.Manager

	switch conf.Backend {
	case "ec2":
		provider, perr := cloud.NewEC2Provider(conf.Cloud.EC2)
		if perr != nil {
			return perr
		}
		manager = cloud.NewManager(conf.Cloud, provider, log)
		dial := cloud.SSHDialer(conf.Cloud.EC2.SSHUser, conf.Cloud.EC2.SSHKeyPath, conf.Cloud.EC2.SSHPort)
		w = worker.NewRemote(conf.Worker, conf.Cloud, manager, dial, log)
	default:
		w = worker.NewLocal(conf.Worker, log)
	}

	ctx := util.SignalContext(context.Background(), time.Millisecond*50, syscall.SIGINT, syscall.SIGTERM)

	d := dispatch.NewDispatcher(conf.Dispatcher, q, w, ev, log)

	var result *multierror.Error
	result = multierror.Append(result, d.Run(ctx))

	if manager != nil {
		sctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		result = multierror.Append(result, manager.Shutdown(sctx))
	}
	return result.ErrorOrNil()
}
