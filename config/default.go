package config

import (
	"os"
	"path"
	"time"

	"github.com/compeval/conveyor/logger"
)

// DefaultConfig returns configuration with simple defaults.
func DefaultConfig() Config {
	cwd, _ := os.Getwd()
	workDir := path.Join(cwd, "conveyor-work-dir")

	return Config{
		Backend: "local",
		Dispatcher: Dispatcher{
			NWorkers:          2,
			NThreads:          1,
			Hunger:            "sleep",
			SleepInterval:     Duration(time.Second * 5),
			PollRate:          Duration(time.Second),
			ScheduleChunk:     10,
			MaxPollFailures:   3,
			SubmissionTimeout: Duration(time.Hour * 2),
			DrainTimeout:      Duration(time.Minute),
		},
		Worker: Worker{
			WorkDir:   workDir,
			ScoreFile: "score.json",
		},
		Queue: Queue{
			DBPath: path.Join(workDir, "conveyor.db"),
		},
		Cloud: Cloud{
			IdlePoolSize:      0,
			LeaseCeiling:      Duration(time.Hour * 4),
			MaxLaunchAttempts: 3,
			LaunchBackoff:     Duration(time.Second * 10),
			BootTimeout:       Duration(time.Minute * 5),
			HealthRate:        Duration(time.Second * 30),
			EC2: EC2{
				MaxRetries: 5,
				SSHPort:    22,
			},
		},
		Logger: logger.DefaultConfig(),
	}
}
