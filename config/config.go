// Package config contains the configuration surface for the engine.
package config

import (
	"github.com/compeval/conveyor/logger"
	"github.com/compeval/conveyor/submission"
)

// Config describes configuration for the conveyor engine.
type Config struct {
	// Backend selects the worker backend, "local" or "ec2".
	Backend string

	Dispatcher Dispatcher
	Worker     Worker
	Queue      Queue
	Cloud      Cloud
	Logger     logger.Config
}

// Dispatcher describes configuration for the dispatch loop.
type Dispatcher struct {
	// NWorkers * NThreads gives the total number of concurrent
	// execution slots.
	NWorkers int
	NThreads int

	// Hunger selects the idle-loop behavior when no pending work
	// exists: "sleep", "busy" or "stop".
	Hunger string
	// SleepInterval is how long the loop sleeps under the "sleep"
	// hunger policy.
	SleepInterval Duration

	// PollRate is the interval between loop iterations.
	PollRate Duration
	// ScheduleChunk is the max number of pending submissions pulled
	// from the queue per iteration.
	ScheduleChunk int

	// MaxPollFailures is the consecutive-poll-failure bound before a
	// submission is committed to the Error state.
	MaxPollFailures int
	// SubmissionTimeout bounds a single submission's total run time.
	// Zero disables the timeout.
	SubmissionTimeout Duration
	// DrainTimeout bounds how long shutdown waits for in-flight
	// submissions before force-killing them.
	DrainTimeout Duration
}

// Slots returns the total number of concurrent execution slots.
func (d Dispatcher) Slots() int {
	return d.NWorkers * d.NThreads
}

// Worker describes configuration shared by all worker backends.
type Worker struct {
	// WorkDir is the base directory under which each submission gets
	// a dedicated working directory.
	WorkDir string
	// Command is the opaque train/test command. The submission's code
	// and work directory paths are appended as arguments.
	Command string
	// ScoreFile is the score artifact the command writes into the
	// submission's work directory.
	ScoreFile string
	// ProfileMemory enables the peak-RSS sampling side channel on the
	// local backend.
	ProfileMemory bool
}

// Queue describes configuration for the embedded submission queue.
type Queue struct {
	// DBPath is the path of the embedded BoltDB queue database.
	DBPath string
}

// Cloud describes configuration for the cloud resource manager.
type Cloud struct {
	// IdlePoolSize bounds how many idle instances are retained between
	// submissions. Zero disables reuse.
	IdlePoolSize int
	// LeaseCeiling bounds the total lifetime of a leased instance.
	LeaseCeiling Duration
	// MaxLaunchAttempts bounds instance launch attempts per acquire.
	MaxLaunchAttempts int
	// LaunchBackoff is the initial backoff between launch attempts.
	LaunchBackoff Duration
	// BootTimeout bounds how long a single launch waits for the
	// instance to report ready.
	BootTimeout Duration
	// HealthRate is the interval between health checks of leased
	// instances.
	HealthRate Duration

	EC2 EC2
}

// EC2 describes connection parameters for the EC2 provider.
type EC2 struct {
	Region         string
	AMI            string
	InstanceType   string
	KeyName        string
	SecurityGroups []string
	SubnetID       string
	// Endpoint overrides the API endpoint, for non-AWS/test targets.
	Endpoint   string
	MaxRetries int

	Credentials AWSCredentials

	SSHUser    string
	SSHKeyPath string
	SSHPort    int
}

// AWSCredentials describes static AWS credentials. When empty, the
// default credential chain is used.
type AWSCredentials struct {
	Key    string
	Secret string
}

// Validate checks the configuration at startup. Missing required cloud
// parameters when the ec2 backend is selected are a configuration
// error, not a runtime failure.
func (c Config) Validate() error {
	switch c.Backend {
	case "local", "ec2":
	default:
		return &submission.ConfigError{Field: "Backend", Reason: "must be one of: local, ec2"}
	}

	switch c.Dispatcher.Hunger {
	case "sleep", "busy", "stop":
	default:
		return &submission.ConfigError{Field: "Dispatcher.Hunger", Reason: "must be one of: sleep, busy, stop"}
	}

	if c.Dispatcher.Slots() < 1 {
		return &submission.ConfigError{Field: "Dispatcher.NWorkers", Reason: "must provide at least one execution slot"}
	}

	if c.Worker.Command == "" {
		return &submission.ConfigError{Field: "Worker.Command", Reason: "required"}
	}

	if c.Backend == "ec2" {
		ec2 := c.Cloud.EC2
		required := map[string]string{
			"Cloud.EC2.Region":       ec2.Region,
			"Cloud.EC2.AMI":          ec2.AMI,
			"Cloud.EC2.InstanceType": ec2.InstanceType,
			"Cloud.EC2.SSHUser":      ec2.SSHUser,
			"Cloud.EC2.SSHKeyPath":   ec2.SSHKeyPath,
		}
		for field, val := range required {
			if val == "" {
				return &submission.ConfigError{Field: field, Reason: "required for the ec2 backend"}
			}
		}
		if c.Cloud.MaxLaunchAttempts < 1 {
			return &submission.ConfigError{Field: "Cloud.MaxLaunchAttempts", Reason: "must be at least 1"}
		}
	}

	return nil
}
