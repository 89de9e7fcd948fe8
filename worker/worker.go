// Package worker defines the execution abstraction that runs one
// submission's train/test command to completion, and its local-process
// and remote-instance variants.
package worker

import (
	"context"
	"time"

	"github.com/compeval/conveyor/submission"
)

// Status is the liveness of an in-flight worker, as reported by a
// poll.
type Status int32

// Poll statuses. StatusUnknown signals a transient observability gap
// (e.g. a network hiccup to a remote instance) and must not be treated
// as failure until the consecutive-failure bound is exceeded.
const (
	StatusUnknown Status = iota
	StatusRunning
	StatusSucceeded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "RUNNING"
	case StatusSucceeded:
		return "SUCCEEDED"
	case StatusFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// Handle is the opaque reference correlating a submission to its
// executing worker. It is exclusively owned by the dispatcher for the
// duration of execution.
type Handle struct {
	ID           string
	SubmissionID string
	Backend      submission.Backend

	// Local-process correlation data.
	PID int

	// Remote-instance correlation data.
	InstanceID string
	Addr       string

	CreatedAt  time.Time
	LastPollAt time.Time
}

// PollResult is the outcome of one status check.
type PollResult struct {
	Status Status
	// Stage is the highest lifecycle state the worker can vouch for:
	// Training once the command is executing, Tested once it has
	// completed its test stage successfully.
	Stage submission.State
}

// Result is the captured output of a finished worker.
type Result struct {
	Score *submission.Score
	// ErrDetail is the structured error cause when the run failed.
	ErrDetail string
	// StdoutPath and StderrPath point at the captured log files in
	// the submission's work directory.
	StdoutPath string
	StderrPath string
	// PeakRSSBytes is reported by the optional memory-profiling side
	// channel, zero when profiling is disabled.
	PeakRSSBytes uint64
}

// Worker executes one submission to completion and reports the
// outcome. The dispatcher and state machine depend only on this
// contract, never on backend-specific fields.
//
// Start begins asynchronous execution and must not block beyond
// resource acquisition; it fails with a provisioning error (matching
// errors.Is(err, submission.ErrProvisioning)) when no execution
// context can be obtained. Poll is non-blocking. Collect is callable
// once Poll reports Succeeded or Failed. Kill is best-effort and safe
// to call on an already-finished handle.
type Worker interface {
	Start(ctx context.Context, sub *submission.Submission) (*Handle, error)
	Poll(ctx context.Context, h *Handle) PollResult
	Collect(ctx context.Context, h *Handle) (*Result, error)
	Kill(ctx context.Context, h *Handle) error
}
