// Package submission defines the submission record, its lifecycle
// state machine, and the engine's error taxonomy.
package submission

import (
	"time"
)

// Backend identifies the kind of worker backing a submission.
type Backend string

// Worker backend kinds.
const (
	BackendLocal Backend = "local"
	BackendEC2   Backend = "ec2"
)

// Score holds the outcome of a scored submission.
type Score struct {
	// Value is the parsed primary score, when the score artifact
	// contained one.
	Value float64 `json:"value"`
	// Raw is the verbatim score artifact produced by the scoring
	// command, kept opaque for the frontend.
	Raw []byte `json:"raw,omitempty"`
}

// Submission is one participant's code entry for one challenge event.
//
// A submission is created by the external queue and mutated exclusively
// through the dispatcher's state commits. It is never deleted by the
// engine.
type Submission struct {
	ID      string `json:"id"`
	EventID string `json:"eventId"`
	// CodePath points at the submission's code tree on disk.
	CodePath string `json:"codePath"`

	State State `json:"state"`

	// WorkerID correlates the submission to its in-flight worker handle.
	// Empty when no worker is assigned. A submission in a terminal state
	// never has an active worker.
	WorkerID string `json:"workerId,omitempty"`

	EnqueuedAt time.Time `json:"enqueuedAt"`
	StartedAt  time.Time `json:"startedAt,omitempty"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`

	// Cause carries the human-readable reason for an Error or Killed
	// terminal state, distinguishing infrastructure failure from
	// user-code failure.
	Cause string `json:"cause,omitempty"`

	Score *Score `json:"score,omitempty"`
}
