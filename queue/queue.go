// Package queue defines the submission queue capability the engine
// depends on. Persistence of submission metadata is owned by an
// external store; implementations of SubmissionQueue adapt that store.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/compeval/conveyor/submission"
)

// ErrNotFound is returned when a submission ID is unknown to the store.
var ErrNotFound = errors.New("submission not found")

// CommitPayload carries the optional record fields written together
// with a state commit.
type CommitPayload struct {
	WorkerID   string
	Cause      string
	Score      *submission.Score
	StartedAt  time.Time
	FinishedAt time.Time
}

// SubmissionQueue is the external-store contract used by the
// dispatcher.
//
// NextPending returns up to limit pending submissions ordered by
// enqueue time, earliest first, ties broken by ID. Commit applies a
// state transition together with its payload; committing the current
// state again is a no-op, and invalid transitions are rejected, which
// makes duplicate status reports safe at the store boundary.
type SubmissionQueue interface {
	Enqueue(ctx context.Context, sub *submission.Submission) error
	NextPending(ctx context.Context, limit int) ([]*submission.Submission, error)
	Get(ctx context.Context, id string) (*submission.Submission, error)
	Commit(ctx context.Context, id string, to submission.State, payload *CommitPayload) error

	// RequestKill records an external cancellation request.
	// PendingKills returns the IDs with an outstanding request;
	// the request is cleared once its submission reaches a
	// terminal state.
	RequestKill(ctx context.Context, id string) error
	PendingKills(ctx context.Context) ([]string, error)
}
