package queue

import (
	"context"
	"sort"
	"sync"

	"github.com/compeval/conveyor/submission"
)

// InMemory is an in-process SubmissionQueue, useful for tests and
// one-shot batch runs.
type InMemory struct {
	mtx   sync.Mutex
	subs  map[string]*submission.Submission
	kills map[string]bool
}

// NewInMemory returns an empty in-memory queue.
func NewInMemory() *InMemory {
	return &InMemory{
		subs:  map[string]*submission.Submission{},
		kills: map[string]bool{},
	}
}

// Enqueue adds a submission to the queue.
func (m *InMemory) Enqueue(ctx context.Context, sub *submission.Submission) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	cp := *sub
	if cp.State == submission.Unknown {
		cp.State = submission.New
	}
	m.subs[cp.ID] = &cp
	return nil
}

// NextPending returns up to limit submissions in the New state,
// ordered by enqueue time, ties broken by ID.
func (m *InMemory) NextPending(ctx context.Context, limit int) ([]*submission.Submission, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	var pending []*submission.Submission
	for _, s := range m.subs {
		if s.State == submission.New && !m.kills[s.ID] {
			pending = append(pending, s)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].EnqueuedAt.Equal(pending[j].EnqueuedAt) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].EnqueuedAt.Before(pending[j].EnqueuedAt)
	})
	if limit < len(pending) {
		pending = pending[:limit]
	}

	out := make([]*submission.Submission, len(pending))
	for i, s := range pending {
		cp := *s
		out[i] = &cp
	}
	return out, nil
}

// Get returns a copy of the submission record.
func (m *InMemory) Get(ctx context.Context, id string) (*submission.Submission, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// Commit applies a validated state transition and payload.
func (m *InMemory) Commit(ctx context.Context, id string, to submission.State, payload *CommitPayload) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	s, ok := m.subs[id]
	if !ok {
		return ErrNotFound
	}
	if s.State == to {
		return nil
	}
	if err := submission.ValidateTransition(s.State, to); err != nil {
		return err
	}

	s.State = to
	applyPayload(s, payload)
	if to.Terminal() {
		s.WorkerID = ""
		delete(m.kills, id)
	}
	return nil
}

// RequestKill records an external cancellation request.
func (m *InMemory) RequestKill(ctx context.Context, id string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return ErrNotFound
	}
	if s.State.Terminal() {
		return nil
	}
	m.kills[id] = true
	return nil
}

// PendingKills returns IDs with an outstanding kill request.
func (m *InMemory) PendingKills(ctx context.Context) ([]string, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	var ids []string
	for id := range m.kills {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func applyPayload(s *submission.Submission, payload *CommitPayload) {
	if payload == nil {
		return
	}
	if payload.WorkerID != "" {
		s.WorkerID = payload.WorkerID
	}
	if payload.Cause != "" {
		s.Cause = submission.TrimCause(payload.Cause)
	}
	if payload.Score != nil {
		s.Score = payload.Score
	}
	if !payload.StartedAt.IsZero() {
		s.StartedAt = payload.StartedAt
	}
	if !payload.FinishedAt.IsZero() {
		s.FinishedAt = payload.FinishedAt
	}
}
