package boltdb

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/compeval/conveyor/config"
	"github.com/compeval/conveyor/queue"
	"github.com/compeval/conveyor/submission"
)

func newTestDB(t *testing.T) *BoltDB {
	t.Helper()
	dir, err := os.MkdirTemp("", "conveyor-bolt-test-")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	b, err := NewBoltDB(config.Queue{DBPath: filepath.Join(dir, "q.db")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestPendingOrder(t *testing.T) {
	b := newTestDB(t)
	ctx := context.Background()
	base := time.Now()

	// Enqueued out of order on purpose.
	for _, s := range []struct {
		id  string
		off time.Duration
	}{
		{"c", 2 * time.Second},
		{"a", 0},
		{"b", time.Second},
	} {
		err := b.Enqueue(ctx, &submission.Submission{
			ID:         s.id,
			EventID:    "ev1",
			EnqueuedAt: base.Add(s.off),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	subs, err := b.NextPending(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 3 {
		t.Fatal("expected 3 pending", len(subs))
	}
	want := []string{"a", "b", "c"}
	for i, sub := range subs {
		if sub.ID != want[i] {
			t.Error("unexpected order", i, sub.ID)
		}
	}

	// Limit respected.
	subs, _ = b.NextPending(ctx, 2)
	if len(subs) != 2 || subs[0].ID != "a" {
		t.Error("limit not respected", subs)
	}
}

func TestPendingOrderTieBreak(t *testing.T) {
	b := newTestDB(t)
	ctx := context.Background()
	at := time.Now()

	for _, id := range []string{"z", "m", "a"} {
		b.Enqueue(ctx, &submission.Submission{ID: id, EnqueuedAt: at})
	}
	subs, err := b.NextPending(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a", "m", "z"}
	for i, sub := range subs {
		if sub.ID != want[i] {
			t.Error("ties should break by ID", i, sub.ID)
		}
	}
}

func TestCommitLifecycle(t *testing.T) {
	b := newTestDB(t)
	ctx := context.Background()

	b.Enqueue(ctx, &submission.Submission{ID: "s1", EnqueuedAt: time.Now()})

	err := b.Commit(ctx, "s1", submission.Sent, &queue.CommitPayload{
		WorkerID:  "w1",
		StartedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	// Sent submissions leave the pending index.
	subs, _ := b.NextPending(ctx, 10)
	if len(subs) != 0 {
		t.Error("committed submission still pending")
	}

	// Duplicate commit is a no-op.
	if err := b.Commit(ctx, "s1", submission.Sent, nil); err != nil {
		t.Error("duplicate commit should be a no-op", err)
	}

	// Regression is rejected.
	if err := b.Commit(ctx, "s1", submission.New, nil); err == nil {
		t.Error("expected transition error")
	}

	b.Commit(ctx, "s1", submission.Training, nil)
	b.Commit(ctx, "s1", submission.Tested, nil)
	err = b.Commit(ctx, "s1", submission.Scored, &queue.CommitPayload{
		Score:      &submission.Score{Value: 0.87},
		FinishedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	sub, err := b.Get(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if sub.State != submission.Scored {
		t.Error("unexpected state", sub.State)
	}
	if sub.Score == nil || sub.Score.Value != 0.87 {
		t.Error("score payload missing", sub.Score)
	}
	if sub.WorkerID != "" {
		t.Error("terminal submission should have no worker handle")
	}
}

func TestKillRequests(t *testing.T) {
	b := newTestDB(t)
	ctx := context.Background()

	b.Enqueue(ctx, &submission.Submission{ID: "s1", EnqueuedAt: time.Now()})
	if err := b.RequestKill(ctx, "s1"); err != nil {
		t.Fatal(err)
	}

	ids, _ := b.PendingKills(ctx)
	if len(ids) != 1 || ids[0] != "s1" {
		t.Error("kill request not recorded", ids)
	}

	// Kill-requested submissions are not handed out as pending.
	subs, _ := b.NextPending(ctx, 10)
	if len(subs) != 0 {
		t.Error("killed submission still handed out", subs)
	}

	// Terminal commit clears the request.
	b.Commit(ctx, "s1", submission.Killed, &queue.CommitPayload{Cause: "killed by user"})
	ids, _ = b.PendingKills(ctx)
	if len(ids) != 0 {
		t.Error("kill request not cleared", ids)
	}
}

func TestGetUnknown(t *testing.T) {
	b := newTestDB(t)
	_, err := b.Get(context.Background(), "nope")
	if err != queue.ErrNotFound {
		t.Error("expected ErrNotFound", err)
	}
}
