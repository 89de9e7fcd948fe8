// Package boltdb provides an embedded BoltDB-backed submission queue,
// so the engine is runnable stand-alone without an external store.
package boltdb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
	"github.com/compeval/conveyor/config"
	"github.com/compeval/conveyor/queue"
	"github.com/compeval/conveyor/submission"
	"github.com/compeval/conveyor/util"
)

// submissions maps: submission ID -> submission.Submission JSON.
var submissions = []byte("submissions")

// pending indexes pending submissions. Keys are enqueue-time
// nanoseconds followed by the submission ID, so a bucket scan yields
// FIFO order with deterministic ties.
var pending = []byte("pending")

// kills maps: submission ID -> nil, for outstanding kill requests.
var kills = []byte("kills")

// BoltDB is a SubmissionQueue backed by an embedded BoltDB database.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB returns a new BoltDB queue, accessing the database at the
// configured path.
func NewBoltDB(conf config.Queue) (*BoltDB, error) {
	if err := util.EnsurePath(conf.DBPath); err != nil {
		return nil, err
	}
	db, err := bolt.Open(conf.DBPath, 0600, &bolt.Options{
		Timeout: time.Second * 5,
	})
	if err != nil {
		return nil, err
	}

	b := &BoltDB{db: db}
	if err := b.init(); err != nil {
		return nil, err
	}
	return b, nil
}

// init creates the required buckets.
func (b *BoltDB) init() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{submissions, pending, kills} {
			if tx.Bucket(name) == nil {
				if _, err := tx.CreateBucket(name); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Close closes the underlying database.
func (b *BoltDB) Close() error {
	return b.db.Close()
}

func pendingKey(sub *submission.Submission) []byte {
	return []byte(fmt.Sprintf("%020d-%s", sub.EnqueuedAt.UnixNano(), sub.ID))
}

func getSubmission(tx *bolt.Tx, id string) (*submission.Submission, error) {
	data := tx.Bucket(submissions).Get([]byte(id))
	if data == nil {
		return nil, queue.ErrNotFound
	}
	sub := &submission.Submission{}
	if err := json.Unmarshal(data, sub); err != nil {
		return nil, fmt.Errorf("unmarshal submission %s: %v", id, err)
	}
	return sub, nil
}

func putSubmission(tx *bolt.Tx, sub *submission.Submission) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	return tx.Bucket(submissions).Put([]byte(sub.ID), data)
}

// Enqueue stores a new submission and adds it to the pending index.
func (b *BoltDB) Enqueue(ctx context.Context, sub *submission.Submission) error {
	cp := *sub
	if cp.ID == "" {
		cp.ID = util.GenID()
	}
	if cp.State == submission.Unknown {
		cp.State = submission.New
	}
	if cp.EnqueuedAt.IsZero() {
		cp.EnqueuedAt = time.Now()
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := putSubmission(tx, &cp); err != nil {
			return err
		}
		if cp.State == submission.New {
			return tx.Bucket(pending).Put(pendingKey(&cp), []byte(cp.ID))
		}
		return nil
	})
}

// NextPending returns up to limit pending submissions in enqueue
// order.
func (b *BoltDB) NextPending(ctx context.Context, limit int) ([]*submission.Submission, error) {
	var out []*submission.Submission
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(pending).Cursor()
		killed := tx.Bucket(kills)
		for k, id := c.First(); k != nil && len(out) < limit; k, id = c.Next() {
			if killed.Get(id) != nil {
				continue
			}
			sub, err := getSubmission(tx, string(id))
			if err != nil {
				return err
			}
			out = append(out, sub)
		}
		return nil
	})
	return out, err
}

// Get returns a submission record by ID.
func (b *BoltDB) Get(ctx context.Context, id string) (*submission.Submission, error) {
	var sub *submission.Submission
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		sub, err = getSubmission(tx, id)
		return err
	})
	return sub, err
}

// Commit applies a validated state transition and payload in a single
// transaction. Committing the current state again is a no-op.
func (b *BoltDB) Commit(ctx context.Context, id string, to submission.State, payload *queue.CommitPayload) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		sub, err := getSubmission(tx, id)
		if err != nil {
			return err
		}
		if sub.State == to {
			return nil
		}
		if err := submission.ValidateTransition(sub.State, to); err != nil {
			return err
		}

		if sub.State == submission.New {
			// Leaving the pending set.
			if err := tx.Bucket(pending).Delete(pendingKey(sub)); err != nil {
				return err
			}
		}

		sub.State = to
		applyPayload(sub, payload)
		if to.Terminal() {
			sub.WorkerID = ""
			if err := tx.Bucket(kills).Delete([]byte(id)); err != nil {
				return err
			}
		}
		return putSubmission(tx, sub)
	})
}

// RequestKill records an external cancellation request.
func (b *BoltDB) RequestKill(ctx context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		sub, err := getSubmission(tx, id)
		if err != nil {
			return err
		}
		if sub.State.Terminal() {
			return nil
		}
		return tx.Bucket(kills).Put([]byte(id), []byte{})
	})
}

// PendingKills returns IDs with an outstanding kill request.
func (b *BoltDB) PendingKills(ctx context.Context) ([]string, error) {
	var ids []string
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(kills).ForEach(func(k, v []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

func applyPayload(s *submission.Submission, payload *queue.CommitPayload) {
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
