// Package dispatch contains the scheduling loop that drives
// submissions through their lifecycle on a bounded worker pool.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/compeval/conveyor/config"
	"github.com/compeval/conveyor/events"
	"github.com/compeval/conveyor/logger"
	"github.com/compeval/conveyor/queue"
	"github.com/compeval/conveyor/submission"
	"github.com/compeval/conveyor/util"
	"github.com/compeval/conveyor/worker"
	"github.com/gammazero/workerpool"
)

// slot tracks one occupied execution slot.
type slot struct {
	sub    *submission.Submission
	handle *worker.Handle

	// last is the most recent poll result. done marks a slot whose
	// worker reported a final status; it is reaped on the next step.
	last worker.PollResult
	done bool

	pollFailures int
	deadline     time.Time
}

// Dispatcher is the single control loop that keeps the worker pool as
// full as possible without exceeding its capacity, while driving each
// submission's state transitions to completion.
//
// A Dispatcher is not restartable: once Run returns, a fresh instance
// must be constructed to resume.
type Dispatcher struct {
	conf  config.Dispatcher
	queue queue.SubmissionQueue
	work  worker.Worker
	ev    events.Writer
	log   *logger.Logger

	slots    int
	inflight map[string]*slot
	pollPool *workerpool.WorkerPool

	mtx     sync.Mutex
	started bool
}

// NewDispatcher constructs a dispatcher over the given queue and
// worker backend.
func NewDispatcher(conf config.Dispatcher, q queue.SubmissionQueue, w worker.Worker, ev events.Writer, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		conf:     conf,
		queue:    q,
		work:     w,
		ev:       ev,
		log:      log.Sub("dispatch"),
		slots:    conf.Slots(),
		inflight: map[string]*slot{},
		pollPool: workerpool.New(conf.Slots()),
	}
}

// Run starts the loop. It blocks until the context is canceled or the
// "stop" hunger policy drains the queue and pool. On the way out,
// in-flight submissions are drained up to the drain timeout and then
// force-killed.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mtx.Lock()
	if d.started {
		d.mtx.Unlock()
		return fmt.Errorf("dispatcher is not restartable")
	}
	d.started = true
	d.mtx.Unlock()

	defer func() {
		d.shutdown()
		d.pollPool.StopWait()
	}()

	d.log.Info("Dispatcher running",
		"slots", d.slots, "hunger", d.conf.Hunger, "pollRate", d.conf.PollRate.String())

	tick := util.Ticker(ctx, time.Duration(d.conf.PollRate))
	wait := true
	for {
		if wait {
			select {
			case <-ctx.Done():
				return nil
			case <-tick:
			}
		} else if ctx.Err() != nil {
			return nil
		}
		wait = true

		progress := d.Step(ctx)
		if progress {
			continue
		}

		// The hunger policy governs only the idle branch: no work was
		// available and no status changed.
		switch d.conf.Hunger {
		case "stop":
			if len(d.inflight) == 0 {
				d.log.Info("Queue empty and pool drained, stopping")
				return nil
			}
		case "busy":
			// Loop immediately, consuming no wall-clock delay.
			wait = false
		default: // sleep
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Duration(d.conf.SleepInterval)):
			}
			wait = false
		}
	}
}

// Step runs one scheduling iteration: process external kill requests,
// reap finished workers, fill free slots from the queue, then poll all
// in-flight handles. It reports whether anything changed, which feeds
// the hunger policy. Step is not re-entrant; only Run calls it, so all
// pool accounting is serialized.
func (d *Dispatcher) Step(ctx context.Context) bool {
	progress := false
	if d.processKills(ctx) {
		progress = true
	}
	if d.reap(ctx) {
		progress = true
	}
	if d.assign(ctx) {
		progress = true
	}
	if d.poll(ctx) {
		progress = true
	}
	slotsActive.Set(float64(len(d.inflight)))
	return progress
}

// processKills applies external cancellation requests. Cancellation is
// safe at any point in the lifecycle, including before a worker handle
// exists.
func (d *Dispatcher) processKills(ctx context.Context) bool {
	ids, err := d.queue.PendingKills(ctx)
	if err != nil {
		// A failed read counts as progress; the stop policy must not
		// take it for an empty queue. The next step retries.
		d.log.Error("Reading kill requests failed", err)
		return true
	}

	progress := false
	for _, id := range ids {
		if s, ok := d.inflight[id]; ok {
			if err := d.work.Kill(ctx, s.handle); err != nil {
				d.log.Error("Worker kill failed", "submissionID", id, "error", err)
			}
			d.commit(ctx, s.sub, submission.Killed, &queue.CommitPayload{
				Cause:      "killed by external request",
				FinishedAt: time.Now(),
			})
			delete(d.inflight, id)
			progress = true
			continue
		}

		sub, err := d.queue.Get(ctx, id)
		if err != nil {
			d.log.Error("Reading kill target failed", "submissionID", id, "error", err)
			continue
		}
		if sub.State.Terminal() {
			continue
		}
		// Never assigned a slot; just mark it killed.
		d.commit(ctx, sub, submission.Killed, &queue.CommitPayload{
			Cause:      "killed by external request",
			FinishedAt: time.Now(),
		})
		progress = true
	}
	return progress
}

// reap commits terminal states for workers that reported a final
// status, collects their output, and releases their slots.
func (d *Dispatcher) reap(ctx context.Context) bool {
	progress := false
	for id, s := range d.inflight {
		if !s.done {
			continue
		}
		d.finish(ctx, s)
		delete(d.inflight, id)
		progress = true
	}
	return progress
}

// finish collects a finished worker's output and commits the terminal
// state.
func (d *Dispatcher) finish(ctx context.Context, s *slot) {
	now := time.Now()
	defer d.ev.WriteEvent(ctx, events.NewEndTime(s.sub, now))

	res, err := d.work.Collect(ctx, s.handle)
	if err != nil {
		d.commit(ctx, s.sub, submission.Error, &queue.CommitPayload{
			Cause:      fmt.Sprintf("collecting worker output: %v", err),
			FinishedAt: now,
		})
		return
	}

	if s.last.Status == worker.StatusSucceeded && res.Score != nil {
		d.commit(ctx, s.sub, submission.Scored, &queue.CommitPayload{
			Score:      res.Score,
			FinishedAt: now,
		})
		d.ev.WriteEvent(ctx, events.NewScore(s.sub, res.Score))
		return
	}

	cause := res.ErrDetail
	if cause == "" {
		cause = "worker failed without detail"
	}
	d.log.Info("Submission failed",
		"submissionID", s.sub.ID, "infrastructure", causeIsInfrastructure(cause))
	d.commit(ctx, s.sub, submission.Error, &queue.CommitPayload{
		Cause:      cause,
		FinishedAt: now,
	})
}

// assign pulls pending submissions, earliest first, and starts workers
// for them, up to the free slot count. A failed start commits the
// submission to Error; retry is an explicit resubmission by the
// external caller (provisioning retries happen inside the backend).
func (d *Dispatcher) assign(ctx context.Context) bool {
	free := d.slots - len(d.inflight)
	if free <= 0 {
		return false
	}
	if free > d.conf.ScheduleChunk {
		free = d.conf.ScheduleChunk
	}

	subs, err := d.queue.NextPending(ctx, free)
	if err != nil {
		// A failed read counts as progress; the stop policy only fires
		// after a successful empty read. The next step retries.
		d.log.Error("Reading queue failed", err)
		return true
	}

	progress := false
	for _, sub := range subs {
		h, err := d.work.Start(ctx, sub)
		if err != nil {
			d.log.Error("Worker start failed", "submissionID", sub.ID, "error", err)
			d.commit(ctx, sub, submission.Error, &queue.CommitPayload{
				Cause:      err.Error(),
				FinishedAt: time.Now(),
			})
			progress = true
			continue
		}

		now := time.Now()
		d.commit(ctx, sub, submission.Sent, &queue.CommitPayload{
			WorkerID:  h.ID,
			StartedAt: now,
		})
		d.ev.WriteEvent(ctx, events.NewStartTime(sub, now))

		s := &slot{sub: sub, handle: h}
		if d.conf.SubmissionTimeout > 0 {
			s.deadline = now.Add(time.Duration(d.conf.SubmissionTimeout))
		}
		d.inflight[sub.ID] = s

		d.log.Info("Assigned submission",
			"submissionID", sub.ID, "workerID", h.ID, "backend", h.Backend)
		progress = true
	}
	return progress
}

// poll checks all in-flight handles concurrently, then folds the
// results into pool state sequentially. Polls are non-blocking, so a
// wedged worker cannot stall the loop.
func (d *Dispatcher) poll(ctx context.Context) bool {
	if len(d.inflight) == 0 {
		return false
	}

	type outcome struct {
		id  string
		res worker.PollResult
	}
	var (
		omtx     sync.Mutex
		outcomes []outcome
		wg       sync.WaitGroup
	)

	for id, s := range d.inflight {
		if s.done {
			continue
		}
		id, s := id, s
		wg.Add(1)
		d.pollPool.Submit(func() {
			defer wg.Done()
			res := d.work.Poll(ctx, s.handle)
			omtx.Lock()
			outcomes = append(outcomes, outcome{id: id, res: res})
			omtx.Unlock()
		})
	}
	wg.Wait()

	progress := false
	now := time.Now()
	for _, o := range outcomes {
		s, ok := d.inflight[o.id]
		if !ok {
			continue
		}
		if d.fold(ctx, s, o.res, now) {
			progress = true
		}
	}
	return progress
}

// fold applies one poll result to one slot. Results are applied
// serially; this is the only place in-flight state advances.
func (d *Dispatcher) fold(ctx context.Context, s *slot, res worker.PollResult, now time.Time) bool {
	s.last = res

	switch res.Status {
	case worker.StatusUnknown:
		s.pollFailures++
		if s.pollFailures >= d.conf.MaxPollFailures {
			d.log.Error("Lost contact with worker",
				"submissionID", s.sub.ID, "failures", s.pollFailures)
			if kerr := d.work.Kill(ctx, s.handle); kerr != nil {
				d.log.Error("Worker kill failed", "submissionID", s.sub.ID, "error", kerr)
			}
			d.commit(ctx, s.sub, submission.Error, &queue.CommitPayload{
				Cause:      fmt.Sprintf("lost contact with worker after %d failed polls", s.pollFailures),
				FinishedAt: now,
			})
			delete(d.inflight, s.sub.ID)
			return true
		}
		return false

	case worker.StatusSucceeded, worker.StatusFailed:
		s.pollFailures = 0
		s.done = true
		d.advanceStage(ctx, s, res.Stage)
		return true

	default: // running
		s.pollFailures = 0
	}

	if !s.deadline.IsZero() && now.After(s.deadline) {
		d.log.Error("Submission timeout exceeded", "submissionID", s.sub.ID)
		if kerr := d.work.Kill(ctx, s.handle); kerr != nil {
			d.log.Error("Worker kill failed", "submissionID", s.sub.ID, "error", kerr)
		}
		d.commit(ctx, s.sub, submission.Error, &queue.CommitPayload{
			Cause:      fmt.Sprintf("timeout exceeded after %s", d.conf.SubmissionTimeout.String()),
			FinishedAt: now,
		})
		delete(d.inflight, s.sub.ID)
		return true
	}

	return d.advanceStage(ctx, s, res.Stage)
}

// advanceStage commits the intermediate lifecycle stage a poll
// reported, if it moves the submission forward. Re-applying the same
// stage is a no-op, so duplicate poll results never re-fire commits.
func (d *Dispatcher) advanceStage(ctx context.Context, s *slot, stage submission.State) bool {
	if stage == submission.Unknown || stage <= s.sub.State || stage.Terminal() {
		return false
	}
	return d.commit(ctx, s.sub, stage, nil)
}

// commit applies a state transition through the queue, which validates
// it, and emits a state event when the state actually changed.
func (d *Dispatcher) commit(ctx context.Context, sub *submission.Submission, to submission.State, payload *queue.CommitPayload) bool {
	if sub.State == to {
		return false
	}
	if err := d.queue.Commit(ctx, sub.ID, to, payload); err != nil {
		d.log.Error("State commit failed",
			"submissionID", sub.ID, "from", sub.State, "to", to, "error", err)
		return false
	}
	sub.State = to

	cause := ""
	if payload != nil {
		cause = payload.Cause
	}
	d.ev.WriteEvent(ctx, events.NewState(sub, to, cause))
	return true
}

// shutdown drains the pool: in-flight submissions get up to the drain
// timeout to complete, then are force-killed.
func (d *Dispatcher) shutdown() {
	if len(d.inflight) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(d.conf.DrainTimeout))
	defer cancel()

	d.log.Info("Draining in-flight submissions",
		"count", len(d.inflight), "timeout", d.conf.DrainTimeout.String())

	for len(d.inflight) > 0 && ctx.Err() == nil {
		d.poll(ctx)
		d.reap(ctx)
		if len(d.inflight) == 0 {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(time.Duration(d.conf.PollRate)):
		}
	}

	// Force-kill whatever is left.
	bg := context.Background()
	for id, s := range d.inflight {
		d.log.Warn("Force-killing submission at shutdown", "submissionID", id)
		if kerr := d.work.Kill(bg, s.handle); kerr != nil {
			d.log.Error("Worker kill failed", "submissionID", id, "error", kerr)
		}
		d.commit(bg, s.sub, submission.Killed, &queue.CommitPayload{
			Cause:      "dispatcher shutdown",
			FinishedAt: time.Now(),
		})
		delete(d.inflight, id)
	}
}

// causeIsInfrastructure reports whether a terminal cause string marks
// an infrastructure failure rather than a user-code one. The frontend
// uses this to present an actionable message.
func causeIsInfrastructure(cause string) bool {
	for _, prefix := range []string{"LeaseExpired", "lost contact", "timeout exceeded", "provisioning"} {
		if strings.Contains(cause, prefix) {
			return true
		}
	}
	return false
}
