package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/compeval/conveyor/cloud"
	"github.com/compeval/conveyor/config"
	"github.com/compeval/conveyor/events"
	"github.com/compeval/conveyor/logger"
	"github.com/compeval/conveyor/queue"
	"github.com/compeval/conveyor/submission"
	"github.com/compeval/conveyor/worker"
)

var testLog = logger.NewLogger("dispatch-test", logger.DefaultConfig())

// runScript drives the mock worker's behavior for one submission.
type runScript struct {
	// polls are returned in order; the last entry repeats.
	polls  []worker.PollResult
	result *worker.Result
}

func runningPoll() worker.PollResult {
	return worker.PollResult{Status: worker.StatusRunning, Stage: submission.Training}
}

func succeededPoll() worker.PollResult {
	return worker.PollResult{Status: worker.StatusSucceeded, Stage: submission.Tested}
}

func scoredScript(v float64) *runScript {
	return &runScript{
		polls: []worker.PollResult{runningPoll(), succeededPoll()},
		result: &worker.Result{
			Score: &submission.Score{Value: v},
		},
	}
}

// mockWorker is a scriptable worker backend that tracks start order,
// kill calls, and concurrent occupancy.
type mockWorker struct {
	mtx       sync.Mutex
	scripts   map[string]*runScript
	startErrs map[string][]error

	started   []string
	killed    map[string]bool
	active    int
	maxActive int
}

func newMockWorker() *mockWorker {
	return &mockWorker{
		scripts:   map[string]*runScript{},
		startErrs: map[string][]error{},
		killed:    map[string]bool{},
	}
}

func (m *mockWorker) Start(ctx context.Context, sub *submission.Submission) (*worker.Handle, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if errs := m.startErrs[sub.ID]; len(errs) > 0 {
		err := errs[0]
		m.startErrs[sub.ID] = errs[1:]
		return nil, err
	}

	m.started = append(m.started, sub.ID)
	m.active++
	if m.active > m.maxActive {
		m.maxActive = m.active
	}
	return &worker.Handle{
		ID:           "worker-" + sub.ID,
		SubmissionID: sub.ID,
		Backend:      submission.BackendLocal,
		CreatedAt:    time.Now(),
	}, nil
}

func (m *mockWorker) Poll(ctx context.Context, h *worker.Handle) worker.PollResult {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	s, ok := m.scripts[h.SubmissionID]
	if !ok || len(s.polls) == 0 {
		return worker.PollResult{Status: worker.StatusUnknown}
	}
	res := s.polls[0]
	if len(s.polls) > 1 {
		s.polls = s.polls[1:]
	}
	return res
}

func (m *mockWorker) Collect(ctx context.Context, h *worker.Handle) (*worker.Result, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.active--
	s, ok := m.scripts[h.SubmissionID]
	if !ok || s.result == nil {
		return nil, fmt.Errorf("no result for %s", h.SubmissionID)
	}
	return s.result, nil
}

func (m *mockWorker) Kill(ctx context.Context, h *worker.Handle) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if !m.killed[h.SubmissionID] {
		m.killed[h.SubmissionID] = true
		m.active--
	}
	return nil
}

// recorder counts state events per (submission, state).
type recorder struct {
	mtx    sync.Mutex
	states map[string]map[submission.State]int
}

func newRecorder() *recorder {
	return &recorder{states: map[string]map[submission.State]int{}}
}

func (r *recorder) WriteEvent(ctx context.Context, ev *events.Event) error {
	if ev.Type != events.TypeState {
		return nil
	}
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.states[ev.ID] == nil {
		r.states[ev.ID] = map[submission.State]int{}
	}
	r.states[ev.ID][ev.State]++
	return nil
}

func (r *recorder) count(id string, s submission.State) int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.states[id][s]
}

func testConf() config.Dispatcher {
	conf := config.DefaultConfig().Dispatcher
	conf.NWorkers = 2
	conf.NThreads = 1
	conf.Hunger = "stop"
	conf.PollRate = config.Duration(time.Millisecond)
	conf.SleepInterval = config.Duration(time.Millisecond)
	return conf
}

func enqueue(t *testing.T, q queue.SubmissionQueue, id string, at time.Time) *submission.Submission {
	t.Helper()
	sub := &submission.Submission{
		ID:         id,
		State:      submission.New,
		CodePath:   "/tmp/code/" + id,
		EnqueuedAt: at,
	}
	if err := q.Enqueue(context.Background(), sub); err != nil {
		t.Fatal(err)
	}
	return sub
}

func mustState(t *testing.T, q queue.SubmissionQueue, id string, want submission.State) *submission.Submission {
	t.Helper()
	sub, err := q.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if sub.State != want {
		t.Fatalf("submission %s: state %s, want %s", id, sub.State, want)
	}
	return sub
}

// Three submissions on two slots: the pool never exceeds capacity, the
// third starts only after a slot frees up, and all end scored.
func TestFIFOWithBoundedCapacity(t *testing.T) {
	ctx := context.Background()
	q := queue.NewInMemory()
	w := newMockWorker()
	rec := newRecorder()

	base := time.Now()
	for i, id := range []string{"sub-a", "sub-b", "sub-c"} {
		enqueue(t, q, id, base.Add(time.Duration(i)*time.Second))
		w.scripts[id] = scoredScript(0.5 + float64(i)/10)
	}

	d := NewDispatcher(testConf(), q, w, rec, testLog)
	if err := d.Run(ctx); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"sub-a", "sub-b", "sub-c"} {
		sub := mustState(t, q, id, submission.Scored)
		if sub.Score == nil {
			t.Fatalf("submission %s scored without a score", id)
		}
		if n := rec.count(id, submission.Scored); n != 1 {
			t.Fatalf("submission %s: %d scored events, want 1", id, n)
		}
	}

	if w.maxActive > 2 {
		t.Fatalf("max concurrent workers %d exceeds slot count 2", w.maxActive)
	}
	if len(w.started) != 3 || w.started[0] != "sub-a" || w.started[1] != "sub-b" || w.started[2] != "sub-c" {
		t.Fatalf("start order %v, want [sub-a sub-b sub-c]", w.started)
	}
}

// An empty queue with the "stop" hunger policy exits without entering
// a sleep cycle.
func TestHungerStopTerminatesImmediately(t *testing.T) {
	conf := testConf()
	conf.SleepInterval = config.Duration(time.Minute)
	d := NewDispatcher(conf, queue.NewInMemory(), newMockWorker(), events.Discard, testLog)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop on an empty queue")
	}
}

func TestDispatcherNotRestartable(t *testing.T) {
	d := NewDispatcher(testConf(), queue.NewInMemory(), newMockWorker(), events.Discard, testLog)
	if err := d.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := d.Run(context.Background()); err == nil {
		t.Fatal("expected an error from restarting a stopped dispatcher")
	}
}

// A start failure commits the submission to the error state with the
// failure as its cause; the loop moves on.
func TestStartFailureCommitsError(t *testing.T) {
	ctx := context.Background()
	q := queue.NewInMemory()
	w := newMockWorker()

	enqueue(t, q, "sub-a", time.Now())
	w.startErrs["sub-a"] = []error{
		submission.ProvisioningErrorf("no instance available"),
		submission.ProvisioningErrorf("no instance available"),
		submission.ProvisioningErrorf("no instance available"),
	}

	d := NewDispatcher(testConf(), q, w, events.Discard, testLog)
	if err := d.Run(ctx); err != nil {
		t.Fatal(err)
	}

	sub := mustState(t, q, "sub-a", submission.Error)
	if sub.Cause == "" {
		t.Fatal("expected a cause on the failed submission")
	}
	if len(w.started) != 0 {
		t.Fatalf("worker started %v after a failed start", w.started)
	}
}

// A kill request against a submission still waiting in the queue takes
// effect without a worker ever starting.
func TestKillBeforeAssignment(t *testing.T) {
	ctx := context.Background()
	q := queue.NewInMemory()
	w := newMockWorker()

	enqueue(t, q, "sub-a", time.Now())
	if err := q.RequestKill(ctx, "sub-a"); err != nil {
		t.Fatal(err)
	}

	d := NewDispatcher(testConf(), q, w, events.Discard, testLog)
	if err := d.Run(ctx); err != nil {
		t.Fatal(err)
	}

	mustState(t, q, "sub-a", submission.Killed)
	if len(w.started) != 0 {
		t.Fatalf("worker started %v for a killed submission", w.started)
	}
}

// A kill request against an in-flight submission stops its worker and
// commits the killed state.
func TestKillInFlight(t *testing.T) {
	ctx := context.Background()
	q := queue.NewInMemory()
	w := newMockWorker()

	enqueue(t, q, "sub-a", time.Now())
	w.scripts["sub-a"] = &runScript{polls: []worker.PollResult{runningPoll()}}

	d := NewDispatcher(testConf(), q, w, events.Discard, testLog)

	// Assign and begin polling.
	d.Step(ctx)
	mustState(t, q, "sub-a", submission.Training)

	if err := q.RequestKill(ctx, "sub-a"); err != nil {
		t.Fatal(err)
	}
	d.Step(ctx)

	mustState(t, q, "sub-a", submission.Killed)
	if !w.killed["sub-a"] {
		t.Fatal("worker was not killed")
	}
	if len(d.inflight) != 0 {
		t.Fatalf("slot not released, %d in flight", len(d.inflight))
	}
}

// Consecutive unknown polls within the bound are tolerated; exceeding
// the bound kills the worker and commits the error state.
func TestPollFailureBound(t *testing.T) {
	ctx := context.Background()
	q := queue.NewInMemory()
	w := newMockWorker()

	enqueue(t, q, "sub-a", time.Now())
	// No script: every poll reports unknown.

	conf := testConf()
	conf.MaxPollFailures = 3
	d := NewDispatcher(conf, q, w, events.Discard, testLog)

	d.Step(ctx) // assign, poll failure 1
	mustState(t, q, "sub-a", submission.Sent)
	d.Step(ctx) // poll failure 2
	mustState(t, q, "sub-a", submission.Sent)
	d.Step(ctx) // poll failure 3, escalate

	sub := mustState(t, q, "sub-a", submission.Error)
	if sub.Cause == "" {
		t.Fatal("expected a cause on the failed submission")
	}
	if !w.killed["sub-a"] {
		t.Fatal("worker was not killed after losing contact")
	}
}

// A single unknown poll between healthy ones does not count toward the
// failure bound; the counter resets on any successful poll.
func TestPollFailureCounterResets(t *testing.T) {
	ctx := context.Background()
	q := queue.NewInMemory()
	w := newMockWorker()

	enqueue(t, q, "sub-a", time.Now())
	w.scripts["sub-a"] = &runScript{
		polls: []worker.PollResult{
			{Status: worker.StatusUnknown},
			runningPoll(),
			{Status: worker.StatusUnknown},
			runningPoll(),
			succeededPoll(),
		},
		result: &worker.Result{Score: &submission.Score{Value: 1}},
	}

	conf := testConf()
	conf.MaxPollFailures = 2
	d := NewDispatcher(conf, q, w, events.Discard, testLog)
	if err := d.Run(ctx); err != nil {
		t.Fatal(err)
	}

	mustState(t, q, "sub-a", submission.Scored)
}

// A worker that runs past the submission timeout is killed and the
// submission committed to the error state.
func TestSubmissionTimeout(t *testing.T) {
	ctx := context.Background()
	q := queue.NewInMemory()
	w := newMockWorker()

	enqueue(t, q, "sub-a", time.Now())
	w.scripts["sub-a"] = &runScript{polls: []worker.PollResult{runningPoll()}}

	conf := testConf()
	conf.SubmissionTimeout = config.Duration(10 * time.Millisecond)
	d := NewDispatcher(conf, q, w, events.Discard, testLog)

	d.Step(ctx)
	time.Sleep(20 * time.Millisecond)
	d.Step(ctx)

	sub := mustState(t, q, "sub-a", submission.Error)
	if sub.Cause == "" {
		t.Fatal("expected a timeout cause")
	}
	if !w.killed["sub-a"] {
		t.Fatal("worker was not killed on timeout")
	}
}

// Duplicate stage reports are absorbed: repeated training polls commit
// and announce the training state exactly once.
func TestDuplicateStageReportsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	q := queue.NewInMemory()
	w := newMockWorker()
	rec := newRecorder()

	enqueue(t, q, "sub-a", time.Now())
	w.scripts["sub-a"] = &runScript{
		polls: []worker.PollResult{
			runningPoll(), runningPoll(), runningPoll(), succeededPoll(),
		},
		result: &worker.Result{Score: &submission.Score{Value: 0.9}},
	}

	d := NewDispatcher(testConf(), q, w, rec, testLog)
	if err := d.Run(ctx); err != nil {
		t.Fatal(err)
	}

	mustState(t, q, "sub-a", submission.Scored)
	if n := rec.count("sub-a", submission.Training); n != 1 {
		t.Fatalf("%d training events, want 1", n)
	}
	if n := rec.count("sub-a", submission.Scored); n != 1 {
		t.Fatalf("%d scored events, want 1", n)
	}
}

// A worker failure surfaces its error detail as the terminal cause.
func TestWorkerFailureCause(t *testing.T) {
	ctx := context.Background()
	q := queue.NewInMemory()
	w := newMockWorker()

	enqueue(t, q, "sub-a", time.Now())
	w.scripts["sub-a"] = &runScript{
		polls: []worker.PollResult{
			{Status: worker.StatusFailed, Stage: submission.Training},
		},
		result: &worker.Result{ErrDetail: "exit status 2\ntraceback: boom"},
	}

	d := NewDispatcher(testConf(), q, w, events.Discard, testLog)
	if err := d.Run(ctx); err != nil {
		t.Fatal(err)
	}

	sub := mustState(t, q, "sub-a", submission.Error)
	if sub.Cause != "exit status 2\ntraceback: boom" {
		t.Fatalf("cause %q", sub.Cause)
	}
}

// Canceling the run context drains nothing still running: the leftover
// submission is force-killed and committed to the killed state.
func TestShutdownForceKillsAfterDrainTimeout(t *testing.T) {
	q := queue.NewInMemory()
	w := newMockWorker()

	enqueue(t, q, "sub-a", time.Now())
	w.scripts["sub-a"] = &runScript{polls: []worker.PollResult{runningPoll()}}

	conf := testConf()
	conf.Hunger = "sleep"
	conf.DrainTimeout = config.Duration(5 * time.Millisecond)
	d := NewDispatcher(conf, q, w, events.Discard, testLog)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		sub, err := q.Get(context.Background(), "sub-a")
		if err == nil && sub.State == submission.Training {
			break
		}
		select {
		case <-deadline:
			t.Fatal("submission never started")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	mustState(t, q, "sub-a", submission.Killed)
	if !w.killed["sub-a"] {
		t.Fatal("worker not killed at shutdown")
	}
}

// flakyQueue injects transient read errors in front of an in-memory
// queue.
type flakyQueue struct {
	*queue.InMemory
	mtx          sync.Mutex
	pendingFails int
	killFails    int
}

func (f *flakyQueue) NextPending(ctx context.Context, limit int) ([]*submission.Submission, error) {
	f.mtx.Lock()
	fail := f.pendingFails > 0
	if fail {
		f.pendingFails--
	}
	f.mtx.Unlock()
	if fail {
		return nil, errors.New("transient store error")
	}
	return f.InMemory.NextPending(ctx, limit)
}

func (f *flakyQueue) PendingKills(ctx context.Context) ([]string, error) {
	f.mtx.Lock()
	fail := f.killFails > 0
	if fail {
		f.killFails--
	}
	f.mtx.Unlock()
	if fail {
		return nil, errors.New("transient store error")
	}
	return f.InMemory.PendingKills(ctx)
}

// A transient queue read error is not an empty queue: under the "stop"
// hunger policy the dispatcher retries on the next step instead of
// shutting down with work still pending.
func TestStopToleratesTransientQueueErrors(t *testing.T) {
	ctx := context.Background()
	q := &flakyQueue{InMemory: queue.NewInMemory(), pendingFails: 1, killFails: 1}
	w := newMockWorker()

	enqueue(t, q, "sub-a", time.Now())
	w.scripts["sub-a"] = scoredScript(0.5)

	d := NewDispatcher(testConf(), q, w, events.Discard, testLog)
	if err := d.Run(ctx); err != nil {
		t.Fatal(err)
	}

	mustState(t, q, "sub-a", submission.Scored)
}

// fastChannel fakes the remote command channel with a run that
// finishes instantly and writes a score artifact.
type fastChannel struct {
	score string
}

func (f *fastChannel) UploadDir(ctx context.Context, localDir, remoteDir string) error {
	return nil
}
func (f *fastChannel) StartCommand(ctx context.Context, remoteDir string, args []string) error {
	return nil
}
func (f *fastChannel) PollCommand(ctx context.Context, remoteDir string) (bool, int, error) {
	return false, 0, nil
}
func (f *fastChannel) ReadFile(ctx context.Context, p string) ([]byte, error) {
	if len(p) > 10 && p[len(p)-10:] == "score.json" {
		return []byte(f.score), nil
	}
	return nil, errors.New("no such file")
}
func (f *fastChannel) Close() error { return nil }

// End to end through the remote backend: the first two launch attempts
// fail, acquisition retries inside the resource manager, and the
// submission still reaches sent and then scored while only one
// instance is ever launched.
func TestRemoteProvisioningRetriesBeforeSent(t *testing.T) {
	ctx := context.Background()
	q := queue.NewInMemory()

	cloudConf := config.DefaultConfig().Cloud
	cloudConf.MaxLaunchAttempts = 3
	cloudConf.LaunchBackoff = config.Duration(time.Millisecond)
	cloudConf.BootTimeout = config.Duration(time.Second)

	provider := cloud.NewMockProvider()
	provider.LaunchErrs = []error{
		errors.New("capacity exceeded"),
		errors.New("capacity exceeded"),
	}
	manager := cloud.NewManager(cloudConf, provider, testLog)

	wconf := config.DefaultConfig().Worker
	wconf.WorkDir = t.TempDir()
	wconf.Command = "python3 evaluate.py"
	dial := func(addr string) (cloud.Channel, error) {
		return &fastChannel{score: `{"score": 0.72}`}, nil
	}
	remote := worker.NewRemote(wconf, cloudConf, manager, dial, testLog)

	enqueue(t, q, "sub-a", time.Now())

	d := NewDispatcher(testConf(), q, remote, events.Discard, testLog)
	if err := d.Run(ctx); err != nil {
		t.Fatal(err)
	}

	sub := mustState(t, q, "sub-a", submission.Scored)
	if sub.Score == nil || sub.Score.Value != 0.72 {
		t.Fatalf("score %+v", sub.Score)
	}
	if n := provider.Launched(); n != 1 {
		t.Fatalf("%d instances launched, want 1", n)
	}
	if err := manager.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if !provider.AllTerminated() {
		t.Fatal("instances leaked after shutdown")
	}
}
