package worker

import (
	"context"
	"fmt"
	"io/ioutil"
	"path"
	"sync"
	"time"

	"github.com/compeval/conveyor/cloud"
	"github.com/compeval/conveyor/config"
	"github.com/compeval/conveyor/logger"
	"github.com/compeval/conveyor/submission"
	"github.com/compeval/conveyor/util"
	"github.com/kballard/go-shellquote"
)

// Remote runs submissions on ephemeral cloud instances. Instance
// lifecycle is delegated to the cloud resource manager; execution uses
// the manager's command channel to push the submission bundle, launch
// the train/test command, and retrieve logs and the score artifact.
type Remote struct {
	conf      config.Worker
	cloudConf config.Cloud
	manager   *cloud.Manager
	dial      cloud.Dialer
	log       *logger.Logger

	mtx  sync.Mutex
	runs map[string]*remoteRun
}

type remoteRun struct {
	res       *cloud.Resource
	ch        cloud.Channel
	remoteDir string

	lastHealth   time.Time
	leaseExpired bool
	finished     bool
	exitCode     int
}

// NewRemote returns a remote-instance worker backend.
func NewRemote(conf config.Worker, cloudConf config.Cloud, manager *cloud.Manager, dial cloud.Dialer, log *logger.Logger) *Remote {
	return &Remote{
		conf:      conf,
		cloudConf: cloudConf,
		manager:   manager,
		dial:      dial,
		log:       log.Sub("remote"),
		runs:      map[string]*remoteRun{},
	}
}

// Start leases an instance, transfers the submission's code, and
// launches the train/test command remotely. Acquisition failures are
// provisioning errors.
func (r *Remote) Start(ctx context.Context, sub *submission.Submission) (*Handle, error) {
	res, err := r.manager.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := r.dial(res.Addr)
	if err != nil {
		r.manager.Release(ctx, res)
		return nil, submission.ProvisioningErrorf("connecting to instance %s: %v", res.ID, err)
	}

	remoteDir := path.Join("conveyor-work", sub.ID)
	if err := ch.UploadDir(ctx, sub.CodePath, path.Join(remoteDir, "code")); err != nil {
		ch.Close()
		r.manager.Release(ctx, res)
		return nil, submission.ProvisioningErrorf("uploading code for %s: %v", sub.ID, err)
	}

	args, err := shellquote.Split(r.conf.Command)
	if err != nil || len(args) == 0 {
		ch.Close()
		r.manager.Release(ctx, res)
		return nil, submission.ProvisioningErrorf("invalid worker command %q", r.conf.Command)
	}
	args = append(args, path.Join(remoteDir, "code"), remoteDir)

	if err := ch.StartCommand(ctx, remoteDir, args); err != nil {
		ch.Close()
		r.manager.Release(ctx, res)
		return nil, submission.ProvisioningErrorf("launching command for %s: %v", sub.ID, err)
	}

	h := &Handle{
		ID:           util.GenID(),
		SubmissionID: sub.ID,
		Backend:      submission.BackendEC2,
		InstanceID:   res.ID,
		Addr:         res.Addr,
		CreatedAt:    time.Now(),
	}
	res.WorkerID = h.ID

	r.mtx.Lock()
	r.runs[h.ID] = &remoteRun{res: res, ch: ch, remoteDir: remoteDir}
	r.mtx.Unlock()

	r.log.Info("Started remote run",
		"submissionID", sub.ID, "instanceID", res.ID, "addr", res.Addr)
	return h, nil
}

// Poll performs a lightweight remote status check. A failed check
// reports Unknown, which the dispatcher retries up to its
// consecutive-failure bound. A resource whose lease has expired is
// forcibly terminated and reported as Failed.
func (r *Remote) Poll(ctx context.Context, h *Handle) PollResult {
	r.mtx.Lock()
	run, ok := r.runs[h.ID]
	r.mtx.Unlock()
	if !ok {
		return PollResult{Status: StatusUnknown}
	}
	h.LastPollAt = time.Now()

	if run.leaseExpired {
		return PollResult{Status: StatusFailed, Stage: submission.Training}
	}
	if run.finished {
		return r.finishedResult(run)
	}

	// Periodic instance health check, escalating to lease expiry
	// after two consecutive unreachable results, and a lease-ceiling
	// check regardless of instance health.
	if time.Since(run.lastHealth) >= time.Duration(r.cloudConf.HealthRate) {
		run.lastHealth = time.Now()
		r.manager.HealthCheck(ctx, run.res)
	}
	if r.manager.Expired(run.res) {
		r.log.Warn("Lease expired, terminating instance",
			"instanceID", run.res.ID, "submissionID", h.SubmissionID)
		r.manager.Expire(ctx, run.res)
		run.ch.Close()
		run.leaseExpired = true
		return PollResult{Status: StatusFailed, Stage: submission.Training}
	}

	running, code, err := run.ch.PollCommand(ctx, run.remoteDir)
	if err != nil {
		r.log.Debug("Status check failed",
			"submissionID", h.SubmissionID,
			"error", fmt.Errorf("%w: %v", submission.ErrTransientPoll, err))
		return PollResult{Status: StatusUnknown}
	}
	if running {
		return PollResult{Status: StatusRunning, Stage: submission.Training}
	}

	run.finished = true
	run.exitCode = code
	return r.finishedResult(run)
}

func (r *Remote) finishedResult(run *remoteRun) PollResult {
	if run.exitCode == 0 {
		return PollResult{Status: StatusSucceeded, Stage: submission.Tested}
	}
	return PollResult{Status: StatusFailed, Stage: submission.Training}
}

// Collect retrieves logs and the score artifact from the instance,
// then releases the lease. The handle is released.
func (r *Remote) Collect(ctx context.Context, h *Handle) (*Result, error) {
	r.mtx.Lock()
	run, ok := r.runs[h.ID]
	delete(r.runs, h.ID)
	r.mtx.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown handle %s", h.ID)
	}

	if run.leaseExpired {
		lerr := submission.LeaseExpiredErrorf("instance %s was reclaimed before the run completed", run.res.ID)
		return &Result{ErrDetail: lerr.Error()}, nil
	}
	if !run.finished {
		return nil, fmt.Errorf("handle %s is still running", h.ID)
	}

	defer func() {
		run.ch.Close()
		r.manager.Release(ctx, run.res)
	}()

	res := &Result{}

	// Pull the captured logs down next to local runs' logs.
	workDir := path.Join(r.conf.WorkDir, h.SubmissionID)
	if err := util.EnsureDir(workDir); err == nil {
		res.StdoutPath = fetchFile(ctx, run, path.Join(run.remoteDir, "stdout.log"), path.Join(workDir, "stdout.log"))
		res.StderrPath = fetchFile(ctx, run, path.Join(run.remoteDir, "stderr.log"), path.Join(workDir, "stderr.log"))
	}

	if run.exitCode != 0 {
		detail := ""
		if res.StderrPath != "" {
			detail = readTail(res.StderrPath, 8192)
		}
		if detail == "" {
			detail = fmt.Sprintf("command exited with code %d", run.exitCode)
		}
		res.ErrDetail = detail
		return res, nil
	}

	raw, err := run.ch.ReadFile(ctx, path.Join(run.remoteDir, r.conf.ScoreFile))
	if err != nil {
		res.ErrDetail = fmt.Sprintf("reading score artifact: %v", err)
		return res, nil
	}
	score, err := parseScore(raw)
	if err != nil {
		res.ErrDetail = err.Error()
		return res, nil
	}
	res.Score = score
	return res, nil
}

// Kill terminates the remote run and releases its resource. It is a
// no-op on an already-finished handle.
func (r *Remote) Kill(ctx context.Context, h *Handle) error {
	r.mtx.Lock()
	run, ok := r.runs[h.ID]
	delete(r.runs, h.ID)
	r.mtx.Unlock()
	if !ok {
		return nil
	}

	run.ch.Close()
	if run.leaseExpired {
		return nil
	}
	// The instance goes back through the manager; a killed run's
	// instance is not reusable mid-command, so expire it.
	return r.manager.Expire(ctx, run.res)
}

func fetchFile(ctx context.Context, run *remoteRun, remotePath, localPath string) string {
	data, err := run.ch.ReadFile(ctx, remotePath)
	if err != nil {
		return ""
	}
	if err := ioutil.WriteFile(localPath, data, 0644); err != nil {
		return ""
	}
	return localPath
}
