package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"os/exec"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/compeval/conveyor/config"
	"github.com/compeval/conveyor/logger"
	"github.com/compeval/conveyor/submission"
	"github.com/compeval/conveyor/util"
	"github.com/kballard/go-shellquote"
	"github.com/shirou/gopsutil/process"
)

// Local runs submissions as child processes, each confined to a
// working directory dedicated to that submission, with stdout/stderr
// captured to per-submission log files.
type Local struct {
	conf config.Worker
	log  *logger.Logger

	mtx  sync.Mutex
	runs map[string]*localRun
}

type localRun struct {
	cmd        *exec.Cmd
	done       chan struct{}
	waitErr    error
	workDir    string
	stdoutPath string
	stderrPath string
	peakRSS    uint64
}

// NewLocal returns a local-process worker backend.
func NewLocal(conf config.Worker, log *logger.Logger) *Local {
	return &Local{
		conf: conf,
		log:  log.Sub("local"),
		runs: map[string]*localRun{},
	}
}

// Start launches the submission's train/test command as a child
// process. It fails with a provisioning error if the working directory
// or process cannot be created.
func (l *Local) Start(ctx context.Context, sub *submission.Submission) (*Handle, error) {
	workDir := path.Join(l.conf.WorkDir, sub.ID)
	if err := util.EnsureDir(workDir); err != nil {
		return nil, submission.ProvisioningErrorf("creating work dir for %s", sub.ID)
	}

	args, err := shellquote.Split(l.conf.Command)
	if err != nil || len(args) == 0 {
		return nil, submission.ProvisioningErrorf("invalid worker command %q", l.conf.Command)
	}
	args = append(args, sub.CodePath, workDir)

	stdoutPath := path.Join(workDir, "stdout.log")
	stderrPath := path.Join(workDir, "stderr.log")
	stdout, err := os.Create(stdoutPath)
	if err != nil {
		return nil, submission.ProvisioningErrorf("creating stdout log for %s", sub.ID)
	}
	stderr, err := os.Create(stderrPath)
	if err != nil {
		stdout.Close()
		return nil, submission.ProvisioningErrorf("creating stderr log for %s", sub.ID)
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = workDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return nil, submission.ProvisioningErrorf("starting process for %s: %v", sub.ID, err)
	}

	run := &localRun{
		cmd:        cmd,
		done:       make(chan struct{}),
		workDir:    workDir,
		stdoutPath: stdoutPath,
		stderrPath: stderrPath,
	}

	h := &Handle{
		ID:           util.GenID(),
		SubmissionID: sub.ID,
		Backend:      submission.BackendLocal,
		PID:          cmd.Process.Pid,
		CreatedAt:    time.Now(),
	}

	l.mtx.Lock()
	l.runs[h.ID] = run
	l.mtx.Unlock()

	if l.conf.ProfileMemory {
		go run.profileMemory()
	}

	go func() {
		run.waitErr = cmd.Wait()
		stdout.Close()
		stderr.Close()
		close(run.done)
	}()

	l.log.Info("Started process", "submissionID", sub.ID, "pid", cmd.Process.Pid, "workDir", workDir)
	return h, nil
}

// Poll inspects process liveness and exit code. It never blocks.
func (l *Local) Poll(ctx context.Context, h *Handle) PollResult {
	l.mtx.Lock()
	run, ok := l.runs[h.ID]
	l.mtx.Unlock()
	if !ok {
		return PollResult{Status: StatusUnknown}
	}
	h.LastPollAt = time.Now()

	select {
	case <-run.done:
		if run.waitErr == nil {
			return PollResult{Status: StatusSucceeded, Stage: submission.Tested}
		}
		return PollResult{Status: StatusFailed, Stage: submission.Training}
	default:
		return PollResult{Status: StatusRunning, Stage: submission.Training}
	}
}

// Collect returns the captured output of a finished run: the parsed
// score artifact on success, or the tail of stderr as the error detail
// on failure. The handle is released.
func (l *Local) Collect(ctx context.Context, h *Handle) (*Result, error) {
	l.mtx.Lock()
	run, ok := l.runs[h.ID]
	delete(l.runs, h.ID)
	l.mtx.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown handle %s", h.ID)
	}

	select {
	case <-run.done:
	default:
		return nil, fmt.Errorf("handle %s is still running", h.ID)
	}

	res := &Result{
		StdoutPath:   run.stdoutPath,
		StderrPath:   run.stderrPath,
		PeakRSSBytes: atomic.LoadUint64(&run.peakRSS),
	}

	if run.waitErr != nil {
		detail := readTail(run.stderrPath, 8192)
		if detail == "" {
			detail = run.waitErr.Error()
		}
		res.ErrDetail = detail
		return res, nil
	}

	score, err := readScore(path.Join(run.workDir, l.conf.ScoreFile))
	if err != nil {
		res.ErrDetail = fmt.Sprintf("reading score artifact: %v", err)
		return res, nil
	}
	res.Score = score
	return res, nil
}

// Kill terminates the process. It is a no-op on an already-finished
// handle.
func (l *Local) Kill(ctx context.Context, h *Handle) error {
	l.mtx.Lock()
	run, ok := l.runs[h.ID]
	delete(l.runs, h.ID)
	l.mtx.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-run.done:
		return nil
	default:
		return run.cmd.Process.Kill()
	}
}

// profileMemory samples the process RSS while it runs, keeping the
// peak. This is the optional memory-profiling side channel.
func (r *localRun) profileMemory() {
	proc, err := process.NewProcess(int32(r.cmd.Process.Pid))
	if err != nil {
		return
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			info, err := proc.MemoryInfo()
			if err != nil {
				continue
			}
			if info.RSS > atomic.LoadUint64(&r.peakRSS) {
				atomic.StoreUint64(&r.peakRSS, info.RSS)
			}
		}
	}
}

// readScore reads and parses the score artifact file.
func readScore(p string) (*submission.Score, error) {
	raw, err := ioutil.ReadFile(p)
	if err != nil {
		return nil, err
	}
	return parseScore(raw)
}

// parseScore parses the score artifact. The artifact is JSON: either a
// bare number, or an object with a "score" field. The raw bytes are
// kept either way.
func parseScore(raw []byte) (*submission.Score, error) {
	score := &submission.Score{Raw: raw}

	var num float64
	if err := json.Unmarshal(raw, &num); err == nil {
		score.Value = num
		return score, nil
	}

	var obj struct {
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		score.Value = obj.Score
		return score, nil
	}

	return nil, fmt.Errorf("unparseable score artifact")
}

// readTail returns up to n bytes from the end of the file.
func readTail(p string, n int64) string {
	f, err := os.Open(p)
	if err != nil {
		return ""
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return ""
	}
	off := fi.Size() - n
	if off < 0 {
		off = 0
	}
	buf := make([]byte, fi.Size()-off)
	if _, err := f.ReadAt(buf, off); err != nil {
		return ""
	}
	return string(buf)
}
