package worker

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/compeval/conveyor/config"
	"github.com/compeval/conveyor/logger"
	"github.com/compeval/conveyor/submission"
)

func testLog() *logger.Logger {
	l := logger.NewLogger("test", logger.DefaultConfig())
	l.Discard()
	return l
}

func testWorkerConf(t *testing.T, command string) config.Worker {
	t.Helper()
	dir, err := os.MkdirTemp("", "conveyor-worker-test-")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return config.Worker{
		WorkDir:   dir,
		Command:   command,
		ScoreFile: "score.json",
	}
}

func waitForDone(t *testing.T, l *Local, h *Handle) PollResult {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		res := l.Poll(ctx, h)
		if res.Status == StatusSucceeded || res.Status == StatusFailed {
			return res
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("run did not finish")
	return PollResult{}
}

func TestLocalRunScored(t *testing.T) {
	// The command gets the code path and work dir appended; the score
	// artifact goes into the work dir ($2).
	conf := testWorkerConf(t, `sh -c 'echo {\"score\":0.5} > "$2"/score.json' scorer`)
	l := NewLocal(conf, testLog())
	ctx := context.Background()

	h, err := l.Start(ctx, &submission.Submission{ID: "s1", CodePath: "."})
	if err != nil {
		t.Fatal(err)
	}
	if h.PID == 0 {
		t.Error("handle missing pid")
	}

	res := waitForDone(t, l, h)
	if res.Status != StatusSucceeded {
		t.Fatal("expected success", res.Status)
	}
	if res.Stage != submission.Tested {
		t.Error("expected Tested stage on success", res.Stage)
	}

	out, err := l.Collect(ctx, h)
	if err != nil {
		t.Fatal(err)
	}
	if out.Score == nil || out.Score.Value != 0.5 {
		t.Error("unexpected score", out.Score)
	}
}

func TestLocalRunFailed(t *testing.T) {
	conf := testWorkerConf(t, `sh -c 'echo boom >&2; exit 3'`)
	l := NewLocal(conf, testLog())
	ctx := context.Background()

	h, err := l.Start(ctx, &submission.Submission{ID: "s1", CodePath: "."})
	if err != nil {
		t.Fatal(err)
	}

	res := waitForDone(t, l, h)
	if res.Status != StatusFailed {
		t.Fatal("expected failure", res.Status)
	}

	out, err := l.Collect(ctx, h)
	if err != nil {
		t.Fatal(err)
	}
	if out.ErrDetail == "" {
		t.Error("expected error detail from stderr")
	}
}

func TestLocalStartBadCommand(t *testing.T) {
	conf := testWorkerConf(t, "/does/not/exist")
	l := NewLocal(conf, testLog())

	_, err := l.Start(context.Background(), &submission.Submission{ID: "s1", CodePath: "."})
	if err == nil {
		t.Fatal("expected start to fail")
	}
}

func TestLocalKill(t *testing.T) {
	conf := testWorkerConf(t, "sleep 60")
	l := NewLocal(conf, testLog())
	ctx := context.Background()

	h, err := l.Start(ctx, &submission.Submission{ID: "s1", CodePath: "."})
	if err != nil {
		t.Fatal(err)
	}

	if got := l.Poll(ctx, h); got.Status != StatusRunning {
		t.Error("expected running before kill", got.Status)
	}
	if err := l.Kill(ctx, h); err != nil {
		t.Fatal(err)
	}
	// Kill on a released handle is a no-op.
	if err := l.Kill(ctx, h); err != nil {
		t.Error("kill should be safe to repeat", err)
	}
}

func TestParseScore(t *testing.T) {
	s, err := parseScore([]byte("0.75"))
	if err != nil || s.Value != 0.75 {
		t.Error("bare number score", s, err)
	}
	s, err = parseScore([]byte(`{"score": 0.9, "metric": "auc"}`))
	if err != nil || s.Value != 0.9 {
		t.Error("object score", s, err)
	}
	if _, err := parseScore([]byte("not json")); err == nil {
		t.Error("expected parse error")
	}
}
