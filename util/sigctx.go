package util

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// SignalContext cancels the returned context when one of the given
// signals is received. With no signals given it watches SIGINT and
// SIGTERM. The delay gives in-flight log writes a moment to land
// before cancellation tears the process down.
func SignalContext(ctx context.Context, delay time.Duration, sigs ...os.Signal) context.Context {
	if len(sigs) == 0 {
		sigs = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}

	sch := make(chan os.Signal, 1)
	sub, cancel := context.WithCancel(ctx)
	signal.Notify(sch, sigs...)

	go func() {
		defer signal.Stop(sch)
		select {
		case <-sub.Done():
		case <-sch:
			time.Sleep(delay)
			cancel()
		}
	}()

	return sub
}
