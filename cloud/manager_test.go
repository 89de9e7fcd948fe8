package cloud

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/compeval/conveyor/config"
	"github.com/compeval/conveyor/logger"
	"github.com/compeval/conveyor/submission"
)

func testConf() config.Cloud {
	return config.Cloud{
		IdlePoolSize:      0,
		LeaseCeiling:      config.Duration(time.Hour),
		MaxLaunchAttempts: 3,
		LaunchBackoff:     config.Duration(time.Millisecond),
		BootTimeout:       config.Duration(time.Second * 5),
		HealthRate:        config.Duration(time.Millisecond * 10),
	}
}

func testLog() *logger.Logger {
	l := logger.NewLogger("test", logger.DefaultConfig())
	l.Discard()
	return l
}

func TestAcquireRelease(t *testing.T) {
	prov := NewMockProvider()
	m := NewManager(testConf(), prov, testLog())
	ctx := context.Background()

	res, err := m.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateReady || res.Addr == "" {
		t.Error("resource not ready", res.State, res.Addr)
	}

	leased, idle := m.Accounting()
	if leased != 1 || idle != 0 {
		t.Error("unexpected accounting", leased, idle)
	}

	if err := m.Release(ctx, res); err != nil {
		t.Fatal(err)
	}
	if res.State != StateTerminated {
		t.Error("released resource should be terminated with reuse disabled", res.State)
	}
	if !prov.AllTerminated() {
		t.Error("instance leaked")
	}
}

func TestAcquireRetriesLaunchFailures(t *testing.T) {
	prov := NewMockProvider()
	prov.LaunchErrs = []error{
		fmt.Errorf("rate limited"),
		fmt.Errorf("capacity"),
	}
	m := NewManager(testConf(), prov, testLog())

	// The mock fails twice, so the third attempt succeeds.
	res, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatal("expected third launch attempt to succeed", err)
	}
	if prov.Launched() != 1 {
		t.Error("expected exactly one successful launch", prov.Launched())
	}
	if res.State != StateReady {
		t.Error("resource not ready after retries")
	}
}

func TestAcquireExhaustsAttempts(t *testing.T) {
	prov := NewMockProvider()
	prov.LaunchErrs = []error{
		fmt.Errorf("err 1"),
		fmt.Errorf("err 2"),
		fmt.Errorf("err 3"),
	}
	m := NewManager(testConf(), prov, testLog())

	_, err := m.Acquire(context.Background())
	if err == nil {
		t.Fatal("expected acquire to fail after 3 attempts")
	}
	if !errors.Is(err, submission.ErrProvisioning) {
		t.Error("expected a provisioning error", err)
	}
}

func TestIdlePoolReuse(t *testing.T) {
	conf := testConf()
	conf.IdlePoolSize = 1
	prov := NewMockProvider()
	m := NewManager(conf, prov, testLog())
	ctx := context.Background()

	res1, err := m.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Release(ctx, res1); err != nil {
		t.Fatal(err)
	}

	_, idle := m.Accounting()
	if idle != 1 {
		t.Fatal("expected idle pool of 1", idle)
	}

	res2, err := m.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res2.ID != res1.ID {
		t.Error("expected idle instance to be reused", res1.ID, res2.ID)
	}
	if prov.Launched() != 1 {
		t.Error("reuse should not relaunch", prov.Launched())
	}
}

func TestLeaseCeiling(t *testing.T) {
	conf := testConf()
	conf.LeaseCeiling = config.Duration(time.Millisecond * 10)
	prov := NewMockProvider()
	m := NewManager(conf, prov, testLog())
	ctx := context.Background()

	res, err := m.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(time.Millisecond * 20)
	if !m.Expired(res) {
		t.Fatal("lease should be expired")
	}

	if err := m.Expire(ctx, res); err != nil {
		t.Fatal(err)
	}
	if res.State != StateTerminated {
		t.Error("expired resource must be terminated, never leaked", res.State)
	}
}

func TestHealthCheckEscalation(t *testing.T) {
	prov := NewMockProvider()
	m := NewManager(testConf(), prov, testLog())
	ctx := context.Background()

	res, err := m.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}

	prov.Unreachable[res.ID] = true

	// First unreachable result does not expire the lease.
	if got := m.HealthCheck(ctx, res); got != StateUnreachable {
		t.Error("expected unreachable", got)
	}
	if m.Expired(res) {
		t.Error("one unreachable check should not expire the lease")
	}

	// Second consecutive one does.
	m.HealthCheck(ctx, res)
	if !m.Expired(res) {
		t.Error("two consecutive unreachable checks should expire the lease")
	}

	// A recovery in between resets the count.
	res2, _ := m.Acquire(ctx)
	prov.Unreachable[res2.ID] = true
	m.HealthCheck(ctx, res2)
	prov.Unreachable[res2.ID] = false
	m.HealthCheck(ctx, res2)
	prov.Unreachable[res2.ID] = true
	m.HealthCheck(ctx, res2)
	if m.Expired(res2) {
		t.Error("non-consecutive unreachable checks should not expire the lease")
	}
}

func TestShutdownTerminatesEverything(t *testing.T) {
	conf := testConf()
	conf.IdlePoolSize = 2
	prov := NewMockProvider()
	m := NewManager(conf, prov, testLog())
	ctx := context.Background()

	r1, _ := m.Acquire(ctx)
	r2, _ := m.Acquire(ctx)
	m.Release(ctx, r1)
	_ = r2

	if err := m.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if !prov.AllTerminated() {
		t.Error("shutdown leaked instances")
	}
	leased, idle := m.Accounting()
	if leased != 0 || idle != 0 {
		t.Error("accounting not drained", leased, idle)
	}
}
