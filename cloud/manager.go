package cloud

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/compeval/conveyor/config"
	"github.com/compeval/conveyor/logger"
	"github.com/compeval/conveyor/submission"
	"github.com/compeval/conveyor/util"
	multierror "github.com/hashicorp/go-multierror"
)

// Manager owns the lifecycle of leased cloud resources. Acquire and
// Release are serialized through one lock, so the same instance can
// never be double-leased, and all accounting of the idle pool happens
// in one place.
type Manager struct {
	conf     config.Cloud
	provider Provider
	log      *logger.Logger

	mtx    sync.Mutex
	leased map[string]*Resource
	idle   []*Resource
}

// NewManager returns a resource manager over the given provider.
func NewManager(conf config.Cloud, provider Provider, log *logger.Logger) *Manager {
	return &Manager{
		conf:     conf,
		provider: provider,
		log:      log.Sub("cloud"),
		leased:   map[string]*Resource{},
	}
}

// Acquire leases a resource: an idle one when available, otherwise a
// freshly launched instance. It suspends until the instance reports
// ready, or fails with a provisioning error after the configured
// number of launch attempts with exponential backoff.
func (m *Manager) Acquire(ctx context.Context) (*Resource, error) {
	if res := m.takeIdle(ctx); res != nil {
		m.log.Debug("Reusing idle instance", "instanceID", res.ID)
		return res, nil
	}

	var res *Resource
	retrier := util.NewRetrier()
	retrier.InitialInterval = time.Duration(m.conf.LaunchBackoff)
	retrier.MaxTries = m.conf.MaxLaunchAttempts
	retrier.MaxElapsedTime = 0
	retrier.Notify = func(err error, d time.Duration) {
		m.log.Warn("Instance launch failed, retrying", "error", err, "backoff", d)
	}

	err := retrier.Retry(ctx, func() error {
		var lerr error
		res, lerr = m.launch(ctx)
		return lerr
	})
	if err != nil {
		return nil, submission.ProvisioningErrorf("acquiring instance: %v", err)
	}

	m.mtx.Lock()
	m.leased[res.ID] = res
	m.mtx.Unlock()

	m.log.Info("Instance ready", "instanceID", res.ID, "addr", res.Addr)
	return res, nil
}

// takeIdle pops a healthy idle resource whose lease has not expired.
// Expired idle resources found on the way are terminated.
func (m *Manager) takeIdle(ctx context.Context) *Resource {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	for len(m.idle) > 0 {
		res := m.idle[0]
		m.idle = m.idle[1:]
		if m.expired(res) {
			m.terminateLocked(ctx, res)
			continue
		}
		m.leased[res.ID] = res
		return res
	}
	return nil
}

// launch starts one instance and waits for it to report running.
func (m *Manager) launch(ctx context.Context) (*Resource, error) {
	id, err := m.provider.Launch(ctx)
	if err != nil {
		return nil, err
	}

	res := &Resource{
		ID:         id,
		State:      StateBooting,
		LeaseStart: time.Now(),
	}

	bootCtx, cancel := context.WithTimeout(ctx, time.Duration(m.conf.BootTimeout))
	defer cancel()

	for {
		state, addr, derr := m.provider.Describe(bootCtx, id)
		if derr == nil && state == InstanceRunning {
			res.Addr = addr
			res.State = StateReady
			return res, nil
		}
		if derr == nil && state == InstanceTerminated {
			return nil, fmt.Errorf("instance %s terminated while booting", id)
		}

		select {
		case <-bootCtx.Done():
			// Don't leak the half-booted instance.
			m.provider.Terminate(ctx, id)
			return nil, fmt.Errorf("instance %s did not become ready: %v", id, bootCtx.Err())
		case <-time.After(time.Second * 5):
		}
	}
}

// HealthCheck checks a leased resource. Two consecutive unreachable
// results escalate to lease expiry.
func (m *Manager) HealthCheck(ctx context.Context, res *Resource) ResourceState {
	state, _, err := m.provider.Describe(ctx, res.ID)

	m.mtx.Lock()
	defer m.mtx.Unlock()

	res.LastCheck = time.Now()
	if err != nil || state != InstanceRunning {
		res.unreachable++
		if res.unreachable >= 2 {
			res.State = StateUnreachable
		}
		return StateUnreachable
	}
	res.unreachable = 0
	res.State = StateReady
	return StateReady
}

// Expired reports whether the resource's lease is over: either its
// total lease duration exceeded the ceiling, or it was escalated to
// unreachable.
func (m *Manager) Expired(res *Resource) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.expired(res)
}

func (m *Manager) expired(res *Resource) bool {
	if res.State == StateUnreachable {
		return true
	}
	ceiling := time.Duration(m.conf.LeaseCeiling)
	return ceiling > 0 && time.Since(res.LeaseStart) > ceiling
}

// Release frees a leased resource: back to the idle pool when reuse is
// enabled and the instance is still healthy, otherwise terminated.
func (m *Manager) Release(ctx context.Context, res *Resource) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	delete(m.leased, res.ID)
	res.WorkerID = ""

	if len(m.idle) < m.conf.IdlePoolSize && res.State == StateReady && !m.expired(res) {
		m.idle = append(m.idle, res)
		m.log.Debug("Instance returned to idle pool", "instanceID", res.ID)
		return nil
	}
	return m.terminateLocked(ctx, res)
}

// Expire forcibly terminates a resource whose lease is over,
// regardless of submission outcome.
func (m *Manager) Expire(ctx context.Context, res *Resource) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	delete(m.leased, res.ID)
	return m.terminateLocked(ctx, res)
}

func (m *Manager) terminateLocked(ctx context.Context, res *Resource) error {
	if res.State == StateTerminated {
		return nil
	}
	res.State = StateTerminating
	err := m.provider.Terminate(ctx, res.ID)
	if err != nil {
		m.log.Error("Instance termination failed", "instanceID", res.ID, "error", err)
		return err
	}
	res.State = StateTerminated
	m.log.Info("Instance terminated", "instanceID", res.ID)
	return nil
}

// Shutdown terminates every leased and idle instance. Errors are
// aggregated so one failed termination doesn't hide the rest.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	var result *multierror.Error
	for _, res := range m.leased {
		if err := m.terminateLocked(ctx, res); err != nil {
			result = multierror.Append(result, err)
		}
	}
	m.leased = map[string]*Resource{}

	for _, res := range m.idle {
		if err := m.terminateLocked(ctx, res); err != nil {
			result = multierror.Append(result, err)
		}
	}
	m.idle = nil

	return result.ErrorOrNil()
}

// Accounting returns the current lease counts, used by tests and
// shutdown logging.
func (m *Manager) Accounting() (leased, idle int) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.leased), len(m.idle)
}
