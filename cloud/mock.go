package cloud

import (
	"context"
	"fmt"
	"sync"
)

// MockProvider is an in-memory Provider for testing the resource
// manager without a cloud account.
type MockProvider struct {
	mtx sync.Mutex

	// LaunchErrs are returned, in order, by successive Launch calls
	// before launches start succeeding.
	LaunchErrs []error

	launched   int
	instances  map[string]InstanceState
	terminated []string

	// Unreachable marks instances whose Describe reports failure.
	Unreachable map[string]bool
}

// NewMockProvider returns an empty mock provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		instances:   map[string]InstanceState{},
		Unreachable: map[string]bool{},
	}
}

// Launch returns the next scripted error, or creates a running mock
// instance.
func (p *MockProvider) Launch(ctx context.Context) (string, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if len(p.LaunchErrs) > 0 {
		err := p.LaunchErrs[0]
		p.LaunchErrs = p.LaunchErrs[1:]
		return "", err
	}

	p.launched++
	id := fmt.Sprintf("i-%04d", p.launched)
	p.instances[id] = InstanceRunning
	return id, nil
}

// Describe reports the mock instance state.
func (p *MockProvider) Describe(ctx context.Context, id string) (InstanceState, string, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if p.Unreachable[id] {
		return InstanceUnknown, "", fmt.Errorf("mock: %s unreachable", id)
	}
	state, ok := p.instances[id]
	if !ok {
		return InstanceUnknown, "", fmt.Errorf("mock: no instance %s", id)
	}
	return state, "10.0.0.1", nil
}

// Terminate marks the mock instance terminated.
func (p *MockProvider) Terminate(ctx context.Context, id string) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.instances[id] = InstanceTerminated
	p.terminated = append(p.terminated, id)
	return nil
}

// Launched returns how many instances were successfully launched.
func (p *MockProvider) Launched() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.launched
}

// Terminated returns the IDs passed to Terminate.
func (p *MockProvider) Terminated() []string {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return append([]string{}, p.terminated...)
}

// AllTerminated reports whether every launched instance was
// terminated.
func (p *MockProvider) AllTerminated() bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	for _, state := range p.instances {
		if state != InstanceTerminated {
			return false
		}
	}
	return true
}
