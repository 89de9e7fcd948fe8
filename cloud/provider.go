// Package cloud provisions, health-checks and terminates the
// ephemeral compute instances backing remote workers, hiding
// provider-specific detail behind a uniform lifecycle.
package cloud

import (
	"context"
	"time"
)

// ResourceState is the provisioning state of a cloud resource.
type ResourceState int32

// Resource provisioning states.
const (
	StateRequested ResourceState = iota
	StateBooting
	StateReady
	StateUnreachable
	StateTerminating
	StateTerminated
)

func (s ResourceState) String() string {
	switch s {
	case StateRequested:
		return "REQUESTED"
	case StateBooting:
		return "BOOTING"
	case StateReady:
		return "READY"
	case StateUnreachable:
		return "UNREACHABLE"
	case StateTerminating:
		return "TERMINATING"
	case StateTerminated:
		return "TERMINATED"
	}
	return "UNKNOWN"
}

// Resource is an ephemeral compute instance leased from a provider.
// A terminated resource is never reused or re-addressed.
type Resource struct {
	ID   string
	Addr string

	State      ResourceState
	LeaseStart time.Time
	LastCheck  time.Time

	// WorkerID is the worker handle this resource is assigned to,
	// at most one at a time.
	WorkerID string

	unreachable int
}

// InstanceState is the provider-level view of an instance.
type InstanceState int32

// Provider instance states.
const (
	InstanceUnknown InstanceState = iota
	InstancePending
	InstanceRunning
	InstanceTerminated
)

// Provider is the cloud provider API consumed by the resource manager.
// Implementations exist for EC2 and for tests.
type Provider interface {
	// Launch requests a new instance and returns its ID.
	Launch(ctx context.Context) (id string, err error)
	// Describe reports the instance's state and network address.
	Describe(ctx context.Context, id string) (InstanceState, string, error)
	// Terminate destroys the instance.
	Terminate(ctx context.Context, id string) error
}
