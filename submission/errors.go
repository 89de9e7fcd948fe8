package submission

import (
	"errors"
	"fmt"
)

// ErrProvisioning marks failures to create or lease an execution
// context. The dispatcher retries provisioning a bounded number of
// times before committing the submission to Error.
var ErrProvisioning = errors.New("provisioning error")

// ErrTransientPoll marks a single failed status check. It is retried
// silently and escalates only after a consecutive-failure bound.
var ErrTransientPoll = errors.New("transient poll error")

// ErrLeaseExpired marks a cloud resource forcibly reclaimed before its
// submission completed.
var ErrLeaseExpired = errors.New("lease expired")

// ExecutionError describes a failure of the submission's own command.
// It reflects a user-code defect, not an infrastructure defect, and is
// surfaced verbatim as the submission's error cause.
type ExecutionError struct {
	Detail string
}

func (e *ExecutionError) Error() string {
	return e.Detail
}

// ConfigError describes invalid or missing configuration. It is raised
// at startup and is fatal to the dispatcher process.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// ProvisioningErrorf wraps an error as a provisioning failure.
func ProvisioningErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrProvisioning)...)
}

// LeaseExpiredErrorf wraps an error as a lease-expiry failure. The
// rendered text starts with "LeaseExpired" so frontends can tell an
// infrastructure reclaim from a user-code failure.
func LeaseExpiredErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("LeaseExpired: "+format+": %w", append(args, ErrLeaseExpired)...)
}

// maxCauseBytes caps the persisted error cause. Long failure output is
// trimmed from the front, keeping the tail, which for a stack trace is
// the part worth rendering.
const maxCauseBytes = 4096

// TrimCause reduces a long failure detail to the persisted cause text.
func TrimCause(detail string) string {
	if len(detail) <= maxCauseBytes {
		return detail
	}
	return "..." + detail[len(detail)-maxCauseBytes:]
}
