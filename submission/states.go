package submission

import "fmt"

// State is the lifecycle state of a submission.
type State int32

// Submission lifecycle states. A submission moves forward through
// New, Sent, Training, Tested, Scored, or terminates early at
// Error or Killed.
const (
	Unknown State = iota
	New
	Sent
	Training
	Tested
	Scored
	Error
	Killed
)

var stateNames = map[State]string{
	Unknown:  "UNKNOWN",
	New:      "NEW",
	Sent:     "SENT",
	Training: "TRAINING",
	Tested:   "TESTED",
	Scored:   "SCORED",
	Error:    "ERROR",
	Killed:   "KILLED",
}

var stateValues = map[string]State{
	"UNKNOWN":  Unknown,
	"NEW":      New,
	"SENT":     Sent,
	"TRAINING": Training,
	"TESTED":   Tested,
	"SCORED":   Scored,
	"ERROR":    Error,
	"KILLED":   Killed,
}

// String returns the string name of the state.
func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// ParseState parses a state from its string name.
func ParseState(raw string) (State, error) {
	if s, ok := stateValues[raw]; ok {
		return s, nil
	}
	return Unknown, fmt.Errorf("unknown state %q", raw)
}

// MarshalText marshals the state to its string name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses the state from its string name.
func (s *State) UnmarshalText(text []byte) error {
	v, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Terminal returns true if the state is terminal. No transition
// out of a terminal state is ever valid.
func (s State) Terminal() bool {
	switch s {
	case Scored, Error, Killed:
		return true
	}
	return false
}

// TransitionError describes an invalid state transition.
type TransitionError struct {
	From, To State
}

func (te *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition from %s to %s",
		te.From.String(), te.To.String())
}

// ValidateTransition validates a submission state transition.
// Returns a TransitionError if the transition is not valid.
//
// Transitions are monotonic: a submission only ever moves forward
// through the lifecycle, and terminal states are absorbing.
// A transition from a state to itself is valid and is treated as
// a no-op by callers, which makes duplicate status reports safe.
func ValidateTransition(from, to State) error {

	if from == to {
		return nil
	}

	// Any non-terminal state may fail or be killed.
	if !from.Terminal() && (to == Error || to == Killed) {
		return nil
	}

	if from == Unknown {
		// May transition from Unknown to anything.
		return nil
	}

	if from.Terminal() {
		// May not transition out of a terminal state.
		return &TransitionError{from, to}
	}

	// Forward movement through the progress chain. Skipping a state is
	// valid: a poll may observe a worker after it has already passed
	// through an intermediate stage.
	if to > from && to <= Scored {
		return nil
	}

	return &TransitionError{from, to}
}
