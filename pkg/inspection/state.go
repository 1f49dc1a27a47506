package inspection

import "fmt"

// State is the controller phase.
type State int

const (
	// Idle waits for the next halt.
	Idle State = iota
	// Capturing acquires a fresh frame.
	Capturing
	// Classifying waits on the remote classifier, including retries.
	Classifying
	// Verifying checks detections against the required-parts table.
	Verifying
	// Deciding applies the verdict: counters, outcome event, line command.
	Deciding
	// Shutdown is terminal. No cycle starts after it.
	Shutdown
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Capturing:
		return "capturing"
	case Classifying:
		return "classifying"
	case Verifying:
		return "verifying"
	case Deciding:
		return "deciding"
	case Shutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
