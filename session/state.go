package session

import "fmt"

// State is the controller's position in the resolution cycle.
type State int

const (
	// Idle: nothing enforced. An identity and a binding may still be held
	// when no level is stored for the identity, or after a reset.
	Idle State = iota
	// Resolving: a resolution or binding is in progress.
	Resolving
	// Bound: identity known, media element bound, stored level not yet applied.
	Bound
	// Enforcing: the stored level is applied and guarded.
	Enforcing
)

var stateNames = [...]string{"idle", "resolving", "bound", "enforcing"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	for i, n := range stateNames {
		if n == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("session: unknown state %q", b)
}

// Status is what the control surfaces show.
type Status struct {
	State    State   `json:"state"`
	Identity string  `json:"identity,omitempty"`
	Name     string  `json:"name,omitempty"`
	Strategy string  `json:"strategy,omitempty"`
	Volume   float64 `json:"volume"`
	Stored   bool    `json:"stored"`
	Bound    bool    `json:"bound"`
	Path     string  `json:"path,omitempty"`
}
