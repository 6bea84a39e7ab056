package types

// State represents the lifecycle state of a Worker.
//
// State transitions:
//
//	Init → Joining → Serving → Draining → Stopped
//
// A worker that fails to join moves directly from Joining to Stopped.
// Draining is entered exactly once, from Serving, when Stop is called.
type State int32

// Worker lifecycle states.
const (
	// StateInit is the initial state before Start is called.
	StateInit State = iota

	// StateJoining means the worker is registering with the router and
	// directory and is not yet eligible for assignments.
	StateJoining

	// StateServing means the worker is registered, available, and may own
	// document assignments.
	StateServing

	// StateDraining means the worker is releasing its assignments prior to
	// shutdown. No new assignments are accepted.
	StateDraining

	// StateStopped is the terminal state.
	StateStopped
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateJoining:
		return "Joining"
	case StateServing:
		return "Serving"
	case StateDraining:
		return "Draining"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}
