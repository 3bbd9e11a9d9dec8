package voice

import "fmt"

// State is the lifecycle state of a live session.
type State int

const (
	// StateIdle means no session has been started yet.
	StateIdle State = iota

	// StateConnecting covers microphone acquisition, dialing and waiting for
	// the endpoint's setup acknowledgement.
	StateConnecting

	// StateOpen means audio flows in both directions.
	StateOpen

	// StateClosing is transient while Stop tears the session down.
	StateClosing

	// StateClosed is terminal after Stop or an endpoint close.
	StateClosed

	// StateErrored is terminal after a failure. There is no automatic
	// reconnect; a new Start creates a fresh session.
	StateErrored
)

var stateNames = [...]string{
	StateIdle:       "idle",
	StateConnecting: "connecting",
	StateOpen:       "open",
	StateClosing:    "closing",
	StateClosed:     "closed",
	StateErrored:    "errored",
}

// String returns the lower-case name of s.
func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Live reports whether s is connecting or open.
func (s State) Live() bool {
	return s == StateConnecting || s == StateOpen
}

// Terminal reports whether s is closed or errored.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateErrored
}
