package voice

import (
	"errors"
	"fmt"

	"github.com/MrWong99/livevoice/pkg/audio"
)

var (
	// ErrPermissionDenied is returned by Start when microphone access is
	// refused. The session ends errored.
	ErrPermissionDenied = audio.ErrPermissionDenied

	// ErrAlreadyActive is returned by Start while a session is connecting or
	// open. Nothing changes.
	ErrAlreadyActive = errors.New("voice: a session is already active")

	// ErrStopped is returned by Start when Stop ran before the connection
	// was established.
	ErrStopped = errors.New("voice: session stopped during start")
)

// TransportError reports a failure of the live connection. Op is "dial" or
// "stream". The session ends errored and is not retried.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("voice: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError reports a model audio fragment that could not be decoded. The
// fragment is dropped and the session continues.
type DecodeError struct {
	Seq uint64
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("voice: decode fragment %d: %v", e.Seq, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
