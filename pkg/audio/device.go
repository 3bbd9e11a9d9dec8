// Package audio defines the audio data model, PCM helpers and device
// abstractions used by a live voice session.
//
// The two device abstractions are:
//
//   - [Microphone] opens a [CaptureStream] delivering fixed-size mono
//     [Window] values.
//   - [Speaker] exposes an output clock and plays [PlaybackChunk] values at
//     absolute clock positions, returning a [Playback] handle for each.
//
// Implementations are provided by adapter packages (audio/portaudio) and by
// audio/mock for tests. The interfaces are intentionally narrow so that the
// session logic can be driven without real hardware.
package audio

import (
	"context"
	"errors"
	"time"
)

// ErrPermissionDenied is returned by [Microphone.Open] when access to the
// capture device is refused.
var ErrPermissionDenied = errors.New("audio: microphone permission denied")

// CaptureStream is an open microphone handle.
//
// Implementations must be safe for concurrent use.
type CaptureStream interface {
	// Windows returns the channel on which captured windows are delivered in
	// capture order. The channel is closed after Close or on a device error.
	Windows() <-chan Window

	// Close stops capture and releases the device. Calling Close more than
	// once is safe and returns nil.
	Close() error
}

// Microphone grants access to a capture device.
type Microphone interface {
	// Open requests access to the device and starts capturing mono windows of
	// windowSize samples in format f. It returns an error wrapping
	// [ErrPermissionDenied] when access is refused.
	Open(ctx context.Context, f Format, windowSize int) (CaptureStream, error)
}

// Playback is a handle on one chunk scheduled on a [Speaker].
type Playback interface {
	// Stop silences the chunk immediately, whether it has started or not.
	// Stopping a finished or already stopped playback is a no-op.
	Stop()
}

// Speaker is an output device with its own monotonic clock.
//
// Implementations must be safe for concurrent use.
type Speaker interface {
	// Now returns the current output clock time. The clock starts at zero when
	// the speaker is created and never goes backwards.
	Now() time.Duration

	// Play schedules chunk to start at clock time at. A time in the past
	// starts as soon as possible. onEnded, if non-nil, is called exactly once
	// when the chunk finishes or is stopped. It is never called from within
	// Play and never while internal locks are held, but it may be called from
	// Stop's goroutine.
	Play(chunk PlaybackChunk, at time.Duration, onEnded func()) (Playback, error)
}
