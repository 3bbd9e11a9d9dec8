// Package live defines the transport contract for real-time duplex voice
// endpoints such as the Gemini Live API.
//
// A [Dialer] opens a [Conn]: a long-lived, bidirectional session that accepts
// base64 PCM input blobs and delivers an ordered stream of [Event]s (setup
// completion, model audio fragments, transcription deltas, turn boundaries,
// interruptions, errors and close). Consumers must handle events in the
// order they arrive on [Conn.Events]; the order within a single server message
// is part of the contract.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned by [Conn.Send] after the connection has been closed.
var ErrClosed = errors.New("live: connection closed")

// InputMIMEType is the MIME type of the PCM blobs sent to the endpoint.
const InputMIMEType = "audio/pcm;rate=16000"

// DefaultVoice is the prebuilt voice used when [SessionConfig.Voice] is empty.
const DefaultVoice = "Kore"

// EventKind identifies the type of an [Event].
type EventKind int

const (
	// EventOpen signals that the endpoint accepted the session setup.
	EventOpen EventKind = iota + 1

	// EventError carries a transport or endpoint failure in [Event.Err]. The
	// connection is unusable afterwards.
	EventError

	// EventClose signals that the endpoint ended the session cleanly.
	EventClose

	// EventAudio carries one fragment of model audio in [Event.Audio]:
	// base64 encoded 24 kHz mono s16le PCM.
	EventAudio

	// EventOutputTranscription carries a delta of the model's spoken text.
	EventOutputTranscription

	// EventInputTranscription carries a delta of the user's recognised speech.
	EventInputTranscription

	// EventTurnComplete marks the end of a model turn.
	EventTurnComplete

	// EventInterrupted signals that the user barged in and queued model
	// audio must be discarded.
	EventInterrupted
)

var eventKindNames = map[EventKind]string{
	EventOpen:                "open",
	EventError:               "error",
	EventClose:               "close",
	EventAudio:               "audio",
	EventOutputTranscription: "output_transcription",
	EventInputTranscription:  "input_transcription",
	EventTurnComplete:        "turn_complete",
	EventInterrupted:         "interrupted",
}

// String returns the snake_case name of k.
func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Blob is an inline media payload. Data is base64 encoded.
type Blob struct {
	Data     string
	MIMEType string
}

// Event is a single message from the endpoint. Only the field matching Kind
// is set.
type Event struct {
	Kind EventKind

	// Audio is set for EventAudio.
	Audio Blob

	// Text is set for the transcription kinds.
	Text string

	// Err is set for EventError.
	Err error

	// Reason is an optional human-readable close reason for EventClose.
	Reason string
}

// SessionConfig is the setup sent when a connection is opened.
type SessionConfig struct {
	// Model is the endpoint model name without the "models/" prefix.
	Model string

	// Voice is the prebuilt voice name. Empty selects [DefaultVoice].
	Voice string

	// Instructions is the system instruction for the session.
	Instructions string

	// InputTranscription requests transcription of the user's speech.
	InputTranscription bool

	// OutputTranscription requests transcription of the model's speech.
	OutputTranscription bool
}

// VoiceName returns Voice or [DefaultVoice] when it is empty.
func (c SessionConfig) VoiceName() string {
	if c.Voice == "" {
		return DefaultVoice
	}
	return c.Voice
}

// Capabilities describes static properties of a [Dialer]'s endpoint.
type Capabilities struct {
	// InputSampleRate is the PCM rate the endpoint expects from the client.
	InputSampleRate int

	// OutputSampleRate is the PCM rate of model audio.
	OutputSampleRate int

	// MaxSessionDuration is the endpoint-imposed session limit. Zero means
	// no documented limit.
	MaxSessionDuration time.Duration

	// Voices lists the available prebuilt voice names.
	Voices []string
}

// Conn is an open live session.
//
// The Events channel is closed when the connection ends for any reason. When
// it was closed without a preceding EventClose or EventError, Err reports
// why (nil after Close).
type Conn interface {
	// Send delivers one input blob. It returns [ErrClosed] after Close.
	Send(ctx context.Context, b Blob) error

	// Events returns the ordered stream of endpoint events.
	Events() <-chan Event

	// Err returns the error that ended the connection, if any.
	Err() error

	// Close terminates the session. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Dialer opens live sessions against one endpoint.
type Dialer interface {
	// Dial opens a connection and sends the session setup. The setup is
	// acknowledged asynchronously with an EventOpen.
	Dial(ctx context.Context, cfg SessionConfig) (Conn, error)

	// Capabilities returns static metadata about the endpoint.
	Capabilities() Capabilities
}

// ServerError is an error reported by the endpoint itself.
type ServerError struct {
	Code    int
	Status  string
	Message string
}

func (e *ServerError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Status != "" {
		return fmt.Sprintf("live: server error %d %s: %s", e.Code, e.Status, msg)
	}
	return fmt.Sprintf("live: server error %d: %s", e.Code, msg)
}
