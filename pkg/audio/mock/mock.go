// Package mock provides in-memory mock implementations of the
// [audio.Microphone], [audio.CaptureStream] and [audio.Speaker] interfaces for
// use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported
// fields that the test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewCaptureStream(8)
//	mic := &mock.Microphone{Stream: stream}
//	spk := &mock.Speaker{}
//	spk.SetNow(50 * time.Millisecond)
//	stream.Push(audio.Window{Samples: samples, SampleRate: 16000})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/livevoice/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Microphone    = (*Microphone)(nil)
	_ audio.CaptureStream = (*CaptureStream)(nil)
	_ audio.Speaker       = (*Speaker)(nil)
	_ audio.Playback      = (*Playback)(nil)
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [Microphone.Open] invocation.
type OpenCall struct {
	Format     audio.Format
	WindowSize int
}

// Microphone is a mock implementation of [audio.Microphone].
type Microphone struct {
	mu sync.Mutex

	// Stream is returned by Open. If nil, Open returns a fresh CaptureStream
	// with a buffer of 16 windows.
	Stream *CaptureStream

	// OpenErr is returned by Open when non-nil.
	OpenErr error

	// OpenCalls records all Open invocations.
	OpenCalls []OpenCall
}

// Open implements [audio.Microphone].
func (m *Microphone) Open(_ context.Context, f audio.Format, windowSize int) (audio.CaptureStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OpenCalls = append(m.OpenCalls, OpenCall{Format: f, WindowSize: windowSize})
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	if m.Stream == nil {
		m.Stream = NewCaptureStream(16)
	}
	return m.Stream, nil
}

// OpenCount returns the number of Open calls. Thread-safe.
func (m *Microphone) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.OpenCalls)
}

// ─── CaptureStream ────────────────────────────────────────────────────────────

// CaptureStream is a mock implementation of [audio.CaptureStream]. Windows
// are injected with [CaptureStream.Push].
type CaptureStream struct {
	ch chan audio.Window

	mu         sync.Mutex
	closed     bool
	closeCount int
}

// NewCaptureStream returns a CaptureStream whose channel buffers n windows.
func NewCaptureStream(n int) *CaptureStream {
	return &CaptureStream{ch: make(chan audio.Window, n)}
}

// Push delivers w on the Windows channel. It reports false if the stream is
// closed or the buffer is full.
func (s *CaptureStream) Push(w audio.Window) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- w:
		return true
	default:
		return false
	}
}

// Windows implements [audio.CaptureStream].
func (s *CaptureStream) Windows() <-chan audio.Window { return s.ch }

// Close implements [audio.CaptureStream]. It closes the Windows channel once.
func (s *CaptureStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCount++
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *CaptureStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseCount returns how many times Close was called.
func (s *CaptureStream) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// PlayCall records the arguments of a single [Speaker.Play] invocation.
type PlayCall struct {
	Chunk    audio.PlaybackChunk
	At       time.Duration
	Playback *Playback
}

// Speaker is a mock implementation of [audio.Speaker] with a manually driven
// clock. Nothing is rendered; playbacks end only when the test calls
// [Speaker.Advance] past their end or stops them.
type Speaker struct {
	mu  sync.Mutex
	now time.Duration

	// PlayErr is returned by Play when non-nil.
	PlayErr error

	// PlayCalls records all successful Play invocations in order.
	PlayCalls []PlayCall
}

// SetNow moves the output clock to t without ending any playback.
func (s *Speaker) SetNow(t time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = t
}

// Advance moves the output clock to t and ends every playback whose end time
// is at or before t.
func (s *Speaker) Advance(t time.Duration) {
	s.mu.Lock()
	s.now = t
	var due []*Playback
	for _, c := range s.PlayCalls {
		if c.At+c.Chunk.Duration <= t {
			due = append(due, c.Playback)
		}
	}
	s.mu.Unlock()
	for _, p := range due {
		p.end(false)
	}
}

// Now implements [audio.Speaker].
func (s *Speaker) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Play implements [audio.Speaker]. The effective start time is the later of
// at and the current clock.
func (s *Speaker) Play(chunk audio.PlaybackChunk, at time.Duration, onEnded func()) (audio.Playback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PlayErr != nil {
		return nil, s.PlayErr
	}
	p := &Playback{onEnded: onEnded}
	s.PlayCalls = append(s.PlayCalls, PlayCall{Chunk: chunk, At: max(at, s.now), Playback: p})
	return p, nil
}

// Calls returns a copy of the recorded Play calls.
func (s *Speaker) Calls() []PlayCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PlayCall, len(s.PlayCalls))
	copy(out, s.PlayCalls)
	return out
}

// Starts returns the scheduled start time of every recorded Play call.
func (s *Speaker) Starts() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.PlayCalls))
	for i, c := range s.PlayCalls {
		out[i] = c.At
	}
	return out
}

// Playback is the handle returned by [Speaker.Play].
type Playback struct {
	mu      sync.Mutex
	done    bool
	stopped bool
	onEnded func()
}

// Stop implements [audio.Playback].
func (p *Playback) Stop() { p.end(true) }

func (p *Playback) end(stopped bool) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	p.done = true
	p.stopped = stopped
	cb := p.onEnded
	p.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Stopped reports whether the playback was ended by Stop.
func (p *Playback) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// Done reports whether the playback has ended, by Stop or by finishing.
func (p *Playback) Done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}
