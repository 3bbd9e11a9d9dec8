// Package mock provides test doubles for the live package interfaces.
//
// Use Dialer to verify Dial calls and hand out scriptable connections. Use
// Conn to inject endpoint events and inspect which blobs were sent.
//
// Example:
//
//	d := &mock.Dialer{}
//	c, _ := d.Dial(ctx, cfg)
//	d.Last().Emit(live.Event{Kind: live.EventOpen})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/livevoice/pkg/provider/live"
)

// Compile-time assertions.
var (
	_ live.Dialer = (*Dialer)(nil)
	_ live.Conn   = (*Conn)(nil)
)

// DialCall records a single invocation of Dialer.Dial.
type DialCall struct {
	// Cfg is the SessionConfig passed to Dial.
	Cfg live.SessionConfig
}

// Dialer is a mock implementation of live.Dialer.
type Dialer struct {
	mu sync.Mutex

	// Conn is returned by Dial. If nil, each Dial returns a fresh Conn created
	// with NewConn, retrievable with Last.
	Conn *Conn

	// DialErr, if non-nil, is returned as the error from Dial.
	DialErr error

	// Gate, if non-nil, makes Dial block until Gate is closed or the context
	// is cancelled.
	Gate chan struct{}

	// DialerCapabilities is returned by Capabilities.
	DialerCapabilities live.Capabilities

	// DialCalls records every call to Dial in order.
	DialCalls []DialCall

	created []*Conn
}

// Dial records the call and returns Conn or DialErr.
func (d *Dialer) Dial(ctx context.Context, cfg live.SessionConfig) (live.Conn, error) {
	d.mu.Lock()
	d.DialCalls = append(d.DialCalls, DialCall{Cfg: cfg})
	gate := d.Gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	c := d.Conn
	if c == nil {
		c = NewConn()
	}
	d.created = append(d.created, c)
	return c, nil
}

// Capabilities returns DialerCapabilities.
func (d *Dialer) Capabilities() live.Capabilities {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.DialerCapabilities
}

// DialCount returns the number of Dial calls. Thread-safe.
func (d *Dialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.DialCalls)
}

// Last returns the connection handed out by the most recent successful Dial,
// or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.created) == 0 {
		return nil
	}
	return d.created[len(d.created)-1]
}

// Conn is a mock implementation of live.Conn. Events are injected with Emit
// and the stream is ended with End or Close.
type Conn struct {
	events chan live.Event

	mu         sync.Mutex
	sent       []live.Blob
	sendErr    error
	errVal     error
	ended      bool
	closeCount int
}

// NewConn returns a Conn whose event channel buffers 256 events.
func NewConn() *Conn {
	return &Conn{events: make(chan live.Event, 256)}
}

// Emit delivers ev on the event channel. It reports false once the stream
// has ended or when the buffer is full.
func (c *Conn) Emit(ev live.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return false
	}
	select {
	case c.events <- ev:
		return true
	default:
		return false
	}
}

// End closes the event stream with err as the connection error, as if the
// transport had failed (or ended cleanly when err is nil).
func (c *Conn) End(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.ended = true
	c.errVal = err
	close(c.events)
}

// SetSendErr makes subsequent Send calls fail with err.
func (c *Conn) SetSendErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// Send records b, or returns live.ErrClosed after Close.
func (c *Conn) Send(_ context.Context, b live.Blob) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeCount > 0 {
		return live.ErrClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, b)
	return nil
}

// Sent returns a copy of the successfully sent blobs.
func (c *Conn) Sent() []live.Blob {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]live.Blob, len(c.sent))
	copy(out, c.sent)
	return out
}

// Events implements live.Conn.
func (c *Conn) Events() <-chan live.Event { return c.events }

// Err implements live.Conn.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// Close ends the event stream without an error. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCount++
	if !c.ended {
		c.ended = true
		close(c.events)
	}
	return nil
}

// CloseCount returns how many times Close was called.
func (c *Conn) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount
}
