// Package voice manages a real-time duplex voice session with a live model
// endpoint: microphone capture streamed to the endpoint, gapless playback of
// the streamed reply, per-turn transcripts and a start/stop lifecycle.
//
// A [Controller] owns at most one live session at a time. Its lifecycle is
//
//	idle → connecting → open → closing → closed
//	            └──────────┴──→ errored
//
// A closed or errored session is never revived; Start creates a fresh one.
// Listeners registered with the With*Listener options are invoked in order
// on a dispatcher goroutine, never while internal locks are held, so they
// may call back into the Controller.
package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/live"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a [Controller].
type Option func(*Controller)

// WithStateListener registers fn to be called on every state transition.
func WithStateListener(fn func(State)) Option {
	return func(c *Controller) { c.onState = fn }
}

// WithTranscriptListener registers fn to be called whenever the current
// turn's transcript changes.
func WithTranscriptListener(fn func(Transcript)) Option {
	return func(c *Controller) { c.onTranscript = fn }
}

// WithErrorListener registers fn to be called with every error that ends a
// session in the errored state.
func WithErrorListener(fn func(error)) Option {
	return func(c *Controller) { c.onError = fn }
}

// WithSessionConfig sets the setup sent to the endpoint on every Start.
func WithSessionConfig(cfg live.SessionConfig) Option {
	return func(c *Controller) { c.cfg = cfg }
}

// WithCapture overrides the capture sample rate and window size.
// The defaults are 16 kHz and 4096 samples.
func WithCapture(sampleRate, windowSize int) Option {
	return func(c *Controller) {
		c.format.SampleRate = sampleRate
		c.windowSize = windowSize
	}
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// ── Controller ─────────────────────────────────────────────────────────────────

// Status is a point-in-time view of the current session.
type Status struct {
	SessionID       string     `json:"session_id,omitempty"`
	State           State      `json:"-"`
	StateName       string     `json:"state"`
	Transcript      Transcript `json:"transcript"`
	StartedAt       time.Time  `json:"started_at,omitzero"`
	PendingPlayback int        `json:"pending_playback"`
}

// Controller is the session lifecycle controller. All exported methods are
// safe for concurrent use.
type Controller struct {
	mic     audio.Microphone
	speaker audio.Speaker
	dialer  live.Dialer

	format     audio.Format
	windowSize int
	metrics    *observe.Metrics

	onState      func(State)
	onTranscript func(Transcript)
	onError      func(error)
	notify       notifier

	mu  sync.Mutex
	cfg live.SessionConfig
	cur *session
}

// NewController creates an idle Controller.
func NewController(mic audio.Microphone, spk audio.Speaker, dialer live.Dialer, opts ...Option) *Controller {
	c := &Controller{
		mic:        mic,
		speaker:    spk,
		dialer:     dialer,
		format:     audio.Format{SampleRate: audio.InputSampleRate, Channels: 1},
		windowSize: audio.WindowSize,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Start begins a new session: it opens the microphone, dials the endpoint
// and returns once the connection is established. The session becomes open
// asynchronously when the endpoint acknowledges the setup; capture starts
// then.
//
// If the previous session is still releasing its microphone and
// connection, Start waits for that to finish or for ctx to be done.
//
// Start returns [ErrAlreadyActive] while a session is connecting or open,
// an error wrapping [ErrPermissionDenied] when the microphone is refused, a
// [*TransportError] when dialing fails and [ErrStopped] when Stop ran first.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	for prev := c.cur; prev != nil && !prev.released(); prev = c.cur {
		if prev.State().Live() {
			c.mu.Unlock()
			return ErrAlreadyActive
		}
		c.mu.Unlock()
		select {
		case <-prev.stopped:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
	}
	s := newSession(uuid.NewString(), c.speaker, c.metrics)
	c.cur = s
	cfg := c.cfg
	c.metrics.ActiveSessions.Add(ctx, 1)
	// Posted before unlocking so a concurrent Stop reports closing after it.
	c.emitState(StateConnecting)
	c.mu.Unlock()

	ctx, span := observe.StartSpan(observe.WithSessionID(ctx, s.id), "voice.start")
	defer span.End()

	s.log.Info("voice: starting session", "model", cfg.Model, "voice", cfg.VoiceName())

	stream, err := c.mic.Open(s.ctx, c.format, c.windowSize)
	if err != nil {
		if !s.State().Live() {
			return ErrStopped
		}
		kind := "microphone"
		if errors.Is(err, ErrPermissionDenied) {
			kind = "permission"
		}
		err = fmt.Errorf("voice: open microphone: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		c.fail(s, err, kind)
		return err
	}
	if !s.attachStream(stream) {
		_ = stream.Close()
		return ErrStopped
	}

	dialCtx, cancelDial := context.WithCancel(ctx)
	stopDial := context.AfterFunc(s.ctx, cancelDial)
	conn, err := c.dialer.Dial(dialCtx, cfg)
	stopDial()
	cancelDial()
	if err != nil {
		if !s.State().Live() {
			return ErrStopped
		}
		terr := &TransportError{Op: "dial", Err: err}
		span.RecordError(terr)
		span.SetStatus(codes.Error, "dial")
		c.fail(s, terr, "dial")
		return terr
	}
	if !s.attachConn(conn) {
		_ = conn.Close()
		return ErrStopped
	}

	go c.eventLoop(s, conn)
	return nil
}

// Stop ends the current session. It is idempotent and safe in every state:
// a connecting, open or errored session ends closed, and an idle or closed
// controller is left alone. When Stop returns, the microphone is released,
// all scheduled playback is stopped, the playback cursor is reset and the
// connection is closed.
func (c *Controller) Stop() {
	c.mu.Lock()
	s := c.cur
	c.mu.Unlock()
	if s == nil {
		return
	}

	_, span := observe.StartSpan(s.ctx, "voice.stop")
	defer span.End()

	s.mu.Lock()
	switch s.state {
	case StateConnecting, StateOpen:
		s.state = StateClosing
		s.mu.Unlock()
		c.emitState(StateClosing)
		c.shutdown(s, "stopped")
	case StateClosing:
		s.mu.Unlock()
		<-s.stopped
	case StateErrored:
		s.mu.Unlock()
		<-s.stopped
		if s.transition(StateClosed, StateErrored) {
			c.emitState(StateClosed)
		}
	default:
		s.mu.Unlock()
	}
}

// shutdown completes an orderly close of a session already in closing.
func (c *Controller) shutdown(s *session, reason string) {
	s.release(c.metrics)
	s.transition(StateClosed, StateClosing)
	c.emitState(StateClosed)
	close(s.stopped)
	s.log.Info("voice: session closed", "reason", reason, "duration", time.Since(s.startedAt))
}

// fail moves a live session to errored, releases it and reports err.
func (c *Controller) fail(s *session, err error, kind string) {
	if !s.transition(StateErrored, StateConnecting, StateOpen) {
		return
	}
	s.release(c.metrics)
	c.metrics.RecordSessionError(context.Background(), kind)
	s.log.Error("voice: session failed", "kind", kind, "err", err)
	c.emitState(StateErrored)
	c.emitError(err)
	close(s.stopped)
}

// closeRemote handles the endpoint ending the session cleanly.
func (c *Controller) closeRemote(s *session, reason string) {
	if !s.transition(StateClosing, StateConnecting, StateOpen) {
		return
	}
	c.emitState(StateClosing)
	if reason == "" {
		reason = "endpoint closed"
	}
	c.shutdown(s, reason)
}

// SetSessionConfig replaces the setup used by later Starts. A running
// session keeps the setup it was started with.
func (c *Controller) SetSessionConfig(cfg live.SessionConfig) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

// SessionConfig returns the setup the next Start will use.
func (c *Controller) SessionConfig() live.SessionConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// State returns the state of the current session, or StateIdle before the
// first Start.
func (c *Controller) State() State {
	c.mu.Lock()
	s := c.cur
	c.mu.Unlock()
	if s == nil {
		return StateIdle
	}
	return s.State()
}

// Active reports whether a session is connecting or open.
func (c *Controller) Active() bool { return c.State().Live() }

// Transcript returns the current turn's transcript.
func (c *Controller) Transcript() Transcript {
	c.mu.Lock()
	s := c.cur
	c.mu.Unlock()
	if s == nil {
		return Transcript{}
	}
	return s.sink.Snapshot()
}

// SessionID returns the ID of the current session, or "" before the first
// Start.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return ""
	}
	return c.cur.id
}

// Status returns a snapshot of the current session.
func (c *Controller) Status() Status {
	c.mu.Lock()
	s := c.cur
	c.mu.Unlock()
	if s == nil {
		return Status{State: StateIdle, StateName: StateIdle.String()}
	}
	st := s.State()
	return Status{
		SessionID:       s.id,
		State:           st,
		StateName:       st.String(),
		Transcript:      s.sink.Snapshot(),
		StartedAt:       s.startedAt,
		PendingPlayback: s.sched.Pending(),
	}
}

// ── Event loop ─────────────────────────────────────────────────────────────────

// eventLoop consumes the connection's events in order until the session
// ends. Decoding and scheduling of audio happen inline so fragments are
// scheduled strictly in arrival order.
func (c *Controller) eventLoop(s *session, conn live.Conn) {
	for ev := range conn.Events() {
		if !c.handle(s, conn, ev) {
			go audio.Drain(conn.Events())
			return
		}
	}
	if err := conn.Err(); err != nil {
		c.fail(s, &TransportError{Op: "stream", Err: err}, "transport")
		return
	}
	c.closeRemote(s, "")
}

// handle processes one event and reports whether the loop should continue.
func (c *Controller) handle(s *session, conn live.Conn, ev live.Event) bool {
	if !s.State().Live() {
		return true
	}
	switch ev.Kind {
	case live.EventOpen:
		if !s.transition(StateOpen, StateConnecting) {
			return true
		}
		c.metrics.SessionStartDuration.Record(s.ctx, time.Since(s.startedAt).Seconds())
		s.log.Info("voice: session open")
		c.startCapture(s, conn)
		c.emitState(StateOpen)

	case live.EventAudio:
		if err := s.sched.Enqueue(s.ctx, ev.Audio); err != nil {
			var de *DecodeError
			if errors.As(err, &de) {
				c.metrics.DecodeErrors.Add(s.ctx, 1)
				s.log.Warn("voice: dropping malformed audio fragment", "seq", de.Seq, "err", de.Err)
			} else {
				s.log.Warn("voice: playback scheduling failed", "err", err)
			}
		}

	case live.EventOutputTranscription:
		c.emitTranscript(s.sink.AppendOutput(ev.Text))

	case live.EventInputTranscription:
		c.emitTranscript(s.sink.AppendInput(ev.Text))

	case live.EventTurnComplete:
		c.metrics.TurnsCompleted.Add(s.ctx, 1)
		c.emitTranscript(s.sink.Reset())

	case live.EventInterrupted:
		c.metrics.Interruptions.Add(s.ctx, 1)
		s.log.Debug("voice: interrupted", "pending", s.sched.Pending())
		s.sched.Interrupt()

	case live.EventError:
		err := ev.Err
		if err == nil {
			err = errors.New("endpoint reported an error")
		}
		c.fail(s, &TransportError{Op: "stream", Err: err}, "transport")
		return false

	case live.EventClose:
		c.closeRemote(s, ev.Reason)
		return false

	default:
		s.log.Debug("voice: ignoring event", "kind", ev.Kind)
	}
	return true
}

// startCapture launches the capture goroutine for an open session.
func (c *Controller) startCapture(s *session, conn live.Conn) {
	s.mu.Lock()
	if s.state != StateOpen || s.stream == nil {
		s.mu.Unlock()
		return
	}
	done := make(chan struct{})
	s.captureDone = done
	cp := &capture{
		windows: s.stream.Windows(),
		conn:    conn,
		isOpen:  s.isOpen,
		metrics: c.metrics,
		log:     s.log,
	}
	s.mu.Unlock()

	go func() {
		defer close(done)
		cp.run(s.ctx)
	}()
}

// ── Notifications ──────────────────────────────────────────────────────────────

func (c *Controller) emitState(st State) {
	if fn := c.onState; fn != nil {
		c.notify.post(func() { fn(st) })
	}
}

func (c *Controller) emitTranscript(t Transcript) {
	if fn := c.onTranscript; fn != nil {
		c.notify.post(func() { fn(t) })
	}
}

func (c *Controller) emitError(err error) {
	if fn := c.onError; fn != nil {
		c.notify.post(func() { fn(err) })
	}
}

// notifier runs callbacks one at a time in the order they were posted, on a
// goroutine that exists only while callbacks are pending.
type notifier struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func (n *notifier) post(fn func()) {
	n.mu.Lock()
	n.queue = append(n.queue, fn)
	if n.running {
		n.mu.Unlock()
		return
	}
	n.running = true
	n.mu.Unlock()
	go n.run()
}

func (n *notifier) run() {
	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.running = false
			n.mu.Unlock()
			return
		}
		fn := n.queue[0]
		n.queue[0] = nil
		n.queue = n.queue[1:]
		n.mu.Unlock()
		fn()
	}
}
