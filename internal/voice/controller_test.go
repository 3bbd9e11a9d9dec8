package voice

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/pkg/audio"
	audiomock "github.com/MrWong99/livevoice/pkg/audio/mock"
	"github.com/MrWong99/livevoice/pkg/provider/live"
	livemock "github.com/MrWong99/livevoice/pkg/provider/live/mock"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type harness struct {
	mic     *audiomock.Microphone
	stream  *audiomock.CaptureStream
	spk     *audiomock.Speaker
	dialer  *livemock.Dialer
	ctrl    *Controller
	rec     *recorder
	metrics *observe.Metrics
	reader  *sdkmetric.ManualReader
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		stream: audiomock.NewCaptureStream(16),
		spk:    &audiomock.Speaker{},
		dialer: &livemock.Dialer{},
		rec:    &recorder{},
	}
	h.mic = &audiomock.Microphone{Stream: h.stream}
	h.metrics, h.reader = newTestMetrics(t)
	all := append(h.rec.options(), WithMetrics(h.metrics))
	h.ctrl = NewController(h.mic, h.spk, h.dialer, append(all, opts...)...)
	t.Cleanup(h.ctrl.Stop)
	return h
}

// open starts a session and drives it to the open state.
func (h *harness) open(t *testing.T) *livemock.Conn {
	t.Helper()
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := h.dialer.Last()
	conn.Emit(live.Event{Kind: live.EventOpen})
	waitFor(t, "open", func() bool { return h.ctrl.State() == StateOpen })
	return conn
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return h.ctrl.State() == want })
}

func (h *harness) waitStates(t *testing.T, want ...State) {
	t.Helper()
	waitFor(t, fmt.Sprintf("states %v", want), func() bool { return slices.Equal(h.rec.States(), want) })
}

func TestController_IdleBeforeStart(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if got := h.ctrl.State(); got != StateIdle {
		t.Errorf("State = %v, want idle", got)
	}
	if h.ctrl.Active() || h.ctrl.SessionID() != "" {
		t.Error("idle controller reports an active session")
	}
	h.ctrl.Stop()
	if got := h.ctrl.State(); got != StateIdle {
		t.Errorf("State after Stop = %v, want idle", got)
	}
	if st := h.ctrl.Status(); st.StateName != "idle" {
		t.Errorf("Status.StateName = %q", st.StateName)
	}
}

func TestController_StartOpenStop(t *testing.T) {
	t.Parallel()

	cfg := live.SessionConfig{Model: "m", Voice: "Puck", Instructions: "be brief"}
	h := newHarness(t, WithSessionConfig(cfg))

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := h.ctrl.State(); got != StateConnecting {
		t.Errorf("State after Start = %v, want connecting", got)
	}
	if h.ctrl.SessionID() == "" {
		t.Error("SessionID is empty")
	}
	if calls := h.mic.OpenCalls; len(calls) != 1 || calls[0].Format.SampleRate != 16000 || calls[0].WindowSize != 4096 {
		t.Errorf("mic open calls = %+v", calls)
	}
	if got := h.dialer.DialCalls[0].Cfg; got != cfg {
		t.Errorf("dial config = %+v, want %+v", got, cfg)
	}

	conn := h.dialer.Last()
	conn.Emit(live.Event{Kind: live.EventOpen})
	h.waitState(t, StateOpen)

	h.ctrl.Stop()
	if got := h.ctrl.State(); got != StateClosed {
		t.Errorf("State after Stop = %v, want closed", got)
	}
	if !h.stream.Closed() {
		t.Error("microphone stream not closed")
	}
	if conn.CloseCount() == 0 {
		t.Error("connection not closed")
	}
	h.waitStates(t, StateConnecting, StateOpen, StateClosing, StateClosed)

	if n := counter(t, h.reader, "livevoice.active_sessions", "", ""); n != 0 {
		t.Errorf("active_sessions = %d, want 0", n)
	}
}

func TestController_DoubleStart(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	id := h.ctrl.SessionID()

	if err := h.ctrl.Start(context.Background()); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("second Start = %v, want ErrAlreadyActive", err)
	}
	h.dialer.Last().Emit(live.Event{Kind: live.EventOpen})
	h.waitState(t, StateOpen)
	if err := h.ctrl.Start(context.Background()); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("Start while open = %v, want ErrAlreadyActive", err)
	}

	if n := h.mic.OpenCount(); n != 1 {
		t.Errorf("mic opened %d times, want 1", n)
	}
	if n := h.dialer.DialCount(); n != 1 {
		t.Errorf("dialed %d times, want 1", n)
	}
	if h.ctrl.SessionID() != id {
		t.Error("session ID changed")
	}
}

func TestController_RestartCreatesFreshSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.open(t)
	first := h.ctrl.SessionID()
	h.ctrl.Stop()

	h.mic.Stream = audiomock.NewCaptureStream(4)
	h.open(t)
	if h.ctrl.SessionID() == first {
		t.Error("restart reused the session ID")
	}
	if n := h.dialer.DialCount(); n != 2 {
		t.Errorf("dialed %d times, want 2", n)
	}
}

func TestController_PermissionDenied(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.mic.OpenErr = fmt.Errorf("device busy: %w", audio.ErrPermissionDenied)

	err := h.ctrl.Start(context.Background())
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Start = %v, want ErrPermissionDenied", err)
	}
	if got := h.ctrl.State(); got != StateErrored {
		t.Errorf("State = %v, want errored", got)
	}
	if n := h.dialer.DialCount(); n != 0 {
		t.Errorf("dialed %d times, want 0", n)
	}
	waitFor(t, "error listener", func() bool { return len(h.rec.Errors()) == 1 })
	if !errors.Is(h.rec.Errors()[0], ErrPermissionDenied) {
		t.Errorf("listener error = %v", h.rec.Errors()[0])
	}
	h.waitStates(t, StateConnecting, StateErrored)
	if n := counter(t, h.reader, "livevoice.session.errors", "kind", "permission"); n != 1 {
		t.Errorf("permission errors = %d, want 1", n)
	}

	// Stop from errored ends closed.
	h.ctrl.Stop()
	if got := h.ctrl.State(); got != StateClosed {
		t.Errorf("State after Stop = %v, want closed", got)
	}
}

func TestController_DialFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.dialer.DialErr = errors.New("connection refused")

	err := h.ctrl.Start(context.Background())
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "dial" {
		t.Fatalf("Start = %v, want dial TransportError", err)
	}
	if got := h.ctrl.State(); got != StateErrored {
		t.Errorf("State = %v, want errored", got)
	}
	if !h.stream.Closed() {
		t.Error("microphone not released after dial failure")
	}
	if n := counter(t, h.reader, "livevoice.active_sessions", "", ""); n != 0 {
		t.Errorf("active_sessions = %d, want 0", n)
	}
}

func TestController_StopDuringConnecting(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.dialer.Gate = make(chan struct{})

	errc := make(chan error, 1)
	go func() { errc <- h.ctrl.Start(context.Background()) }()
	waitFor(t, "dial", func() bool { return h.dialer.DialCount() == 1 })

	h.ctrl.Stop()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrStopped) {
			t.Errorf("Start = %v, want ErrStopped", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
	if got := h.ctrl.State(); got != StateClosed {
		t.Errorf("State = %v, want closed", got)
	}
	if !h.stream.Closed() {
		t.Error("microphone not released")
	}
}

func TestController_StopIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.open(t)
	h.ctrl.Stop()
	h.ctrl.Stop()
	h.waitStates(t, StateConnecting, StateOpen, StateClosing, StateClosed)
	if n := h.stream.CloseCount(); n != 1 {
		t.Errorf("stream closed %d times, want 1", n)
	}
}

func TestController_ConcurrentStop(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.open(t)

	done := make(chan struct{})
	for range 4 {
		go func() {
			h.ctrl.Stop()
			done <- struct{}{}
		}()
	}
	for range 4 {
		<-done
	}
	if got := h.ctrl.State(); got != StateClosed {
		t.Errorf("State = %v, want closed", got)
	}
}

// slowReleaseMic hands out capture streams whose Close blocks until gate is
// closed, and tracks how many streams are open at once.
type slowReleaseMic struct {
	gate chan struct{}

	mu      sync.Mutex
	open    int
	maxOpen int
}

func (m *slowReleaseMic) Open(context.Context, audio.Format, int) (audio.CaptureStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open++
	m.maxOpen = max(m.maxOpen, m.open)
	return &slowReleaseStream{CaptureStream: audiomock.NewCaptureStream(4), mic: m}, nil
}

func (m *slowReleaseMic) MaxOpen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxOpen
}

type slowReleaseStream struct {
	*audiomock.CaptureStream
	mic  *slowReleaseMic
	once sync.Once
}

func (s *slowReleaseStream) Close() error {
	<-s.mic.gate
	s.once.Do(func() {
		s.mic.mu.Lock()
		s.mic.open--
		s.mic.mu.Unlock()
	})
	return s.CaptureStream.Close()
}

func TestController_StartWaitsForRelease(t *testing.T) {
	t.Parallel()

	mic := &slowReleaseMic{gate: make(chan struct{})}
	dialer := &livemock.Dialer{}
	ctrl := NewController(mic, &audiomock.Speaker{}, dialer)
	var release sync.Once
	t.Cleanup(func() {
		release.Do(func() { close(mic.gate) })
		ctrl.Stop()
	})

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	dialer.Last().Emit(live.Event{Kind: live.EventOpen})
	waitFor(t, "open", func() bool { return ctrl.State() == StateOpen })

	go ctrl.Stop()
	waitFor(t, "closing", func() bool { return ctrl.State() == StateClosing })

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		if err := ctrl.Start(ctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Start = %v, want context.DeadlineExceeded", err)
		}
		if got := ctrl.State(); got != StateClosing {
			t.Errorf("State = %v, want closing", got)
		}
	})

	errc := make(chan error, 1)
	go func() { errc <- ctrl.Start(context.Background()) }()
	select {
	case err := <-errc:
		t.Fatalf("Start returned %v while the previous session was releasing", err)
	case <-time.After(50 * time.Millisecond):
	}
	if n := dialer.DialCount(); n != 1 {
		t.Errorf("dialed %d times while closing, want 1", n)
	}

	release.Do(func() { close(mic.gate) })
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Start after release: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after release")
	}
	if n := mic.MaxOpen(); n != 1 {
		t.Errorf("microphone handles open at once = %d, want 1", n)
	}
	if n := dialer.DialCount(); n != 2 {
		t.Errorf("dialed %d times, want 2", n)
	}
}

func TestController_ConnectingPrecedesClosing(t *testing.T) {
	t.Parallel()

	for i := range 50 {
		h := newHarness(t)
		go h.ctrl.Stop()
		err := h.ctrl.Start(context.Background())
		if err != nil && !errors.Is(err, ErrStopped) {
			t.Fatalf("run %d: Start = %v", i, err)
		}
		h.ctrl.Stop()
		h.waitStates(t, StateConnecting, StateClosing, StateClosed)
	}
}

func TestController_RemoteClose(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	conn := h.open(t)
	conn.Emit(live.Event{Kind: live.EventClose, Reason: "session over"})

	h.waitState(t, StateClosed)
	if !h.stream.Closed() {
		t.Error("microphone not released")
	}
	if len(h.rec.Errors()) != 0 {
		t.Errorf("unexpected errors: %v", h.rec.Errors())
	}
}

func TestController_StreamFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		end  func(c *livemock.Conn)
	}{
		{
			name: "error event",
			end: func(c *livemock.Conn) {
				c.Emit(live.Event{Kind: live.EventError, Err: &live.ServerError{Code: 500, Message: "internal"}})
			},
		},
		{
			name: "transport failure",
			end:  func(c *livemock.Conn) { c.End(errors.New("connection reset")) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			conn := h.open(t)
			tt.end(conn)

			h.waitState(t, StateErrored)
			waitFor(t, "error listener", func() bool { return len(h.rec.Errors()) == 1 })
			var te *TransportError
			if !errors.As(h.rec.Errors()[0], &te) || te.Op != "stream" {
				t.Errorf("listener error = %v, want stream TransportError", h.rec.Errors()[0])
			}
			if !h.stream.Closed() {
				t.Error("microphone not released")
			}
		})
	}
}

func TestController_RemoteEndWithoutEvent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	conn := h.open(t)
	conn.End(nil)
	h.waitState(t, StateClosed)
}

func TestController_CapturesWhileOpen(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	conn := h.open(t)

	w := audio.Window{Samples: []float32{0.25, -0.25}, SampleRate: 16000}
	waitFor(t, "window sent", func() bool {
		h.stream.Push(w)
		return len(conn.Sent()) > 0
	})
	if got := conn.Sent()[0]; got != EncodeWindow(w) {
		t.Errorf("sent %+v, want %+v", got, EncodeWindow(w))
	}
}

func TestController_NothingSentBeforeOpen(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.stream.Push(audio.Window{Samples: []float32{0.1}})
	time.Sleep(20 * time.Millisecond)
	if n := len(h.dialer.Last().Sent()); n != 0 {
		t.Errorf("sent %d blobs while connecting", n)
	}
}

func TestController_PlaybackAndInterrupt(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	conn := h.open(t)

	conn.Emit(live.Event{Kind: live.EventAudio, Audio: live.Blob{Data: fragment(100 * time.Millisecond)}})
	conn.Emit(live.Event{Kind: live.EventAudio, Audio: live.Blob{Data: "%%%"}})
	conn.Emit(live.Event{Kind: live.EventAudio, Audio: live.Blob{Data: fragment(100 * time.Millisecond)}})
	waitFor(t, "two playbacks", func() bool { return len(h.spk.Calls()) == 2 })

	starts := h.spk.Starts()
	if starts[0] != 0 || starts[1] != 100*time.Millisecond {
		t.Errorf("starts = %v, want [0 100ms]", starts)
	}
	if got := h.ctrl.State(); got != StateOpen {
		t.Errorf("State after malformed fragment = %v, want open", got)
	}
	if n := counter(t, h.reader, "livevoice.playback.decode_errors", "", ""); n != 1 {
		t.Errorf("decode_errors = %d, want 1", n)
	}
	if len(h.rec.Errors()) != 0 {
		t.Errorf("decode error reached the error listener: %v", h.rec.Errors())
	}

	conn.Emit(live.Event{Kind: live.EventInterrupted})
	waitFor(t, "playbacks stopped", func() bool {
		for _, c := range h.spk.Calls() {
			if !c.Playback.Stopped() {
				return false
			}
		}
		return true
	})

	h.spk.SetNow(30 * time.Millisecond)
	conn.Emit(live.Event{Kind: live.EventAudio, Audio: live.Blob{Data: fragment(100 * time.Millisecond)}})
	waitFor(t, "third playback", func() bool { return len(h.spk.Calls()) == 3 })
	if got := h.spk.Starts()[2]; got != 30*time.Millisecond {
		t.Errorf("start after interrupt = %v, want 30ms", got)
	}

	h.ctrl.Stop()
	if !h.spk.Calls()[2].Playback.Stopped() {
		t.Error("Stop left playback running")
	}
}

func TestController_Transcripts(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	conn := h.open(t)

	conn.Emit(live.Event{Kind: live.EventOutputTranscription, Text: "Hel"})
	conn.Emit(live.Event{Kind: live.EventOutputTranscription, Text: "lo"})
	conn.Emit(live.Event{Kind: live.EventInputTranscription, Text: "Hi"})
	waitFor(t, "three transcripts", func() bool { return len(h.rec.Transcripts()) == 3 })

	if got := h.ctrl.Transcript(); got != (Transcript{User: "Hi", Model: "Hello"}) {
		t.Errorf("Transcript = %+v", got)
	}

	conn.Emit(live.Event{Kind: live.EventTurnComplete})
	waitFor(t, "reset", func() bool { return len(h.rec.Transcripts()) == 4 })

	want := []Transcript{
		{Model: "Hel"},
		{Model: "Hello"},
		{User: "Hi", Model: "Hello"},
		{},
	}
	if got := h.rec.Transcripts(); !slices.Equal(got, want) {
		t.Errorf("transcripts = %+v, want %+v", got, want)
	}
	if got := h.ctrl.Transcript(); got != (Transcript{}) {
		t.Errorf("Transcript after turn = %+v", got)
	}
	if n := counter(t, h.reader, "livevoice.turns_completed", "", ""); n != 1 {
		t.Errorf("turns_completed = %d, want 1", n)
	}
}

func TestController_Status(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	conn := h.open(t)
	conn.Emit(live.Event{Kind: live.EventInputTranscription, Text: "hello"})
	waitFor(t, "transcript", func() bool { return len(h.rec.Transcripts()) == 1 })

	st := h.ctrl.Status()
	if st.SessionID != h.ctrl.SessionID() || st.State != StateOpen || st.StateName != "open" {
		t.Errorf("Status = %+v", st)
	}
	if st.Transcript.User != "hello" {
		t.Errorf("Status.Transcript = %+v", st.Transcript)
	}
	if st.StartedAt.IsZero() {
		t.Error("Status.StartedAt is zero")
	}
}

func TestController_ListenerMayCallBack(t *testing.T) {
	t.Parallel()

	var h *harness
	seen := make(chan State, 8)
	h = newHarness(t, WithStateListener(func(s State) {
		seen <- h.ctrl.State()
	}))
	h.open(t)
	h.ctrl.Stop()

	for range 4 {
		select {
		case <-seen:
		case <-time.After(2 * time.Second):
			t.Fatal("listener did not run")
		}
	}
}

func TestController_SetSessionConfigAppliesToNextStart(t *testing.T) {
	t.Parallel()

	h := newHarness(t, WithSessionConfig(live.SessionConfig{Voice: "Kore"}))
	h.open(t)

	h.ctrl.SetSessionConfig(live.SessionConfig{Voice: "Puck"})
	if got := h.ctrl.SessionConfig().Voice; got != "Puck" {
		t.Errorf("SessionConfig().Voice = %q", got)
	}
	h.ctrl.Stop()

	h.mic.Stream = audiomock.NewCaptureStream(4)
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := h.dialer.DialCalls[1].Cfg.Voice; got != "Puck" {
		t.Errorf("second dial voice = %q, want Puck", got)
	}
	if got := h.dialer.DialCalls[0].Cfg.Voice; got != "Kore" {
		t.Errorf("first dial voice = %q, want Kore", got)
	}
}
