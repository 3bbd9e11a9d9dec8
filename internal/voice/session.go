package voice

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/live"
)

// session is one live connection from Start until it is closed or errored.
type session struct {
	id        string
	ctx       context.Context // cancelled on release
	cancel    context.CancelFunc
	log       *slog.Logger
	startedAt time.Time
	sched     *Scheduler
	sink      TranscriptSink

	mu          sync.Mutex
	state       State
	stream      audio.CaptureStream
	conn        live.Conn
	captureDone chan struct{}

	releaseOnce sync.Once
	stopped     chan struct{} // closed once teardown completed, orderly or failed
}

func newSession(id string, spk audio.Speaker, m *observe.Metrics) *session {
	ctx, cancel := context.WithCancel(observe.WithSessionID(context.Background(), id))
	log := observe.Logger(ctx)
	return &session{
		id:        id,
		ctx:       ctx,
		cancel:    cancel,
		log:       log,
		startedAt: time.Now(),
		sched:     NewScheduler(spk, m, log),
		state:     StateConnecting,
		stopped:   make(chan struct{}),
	}
}

// State returns the current state.
func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) isOpen() bool { return s.State() == StateOpen }

// released reports whether teardown has completed.
func (s *session) released() bool {
	select {
	case <-s.stopped:
		return true
	default:
		return false
	}
}

// transition moves to `to` if the current state is one of from.
func (s *session) transition(to State, from ...State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range from {
		if s.state == f {
			s.state = to
			return true
		}
	}
	return false
}

// attachStream records the capture stream unless the session stopped
// connecting in the meantime.
func (s *session) attachStream(cs audio.CaptureStream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return false
	}
	s.stream = cs
	return true
}

// attachConn records the connection unless the session stopped connecting
// in the meantime.
func (s *session) attachConn(c live.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return false
	}
	s.conn = c
	return true
}

// release cancels the session context, stops all playback, releases the
// microphone and closes the connection. It runs once and waits for the
// capture goroutine to exit.
func (s *session) release(m *observe.Metrics) {
	s.releaseOnce.Do(func() {
		s.cancel()
		s.sched.Close()

		s.mu.Lock()
		stream, conn, captureDone := s.stream, s.conn, s.captureDone
		s.mu.Unlock()

		if stream != nil {
			if err := stream.Close(); err != nil {
				s.log.Warn("voice: microphone close error", "err", err)
			}
		}
		if conn != nil {
			if err := conn.Close(); err != nil {
				s.log.Warn("voice: connection close error", "err", err)
			}
		}
		if captureDone != nil {
			<-captureDone
		}
		m.ActiveSessions.Add(context.Background(), -1)
	})
}
