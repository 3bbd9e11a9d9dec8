package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/live"
)

// errOddLength rejects PCM payloads that do not hold whole int16 samples.
var errOddLength = errors.New("odd PCM byte count")

// Scheduler plays model audio fragments back to back on a [audio.Speaker].
//
// Each fragment starts at the later of the playback cursor and the speaker
// clock, and the cursor advances by the fragment's duration, so fragments
// play gaplessly in arrival order while never starting in the past.
// Interrupt stops everything queued or playing and resets the cursor.
//
// Enqueue is expected to be called from a single goroutine; Interrupt and
// Close may be called from any goroutine.
type Scheduler struct {
	speaker audio.Speaker
	rate    int
	metrics *observe.Metrics
	log     *slog.Logger

	mu      sync.Mutex
	next    time.Duration
	seq     uint64
	playing map[uint64]audio.Playback
	closed  bool
}

// NewScheduler returns a Scheduler for 24 kHz mono fragments. A nil metrics
// uses [observe.DefaultMetrics].
func NewScheduler(spk audio.Speaker, m *observe.Metrics, log *slog.Logger) *Scheduler {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		speaker: spk,
		rate:    audio.OutputSampleRate,
		metrics: m,
		log:     log,
		playing: make(map[uint64]audio.Playback),
	}
}

// Enqueue decodes one base64 PCM fragment and schedules it. A malformed
// fragment is returned as a [*DecodeError] and nothing is scheduled. After
// Close, fragments are silently discarded.
func (s *Scheduler) Enqueue(ctx context.Context, b live.Blob) error {
	pcm, err := base64.StdEncoding.DecodeString(b.Data)
	if err == nil && len(pcm)%2 != 0 {
		err = errOddLength
	}
	if err != nil {
		s.mu.Lock()
		seq := s.seq
		s.seq++
		s.mu.Unlock()
		return &DecodeError{Seq: seq, Err: err}
	}
	if len(pcm) == 0 {
		return nil
	}

	frame := audio.Frame{Data: pcm, SampleRate: s.rate, Channels: 1}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	seq := s.seq
	s.seq++
	chunk := audio.PlaybackChunk{Seq: seq, Frame: frame, Duration: frame.Duration()}

	now := s.speaker.Now()
	start := max(s.next, now)
	p, err := s.speaker.Play(chunk, start, func() { s.ended(seq) })
	if err != nil {
		return fmt.Errorf("voice: schedule fragment %d: %w", seq, err)
	}
	s.next = start + chunk.Duration
	s.playing[seq] = p

	s.metrics.FragmentsScheduled.Add(ctx, 1)
	s.metrics.ScheduleLead.Record(ctx, (start - now).Seconds())
	return nil
}

// ended removes a finished or stopped playback from the live set.
func (s *Scheduler) ended(seq uint64) {
	s.mu.Lock()
	delete(s.playing, seq)
	s.mu.Unlock()
}

// Interrupt stops every scheduled playback, clears the live set and resets
// the cursor to zero.
func (s *Scheduler) Interrupt() {
	s.stopAll(false)
}

// Close stops every scheduled playback like Interrupt and discards all later
// fragments. Idempotent.
func (s *Scheduler) Close() {
	s.stopAll(true)
}

func (s *Scheduler) stopAll(closing bool) {
	s.mu.Lock()
	playing := s.playing
	s.playing = make(map[uint64]audio.Playback)
	s.next = 0
	if closing {
		s.closed = true
	}
	s.mu.Unlock()

	for _, p := range playing {
		p.Stop()
	}
	if len(playing) > 0 {
		s.log.Debug("voice: stopped playback", "count", len(playing), "closing", closing)
	}
}

// Pending returns the number of playbacks scheduled or playing.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.playing)
}

// Cursor returns the start time the next fragment would get if the speaker
// clock were at zero.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}
