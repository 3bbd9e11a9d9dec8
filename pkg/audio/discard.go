package audio

import (
	"sync"
	"time"
)

// Compile-time assertion.
var _ Speaker = (*DiscardSpeaker)(nil)

// DiscardSpeaker is a [Speaker] without a device: its clock is wall time
// since creation and scheduled chunks are timed but never rendered. It is
// used for headless runs and as the fallback when no output device is
// available.
type DiscardSpeaker struct {
	start time.Time
}

// NewDiscardSpeaker returns a DiscardSpeaker whose clock starts now.
func NewDiscardSpeaker() *DiscardSpeaker {
	return &DiscardSpeaker{start: time.Now()}
}

// Now returns the time elapsed since the speaker was created.
func (s *DiscardSpeaker) Now() time.Duration { return time.Since(s.start) }

// Play arms a timer that fires onEnded when chunk would have finished.
func (s *DiscardSpeaker) Play(chunk PlaybackChunk, at time.Duration, onEnded func()) (Playback, error) {
	wait := max(at-s.Now(), 0) + chunk.Duration
	p := &timedPlayback{onEnded: onEnded}
	p.mu.Lock()
	p.timer = time.AfterFunc(wait, p.finish)
	p.mu.Unlock()
	return p, nil
}

type timedPlayback struct {
	mu      sync.Mutex
	timer   *time.Timer
	once    sync.Once
	onEnded func()
}

func (p *timedPlayback) finish() {
	p.once.Do(func() {
		if p.onEnded != nil {
			p.onEnded()
		}
	})
}

func (p *timedPlayback) Stop() {
	p.mu.Lock()
	t := p.timer
	p.mu.Unlock()
	if t != nil {
		t.Stop()
	}
	p.finish()
}
