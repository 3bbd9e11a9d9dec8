package audio

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"
)

// Compile-time assertion.
var _ Playback = (*timelinePlayback)(nil)

// Timeline mixes timed [PlaybackChunk]s into fixed-size float32 buffers of a
// device format. It owns a sample clock: Now is the start of the next buffer
// to be rendered, so time only advances as buffers are rendered.
//
// Chunks are mono. They are resampled to the device rate when added and
// copied to every output channel when rendered. Render may be called from
// one goroutine while Add, Now and Stop are called from others.
type Timeline struct {
	format     Format
	warnResamp sync.Once

	mu      sync.Mutex
	pos     int64 // first frame of the next buffer
	seq     uint64
	pending unitHeap
	active  []*unit
}

// NewTimeline returns a Timeline rendering in format f (1 or 2 channels).
func NewTimeline(f Format) *Timeline {
	f.Channels = min(max(f.Channels, 1), 2)
	return &Timeline{format: f}
}

// Format returns the render format.
func (t *Timeline) Format() Format { return t.format }

// Now returns the clock position.
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frameTime(t.pos)
}

func (t *Timeline) frameTime(frame int64) time.Duration {
	return time.Duration(frame) * time.Second / time.Duration(t.format.SampleRate)
}

// timeFrame returns the frame nearest to d. Start times are sums of
// nanosecond-rounded chunk durations, so truncating could place a chunk one
// frame before the end of its predecessor.
func (t *Timeline) timeFrame(d time.Duration) int64 {
	return (int64(d)*int64(t.format.SampleRate) + int64(time.Second)/2) / int64(time.Second)
}

// Add queues chunk to start at at. A start in the past is moved to Now.
// onEnded is called once when the chunk has been fully rendered, is stopped,
// or the timeline is drained.
func (t *Timeline) Add(chunk PlaybackChunk, at time.Duration, onEnded func()) Playback {
	samples := DecodePCM16(chunk.Frame.Data)
	if rate := chunk.Frame.SampleRate; rate != t.format.SampleRate {
		t.warnResamp.Do(func() {
			slog.Warn("audio: playback rate differs from device, resampling",
				"from", rate,
				"to", t.format.SampleRate,
			)
		})
		samples = Resample(samples, rate, t.format.SampleRate)
	}

	p := &timelinePlayback{onEnded: onEnded}
	u := &unit{
		samples: samples,
		frames:  int64(len(samples)),
		handle:  p,
	}

	t.mu.Lock()
	u.start = max(t.timeFrame(at), t.pos)
	u.seq = t.seq
	t.seq++
	heap.Push(&t.pending, u)
	t.mu.Unlock()
	return p
}

// Render fills out with the next len(out)/channels frames, advances the
// clock and fires the callbacks of chunks that finished within the buffer.
// Mixed samples are clipped to [-1, 1].
func (t *Timeline) Render(out []float32) {
	clear(out)
	ch := int64(t.format.Channels)
	frames := int64(len(out)) / ch

	t.mu.Lock()
	bufStart := t.pos
	bufEnd := bufStart + frames

	for t.pending.Len() > 0 && t.pending[0].start < bufEnd {
		u := heap.Pop(&t.pending).(*unit)
		if !u.handle.isDone() {
			t.active = append(t.active, u)
		}
	}

	var ended []*timelinePlayback
	kept := t.active[:0]
	for _, u := range t.active {
		if u.handle.isDone() {
			continue
		}
		for f := max(u.start, bufStart); f < min(u.end(), bufEnd); f++ {
			v := u.samples[f-u.start]
			dst := (f - bufStart) * ch
			for c := range ch {
				out[dst+c] += v
			}
		}
		if u.end() <= bufEnd {
			ended = append(ended, u.handle)
			continue
		}
		kept = append(kept, u)
	}
	clear(t.active[len(kept):])
	t.active = kept
	t.pos = bufEnd
	t.mu.Unlock()

	for i, v := range out {
		out[i] = min(max(v, -1), 1)
	}
	for _, p := range ended {
		p.finish()
	}
}

// Pending returns the number of chunks queued or playing.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending) + len(t.active)
}

// Drain ends every queued and playing chunk.
func (t *Timeline) Drain() {
	t.mu.Lock()
	handles := make([]*timelinePlayback, 0, len(t.pending)+len(t.active))
	for _, u := range t.pending {
		handles = append(handles, u.handle)
	}
	for _, u := range t.active {
		handles = append(handles, u.handle)
	}
	t.pending = nil
	t.active = nil
	t.mu.Unlock()

	for _, p := range handles {
		p.finish()
	}
}

// timelinePlayback is the handle for one unit. Stopped units are skipped
// lazily by Render.
type timelinePlayback struct {
	onEnded func()

	once sync.Once
	mu   sync.Mutex
	done bool
}

// Stop implements [Playback].
func (p *timelinePlayback) Stop() { p.finish() }

func (p *timelinePlayback) isDone() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

func (p *timelinePlayback) finish() {
	p.once.Do(func() {
		p.mu.Lock()
		p.done = true
		p.mu.Unlock()
		if p.onEnded != nil {
			p.onEnded()
		}
	})
}
