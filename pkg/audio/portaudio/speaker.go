package portaudio

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/gordonklaus/portaudio"
)

// Compile-time interface assertions.
var (
	_ audio.Speaker = (*Speaker)(nil)
)

// bufferDuration is the length of one rendered device buffer.
const bufferDuration = 20 * time.Millisecond

// SpeakerOption configures a [Speaker].
type SpeakerOption func(*speakerConfig)

type speakerConfig struct {
	device     string
	sampleRate int
}

// WithOutputDevice selects the first output device whose name contains name.
func WithOutputDevice(name string) SpeakerOption {
	return func(c *speakerConfig) { c.device = name }
}

// WithDeviceRate overrides the device sample rate. By default the device's
// own default rate is used.
func WithDeviceRate(rate int) SpeakerOption {
	return func(c *speakerConfig) { c.sampleRate = rate }
}

// Speaker renders scheduled chunks to a PortAudio output stream. Its clock
// counts rendered device frames, so time advances only while the stream runs
// and scheduled start times are sample-accurate relative to each other.
type Speaker struct {
	stream *portaudio.Stream
	device string
	tl     *audio.Timeline
	buf    []float32

	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
}

// NewSpeaker opens and starts the output stream. Close must be called to
// release the device.
func NewSpeaker(opts ...SpeakerOption) (*Speaker, error) {
	var cfg speakerConfig
	for _, o := range opts {
		o(&cfg)
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	dev, err := findDevice(cfg.device, false)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}

	rate := cfg.sampleRate
	if rate <= 0 {
		rate = int(dev.DefaultSampleRate)
	}
	channels := min(dev.MaxOutputChannels, 2)
	frames := int(int64(rate) * int64(bufferDuration) / int64(time.Second))

	buf := make([]float32, frames*channels)
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: channels,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(rate),
		FramesPerBuffer: frames,
	}
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: open output %q: %w", dev.Name, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: start output %q: %w", dev.Name, err)
	}

	s := &Speaker{
		stream: stream,
		device: dev.Name,
		tl:     audio.NewTimeline(audio.Format{SampleRate: rate, Channels: channels}),
		buf:    buf,
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go s.renderLoop()

	slog.Info("portaudio: playback started", "device", dev.Name, "sample_rate", rate, "channels", channels)
	return s, nil
}

func (s *Speaker) renderLoop() {
	defer close(s.exited)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		s.tl.Render(s.buf)
		if err := s.stream.Write(); err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			// Underflows produce an audible gap but the stream keeps running.
			slog.Debug("portaudio: playback write error", "device", s.device, "err", err)
		}
	}
}

// Now implements [audio.Speaker].
func (s *Speaker) Now() time.Duration { return s.tl.Now() }

// Play implements [audio.Speaker]. The chunk is converted to the device
// format immediately; at values earlier than Now start at Now.
func (s *Speaker) Play(chunk audio.PlaybackChunk, at time.Duration, onEnded func()) (audio.Playback, error) {
	select {
	case <-s.done:
		return nil, fmt.Errorf("portaudio: speaker %q closed", s.device)
	default:
	}
	return s.tl.Add(chunk, at, onEnded), nil
}

// Close stops rendering, ends every pending playback and releases the
// device.
func (s *Speaker) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		select {
		case <-s.exited:
		case <-time.After(time.Second):
			slog.Warn("portaudio: render loop did not exit", "device", s.device)
		}
		s.tl.Drain()
		_ = s.stream.Stop()
		err = s.stream.Close()
		portaudio.Terminate()
	})
	return err
}
