package portaudio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/gordonklaus/portaudio"
)

// Compile-time interface assertions.
var (
	_ audio.Microphone    = (*Microphone)(nil)
	_ audio.CaptureStream = (*captureStream)(nil)
)

// windowBuffer is the depth of the channel between the device reader and the
// consumer. When the consumer falls behind, new windows are dropped.
const windowBuffer = 8

// Microphone opens a PortAudio input device.
type Microphone struct {
	device string
}

// NewMicrophone returns a Microphone for the first input device whose name
// contains device, or the host default input device when device is empty.
func NewMicrophone(device string) *Microphone {
	return &Microphone{device: device}
}

// Open starts a mono blocking-read input stream delivering windows of
// windowSize samples. Operating systems report refused microphone access as a
// failure to open or start the input stream, so both are reported wrapping
// [audio.ErrPermissionDenied].
func (m *Microphone) Open(ctx context.Context, f audio.Format, windowSize int) (audio.CaptureStream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}

	dev, err := findDevice(m.device, true)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}

	buf := make([]float32, windowSize)
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(f.SampleRate),
		FramesPerBuffer: windowSize,
	}
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: open %q: %v", audio.ErrPermissionDenied, dev.Name, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: start %q: %v", audio.ErrPermissionDenied, dev.Name, err)
	}

	capCtx, cancel := context.WithCancel(ctx)
	cs := &captureStream{
		stream:     stream,
		device:     dev.Name,
		sampleRate: f.SampleRate,
		windows:    make(chan audio.Window, windowBuffer),
		cancel:     cancel,
		exited:     make(chan struct{}),
	}
	go cs.readLoop(capCtx, buf)

	slog.Info("portaudio: capture started", "device", dev.Name, "sample_rate", f.SampleRate, "window", windowSize)
	return cs, nil
}

type captureStream struct {
	stream     *portaudio.Stream
	device     string
	sampleRate int
	windows    chan audio.Window

	cancel    context.CancelFunc
	exited    chan struct{}
	closeOnce sync.Once
}

func (c *captureStream) readLoop(ctx context.Context, buf []float32) {
	defer close(c.exited)
	defer close(c.windows)

	var captured int
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.stream.Read(); err != nil {
			if ctx.Err() != nil {
				return
			}
			// Overflows lose samples but the stream keeps running.
			slog.Debug("portaudio: capture read error", "device", c.device, "err", err)
			continue
		}

		w := audio.Window{
			Samples:    append([]float32(nil), buf...),
			SampleRate: c.sampleRate,
			Timestamp:  audio.SamplesDuration(captured, c.sampleRate),
		}
		captured += len(buf)

		select {
		case c.windows <- w:
		case <-ctx.Done():
			return
		default:
			slog.Debug("portaudio: capture buffer full, dropping window", "device", c.device)
		}
	}
}

// Windows implements [audio.CaptureStream].
func (c *captureStream) Windows() <-chan audio.Window { return c.windows }

// Close stops the input stream, waits for the reader to exit and releases
// the device.
func (c *captureStream) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.stream.Stop()
		select {
		case <-c.exited:
		case <-time.After(time.Second):
			slog.Warn("portaudio: capture reader did not exit", "device", c.device)
		}
		err = c.stream.Close()
		portaudio.Terminate()
	})
	return err
}
