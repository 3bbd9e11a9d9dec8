package audio

import "time"

// Default stream parameters of a live voice session.
const (
	// InputSampleRate is the microphone capture rate expected by the endpoint.
	InputSampleRate = 16000

	// OutputSampleRate is the rate of model audio delivered by the endpoint.
	OutputSampleRate = 24000

	// WindowSize is the number of samples in one capture window.
	WindowSize = 4096
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Window is one fixed-size block of mono float samples delivered by a
// [CaptureStream]. Samples are nominally in [-1, 1]. A Window is never
// modified after it has been delivered.
type Window struct {
	// Samples holds the captured mono samples.
	Samples []float32

	// SampleRate in Hz (16000 for live sessions).
	SampleRate int

	// Timestamp marks when this window was captured, relative to stream start.
	Timestamp time.Duration
}

// Frame is a block of little-endian signed 16-bit PCM. It is the encoded form
// of a captured [Window] and the payload of a [PlaybackChunk].
type Frame struct {
	// Data holds s16le PCM samples, interleaved when Channels > 1.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of sample frames (per channel) held in f.
func (f Frame) Samples() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return len(f.Data) / (2 * ch)
}

// Duration returns the playback duration of f at its sample rate.
func (f Frame) Duration() time.Duration {
	return SamplesDuration(f.Samples(), f.SampleRate)
}

// PlaybackChunk is one decoded fragment of model audio waiting for, or in,
// playback. Seq increases by one for every chunk decoded within a session.
type PlaybackChunk struct {
	Seq      uint64
	Frame    Frame
	Duration time.Duration
}

// SamplesDuration converts a sample count at rate Hz into a duration,
// rounded to the nearest nanosecond. It returns zero for a non-positive rate.
func SamplesDuration(samples, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	r := int64(rate)
	return time.Duration((int64(samples)*int64(time.Second) + r/2) / r)
}
