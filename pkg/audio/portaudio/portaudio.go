// Package portaudio implements [audio.Microphone] and [audio.Speaker] on top
// of the PortAudio C library via github.com/gordonklaus/portaudio.
//
// Building this package requires cgo and the PortAudio development headers
// (pkg-config portaudio-2.0).
package portaudio

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gordonklaus/portaudio"
)

// ErrNoDevice is returned when no device matches the requested name or no
// default device exists.
var ErrNoDevice = errors.New("portaudio: no matching device")

// DeviceInfo describes one host audio device.
type DeviceInfo struct {
	Name              string
	HostAPI           string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
	InputLatency      time.Duration
	OutputLatency     time.Duration
}

// Devices lists all devices known to PortAudio.
func Devices() ([]DeviceInfo, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	defer portaudio.Terminate()

	devs, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	out := make([]DeviceInfo, 0, len(devs))
	for _, d := range devs {
		info := DeviceInfo{
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			MaxOutputChannels: d.MaxOutputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
			InputLatency:      d.DefaultLowInputLatency,
			OutputLatency:     d.DefaultLowOutputLatency,
		}
		if d.HostApi != nil {
			info.HostAPI = d.HostApi.Name
		}
		out = append(out, info)
	}
	return out, nil
}

// findDevice returns the first device whose name contains name
// (case-insensitive) and which has at least one channel in the requested
// direction. An empty name selects the host default device. PortAudio must be
// initialised by the caller.
func findDevice(name string, input bool) (*portaudio.DeviceInfo, error) {
	if name == "" {
		var (
			d   *portaudio.DeviceInfo
			err error
		)
		if input {
			d, err = portaudio.DefaultInputDevice()
		} else {
			d, err = portaudio.DefaultOutputDevice()
		}
		if err != nil || d == nil {
			return nil, fmt.Errorf("%w: default %s device: %v", ErrNoDevice, direction(input), err)
		}
		return d, nil
	}

	devs, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	needle := strings.ToLower(name)
	for _, d := range devs {
		if input && d.MaxInputChannels < 1 {
			continue
		}
		if !input && d.MaxOutputChannels < 1 {
			continue
		}
		if strings.Contains(strings.ToLower(d.Name), needle) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %s device %q", ErrNoDevice, direction(input), name)
}

func direction(input bool) string {
	if input {
		return "input"
	}
	return "output"
}
