// Package config provides the configuration schema, loader, file watcher and
// endpoint registry for livevoice.
package config

import (
	"log/slog"

	"github.com/MrWong99/livevoice/pkg/provider/live"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to the corresponding [slog.Level]. Unknown or empty
// levels map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// SpeakerKind selects the playback backend.
type SpeakerKind string

const (
	// SpeakerPortAudio plays through the system output device.
	SpeakerPortAudio SpeakerKind = "portaudio"

	// SpeakerDiscard times playback against the wall clock without a device.
	SpeakerDiscard SpeakerKind = "discard"
)

// IsValid reports whether s is a recognised speaker kind.
func (s SpeakerKind) IsValid() bool {
	return s == SpeakerPortAudio || s == SpeakerDiscard
}

// Default values applied by [ApplyDefaults].
const (
	DefaultEndpoint         = "gemini-live"
	DefaultModel            = "gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultInputSampleRate  = 16000
	DefaultOutputSampleRate = 24000
	DefaultFrameSize        = 4096
)

// Environment variables consulted when endpoint.api_key is empty, in order.
var APIKeyEnv = []string{"LIVEVOICE_API_KEY", "GEMINI_API_KEY"}

// Config is the root configuration structure for livevoice.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Endpoint EndpointConfig `yaml:"endpoint"`
	Audio    AudioConfig    `yaml:"audio"`
}

// ServerConfig holds logging and admin HTTP settings.
type ServerConfig struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// AdminAddr is the TCP address of the admin HTTP server serving health,
	// status and metrics (e.g., "127.0.0.1:9090"). Empty disables it.
	AdminAddr string `yaml:"admin_addr"`
}

// EndpointConfig selects and configures the live model endpoint.
type EndpointConfig struct {
	// Name selects the registered endpoint implementation ("gemini-live" or
	// "genai-live").
	Name string `yaml:"name"`

	// APIKey authenticates against the endpoint. When empty, the variables in
	// [APIKeyEnv] are consulted.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the endpoint's default address.
	BaseURL string `yaml:"base_url"`

	// Model is the model ID without the "models/" prefix.
	Model string `yaml:"model"`

	// Voice is the prebuilt voice name. Empty selects the endpoint default.
	Voice string `yaml:"voice"`

	// Instructions is the system instruction sent with every session setup.
	Instructions string `yaml:"instructions"`

	// Transcription enables per-direction transcription.
	Transcription TranscriptionConfig `yaml:"transcription"`
}

// TranscriptionConfig toggles transcription of either side of the
// conversation. Both sides are transcribed unless switched off.
type TranscriptionConfig struct {
	Input  bool `yaml:"input"`
	Output bool `yaml:"output"`
}

// Session converts the endpoint section into the setup sent on every Start.
func (e EndpointConfig) Session() live.SessionConfig {
	return live.SessionConfig{
		Model:               e.Model,
		Voice:               e.Voice,
		Instructions:        e.Instructions,
		InputTranscription:  e.Transcription.Input,
		OutputTranscription: e.Transcription.Output,
	}
}

// AudioConfig holds capture and playback device settings.
type AudioConfig struct {
	// InputSampleRate is the capture rate. The endpoint expects 16000.
	InputSampleRate int `yaml:"input_sample_rate"`

	// OutputSampleRate is the rate of model audio. The endpoint sends 24000.
	OutputSampleRate int `yaml:"output_sample_rate"`

	// FrameSize is the number of samples per capture window.
	FrameSize int `yaml:"frame_size"`

	// InputDevice selects the capture device by case-insensitive name
	// substring. Empty uses the system default.
	InputDevice string `yaml:"input_device"`

	// OutputDevice selects the playback device the same way.
	OutputDevice string `yaml:"output_device"`

	// OutputDeviceRate overrides the playback device's sample rate. Zero uses
	// the device default.
	OutputDeviceRate int `yaml:"output_device_rate"`

	// Speaker selects the playback backend.
	Speaker SpeakerKind `yaml:"speaker"`
}
