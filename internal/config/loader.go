package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidEndpointNames lists the endpoint implementations known to livevoice.
// Used by [Validate] to warn about unrecognised names.
var ValidEndpointNames = []string{"gemini-live", "genai-live"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := newConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := newConfig()
	ApplyDefaults(cfg)
	return cfg
}

// newConfig returns the value a YAML document is decoded onto. Boolean
// settings that default to true are preset here, since a decoded false is
// indistinguishable from an absent key afterwards.
func newConfig() *Config {
	return &Config{
		Endpoint: EndpointConfig{
			Transcription: TranscriptionConfig{Input: true, Output: true},
		},
	}
}

// ApplyDefaults fills every unset field of cfg with its default value and
// resolves the API key from the environment when it is not set. Boolean
// fields are left alone; see [Default] for their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Endpoint.Name == "" {
		cfg.Endpoint.Name = DefaultEndpoint
	}
	if cfg.Endpoint.Model == "" {
		cfg.Endpoint.Model = DefaultModel
	}
	if cfg.Endpoint.APIKey == "" {
		for _, env := range APIKeyEnv {
			if v := os.Getenv(env); v != "" {
				cfg.Endpoint.APIKey = v
				break
			}
		}
	}
	if cfg.Audio.InputSampleRate == 0 {
		cfg.Audio.InputSampleRate = DefaultInputSampleRate
	}
	if cfg.Audio.OutputSampleRate == 0 {
		cfg.Audio.OutputSampleRate = DefaultOutputSampleRate
	}
	if cfg.Audio.FrameSize == 0 {
		cfg.Audio.FrameSize = DefaultFrameSize
	}
	if cfg.Audio.Speaker == "" {
		cfg.Audio.Speaker = SpeakerPortAudio
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Endpoint
	if cfg.Endpoint.Name != "" && !slices.Contains(ValidEndpointNames, cfg.Endpoint.Name) {
		slog.Warn("unknown endpoint name, may be a typo or a third-party registration",
			"name", cfg.Endpoint.Name,
			"known", ValidEndpointNames,
		)
	}

	// Audio
	if cfg.Audio.InputSampleRate != DefaultInputSampleRate {
		errs = append(errs, fmt.Errorf("audio.input_sample_rate %d is unsupported; the endpoint expects %d", cfg.Audio.InputSampleRate, DefaultInputSampleRate))
	}
	if cfg.Audio.OutputSampleRate != DefaultOutputSampleRate {
		errs = append(errs, fmt.Errorf("audio.output_sample_rate %d is unsupported; the endpoint sends %d", cfg.Audio.OutputSampleRate, DefaultOutputSampleRate))
	}
	if cfg.Audio.FrameSize < 256 || cfg.Audio.FrameSize > 16384 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d is out of range [256, 16384]", cfg.Audio.FrameSize))
	}
	if cfg.Audio.OutputDeviceRate < 0 {
		errs = append(errs, fmt.Errorf("audio.output_device_rate %d must not be negative", cfg.Audio.OutputDeviceRate))
	}
	if cfg.Audio.Speaker != "" && !cfg.Audio.Speaker.IsValid() {
		errs = append(errs, fmt.Errorf("audio.speaker %q is invalid; valid values: portaudio, discard", cfg.Audio.Speaker))
	}

	return errors.Join(errs...)
}

// RequireAPIKey reports an error when no API key was configured or found in
// the environment.
func RequireAPIKey(cfg *Config) error {
	if cfg.Endpoint.APIKey == "" {
		return fmt.Errorf("config: endpoint.api_key is empty and none of %v is set", APIKeyEnv)
	}
	return nil
}
