package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/MrWong99/livevoice/internal/app"
	"github.com/MrWong99/livevoice/internal/config"
	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/audio/portaudio"
	"github.com/MrWong99/livevoice/pkg/provider/live"
	"github.com/MrWong99/livevoice/pkg/provider/live/gemini"
	"github.com/MrWong99/livevoice/pkg/provider/live/genailive"
	"github.com/spf13/cobra"
)

// Session flags override the config file.
var (
	flagEndpoint     string
	flagModel        string
	flagVoice        string
	flagInstructions string
	flagTranscribe   optionalBool
	flagAdminAddr    string
	flagDiscard      bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the console voice chat",
	Long: `Start the console voice chat.

Enter toggles a session, s prints the session status and q quits. Transcripts
of both sides are printed when transcription is enabled. When a config file is
used, edits to the log level, model, voice, instructions and transcription
toggles apply to the next session without restarting.`,
	RunE: runRun,
}

func init() {
	addRunFlags(runCmd)
}

func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&flagEndpoint, "endpoint", "", "endpoint implementation: gemini-live or genai-live")
	f.StringVar(&flagModel, "model", "", "model ID")
	f.StringVar(&flagVoice, "voice", "", "prebuilt voice name")
	f.StringVar(&flagInstructions, "instructions", "", "system instruction")
	f.Var(&flagTranscribe, "transcribe", "transcribe both sides; --transcribe=false turns it off")
	f.Lookup("transcribe").NoOptDefVal = "true"
	f.StringVar(&flagAdminAddr, "admin-addr", "", "serve /healthz, /readyz, /status and /metrics on this address")
	f.BoolVar(&flagDiscard, "no-playback", false, "time model audio without playing it")
}

// optionalBool is a boolean flag that remembers whether it was given, so an
// absent flag leaves the config value untouched.
type optionalBool struct {
	set, value bool
}

func (b *optionalBool) String() string {
	if !b.set {
		return ""
	}
	return strconv.FormatBool(b.value)
}

func (b *optionalBool) Set(s string) error {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	b.set, b.value = true, v
	return nil
}

func (b *optionalBool) Type() string { return "bool" }

// applyOverrides copies the session flags onto cfg.
func applyOverrides(cfg *config.Config) {
	if flagEndpoint != "" {
		cfg.Endpoint.Name = flagEndpoint
	}
	if flagModel != "" {
		cfg.Endpoint.Model = flagModel
	}
	if flagVoice != "" {
		cfg.Endpoint.Voice = flagVoice
	}
	if flagInstructions != "" {
		cfg.Endpoint.Instructions = flagInstructions
	}
	if flagTranscribe.set {
		on := flagTranscribe.value
		cfg.Endpoint.Transcription = config.TranscriptionConfig{Input: on, Output: on}
	}
	if flagAdminAddr != "" {
		cfg.Server.AdminAddr = flagAdminAddr
	}
	if flagDiscard {
		cfg.Audio.Speaker = config.SpeakerDiscard
	}
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	applyOverrides(cfg)
	level := effectiveLevel(cfg)
	if !level.IsValid() {
		return fmt.Errorf("invalid log level %q", level)
	}
	cfg.Server.LogLevel = level
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if err := config.RequireAPIKey(cfg); err != nil {
		return err
	}
	lv := newLogger(level)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	reg := config.NewRegistry()
	registerBuiltinDialers(reg)
	dialer, err := reg.CreateDialer(cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("create endpoint %q: %w", cfg.Endpoint.Name, err)
	}

	spk, closeSpeaker := newSpeaker(cfg.Audio)
	devices := app.Devices{
		Mic:     portaudio.NewMicrophone(cfg.Audio.InputDevice),
		Speaker: spk,
	}

	a, err := app.New(cfg, dialer, devices,
		app.WithTelemetry(tel),
		app.WithMetrics(observe.DefaultMetrics()),
		app.WithLevelVar(lv),
		app.WithCloser(closeSpeaker),
	)
	if err != nil {
		return err
	}

	if path != "" {
		w, err := config.NewWatcher(path, a.ApplyConfig, config.WithPrepare(func(c *config.Config) {
			applyOverrides(c)
			if verbose || logLevel != "" {
				c.Server.LogLevel = level
			}
		}))
		if err != nil {
			slog.Warn("config reload disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	printStartupSummary(cmd, cfg, dialer.Capabilities())

	runErr := a.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	slog.Info("goodbye")
	return nil
}

// registerBuiltinDialers wires the built-in endpoint implementations into reg.
func registerBuiltinDialers(reg *config.Registry) {
	reg.RegisterDialer("gemini-live", func(e config.EndpointConfig) (live.Dialer, error) {
		var opts []gemini.Option
		if e.Model != "" {
			opts = append(opts, gemini.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(e.BaseURL))
		}
		return gemini.New(e.APIKey, opts...), nil
	})

	reg.RegisterDialer("genai-live", func(e config.EndpointConfig) (live.Dialer, error) {
		var opts []genailive.Option
		if e.Model != "" {
			opts = append(opts, genailive.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, genailive.WithBaseURL(e.BaseURL))
		}
		return genailive.New(e.APIKey, opts...), nil
	})

	for _, name := range reg.Names() {
		slog.Debug("registered endpoint", "name", name)
	}
}

// newSpeaker opens the configured playback backend. A portaudio failure
// falls back to a discarding speaker so sessions still run.
func newSpeaker(cfg config.AudioConfig) (audio.Speaker, func() error) {
	if cfg.Speaker == config.SpeakerDiscard {
		return audio.NewDiscardSpeaker(), func() error { return nil }
	}
	var opts []portaudio.SpeakerOption
	if cfg.OutputDevice != "" {
		opts = append(opts, portaudio.WithOutputDevice(cfg.OutputDevice))
	}
	if cfg.OutputDeviceRate > 0 {
		opts = append(opts, portaudio.WithDeviceRate(cfg.OutputDeviceRate))
	}
	spk, err := portaudio.NewSpeaker(opts...)
	if err != nil {
		slog.Warn("no playback device, model audio will not be heard", "err", err)
		return audio.NewDiscardSpeaker(), func() error { return nil }
	}
	return spk, spk.Close
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cmd *cobra.Command, cfg *config.Config, caps live.Capabilities) {
	out := cmd.OutOrStdout()
	voice := cfg.Endpoint.Voice
	if voice == "" {
		voice = live.DefaultVoice + " (default)"
	}
	transcripts := "off"
	if cfg.Endpoint.Transcription.Input || cfg.Endpoint.Transcription.Output {
		transcripts = "on"
	}
	fmt.Fprintf(out, "livevoice %s\n", version)
	fmt.Fprintf(out, "  endpoint    : %s\n", cfg.Endpoint.Name)
	fmt.Fprintf(out, "  model       : %s\n", cfg.Endpoint.Model)
	fmt.Fprintf(out, "  voice       : %s\n", voice)
	fmt.Fprintf(out, "  transcripts : %s\n", transcripts)
	fmt.Fprintf(out, "  audio       : %d Hz in / %d Hz out\n", caps.InputSampleRate, caps.OutputSampleRate)
	if cfg.Server.AdminAddr != "" {
		fmt.Fprintf(out, "  admin       : %s\n", cfg.Server.AdminAddr)
	}
	if caps.MaxSessionDuration > 0 {
		fmt.Fprintf(out, "  max session : %s\n", caps.MaxSessionDuration)
	}
	fmt.Fprintln(out)
}
