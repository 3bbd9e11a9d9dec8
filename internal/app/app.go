// Package app wires the livevoice subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the session controller
// and the admin HTTP server, Run serves the console and admin endpoints
// until the context ends or the user quits, and Shutdown tears everything
// down in order.
//
// For testing, inject mock devices and dialers through [New] and a scripted
// console through [WithConsole].
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/livevoice/internal/config"
	"github.com/MrWong99/livevoice/internal/health"
	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/internal/voice"
	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/live"
	"golang.org/x/sync/errgroup"
)

// Devices holds the audio devices the session controller drives.
type Devices struct {
	Mic     audio.Microphone
	Speaker audio.Speaker
}

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	dialer  live.Dialer
	devices Devices

	ctrl      *voice.Controller
	metrics   *observe.Metrics
	telemetry *observe.Telemetry
	level     *slog.LevelVar

	in  io.Reader
	out io.Writer
	con *console

	admin     *http.Server
	adminAddr chan string

	// closers are called in order by Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for [New].
type Option func(*App)

// WithConsole sets the console input and output. Defaults to stdin and
// stdout.
func WithConsole(in io.Reader, out io.Writer) Option {
	return func(a *App) {
		a.in = in
		a.out = out
	}
}

// WithTelemetry serves telemetry's Prometheus registry on /metrics and
// shuts it down on Shutdown.
func WithTelemetry(t *observe.Telemetry) Option {
	return func(a *App) { a.telemetry = t }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets config reloads change the log level.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithCloser registers fn to be called on Shutdown after the session has
// been stopped.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// New builds the application from cfg. The dialer and devices are
// constructed by the caller so tests can inject mocks.
func New(cfg *config.Config, dialer live.Dialer, devices Devices, opts ...Option) (*App, error) {
	if dialer == nil {
		return nil, errors.New("app: dialer is required")
	}
	if devices.Mic == nil || devices.Speaker == nil {
		return nil, errors.New("app: microphone and speaker are required")
	}

	a := &App{
		cfg:       cfg,
		dialer:    dialer,
		devices:   devices,
		in:        os.Stdin,
		out:       os.Stdout,
		adminAddr: make(chan string, 1),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.con = newConsole(a.in, a.out)

	a.ctrl = voice.NewController(devices.Mic, devices.Speaker, dialer,
		voice.WithSessionConfig(cfg.Endpoint.Session()),
		voice.WithCapture(cfg.Audio.InputSampleRate, cfg.Audio.FrameSize),
		voice.WithMetrics(a.metrics),
		voice.WithStateListener(a.con.state),
		voice.WithTranscriptListener(a.con.transcript),
		voice.WithErrorListener(a.con.error),
	)

	if cfg.Server.AdminAddr != "" {
		a.admin = &http.Server{
			Addr:              cfg.Server.AdminAddr,
			Handler:           a.adminHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return a, nil
}

// Controller returns the session controller.
func (a *App) Controller() *voice.Controller { return a.ctrl }

// AdminAddr returns the address the admin server listens on once Run has
// bound it. It blocks until then or until ctx ends.
func (a *App) AdminAddr(ctx context.Context) (string, error) {
	if a.admin == nil {
		return "", errors.New("app: admin server disabled")
	}
	select {
	case addr := <-a.adminAddr:
		a.adminAddr <- addr
		return addr, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// adminHandler builds the admin mux: health, readiness, status and metrics.
func (a *App) adminHandler() http.Handler {
	mux := http.NewServeMux()
	health.New(
		health.WithCheck("endpoint", a.checkEndpoint),
		health.WithCheck("session", a.checkSession),
		health.WithStatus(func() any { return a.ctrl.Status() }),
	).Register(mux)
	if a.telemetry != nil {
		mux.Handle("GET /metrics", a.telemetry.MetricsHandler())
	}
	return observe.Middleware(a.metrics, observe.WithSessionLookup(a.ctrl.SessionID))(mux)
}

func (a *App) checkEndpoint(context.Context) error {
	if a.cfg.Endpoint.APIKey == "" {
		return errors.New("no api key configured")
	}
	return nil
}

func (a *App) checkSession(context.Context) error {
	if st := a.ctrl.State(); st == voice.StateErrored {
		return errors.New("last session errored")
	}
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the console and the admin server and blocks until ctx is
// cancelled or the user quits. Any live session is stopped before Run
// returns. Quitting returns nil; cancellation returns ctx's error.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.admin != nil {
		ln, err := net.Listen("tcp", a.admin.Addr)
		if err != nil {
			return fmt.Errorf("app: listen admin %q: %w", a.admin.Addr, err)
		}
		a.adminAddr <- ln.Addr().String()
		slog.Info("admin server listening", "addr", ln.Addr().String())

		g.Go(func() error {
			if err := a.admin.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.admin.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error { return a.con.run(gctx, a) })

	err := g.Wait()
	a.ctrl.Stop()
	if errors.Is(err, errQuit) {
		return nil
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

// Toggle starts a session when none is live and stops the live one
// otherwise.
func (a *App) Toggle(ctx context.Context) error {
	if a.ctrl.Active() {
		a.ctrl.Stop()
		return nil
	}
	return a.ctrl.Start(ctx)
}

// ApplyConfig applies the hot-reloadable parts of a config change: the log
// level and the session setup used by the next Start.
func (a *App) ApplyConfig(ch config.Change) {
	d, updated := ch.Diff, ch.New
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged {
		a.ctrl.SetSessionConfig(updated.Endpoint.Session())
		slog.Info("session setup updated; applies to the next session",
			"model", updated.Endpoint.Model,
			"voice", updated.Endpoint.Voice,
		)
	}
	for _, field := range d.RestartRequired {
		slog.Warn("config change requires a restart", "field", field)
	}
}

// Shutdown stops the session and runs the registered closers in order. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.ctrl.Stop()

		closers := a.closers
		if a.telemetry != nil {
			closers = append(closers, func() error { return a.telemetry.Shutdown(ctx) })
		}
		slog.Info("shutting down", "closers", len(closers))

		for i, closer := range closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
