// Package gemini implements the live.Dialer interface for Google's Gemini Live
// API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Microphone audio is sent as base64 PCM realtime input; model audio
// and transcription deltas are surfaced as [live.Event]s.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/MrWong99/livevoice/pkg/provider/live"
	"github.com/coder/websocket"
)

// Compile-time assertions that Dialer and conn satisfy the live interfaces.
var _ live.Dialer = (*Dialer)(nil)
var _ live.Conn = (*conn)(nil)

const (
	defaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	servicePath    = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	eventBuffer = 64

	// readLimit bounds a single server message. Audio fragments are small
	// but the default limit of 32 KiB is too tight for multi-part turns.
	readLimit = 4 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithModel sets the default Gemini model used when the session config does
// not name one.
func WithModel(model string) Option {
	return func(d *Dialer) { d.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(d *Dialer) { d.baseURL = url }
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dialer) { d.httpClient = c }
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer implements live.Dialer for Google's Gemini Live API.
type Dialer struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// New creates a new Gemini Live Dialer with the given API key and options.
func New(apiKey string, opts ...Option) *Dialer {
	d := &Dialer{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Capabilities returns static metadata about the Gemini Live endpoint.
func (d *Dialer) Capabilities() live.Capabilities {
	return live.Capabilities{
		InputSampleRate:    16000,
		OutputSampleRate:   24000,
		MaxSessionDuration: 15 * time.Minute,
		Voices:             []string{"Aoede", "Charon", "Fenrir", "Kore", "Leda", "Orus", "Puck", "Zephyr"},
	}
}

// Dial opens the WebSocket, sends the setup message and starts the receive
// and keepalive loops. EventOpen follows once the server answers with
// setupComplete.
func (d *Dialer) Dial(ctx context.Context, cfg live.SessionConfig) (live.Conn, error) {
	wsURL := d.baseURL + servicePath + "?key=" + url.QueryEscape(d.apiKey)

	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: d.httpClient,
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	ws.SetReadLimit(readLimit)

	connCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:     ws,
		events: make(chan live.Event, eventBuffer),
		ctx:    connCtx,
		cancel: cancel,
	}

	model := cfg.Model
	if model == "" {
		model = d.model
	}
	if err := c.writeJSON(ctx, buildSetup(model, cfg)); err != nil {
		cancel()
		ws.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go c.receiveLoop()
	go c.keepaliveLoop()

	return c, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *content         `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string     `json:"responseModalities"`
	SpeechConfig       speechConfig `json:"speechConfig"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	Audio inlineData `json:"audio"`
}

// buildSetup translates cfg into the BidiGenerateContent setup message.
func buildSetup(model string, cfg live.SessionConfig) setupMessage {
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
				SpeechConfig: speechConfig{
					VoiceConfig: voiceConfig{
						PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.VoiceName()},
					},
				},
			},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &content{Parts: []part{{Text: cfg.Instructions}}}
	}
	if cfg.InputTranscription {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.OutputTranscription {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}
	return msg
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

// translate converts one server message into events, in the order consumers
// rely on: setup, error, output transcription, input transcription, turn
// complete, audio parts, interrupted.
func translate(msg *serverMessage) []live.Event {
	var evs []live.Event
	if msg.SetupComplete != nil {
		evs = append(evs, live.Event{Kind: live.EventOpen})
	}
	if msg.Error != nil {
		evs = append(evs, live.Event{Kind: live.EventError, Err: &live.ServerError{
			Code:    msg.Error.Code,
			Status:  msg.Error.Status,
			Message: msg.Error.Message,
		}})
	}
	sc := msg.ServerContent
	if sc == nil {
		return evs
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		evs = append(evs, live.Event{Kind: live.EventOutputTranscription, Text: sc.OutputTranscription.Text})
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		evs = append(evs, live.Event{Kind: live.EventInputTranscription, Text: sc.InputTranscription.Text})
	}
	if sc.TurnComplete {
		evs = append(evs, live.Event{Kind: live.EventTurnComplete})
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			evs = append(evs, live.Event{Kind: live.EventAudio, Audio: live.Blob{
				Data:     p.InlineData.Data,
				MIMEType: p.InlineData.MIMEType,
			}})
		}
	}
	if sc.Interrupted {
		evs = append(evs, live.Event{Kind: live.EventInterrupted})
	}
	return evs
}

// ── conn ───────────────────────────────────────────────────────────────────────

type conn struct {
	ws     *websocket.Conn
	events chan live.Event

	writeMu sync.Mutex

	mu     sync.Mutex
	errVal error
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *conn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and forwards them as events.
// It owns the events channel and closes it when it exits.
func (c *conn) receiveLoop() {
	defer close(c.events)

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			// Closed locally: no terminal event.
			if c.ctx.Err() != nil {
				return
			}
			c.finish(err)
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("gemini: skipping malformed server message", "err", err)
			continue
		}
		if msg.GoAway != nil {
			slog.Warn("gemini: server going away", "time_left", msg.GoAway.TimeLeft)
		}

		for _, ev := range translate(&msg) {
			if !c.emit(ev) {
				return
			}
		}
		if msg.Error != nil {
			c.setErr(&live.ServerError{Code: msg.Error.Code, Status: msg.Error.Status, Message: msg.Error.Message})
			c.ws.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

// finish emits the terminal event for a read error: EventClose for a normal
// closure by the server, EventError otherwise.
func (c *conn) finish(err error) {
	switch status := websocket.CloseStatus(err); status {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		var ce websocket.CloseError
		reason := ""
		if errors.As(err, &ce) {
			reason = ce.Reason
		}
		c.emit(live.Event{Kind: live.EventClose, Reason: reason})
	default:
		err = fmt.Errorf("gemini: read: %w", err)
		c.setErr(err)
		c.emit(live.Event{Kind: live.EventError, Err: err})
	}
}

// emit delivers ev unless the connection is closed locally.
func (c *conn) emit(ev live.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (c *conn) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			if err := c.ws.Ping(pingCtx); err != nil && c.ctx.Err() == nil {
				slog.Debug("gemini: keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

func (c *conn) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errVal == nil {
		c.errVal = err
	}
}

// ── live.Conn methods ──────────────────────────────────────────────────────────

// Send delivers one base64 PCM blob as realtime input.
func (c *conn) Send(ctx context.Context, b live.Blob) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return live.ErrClosed
	}
	c.mu.Unlock()

	mime := b.MIMEType
	if mime == "" {
		mime = live.InputMIMEType
	}
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			Audio: inlineData{MIMEType: mime, Data: b.Data},
		},
	}
	if err := c.writeJSON(ctx, msg); err != nil {
		return fmt.Errorf("gemini: send audio: %w", err)
	}
	return nil
}

// Events returns the channel on which endpoint events arrive.
func (c *conn) Events() <-chan live.Event { return c.events }

// Err returns the first non-nil error that caused the connection to end.
func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel() // unblocks receiveLoop and keepaliveLoop
	c.ws.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
