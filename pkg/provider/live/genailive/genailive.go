// Package genailive implements the live.Dialer interface on top of the
// official Google Gen AI SDK (google.golang.org/genai) Live client.
//
// Unlike package gemini, which speaks the BidiGenerateContent JSON protocol
// directly, this transport lets the SDK own the wire format. Audio payloads
// are re-encoded to base64 so both transports present the same
// [live.Event] contract.
package genailive

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/livevoice/pkg/provider/live"
	"github.com/gorilla/websocket"
	"google.golang.org/genai"
)

// Compile-time assertions.
var _ live.Dialer = (*Dialer)(nil)
var _ live.Conn = (*conn)(nil)

const (
	defaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"
	eventBuffer  = 64
)

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithModel sets the default model used when the session config does not
// name one.
func WithModel(model string) Option {
	return func(d *Dialer) { d.model = model }
}

// WithBaseURL overrides the SDK base URL.
func WithBaseURL(url string) Option {
	return func(d *Dialer) { d.baseURL = url }
}

// Dialer implements live.Dialer using genai.Client.Live.
type Dialer struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a Dialer for the Gemini API backend.
func New(apiKey string, opts ...Option) *Dialer {
	d := &Dialer{apiKey: apiKey, model: defaultModel}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Capabilities returns static metadata about the Gemini Live endpoint.
func (d *Dialer) Capabilities() live.Capabilities {
	return live.Capabilities{
		InputSampleRate:  16000,
		OutputSampleRate: 24000,
		Voices:           []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"},
	}
}

// Dial creates an SDK client and connects a live session. The SDK sends the
// setup message as part of Connect.
func (d *Dialer) Dial(ctx context.Context, cfg live.SessionConfig) (live.Conn, error) {
	cc := &genai.ClientConfig{
		APIKey:  d.apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if d.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: d.baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("genailive: client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = d.model
	}
	sess, err := client.Live.Connect(ctx, model, connectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("genailive: connect: %w", err)
	}

	c := &conn{
		sess:   sess,
		events: make(chan live.Event, eventBuffer),
		done:   make(chan struct{}),
	}
	go c.receiveLoop()
	return c, nil
}

// connectConfig translates cfg into the SDK's connect configuration.
func connectConfig(cfg live.SessionConfig) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.VoiceName()},
			},
		},
	}
	if cfg.Instructions != "" {
		lc.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: cfg.Instructions}}}
	}
	if cfg.InputTranscription {
		lc.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.OutputTranscription {
		lc.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return lc
}

// translate converts one SDK message into events in the same order as the
// gemini transport.
func translate(msg *genai.LiveServerMessage) []live.Event {
	var evs []live.Event
	if msg.SetupComplete != nil {
		evs = append(evs, live.Event{Kind: live.EventOpen})
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
			if p == nil || p.InlineData == nil || len(p.InlineData.Data) == 0 {
				continue
			}
			evs = append(evs, live.Event{Kind: live.EventAudio, Audio: live.Blob{
				Data:     base64.StdEncoding.EncodeToString(p.InlineData.Data),
				MIMEType: p.InlineData.MIMEType,
			}})
		}
	}
	if sc.Interrupted {
		evs = append(evs, live.Event{Kind: live.EventInterrupted})
	}
	return evs
}

type conn struct {
	sess   *genai.Session
	events chan live.Event

	writeMu sync.Mutex

	mu     sync.Mutex
	errVal error
	closed bool

	done      chan struct{}
	closeOnce sync.Once
}

func (c *conn) receiveLoop() {
	defer close(c.events)

	for {
		msg, err := c.sess.Receive()
		if err != nil {
			if c.isClosed() {
				return
			}
			c.finish(err)
			return
		}
		if msg.GoAway != nil {
			slog.Warn("genailive: server going away")
		}
		for _, ev := range translate(msg) {
			if !c.emit(ev) {
				return
			}
		}
	}
}

func (c *conn) finish(err error) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && (ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway) {
		c.emit(live.Event{Kind: live.EventClose, Reason: ce.Text})
		return
	}
	err = fmt.Errorf("genailive: receive: %w", err)
	c.mu.Lock()
	if c.errVal == nil {
		c.errVal = err
	}
	c.mu.Unlock()
	c.emit(live.Event{Kind: live.EventError, Err: err})
}

func (c *conn) emit(ev live.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Send decodes b and forwards it as realtime audio input.
func (c *conn) Send(ctx context.Context, b live.Blob) error {
	if c.isClosed() {
		return live.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := base64.StdEncoding.DecodeString(b.Data)
	if err != nil {
		return fmt.Errorf("genailive: decode input: %w", err)
	}
	mime := b.MIMEType
	if mime == "" {
		mime = live.InputMIMEType
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.sess.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: data, MIMEType: mime},
	}); err != nil {
		return fmt.Errorf("genailive: send audio: %w", err)
	}
	return nil
}

// Events returns the channel on which endpoint events arrive.
func (c *conn) Events() <-chan live.Event { return c.events }

// Err returns the error that ended the connection, if any.
func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// Close terminates the session. Idempotent.
func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		err = c.sess.Close()
	})
	return err
}
