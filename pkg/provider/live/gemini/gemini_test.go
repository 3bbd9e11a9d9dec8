package gemini_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/livevoice/pkg/provider/live"
	"github.com/MrWong99/livevoice/pkg/provider/live/gemini"
	"github.com/coder/websocket"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn; the connection is closed normally
// when the handler returns. The server is automatically closed when the test
// finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// sendSetupComplete reads the setup message and acknowledges it.
func sendSetupComplete(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	var setup map[string]any
	if err := readJSON(conn, &setup); err != nil {
		t.Errorf("read setup: %v", err)
		return nil
	}
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
	return setup
}

// drain reads until the client goes away so close handshakes complete.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.Read(context.Background()); err != nil {
			return
		}
	}
}

// nextEvent waits for one event.
func nextEvent(t *testing.T, c live.Conn) (live.Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		return ev, ok
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
		return live.Event{}, false
	}
}

func dial(t *testing.T, srv *httptest.Server, cfg live.SessionConfig) live.Conn {
	t.Helper()
	d := gemini.New("test-key", gemini.WithBaseURL(wsURL(srv)))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := d.Dial(ctx, cfg)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestDial_SetupMessage(t *testing.T) {
	t.Parallel()

	got := make(chan map[string]any, 1)
	gotQuery := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		gotQuery <- r.URL.Path + "?" + r.URL.RawQuery
		got <- sendSetupComplete(t, conn)
		drain(conn)
	})

	c := dial(t, srv, live.SessionConfig{
		Model:               "test-model",
		Instructions:        "be brief",
		InputTranscription:  true,
		OutputTranscription: true,
	})

	ev, ok := nextEvent(t, c)
	if !ok || ev.Kind != live.EventOpen {
		t.Fatalf("first event = %v (ok=%v), want open", ev.Kind, ok)
	}

	if q := <-gotQuery; !strings.HasSuffix(q, "BidiGenerateContent?key=test-key") {
		t.Errorf("request = %q, want BidiGenerateContent path with key", q)
	}

	setup := (<-got)["setup"].(map[string]any)
	if setup["model"] != "models/test-model" {
		t.Errorf("model = %v, want models/test-model", setup["model"])
	}
	gen := setup["generationConfig"].(map[string]any)
	mods := gen["responseModalities"].([]any)
	if len(mods) != 1 || mods[0] != "AUDIO" {
		t.Errorf("responseModalities = %v, want [AUDIO]", mods)
	}
	voice := gen["speechConfig"].(map[string]any)["voiceConfig"].(map[string]any)["prebuiltVoiceConfig"].(map[string]any)["voiceName"]
	if voice != "Kore" {
		t.Errorf("voiceName = %v, want Kore", voice)
	}
	sys := setup["systemInstruction"].(map[string]any)["parts"].([]any)[0].(map[string]any)["text"]
	if sys != "be brief" {
		t.Errorf("systemInstruction = %v, want %q", sys, "be brief")
	}
	for _, k := range []string{"inputAudioTranscription", "outputAudioTranscription"} {
		if _, ok := setup[k]; !ok {
			t.Errorf("setup missing %s", k)
		}
	}
}

func TestDial_TranscriptionDisabled(t *testing.T) {
	t.Parallel()

	got := make(chan map[string]any, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		got <- sendSetupComplete(t, conn)
		drain(conn)
	})

	dial(t, srv, live.SessionConfig{Voice: "Puck"})
	setup := (<-got)["setup"].(map[string]any)
	if _, ok := setup["inputAudioTranscription"]; ok {
		t.Error("inputAudioTranscription sent although disabled")
	}
	if _, ok := setup["systemInstruction"]; ok {
		t.Error("systemInstruction sent although empty")
	}
	if !strings.Contains(setup["model"].(string), "native-audio") {
		t.Errorf("model = %v, want default model", setup["model"])
	}
}

func TestConn_EventOrderWithinMessage(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendSetupComplete(t, conn)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{"parts": []any{
					map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": "AAAA"}},
					map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": "AQEB"}},
				}},
				"inputTranscription":  map[string]any{"text": "hi"},
				"outputTranscription": map[string]any{"text": "hello"},
				"turnComplete":        true,
				"interrupted":         true,
			},
		})
		drain(conn)
	})

	c := dial(t, srv, live.SessionConfig{})
	want := []live.Event{
		{Kind: live.EventOpen},
		{Kind: live.EventOutputTranscription, Text: "hello"},
		{Kind: live.EventInputTranscription, Text: "hi"},
		{Kind: live.EventTurnComplete},
		{Kind: live.EventAudio, Audio: live.Blob{Data: "AAAA", MIMEType: "audio/pcm;rate=24000"}},
		{Kind: live.EventAudio, Audio: live.Blob{Data: "AQEB", MIMEType: "audio/pcm;rate=24000"}},
		{Kind: live.EventInterrupted},
	}
	for i, w := range want {
		ev, ok := nextEvent(t, c)
		if !ok {
			t.Fatalf("event %d: channel closed", i)
		}
		if ev.Kind != w.Kind || ev.Text != w.Text || ev.Audio != w.Audio {
			t.Errorf("event %d = %+v, want %+v", i, ev, w)
		}
	}
}

func TestConn_SendRealtimeAudio(t *testing.T) {
	t.Parallel()

	got := make(chan map[string]any, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendSetupComplete(t, conn)
		var msg map[string]any
		if err := readJSON(conn, &msg); err != nil {
			t.Errorf("read audio: %v", err)
			return
		}
		got <- msg
	})

	c := dial(t, srv, live.SessionConfig{})
	if err := c.Send(context.Background(), live.Blob{Data: "AAE="}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-got:
		audio := msg["realtimeInput"].(map[string]any)["audio"].(map[string]any)
		if audio["mimeType"] != live.InputMIMEType {
			t.Errorf("mimeType = %v, want %s", audio["mimeType"], live.InputMIMEType)
		}
		if audio["data"] != "AAE=" {
			t.Errorf("data = %v, want AAE=", audio["data"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not receive audio")
	}
}

func TestConn_ServerErrorEndsConnection(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendSetupComplete(t, conn)
		writeJSON(t, conn, map[string]any{
			"error": map[string]any{"code": 429, "message": "quota", "status": "RESOURCE_EXHAUSTED"},
		})
		time.Sleep(100 * time.Millisecond)
	})

	c := dial(t, srv, live.SessionConfig{})
	if ev, _ := nextEvent(t, c); ev.Kind != live.EventOpen {
		t.Fatalf("first event = %v, want open", ev.Kind)
	}
	ev, ok := nextEvent(t, c)
	if !ok || ev.Kind != live.EventError {
		t.Fatalf("event = %v (ok=%v), want error", ev.Kind, ok)
	}
	var se *live.ServerError
	if !errors.As(ev.Err, &se) || se.Code != 429 {
		t.Errorf("Err = %v, want *live.ServerError with code 429", ev.Err)
	}
	if _, ok := nextEvent(t, c); ok {
		t.Error("events channel still open after error")
	}
	if c.Err() == nil {
		t.Error("Err() = nil after server error")
	}
}

func TestConn_ServerCloseEmitsClose(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendSetupComplete(t, conn)
	})

	c := dial(t, srv, live.SessionConfig{})
	if ev, _ := nextEvent(t, c); ev.Kind != live.EventOpen {
		t.Fatalf("first event = %v, want open", ev.Kind)
	}
	ev, ok := nextEvent(t, c)
	if !ok || ev.Kind != live.EventClose {
		t.Fatalf("event = %v (ok=%v), want close", ev.Kind, ok)
	}
	if ev.Reason != "done" {
		t.Errorf("Reason = %q, want done", ev.Reason)
	}
	if _, ok := nextEvent(t, c); ok {
		t.Error("events channel still open after close")
	}
	if err := c.Err(); err != nil {
		t.Errorf("Err() = %v, want nil after clean close", err)
	}
}

func TestConn_CloseIdempotent(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendSetupComplete(t, conn)
		drain(conn)
	})

	c := dial(t, srv, live.SessionConfig{})
	if err := c.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := c.Send(context.Background(), live.Blob{Data: "AA=="}); !errors.Is(err, live.ErrClosed) {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}

	// The channel closes without a terminal event; an EventOpen may still
	// have been buffered before Close.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				return
			}
			if ev.Kind == live.EventClose || ev.Kind == live.EventError {
				t.Errorf("unexpected terminal event %v after local Close", ev.Kind)
			}
		case <-deadline:
			t.Fatal("events channel not closed after Close")
		}
	}
}

func TestDial_Failure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	d := gemini.New("bad-key", gemini.WithBaseURL(wsURL(srv)))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := d.Dial(ctx, live.SessionConfig{}); err == nil {
		t.Fatal("Dial succeeded against a non-WebSocket endpoint")
	}
}

func TestCapabilities(t *testing.T) {
	t.Parallel()

	caps := gemini.New("k").Capabilities()
	if caps.InputSampleRate != 16000 || caps.OutputSampleRate != 24000 {
		t.Errorf("rates = %d/%d, want 16000/24000", caps.InputSampleRate, caps.OutputSampleRate)
	}
	found := false
	for _, v := range caps.Voices {
		if v == live.DefaultVoice {
			found = true
		}
	}
	if !found {
		t.Errorf("Voices %v missing default voice %s", caps.Voices, live.DefaultVoice)
	}
}
