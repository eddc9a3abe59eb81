package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/greensteps/voicecoach/pkg/realtime"
	"github.com/greensteps/voicecoach/pkg/realtime/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
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
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
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

// acceptSetup consumes the client's setup message and acknowledges it.
func acceptSetup(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var setup map[string]any
	readJSON(t, conn, &setup)
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// waitForClose blocks until the client closes the connection.
func waitForClose(conn *websocket.Conn) {
	<-conn.CloseRead(context.Background()).Done()
}

func dial(t *testing.T, srv *httptest.Server, opts ...gemini.Option) realtime.Channel {
	t.Helper()
	d := gemini.New(append([]gemini.Option{gemini.WithBaseURL(wsURL(srv))}, opts...)...)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ch, err := d.Dial(ctx, realtime.DialConfig{Token: "tok-123", Model: "test-model"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

// next returns the next inbound message or fails the test after a timeout.
func next(t *testing.T, ch realtime.Channel) realtime.Message {
	t.Helper()
	select {
	case m, ok := <-ch.Messages():
		if !ok {
			t.Fatal("message channel closed unexpectedly")
		}
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return realtime.Message{}
}

// expectClosed fails unless the message channel is closed.
func expectClosed(t *testing.T, ch realtime.Channel) {
	t.Helper()
	select {
	case m, ok := <-ch.Messages():
		if ok {
			t.Fatalf("expected closed channel, got %v message", m.Kind)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

// ── Dial ──────────────────────────────────────────────────────────────────────

func TestDial_UsesEphemeralTokenEndpoint(t *testing.T) {
	t.Parallel()

	type request struct {
		path  string
		token string
		model string
		modes []string
	}
	got := make(chan request, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		var msg struct {
			Setup struct {
				Model            string `json:"model"`
				GenerationConfig struct {
					ResponseModalities []string `json:"responseModalities"`
				} `json:"generationConfig"`
			} `json:"setup"`
		}
		readJSON(t, conn, &msg)
		got <- request{
			path:  r.URL.Path,
			token: r.URL.Query().Get("access_token"),
			model: msg.Setup.Model,
			modes: msg.Setup.GenerationConfig.ResponseModalities,
		}
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		waitForClose(conn)
	})

	dial(t, srv)

	req := <-got
	if !strings.HasSuffix(req.path, "BidiGenerateContentConstrained") {
		t.Errorf("path = %q, want constrained endpoint", req.path)
	}
	if req.token != "tok-123" {
		t.Errorf("access_token = %q, want tok-123", req.token)
	}
	if req.model != "models/test-model" {
		t.Errorf("model = %q, want models/test-model", req.model)
	}
	if len(req.modes) != 1 || req.modes[0] != "AUDIO" {
		t.Errorf("responseModalities = %v, want [AUDIO]", req.modes)
	}
}

func TestDial_WithoutCredentials_ReturnsError(t *testing.T) {
	t.Parallel()

	d := gemini.New(gemini.WithBaseURL("ws://127.0.0.1:1"))
	if _, err := d.Dial(context.Background(), realtime.DialConfig{}); err == nil {
		t.Fatal("expected error without token or API key")
	}
}

func TestDial_APIKeyFallback(t *testing.T) {
	t.Parallel()

	keyCh := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		keyCh <- r.URL.Query().Get("key")
		acceptSetup(t, conn)
		waitForClose(conn)
	})

	d := gemini.New(gemini.WithBaseURL(wsURL(srv)), gemini.WithAPIKey("dev-key"))
	ch, err := d.Dial(context.Background(), realtime.DialConfig{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	if key := <-keyCh; key != "dev-key" {
		t.Errorf("key = %q, want dev-key", key)
	}
}

func TestDial_SetupRejected_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 401, "message": "token expired"}})
		waitForClose(conn)
	})

	d := gemini.New(gemini.WithBaseURL(wsURL(srv)))
	_, err := d.Dial(context.Background(), realtime.DialConfig{Token: "stale"})
	if err == nil || !strings.Contains(err.Error(), "token expired") {
		t.Fatalf("err = %v, want setup rejection", err)
	}
}

func TestDial_SetupTimeout(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		waitForClose(conn)
	})

	d := gemini.New(gemini.WithBaseURL(wsURL(srv)), gemini.WithSetupTimeout(100*time.Millisecond))
	start := time.Now()
	_, err := d.Dial(context.Background(), realtime.DialConfig{Token: "tok"})
	if err == nil {
		t.Fatal("expected setup timeout")
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("Dial took %v, want bounded by setup timeout", time.Since(start))
	}
}

func TestDial_CancelledContext_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		waitForClose(conn)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := gemini.New(gemini.WithBaseURL(wsURL(srv)))
	if _, err := d.Dial(ctx, realtime.DialConfig{Token: "tok"}); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

// ── Outbound ──────────────────────────────────────────────────────────────────

func TestSendAudio_EncodesRealtimeInput(t *testing.T) {
	t.Parallel()

	type audioMsg struct {
		RealtimeInput struct {
			Audio struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"audio"`
		} `json:"realtimeInput"`
	}
	got := make(chan []audioMsg, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		var msgs []audioMsg
		for range 3 {
			var m audioMsg
			readJSON(t, conn, &m)
			msgs = append(msgs, m)
		}
		got <- msgs
		waitForClose(conn)
	})

	ch := dial(t, srv)
	for i := range 3 {
		if err := ch.SendAudio([]byte{byte(i), 0x01, 0x02, 0x03}); err != nil {
			t.Fatalf("SendAudio: %v", err)
		}
	}

	msgs := <-got
	for i, m := range msgs {
		if m.RealtimeInput.Audio.MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("msg %d mimeType = %q", i, m.RealtimeInput.Audio.MIMEType)
		}
		raw, err := base64.StdEncoding.DecodeString(m.RealtimeInput.Audio.Data)
		if err != nil {
			t.Fatalf("msg %d: bad base64: %v", i, err)
		}
		if len(raw) != 4 || raw[0] != byte(i) {
			t.Errorf("msg %d payload = %v, want ordered chunk %d", i, raw, i)
		}
	}
}

func TestSendText_SendsCompleteUserTurn(t *testing.T) {
	t.Parallel()

	type contentMsg struct {
		ClientContent struct {
			Turns []struct {
				Role  string `json:"role"`
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"turns"`
			TurnComplete bool `json:"turnComplete"`
		} `json:"clientContent"`
	}
	got := make(chan contentMsg, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		var m contentMsg
		readJSON(t, conn, &m)
		got <- m
		waitForClose(conn)
	})

	ch := dial(t, srv)
	if err := ch.SendText("Say hello to the learner."); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	m := <-got
	if !m.ClientContent.TurnComplete {
		t.Error("turnComplete = false, want true")
	}
	if len(m.ClientContent.Turns) != 1 || m.ClientContent.Turns[0].Role != "user" {
		t.Fatalf("turns = %+v, want one user turn", m.ClientContent.Turns)
	}
	if text := m.ClientContent.Turns[0].Parts[0].Text; text != "Say hello to the learner." {
		t.Errorf("text = %q", text)
	}
}

func TestSendAudio_AfterClose_ReturnsErrClosed(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		waitForClose(conn)
	})

	ch := dial(t, srv)
	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ch.SendAudio([]byte{0, 0}); !errors.Is(err, realtime.ErrClosed) {
		t.Errorf("SendAudio after close: err = %v, want ErrClosed", err)
	}
	if err := ch.SendText("hi"); !errors.Is(err, realtime.ErrClosed) {
		t.Errorf("SendText after close: err = %v, want ErrClosed", err)
	}
}

func TestSendAudio_ServerCloseMidStreamReturnsErrClosed(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		var first map[string]any
		readJSON(t, conn, &first)
		// Returning closes with StatusNormalClosure while the client is
		// still writing.
	})

	ch := dial(t, srv)
	deadline := time.Now().Add(5 * time.Second)
	var err error
	for err == nil {
		if time.Now().After(deadline) {
			t.Fatal("SendAudio kept succeeding after the server closed")
		}
		err = ch.SendAudio(make([]byte, 320))
	}
	if !errors.Is(err, realtime.ErrClosed) {
		t.Fatalf("SendAudio after server close: err = %v, want ErrClosed", err)
	}
	if m := next(t, ch); m.Kind != realtime.KindClosed {
		t.Errorf("terminal kind = %v (err %v), want closed", m.Kind, m.Err)
	}
	if err := ch.SendText("still there?"); !errors.Is(err, realtime.ErrClosed) {
		t.Errorf("SendText after server close: err = %v, want ErrClosed", err)
	}
}

// ── Inbound ───────────────────────────────────────────────────────────────────

func TestMessages_AudioThenTurnComplete(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x00, 0x40, 0x00, 0xc0}
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []any{
						map[string]any{"inlineData": map[string]any{
							"mimeType": "audio/pcm;rate=24000",
							"data":     base64.StdEncoding.EncodeToString(pcm),
						}},
					},
				},
			},
		})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		waitForClose(conn)
	})

	ch := dial(t, srv)

	m := next(t, ch)
	if m.Kind != realtime.KindAudio {
		t.Fatalf("first message kind = %v, want audio", m.Kind)
	}
	if string(m.Audio) != string(pcm) {
		t.Errorf("audio = %v, want %v", m.Audio, pcm)
	}
	if m.SampleRate != 24000 {
		t.Errorf("SampleRate = %d, want 24000", m.SampleRate)
	}
	if m := next(t, ch); m.Kind != realtime.KindTurnComplete {
		t.Fatalf("second message kind = %v, want turn_complete", m.Kind)
	}
}

func TestMessages_InterruptedAndTranscripts(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"inputTranscription": map[string]any{"text": "I recycle at home"},
		}})
		waitForClose(conn)
	})

	ch := dial(t, srv, gemini.WithTranscription(true))

	if m := next(t, ch); m.Kind != realtime.KindInterrupted {
		t.Fatalf("kind = %v, want interrupted", m.Kind)
	}
	m := next(t, ch)
	if m.Kind != realtime.KindTranscript || m.Role != "user" || m.Text != "I recycle at home" {
		t.Fatalf("message = %+v, want user transcript", m)
	}
}

func TestMessages_MalformedFrameSkipped(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = conn.Write(ctx, websocket.MessageText, []byte("{not json"))
		cancel()
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		waitForClose(conn)
	})

	ch := dial(t, srv)
	if m := next(t, ch); m.Kind != realtime.KindTurnComplete {
		t.Fatalf("kind = %v, want turn_complete after malformed frame", m.Kind)
	}
}

func TestMessages_ServerErrorIsTerminal(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 429, "message": "quota exhausted"}})
		waitForClose(conn)
	})

	ch := dial(t, srv)
	m := next(t, ch)
	if m.Kind != realtime.KindError {
		t.Fatalf("kind = %v, want error", m.Kind)
	}
	if m.Err == nil || !strings.Contains(m.Err.Error(), "quota exhausted") {
		t.Errorf("Err = %v, want server message", m.Err)
	}
	expectClosed(t, ch)
}

func TestMessages_GoAwayClosesChannel(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{"goAway": map[string]any{"timeLeft": "10s"}})
		waitForClose(conn)
	})

	ch := dial(t, srv)
	m := next(t, ch)
	if m.Kind != realtime.KindClosed {
		t.Fatalf("kind = %v, want closed", m.Kind)
	}
	if !strings.Contains(m.Reason, "10s") {
		t.Errorf("Reason = %q, want time left", m.Reason)
	}
	expectClosed(t, ch)
}

func TestMessages_ServerCloseIsOrderly(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		// Returning closes the connection with StatusNormalClosure.
	})

	ch := dial(t, srv)
	if m := next(t, ch); m.Kind != realtime.KindClosed {
		t.Fatalf("kind = %v (err %v), want closed", m.Kind, m.Err)
	}
	expectClosed(t, ch)
}

// ── Close ─────────────────────────────────────────────────────────────────────

func TestClose_IdempotentAndClosesMessages(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		waitForClose(conn)
	})

	ch := dial(t, srv)
	for range 3 {
		if err := ch.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	// A buffered Closed message may precede the close.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-ch.Messages():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("Messages not closed after Close")
		}
	}
}

func TestConcurrentSendAudio_DoesNotRace(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	ch := dial(t, srv)
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				_ = ch.SendAudio(make([]byte, 320))
			}
		}()
	}
	wg.Wait()
}
