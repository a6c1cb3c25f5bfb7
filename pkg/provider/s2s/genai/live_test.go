package genai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MrWong99/agrivoice/pkg/provider/s2s"
)

// startLiveServer starts an httptest server that upgrades every request to a
// WebSocket and hands the connection to handler. The connection is closed
// when handler returns.
func startLiveServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readMessage reads one text frame and returns its payload, or nil once the
// client has gone.
func readMessage(conn *websocket.Conn) []byte {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil
	}
	return data
}

func writeMessage(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Errorf("write: %v", err)
	}
}

// acceptSetup consumes the setup message and acknowledges it.
func acceptSetup(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	setup := readMessage(conn)
	if setup == nil {
		t.Error("client sent no setup message")
		return nil
	}
	writeMessage(t, conn, map[string]any{"setupComplete": map[string]any{}})
	return setup
}

// waitForClient blocks until the client closes the connection.
func waitForClient(conn *websocket.Conn) {
	for readMessage(conn) != nil {
	}
}

func closeWith(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func audioContent(pcm []byte, interrupted bool) map[string]any {
	return map[string]any{"serverContent": map[string]any{
		"modelTurn": map[string]any{"parts": []any{
			map[string]any{"inlineData": map[string]any{
				"mimeType": "audio/pcm;rate=24000",
				"data":     base64.StdEncoding.EncodeToString(pcm),
			}},
		}},
		"interrupted": interrupted,
	}}
}

func newTestProvider(srv *httptest.Server) *Provider {
	return New("test-key",
		WithBaseURL("ws"+strings.TrimPrefix(srv.URL, "http")),
		WithModel("gemini-live-test"),
	)
}

func connectTo(t *testing.T, srv *httptest.Server, cfg s2s.SessionConfig) s2s.SessionHandle {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h, err := newTestProvider(srv).Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func nextEvent(t *testing.T, h s2s.SessionHandle) (s2s.Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		return ev, ok
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return s2s.Event{}, false
	}
}

// ── Connect ────────────────────────────────────────────────────────────────────

func TestConnect_SendsSetupAndWaitsForAck(t *testing.T) {
	t.Parallel()

	setups := make(chan []byte, 1)
	paths := make(chan string, 1)
	srv := startLiveServer(t, func(conn *websocket.Conn, r *http.Request) {
		paths <- r.URL.Path
		setups <- acceptSetup(t, conn)
		waitForClient(conn)
	})

	connectTo(t, srv, s2s.SessionConfig{Voice: "Puck", Instructions: "Help farmers."})
	if p := <-paths; !strings.Contains(p, "BidiGenerateContent") {
		t.Errorf("path = %q, want the BidiGenerateContent endpoint", p)
	}

	var setup map[string]json.RawMessage
	raw := <-setups
	if err := json.Unmarshal(raw, &setup); err != nil {
		t.Fatalf("setup is not JSON: %v", err)
	}
	body, ok := setup["setup"]
	if !ok {
		t.Fatalf("first message = %s, want a setup message", raw)
	}
	for _, want := range []string{"gemini-live-test", "Puck", "Help farmers."} {
		if !bytes.Contains(body, []byte(want)) {
			t.Errorf("setup %s does not mention %q", body, want)
		}
	}
}

func TestConnect_RejectsUnexpectedFirstMessage(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		if readMessage(conn) == nil {
			return
		}
		writeMessage(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		waitForClient(conn)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := newTestProvider(srv).Connect(ctx, s2s.SessionConfig{})
	if err == nil || !strings.Contains(err.Error(), "unexpected first message") {
		t.Fatalf("Connect err = %v, want unexpected first message", err)
	}
}

func TestConnect_ClosedBeforeAck(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		if readMessage(conn) == nil {
			return
		}
		closeWith(conn, websocket.ClosePolicyViolation, "quota exceeded")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := newTestProvider(srv).Connect(ctx, s2s.SessionConfig{})
	if err == nil || !strings.Contains(err.Error(), "setupComplete") {
		t.Fatalf("Connect err = %v, want a setupComplete failure", err)
	}
}

func TestConnect_AbandonsWaitOnContext(t *testing.T) {
	t.Parallel()

	released := make(chan struct{})
	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		// Read the setup, never acknowledge it, and wait for the client to
		// drop the connection.
		readMessage(conn)
		waitForClient(conn)
		close(released)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := newTestProvider(srv).Connect(ctx, s2s.SessionConfig{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Connect err = %v, want context.DeadlineExceeded", err)
	}
	if d := time.Since(start); d > 2*time.Second {
		t.Errorf("Connect returned after %v, want prompt return on deadline", d)
	}
	select {
	case <-released:
	case <-time.After(5 * time.Second):
		t.Error("abandoned connection was not closed")
	}
}

// ── Session ────────────────────────────────────────────────────────────────────

func TestSession_SendAudioAsRealtimeInput(t *testing.T) {
	t.Parallel()

	pcm := []byte{1, 2, 3, 4}
	inputs := make(chan []byte, 1)
	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		inputs <- readMessage(conn)
		waitForClient(conn)
	})

	h := connectTo(t, srv, s2s.SessionConfig{})
	if err := h.SendAudio(pcm); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	select {
	case raw := <-inputs:
		if !bytes.Contains(raw, []byte("realtimeInput")) {
			t.Errorf("message %s is not a realtime input", raw)
		}
		if !bytes.Contains(raw, []byte(base64.StdEncoding.EncodeToString(pcm))) {
			t.Errorf("message %s does not carry the audio", raw)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no realtime input received")
	}
}

func TestSession_EventsAudioBeforeInterruption(t *testing.T) {
	t.Parallel()

	pcm := []byte{10, 0, 20, 0}
	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeMessage(t, conn, audioContent(pcm, true))
		waitForClient(conn)
	})

	h := connectTo(t, srv, s2s.SessionConfig{})
	ev, ok := nextEvent(t, h)
	if !ok || ev.Kind != s2s.EventAudio || !bytes.Equal(ev.Audio, pcm) {
		t.Fatalf("first event = %+v (ok=%v), want audio %v", ev, ok, pcm)
	}
	ev, ok = nextEvent(t, h)
	if !ok || ev.Kind != s2s.EventInterrupted {
		t.Fatalf("second event = %+v (ok=%v), want interrupted", ev, ok)
	}
}

func TestSession_RemoteCloseClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		end        func(conn *websocket.Conn)
		wantClosed bool
		wantErr    string
	}{
		{
			name:       "normal closure",
			end:        func(conn *websocket.Conn) { closeWith(conn, websocket.CloseNormalClosure, "bye") },
			wantClosed: true,
		},
		{
			name:       "going away",
			end:        func(conn *websocket.Conn) { closeWith(conn, websocket.CloseGoingAway, "restart") },
			wantClosed: true,
		},
		{
			name:    "policy violation",
			end:     func(conn *websocket.Conn) { closeWith(conn, websocket.ClosePolicyViolation, "quota exceeded") },
			wantErr: "quota exceeded",
		},
		{
			name:    "transport failure",
			end:     func(conn *websocket.Conn) { _ = conn.UnderlyingConn().Close() },
			wantErr: "genai: receive",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
				acceptSetup(t, conn)
				tt.end(conn)
			})
			h := connectTo(t, srv, s2s.SessionConfig{})

			var sawClosed bool
			for {
				ev, ok := nextEvent(t, h)
				if !ok {
					break
				}
				if ev.Kind == s2s.EventClosed {
					sawClosed = true
				}
			}
			if sawClosed != tt.wantClosed {
				t.Errorf("EventClosed delivered = %v, want %v", sawClosed, tt.wantClosed)
			}
			err := h.Err()
			switch {
			case tt.wantErr == "" && err != nil:
				t.Errorf("Err() = %v, want nil", err)
			case tt.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tt.wantErr)):
				t.Errorf("Err() = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestSession_CloseIdempotentAndClosesEvents(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		waitForClient(conn)
	})
	h := connectTo(t, srv, s2s.SessionConfig{})

	for i := range 3 {
		if err := h.Close(); err != nil {
			t.Errorf("Close %d: %v", i, err)
		}
	}
	for {
		_, ok := nextEvent(t, h)
		if !ok {
			break
		}
	}
	if err := h.Err(); err != nil {
		t.Errorf("Err() after local Close = %v, want nil", err)
	}
	if err := h.SendAudio([]byte{0, 0}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("SendAudio after Close: err = %v, want ErrSessionClosed", err)
	}
}
