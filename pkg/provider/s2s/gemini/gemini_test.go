package gemini_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/agrivoice/pkg/provider/s2s"
	"github.com/MrWong99/agrivoice/pkg/provider/s2s/gemini"
	"github.com/coder/websocket"
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

// handshake consumes the setup message and acknowledges it.
func handshake(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var raw map[string]any
	readJSON(t, conn, &raw)
	sendSetupComplete(t, conn)
}

// sendSetupComplete sends the server-side setupComplete ack.
func sendSetupComplete(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// audioMessage builds a serverContent message carrying pcm as inline data.
func audioMessage(pcm []byte, interrupted bool) map[string]any {
	sc := map[string]any{
		"modelTurn": map[string]any{
			"parts": []any{
				map[string]any{"inlineData": map[string]any{
					"mimeType": "audio/pcm;rate=24000",
					"data":     base64.StdEncoding.EncodeToString(pcm),
				}},
			},
		},
	}
	if interrupted {
		sc["interrupted"] = true
	}
	return map[string]any{"serverContent": sc}
}

// newProvider creates a Provider pointing at the given test server.
func newProvider(srv *httptest.Server) *gemini.Provider {
	return gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)))
}

// connect opens a session against srv and registers cleanup.
func connect(t *testing.T, srv *httptest.Server, cfg s2s.SessionConfig) s2s.SessionHandle {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h, err := newProvider(srv).Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

// nextEvent waits for the next event or for the channel to close.
func nextEvent(t *testing.T, h s2s.SessionHandle) (s2s.Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		return ev, ok
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
		return s2s.Event{}, false
	}
}

// ── Options ───────────────────────────────────────────────────────────────────

func TestWithModel_SetsModel(t *testing.T) {
	t.Parallel()

	modelCh := make(chan string, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg struct {
			Setup struct {
				Model string `json:"model"`
			} `json:"setup"`
		}
		readJSON(t, conn, &msg)
		modelCh <- msg.Setup.Model
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("key", gemini.WithModel("custom-model"), gemini.WithBaseURL(wsURL(srv)))
	handle, err := p.Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if model := <-modelCh; model != "models/custom-model" {
		t.Errorf("model = %q; want %q", model, "models/custom-model")
	}
}

func TestConnect_SessionModelOverridesProvider(t *testing.T) {
	t.Parallel()

	modelCh := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg struct {
			Setup struct {
				Model string `json:"model"`
			} `json:"setup"`
		}
		readJSON(t, conn, &msg)
		modelCh <- msg.Setup.Model
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, srv, s2s.SessionConfig{Model: "other-model"})
	if model := <-modelCh; model != "models/other-model" {
		t.Errorf("model = %q; want models/other-model", model)
	}
}

func TestCapabilities_IncludesDefaultVoice(t *testing.T) {
	t.Parallel()

	caps := gemini.New("key").Capabilities()
	found := false
	for _, v := range caps.Voices {
		if v == s2s.DefaultVoice {
			found = true
		}
	}
	if !found {
		t.Errorf("Voices %v do not include %q", caps.Voices, s2s.DefaultVoice)
	}
	if caps.MaxSessionDuration <= 0 {
		t.Error("MaxSessionDuration should be positive")
	}
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			InputAudioTranscription  *struct{} `json:"inputAudioTranscription"`
			OutputAudioTranscription *struct{} `json:"outputAudioTranscription"`
		} `json:"setup"`
	}

	tests := []struct {
		name          string
		cfg           s2s.SessionConfig
		wantVoice     string
		transcription bool
	}{
		{
			name:      "default voice",
			cfg:       s2s.SessionConfig{Instructions: "You are a farming assistant."},
			wantVoice: "Zephyr",
		},
		{
			name:          "explicit voice with transcription",
			cfg:           s2s.SessionConfig{Voice: "Kore", Instructions: "You are a farming assistant.", Transcription: true},
			wantVoice:     "Kore",
			transcription: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			received := make(chan setupMsg, 1)
			srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
				var msg setupMsg
				readJSON(t, conn, &msg)
				received <- msg
				sendSetupComplete(t, conn)
				<-conn.CloseRead(context.Background()).Done()
			})
			connect(t, srv, tt.cfg)

			msg := <-received
			if msg.Setup.Model != "models/"+s2s.DefaultModel {
				t.Errorf("model = %q", msg.Setup.Model)
			}
			if got := msg.Setup.GenerationConfig.ResponseModalities; len(got) != 1 || got[0] != "AUDIO" {
				t.Errorf("responseModalities = %v, want [AUDIO]", got)
			}
			if got := msg.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; got != tt.wantVoice {
				t.Errorf("voice = %q, want %q", got, tt.wantVoice)
			}
			if msg.Setup.SystemInstruction == nil || len(msg.Setup.SystemInstruction.Parts) != 1 ||
				msg.Setup.SystemInstruction.Parts[0].Text != tt.cfg.Instructions {
				t.Errorf("systemInstruction = %+v", msg.Setup.SystemInstruction)
			}
			if got := msg.Setup.InputAudioTranscription != nil; got != tt.transcription {
				t.Errorf("inputAudioTranscription present = %v, want %v", got, tt.transcription)
			}
			if got := msg.Setup.OutputAudioTranscription != nil; got != tt.transcription {
				t.Errorf("outputAudioTranscription present = %v, want %v", got, tt.transcription)
			}
		})
	}
}

func TestConnect_SendsAPIKey(t *testing.T) {
	t.Parallel()

	keyCh := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		keyCh <- r.URL.Query().Get("key")
		handshake(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})
	connect(t, srv, s2s.SessionConfig{})

	if key := <-keyCh; key != "test-api-key" {
		t.Errorf("key = %q, want test-api-key", key)
	}
}

func TestConnect_WaitsForSetupComplete(t *testing.T) {
	t.Parallel()

	var acked atomic.Bool
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		time.Sleep(100 * time.Millisecond)
		acked.Store(true)
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, srv, s2s.SessionConfig{})
	if !acked.Load() {
		t.Error("Connect returned before setupComplete was sent")
	}
}

func TestConnect_SetupRejected(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 400, "message": "invalid voice"}})
		<-conn.CloseRead(context.Background()).Done()
	})

	_, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err == nil || !strings.Contains(err.Error(), "invalid voice") {
		t.Fatalf("err = %v, want setup rejection", err)
	}
}

func TestConnect_ClosedBeforeAck(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		conn.Close(websocket.StatusPolicyViolation, "quota exceeded")
	})

	if _, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{}); err == nil {
		t.Fatal("expected error when server closes before setupComplete")
	}
}

func TestConnect_ContextDeadline(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := newProvider(srv).Connect(ctx, s2s.SessionConfig{}); err == nil {
		t.Fatal("expected error when setupComplete never arrives")
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()

	p := gemini.New("key", gemini.WithBaseURL("ws://127.0.0.1:1"))
	if _, err := p.Connect(context.Background(), s2s.SessionConfig{}); err == nil {
		t.Fatal("expected dial error")
	}
}

// ── SendAudio ─────────────────────────────────────────────────────────────────

func TestSendAudio_RealtimeInputFormat(t *testing.T) {
	t.Parallel()

	type rtMsg struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}
	received := make(chan rtMsg, 2)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		for range 2 {
			var msg rtMsg
			readJSON(t, conn, &msg)
			received <- msg
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	h := connect(t, srv, s2s.SessionConfig{})
	chunks := [][]byte{{0x01, 0x02, 0x03, 0x04}, {0xff, 0x7f}}
	for _, c := range chunks {
		if err := h.SendAudio(c); err != nil {
			t.Fatalf("SendAudio: %v", err)
		}
	}

	for i, want := range chunks {
		msg := <-received
		if len(msg.RealtimeInput.MediaChunks) != 1 {
			t.Fatalf("message %d has %d chunks", i, len(msg.RealtimeInput.MediaChunks))
		}
		mc := msg.RealtimeInput.MediaChunks[0]
		if mc.MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("mimeType = %q", mc.MIMEType)
		}
		got, err := base64.StdEncoding.DecodeString(mc.Data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("message %d payload = %v, want %v (order must match send order)", i, got, want)
		}
	}
}

func TestSendAudio_AfterClose(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})
	h := connect(t, srv, s2s.SessionConfig{})
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.SendAudio([]byte{0, 0}); !errors.Is(err, gemini.ErrSessionClosed) {
		t.Errorf("err = %v, want ErrSessionClosed", err)
	}
}

// ── Events ────────────────────────────────────────────────────────────────────

func TestEvents_AudioBeforeInterruption(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x10, 0x00, 0x20, 0x00}
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		writeJSON(t, conn, audioMessage(pcm, true))
		<-conn.CloseRead(context.Background()).Done()
	})
	h := connect(t, srv, s2s.SessionConfig{})

	ev, _ := nextEvent(t, h)
	if ev.Kind != s2s.EventAudio || !bytes.Equal(ev.Audio, pcm) {
		t.Fatalf("first event = %v %v, want audio %v", ev.Kind, ev.Audio, pcm)
	}
	ev, _ = nextEvent(t, h)
	if ev.Kind != s2s.EventInterrupted {
		t.Fatalf("second event = %v, want interrupted", ev.Kind)
	}
}

func TestEvents_TurnCompleteAndTranscripts(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"inputTranscription": map[string]any{"text": "when should I plant maize"},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"outputTranscription": map[string]any{"text": "After the first rains."},
			"turnComplete":        true,
		}})
		<-conn.CloseRead(context.Background()).Done()
	})
	h := connect(t, srv, s2s.SessionConfig{Transcription: true})

	want := []s2s.Event{
		{Kind: s2s.EventTranscript, Transcript: s2s.Transcript{Role: s2s.RoleUser, Text: "when should I plant maize"}},
		{Kind: s2s.EventTranscript, Transcript: s2s.Transcript{Role: s2s.RoleModel, Text: "After the first rains."}},
		{Kind: s2s.EventTurnComplete},
	}
	for i, w := range want {
		ev, ok := nextEvent(t, h)
		if !ok {
			t.Fatalf("event %d: channel closed", i)
		}
		if ev.Kind != w.Kind || ev.Transcript != w.Transcript {
			t.Errorf("event %d = %+v, want %+v", i, ev, w)
		}
	}
}

func TestEvents_SkipsMalformedFrames(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		ctx := context.Background()
		_ = conn.Write(ctx, websocket.MessageText, []byte("{not json"))
		writeJSON(t, conn, audioMessage([]byte{1, 0}, false))
		<-conn.CloseRead(ctx).Done()
	})
	h := connect(t, srv, s2s.SessionConfig{})

	ev, _ := nextEvent(t, h)
	if ev.Kind != s2s.EventAudio {
		t.Errorf("event = %v, want audio after malformed frame", ev.Kind)
	}
}

func TestEvents_RemoteError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 500, "message": "internal"}})
		<-conn.CloseRead(context.Background()).Done()
	})
	h := connect(t, srv, s2s.SessionConfig{})

	ev, _ := nextEvent(t, h)
	if ev.Kind != s2s.EventError || ev.Err == nil || !strings.Contains(ev.Err.Error(), "internal") {
		t.Errorf("event = %+v, want remote error", ev)
	}
}

func TestEvents_RemoteNormalClose(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		// Returning triggers a normal closure.
	})
	h := connect(t, srv, s2s.SessionConfig{})

	ev, ok := nextEvent(t, h)
	if !ok || ev.Kind != s2s.EventClosed {
		t.Fatalf("event = %+v (ok=%v), want closed", ev, ok)
	}
	if _, ok := nextEvent(t, h); ok {
		t.Fatal("channel should close after EventClosed")
	}
	if err := h.Err(); err != nil {
		t.Errorf("Err() = %v, want nil after normal close", err)
	}
}

func TestEvents_TransportFailure(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		_ = conn.CloseNow()
	})
	h := connect(t, srv, s2s.SessionConfig{})

	for {
		_, ok := nextEvent(t, h)
		if !ok {
			break
		}
	}
	if h.Err() == nil {
		t.Error("Err() = nil after abrupt disconnect, want transport error")
	}
}

// ── Close ─────────────────────────────────────────────────────────────────────

func TestClose_IdempotentAndClosesEvents(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})
	h := connect(t, srv, s2s.SessionConfig{})

	for i := range 3 {
		if err := h.Close(); err != nil {
			t.Fatalf("Close %d: %v", i, err)
		}
	}
	if _, ok := nextEvent(t, h); ok {
		t.Error("Events() still open after Close")
	}
	if err := h.Err(); err != nil {
		t.Errorf("Err() = %v after local close, want nil", err)
	}
}
