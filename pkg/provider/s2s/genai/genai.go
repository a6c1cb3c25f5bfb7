// Package genai implements the s2s.Provider interface on top of the official
// Google Gen AI SDK (google.golang.org/genai) Live client.
//
// It speaks the same BidiGenerateContent protocol as package gemini but lets
// the SDK own the wire format, authentication and endpoint selection.
package genai

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/MrWong99/agrivoice/pkg/provider/s2s"
	"github.com/MrWong99/agrivoice/pkg/provider/s2s/gemini"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var (
	_ s2s.Provider      = (*Provider)(nil)
	_ s2s.SessionHandle = (*session)(nil)
)

// ErrSessionClosed is returned by SendAudio after Close.
var ErrSessionClosed = errors.New("genai: session closed")

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL overrides the API endpoint.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider using the Gen AI SDK Live client.
type Provider struct {
	apiKey  string
	model   string
	baseURL string

	mu     sync.Mutex
	client *genai.Client
}

// New creates a Provider. The SDK client is created lazily on the first
// Connect.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey: apiKey,
		model:  s2s.DefaultModel,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the Live API.
func (p *Provider) Capabilities() s2s.Capabilities {
	return gemini.New("").Capabilities()
}

func (p *Provider) sdkClient(ctx context.Context) (*genai.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}

	cc := &genai.ClientConfig{
		APIKey:  p.apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if p.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
	}
	c, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}
	p.client = c
	return c, nil
}

// Connect opens a Live session and waits for the setup acknowledgment.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	client, err := p.sdkClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("genai: new client: %w", err)
	}

	model := p.model
	if cfg.Model != "" {
		model = cfg.Model
	}

	live, err := client.Live.Connect(ctx, model, liveConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("genai: connect: %w", err)
	}

	// The first server message acknowledges the setup.
	ack, err := receiveCtx(ctx, live)
	if err != nil {
		_ = live.Close()
		return nil, fmt.Errorf("genai: await setupComplete: %w", err)
	}
	if ack.SetupComplete == nil {
		_ = live.Close()
		return nil, fmt.Errorf("genai: await setupComplete: unexpected first message")
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		live:   live,
		events: make(chan s2s.Event, 64),
		ctx:    sessCtx,
		cancel: cancel,
	}
	go s.receiveLoop()
	return s, nil
}

// liveConfig maps a SessionConfig onto the SDK's connect configuration.
func liveConfig(cfg s2s.SessionConfig) *genai.LiveConnectConfig {
	voice := cfg.Voice
	if voice == "" {
		voice = s2s.DefaultVoice
	}
	lc := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		},
	}
	if cfg.Instructions != "" {
		lc.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: cfg.Instructions}}}
	}
	if cfg.Transcription {
		lc.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
		lc.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return lc
}

// receiveCtx runs one blocking Receive and abandons it when ctx ends. The
// caller closes the session in that case, which unblocks the read.
func receiveCtx(ctx context.Context, live *genai.Session) (*genai.LiveServerMessage, error) {
	type result struct {
		msg *genai.LiveServerMessage
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := live.Receive()
		ch <- result{msg, err}
	}()
	select {
	case r := <-ch:
		return r.msg, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// translate converts a server message into events. Audio parts precede the
// interruption flag of the same message.
func translate(msg *genai.LiveServerMessage) []s2s.Event {
	var out []s2s.Event
	sc := msg.ServerContent
	if sc == nil {
		return nil
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p == nil || p.InlineData == nil || len(p.InlineData.Data) == 0 {
				continue
			}
			out = append(out, s2s.Event{Kind: s2s.EventAudio, Audio: p.InlineData.Data})
		}
	}
	if t := sc.InputTranscription; t != nil && t.Text != "" {
		out = append(out, s2s.Event{Kind: s2s.EventTranscript, Transcript: s2s.Transcript{Role: s2s.RoleUser, Text: t.Text}})
	}
	if t := sc.OutputTranscription; t != nil && t.Text != "" {
		out = append(out, s2s.Event{Kind: s2s.EventTranscript, Transcript: s2s.Transcript{Role: s2s.RoleModel, Text: t.Text}})
	}
	if sc.Interrupted {
		out = append(out, s2s.Event{Kind: s2s.EventInterrupted})
	}
	if sc.TurnComplete {
		out = append(out, s2s.Event{Kind: s2s.EventTurnComplete})
	}
	return out
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	live   *genai.Session
	events chan s2s.Event

	mu     sync.Mutex
	errVal error
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		msg, err := s.live.Receive()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if isNormalClose(err) {
				s.emit(s2s.Event{Kind: s2s.EventClosed})
				return
			}
			s.setErr(fmt.Errorf("genai: receive: %w", err))
			return
		}
		for _, ev := range translate(msg) {
			if !s.emit(ev) {
				return
			}
		}
	}
}

// isNormalClose reports whether err is, or wraps, a websocket close with
// status 1000 or 1001. The SDK transport is gorilla/websocket.
func isNormalClose(err error) bool {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return false
	}
	return websocket.IsCloseError(ce, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

func (s *session) emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// SendAudio delivers a raw PCM audio chunk (16 kHz, s16le, mono) to the model.
func (s *session) SendAudio(pcm []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	err := s.live.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{MIMEType: s2s.InputMIMEType, Data: pcm},
	})
	if err != nil {
		return fmt.Errorf("genai: send audio: %w", err)
	}
	return nil
}

func (s *session) Events() <-chan s2s.Event { return s.events }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	if err := s.live.Close(); err != nil {
		return fmt.Errorf("genai: close: %w", err)
	}
	return nil
}
