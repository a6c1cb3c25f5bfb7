// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions. Use
// Session to drive the remote side of a conversation and inspect which audio
// the code under test sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	// ... code under test calls p.Connect and starts streaming ...
//	sess.Emit(s2s.Event{Kind: s2s.EventAudio, Audio: pcm})
//	sess.Emit(s2s.Event{Kind: s2s.EventInterrupted})
//	sent := sess.Sent()
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/agrivoice/pkg/provider/s2s"
)

// ErrClosed is returned by Session.SendAudio after Close or after the remote
// side ended the session.
var ErrClosed = errors.New("mock: session closed")

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect returns
	// a new Session on every call.
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Gate, if non-nil, holds Connect until the channel is closed or the
	// context ends, simulating a slow handshake.
	Gate chan struct{}

	// Entered, if non-nil, receives a value (without blocking) whenever
	// Connect is entered.
	Entered chan struct{}

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	sessions []*Session
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	gate, entered := p.Gate, p.Entered
	p.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	sess := p.Session
	if sess == nil {
		sess = NewSession()
	}
	p.sessions = append(p.sessions, sess)
	return sess, nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// Calls returns a copy of the recorded Connect calls.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.ConnectCalls...)
}

// Sessions returns every session handed out by a successful Connect.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.sessions...)
}

// Session is a mock implementation of s2s.SessionHandle.
type Session struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned by SendAudio.
	SendErr error

	events     chan s2s.Event
	done       chan struct{}
	doneOnce   sync.Once
	endOnce    sync.Once
	sent       [][]byte
	err        error
	closed     bool
	closeCount int
}

// NewSession returns a session with a buffered event channel.
func NewSession() *Session {
	return &Session{
		events: make(chan s2s.Event, 64),
		done:   make(chan struct{}),
	}
}

// Emit delivers ev to the Events channel as the remote side would. It blocks
// while the channel is full and returns false once the session is closed.
func (s *Session) Emit(ev s2s.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// End simulates a normal close by the remote side: EventClosed is delivered
// and the Events channel is closed with no error.
func (s *Session) End() {
	s.Emit(s2s.Event{Kind: s2s.EventClosed})
	s.finish(nil)
}

// Fail simulates a transport failure: the Events channel is closed and Err
// reports err.
func (s *Session) Fail(err error) {
	s.finish(err)
}

func (s *Session) finish(err error) {
	s.doneOnce.Do(func() { close(s.done) })
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
	s.closed = true
	s.endOnce.Do(func() { close(s.events) })
}

// SendAudio records a copy of pcm.
func (s *Session) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.sent = append(s.sent, append([]byte(nil), pcm...))
	return nil
}

// Events returns the event channel.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Err returns the error passed to Fail, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close closes the Events channel. Safe to call more than once.
func (s *Session) Close() error {
	s.doneOnce.Do(func() { close(s.done) })
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCount++
	s.closed = true
	s.endOnce.Do(func() { close(s.events) })
	return nil
}

// Sent returns a copy of every chunk passed to SendAudio, in order.
func (s *Session) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

// CloseCount reports how many times Close was called.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// Closed reports whether the session was closed locally or ended remotely.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var (
	_ s2s.Provider      = (*Provider)(nil)
	_ s2s.SessionHandle = (*Session)(nil)
)
