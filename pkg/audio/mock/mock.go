// Package mock provides in-memory mock implementations of the [audio.Microphone],
// [audio.CaptureStream], [audio.Speaker] and [audio.OutputDevice] interfaces
// for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	mic := &mock.Microphone{}
//	spk := &mock.Speaker{}
//	// ... hand mic and spk to the code under test ...
//	mic.LastStream().Emit(make([]float32, 4096))
//	dev := spk.LastDevice()
//	dev.SetTime(250 * time.Millisecond)
//	dev.Finish(0)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/agrivoice/pkg/audio"
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [audio.Microphone].
type Microphone struct {
	mu sync.Mutex

	// OpenErr, if non-nil, is returned by [Microphone.Open].
	OpenErr error

	// Block, if non-nil, makes Open wait until the channel is closed or ctx is
	// cancelled. Used to hold a connect attempt inside the permission prompt.
	Block chan struct{}

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// Rates records the sample rate of every Open call.
	Rates []int

	streams []*CaptureStream
}

// Open implements [audio.Microphone].
func (m *Microphone) Open(ctx context.Context, sampleRate int) (audio.CaptureStream, error) {
	m.mu.Lock()
	m.CallCountOpen++
	m.Rates = append(m.Rates, sampleRate)
	block, openErr := m.Block, m.OpenErr
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if openErr != nil {
		return nil, openErr
	}

	s := &CaptureStream{}
	m.mu.Lock()
	m.streams = append(m.streams, s)
	m.mu.Unlock()
	return s, nil
}

// Streams returns every stream opened so far, in order.
func (m *Microphone) Streams() []*CaptureStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*CaptureStream(nil), m.streams...)
}

// LastStream returns the most recently opened stream, or nil.
func (m *Microphone) LastStream() *CaptureStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streams) == 0 {
		return nil
	}
	return m.streams[len(m.streams)-1]
}

// ─── CaptureStream ────────────────────────────────────────────────────────────

// CaptureStream is a mock implementation of [audio.CaptureStream]. Samples are
// delivered only when the test calls [CaptureStream.Emit].
type CaptureStream struct {
	mu     sync.Mutex
	fn     func([]float32)
	closed bool

	// StartErr, if non-nil, is returned by Start.
	StartErr error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Start implements [audio.CaptureStream].
func (s *CaptureStream) Start(fn func([]float32)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StartErr != nil {
		return s.StartErr
	}
	if s.closed {
		return audio.ErrDeviceClosed
	}
	s.fn = fn
	return nil
}

// Emit synchronously delivers samples to the registered callback, as the
// device thread would. It is a no-op before Start or after Close.
func (s *CaptureStream) Emit(samples []float32) {
	s.mu.Lock()
	fn := s.fn
	if s.closed {
		fn = nil
	}
	s.mu.Unlock()
	if fn != nil {
		fn(samples)
	}
}

// Close implements [audio.CaptureStream].
func (s *CaptureStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.closed = true
	s.fn = nil
	return nil
}

// Closed reports whether Close has been called.
func (s *CaptureStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// Speaker is a mock implementation of [audio.Speaker].
type Speaker struct {
	mu sync.Mutex

	// OpenErr, if non-nil, is returned by [Speaker.Open].
	OpenErr error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	devices []*OutputDevice
}

// Open implements [audio.Speaker].
func (s *Speaker) Open(_ context.Context, sampleRate int) (audio.OutputDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountOpen++
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	d := &OutputDevice{SampleRate: sampleRate}
	s.devices = append(s.devices, d)
	return d, nil
}

// Devices returns every device opened so far, in order.
func (s *Speaker) Devices() []*OutputDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*OutputDevice(nil), s.devices...)
}

// LastDevice returns the most recently opened device, or nil.
func (s *Speaker) LastDevice() *OutputDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.devices) == 0 {
		return nil
	}
	return s.devices[len(s.devices)-1]
}

// ─── OutputDevice ─────────────────────────────────────────────────────────────

// PlayCall records the arguments of a single [OutputDevice.Play] invocation.
type PlayCall struct {
	Buffer *audio.Buffer
	At     time.Duration

	// Start is the effective start reported by the returned voice.
	Start time.Duration
}

// OutputDevice is a mock implementation of [audio.OutputDevice] with a
// manually advanced clock. Voices never end on their own; the test ends them
// with [OutputDevice.Finish].
type OutputDevice struct {
	mu sync.Mutex

	// SampleRate is the rate passed to [Speaker.Open].
	SampleRate int

	// PlayErr, if non-nil, is returned by Play.
	PlayErr error

	// OnFlush, if non-nil, is called by Flush without holding the mock's lock.
	OnFlush func()

	now     time.Duration
	calls   []PlayCall
	voices  []*Voice
	closes  int
	flushes int
}

// CurrentTime implements [audio.OutputDevice].
func (d *OutputDevice) CurrentTime() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now
}

// SetTime moves the device clock to t.
func (d *OutputDevice) SetTime(t time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = t
}

// Play implements [audio.OutputDevice]. A start time in the past is moved to
// the current device time.
func (d *OutputDevice) Play(buf *audio.Buffer, at time.Duration, onEnded func()) (audio.Voice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closes > 0 {
		return nil, audio.ErrDeviceClosed
	}
	if d.PlayErr != nil {
		return nil, d.PlayErr
	}
	start := max(at, d.now)
	v := &Voice{start: start, onEnded: onEnded}
	d.calls = append(d.calls, PlayCall{Buffer: buf, At: at, Start: start})
	d.voices = append(d.voices, v)
	return v, nil
}

// Close implements [audio.OutputDevice]. All voices are stopped.
func (d *OutputDevice) Close() error {
	d.mu.Lock()
	d.closes++
	voices := append([]*Voice(nil), d.voices...)
	d.mu.Unlock()
	for _, v := range voices {
		v.Stop()
	}
	return nil
}

// Calls returns a copy of every Play call recorded so far.
func (d *OutputDevice) Calls() []PlayCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]PlayCall(nil), d.calls...)
}

// Voice returns the i-th voice handed out by Play.
func (d *OutputDevice) Voice(i int) *Voice {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.voices[i]
}

// Finish ends the i-th voice naturally, invoking its onEnded callback unless
// it was stopped earlier.
func (d *OutputDevice) Finish(i int) {
	d.Voice(i).finish()
}

// CloseCount reports how many times Close was called.
func (d *OutputDevice) CloseCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}

// Flush implements [audio.Flusher].
func (d *OutputDevice) Flush() {
	d.mu.Lock()
	d.flushes++
	fn := d.OnFlush
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// FlushCount returns the number of Flush calls.
func (d *OutputDevice) FlushCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushes
}

// Voice is a mock implementation of [audio.Voice].
type Voice struct {
	mu      sync.Mutex
	start   time.Duration
	onEnded func()
	stopped bool
	ended   bool
}

// Start implements [audio.Voice].
func (v *Voice) Start() time.Duration { return v.start }

// Stop implements [audio.Voice].
func (v *Voice) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stopped = true
}

// Stopped reports whether Stop has been called.
func (v *Voice) Stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}

func (v *Voice) finish() {
	v.mu.Lock()
	if v.stopped || v.ended {
		v.mu.Unlock()
		return
	}
	v.ended = true
	fn := v.onEnded
	v.mu.Unlock()
	if fn != nil {
		fn()
	}
}

var (
	_ audio.Microphone    = (*Microphone)(nil)
	_ audio.CaptureStream = (*CaptureStream)(nil)
	_ audio.Speaker       = (*Speaker)(nil)
	_ audio.OutputDevice  = (*OutputDevice)(nil)
	_ audio.Flusher       = (*OutputDevice)(nil)
	_ audio.Voice         = (*Voice)(nil)
)
