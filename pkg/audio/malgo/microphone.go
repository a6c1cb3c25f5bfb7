// Package malgo implements [audio.Microphone] on top of miniaudio through
// github.com/gen2brain/malgo. Capture runs in 32-bit float mono at the rate
// requested by the caller; the device callback hands samples straight to the
// registered consumer.
package malgo

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync"

	ma "github.com/gen2brain/malgo"

	"github.com/MrWong99/agrivoice/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Microphone    = (*Microphone)(nil)
	_ audio.CaptureStream = (*stream)(nil)
)

// DefaultPeriod is the capture callback period in milliseconds.
const DefaultPeriod = 20

var (
	sharedOnce sync.Once
	sharedCtx  *ma.AllocatedContext
	sharedErr  error
)

// sharedContext returns the process-wide miniaudio context.
func sharedContext() (*ma.AllocatedContext, error) {
	sharedOnce.Do(func() {
		sharedCtx, sharedErr = ma.InitContext(nil, ma.ContextConfig{
			ThreadPriority: ma.ThreadPriorityRealtime,
		}, nil)
	})
	return sharedCtx, sharedErr
}

// Option configures a [Microphone].
type Option func(*Microphone)

// WithPeriod sets the capture callback period in milliseconds.
func WithPeriod(ms int) Option {
	return func(m *Microphone) {
		if ms > 0 {
			m.periodMS = ms
		}
	}
}

// Microphone opens the default capture device.
type Microphone struct {
	periodMS int
}

// NewMicrophone returns a microphone backed by the default miniaudio capture
// device.
func NewMicrophone(opts ...Option) *Microphone {
	m := &Microphone{periodMS: DefaultPeriod}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Open implements [audio.Microphone]. Device initialisation can block while
// the operating system asks for permission; if ctx ends first Open returns
// the context error and releases the device in the background once it
// appears.
func (m *Microphone) Open(ctx context.Context, sampleRate int) (audio.CaptureStream, error) {
	mctx, err := sharedContext()
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w", classify(err))
	}

	cfg := ma.DefaultDeviceConfig(ma.Capture)
	cfg.Capture.Format = ma.FormatF32
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(sampleRate)
	cfg.PeriodSizeInMilliseconds = uint32(m.periodMS)

	s := &stream{}
	type result struct {
		dev *ma.Device
		err error
	}
	ch := make(chan result, 1)
	go func() {
		dev, err := ma.InitDevice(mctx.Context, cfg, ma.DeviceCallbacks{Data: s.onData})
		ch <- result{dev, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("malgo: init capture device: %w", classify(r.err))
		}
		s.dev = r.dev
		return s, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.dev != nil {
				r.dev.Uninit()
			}
		}()
		return nil, ctx.Err()
	}
}

// classify maps miniaudio failures onto the audio error kinds.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "denied") || strings.Contains(msg, "permission") {
		return fmt.Errorf("%w: %w", audio.ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, err)
}

type stream struct {
	dev *ma.Device

	mu      sync.Mutex
	fn      func([]float32)
	scratch []float32
	closed  bool
}

func (s *stream) Start(fn func([]float32)) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return audio.ErrDeviceClosed
	}
	s.fn = fn
	s.mu.Unlock()

	if err := s.dev.Start(); err != nil {
		return fmt.Errorf("malgo: start capture: %w", classify(err))
	}
	return nil
}

// Close waits for an in-flight callback to return before releasing the
// device, so fn is never invoked after Close returns.
func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.fn = nil
	s.mu.Unlock()

	s.dev.Uninit()
	return nil
}

func (s *stream) onData(_, input []byte, _ uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.fn == nil {
		return
	}
	s.scratch = decodeF32(s.scratch, input)
	s.fn(s.scratch)
}

// decodeF32 reinterprets little-endian float32 bytes as samples, reusing dst.
func decodeF32(dst []float32, b []byte) []float32 {
	n := len(b) / 4
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return dst
}
