// Package capture turns a live microphone into a stream of fixed-size audio
// frames for transmission and a loudness estimate for visual feedback.
//
// A [Pipeline] opens the microphone at [audio.CaptureSampleRate] and installs
// two taps on the raw signal: a framer that cuts the signal into
// [audio.Frame] values of a fixed length, and an [Analyser]. The device
// callback never blocks: frames go into a bounded queue and are dropped, and
// counted, when the consumer falls behind.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/agrivoice/pkg/audio"
)

const (
	// DefaultFrameSize is the number of samples per outbound frame.
	DefaultFrameSize = 4096

	// DefaultQueueSize is the capacity of the frame queue.
	DefaultQueueSize = 32
)

// Option configures a [Pipeline] during construction.
type Option func(*Pipeline)

// WithFrameSize sets the number of samples per emitted frame. Non-positive
// values are ignored.
func WithFrameSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.frameSize = n
		}
	}
}

// WithQueueSize sets the capacity of the frame queue. Non-positive values are
// ignored.
func WithQueueSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithAnalyser configures the loudness analyser of every handle.
// See [NewAnalyser] for accepted values.
func WithAnalyser(fftSize int, smoothing float64) Option {
	return func(p *Pipeline) {
		p.fftSize = fftSize
		p.smoothing = smoothing
	}
}

// Pipeline opens capture handles on a microphone. A Pipeline holds no device
// state itself and may start any number of sequential handles.
type Pipeline struct {
	mic       audio.Microphone
	frameSize int
	queueSize int
	fftSize   int
	smoothing float64
}

// New creates a capture pipeline over mic.
func New(mic audio.Microphone, opts ...Option) *Pipeline {
	p := &Pipeline{
		mic:       mic,
		frameSize: DefaultFrameSize,
		queueSize: DefaultQueueSize,
		fftSize:   DefaultFFTSize,
		smoothing: DefaultSmoothing,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start opens the microphone and begins framing. Errors wrap
// [audio.ErrPermissionDenied] or [audio.ErrDeviceUnavailable], except when
// ctx ends first, in which case the context error is returned.
func (p *Pipeline) Start(ctx context.Context) (*Handle, error) {
	stream, err := p.mic.Open(ctx, audio.CaptureSampleRate)
	if err != nil {
		return nil, fmt.Errorf("capture: open microphone: %w", classify(err))
	}

	h := &Handle{
		stream:    stream,
		analyser:  NewAnalyser(p.fftSize, p.smoothing),
		frameSize: p.frameSize,
		frames:    make(chan audio.Frame, p.queueSize),
		pending:   make([]float32, 0, p.frameSize),
	}
	if err := stream.Start(h.onSamples); err != nil {
		h.Stop()
		return nil, fmt.Errorf("capture: start microphone: %w", classify(err))
	}
	return h, nil
}

// classify attaches [audio.ErrDeviceUnavailable] to device errors that carry
// no kind yet.
func classify(err error) error {
	switch {
	case errors.Is(err, audio.ErrPermissionDenied),
		errors.Is(err, audio.ErrDeviceUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, err)
}

// Handle is a running capture. Frames are read from [Handle.Frames]; the
// channel is closed by [Handle.Stop].
type Handle struct {
	stream    audio.CaptureStream
	analyser  *Analyser
	frameSize int
	frames    chan audio.Frame
	dropped   atomic.Uint64

	mu      sync.Mutex
	pending []float32
	seq     uint64
	stopped bool

	stopOnce sync.Once
}

// Frames returns the frame queue. It is closed once [Handle.Stop] returns.
func (h *Handle) Frames() <-chan audio.Frame { return h.frames }

// Level returns the current loudness estimate in [0, 1].
func (h *Handle) Level() float64 { return h.analyser.Level() }

// NextSeq returns the sequence number the next emitted frame will carry.
// Every frame carrying a smaller number has already been emitted or dropped.
func (h *Handle) NextSeq() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq
}

// Dropped returns how many frames were discarded because the queue was full.
func (h *Handle) Dropped() uint64 { return h.dropped.Load() }

// Stop disconnects both taps and closes the device. Level reads 0 afterwards.
// Stop is idempotent and never fails; device errors are logged.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		h.stopped = true
		h.pending = nil
		close(h.frames)
		h.mu.Unlock()
		h.analyser.Reset()

		if err := h.stream.Close(); err != nil {
			slog.Debug("capture: close microphone", "err", err)
		}
	})
}

// onSamples runs on the device thread.
func (h *Handle) onSamples(samples []float32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}

	h.analyser.Write(samples)

	for len(samples) > 0 {
		take := min(h.frameSize-len(h.pending), len(samples))
		h.pending = append(h.pending, samples[:take]...)
		samples = samples[take:]
		if len(h.pending) < h.frameSize {
			return
		}

		f := audio.Frame{
			Seq:       h.seq,
			Samples:   h.pending,
			Timestamp: audio.FramesToDuration(int64(h.seq)*int64(h.frameSize), audio.CaptureSampleRate),
		}
		h.seq++
		h.pending = make([]float32, 0, h.frameSize)

		select {
		case h.frames <- f:
		default:
			h.dropped.Add(1)
		}
	}
}
