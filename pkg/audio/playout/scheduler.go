// Package playout schedules decoded speech buffers back-to-back on an
// [audio.OutputDevice] so that consecutive chunks play without gaps or
// overlap, and cuts all queued speech at once when the user barges in.
//
// [Scheduler] owns the playback cursor: the device time at which the next
// buffer begins. Each buffer starts at the cursor, or at now plus the
// configured lead once the clock has caught up, and advances the cursor by
// its duration. [Timeline] is a pull-based device implementation
// that platform players (see audio/oto) read PCM from.
package playout

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/agrivoice/pkg/audio"
)

// ErrClosed is returned by [Scheduler.Schedule] after [Scheduler.Teardown].
var ErrClosed = errors.New("playout: scheduler closed")

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithLead delays buffers that would otherwise start immediately, because the
// cursor has reached or fallen behind the device clock, by d. Zero (the default) starts
// them at the current device time.
func WithLead(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.lead = d
		}
	}
}

// WithOnDrained registers fn to be called whenever the last pending buffer
// finishes playing naturally. fn is invoked from the device's render goroutine
// and must not block.
func WithOnDrained(fn func()) Option {
	return func(s *Scheduler) {
		s.onDrained = fn
	}
}

// Scheduler places buffers gaplessly on an output device.
//
// All exported methods are safe for concurrent use.
type Scheduler struct {
	dev       audio.OutputDevice
	lead      time.Duration
	onDrained func()

	mu      sync.Mutex
	cursor  time.Duration
	nextID  uint64
	pending map[uint64]audio.Voice // scheduled and not yet finished
	closed  bool
}

// NewScheduler creates a scheduler that owns dev. The cursor starts at zero.
func NewScheduler(dev audio.OutputDevice, opts ...Option) *Scheduler {
	s := &Scheduler{
		dev:     dev,
		pending: make(map[uint64]audio.Voice),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Schedule places buf on the device at the cursor, or at now plus the lead
// when the cursor is not ahead of the device clock. It advances the cursor
// to the end of buf and returns the effective start time. Empty buffers are
// ignored and return the current cursor.
func (s *Scheduler) Schedule(buf *audio.Buffer) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}
	if buf == nil || buf.Len() == 0 {
		return s.cursor, nil
	}

	start := s.cursor
	if now := s.dev.CurrentTime(); start <= now {
		start = now + s.lead
	}

	s.nextID++
	id := s.nextID
	v, err := s.dev.Play(buf, start, func() { s.ended(id) })
	if err != nil {
		return 0, fmt.Errorf("playout: schedule: %w", err)
	}
	s.pending[id] = v
	s.cursor = v.Start() + buf.Duration()
	return v.Start(), nil
}

// Flush stops every pending buffer and moves the cursor to the current device
// time, so the next buffer starts there. If the device implements
// [audio.Flusher], audio it has already rendered downstream is discarded too.
// The device stays open.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.stopAllLocked()
	s.cursor = s.dev.CurrentTime()
	s.mu.Unlock()

	// Outside s.mu: the device's render goroutine reports ended voices
	// back into the scheduler.
	if f, ok := s.dev.(audio.Flusher); ok {
		f.Flush()
	}
}

// Teardown stops every pending buffer and closes the device. Teardown is
// idempotent; only the first call closes the device and reports its error.
func (s *Scheduler) Teardown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.stopAllLocked()
	s.mu.Unlock()

	if err := s.dev.Close(); err != nil {
		return fmt.Errorf("playout: close device: %w", err)
	}
	return nil
}

// Cursor returns the device time at which the next buffer would start if the
// device clock has not passed it.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Pending returns the number of scheduled buffers that have not finished.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// stopAllLocked stops and forgets all pending voices. Must be called with
// s.mu held.
func (s *Scheduler) stopAllLocked() {
	for id, v := range s.pending {
		v.Stop()
		delete(s.pending, id)
	}
}

// ended removes a naturally finished voice. Voices already removed by a
// flush are ignored.
func (s *Scheduler) ended(id uint64) {
	s.mu.Lock()
	_, ok := s.pending[id]
	delete(s.pending, id)
	drained := ok && len(s.pending) == 0 && !s.closed
	fn := s.onDrained
	s.mu.Unlock()

	if drained && fn != nil {
		fn()
	}
}
