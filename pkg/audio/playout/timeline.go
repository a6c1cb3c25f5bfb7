package playout

import (
	"container/heap"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/agrivoice/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.OutputDevice = (*Timeline)(nil)
	_ io.Reader          = (*Timeline)(nil)
)

// Timeline is a pull-based [audio.OutputDevice]. Buffers placed with
// [Timeline.Play] are mixed into a single mono stream that a platform player
// consumes through [Timeline.Read] as 16-bit little-endian PCM.
//
// The timeline clock is the number of sample frames rendered so far, so time
// only advances while something reads. Silence is rendered where no voice is
// placed.
//
// All exported methods are safe for concurrent use.
type Timeline struct {
	rate int

	mu      sync.Mutex
	pos     int64     // frames rendered so far
	pending voiceHeap // voices starting at or after pos
	active  []*voice  // voices overlapping the render window
	seq     uint64
	closed  bool
	mix     []float32 // reusable render scratch
}

// NewTimeline creates an empty timeline rendering at sampleRate Hz.
// sampleRate must be > 0.
func NewTimeline(sampleRate int) *Timeline {
	return &Timeline{
		rate:    sampleRate,
		pending: make(voiceHeap, 0, 16),
	}
}

// SampleRate returns the rendering rate in Hz.
func (t *Timeline) SampleRate() int { return t.rate }

// CurrentTime implements [audio.OutputDevice]. It reports the amount of audio
// rendered so far.
func (t *Timeline) CurrentTime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return audio.FramesToDuration(t.pos, t.rate)
}

// Play implements [audio.OutputDevice]. The start time is rounded to the
// nearest sample frame; a start that has already been rendered is moved to the
// current position. onEnded is invoked from the goroutine calling Read, after
// the last sample of buf has been rendered.
func (t *Timeline) Play(buf *audio.Buffer, at time.Duration, onEnded func()) (audio.Voice, error) {
	if buf == nil {
		return nil, fmt.Errorf("playout: play: nil buffer")
	}
	if buf.SampleRate != t.rate {
		return nil, fmt.Errorf("playout: play: buffer rate %d does not match device rate %d", buf.SampleRate, t.rate)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, audio.ErrDeviceClosed
	}

	t.seq++
	v := &voice{
		tl:      t,
		samples: buf.Samples,
		start:   max(audio.DurationToFrames(at, t.rate), t.pos),
		seq:     t.seq,
		onEnded: onEnded,
	}
	heap.Push(&t.pending, v)
	return v, nil
}

// Read implements [io.Reader]. It renders len(p)/2 frames of the mixed
// timeline into p and advances the clock. Mixed samples are clamped to
// [-1, 1]. After Close, Read returns io.EOF.
func (t *Timeline) Read(p []byte) (int, error) {
	n := len(p) / 2

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, io.EOF
	}
	if n == 0 {
		t.mu.Unlock()
		return 0, nil
	}

	if cap(t.mix) < n {
		t.mix = make([]float32, n)
	}
	mix := t.mix[:n]
	clear(mix)

	from, to := t.pos, t.pos+int64(n)

	// Promote voices whose start falls inside the window.
	for t.pending.Len() > 0 && t.pending[0].start < to {
		v := heap.Pop(&t.pending).(*voice)
		if !v.stopped {
			t.active = append(t.active, v)
		}
	}

	var ended []func()
	kept := t.active[:0]
	for _, v := range t.active {
		if v.stopped {
			continue
		}
		end := v.start + int64(len(v.samples))
		lo, hi := max(v.start, from), min(end, to)
		for f := lo; f < hi; f++ {
			mix[f-from] += v.samples[f-v.start]
		}
		if end <= to {
			v.done = true
			if v.onEnded != nil {
				ended = append(ended, v.onEnded)
			}
			continue
		}
		kept = append(kept, v)
	}
	clear(t.active[len(kept):])
	t.active = kept

	for i, s := range mix {
		mix[i] = max(-1, min(1, s))
	}
	audio.EncodeTo(p, mix)
	t.pos = to
	t.mu.Unlock()

	for _, fn := range ended {
		fn()
	}
	return n * 2, nil
}

// Close implements [audio.OutputDevice]. All voices are dropped without
// invoking their end callbacks. Close is idempotent.
func (t *Timeline) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for _, v := range t.pending {
		v.stopped = true
	}
	for _, v := range t.active {
		v.stopped = true
	}
	t.pending = nil
	t.active = nil
	return nil
}

// voice is a buffer placed on a [Timeline]. Mutable fields are guarded by the
// owning timeline's mutex.
type voice struct {
	tl      *Timeline
	samples []float32
	start   int64 // first frame
	seq     uint64
	onEnded func()
	stopped bool
	done    bool
}

// Start implements [audio.Voice].
func (v *voice) Start() time.Duration {
	return audio.FramesToDuration(v.start, v.tl.rate)
}

// Stop implements [audio.Voice]. A stopped voice renders nothing further and
// its end callback is never invoked.
func (v *voice) Stop() {
	v.tl.mu.Lock()
	defer v.tl.mu.Unlock()
	if !v.done {
		v.stopped = true
	}
}
