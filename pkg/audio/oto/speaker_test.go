package oto

import (
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/agrivoice/pkg/audio"
	"github.com/MrWong99/agrivoice/pkg/audio/playout"
)

// fakePlayer records the calls a device makes on its player.
type fakePlayer struct {
	mu    sync.Mutex
	calls []string
}

func (p *fakePlayer) record(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, name)
}

func (p *fakePlayer) Play()        { p.record("play") }
func (p *fakePlayer) Pause()       { p.record("pause") }
func (p *fakePlayer) Reset()       { p.record("reset") }
func (p *fakePlayer) Close() error { p.record("close"); return nil }

func (p *fakePlayer) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.calls)
}

func newTestDevice() (*device, *fakePlayer) {
	p := &fakePlayer{}
	return &device{Timeline: playout.NewTimeline(audio.PlaybackSampleRate), player: p}, p
}

func TestBufferBytes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		d    time.Duration
		rate int
		want int
	}{
		{100 * time.Millisecond, 24000, 4800},
		{20 * time.Millisecond, 16000, 640},
		{0, 24000, 0},
	}
	for _, tt := range tests {
		if got := bufferBytes(tt.d, tt.rate); got != tt.want {
			t.Errorf("bufferBytes(%v, %d) = %d, want %d", tt.d, tt.rate, got, tt.want)
		}
	}
}

func TestNewSpeaker_Options(t *testing.T) {
	t.Parallel()

	if got := NewSpeaker().buffer; got != DefaultBuffer {
		t.Errorf("default buffer = %v, want %v", got, DefaultBuffer)
	}
	if got := NewSpeaker(WithBuffer(40 * time.Millisecond)).buffer; got != 40*time.Millisecond {
		t.Errorf("buffer = %v, want 40ms", got)
	}
	if got := NewSpeaker(WithBuffer(-1)).buffer; got != DefaultBuffer {
		t.Errorf("negative buffer accepted: %v", got)
	}
}

func TestDevice_FlushDropsPlayerBuffer(t *testing.T) {
	t.Parallel()

	d, p := newTestDevice()
	buf := &audio.Buffer{Samples: make([]float32, 2400), SampleRate: audio.PlaybackSampleRate}
	if _, err := d.Play(buf, 0, nil); err != nil {
		t.Fatalf("Play: %v", err)
	}
	out := make([]byte, 960)
	if _, err := d.Read(out); err != nil {
		t.Fatalf("Read: %v", err)
	}
	before := d.CurrentTime()

	d.Flush()

	want := []string{"pause", "reset", "play"}
	if got := p.Calls(); !slices.Equal(got, want) {
		t.Errorf("player calls = %v, want %v", got, want)
	}
	if got := d.CurrentTime(); got != before {
		t.Errorf("CurrentTime() after flush = %v, want %v", got, before)
	}
}

func TestDevice_FlushAfterCloseIsNoop(t *testing.T) {
	t.Parallel()

	d, p := newTestDevice()
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	d.Flush()

	want := []string{"pause", "close"}
	if got := p.Calls(); !slices.Equal(got, want) {
		t.Errorf("player calls = %v, want %v", got, want)
	}
}

func TestDevice_CloseIdempotent(t *testing.T) {
	t.Parallel()

	d, p := newTestDevice()
	for i := range 3 {
		if err := d.Close(); err != nil {
			t.Fatalf("Close %d: %v", i, err)
		}
	}
	if got := p.Calls(); !slices.Equal(got, []string{"pause", "close"}) {
		t.Errorf("player calls = %v, want one pause and one close", got)
	}
}
