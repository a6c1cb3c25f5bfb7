// Package oto implements [audio.Speaker] on top of github.com/ebitengine/oto/v3.
//
// Each opened device is a [playout.Timeline] pulled by an oto player, so
// buffers are placed sample-accurately on the timeline clock while oto only
// ever sees one continuous 16-bit mono stream.
package oto

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	otolib "github.com/ebitengine/oto/v3"

	"github.com/MrWong99/agrivoice/pkg/audio"
	"github.com/MrWong99/agrivoice/pkg/audio/playout"
)

// Compile-time interface assertions.
var (
	_ audio.Speaker      = (*Speaker)(nil)
	_ audio.OutputDevice = (*device)(nil)
	_ audio.Flusher      = (*device)(nil)
	_ player             = (*otolib.Player)(nil)
)

// DefaultBuffer is the amount of audio oto buffers ahead of the speaker.
const DefaultBuffer = 100 * time.Millisecond

// oto allows a single context per process and fixes its sample rate at
// creation.
var (
	sharedMu    sync.Mutex
	sharedCtx   *otolib.Context
	sharedReady chan struct{}
	sharedRate  int
)

func sharedContext(ctx context.Context, rate int, buffer time.Duration) (*otolib.Context, error) {
	sharedMu.Lock()
	if sharedCtx == nil {
		c, ready, err := otolib.NewContext(&otolib.NewContextOptions{
			SampleRate:   rate,
			ChannelCount: 1,
			Format:       otolib.FormatSignedInt16LE,
			BufferSize:   buffer,
		})
		if err != nil {
			sharedMu.Unlock()
			return nil, fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, err)
		}
		sharedCtx, sharedReady, sharedRate = c, ready, rate
	}
	c, ready, cur := sharedCtx, sharedReady, sharedRate
	sharedMu.Unlock()

	if cur != rate {
		return nil, fmt.Errorf("%w: output already running at %d Hz, cannot open at %d Hz", audio.ErrDeviceUnavailable, cur, rate)
	}
	select {
	case <-ready:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Option configures a [Speaker].
type Option func(*Speaker)

// WithBuffer sets the output buffer length. Smaller buffers lower latency at
// the risk of underruns.
func WithBuffer(d time.Duration) Option {
	return func(s *Speaker) {
		if d > 0 {
			s.buffer = d
		}
	}
}

// Speaker opens the default output device.
type Speaker struct {
	buffer time.Duration
}

// NewSpeaker returns a speaker backed by the default oto output.
func NewSpeaker(opts ...Option) *Speaker {
	s := &Speaker{buffer: DefaultBuffer}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open implements [audio.Speaker]. Every call starts a fresh timeline whose
// clock begins at zero.
func (s *Speaker) Open(ctx context.Context, sampleRate int) (audio.OutputDevice, error) {
	c, err := sharedContext(ctx, sampleRate, s.buffer)
	if err != nil {
		return nil, fmt.Errorf("oto: open: %w", err)
	}

	tl := playout.NewTimeline(sampleRate)
	p := c.NewPlayer(tl)
	p.SetBufferSize(bufferBytes(s.buffer, sampleRate))
	p.Play()
	return &device{Timeline: tl, player: p}, nil
}

// bufferBytes converts a buffer duration to a 16-bit mono byte count.
func bufferBytes(d time.Duration, rate int) int {
	return int(audio.DurationToFrames(d, rate)) * 2
}

// player is the subset of *otolib.Player a device drives.
type player interface {
	Play()
	Pause()
	Reset()
	Close() error
}

// device couples a timeline with the player pulling from it.
type device struct {
	*playout.Timeline
	player player

	mu     sync.Mutex
	closed bool
}

// Flush drops the PCM the player has already pulled from the timeline but not
// yet handed to the speaker, then resumes pulling. The timeline clock is
// unaffected.
func (d *device) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.player.Pause()
	d.player.Reset()
	d.player.Play()
}

// Close stops the player and the timeline.
func (d *device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.player.Pause()
	if err := d.Timeline.Close(); err != nil {
		slog.Debug("oto: close timeline", "err", err)
	}
	if err := d.player.Close(); err != nil {
		slog.Debug("oto: close player", "err", err)
	}
	return nil
}
