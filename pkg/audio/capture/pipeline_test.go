package capture_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/agrivoice/pkg/audio"
	"github.com/MrWong99/agrivoice/pkg/audio/capture"
	"github.com/MrWong99/agrivoice/pkg/audio/mock"
)

func ramp(n int, from float32) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = from + float32(i)/1e6
	}
	return s
}

func TestPipeline_OpensAtCaptureRate(t *testing.T) {
	t.Parallel()

	mic := &mock.Microphone{}
	h, err := capture.New(mic).Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Stop()

	if len(mic.Rates) != 1 || mic.Rates[0] != audio.CaptureSampleRate {
		t.Errorf("Open rates = %v, want [%d]", mic.Rates, audio.CaptureSampleRate)
	}
}

func TestPipeline_FramesFixedSizeInOrder(t *testing.T) {
	t.Parallel()

	mic := &mock.Microphone{}
	h, err := capture.New(mic, capture.WithFrameSize(4)).Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Stop()

	stream := mic.LastStream()
	// Callback sizes deliberately straddle frame boundaries.
	stream.Emit([]float32{1, 2, 3})
	stream.Emit([]float32{4, 5})
	stream.Emit([]float32{6, 7, 8, 9, 10})

	want := [][]float32{{1, 2, 3, 4}, {5, 6, 7, 8}}
	for i, w := range want {
		select {
		case f := <-h.Frames():
			if f.Seq != uint64(i) {
				t.Errorf("frame %d Seq = %d", i, f.Seq)
			}
			if len(f.Samples) != 4 {
				t.Fatalf("frame %d len = %d, want 4", i, len(f.Samples))
			}
			for j := range w {
				if f.Samples[j] != w[j] {
					t.Errorf("frame %d sample %d = %v, want %v", i, j, f.Samples[j], w[j])
				}
			}
			wantTS := audio.FramesToDuration(int64(i*4), audio.CaptureSampleRate)
			if f.Timestamp != wantTS {
				t.Errorf("frame %d Timestamp = %v, want %v", i, f.Timestamp, wantTS)
			}
		default:
			t.Fatalf("frame %d not emitted", i)
		}
	}
	select {
	case f := <-h.Frames():
		t.Fatalf("unexpected partial frame %+v", f)
	default:
	}
	if got := h.NextSeq(); got != 2 {
		t.Errorf("NextSeq() = %d, want 2", got)
	}
}

func TestPipeline_DefaultFrameSize(t *testing.T) {
	t.Parallel()

	mic := &mock.Microphone{}
	h, err := capture.New(mic).Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Stop()

	mic.LastStream().Emit(ramp(capture.DefaultFrameSize, 0))
	f := <-h.Frames()
	if len(f.Samples) != 4096 {
		t.Errorf("frame len = %d, want 4096", len(f.Samples))
	}
}

func TestPipeline_FullQueueDropsWithoutBlocking(t *testing.T) {
	t.Parallel()

	mic := &mock.Microphone{}
	h, err := capture.New(mic, capture.WithFrameSize(2), capture.WithQueueSize(2)).Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		mic.LastStream().Emit(make([]float32, 10)) // five frames into a queue of two
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("device callback blocked on a full queue")
	}

	if got := h.Dropped(); got != 3 {
		t.Errorf("Dropped() = %d, want 3", got)
	}
	if got := h.NextSeq(); got != 5 {
		t.Errorf("NextSeq() = %d, want 5", got)
	}
	first := <-h.Frames()
	second := <-h.Frames()
	if first.Seq != 0 || second.Seq != 1 {
		t.Errorf("queued seqs = %d, %d, want 0, 1", first.Seq, second.Seq)
	}
}

func TestHandle_StopIdempotentAndClosesDevice(t *testing.T) {
	t.Parallel()

	mic := &mock.Microphone{}
	h, err := capture.New(mic, capture.WithFrameSize(2)).Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	stream := mic.LastStream()

	h.Stop()
	h.Stop()

	if !stream.Closed() {
		t.Error("stream not closed")
	}
	if stream.CallCountClose != 1 {
		t.Errorf("Close called %d times, want 1", stream.CallCountClose)
	}
	if _, ok := <-h.Frames(); ok {
		t.Error("Frames() not closed after Stop")
	}
	// Late callbacks after Stop are ignored.
	stream.Emit([]float32{1, 2, 3, 4})
	if got := h.NextSeq(); got != 0 {
		t.Errorf("NextSeq() = %d after Stop, want 0", got)
	}
}

func TestPipeline_OpenErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		openErr error
		want    error
	}{
		{"permission denied", audio.ErrPermissionDenied, audio.ErrPermissionDenied},
		{"no device", audio.ErrDeviceUnavailable, audio.ErrDeviceUnavailable},
		{"unclassified", errors.New("backend exploded"), audio.ErrDeviceUnavailable},
		{"cancelled", context.Canceled, context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mic := &mock.Microphone{OpenErr: tt.openErr}
			h, err := capture.New(mic).Start(context.Background())
			if h != nil {
				t.Error("expected nil handle on error")
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPipeline_OpenHonoursContext(t *testing.T) {
	t.Parallel()

	mic := &mock.Microphone{Block: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := capture.New(mic).Start(ctx)
		errCh <- err
	}()
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestHandle_LevelTracksInput(t *testing.T) {
	t.Parallel()

	mic := &mock.Microphone{}
	h, err := capture.New(mic).Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Stop()

	if got := h.Level(); got != 0 {
		t.Errorf("Level() before input = %v, want 0", got)
	}
	mic.LastStream().Emit(noise(512, 0.8))
	if got := h.Level(); got <= 0 || got > 1 {
		t.Errorf("Level() after loud input = %v, want in (0, 1]", got)
	}
}

func TestHandle_StopClearsLevel(t *testing.T) {
	t.Parallel()

	mic := &mock.Microphone{}
	h, err := capture.New(mic).Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	stream := mic.LastStream()
	stream.Emit(noise(512, 0.8))
	if got := h.Level(); got <= 0 {
		t.Fatalf("Level() after loud input = %v, want > 0", got)
	}

	h.Stop()
	stream.Emit(noise(512, 0.8))
	if got := h.Level(); got != 0 {
		t.Errorf("Level() after Stop = %v, want 0", got)
	}
}
