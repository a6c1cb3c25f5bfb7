package audio

import "time"

// Fixed sample rates of the voice session. Capture and playback rates are part
// of the wire contract with the remote model and are never negotiated.
const (
	// CaptureSampleRate is the rate of outbound microphone audio in Hz.
	CaptureSampleRate = 16000

	// PlaybackSampleRate is the rate of inbound synthesised speech in Hz.
	PlaybackSampleRate = 24000
)

// Frame is a fixed-length block of microphone samples produced by the capture
// pipeline. Frames are encoded and transmitted immediately; they are not
// retained after send.
type Frame struct {
	// Seq is the capture-order sequence number, starting at 0 for the first
	// frame of a capture handle.
	Seq uint64

	// Samples holds mono float samples in [-1, 1] at [CaptureSampleRate].
	Samples []float32

	// Timestamp marks the frame start relative to capture start.
	Timestamp time.Duration
}

// Buffer is a decoded, playable block of mono audio.
type Buffer struct {
	// Samples holds float samples in [-1, 1].
	Samples []float32

	// SampleRate in Hz. Must be > 0.
	SampleRate int
}

// Len returns the number of sample frames in the buffer.
func (b *Buffer) Len() int { return len(b.Samples) }

// Duration returns the playback length of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return FramesToDuration(int64(len(b.Samples)), b.SampleRate)
}

// FramesToDuration converts a sample-frame count at rate to a duration.
func FramesToDuration(frames int64, rate int) time.Duration {
	return time.Duration(frames * int64(time.Second) / int64(rate))
}

// DurationToFrames converts d to the nearest sample-frame index at rate.
func DurationToFrames(d time.Duration, rate int) int64 {
	num := int64(d) * int64(rate)
	if num >= 0 {
		return (num + int64(time.Second)/2) / int64(time.Second)
	}
	return -((-num + int64(time.Second)/2) / int64(time.Second))
}
