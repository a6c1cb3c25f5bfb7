// Package audio defines the audio types, the PCM wire codec and the device
// interfaces used by the live voice session.
//
// The device abstractions mirror the two halves of a duplex voice call:
//
//   - [Microphone]: opens a [CaptureStream] that pushes mono float samples
//     from the capture device to a callback.
//   - [Speaker]: opens an [OutputDevice] with its own playback clock on
//     which decoded [Buffer] values are placed at absolute times.
//
// Implementations live in backend packages (audio/malgo, audio/oto) and in
// audio/mock for tests. The interfaces are intentionally narrow: the session
// layer decides when devices are opened and closed, devices never manage
// their own lifetime.
package audio

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPermissionDenied is returned when the user or the operating system
	// declines access to an audio device.
	ErrPermissionDenied = errors.New("audio: permission denied")

	// ErrDeviceUnavailable is returned when no usable audio device exists or
	// the device cannot be initialised.
	ErrDeviceUnavailable = errors.New("audio: device unavailable")

	// ErrDeviceClosed is returned by operations on a closed device.
	ErrDeviceClosed = errors.New("audio: device closed")
)

// CaptureStream is an open capture device.
//
// Implementations must be safe for concurrent use. Close must be idempotent.
type CaptureStream interface {
	// Start begins delivering samples to fn. fn is invoked on the device's
	// own thread with mono float samples in [-1, 1]; it must return quickly
	// and must not retain the slice after returning.
	Start(fn func(samples []float32)) error

	// Close stops capture and releases the device. After Close returns, fn
	// is no longer invoked.
	Close() error
}

// Microphone opens capture streams.
type Microphone interface {
	// Open acquires the capture device at the given sample rate. It blocks
	// while the platform asks the user for permission and honours ctx.
	// Errors wrap [ErrPermissionDenied] or [ErrDeviceUnavailable].
	Open(ctx context.Context, sampleRate int) (CaptureStream, error)
}

// Voice is a single buffer placed on an [OutputDevice] timeline.
type Voice interface {
	// Start reports the device time at which playback of the buffer begins.
	Start() time.Duration

	// Stop ends playback immediately. Safe to call more than once and after
	// the voice has finished.
	Stop()
}

// OutputDevice is an open playback device with a monotonic playback clock.
//
// Implementations must be safe for concurrent use. Close must be idempotent.
type OutputDevice interface {
	// CurrentTime reports how much audio the device has played since it was
	// opened.
	CurrentTime() time.Duration

	// Play places buf on the timeline starting at device time at. If at
	// already lies in the past the buffer starts as soon as possible and
	// [Voice.Start] reports the effective start. onEnded, if non-nil, is
	// invoked once when the buffer finishes playing naturally; it is not
	// invoked for voices ended by [Voice.Stop] or Close.
	Play(buf *Buffer, at time.Duration, onEnded func()) (Voice, error)

	// Close stops all voices and releases the device.
	Close() error
}

// Flusher is implemented by output devices that buffer rendered audio
// downstream of their timeline. Flush discards that audio so it is never heard.
type Flusher interface {
	Flush()
}

// Speaker opens playback devices.
type Speaker interface {
	// Open acquires the output device at the given sample rate.
	// Errors wrap [ErrPermissionDenied] or [ErrDeviceUnavailable].
	Open(ctx context.Context, sampleRate int) (OutputDevice, error)
}
