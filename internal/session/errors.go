package session

import (
	"context"
	"errors"

	"github.com/MrWong99/agrivoice/pkg/audio"
)

// Error kinds reported by [Manager]. Match them with errors.Is.
var (
	// ErrPermissionDenied means the user or the OS refused microphone or
	// speaker access.
	ErrPermissionDenied = audio.ErrPermissionDenied

	// ErrDeviceUnavailable means no usable audio device could be opened.
	ErrDeviceUnavailable = audio.ErrDeviceUnavailable

	// ErrNetworkOpenFailed means the remote session could not be established.
	ErrNetworkOpenFailed = errors.New("session: network open failed")

	// ErrNetworkRuntime means an established session failed: the remote side
	// reported an error or the transport broke. It is never retried.
	ErrNetworkRuntime = errors.New("session: connection error")

	// ErrAlreadyConnected is returned by Connect unless the manager is idle.
	ErrAlreadyConnected = errors.New("session: already connected")

	// ErrConnectCancelled is returned by Connect when Disconnect interrupted it.
	ErrConnectCancelled = errors.New("session: connect cancelled")

	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("session: manager closed")
)

// runtimeMessage is the text shown to users for [ErrNetworkRuntime].
const runtimeMessage = "Connection error occurred."

// UserMessage returns the text a UI should display for err. Runtime network
// failures map to a fixed message; device and handshake failures keep their
// own description. A nil error yields "".
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNetworkRuntime):
		return runtimeMessage
	case errors.Is(err, ErrPermissionDenied):
		return "Microphone access was denied."
	}
	return err.Error()
}

// errorKind names the taxonomy entry of err for metrics and logs.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrDeviceUnavailable):
		return "device_unavailable"
	case errors.Is(err, ErrNetworkOpenFailed):
		return "network_open"
	case errors.Is(err, ErrNetworkRuntime):
		return "network_runtime"
	case errors.Is(err, ErrConnectCancelled),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, audio.ErrCodec):
		return "codec"
	}
	return "other"
}
