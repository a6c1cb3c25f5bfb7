// Package s2s defines the Provider interface for Speech-to-Speech (S2S) backends.
//
// An S2S provider wraps a real-time voice model that accepts raw microphone
// audio and returns synthesised speech in a single, stateful session. The
// central abstraction is SessionHandle: outbound audio is sent with SendAudio,
// everything the remote side produces arrives in order on a single Event
// channel, so interruption is always observed after the audio that preceded it.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"time"
)

// DefaultModel is the Gemini Live model used when a SessionConfig leaves Model
// empty.
const DefaultModel = "gemini-2.5-flash-native-audio-preview-12-2025"

// DefaultVoice is the prebuilt voice used when a SessionConfig leaves Voice
// empty.
const DefaultVoice = "Zephyr"

// InputMIMEType is the MIME type of outbound audio: 16-bit little-endian mono
// PCM at 16 kHz.
const InputMIMEType = "audio/pcm;rate=16000"

// SessionConfig is the fixed configuration of a new S2S session. The response
// modality is always audio.
type SessionConfig struct {
	// Model overrides the provider's default model when non-empty.
	Model string

	// Voice is the name of the prebuilt voice used for synthesised speech.
	Voice string

	// Instructions is the system-level prompt that defines the assistant's
	// persona and behavioural constraints.
	Instructions string

	// Transcription asks the remote side to transcribe both the user's speech
	// and its own spoken output. Transcripts arrive as EventTranscript.
	Transcription bool
}

// Capabilities describes static properties of the S2S provider.
type Capabilities struct {
	// MaxSessionDuration is the upper bound on session lifetime imposed by the
	// provider. Zero means no documented limit.
	MaxSessionDuration time.Duration

	// Voices lists the prebuilt voice names the provider accepts.
	Voices []string
}

// EventKind identifies the kind of an [Event].
type EventKind int

const (
	// EventAudio carries a chunk of synthesised speech: 16-bit little-endian
	// mono PCM at 24 kHz.
	EventAudio EventKind = iota + 1

	// EventInterrupted reports that the remote side detected user speech and
	// abandoned its current response. Audio already delivered is stale.
	EventInterrupted

	// EventTurnComplete reports that the model finished its response.
	EventTurnComplete

	// EventTranscript carries a fragment of user or model transcription.
	EventTranscript

	// EventError reports an error raised by the remote side.
	EventError

	// EventClosed reports that the remote side ended the session normally.
	EventClosed
)

// String returns a lowercase name for k.
func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventInterrupted:
		return "interrupted"
	case EventTurnComplete:
		return "turn_complete"
	case EventTranscript:
		return "transcript"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Role identifies the speaker of a transcript fragment.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Transcript is a fragment of recognised or generated speech.
type Transcript struct {
	Role Role
	Text string
}

// Event is a single item received from the remote side.
type Event struct {
	Kind EventKind

	// Audio is set for EventAudio.
	Audio []byte

	// Transcript is set for EventTranscript.
	Transcript Transcript

	// Err is set for EventError.
	Err error
}

// SessionHandle represents an open S2S session. It is an interface so that test
// code can supply mock implementations without a live provider connection.
//
// All methods must be safe for concurrent use. Callers must call Close when the
// session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers one chunk of 16 kHz 16-bit little-endian mono PCM to
	// the remote side as a single realtime-input message. Returns an error if
	// the session is closed or the transport fails.
	SendAudio(pcm []byte) error

	// Events returns the channel on which remote events arrive in arrival
	// order. The channel is closed when the session ends for any reason.
	// Consumers must drain it promptly to avoid stalling the receive loop.
	Events() <-chan Event

	// Err returns the transport error that ended the session, or nil if the
	// session ended cleanly (closed locally or by the remote side). Check Err
	// after the Events channel is closed.
	Err() error

	// Close terminates the session, releases all resources and closes the
	// Events channel. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Connect opens a new session and returns only after the remote side has
	// acknowledged the configuration, so the handle is ready for audio.
	// ctx bounds the handshake only; the session outlives it.
	//
	// The caller owns the SessionHandle and is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about this provider.
	Capabilities() Capabilities
}
