// Package live defines the Provider interface for realtime duplex translation
// backends.
//
// A live provider wraps a speech-to-speech service that accepts a continuous
// stream of encoded microphone frames and answers with synthesized translated
// speech plus incremental transcripts for both directions, all over a single
// stateful bidirectional connection. Examples include the Gemini Live API and
// the OpenAI Realtime API.
//
// The central abstraction is Session: outbound audio goes in through Send,
// and everything the remote service produces comes back as a single ordered
// stream of Event values. Sessions are long-lived (seconds to minutes) and
// carry exactly one conversation.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/dolmetra/pkg/audio"
)

// ErrSessionClosed is returned by [Session.Send] after Close.
var ErrSessionClosed = errors.New("live: session closed")

// ErrSendQueueFull is returned by [Session.Send] when the outbound queue has
// no room. The frame is dropped; the caller decides whether to log the loss.
var ErrSendQueueFull = errors.New("live: send queue full")

// Side identifies which direction of the conversation a transcript fragment
// belongs to.
type Side int

const (
	// SideUser marks transcripts of recognised microphone speech.
	SideUser Side = iota

	// SideModel marks transcripts of the synthesized translation.
	SideModel
)

// String returns the human-readable name of the side.
func (s Side) String() string {
	switch s {
	case SideUser:
		return "user"
	case SideModel:
		return "model"
	default:
		return "unknown"
	}
}

// EventType classifies the events emitted on a session's event stream.
type EventType int

const (
	// EventOpened is emitted exactly once, when the remote service has
	// accepted the session configuration and is ready for audio.
	EventOpened EventType = iota

	// EventAudio carries one chunk of synthesized speech.
	EventAudio

	// EventTranscript carries one incremental transcript fragment.
	EventTranscript

	// EventTurnComplete marks the end of the model's current utterance.
	EventTurnComplete

	// EventInterrupted signals that the remote service detected user speech
	// over in-progress output. Buffered playback is stale and must be flushed.
	EventInterrupted

	// EventError carries a mid-stream fault. The session is no longer usable;
	// the caller should close it and may connect again.
	EventError

	// EventClosed is the final event of a session. No events follow it.
	EventClosed
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventOpened:
		return "opened"
	case EventAudio:
		return "audio"
	case EventTranscript:
		return "transcript"
	case EventTurnComplete:
		return "turnComplete"
	case EventInterrupted:
		return "interrupted"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one entry of a session's ordered event stream. Type selects which
// of the remaining fields are meaningful.
type Event struct {
	// Type classifies the event.
	Type EventType

	// Chunk holds the synthesized audio for EventAudio.
	Chunk audio.Chunk

	// Side tells which direction an EventTranscript fragment belongs to.
	Side Side

	// Text is the transcript fragment for EventTranscript.
	Text string

	// Err describes the fault for EventError.
	Err error
}

// ConnectError reports a failure to establish a session: authentication
// rejected, transport refused, or the configuration handshake failed. The
// attempt is over; providers do not retry internally.
type ConnectError struct {
	// Provider names the backend the attempt was made against.
	Provider string

	// Err is the underlying cause.
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("live: connect %s: %v", e.Provider, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ConnectionError reports a mid-stream fault on an established session,
// surfaced as the Err of an EventError. The conversation context is lost;
// the caller may tear the session down and connect again.
type ConnectionError struct {
	// Kind classifies the fault: "transport" for socket-level failures,
	// "remote" for errors reported by the service itself.
	Kind string

	// Message is the human-readable fault description.
	Message string
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("live: connection error (%s): %s", e.Kind, e.Message)
}

// SessionConfig is the one-time configuration sent when a session is opened.
type SessionConfig struct {
	// SourceLanguage is the BCP-47 tag of the spoken input, e.g. "es-ES".
	SourceLanguage string

	// TargetLanguage is the BCP-47 tag the model translates into, e.g. "de-DE".
	TargetLanguage string

	// Instruction is the system-level prompt steering the remote model.
	Instruction string

	// Voice selects the synthesis voice. Empty picks the provider default.
	Voice string

	// TranscribeInput requests incremental transcripts of recognised
	// microphone speech (SideUser events).
	TranscribeInput bool

	// TranscribeOutput requests incremental transcripts of the synthesized
	// translation (SideModel events).
	TranscribeOutput bool
}

// Capabilities describes static properties of a live provider. The values are
// assumed constant for the lifetime of the Provider instance.
type Capabilities struct {
	// InputSampleRate is the PCM sample rate the provider expects for frames
	// passed to Send, in Hz.
	InputSampleRate int

	// OutputSampleRate is the PCM sample rate of EventAudio chunks, in Hz.
	OutputSampleRate int

	// MaxSessionDuration is the hard upper bound on session lifetime imposed
	// by the provider. Zero means no documented limit.
	MaxSessionDuration time.Duration

	// Voices lists the synthesis voices accepted in SessionConfig.Voice.
	Voices []string
}

// Session represents an open duplex translation session. It is an interface
// so that test code can supply mock implementations without a live provider
// connection.
//
// The session is the hot path of the translation pipeline; every method must
// return quickly. All methods are safe for concurrent use.
//
// Callers must call Close when the session is no longer needed.
type Session interface {
	// Send enqueues one encoded microphone frame for delivery to the remote
	// service. It never blocks: when the outbound queue is full the frame is
	// dropped and ErrSendQueueFull is returned so the caller can log the
	// loss. Transport failures are not reported here; they surface
	// asynchronously as an EventError on the event stream. Returns
	// ErrSessionClosed after Close.
	Send(frame []byte) error

	// Events returns the session's event stream. Events arrive in the order
	// the remote service produced them; audio and transcript events for one
	// turn interleave in that per-session order and no other is guaranteed.
	// The channel is closed after a final EventClosed when the session ends,
	// whether by Close, by a fatal error, or by the remote hanging up.
	// Consumers must drain the channel promptly.
	Events() <-chan Event

	// Err returns the error that ended the session prematurely, or nil if it
	// ended cleanly. Meaningful once the event stream has closed.
	Err() error

	// Close terminates the session and releases the underlying transport.
	// Idempotent: calling it more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any live translation backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Connect establishes a new session with the given configuration. It
	// returns once the transport is up and the configuration has been sent;
	// the remote acknowledgement arrives as the session's first event,
	// EventOpened. ctx bounds only this handshake; the session itself lives
	// until Close. The caller owns the returned Session.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)

	// Capabilities returns static metadata about this provider's model.
	Capabilities() Capabilities
}
