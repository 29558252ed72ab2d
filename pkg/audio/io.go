// Package audio defines the types and device contracts for audio flowing
// through dolmetra.
//
// The two primary abstractions are:
//
//   - [Source]: a continuous capture stream delivering fixed-size [Frame]
//     batches until stopped (a local microphone, a companion app over
//     WebSocket, a test double).
//   - [Sink]: a playback output that plays each written buffer exactly once,
//     in order, with no artificial gap between contiguous writes.
//
// Implementations are provided by the backend packages (audio/device,
// audio/socket, audio/mock). This package lives under pkg/ because external
// capture or playback backends are expected to implement these interfaces.
//
// Alongside the contracts, the package carries the wire codec
// ([EncodeFrame]/[DecodePCM16]) and the PCM helpers shared by the backends.
package audio

import "context"

// Source is a continuous capture stream.
//
// Implementations must not block on a slow consumer: when the frame channel
// is full, new frames are dropped. The channel is closed by Stop (or when the
// context passed to Start is cancelled), after which no further frames are
// delivered.
type Source interface {
	// Start begins capture and returns the frame channel. Calling Start on a
	// source that is already started returns an error. A device that cannot
	// be acquired surfaces a *ResourceError.
	Start(ctx context.Context) (<-chan Frame, error)

	// Stop ends capture and closes the frame channel. Idempotent.
	Stop() error
}

// Sink is a playback output device.
//
// Open acquires the device for the given stream format; Write blocks until
// the device has accepted the buffer; Flush discards audio the device has
// accepted but not yet played. Close releases the device and is idempotent.
// Flush must be safe to call concurrently with Write.
type Sink interface {
	Open(f Format) error
	Write(pcm []byte) error
	Flush() error
	Close() error
}
