package audio

import (
	"fmt"
	"time"
)

// Frame represents one fixed-duration slice of captured audio flowing from a
// [Source] towards the remote channel. Frames are immutable once produced;
// ownership transfers from the capture source through the encoder to the
// channel (single consumer).
type Frame struct {
	// Samples holds normalized PCM samples in [-1, 1]. Interleaved when
	// Channels > 1, though every shipped source produces mono.
	Samples []float32

	// SampleRate in Hz (16000 for all shipped capture sources).
	SampleRate int

	// Channels: 1 for mono. The wire encoder rejects anything else.
	Channels int
}

// Duration returns the playing time of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)/f.Channels) * time.Second / time.Duration(f.SampleRate)
}

// Chunk represents one slice of synthesized audio received from the remote
// channel, ready for playback scheduling. Ownership transfers from the
// channel adapter to the playback scheduler.
type Chunk struct {
	// Data is little-endian 16-bit PCM, mono.
	Data []byte

	// SampleRate in Hz (24000 for all shipped providers).
	SampleRate int

	// Turn is an opaque identifier grouping chunks of one utterance.
	Turn string
}

// Duration returns the nominal playing time of the chunk, computed from its
// usable whole samples. A trailing odd byte contributes nothing.
func (c Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Data)/2) * time.Second / time.Duration(c.SampleRate)
}

// Format describes a PCM stream layout.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns the format as "16000Hz/1ch".
func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch", f.SampleRate, f.Channels)
}
