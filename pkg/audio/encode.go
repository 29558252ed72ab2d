package audio

import "fmt"

// EncodeError reports a malformed outbound frame. Frames that fail to encode
// are dropped by the caller; the error never terminates a session.
type EncodeError struct {
	Reason string
}

func (e *EncodeError) Error() string {
	return "audio: encode: " + e.Reason
}

// DecodeError reports a malformed inbound payload. Chunks that fail to decode
// are dropped by the caller; the error never terminates a session.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "audio: decode: " + e.Reason
}

// ResourceError reports an unavailable capture or playback device. Unlike the
// per-unit encode/decode errors, a ResourceError is terminal for the attempt
// that triggered it.
type ResourceError struct {
	// Device is "capture" or "playback".
	Device string
	Err    error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("audio: %s device: %v", e.Device, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// EncodeFrame converts a captured frame into its wire payload: little-endian
// 16-bit PCM. Samples outside [-1, 1] are clamped. The conversion is
// deterministic and reversible via [DecodePCM16] within quantization error.
//
// Returns an *EncodeError if the frame is empty or not mono; no other inputs
// can fail.
func EncodeFrame(f Frame) ([]byte, error) {
	if len(f.Samples) == 0 {
		return nil, &EncodeError{Reason: "empty frame"}
	}
	if f.Channels != 1 {
		return nil, &EncodeError{Reason: fmt.Sprintf("expected mono input, got %d channels", f.Channels)}
	}

	out := make([]byte, len(f.Samples)*2)
	for i, s := range f.Samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * 32767)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out, nil
}

// DecodePCM16 converts a little-endian 16-bit PCM payload back into
// normalized float samples. Returns a *DecodeError for an empty or odd-length
// payload.
func DecodePCM16(data []byte) ([]float32, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Reason: "empty payload"}
	}
	if len(data)%2 != 0 {
		return nil, &DecodeError{Reason: fmt.Sprintf("odd byte count %d", len(data))}
	}

	samples := make([]float32, len(data)/2)
	for i := range samples {
		v := int16(data[i*2]) | int16(data[i*2+1])<<8
		samples[i] = float32(v) / 32768
	}
	return samples, nil
}
