package audio

// StereoToMono downmixes interleaved stereo PCM16 to mono by averaging each
// left/right pair, clamping the sum to the int16 range. A trailing partial
// frame is ignored.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		m := (l + r) / 2
		if m > 32767 {
			m = 32767
		} else if m < -32768 {
			m = -32768
		}
		out[i*2] = byte(m)
		out[i*2+1] = byte(m >> 8)
	}
	return out
}

// ResampleMono16 converts mono PCM16 from srcRate to dstRate using linear
// interpolation. Returns the input unchanged when either rate is invalid or
// the rates match.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}

	srcSamples := len(pcm) / 2
	if srcSamples == 0 {
		return nil
	}

	dstSamples := srcSamples * dstRate / srcRate
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcSamples-1) / float64(dstSamples)
	for i := range dstSamples {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := int16(pcm[idx*2]) | int16(pcm[idx*2+1])<<8
		s1 := s0
		if idx+1 < srcSamples {
			s1 = int16(pcm[(idx+1)*2]) | int16(pcm[(idx+1)*2+1])<<8
		}

		v := int16(float64(s0) + (float64(s1)-float64(s0))*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}
