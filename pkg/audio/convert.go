package audio

import (
	"encoding/binary"
	"math"
)

// FloatToPCM16 converts float samples in [-1, 1] to little-endian int16 PCM.
// Each sample is scaled by 32768 and clamped to [-32768, 32767] so that
// out-of-range input saturates instead of wrapping.
//
// The result is written into dst when it has enough capacity; otherwise a new
// slice is allocated. The returned slice is always exactly 2*len(samples) bytes.
func FloatToPCM16(dst []byte, samples []float32) []byte {
	n := len(samples) * 2
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	for i, s := range samples {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(floatToInt16(s)))
	}
	return dst
}

// floatToInt16 scales one sample and saturates it to the int16 range. NaN maps
// to silence.
func floatToInt16(s float32) int16 {
	if s != s {
		return 0
	}
	v := float64(s) * 32768
	if v >= math.MaxInt16 {
		return math.MaxInt16
	}
	if v <= math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// PCM16ToFloat converts little-endian int16 PCM into float samples in [-1, 1)
// by dividing by 32768. A trailing odd byte is ignored; callers that need to
// reject such input must check len(pcm)%2 themselves.
func PCM16ToFloat(dst []float32, pcm []byte) []float32 {
	n := len(pcm) / 2
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	for i := range n {
		dst[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return dst
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(binary.LittleEndian.Uint16(pcm[srcIdx*2:]))
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(binary.LittleEndian.Uint16(pcm[(srcIdx+1)*2:]))
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(interpolated))
	}
	return out
}

// ResampleFloat is the float-domain counterpart of [ResampleMono16], used by
// the playback timeline when a buffer's rate differs from the device rate.
func ResampleFloat(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstSamples := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]float32, dstSamples)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}
