package audio

import (
	"encoding/binary"
	"math"
)

// pcmScale maps a float sample in [-1, 1] onto the int16 range.
const pcmScale = 32768

// EncodePCM16 converts float samples to little-endian int16 PCM by scaling
// each sample with 32768 and truncating toward zero. Out-of-range values are
// not clamped: the integer wraps modulo 2^16, so 1.0 becomes -32768. NaN and
// infinities encode as 0.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(toInt16(s)))
	}
	return out
}

func toInt16(s float32) int16 {
	v := float64(s) * pcmScale
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	// Truncate, then keep the low 16 bits.
	return int16(int64(math.Trunc(math.Mod(v, 1<<32))))
}

// DecodePCM16 converts little-endian int16 PCM to float samples in
// [-1, 1). A trailing odd byte is ignored.
func DecodePCM16(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / pcmScale
	}
	return out
}

// Resample converts mono samples from srcRate to dstRate by linear
// interpolation. The output holds len(samples)*dstRate/srcRate samples,
// rounded down. Equal or unusable rates return samples unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	out := make([]float32, n)
	last := len(samples) - 1
	step := float64(srcRate) / float64(dstRate)
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = samples[j] + (samples[j+1]-samples[j])*frac
	}
	return out
}
