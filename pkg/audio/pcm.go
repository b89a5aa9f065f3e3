package audio

import (
	"encoding/binary"
	"time"
)

// Int16ToFloat32 converts int16 PCM to float32 [-1.0, 1.0]
func Int16ToFloat32(samples []int16) []float32 {
	result := make([]float32, len(samples))
	for i, sample := range samples {
		result[i] = float32(sample) / 32768.0
	}
	return result
}

// Float32ToPCM16 encodes float32 samples as 16-bit little-endian PCM,
// clamping to [-1, 1]
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * 32767)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// PCM16ToFloat32 decodes 16-bit little-endian PCM. A trailing odd byte is ignored.
func PCM16ToFloat32(data []byte) []float32 {
	return Int16ToFloat32(PCM16ToInt16(data))
}

// PCM16ToInt16 decodes 16-bit little-endian PCM
func PCM16ToInt16(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}

// PCM16Duration is the playback length of mono PCM16 data at sampleRate
func PCM16Duration(bytes, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(bytes/2) * time.Second / time.Duration(sampleRate)
}
