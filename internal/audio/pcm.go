package audio

import (
	"encoding/binary"
	"math"
	"time"
)

const (
	DefaultSampleRate = 24000
	fullScale         = 32768.0
)

// RMS returns the root-mean-square amplitude of little-endian PCM16 audio
// normalized to full scale, so silence is 0 and a full-scale square wave is ~1.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / fullScale
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// PCMDuration is the playback length of mono PCM16 audio at sampleRate.
func PCMDuration(byteLen, sampleRate int) time.Duration {
	if sampleRate <= 0 || byteLen <= 0 {
		return 0
	}
	samples := byteLen / 2
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// ConstantPCM builds n samples of a constant amplitude, mostly useful for
// tests and synthetic probes.
func ConstantPCM(n int, amplitude int16) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(amplitude))
	}
	return out
}

// TonePCM renders a sine tone of the given duration, frequency and peak
// amplitude (0..1).
func TonePCM(d time.Duration, sampleRate int, freqHz, peak float64) []byte {
	n := int(d.Seconds() * float64(sampleRate))
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := peak * math.Sin(2*math.Pi*freqHz*float64(i)/float64(sampleRate))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v*32767)))
	}
	return out
}
