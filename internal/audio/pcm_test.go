package audio

import (
	"math"
	"testing"
	"time"
)

func TestRMSSilenceIsZero(t *testing.T) {
	if got := RMS(make([]byte, 4800)); got != 0 {
		t.Fatalf("RMS(zeros) = %v, want 0", got)
	}
	if got := RMS(nil); got != 0 {
		t.Fatalf("RMS(nil) = %v, want 0", got)
	}
}

func TestRMSConstantAmplitude(t *testing.T) {
	amp := int16(8191) // 0.25 of full scale
	got := RMS(ConstantPCM(2400, amp))
	want := float64(amp) / 32768
	if math.Abs(got-want)/want > 0.01 {
		t.Fatalf("RMS() = %v, want ~%v", got, want)
	}
	if math.Abs(got-0.25) > 0.0025 {
		t.Fatalf("RMS() = %v, want ~0.25", got)
	}
}

func TestRMSNegativeSamples(t *testing.T) {
	got := RMS(ConstantPCM(100, -16384))
	if math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("RMS(-16384) = %v, want 0.5", got)
	}
}

func TestPCMDuration(t *testing.T) {
	if got := PCMDuration(4800, 24000); got != 100*time.Millisecond {
		t.Fatalf("PCMDuration(4800, 24000) = %v, want 100ms", got)
	}
	if got := PCMDuration(4800, 0); got != 0 {
		t.Fatalf("PCMDuration(_, 0) = %v, want 0", got)
	}
}

func TestTonePCMLength(t *testing.T) {
	pcm := TonePCM(200*time.Millisecond, 24000, 220, 0.3)
	if len(pcm) != 9600 {
		t.Fatalf("len(TonePCM) = %d, want 9600", len(pcm))
	}
	if rms := RMS(pcm); rms < 0.15 || rms > 0.25 {
		t.Fatalf("RMS(tone) = %v, want ~0.21", rms)
	}
}
