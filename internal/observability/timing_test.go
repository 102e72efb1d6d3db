package observability

import (
	"testing"
	"time"
)

func TestTimingTrackerMetrics(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var tr TimingTracker
	tr.MarkSpeechStart(base)
	tr.MarkSpeechEnd(base.Add(1500 * time.Millisecond))
	tr.MarkTranscriptReceived(base.Add(1900 * time.Millisecond))
	tr.MarkTTSRequest(base.Add(2200 * time.Millisecond))
	tr.MarkTTSFirstChunk(base.Add(2200 * time.Millisecond))
	tr.MarkPlaybackStart(base.Add(2200 * time.Millisecond))
	tr.MarkTTSComplete(base.Add(4200 * time.Millisecond))

	m := tr.Metrics()
	checks := []struct {
		name string
		got  *float64
		want float64
	}{
		{IntervalSpeechDuration, m.SpeechDurationMS, 1500},
		{IntervalSTT, m.STTMS, 400},
		{IntervalLLM, m.LLMMS, 700},
		{IntervalTTSFirstChunk, m.TTSFirstChunkMS, 0},
		{IntervalTTSTotal, m.TTSTotalMS, 2000},
		{IntervalEndToEnd, m.EndToEndMS, 700},
	}
	for _, c := range checks {
		if c.got == nil {
			t.Fatalf("%s = nil, want %v", c.name, c.want)
		}
		if *c.got != c.want {
			t.Fatalf("%s = %v, want %v", c.name, *c.got, c.want)
		}
	}
}

func TestTimingTrackerMissingAndNegativeIntervalsAreNil(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var tr TimingTracker
	tr.MarkSpeechEnd(base)
	tr.MarkTranscriptReceived(base.Add(-time.Second))
	tr.MarkTTSRequest(base.Add(300 * time.Millisecond))

	m := tr.Metrics()
	if m.SpeechDurationMS != nil {
		t.Fatalf("SpeechDurationMS = %v, want nil without speech start", *m.SpeechDurationMS)
	}
	if m.STTMS != nil {
		t.Fatalf("STTMS = %v, want nil for negative interval", *m.STTMS)
	}
	if m.LLMMS == nil || *m.LLMMS != 300 {
		t.Fatalf("LLMMS = %v, want 300", m.LLMMS)
	}

	tr.Reset()
	if tr != (TimingTracker{}) {
		t.Fatalf("Reset() left markers set: %+v", tr)
	}
}
