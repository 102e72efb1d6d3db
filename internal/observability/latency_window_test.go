package observability

import "testing"

func TestLatencyWindowSnapshot(t *testing.T) {
	w := newLatencyWindow(8)
	w.Observe(IntervalEndToEnd, 500)
	w.Observe(IntervalEndToEnd, 700)
	w.Observe(IntervalEndToEnd, 900)
	w.Observe(IntervalEndToEnd, -1)
	w.ObserveIndicator("barge_in_vad")
	w.ObserveIndicator("barge_in_vad")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Intervals) != 1 {
		t.Fatalf("len(Intervals) = %d, want 1", len(snap.Intervals))
	}
	s := snap.Intervals[0]
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 900 || s.P50MS != 700 || s.AvgMS != 700 {
		t.Fatalf("stats = %+v, want last=900 p50=700 avg=700", s)
	}
	if s.TargetP95MS != 1400 {
		t.Fatalf("TargetP95MS = %.2f, want 1400", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %+v, want one entry with count 2", snap.Indicators)
	}

	w.Reset()
	if got := len(w.Snapshot().Intervals); got != 0 {
		t.Fatalf("len(Intervals) after Reset() = %d, want 0", got)
	}
}

func TestLatencyWindowWrapsAround(t *testing.T) {
	w := newLatencyWindow(2)
	for _, v := range []float64{100, 200, 300} {
		w.Observe(IntervalLLM, v)
	}
	s := w.Snapshot().Intervals[0]
	if s.Samples != 2 {
		t.Fatalf("Samples = %d, want 2", s.Samples)
	}
	if s.P50MS != 250 {
		t.Fatalf("P50MS = %.2f, want 250 (oldest sample evicted)", s.P50MS)
	}
}
