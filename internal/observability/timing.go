package observability

import "time"

const (
	IntervalSpeechDuration = "speech_duration_ms"
	IntervalSTT            = "stt_ms"
	IntervalLLM            = "llm_ms"
	IntervalTTSFirstChunk  = "tts_first_chunk_ms"
	IntervalTTSTotal       = "tts_total_ms"
	IntervalEndToEnd       = "end_to_end_ms"
)

// TimingTracker holds the marker timestamps of one conversational turn.
// It is owned by a single goroutine and is not safe for concurrent use.
type TimingTracker struct {
	SpeechStart        time.Time
	SpeechEnd          time.Time
	TranscriptReceived time.Time
	TTSRequest         time.Time
	TTSFirstChunk      time.Time
	TTSComplete        time.Time
	PlaybackStart      time.Time
}

// LatencyMetrics is the per-turn interval report sent to clients. A nil field
// means the interval could not be measured this turn.
type LatencyMetrics struct {
	SpeechDurationMS *float64 `json:"speech_duration_ms"`
	STTMS            *float64 `json:"stt_ms"`
	LLMMS            *float64 `json:"llm_ms"`
	TTSFirstChunkMS  *float64 `json:"tts_first_chunk_ms"`
	TTSTotalMS       *float64 `json:"tts_total_ms"`
	EndToEndMS       *float64 `json:"end_to_end_ms"`
}

func (t *TimingTracker) MarkSpeechStart(at time.Time) { t.SpeechStart = at }

func (t *TimingTracker) MarkSpeechEnd(at time.Time) { t.SpeechEnd = at }

func (t *TimingTracker) MarkTranscriptReceived(at time.Time) { t.TranscriptReceived = at }

func (t *TimingTracker) MarkTTSRequest(at time.Time) { t.TTSRequest = at }

func (t *TimingTracker) MarkTTSFirstChunk(at time.Time) { t.TTSFirstChunk = at }

func (t *TimingTracker) MarkTTSComplete(at time.Time) { t.TTSComplete = at }

func (t *TimingTracker) MarkPlaybackStart(at time.Time) { t.PlaybackStart = at }

// Reset clears every marker for the next turn.
func (t *TimingTracker) Reset() { *t = TimingTracker{} }

// Metrics converts the markers into named intervals.
//
// The realtime upstream starts speaking before the input transcript is
// finalized, so llm_ms and end_to_end_ms are measured from the end of
// user speech rather than from the transcript.
func (t *TimingTracker) Metrics() LatencyMetrics {
	return LatencyMetrics{
		SpeechDurationMS: interval(t.SpeechStart, t.SpeechEnd),
		STTMS:            interval(t.SpeechEnd, t.TranscriptReceived),
		LLMMS:            interval(t.SpeechEnd, t.TTSRequest),
		TTSFirstChunkMS:  interval(t.TTSRequest, t.TTSFirstChunk),
		TTSTotalMS:       interval(t.TTSFirstChunk, t.TTSComplete),
		EndToEndMS:       interval(t.SpeechEnd, t.PlaybackStart),
	}
}

func (l LatencyMetrics) intervals() map[string]*float64 {
	return map[string]*float64{
		IntervalSpeechDuration: l.SpeechDurationMS,
		IntervalSTT:            l.STTMS,
		IntervalLLM:            l.LLMMS,
		IntervalTTSFirstChunk:  l.TTSFirstChunkMS,
		IntervalTTSTotal:       l.TTSTotalMS,
		IntervalEndToEnd:       l.EndToEndMS,
	}
}

func interval(from, to time.Time) *float64 {
	if from.IsZero() || to.IsZero() {
		return nil
	}
	d := to.Sub(from)
	if d < 0 {
		return nil
	}
	ms := round2(float64(d) / float64(time.Millisecond))
	return &ms
}
