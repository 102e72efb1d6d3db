package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/interviewrt/internal/audio"
	"github.com/ent0n29/interviewrt/internal/observability"
	"github.com/ent0n29/interviewrt/internal/protocol"
)

type options struct {
	baseURL     string
	sessionID   string
	interviewID string
	candidateID string
	wavPath     string
	sampleRate  int
	turns       int
	chunkMS     int
	realtime    float64
	speech      time.Duration
	silence     time.Duration
	startDelay  time.Duration
	turnTimeout time.Duration
	manual      bool
	verbose     bool
}

// Client frames carry the event discriminator next to the payload.
type startFrame struct {
	Event protocol.EventType `json:"event"`
	protocol.Start
}

type micFrame struct {
	Event     protocol.EventType `json:"event"`
	Seq       int                `json:"seq"`
	AudioB64  string             `json:"audio_b64"`
	Timestamp float64            `json:"timestamp"`
}

type bareFrame struct {
	Event  protocol.EventType `json:"event"`
	Reason string             `json:"reason,omitempty"`
}

// serverFrame decodes the subset of server messages the probe reacts to.
type serverFrame struct {
	Event     string                        `json:"event"`
	SessionID string                        `json:"session_id,omitempty"`
	Speaker   string                        `json:"speaker,omitempty"`
	Text      string                        `json:"text,omitempty"`
	Msg       string                        `json:"msg,omitempty"`
	Level     string                        `json:"level,omitempty"`
	Code      string                        `json:"code,omitempty"`
	Message   string                        `json:"message,omitempty"`
	Latency   *observability.LatencyMetrics `json:"latency,omitempty"`
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "interviewprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "interviewprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var speechMS, silenceMS, startDelayMS, turnTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "interview service base URL")
	flag.StringVar(&cfg.sessionID, "session-id", "", "session_id to start (default: random)")
	flag.StringVar(&cfg.interviewID, "interview-id", "", "optional interview_id")
	flag.StringVar(&cfg.candidateID, "candidate-id", "", "optional candidate_id")
	flag.StringVar(&cfg.wavPath, "wav", "", "PCM16 WAV file to stream each turn (default: generated tone)")
	flag.IntVar(&cfg.sampleRate, "sample-rate", audio.DefaultSampleRate, "sample rate the service expects")
	flag.IntVar(&cfg.turns, "turns", 3, "number of candidate turns")
	flag.IntVar(&cfg.chunkMS, "chunk-ms", 100, "audio chunk size in milliseconds")
	flag.Float64Var(&cfg.realtime, "realtime", 1.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	flag.IntVar(&speechMS, "speech-ms", 1200, "generated speech length per turn in milliseconds")
	flag.IntVar(&silenceMS, "silence-ms", 1200, "trailing silence per turn in milliseconds")
	flag.IntVar(&startDelayMS, "start-delay-ms", 300, "delay after session_ready in milliseconds")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 20000, "timeout waiting for answer_end per turn in milliseconds")
	flag.BoolVar(&cfg.manual, "manual", false, "send user_turn_end after each turn (manual turn detection)")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print transcripts and notices")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if cfg.sampleRate <= 0 {
		return options{}, fmt.Errorf("sample-rate must be > 0")
	}
	if strings.TrimSpace(cfg.sessionID) == "" {
		cfg.sessionID = "probe-" + uuid.NewString()
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.speech = time.Duration(max(speechMS, 0)) * time.Millisecond
	cfg.silence = time.Duration(max(silenceMS, 0)) * time.Millisecond
	cfg.startDelay = time.Duration(max(startDelayMS, 0)) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	pcm, err := turnAudio(cfg)
	if err != nil {
		return fmt.Errorf("prepare turn audio: %w", err)
	}

	wsURL, err := wsURLFor(cfg.baseURL)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	frames := make(chan serverFrame, 256)
	readErrCh := make(chan error, 1)
	go readLoop(conn, frames, readErrCh)

	if err := conn.WriteJSON(startFrame{Event: protocol.EventStart, Start: protocol.Start{
		SessionID:   cfg.sessionID,
		InterviewID: cfg.interviewID,
		CandidateID: cfg.candidateID,
	}}); err != nil {
		return fmt.Errorf("send start: %w", err)
	}
	if _, err := await(frames, readErrCh, cfg.turnTimeout, string(protocol.EventSessionReady), cfg.verbose); err != nil {
		return fmt.Errorf("await session_ready: %w", err)
	}
	fmt.Printf("interviewprobe: session=%s turns=%d chunk_ms=%d realtime=%.2f\n", cfg.sessionID, cfg.turns, cfg.chunkMS, cfg.realtime)
	time.Sleep(cfg.startDelay)

	var collected []observability.LatencyMetrics
	started := time.Now()
	seq := 0
	for i := 0; i < cfg.turns; i++ {
		if err := sendTurn(conn, pcm, cfg, started, &seq); err != nil {
			return fmt.Errorf("turn %d send audio: %w", i+1, err)
		}
		if cfg.manual {
			if err := conn.WriteJSON(bareFrame{Event: protocol.EventUserTurnEnd}); err != nil {
				return fmt.Errorf("turn %d send user_turn_end: %w", i+1, err)
			}
		}
		frame, err := await(frames, readErrCh, cfg.turnTimeout, string(protocol.EventMetrics), cfg.verbose)
		if err != nil {
			return fmt.Errorf("turn %d await metrics: %w", i+1, err)
		}
		if frame.Latency != nil {
			collected = append(collected, *frame.Latency)
			fmt.Printf("interviewprobe: turn %d %s\n", i+1, formatLatency(*frame.Latency))
		}
	}

	_ = conn.WriteJSON(bareFrame{Event: protocol.EventEnd, Reason: "probe_complete"})
	for _, s := range summarize(collected) {
		fmt.Printf("interviewprobe: %s samples=%d avg=%.1fms max=%.1fms\n", s.name, s.samples, s.avg, s.max)
	}
	return nil
}

// turnAudio returns the PCM streamed each turn: the WAV file, or a tone,
// followed by trailing silence so server VAD can close the turn.
func turnAudio(cfg options) ([]byte, error) {
	var speech []byte
	if strings.TrimSpace(cfg.wavPath) != "" {
		data, err := os.ReadFile(cfg.wavPath)
		if err != nil {
			return nil, err
		}
		pcm, sr, err := audio.DecodeWAV(data)
		if err != nil {
			return nil, err
		}
		if sr != cfg.sampleRate {
			return nil, fmt.Errorf("wav sample rate %d does not match %d", sr, cfg.sampleRate)
		}
		speech = pcm
	} else {
		speech = audio.TonePCM(cfg.speech, cfg.sampleRate, 220, 0.3)
	}
	silentSamples := int(cfg.silence.Seconds() * float64(cfg.sampleRate))
	return append(speech, audio.ConstantPCM(silentSamples, 0)...), nil
}

// splitPCM cuts pcm into sample-aligned chunks of chunkMS.
func splitPCM(pcm []byte, sampleRate, chunkMS int) [][]byte {
	size := sampleRate * 2 * chunkMS / 1000
	size -= size % 2
	if size <= 0 {
		size = 2
	}
	var out [][]byte
	for off := 0; off < len(pcm); off += size {
		end := min(off+size, len(pcm))
		end -= (end - off) % 2
		if end <= off {
			break
		}
		out = append(out, pcm[off:end])
	}
	return out
}

func sendTurn(conn *websocket.Conn, pcm []byte, cfg options, started time.Time, seq *int) error {
	for _, chunk := range splitPCM(pcm, cfg.sampleRate, cfg.chunkMS) {
		frame := micFrame{
			Event:     protocol.EventMicChunk,
			Seq:       *seq,
			AudioB64:  base64.StdEncoding.EncodeToString(chunk),
			Timestamp: time.Since(started).Seconds(),
		}
		*seq = *seq + 1
		if err := conn.WriteJSON(frame); err != nil {
			return err
		}
		pace := time.Duration(float64(audio.PCMDuration(len(chunk), cfg.sampleRate)) / cfg.realtime)
		time.Sleep(max(pace, time.Millisecond))
	}
	return nil
}

func wsURLFor(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/interview/ws"
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, frames chan<- serverFrame, readErrCh chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		var f serverFrame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		select {
		case frames <- f:
		default:
			// Slow consumer; tts chunks are the only high-volume frames.
		}
	}
}

// await prints frames as they arrive until one with the wanted event shows up.
func await(frames <-chan serverFrame, readErrCh <-chan error, timeout time.Duration, want string, verbose bool) (serverFrame, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case f := <-frames:
			switch f.Event {
			case string(protocol.EventError):
				fmt.Fprintf(os.Stderr, "interviewprobe: error code=%s message=%s\n", f.Code, f.Message)
				if f.Code == protocol.CodeUpstreamUnavailable || f.Code == protocol.CodeConnectionLost {
					return f, fmt.Errorf("server error %s", f.Code)
				}
			case string(protocol.EventTranscript):
				if verbose {
					fmt.Printf("interviewprobe: [%s] %s\n", f.Speaker, f.Text)
				}
			case string(protocol.EventNotice):
				if verbose {
					fmt.Printf("interviewprobe: notice (%s) %s\n", f.Level, f.Msg)
				}
			}
			if f.Event == want {
				return f, nil
			}
		case err := <-readErrCh:
			return serverFrame{}, err
		case <-timer.C:
			return serverFrame{}, fmt.Errorf("timeout after %s", timeout)
		}
	}
}

func formatLatency(l observability.LatencyMetrics) string {
	parts := []string{
		"speech=" + ms(l.SpeechDurationMS),
		"stt=" + ms(l.STTMS),
		"llm=" + ms(l.LLMMS),
		"tts_first=" + ms(l.TTSFirstChunkMS),
		"tts_total=" + ms(l.TTSTotalMS),
		"e2e=" + ms(l.EndToEndMS),
	}
	return strings.Join(parts, " ")
}

func ms(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.1fms", *v)
}

type intervalSummary struct {
	name    string
	samples int
	avg     float64
	max     float64
}

// summarize aggregates measured intervals across turns, sorted by name; nil
// values are skipped.
func summarize(turns []observability.LatencyMetrics) []intervalSummary {
	sums := map[string]*intervalSummary{}
	add := func(name string, v *float64) {
		if v == nil {
			return
		}
		s, ok := sums[name]
		if !ok {
			s = &intervalSummary{name: name}
			sums[name] = s
		}
		s.samples++
		s.avg += *v
		s.max = max(s.max, *v)
	}
	for _, l := range turns {
		add(observability.IntervalSpeechDuration, l.SpeechDurationMS)
		add(observability.IntervalSTT, l.STTMS)
		add(observability.IntervalLLM, l.LLMMS)
		add(observability.IntervalTTSFirstChunk, l.TTSFirstChunkMS)
		add(observability.IntervalTTSTotal, l.TTSTotalMS)
		add(observability.IntervalEndToEnd, l.EndToEndMS)
	}
	out := make([]intervalSummary, 0, len(sums))
	for _, s := range sums {
		s.avg /= float64(s.samples)
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}
