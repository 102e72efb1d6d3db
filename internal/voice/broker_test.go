package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/interviewrt/internal/audio"
	"github.com/ent0n29/interviewrt/internal/protocol"
	"github.com/ent0n29/interviewrt/internal/realtime"
	"github.com/ent0n29/interviewrt/internal/transcript"
)

type fakeConversation struct {
	events chan realtime.ServerEvent
	calls  chan string

	mu         sync.Mutex
	connectErr error
	closed     int
	silenceMS  int
	maxMS      int
	panicOnMic bool
}

func newFakeConversation() *fakeConversation {
	return &fakeConversation{
		events:    make(chan realtime.ServerEvent, 64),
		calls:     make(chan string, 256),
		silenceMS: 800,
		maxMS:     1600,
	}
}

func (f *fakeConversation) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectErr
}

func (f *fakeConversation) Events() <-chan realtime.ServerEvent { return f.events }

func (f *fakeConversation) AppendAudio(context.Context, string) error {
	f.mu.Lock()
	boom := f.panicOnMic
	f.mu.Unlock()
	if boom {
		panic("append exploded")
	}
	f.calls <- "append"
	return nil
}

func (f *fakeConversation) CommitAudio(context.Context) error {
	f.calls <- "commit"
	return nil
}

func (f *fakeConversation) CreateResponse(_ context.Context, instructions string) error {
	f.calls <- "create:" + instructions
	return nil
}

func (f *fakeConversation) CancelResponse(context.Context) error {
	f.calls <- "cancel"
	return nil
}

func (f *fakeConversation) UpdateTurnDetection(_ context.Context, silenceMS int) (bool, error) {
	f.calls <- fmt.Sprintf("update:%d", silenceMS)
	return true, nil
}

func (f *fakeConversation) ExtendSilenceWindow() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.silenceMS >= f.maxMS {
		return f.silenceMS, false
	}
	f.silenceMS += 200
	return f.silenceMS, true
}

func (f *fakeConversation) History() []realtime.HistoryEntry { return nil }

func (f *fakeConversation) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeConversation) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeTimer struct {
	d  time.Duration
	c  chan time.Time
	mu sync.Mutex
	on bool
}

func (t *fakeTimer) C() <-chan time.Time { return t.c }

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := t.on
	t.on = false
	return was
}

func (t *fakeTimer) fire() {
	t.mu.Lock()
	t.on = false
	t.mu.Unlock()
	t.c <- time.Now()
}

func (t *fakeTimer) active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.on
}

type fakeTimers struct {
	created chan *fakeTimer
}

func newFakeTimers() *fakeTimers {
	return &fakeTimers{created: make(chan *fakeTimer, 32)}
}

func (f *fakeTimers) factory(d time.Duration) Timer {
	t := &fakeTimer{d: d, c: make(chan time.Time, 1), on: true}
	f.created <- t
	return t
}

func (f *fakeTimers) next(t *testing.T) *fakeTimer {
	t.Helper()
	select {
	case timer := <-f.created:
		return timer
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a timer")
		return nil
	}
}

type countingSink struct {
	mu      sync.Mutex
	records []transcript.Record
}

func (s *countingSink) Complete(_ context.Context, rec transcript.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *countingSink) all() []transcript.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transcript.Record(nil), s.records...)
}

type captureRecorder struct {
	mu      sync.Mutex
	mic, ai []audio.Chunk
	calls   int
}

func (r *captureRecorder) Record(_ context.Context, _ string, mic, ai []audio.Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.mic, r.ai = mic, ai
	return nil
}

type harness struct {
	b      *Broker
	conv   *fakeConversation
	timers *fakeTimers
	sink   *countingSink
	in     chan protocol.ClientMessage
	out    chan any
	done   chan error
}

func newHarness(t *testing.T, cfg BrokerConfig, opts ...BrokerOption) *harness {
	t.Helper()
	h := &harness{
		conv:   newFakeConversation(),
		timers: newFakeTimers(),
		sink:   &countingSink{},
		in:     make(chan protocol.ClientMessage, 16),
		out:    make(chan any, 64),
		done:   make(chan error, 1),
	}
	if cfg.SessionID == "" {
		cfg.SessionID = "sess-test"
	}
	opts = append([]BrokerOption{WithTimerFactory(h.timers.factory), WithTranscriptSink(h.sink)}, opts...)
	h.b = NewBroker(cfg, h.conv, opts...)
	if err := h.b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	go func() { h.done <- h.b.Run(context.Background(), h.in, h.out) }()
	t.Cleanup(func() {
		h.b.Stop()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
		}
	})
	return h
}

func (h *harness) upstream(evts ...realtime.ServerEvent) {
	for _, evt := range evts {
		h.conv.events <- evt
	}
}

func (h *harness) nextOut(t *testing.T) any {
	t.Helper()
	select {
	case msg := <-h.out:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for outbound message")
		return nil
	}
}

func (h *harness) nextCall(t *testing.T) string {
	t.Helper()
	select {
	case c := <-h.conv.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for conversation call")
		return ""
	}
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		h.done <- err
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("Run() did not return")
		return nil
	}
}

func evt(typ string) realtime.ServerEvent { return realtime.ServerEvent{Type: typ} }

func TestBrokerTurnOrdering(t *testing.T) {
	h := newHarness(t, BrokerConfig{})

	h.upstream(
		evt(realtime.EventSpeechStarted),
		evt(realtime.EventSpeechStopped),
		realtime.ServerEvent{Type: realtime.EventTranscriptionCompleted, Transcript: "hello"},
		evt(realtime.EventResponseCreated),
		realtime.ServerEvent{Type: realtime.EventAudioDelta, Delta: "AAA="},
		realtime.ServerEvent{Type: realtime.EventAudioDelta, Delta: "AQE="},
		realtime.ServerEvent{Type: realtime.EventAudioDelta, Delta: "AgI="},
		evt(realtime.EventAudioDone),
		evt(realtime.EventResponseDone),
	)

	tr, ok := h.nextOut(t).(protocol.Transcript)
	if !ok || tr.Speaker != protocol.SpeakerUser || !tr.Final || tr.Text != "hello" {
		t.Fatalf("first message = %#v, want final user transcript", tr)
	}
	for want := 0; want < 3; want++ {
		chunk, ok := h.nextOut(t).(protocol.TTSChunk)
		if !ok || chunk.IsFinal || chunk.Seq != want {
			t.Fatalf("message = %#v, want tts_chunk seq %d", chunk, want)
		}
	}
	final, ok := h.nextOut(t).(protocol.TTSChunk)
	if !ok || !final.IsFinal || final.AudioB64 != "" {
		t.Fatalf("message = %#v, want final empty tts_chunk", final)
	}
	if _, ok := h.nextOut(t).(protocol.AnswerEnd); !ok {
		t.Fatalf("want answer_end after final chunk")
	}
	metrics, ok := h.nextOut(t).(protocol.Metrics)
	if !ok {
		t.Fatalf("want metrics after answer_end")
	}
	if metrics.Latency.EndToEndMS == nil || metrics.Latency.STTMS == nil {
		t.Fatalf("latency = %+v, want end_to_end and stt measured", metrics.Latency)
	}
}

func TestBrokerSeqResetsPerResponse(t *testing.T) {
	h := newHarness(t, BrokerConfig{})
	for round := 0; round < 2; round++ {
		h.upstream(
			evt(realtime.EventResponseCreated),
			realtime.ServerEvent{Type: realtime.EventAudioDelta, Delta: "AAA="},
			realtime.ServerEvent{Type: realtime.EventAudioDelta, Delta: "AAA="},
			evt(realtime.EventAudioDone),
		)
		for want := 0; want < 2; want++ {
			if chunk := h.nextOut(t).(protocol.TTSChunk); chunk.Seq != want {
				t.Fatalf("round %d: seq = %d, want %d", round, chunk.Seq, want)
			}
		}
		h.nextOut(t) // final chunk
		h.nextOut(t) // answer_end
		h.nextOut(t) // metrics
	}
}

func TestBrokerSilenceCheckInProgression(t *testing.T) {
	h := newHarness(t, BrokerConfig{})
	h.upstream(evt(realtime.EventSpeechStarted), evt(realtime.EventSpeechStopped))

	var (
		elapsed time.Duration
		fired   []time.Duration
	)
	for level := 1; level <= 5; level++ {
		timer := h.timers.next(t)
		elapsed += timer.d
		fired = append(fired, elapsed)
		timer.fire()
		if level < 5 {
			if call := h.nextCall(t); call != "create:"+checkInPrompt(level) {
				t.Fatalf("check-in %d call = %q", level, call)
			}
		}
	}

	want := []time.Duration{2 * time.Second, 6 * time.Second, 14 * time.Second, 30 * time.Second, 62 * time.Second}
	for i := range want {
		if fired[i] != want[i] {
			t.Fatalf("check-ins fired at %v, want %v", fired, want)
		}
	}

	notice, ok := h.nextOut(t).(protocol.Notice)
	if !ok || notice.Level != protocol.LevelWarning || !strings.Contains(notice.Msg, "inactivity") {
		t.Fatalf("message = %#v, want inactivity warning", notice)
	}
	if err := h.wait(t); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if h.b.EndReason() != ReasonInactivity {
		t.Fatalf("EndReason() = %q, want %q", h.b.EndReason(), ReasonInactivity)
	}
	if h.conv.closeCount() != 1 {
		t.Fatalf("conversation closed %d times, want 1", h.conv.closeCount())
	}
}

func TestBrokerSpeechCancelsSilenceTimerAndResetsBackoff(t *testing.T) {
	h := newHarness(t, BrokerConfig{})
	h.upstream(evt(realtime.EventSpeechStarted), evt(realtime.EventSpeechStopped))

	first := h.timers.next(t)
	first.fire()
	h.nextCall(t) // level 1 prompt
	second := h.timers.next(t)
	if second.d != 4*time.Second {
		t.Fatalf("second delay = %v, want 4s", second.d)
	}

	h.upstream(evt(realtime.EventSpeechStarted))
	h.upstream(evt(realtime.EventSpeechStopped))
	rearmed := h.timers.next(t)
	if second.active() {
		t.Fatalf("pending check-in timer still active after speech started")
	}
	if rearmed.d != 2*time.Second {
		t.Fatalf("delay after new speech = %v, want 2s", rearmed.d)
	}
}

func TestBrokerResponseCreatedCancelsSilenceTimer(t *testing.T) {
	h := newHarness(t, BrokerConfig{})
	h.upstream(evt(realtime.EventSpeechStopped))
	timer := h.timers.next(t)
	h.upstream(evt(realtime.EventResponseCreated), evt(realtime.EventResponseDone))
	next := h.timers.next(t)
	if timer.active() {
		t.Fatalf("silence timer still active after response.created")
	}
	if next.d != 2*time.Second {
		t.Fatalf("re-armed delay = %v, want 2s", next.d)
	}
}

func TestBrokerBargeInPreemptsSpeech(t *testing.T) {
	h := newHarness(t, BrokerConfig{})
	h.upstream(
		evt(realtime.EventResponseCreated),
		realtime.ServerEvent{Type: realtime.EventAudioDelta, Delta: "AAA="},
		evt(realtime.EventSpeechStarted),
		realtime.ServerEvent{Type: realtime.EventTranscriptionCompleted, Transcript: "sorry, one more thing"},
	)

	if _, ok := h.nextOut(t).(protocol.TTSChunk); !ok {
		t.Fatalf("want tts_chunk first")
	}
	if call := h.nextCall(t); call != "cancel" {
		t.Fatalf("call = %q, want cancel", call)
	}
	notice, ok := h.nextOut(t).(protocol.Notice)
	if !ok || notice.Level != protocol.LevelInfo {
		t.Fatalf("message = %#v, want barge-in notice", notice)
	}
	if _, ok := h.nextOut(t).(protocol.Transcript); !ok {
		t.Fatalf("want transcript after barge-in notice")
	}
	h.upstream(evt(realtime.EventAudioDone))
	if final := h.nextOut(t).(protocol.TTSChunk); !final.IsFinal || final.Seq != 1 {
		t.Fatalf("final chunk = %+v, want seq 1", final)
	}
}

func TestBrokerClientBargeIn(t *testing.T) {
	h := newHarness(t, BrokerConfig{})
	h.in <- protocol.BargeIn{}
	if call := h.nextCall(t); call != "cancel" {
		t.Fatalf("call = %q, want cancel", call)
	}
	if _, ok := h.nextOut(t).(protocol.Notice); !ok {
		t.Fatalf("want notice after client barge-in")
	}
}

func TestBrokerUserTurnEndServerVAD(t *testing.T) {
	h := newHarness(t, BrokerConfig{})
	h.in <- protocol.UserTurnEnd{}
	h.in <- protocol.BargeIn{}
	if call := h.nextCall(t); call != "commit" {
		t.Fatalf("call = %q, want commit", call)
	}
	if call := h.nextCall(t); call != "cancel" {
		t.Fatalf("call after commit = %q, want cancel (no response.create in server_vad mode)", call)
	}
}

func TestBrokerUserTurnEndManual(t *testing.T) {
	h := newHarness(t, BrokerConfig{ManualTurns: true})
	h.in <- protocol.UserTurnEnd{}
	if call := h.nextCall(t); call != "commit" {
		t.Fatalf("call = %q, want commit", call)
	}
	if call := h.nextCall(t); call != "create:" {
		t.Fatalf("call = %q, want create with no instructions", call)
	}
}

func (h *harness) speak(t *testing.T, pcm []byte, chunks int) {
	t.Helper()
	b64 := base64.StdEncoding.EncodeToString(pcm)
	for i := 0; i < chunks; i++ {
		h.in <- protocol.MicChunk{Seq: i, AudioB64: b64, PCM: pcm}
	}
	for i := 0; i < chunks; i++ {
		if call := h.nextCall(t); call != "append" {
			t.Fatalf("call = %q, want append", call)
		}
	}
}

func TestBrokerManualSpeechCancelsSilenceTimer(t *testing.T) {
	h := newHarness(t, BrokerConfig{ManualTurns: true})
	h.upstream(evt(realtime.EventResponseCreated), evt(realtime.EventResponseDone))
	pending := h.timers.next(t)

	h.speak(t, speechChunk, 10)
	if pending.active() {
		t.Fatalf("silence timer still active while the candidate speaks")
	}
	pending.fire()
	h.in <- protocol.BargeIn{}
	if call := h.nextCall(t); call != "cancel" {
		t.Fatalf("call = %q, want cancel (no check-in while the candidate speaks)", call)
	}
	h.nextOut(t) // barge-in notice

	h.speak(t, silentChunk, 8)
	rearmed := h.timers.next(t)
	if rearmed.d != 2*time.Second {
		t.Fatalf("delay after local end of speech = %v, want 2s", rearmed.d)
	}
}

func TestBrokerManualSpeechResetsCheckInBackoff(t *testing.T) {
	h := newHarness(t, BrokerConfig{ManualTurns: true})
	h.upstream(evt(realtime.EventResponseCreated), evt(realtime.EventResponseDone))
	h.timers.next(t).fire()
	if call := h.nextCall(t); call != "create:"+checkInPrompt(1) {
		t.Fatalf("call = %q, want first check-in", call)
	}
	if second := h.timers.next(t); second.d != 4*time.Second {
		t.Fatalf("second delay = %v, want 4s", second.d)
	}

	h.speak(t, speechChunk, 10)
	h.in <- protocol.UserTurnEnd{}
	if call := h.nextCall(t); call != "commit" {
		t.Fatalf("call = %q, want commit", call)
	}
	if call := h.nextCall(t); call != "create:" {
		t.Fatalf("call = %q, want create", call)
	}
	h.upstream(evt(realtime.EventResponseCreated), evt(realtime.EventResponseDone))
	if next := h.timers.next(t); next.d != 2*time.Second {
		t.Fatalf("delay after the candidate answered = %v, want 2s", next.d)
	}
}

func TestBrokerSkipsAudioBufferWithoutRecorder(t *testing.T) {
	h := newHarness(t, BrokerConfig{})
	h.speak(t, speechChunk, 3)
	h.upstream(
		evt(realtime.EventResponseCreated),
		realtime.ServerEvent{Type: realtime.EventAudioDelta, Delta: "AAA="},
	)
	h.nextOut(t)
	h.in <- protocol.BargeIn{}
	if call := h.nextCall(t); call != "cancel" {
		t.Fatalf("call = %q, want cancel", call)
	}
	if stats := h.b.buffer.Stats(); stats.MicChunks != 0 || stats.AIChunks != 0 {
		t.Fatalf("buffer stats = %+v, want nothing retained without a recording sink", stats)
	}
}

func TestBrokerFalseTurnsWidenSilenceWindow(t *testing.T) {
	h := newHarness(t, BrokerConfig{})
	h.upstream(evt(realtime.EventSpeechStarted), evt(realtime.EventSpeechStopped))
	h.upstream(evt(realtime.EventSpeechStarted), evt(realtime.EventSpeechStopped))
	if call := h.nextCall(t); call != "update:1000" {
		t.Fatalf("call = %q, want update:1000 after two unconfirmed turns", call)
	}
}

func TestBrokerOffersMaximumWindowAgain(t *testing.T) {
	h := newHarness(t, BrokerConfig{})
	h.conv.mu.Lock()
	h.conv.silenceMS = h.conv.maxMS
	h.conv.mu.Unlock()

	h.upstream(evt(realtime.EventSpeechStarted), evt(realtime.EventSpeechStopped))
	h.upstream(evt(realtime.EventSpeechStarted), evt(realtime.EventSpeechStopped))
	if call := h.nextCall(t); call != "update:1600" {
		t.Fatalf("call = %q, want update:1600 once the window cannot widen further", call)
	}
}

func TestBrokerConfirmedTurnDoesNotWiden(t *testing.T) {
	h := newHarness(t, BrokerConfig{})
	speech := base64.StdEncoding.EncodeToString(speechChunk)
	silence := base64.StdEncoding.EncodeToString(silentChunk)

	for round := 0; round < 2; round++ {
		h.upstream(evt(realtime.EventSpeechStarted))
		for i := 0; i < 6; i++ {
			h.in <- protocol.MicChunk{Seq: i, AudioB64: speech, PCM: speechChunk}
		}
		for i := 0; i < 8; i++ {
			h.in <- protocol.MicChunk{Seq: 6 + i, AudioB64: silence, PCM: silentChunk}
		}
		for i := 0; i < 14; i++ {
			if call := h.nextCall(t); call != "append" {
				t.Fatalf("call = %q, want append", call)
			}
		}
		h.upstream(evt(realtime.EventSpeechStopped))
		h.timers.next(t)
	}
	h.in <- protocol.BargeIn{}
	if call := h.nextCall(t); call != "cancel" {
		t.Fatalf("call = %q, want cancel (no turn detection update)", call)
	}
}

func TestBrokerAutoGreet(t *testing.T) {
	h := newHarness(t, BrokerConfig{AutoGreet: true, FirstQuestionInstructions: "Ask about Go."})
	greet := h.timers.next(t)
	if greet.d != 500*time.Millisecond {
		t.Fatalf("greet delay = %v, want 500ms", greet.d)
	}
	greet.fire()
	if call := h.nextCall(t); call != "create:Ask about Go." {
		t.Fatalf("call = %q, want first question request", call)
	}
}

func TestBrokerEndInterviewTool(t *testing.T) {
	rec := &captureRecorder{}
	h := newHarness(t, BrokerConfig{InterviewID: "int-1"}, WithRecordingSink(rec))
	h.in <- protocol.MicChunk{Seq: 0, AudioB64: base64.StdEncoding.EncodeToString(speechChunk), PCM: speechChunk}
	h.nextCall(t)
	h.upstream(
		evt(realtime.EventResponseCreated),
		realtime.ServerEvent{Type: realtime.EventAudioDelta, Delta: base64.StdEncoding.EncodeToString(speechChunk)},
		evt(realtime.EventAudioDone),
		realtime.ServerEvent{Type: realtime.EventAudioTranscriptDone, Transcript: "Thanks, that is all."},
		realtime.ServerEvent{Type: realtime.EventFunctionCallArgsDone, Name: realtime.EndInterviewToolName, Arguments: `{"reason":"all questions covered"}`},
		evt(realtime.EventResponseDone),
	)
	if err := h.wait(t); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if h.b.EndReason() != ReasonInterviewComplete {
		t.Fatalf("EndReason() = %q, want %q", h.b.EndReason(), ReasonInterviewComplete)
	}

	var last any
	for len(h.out) > 0 {
		last = <-h.out
	}
	if n, ok := last.(protocol.Notice); !ok || n.Level != protocol.LevelInfo {
		t.Fatalf("last message = %#v, want completion notice", last)
	}

	records := h.sink.all()
	if len(records) != 1 {
		t.Fatalf("transcripts persisted = %d, want 1", len(records))
	}
	if r := records[0]; r.InterviewID != "int-1" || len(r.Entries) != 1 || r.Entries[0].Speaker != transcript.SpeakerInterviewer {
		t.Fatalf("record = %+v", r)
	}
	if rec.calls != 1 || len(rec.mic) != 1 || len(rec.ai) != 1 {
		t.Fatalf("recording calls=%d mic=%d ai=%d, want 1/1/1", rec.calls, len(rec.mic), len(rec.ai))
	}
}

func TestBrokerFatalUpstreamErrorStops(t *testing.T) {
	h := newHarness(t, BrokerConfig{})
	h.upstream(realtime.ServerEvent{
		Type:  realtime.EventError,
		Error: &realtime.ErrorDetail{Code: realtime.ErrorCodeConnectionLost, Message: "gone"},
	})
	e, ok := h.nextOut(t).(protocol.Error)
	if !ok || e.Code != protocol.CodeConnectionLost {
		t.Fatalf("message = %#v, want connection_lost error", e)
	}
	h.wait(t)
	if h.b.EndReason() != ReasonUpstreamFatal {
		t.Fatalf("EndReason() = %q, want %q", h.b.EndReason(), ReasonUpstreamFatal)
	}
}

func TestBrokerNonFatalUpstreamErrorContinues(t *testing.T) {
	h := newHarness(t, BrokerConfig{})
	h.upstream(
		realtime.ServerEvent{Type: realtime.EventError, Error: &realtime.ErrorDetail{Type: "invalid_request_error", Message: "buffer too small"}},
		realtime.ServerEvent{Type: realtime.EventConnectionReconnecting, Attempt: 1, MaxAttempts: 5},
		realtime.ServerEvent{Type: realtime.EventConnectionReconnected, ContextRestored: true},
	)
	if e := h.nextOut(t).(protocol.Error); e.Code != "invalid_request_error" || e.Message != "buffer too small" {
		t.Fatalf("error = %+v", e)
	}
	if r := h.nextOut(t).(protocol.ConnectionReconnecting); r.Attempt != 1 || r.MaxAttempts != 5 {
		t.Fatalf("reconnecting = %+v", r)
	}
	if r := h.nextOut(t).(protocol.ConnectionReconnected); !r.ContextRestored {
		t.Fatalf("reconnected = %+v", r)
	}
}

func TestBrokerPanicIsContained(t *testing.T) {
	h := newHarness(t, BrokerConfig{})
	h.conv.mu.Lock()
	h.conv.panicOnMic = true
	h.conv.mu.Unlock()

	h.in <- protocol.MicChunk{Seq: 0, AudioB64: "AAA=", PCM: []byte{0, 0}}
	e, ok := h.nextOut(t).(protocol.Error)
	if !ok || e.Code != protocol.CodeInternalError {
		t.Fatalf("message = %#v, want INTERNAL_ERROR", e)
	}
	if err := h.wait(t); !errors.Is(err, ErrBrokerPanic) {
		t.Fatalf("Run() error = %v, want ErrBrokerPanic", err)
	}
	if h.conv.closeCount() != 1 || len(h.sink.all()) != 1 {
		t.Fatalf("teardown did not run: closed=%d persisted=%d", h.conv.closeCount(), len(h.sink.all()))
	}
}

func TestBrokerStopIsIdempotentAndPersistsOnce(t *testing.T) {
	h := newHarness(t, BrokerConfig{})
	h.b.Stop()
	h.b.Stop()
	h.wait(t)
	h.b.Stop()
	if got := len(h.sink.all()); got != 1 {
		t.Fatalf("transcripts persisted = %d, want 1", got)
	}
	if h.b.EndReason() != ReasonStopped {
		t.Fatalf("EndReason() = %q, want %q", h.b.EndReason(), ReasonStopped)
	}
}

func TestBrokerClientEndAndDisconnect(t *testing.T) {
	h := newHarness(t, BrokerConfig{})
	h.in <- protocol.End{Reason: "done"}
	h.wait(t)
	if h.b.EndReason() != ReasonClientEnd {
		t.Fatalf("EndReason() = %q, want %q", h.b.EndReason(), ReasonClientEnd)
	}

	h2 := newHarness(t, BrokerConfig{})
	close(h2.in)
	h2.wait(t)
	if h2.b.EndReason() != ReasonClientGone {
		t.Fatalf("EndReason() = %q, want %q", h2.b.EndReason(), ReasonClientGone)
	}
}

func TestBrokerStartFailureClosesConversation(t *testing.T) {
	conv := newFakeConversation()
	conv.connectErr = errors.New("dial refused")
	b := NewBroker(BrokerConfig{SessionID: "s"}, conv)
	if err := b.Start(context.Background()); err == nil {
		t.Fatalf("Start() error = nil, want error")
	}
	if conv.closeCount() != 1 {
		t.Fatalf("conversation closed %d times, want 1", conv.closeCount())
	}
	if err := b.Run(context.Background(), nil, nil); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Run() error = %v, want ErrNotStarted", err)
	}
}
