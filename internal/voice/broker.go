package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ent0n29/interviewrt/internal/audio"
	"github.com/ent0n29/interviewrt/internal/logging"
	"github.com/ent0n29/interviewrt/internal/observability"
	"github.com/ent0n29/interviewrt/internal/protocol"
	"github.com/ent0n29/interviewrt/internal/realtime"
	"github.com/ent0n29/interviewrt/internal/reliability"
	"github.com/ent0n29/interviewrt/internal/transcript"
)

var (
	ErrNotStarted  = errors.New("broker not started")
	ErrBrokerPanic = errors.New("broker loop panicked")
)

// End reasons, reported to metrics and stored with the transcript.
const (
	ReasonClientEnd         = "client_end"
	ReasonClientGone        = "client_disconnected"
	ReasonStopped           = "stopped"
	ReasonContextDone       = "context_done"
	ReasonInactivity        = "inactivity"
	ReasonInterviewComplete = "interview_completed"
	ReasonUpstreamFatal     = "upstream_error"
	ReasonUpstreamClosed    = "upstream_closed"
	ReasonInternalError     = "internal_error"
)

const (
	defaultFalseTurnLimit = 2
	defaultGreetDelay     = 500 * time.Millisecond
	defaultPersistTimeout = 5 * time.Second
	criticalSendTimeout   = 600 * time.Millisecond
	audioSendTimeout      = 120 * time.Millisecond

	defaultFirstQuestionInstructions = "Greet the candidate in one short sentence, then ask your first interview question. Do not ask how they are doing."
)

// BrokerConfig is the per-session configuration of a Broker.
type BrokerConfig struct {
	SessionID   string
	InterviewID string
	CandidateID string

	// ManualTurns mirrors the upstream turn detection mode: with it set,
	// user_turn_end commits and requests the next response itself.
	ManualTurns bool

	AutoGreet                 bool
	GreetDelay                time.Duration
	FirstQuestionInstructions string

	CheckInDelays  []time.Duration
	FalseTurnLimit int
	Activity       ActivityConfig

	AILatencyCorrection time.Duration
	PersistTimeout      time.Duration
}

type BrokerOption func(*Broker)

func WithBrokerLogger(l *zap.Logger) BrokerOption {
	return func(b *Broker) { b.logger = logging.OrNop(l) }
}

func WithBrokerMetrics(m *observability.Metrics) BrokerOption {
	return func(b *Broker) { b.metrics = m }
}

func WithTranscriptSink(s TranscriptSink) BrokerOption {
	return func(b *Broker) { b.transcripts = s }
}

func WithRecordingSink(s RecordingSink) BrokerOption {
	return func(b *Broker) { b.recorder = s }
}

func WithTimerFactory(f TimerFactory) BrokerOption {
	return func(b *Broker) {
		if f != nil {
			b.newTimer = f
		}
	}
}

func WithBrokerClock(now func() time.Time) BrokerOption {
	return func(b *Broker) {
		if now != nil {
			b.now = now
		}
	}
}

// Broker runs the turn-taking state machine of one interview session. All
// state below stopCh is owned by the goroutine running Run; other goroutines
// only submit client messages through the inbound channel or call Stop.
type Broker struct {
	cfg         BrokerConfig
	conv        Conversation
	logger      *zap.Logger
	metrics     *observability.Metrics
	transcripts TranscriptSink
	recorder    RecordingSink
	newTimer    TimerFactory
	now         func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once

	monitor *SpeechActivityMonitor
	buffer  *audio.Buffer
	timing  observability.TimingTracker
	span    trace.Span

	out          chan<- any
	running      bool
	stopped      bool
	speaking     bool
	listening    bool
	audioStarted bool
	responded    bool
	endRequested bool
	audioSeq     int
	checkInIndex int
	silenceTimer Timer
	greetTimer   Timer
	endReason    string
	startedAt    time.Time
	entries      []transcript.Entry
}

func NewBroker(cfg BrokerConfig, conv Conversation, opts ...BrokerOption) *Broker {
	if cfg.GreetDelay <= 0 {
		cfg.GreetDelay = defaultGreetDelay
	}
	if strings.TrimSpace(cfg.FirstQuestionInstructions) == "" {
		cfg.FirstQuestionInstructions = defaultFirstQuestionInstructions
	}
	if cfg.CheckInDelays == nil {
		cfg.CheckInDelays = DefaultCheckInDelays
	}
	if cfg.FalseTurnLimit <= 0 {
		cfg.FalseTurnLimit = defaultFalseTurnLimit
	}
	if cfg.AILatencyCorrection <= 0 {
		cfg.AILatencyCorrection = audio.DefaultAILatencyCorrection
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}

	b := &Broker{
		cfg:      cfg,
		conv:     conv,
		logger:   zap.NewNop(),
		newTimer: newRuntimeTimer,
		now:      time.Now,
		stopCh:   make(chan struct{}),
		monitor:  NewSpeechActivityMonitor(cfg.Activity),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(zap.String("session_id", cfg.SessionID))
	b.buffer = audio.NewBuffer(audio.WithClock(b.now), audio.WithAILatencyCorrection(cfg.AILatencyCorrection))
	return b
}

func (b *Broker) SessionID() string { return b.cfg.SessionID }

// EndReason is valid once Run has returned.
func (b *Broker) EndReason() string { return b.endReason }

// Start connects the upstream conversation. On failure the conversation is
// closed and the broker must not be run.
func (b *Broker) Start(ctx context.Context) error {
	connectCtx, span := observability.StartSpan(ctx, "broker.connect",
		attribute.String("session_id", b.cfg.SessionID),
		attribute.String("interview_id", b.cfg.InterviewID),
	)
	err := b.conv.Connect(connectCtx)
	observability.EndSpan(span, err)
	if err != nil {
		_ = b.conv.Close()
		b.logger.Warn("upstream connect failed", zap.Error(err))
		return fmt.Errorf("connect conversation: %w", err)
	}

	_, b.span = observability.StartSpan(ctx, "broker.session", attribute.String("session_id", b.cfg.SessionID))
	b.startedAt = b.now()
	b.running = true
	b.metrics.SessionStarted()
	b.logger.Info("interview session started",
		zap.String("interview_id", b.cfg.InterviewID),
		zap.String("candidate_id", b.cfg.CandidateID),
		zap.Bool("manual_turns", b.cfg.ManualTurns),
	)
	return nil
}

// Stop asks the loop to end the session. Safe to call any number of times
// from any goroutine.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Run is the broker's event loop. It returns once the session has been torn
// down: conversation closed, transcript persisted and audio flushed.
func (b *Broker) Run(ctx context.Context, inbound <-chan protocol.ClientMessage, outbound chan<- any) (err error) {
	if !b.running {
		return ErrNotStarted
	}
	b.out = outbound

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("broker loop panic", zap.Any("panic", r), zap.Stack("stack"))
			b.send(protocol.NewError(protocol.CodeInternalError, "internal error, the session has ended", nil))
			b.endReason = ReasonInternalError
			b.teardown(ReasonInternalError)
			err = fmt.Errorf("%w: %v", ErrBrokerPanic, r)
		}
	}()

	if b.cfg.AutoGreet {
		b.greetTimer = b.newTimer(b.cfg.GreetDelay)
	}

	events := b.conv.Events()
	for b.endReason == "" {
		select {
		case <-ctx.Done():
			b.endReason = ReasonContextDone
		case <-b.stopCh:
			b.endReason = ReasonStopped
		case msg, ok := <-inbound:
			if !ok {
				b.endReason = ReasonClientGone
				continue
			}
			b.handleClientMessage(ctx, msg)
		case evt, ok := <-events:
			if !ok {
				b.endReason = ReasonUpstreamClosed
				continue
			}
			b.handleUpstreamEvent(ctx, evt)
		case <-timerC(b.silenceTimer):
			b.silenceTimer = nil
			b.onSilenceTimeout(ctx)
		case <-timerC(b.greetTimer):
			b.greetTimer = nil
			b.greet(ctx)
		}
	}

	b.teardown(b.endReason)
	return nil
}

func (b *Broker) handleClientMessage(ctx context.Context, msg protocol.ClientMessage) {
	switch m := msg.(type) {
	case protocol.MicChunk:
		b.handleMicChunk(ctx, m)
	case protocol.UserTurnEnd:
		b.handleUserTurnEnd(ctx)
	case protocol.BargeIn:
		b.handleBargeIn(ctx, "client")
	case protocol.TTSPlayback:
		if b.recorder != nil && !b.buffer.UpdateAITimestamp(m.Seq, m.Timestamp) {
			b.logger.Debug("tts playback for unknown chunk", zap.Int("seq", m.Seq))
		}
	case protocol.End:
		b.logger.Info("client ended session", zap.String("reason", m.Reason))
		b.endReason = ReasonClientEnd
	case protocol.Start:
		b.logger.Debug("ignoring start on a running session")
	}
}

func (b *Broker) handleMicChunk(ctx context.Context, m protocol.MicChunk) {
	if !b.running {
		return
	}
	rms, isSpeech := b.monitor.RegisterChunk(m.PCM)
	if b.recorder != nil {
		if err := b.buffer.AddMicChunk(audio.MicChunkInput{
			AudioB64:        m.AudioB64,
			Seq:             m.Seq,
			ClientTimestamp: m.Timestamp,
			PCM:             m.PCM,
			RMS:             &rms,
			IsSpeech:        &isSpeech,
		}); err != nil {
			b.logger.Debug("mic chunk not buffered", zap.Int("seq", m.Seq), zap.Error(err))
		}
	}
	if b.cfg.ManualTurns {
		b.trackLocalSpeech(isSpeech)
	}
	if err := b.conv.AppendAudio(ctx, m.AudioB64); err != nil {
		// Expected while the upstream is reconnecting.
		b.logger.Debug("append audio failed", zap.Int("seq", m.Seq), zap.Error(err))
	}
}

// trackLocalSpeech stands in for the upstream speech_started and
// speech_stopped events, which never arrive without server turn detection.
func (b *Broker) trackLocalSpeech(isSpeech bool) {
	switch {
	case isSpeech:
		if !b.listening {
			b.listening = true
			b.timing.MarkSpeechStart(b.now())
			b.cancelSilenceTimer()
		}
		b.checkInIndex = 0
	case b.listening && b.monitor.SpeechEnded():
		b.listening = false
		b.armSilenceTimer()
	}
}

func (b *Broker) handleUserTurnEnd(ctx context.Context) {
	if !b.running {
		return
	}
	if b.monitor.SpeechDuration() > 0 {
		b.checkInIndex = 0
	}
	b.listening = false
	b.timing.MarkSpeechEnd(b.now())
	if err := b.conv.CommitAudio(ctx); err != nil {
		b.logger.Warn("commit audio failed", zap.Error(err))
		return
	}
	if !b.cfg.ManualTurns {
		// Server VAD already creates the response for a committed turn.
		return
	}
	b.monitor.MarkCommitSuccess()
	if err := b.conv.CreateResponse(ctx, ""); err != nil {
		b.logger.Warn("create response failed", zap.Error(err))
	}
}

func (b *Broker) handleBargeIn(ctx context.Context, source string) {
	if !b.running {
		return
	}
	if err := b.conv.CancelResponse(ctx); err != nil {
		b.logger.Warn("cancel response failed", zap.String("source", source), zap.Error(err))
	}
	b.speaking = false
	b.audioStarted = false
	b.timing.Reset()
	b.metrics.ObserveBargeIn(source)
	b.logger.Info("barge-in", zap.String("source", source))
	b.send(protocol.NewNotice(protocol.LevelInfo, "Interviewer interrupted, listening."))
}

func (b *Broker) handleUpstreamEvent(ctx context.Context, evt realtime.ServerEvent) {
	b.metrics.ObserveUpstreamEvent(evt.Type)

	switch evt.Type {
	case realtime.EventSpeechStarted:
		if b.speaking {
			b.handleBargeIn(ctx, "vad")
		}
		b.listening = true
		b.timing.MarkSpeechStart(b.now())
		b.cancelSilenceTimer()
		b.checkInIndex = 0

	case realtime.EventSpeechStopped:
		b.listening = false
		b.timing.MarkSpeechEnd(b.now())
		b.validateTurn(ctx)
		b.armSilenceTimer()

	case realtime.EventTranscriptionCompleted:
		text := strings.TrimSpace(evt.Transcript)
		b.timing.MarkTranscriptReceived(b.now())
		if text == "" {
			return
		}
		b.record(transcript.SpeakerCandidate, text)
		b.send(protocol.NewTranscript(protocol.SpeakerUser, text, true, b.elapsed()))

	case realtime.EventResponseCreated:
		b.responded = true
		b.audioSeq = 0
		b.audioStarted = false
		b.cancelSilenceTimer()

	case realtime.EventAudioDelta:
		if evt.Delta == "" {
			return
		}
		if !b.audioStarted {
			now := b.now()
			b.audioStarted = true
			b.speaking = true
			b.timing.MarkTTSRequest(now)
			b.timing.MarkTTSFirstChunk(now)
			b.timing.MarkPlaybackStart(now)
		}
		seq := b.audioSeq
		b.audioSeq++
		b.send(protocol.NewTTSChunk(seq, evt.Delta, false))
		if b.recorder != nil {
			if err := b.buffer.AddAIChunk(evt.Delta, seq); err != nil {
				b.logger.Debug("ai chunk not buffered", zap.Int("seq", seq), zap.Error(err))
			}
		}

	case realtime.EventAudioDone:
		b.speaking = false
		b.audioStarted = false
		b.timing.MarkTTSComplete(b.now())
		b.send(protocol.NewTTSChunk(b.audioSeq, "", true))
		b.send(protocol.NewAnswerEnd(b.elapsed()))
		latency := b.timing.Metrics()
		b.metrics.ObserveLatency(latency)
		b.send(protocol.NewMetrics(latency))
		b.timing.Reset()

	case realtime.EventAudioTranscriptDone:
		text := strings.TrimSpace(evt.Transcript)
		if text == "" {
			return
		}
		b.record(transcript.SpeakerInterviewer, text)
		b.send(protocol.NewTranscript(protocol.SpeakerAI, text, true, b.elapsed()))

	case realtime.EventFunctionCallArgsDone:
		b.handleToolCall(evt.Name, evt.Arguments)

	case realtime.EventOutputItemDone:
		if evt.Item != nil && evt.Item.Type == "function_call" {
			b.handleToolCall(evt.Item.Name, evt.Item.Arguments)
		}

	case realtime.EventResponseDone:
		if b.endRequested {
			b.send(protocol.NewNotice(protocol.LevelInfo, "The interview is complete. Thank you for your time."))
			b.endReason = ReasonInterviewComplete
			return
		}
		b.armSilenceTimer()

	case realtime.EventError:
		code := evt.ErrorCode()
		if code == "" {
			code = "upstream_error"
		}
		b.metrics.ObserveUpstreamError(code)
		b.logger.Warn("upstream error", zap.String("code", code), zap.String("message", evt.ErrorMessage()))
		b.send(protocol.NewError(code, evt.ErrorMessage(), nil))
		if reliability.IsSessionFatalRealtimeError(code) {
			b.endReason = ReasonUpstreamFatal
		}

	case realtime.EventConnectionReconnecting:
		b.speaking = false
		b.audioStarted = false
		b.cancelSilenceTimer()
		b.send(protocol.NewReconnecting(evt.Attempt, evt.MaxAttempts))

	case realtime.EventConnectionReconnected:
		b.send(protocol.NewReconnected(evt.ContextRestored))
		b.armSilenceTimer()
	}
}

// validateTurn cross-checks an upstream end of speech with the local
// detector. Repeated turns the detector rejects widen the server VAD silence
// window so the candidate is not cut off mid-sentence.
func (b *Broker) validateTurn(ctx context.Context) {
	if b.monitor.CanCommit() {
		b.monitor.MarkCommitSuccess()
		return
	}
	b.monitor.RegisterFalseTurn()
	b.metrics.ObserveSessionEvent("false_turn")
	b.logger.Debug("upstream turn not confirmed locally",
		zap.Duration("speech", b.monitor.SpeechDuration()),
		zap.Duration("trailing_silence", b.monitor.TrailingSilence()),
		zap.Int("false_turns", b.monitor.FalseTurns()),
	)
	if b.monitor.FalseTurns() < b.cfg.FalseTurnLimit {
		return
	}
	b.monitor.ResetFalseTurns()
	// At the maximum the window is offered again in case an earlier update
	// was throttled; the client skips values it already applied.
	silenceMS, _ := b.conv.ExtendSilenceWindow()
	applied, err := b.conv.UpdateTurnDetection(ctx, silenceMS)
	if err != nil {
		b.logger.Warn("update turn detection failed", zap.Int("silence_ms", silenceMS), zap.Error(err))
		return
	}
	if applied {
		b.metrics.ObserveSessionEvent("silence_window_extended")
		b.logger.Info("server vad silence window extended", zap.Int("silence_ms", silenceMS))
	}
}

func (b *Broker) handleToolCall(name, arguments string) {
	if name != realtime.EndInterviewToolName || b.endRequested {
		return
	}
	var args struct {
		Reason string `json:"reason"`
	}
	if strings.TrimSpace(arguments) != "" {
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			b.logger.Debug("end_interview arguments not json", zap.Error(err))
		}
	}
	b.endRequested = true
	b.logger.Info("interviewer ended the interview", zap.String("reason", args.Reason))
}

func (b *Broker) greet(ctx context.Context) {
	if !b.running || b.responded || b.listening || b.speaking {
		return
	}
	b.metrics.ObserveSessionEvent("auto_greet")
	if err := b.conv.CreateResponse(ctx, b.cfg.FirstQuestionInstructions); err != nil {
		b.logger.Warn("first question request failed", zap.Error(err))
	}
}

func (b *Broker) armSilenceTimer() {
	b.cancelSilenceTimer()
	delays := b.cfg.CheckInDelays
	if !b.running || b.listening || len(delays) == 0 {
		return
	}
	b.silenceTimer = b.newTimer(delays[min(b.checkInIndex, len(delays)-1)])
}

func (b *Broker) cancelSilenceTimer() {
	stopTimer(b.silenceTimer)
	b.silenceTimer = nil
}

// onSilenceTimeout advances the check-in backoff. The last delay ends the
// session instead of prompting again.
func (b *Broker) onSilenceTimeout(ctx context.Context) {
	if !b.running || b.speaking || b.listening {
		return
	}
	delays := b.cfg.CheckInDelays
	last := len(delays) - 1
	if b.checkInIndex < last {
		level := b.checkInIndex + 1
		b.metrics.ObserveCheckIn(level)
		b.logger.Info("silence check-in", zap.Int("level", level))
		if err := b.conv.CreateResponse(ctx, checkInPrompt(level)); err != nil {
			b.logger.Warn("check-in request failed", zap.Int("level", level), zap.Error(err))
		}
		b.checkInIndex++
		b.silenceTimer = b.newTimer(delays[b.checkInIndex])
		return
	}
	b.metrics.ObserveCheckIn(len(delays))
	b.logger.Info("ending session after prolonged silence")
	b.send(protocol.NewNotice(protocol.LevelWarning, "Session ending due to inactivity."))
	b.endReason = ReasonInactivity
}

func (b *Broker) record(speaker, text string) {
	b.entries = append(b.entries, transcript.Entry{Speaker: speaker, Text: text, SpokenAt: b.now().UTC()})
}

func (b *Broker) elapsed() *float64 {
	if b.startedAt.IsZero() {
		return nil
	}
	s := b.now().Sub(b.startedAt).Seconds()
	return &s
}

// send delivers msg to the client writer. Audio chunks wait briefly; every
// other message is critical and waits longer before being dropped.
func (b *Broker) send(msg any) {
	if b.out == nil {
		return
	}
	event := protocol.EventName(msg)
	select {
	case b.out <- msg:
		b.metrics.ObserveOutboundMessage(event, "delivered")
		return
	default:
	}

	timeout := criticalSendTimeout
	if c, ok := msg.(protocol.TTSChunk); ok && !c.IsFinal {
		timeout = audioSendTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case b.out <- msg:
		b.metrics.ObserveOutboundMessage(event, "delivered")
	case <-timer.C:
		b.metrics.ObserveOutboundMessage(event, "timeout")
		b.metrics.ObserveSessionEvent("outbound_drop")
		b.logger.Warn("outbound message dropped", zap.String("event", event))
	}
}

// teardown runs once: timers, upstream, transcript, recording.
func (b *Broker) teardown(reason string) {
	if b.stopped {
		return
	}
	b.stopped = true
	b.running = false
	b.cancelSilenceTimer()
	stopTimer(b.greetTimer)
	b.greetTimer = nil

	if err := b.conv.Close(); err != nil {
		b.logger.Debug("close conversation", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.PersistTimeout)
	defer cancel()
	b.persistTranscript(ctx, reason)
	b.flushRecording(ctx)

	b.metrics.SessionEnded(reason)
	if b.span != nil {
		b.span.SetAttributes(attribute.String("end_reason", reason), attribute.Int("transcript_entries", len(b.entries)))
		observability.EndSpan(b.span, nil)
	}
	b.logger.Info("interview session ended", zap.String("reason", reason), zap.Int("transcript_entries", len(b.entries)))
}

func (b *Broker) persistTranscript(ctx context.Context, reason string) {
	if b.transcripts == nil {
		return
	}
	rec := transcript.Record{
		SessionID:   b.cfg.SessionID,
		InterviewID: b.cfg.InterviewID,
		CandidateID: b.cfg.CandidateID,
		EndReason:   reason,
		StartedAt:   b.startedAt.UTC(),
		EndedAt:     b.now().UTC(),
		Entries:     b.entries,
	}
	if err := b.transcripts.Complete(ctx, rec); err != nil {
		b.metrics.ObserveSessionEvent("transcript_persist_failed")
		b.logger.Error("persist transcript failed", zap.Error(err))
	}
}

func (b *Broker) flushRecording(ctx context.Context) {
	mic, ai := b.buffer.Flush()
	if b.recorder == nil || (len(mic) == 0 && len(ai) == 0) {
		return
	}
	if err := b.recorder.Record(ctx, b.cfg.SessionID, mic, ai); err != nil {
		b.logger.Error("write session recording failed", zap.Error(err))
	}
}
