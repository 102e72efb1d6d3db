package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/interviewrt/internal/config"
	"github.com/ent0n29/interviewrt/internal/httpapi"
	"github.com/ent0n29/interviewrt/internal/interview"
	"github.com/ent0n29/interviewrt/internal/logging"
	"github.com/ent0n29/interviewrt/internal/observability"
	"github.com/ent0n29/interviewrt/internal/protocol"
	"github.com/ent0n29/interviewrt/internal/realtime"
	"github.com/ent0n29/interviewrt/internal/voice"
)

// brokerFactory turns a start message into a ready-to-start broker: it
// resolves the interview profile, builds the interviewer instructions and
// picks the upstream conversation.
type brokerFactory struct {
	cfg         config.Config
	directory   interview.Directory
	transcripts voice.TranscriptSink
	recorder    voice.RecordingSink
	metrics     *observability.Metrics
	logger      *zap.Logger
}

func (f *brokerFactory) NewBroker(ctx context.Context, start protocol.Start) (httpapi.Broker, error) {
	profile, err := f.directory.Lookup(ctx, start.InterviewID, start.CandidateID)
	if err != nil {
		return nil, fmt.Errorf("resolve interview profile: %w", err)
	}

	logger := logging.OrNop(f.logger).With(zap.String("session_id", start.SessionID))
	conv := f.conversation(interview.BuildInstructions(profile), logger)

	opts := []voice.BrokerOption{
		voice.WithBrokerLogger(logger),
		voice.WithBrokerMetrics(f.metrics),
		voice.WithTranscriptSink(f.transcripts),
	}
	if f.recorder != nil {
		opts = append(opts, voice.WithRecordingSink(f.recorder))
	}

	return voice.NewBroker(voice.BrokerConfig{
		SessionID:                 start.SessionID,
		InterviewID:               start.InterviewID,
		CandidateID:               start.CandidateID,
		ManualTurns:               f.manualTurns(),
		AutoGreet:                 f.cfg.AutoGreet,
		GreetDelay:                f.cfg.GreetDelay,
		FirstQuestionInstructions: interview.FirstQuestionInstructions(profile),
		CheckInDelays:             f.cfg.CheckInDelays,
		Activity:                  f.activityConfig(),
		AILatencyCorrection:       f.cfg.AILatencyCorrection,
	}, conv, opts...), nil
}

func (f *brokerFactory) manualTurns() bool {
	return f.cfg.TurnDetection == config.TurnDetectionManual
}

func (f *brokerFactory) activityConfig() voice.ActivityConfig {
	ac := voice.DefaultActivityConfig()
	ac.SpeechThreshold = f.cfg.SpeechThreshold
	ac.MinSpeech = time.Duration(f.cfg.SpeechMinSpeechMS) * time.Millisecond
	ac.MinSilence = time.Duration(f.cfg.SpeechMinSilenceMS) * time.Millisecond
	ac.ReleaseGuard = time.Duration(f.cfg.SpeechReleaseGuardMS) * time.Millisecond
	ac.SampleRate = f.cfg.SampleRate
	return ac
}

func (f *brokerFactory) conversation(instructions string, logger *zap.Logger) voice.Conversation {
	if f.cfg.UseMockRealtime() {
		return realtime.NewMockClient(realtime.MockConfig{
			SampleRate:      f.cfg.SampleRate,
			SpeechThreshold: f.cfg.SpeechThreshold,
			SilenceMS:       f.cfg.VADSilenceMS,
			MaxSilenceMS:    f.cfg.VADMaxSilenceMS,
			SilenceStepMS:   f.cfg.VADSilenceStepMS,
			ManualTurns:     f.manualTurns(),
		})
	}
	return realtime.NewClient(realtime.Config{
		URL:                  f.cfg.RealtimeURL,
		APIKey:               f.cfg.OpenAIAPIKey,
		Model:                f.cfg.RealtimeModel,
		Voice:                f.cfg.RealtimeVoice,
		Instructions:         instructions,
		TranscriptionModel:   f.cfg.TranscriptionModel,
		ManualTurns:          f.manualTurns(),
		VADThreshold:         f.cfg.VADThreshold,
		PrefixPaddingMS:      f.cfg.VADPrefixPaddingMS,
		SilenceMS:            f.cfg.VADSilenceMS,
		MaxSilenceMS:         f.cfg.VADMaxSilenceMS,
		SilenceStepMS:        f.cfg.VADSilenceStepMS,
		MaxReconnectAttempts: f.cfg.MaxReconnectAttempts,
		MaxBackoff:           f.cfg.MaxReconnectBackoff,
		HistoryLimit:         f.cfg.HistoryLimit,
	}, realtime.WithLogger(logger), realtime.WithMetrics(f.metrics))
}
