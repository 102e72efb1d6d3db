package voice

import (
	"context"

	"github.com/ent0n29/interviewrt/internal/audio"
	"github.com/ent0n29/interviewrt/internal/realtime"
	"github.com/ent0n29/interviewrt/internal/transcript"
)

// Conversation is the upstream speech-to-speech engine one broker drives.
// realtime.Client and realtime.MockClient both satisfy it.
type Conversation interface {
	Connect(ctx context.Context) error
	Events() <-chan realtime.ServerEvent
	AppendAudio(ctx context.Context, audioB64 string) error
	CommitAudio(ctx context.Context) error
	CreateResponse(ctx context.Context, instructions string) error
	CancelResponse(ctx context.Context) error
	UpdateTurnDetection(ctx context.Context, silenceMS int) (bool, error)
	ExtendSilenceWindow() (int, bool)
	History() []realtime.HistoryEntry
	Close() error
}

// TranscriptSink receives the finished transcript exactly once per session.
type TranscriptSink interface {
	Complete(ctx context.Context, record transcript.Record) error
}

// RecordingSink receives the flushed session audio.
type RecordingSink interface {
	Record(ctx context.Context, sessionID string, mic, ai []audio.Chunk) error
}

var (
	_ Conversation  = (*realtime.Client)(nil)
	_ Conversation  = (*realtime.MockClient)(nil)
	_ RecordingSink = (*audio.WAVRecorder)(nil)
)
