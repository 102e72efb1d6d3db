package audio

import (
	"encoding/base64"
	"fmt"
	"sort"
	"sync"
	"time"
)

type Source string

const (
	SourceMic Source = "mic"
	SourceAI  Source = "ai"
)

// DefaultAILatencyCorrection shifts AI chunks forward to line up with the mic
// track once both are mixed.
const DefaultAILatencyCorrection = 120 * time.Millisecond

// Chunk is one captured audio payload. Timestamp is seconds since the
// buffer's first chunk. Chunks are never mutated after Flush hands them out.
type Chunk struct {
	Source    Source
	Seq       int
	Timestamp float64
	PCM       []byte
	RMS       *float64
	IsSpeech  *bool
}

// MicChunkInput describes one microphone chunk. PCM, when set, is used as is
// and AudioB64 is not decoded again.
type MicChunkInput struct {
	AudioB64        string
	Seq             int
	ClientTimestamp *float64
	PCM             []byte
	RMS             *float64
	IsSpeech        *bool
}

type Stats struct {
	MicBytes  int           `json:"mic_bytes"`
	AIBytes   int           `json:"ai_bytes"`
	MicChunks int           `json:"mic_chunks"`
	AIChunks  int           `json:"ai_chunks"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Buffer accumulates the mic and AI streams of one session behind a single
// mutex. Ordering across streams is only established at Flush.
type Buffer struct {
	mu sync.Mutex

	now          func() time.Time
	aiCorrection time.Duration

	started         bool
	startTime       time.Time
	serverReference time.Time
	hasClientRef    bool
	clientReference float64

	mic []Chunk
	ai  []Chunk

	micBytes int
	aiBytes  int
}

type BufferOption func(*Buffer)

func WithClock(now func() time.Time) BufferOption {
	return func(b *Buffer) {
		if now != nil {
			b.now = now
		}
	}
}

func WithAILatencyCorrection(d time.Duration) BufferOption {
	return func(b *Buffer) {
		if d >= 0 {
			b.aiCorrection = d
		}
	}
}

func NewBuffer(opts ...BufferOption) *Buffer {
	b := &Buffer{
		now:          time.Now,
		aiCorrection: DefaultAILatencyCorrection,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AddMicChunk records one microphone chunk. The client clock is preferred for
// its timestamp when the client supplied one.
func (b *Buffer) AddMicChunk(in MicChunkInput) error {
	pcm := in.PCM
	if pcm == nil {
		decoded, err := base64.StdEncoding.DecodeString(in.AudioB64)
		if err != nil {
			return fmt.Errorf("decode mic chunk %d: %w", in.Seq, err)
		}
		pcm = decoded
	}
	if len(pcm) == 0 {
		return nil
	}

	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latch(now)
	if in.ClientTimestamp != nil && !b.hasClientRef {
		b.hasClientRef = true
		b.clientReference = *in.ClientTimestamp
	}

	var ts float64
	if in.ClientTimestamp != nil {
		ts = *in.ClientTimestamp - b.clientReference
	} else {
		ts = now.Sub(b.serverReference).Seconds()
	}
	b.mic = append(b.mic, Chunk{
		Source:    SourceMic,
		Seq:       in.Seq,
		Timestamp: clampNonNegative(ts),
		PCM:       pcm,
		RMS:       in.RMS,
		IsSpeech:  in.IsSpeech,
	})
	b.micBytes += len(pcm)
	return nil
}

// AddAIChunk records one synthesized chunk stamped at arrival plus the AI
// latency correction. Empty payloads are dropped.
func (b *Buffer) AddAIChunk(audioB64 string, seq int) error {
	pcm, err := base64.StdEncoding.DecodeString(audioB64)
	if err != nil {
		return fmt.Errorf("decode ai chunk %d: %w", seq, err)
	}
	if len(pcm) == 0 {
		return nil
	}

	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latch(now)
	ts := now.Sub(b.serverReference).Seconds() + b.aiCorrection.Seconds()
	b.ai = append(b.ai, Chunk{
		Source:    SourceAI,
		Seq:       seq,
		Timestamp: clampNonNegative(ts),
		PCM:       pcm,
	})
	b.aiBytes += len(pcm)
	return nil
}

// UpdateAITimestamp replaces the estimated timestamp of the most recent AI
// chunk with seq using a client-reported playback start. It reports whether
// a chunk was updated; without a client clock reference nothing changes.
func (b *Buffer) UpdateAITimestamp(seq int, clientTimestamp float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.hasClientRef {
		return false
	}
	for i := len(b.ai) - 1; i >= 0; i-- {
		if b.ai[i].Seq == seq {
			b.ai[i].Timestamp = clampNonNegative(clientTimestamp - b.clientReference)
			return true
		}
	}
	return false
}

// Flush drains both streams and returns each sorted by timestamp.
func (b *Buffer) Flush() (mic, ai []Chunk) {
	b.mu.Lock()
	mic, ai = b.mic, b.ai
	b.mic, b.ai = nil, nil
	b.micBytes, b.aiBytes = 0, 0
	b.mu.Unlock()

	sortChunks(mic)
	sortChunks(ai)
	return mic, ai
}

func (b *Buffer) Stats() Stats {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Stats{
		MicBytes:  b.micBytes,
		AIBytes:   b.aiBytes,
		MicChunks: len(b.mic),
		AIChunks:  len(b.ai),
	}
	if b.started {
		st.Elapsed = now.Sub(b.startTime)
	}
	return st
}

func (b *Buffer) latch(now time.Time) {
	if b.started {
		return
	}
	b.started = true
	b.startTime = now
	b.serverReference = now
}

func sortChunks(chunks []Chunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		return chunks[i].Timestamp < chunks[j].Timestamp
	})
}

func clampNonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
