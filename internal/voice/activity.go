package voice

import (
	"time"

	"github.com/ent0n29/interviewrt/internal/audio"
)

// ActivityConfig tunes the local speech detector.
type ActivityConfig struct {
	SpeechThreshold float64
	MinSpeech       time.Duration
	MinSilence      time.Duration
	ReleaseGuard    time.Duration
	// ChunkDuration is used when a chunk's length cannot be derived from its bytes.
	ChunkDuration time.Duration
	SampleRate    int
}

func DefaultActivityConfig() ActivityConfig {
	return ActivityConfig{
		SpeechThreshold: 0.015,
		MinSpeech:       500 * time.Millisecond,
		MinSilence:      700 * time.Millisecond,
		ReleaseGuard:    200 * time.Millisecond,
		ChunkDuration:   100 * time.Millisecond,
		SampleRate:      audio.DefaultSampleRate,
	}
}

func (c ActivityConfig) withDefaults() ActivityConfig {
	def := DefaultActivityConfig()
	if c.SpeechThreshold <= 0 {
		c.SpeechThreshold = def.SpeechThreshold
	}
	if c.MinSpeech <= 0 {
		c.MinSpeech = def.MinSpeech
	}
	if c.MinSilence <= 0 {
		c.MinSilence = def.MinSilence
	}
	if c.ReleaseGuard < 0 {
		c.ReleaseGuard = 0
	}
	if c.ChunkDuration <= 0 {
		c.ChunkDuration = def.ChunkDuration
	}
	if c.SampleRate <= 0 {
		c.SampleRate = def.SampleRate
	}
	return c
}

// hysteresisRatio is the fraction of the threshold a chunk needs to keep
// counting as speech inside the release guard.
const hysteresisRatio = 0.6

// SpeechActivityMonitor is an RMS voice activity detector used to
// cross-check the upstream VAD. It is not safe for concurrent use; the broker
// loop owns it.
type SpeechActivityMonitor struct {
	cfg        ActivityConfig
	silenceCap time.Duration

	speechObserved bool
	speech         time.Duration
	silence        time.Duration
	sinceConfirmed time.Duration
	falseTurns     int
}

func NewSpeechActivityMonitor(cfg ActivityConfig) *SpeechActivityMonitor {
	cfg = cfg.withDefaults()
	m := &SpeechActivityMonitor{cfg: cfg, silenceCap: 4 * cfg.MinSilence}
	m.sinceConfirmed = m.silenceCap
	return m
}

// RegisterChunk classifies one PCM16 chunk and updates the turn accumulators.
func (m *SpeechActivityMonitor) RegisterChunk(pcm []byte) (float64, bool) {
	rms := audio.RMS(pcm)
	d := m.chunkDuration(len(pcm))
	threshold := m.cfg.SpeechThreshold

	confirmed := rms >= threshold
	isSpeech := confirmed
	if !isSpeech && m.speechObserved && m.sinceConfirmed < m.cfg.ReleaseGuard && rms >= hysteresisRatio*threshold {
		isSpeech = true
	}

	if confirmed {
		m.sinceConfirmed = 0
	} else {
		m.sinceConfirmed = min(m.sinceConfirmed+d, m.silenceCap)
	}
	if isSpeech {
		m.speechObserved = true
		m.speech += d
		m.silence = 0
	} else {
		m.silence = min(m.silence+d, m.silenceCap)
	}
	return rms, isSpeech
}

// CanCommit reports whether the current turn has enough speech followed by
// enough trailing silence to be a real utterance.
func (m *SpeechActivityMonitor) CanCommit() bool {
	return m.speechObserved && m.speech >= m.cfg.MinSpeech && m.silence >= m.cfg.MinSilence
}

func (m *SpeechActivityMonitor) RegisterFalseTurn() { m.falseTurns++ }

func (m *SpeechActivityMonitor) FalseTurns() int { return m.falseTurns }

func (m *SpeechActivityMonitor) ResetFalseTurns() { m.falseTurns = 0 }

// MarkCommitSuccess starts a new turn.
func (m *SpeechActivityMonitor) MarkCommitSuccess() {
	m.speechObserved = false
	m.speech = 0
	m.silence = 0
	m.sinceConfirmed = m.silenceCap
	m.falseTurns = 0
}

// SpeechEnded reports speech in the current turn followed by at least
// MinSilence of silence.
func (m *SpeechActivityMonitor) SpeechEnded() bool {
	return m.speechObserved && m.silence >= m.cfg.MinSilence
}

// SpeechDuration is the speech accumulated in the current turn.
func (m *SpeechActivityMonitor) SpeechDuration() time.Duration { return m.speech }

// TrailingSilence is the continuous silence since the last speech chunk.
func (m *SpeechActivityMonitor) TrailingSilence() time.Duration { return m.silence }

func (m *SpeechActivityMonitor) chunkDuration(byteLen int) time.Duration {
	if d := audio.PCMDuration(byteLen, m.cfg.SampleRate); d > 0 {
		return d
	}
	return m.cfg.ChunkDuration
}
