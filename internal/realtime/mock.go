package realtime

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/interviewrt/internal/audio"
)

// MockConfig tunes the scripted in-process conversation.
type MockConfig struct {
	SampleRate      int
	SpeechThreshold float64
	SilenceMS       int
	MaxSilenceMS    int
	SilenceStepMS   int
	ManualTurns     bool
	ReplyAudio      time.Duration
}

// MockClient is an in-process stand-in for the realtime upstream. It runs a
// crude energy VAD over appended audio and answers every turn with a short
// tone, which is enough to drive the full session flow without credentials.
type MockClient struct {
	cfg MockConfig

	mu           sync.Mutex
	connected    bool
	closed       bool
	inSpeech     bool
	speechBytes  int
	silenceBytes int
	silenceMS    int
	turns        int
	history      *History
	queue        []ServerEvent

	notify    chan struct{}
	events    chan ServerEvent
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewMockClient(cfg MockConfig) *MockClient {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	if cfg.SpeechThreshold <= 0 {
		cfg.SpeechThreshold = 0.015
	}
	if cfg.SilenceMS <= 0 {
		cfg.SilenceMS = 800
	}
	if cfg.MaxSilenceMS < cfg.SilenceMS {
		cfg.MaxSilenceMS = cfg.SilenceMS
	}
	if cfg.SilenceStepMS <= 0 {
		cfg.SilenceStepMS = 200
	}
	if cfg.ReplyAudio <= 0 {
		cfg.ReplyAudio = 600 * time.Millisecond
	}
	return &MockClient{
		cfg:       cfg,
		silenceMS: cfg.SilenceMS,
		history:   NewHistory(0),
		notify:    make(chan struct{}, 1),
		events:    make(chan ServerEvent, 64),
		done:      make(chan struct{}),
	}
}

func (m *MockClient) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.connected {
		return nil
	}
	m.connected = true
	m.wg.Add(1)
	go m.pump()
	m.push(ServerEvent{Type: EventSessionCreated})
	return nil
}

func (m *MockClient) Events() <-chan ServerEvent { return m.events }

func (m *MockClient) AppendAudio(_ context.Context, audioB64 string) error {
	pcm, err := base64.StdEncoding.DecodeString(audioB64)
	if err != nil {
		return fmt.Errorf("decode audio: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ready(); err != nil {
		return err
	}
	if audio.RMS(pcm) >= m.cfg.SpeechThreshold {
		if !m.inSpeech {
			m.inSpeech = true
			m.speechBytes = 0
			m.push(ServerEvent{Type: EventSpeechStarted})
		}
		m.silenceBytes = 0
		m.speechBytes += len(pcm)
		return nil
	}
	if !m.inSpeech {
		return nil
	}
	m.silenceBytes += len(pcm)
	if audio.PCMDuration(m.silenceBytes, m.cfg.SampleRate) >= time.Duration(m.silenceMS)*time.Millisecond {
		m.endTurn(!m.cfg.ManualTurns)
	}
	return nil
}

func (m *MockClient) CommitAudio(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ready(); err != nil {
		return err
	}
	if m.inSpeech {
		m.endTurn(false)
	}
	return nil
}

func (m *MockClient) CreateResponse(_ context.Context, instructions string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ready(); err != nil {
		return err
	}
	m.respond(instructions)
	return nil
}

func (m *MockClient) CancelResponse(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready()
}

func (m *MockClient) UpdateTurnDetection(_ context.Context, silenceMS int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.ManualTurns {
		return false, nil
	}
	target := min(max(silenceMS, minSilenceMS), m.cfg.MaxSilenceMS)
	if target == m.silenceMS {
		return false, nil
	}
	m.silenceMS = target
	return true, nil
}

func (m *MockClient) ExtendSilenceWindow() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.silenceMS >= m.cfg.MaxSilenceMS {
		return m.silenceMS, false
	}
	m.silenceMS = min(m.silenceMS+m.cfg.SilenceStepMS, m.cfg.MaxSilenceMS)
	return m.silenceMS, true
}

func (m *MockClient) History() []HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.Entries()
}

func (m *MockClient) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.done)
		m.wg.Wait()
		close(m.events)
	})
	return nil
}

func (m *MockClient) ready() error {
	if m.closed {
		return ErrClosed
	}
	if !m.connected {
		return ErrNotConnected
	}
	return nil
}

// endTurn must be called with m.mu held.
func (m *MockClient) endTurn(autoRespond bool) {
	spoken := audio.PCMDuration(m.speechBytes, m.cfg.SampleRate)
	m.inSpeech = false
	m.speechBytes = 0
	m.silenceBytes = 0
	itemID := "item_" + uuid.NewString()
	text := fmt.Sprintf("(mock transcript of %d ms of speech)", spoken.Milliseconds())
	m.push(ServerEvent{Type: EventSpeechStopped, ItemID: itemID})
	m.push(ServerEvent{Type: EventInputCommitted, ItemID: itemID})
	m.push(ServerEvent{Type: EventTranscriptionCompleted, ItemID: itemID, Transcript: text})
	m.history.Append(HistoryEntry{Role: RoleUser, Content: text})
	if autoRespond {
		m.respond("")
	}
}

// respond must be called with m.mu held.
func (m *MockClient) respond(instructions string) {
	m.turns++
	responseID := "resp_" + uuid.NewString()
	reply := fmt.Sprintf("Mock interviewer reply %d.", m.turns)
	if s := strings.TrimSpace(instructions); s != "" {
		reply = fmt.Sprintf("Mock interviewer reply %d (%s).", m.turns, truncate(s, 48))
	}

	m.push(ServerEvent{Type: EventResponseCreated, ResponseID: responseID})
	tone := audio.TonePCM(m.cfg.ReplyAudio, m.cfg.SampleRate, 330, 0.2)
	const parts = 3
	step := len(tone) / parts
	step -= step % 2
	for i := 0; i < parts; i++ {
		end := (i + 1) * step
		if i == parts-1 {
			end = len(tone)
		}
		m.push(ServerEvent{
			Type:       EventAudioDelta,
			ResponseID: responseID,
			Delta:      base64.StdEncoding.EncodeToString(tone[i*step : end]),
		})
	}
	m.push(ServerEvent{Type: EventAudioDone, ResponseID: responseID})
	m.push(ServerEvent{Type: EventAudioTranscriptDone, ResponseID: responseID, Transcript: reply})
	item := &Item{Type: "message", Role: RoleAssistant, Status: "completed", Content: []ItemContent{{Type: "audio", Transcript: reply}}}
	m.push(ServerEvent{Type: EventOutputItemDone, ResponseID: responseID, Item: item})
	m.push(ServerEvent{Type: EventResponseDone, ResponseID: responseID})
	m.history.Append(HistoryEntry{Role: RoleAssistant, Content: reply})
}

// push must be called with m.mu held.
func (m *MockClient) push(evt ServerEvent) {
	m.queue = append(m.queue, evt)
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// pump forwards queued events so callers never block on a full channel.
func (m *MockClient) pump() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case <-m.notify:
		}
		for {
			m.mu.Lock()
			if len(m.queue) == 0 {
				m.mu.Unlock()
				break
			}
			evt := m.queue[0]
			m.queue = m.queue[1:]
			m.mu.Unlock()
			select {
			case m.events <- evt:
			case <-m.done:
				return
			}
		}
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
