package realtime

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/ent0n29/interviewrt/internal/audio"
)

func speak(t *testing.T, m *MockClient, speech, silence time.Duration) {
	t.Helper()
	ctx := context.Background()
	const frame = 100 * time.Millisecond
	loud := base64.StdEncoding.EncodeToString(audio.TonePCM(frame, audio.DefaultSampleRate, 220, 0.3))
	quiet := base64.StdEncoding.EncodeToString(audio.ConstantPCM(int(frame.Seconds()*audio.DefaultSampleRate), 0))
	for d := time.Duration(0); d < speech; d += frame {
		if err := m.AppendAudio(ctx, loud); err != nil {
			t.Fatalf("AppendAudio() error = %v", err)
		}
	}
	for d := time.Duration(0); d < silence; d += frame {
		if err := m.AppendAudio(ctx, quiet); err != nil {
			t.Fatalf("AppendAudio() error = %v", err)
		}
	}
}

func collectTypes(t *testing.T, events <-chan ServerEvent, n int) []string {
	t.Helper()
	out := make([]string, 0, n)
	for len(out) < n {
		out = append(out, nextEvent(t, events).Type)
	}
	return out
}

func assertTypes(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event types = %v, want %v", got, want)
		}
	}
}

var mockResponseTypes = []string{
	EventResponseCreated,
	EventAudioDelta, EventAudioDelta, EventAudioDelta,
	EventAudioDone,
	EventAudioTranscriptDone,
	EventOutputItemDone,
	EventResponseDone,
}

func TestMockServerVADTurn(t *testing.T) {
	m := NewMockClient(MockConfig{})
	defer m.Close()
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	assertTypes(t, collectTypes(t, m.Events(), 1), []string{EventSessionCreated})

	speak(t, m, 600*time.Millisecond, time.Second)

	want := append([]string{EventSpeechStarted, EventSpeechStopped, EventInputCommitted, EventTranscriptionCompleted}, mockResponseTypes...)
	assertTypes(t, collectTypes(t, m.Events(), len(want)), want)

	hist := m.History()
	if len(hist) != 2 || hist[0].Role != RoleUser || hist[1].Role != RoleAssistant {
		t.Fatalf("History() = %+v, want user then assistant", hist)
	}
}

func TestMockManualTurnWaitsForCommit(t *testing.T) {
	m := NewMockClient(MockConfig{ManualTurns: true})
	defer m.Close()
	ctx := context.Background()
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	collectTypes(t, m.Events(), 1)

	speak(t, m, 400*time.Millisecond, 0)
	assertTypes(t, collectTypes(t, m.Events(), 1), []string{EventSpeechStarted})

	if err := m.CommitAudio(ctx); err != nil {
		t.Fatalf("CommitAudio() error = %v", err)
	}
	assertTypes(t, collectTypes(t, m.Events(), 3), []string{EventSpeechStopped, EventInputCommitted, EventTranscriptionCompleted})

	select {
	case evt := <-m.Events():
		t.Fatalf("unexpected event %q before CreateResponse", evt.Type)
	case <-time.After(50 * time.Millisecond):
	}

	if err := m.CreateResponse(ctx, "Ask a follow-up."); err != nil {
		t.Fatalf("CreateResponse() error = %v", err)
	}
	assertTypes(t, collectTypes(t, m.Events(), len(mockResponseTypes)), mockResponseTypes)
}

func TestMockSilenceWindow(t *testing.T) {
	m := NewMockClient(MockConfig{SilenceMS: 800, MaxSilenceMS: 1200, SilenceStepMS: 300})
	defer m.Close()
	if got, ok := m.ExtendSilenceWindow(); !ok || got != 1100 {
		t.Fatalf("ExtendSilenceWindow() = %d, %v, want 1100, true", got, ok)
	}
	if got, ok := m.ExtendSilenceWindow(); !ok || got != 1200 {
		t.Fatalf("ExtendSilenceWindow() = %d, %v, want 1200, true", got, ok)
	}
	if _, ok := m.ExtendSilenceWindow(); ok {
		t.Fatalf("ExtendSilenceWindow() at max ok = true, want false")
	}
	if applied, _ := m.UpdateTurnDetection(context.Background(), 50); !applied {
		t.Fatalf("UpdateTurnDetection(50) applied = false, want true")
	}
}

func TestMockRejectsCommandsBeforeConnectAndAfterClose(t *testing.T) {
	m := NewMockClient(MockConfig{})
	if err := m.CommitAudio(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("CommitAudio() error = %v, want ErrNotConnected", err)
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	_ = m.Close()
	_ = m.Close()
	if err := m.CreateResponse(context.Background(), ""); !errors.Is(err, ErrClosed) {
		t.Fatalf("CreateResponse() error = %v, want ErrClosed", err)
	}
	// Buffered events may remain; the range ends once the channel is closed.
	for range m.Events() {
	}
}
