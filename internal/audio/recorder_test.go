package audio

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestRenderTrackPadsGaps(t *testing.T) {
	chunks := []Chunk{
		{Timestamp: 0, PCM: []byte{1, 1}},
		{Timestamp: 0.5, PCM: []byte{2, 2}},
		{Timestamp: 0.5, PCM: []byte{3, 3}},
	}
	track := RenderTrack(chunks, 8)
	// 0.5s at 8Hz = 4 samples = 8 bytes offset, then two appended chunks.
	if len(track) != 12 {
		t.Fatalf("len(track) = %d, want 12", len(track))
	}
	if track[8] != 2 || track[10] != 3 || track[4] != 0 {
		t.Fatalf("track = %v", track)
	}
}

func TestWAVRecorderWritesTracks(t *testing.T) {
	dir := t.TempDir()
	rec, err := NewWAVRecorder(filepath.Join(dir, "rec"), 24000)
	if err != nil {
		t.Fatalf("NewWAVRecorder() error = %v", err)
	}
	mic := []Chunk{{Source: SourceMic, PCM: ConstantPCM(24, 100)}}
	if err := rec.Record(context.Background(), "sess/1", mic, nil); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "rec", "sess_1-mic.wav"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	pcm, sr, err := DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV() error = %v", err)
	}
	if sr != 24000 || len(pcm) != 48 {
		t.Fatalf("decoded sr=%d len=%d, want 24000/48", sr, len(pcm))
	}
	if _, err := os.Stat(filepath.Join(dir, "rec", "sess_1-ai.wav")); !os.IsNotExist(err) {
		t.Fatalf("ai track written for empty stream, stat err = %v", err)
	}
}
