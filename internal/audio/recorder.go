package audio

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// RenderTrack lays time-sorted chunks onto one mono PCM16 track, inserting
// silence for gaps. Overlapping chunks are appended after the previous one
// rather than mixed.
func RenderTrack(chunks []Chunk, sampleRate int) []byte {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	var track []byte
	for _, c := range chunks {
		offset := int(c.Timestamp*float64(sampleRate)) * 2
		if offset > len(track) {
			track = append(track, make([]byte, offset-len(track))...)
		}
		track = append(track, c.PCM...)
	}
	return track
}

// WAVRecorder persists flushed session audio as one WAV file per source.
type WAVRecorder struct {
	dir        string
	sampleRate int
}

func NewWAVRecorder(dir string, sampleRate int) (*WAVRecorder, error) {
	if dir == "" {
		return nil, fmt.Errorf("recording dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}
	return &WAVRecorder{dir: dir, sampleRate: sampleRate}, nil
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Record writes <session>-mic.wav and <session>-ai.wav. Empty streams are skipped.
func (r *WAVRecorder) Record(ctx context.Context, sessionID string, mic, ai []Chunk) error {
	base := unsafeFileChars.ReplaceAllString(sessionID, "_")
	if base == "" {
		base = "session"
	}
	tracks := []struct {
		source Source
		chunks []Chunk
	}{
		{SourceMic, mic},
		{SourceAI, ai},
	}
	for _, tr := range tracks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(tr.chunks) == 0 {
			continue
		}
		path := filepath.Join(r.dir, fmt.Sprintf("%s-%s.wav", base, tr.source))
		if err := WriteWAVFile(path, RenderTrack(tr.chunks, r.sampleRate), r.sampleRate); err != nil {
			return fmt.Errorf("write %s track: %w", tr.source, err)
		}
	}
	return nil
}
