package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestDecodeWAVMonoRoundTrip(t *testing.T) {
	pcm := []byte{
		0x00, 0x00,
		0xE8, 0x03, // 1000
		0x18, 0xFC, // -1000
	}
	wav, err := EncodeWAV(pcm, 16000)
	if err != nil {
		t.Fatalf("EncodeWAV() error = %v", err)
	}
	if len(wav) != 44+len(pcm) {
		t.Fatalf("len(wav) = %d, want %d", len(wav), 44+len(pcm))
	}
	gotPCM, gotSR, err := DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV() error = %v", err)
	}
	if gotSR != 16000 {
		t.Fatalf("sampleRate = %d, want 16000", gotSR)
	}
	if !bytes.Equal(gotPCM, pcm) {
		t.Fatalf("pcm mismatch: got=%v want=%v", gotPCM, pcm)
	}
}

func TestDecodeWAVStereoDownmix(t *testing.T) {
	// L=1000 R=-1000 -> 0, L=3000 R=1000 -> 2000
	stereo := []byte{
		0xE8, 0x03, 0x18, 0xFC,
		0xB8, 0x0B, 0xE8, 0x03,
	}
	hdr := newWAVHeader(len(stereo), 24000)
	hdr.NumChannels = 2
	hdr.BlockAlign = 4
	hdr.ByteRate = 24000 * 4
	var b bytes.Buffer
	_ = binary.Write(&b, binary.LittleEndian, hdr)
	b.Write(stereo)

	gotPCM, gotSR, err := DecodeWAV(b.Bytes())
	if err != nil {
		t.Fatalf("DecodeWAV() error = %v", err)
	}
	if gotSR != 24000 {
		t.Fatalf("sampleRate = %d, want 24000", gotSR)
	}
	s1 := int16(binary.LittleEndian.Uint16(gotPCM[0:2]))
	s2 := int16(binary.LittleEndian.Uint16(gotPCM[2:4]))
	if len(gotPCM) != 4 || s1 != 0 || s2 != 2000 {
		t.Fatalf("downmix = %v, want samples [0 2000]", gotPCM)
	}
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	if _, _, err := DecodeWAV([]byte("not a wav file at all")); !errors.Is(err, ErrUnsupportedWAV) {
		t.Fatalf("DecodeWAV() error = %v, want ErrUnsupportedWAV", err)
	}
	hdr := newWAVHeader(2, 16000)
	hdr.BitsPerSample = 8
	var b bytes.Buffer
	_ = binary.Write(&b, binary.LittleEndian, hdr)
	b.Write([]byte{1, 2})
	if _, _, err := DecodeWAV(b.Bytes()); !errors.Is(err, ErrUnsupportedWAV) {
		t.Fatalf("DecodeWAV(8-bit) error = %v, want ErrUnsupportedWAV", err)
	}
}
