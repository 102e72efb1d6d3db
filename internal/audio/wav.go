package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	wavFormatPCM     = 1
	wavBitsPerSample = 16
)

var ErrUnsupportedWAV = errors.New("unsupported wav stream")

// wavHeader is the canonical 44-byte RIFF/WAVE header for mono PCM16.
type wavHeader struct {
	RIFF          [4]byte
	RIFFSize      uint32
	WAVE          [4]byte
	Fmt           [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Data          [4]byte
	DataSize      uint32
}

func newWAVHeader(dataLen, sampleRate int) wavHeader {
	return wavHeader{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		RIFFSize:      uint32(36 + dataLen),
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   wavFormatPCM,
		NumChannels:   1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * wavBitsPerSample / 8),
		BlockAlign:    wavBitsPerSample / 8,
		BitsPerSample: wavBitsPerSample,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      uint32(dataLen),
	}
}

// EncodeWAV wraps mono PCM16LE bytes in a WAV container.
func EncodeWAV(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAV(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVFile writes mono PCM16LE bytes to path as a WAV file.
func WriteWAVFile(path string, pcm []byte, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteWAV(f, pcm, sampleRate); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// WriteWAV streams mono PCM16LE bytes to out as WAV.
func WriteWAV(out io.Writer, pcm []byte, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	w := bufio.NewWriter(out)
	if err := binary.Write(w, binary.LittleEndian, newWAVHeader(len(pcm), sampleRate)); err != nil {
		return err
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

// DecodeWAV extracts PCM16 samples from a RIFF/WAVE payload, downmixing
// multi-channel audio to mono. It returns the PCM bytes and the sample rate.
func DecodeWAV(data []byte) ([]byte, int, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("%w: missing RIFF/WAVE header", ErrUnsupportedWAV)
	}

	var (
		format    *wavHeader
		pcm       []byte
		foundData bool
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(data) {
			return nil, 0, fmt.Errorf("%w: chunk %q overruns payload", ErrUnsupportedWAV, id)
		}
		body := data[off : off+size]
		switch id {
		case "fmt ":
			if len(body) < 16 {
				return nil, 0, fmt.Errorf("%w: short fmt chunk", ErrUnsupportedWAV)
			}
			format = &wavHeader{
				AudioFormat:   binary.LittleEndian.Uint16(body[0:2]),
				NumChannels:   binary.LittleEndian.Uint16(body[2:4]),
				SampleRate:    binary.LittleEndian.Uint32(body[4:8]),
				BitsPerSample: binary.LittleEndian.Uint16(body[14:16]),
			}
		case "data":
			pcm = body
			foundData = true
		}
		// Chunks are word aligned.
		off += size + size%2
	}

	switch {
	case format == nil:
		return nil, 0, fmt.Errorf("%w: fmt chunk missing", ErrUnsupportedWAV)
	case !foundData || len(pcm) == 0:
		return nil, 0, fmt.Errorf("%w: data chunk missing", ErrUnsupportedWAV)
	case format.AudioFormat != wavFormatPCM:
		return nil, 0, fmt.Errorf("%w: audio format %d", ErrUnsupportedWAV, format.AudioFormat)
	case format.BitsPerSample != wavBitsPerSample:
		return nil, 0, fmt.Errorf("%w: %d bits per sample", ErrUnsupportedWAV, format.BitsPerSample)
	case format.NumChannels == 0:
		return nil, 0, fmt.Errorf("%w: zero channels", ErrUnsupportedWAV)
	}

	sampleRate := int(format.SampleRate)
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if format.NumChannels == 1 {
		return bytes.Clone(pcm[:len(pcm)-len(pcm)%2]), sampleRate, nil
	}
	return downmix(pcm, int(format.NumChannels)), sampleRate, nil
}

func downmix(interleaved []byte, channels int) []byte {
	frameBytes := channels * 2
	frames := len(interleaved) / frameBytes
	mono := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		sum := 0
		for ch := 0; ch < channels; ch++ {
			at := i*frameBytes + ch*2
			sum += int(int16(binary.LittleEndian.Uint16(interleaved[at : at+2])))
		}
		binary.LittleEndian.PutUint16(mono[i*2:], uint16(int16(sum/channels)))
	}
	return mono
}
