package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-narrator/internal/errs"
)

const (
	wavFormatPCM        = 1
	wavFormatFloat      = 3
	wavFormatExtensible = 0xFFFE
)

// DecodeWAV parses a RIFF/WAVE payload. Integer PCM of any depth is returned
// as int16, IEEE float as float32.
func DecodeWAV(data []byte) (Buffer, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		if err := dec.Err(); err != nil {
			return Buffer{}, fmt.Errorf("decode wav: %v: %w", err, errs.ErrInvalidAudio)
		}
		return Buffer{}, fmt.Errorf("decode wav: not a playable wav file: %w", errs.ErrInvalidAudio)
	}
	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		return Buffer{}, fmt.Errorf("decode wav pcm: %v: %w", err, errs.ErrInvalidAudio)
	}
	channels := int(dec.NumChans)
	rate := int(dec.SampleRate)
	depth := int(dec.BitDepth)

	switch dec.WavAudioFormat {
	case wavFormatFloat:
		if depth != 32 {
			return Buffer{}, fmt.Errorf("float wav with %d-bit samples: %w", depth, errs.ErrUnsupportedFormat)
		}
		out := Buffer{SampleRate: rate, Channels: channels, Format: Float32, Samples: make([]byte, len(pcm.Data)*4)}
		for i, v := range pcm.Data {
			binary.LittleEndian.PutUint32(out.Samples[i*4:], uint32(int32(v)))
		}
		return out, nil
	case wavFormatPCM, wavFormatExtensible:
		out := Buffer{SampleRate: rate, Channels: channels, Format: Int16, Samples: make([]byte, len(pcm.Data)*2)}
		for i, v := range pcm.Data {
			binary.LittleEndian.PutUint16(out.Samples[i*2:], uint16(toInt16(v, depth)))
		}
		return out, nil
	default:
		return Buffer{}, fmt.Errorf("wav audio format %d: %w", dec.WavAudioFormat, errs.ErrUnsupportedFormat)
	}
}

func toInt16(v, depth int) int16 {
	switch depth {
	case 8:
		return int16((v - 128) << 8)
	case 24:
		return int16(v >> 8)
	case 32:
		return int16(v >> 16)
	default:
		return int16(v)
	}
}

// EncodeWAV writes b as a 16-bit PCM wav file.
func EncodeWAV(b Buffer) ([]byte, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if b.Format != Int16 {
		b = Convert(b, Layout{SampleRate: b.SampleRate, Channels: b.Channels, Format: Int16})
	}
	ib := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: b.Channels, SampleRate: b.SampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, len(b.Samples)/2),
	}
	for i := range ib.Data {
		ib.Data[i] = int(int16(binary.LittleEndian.Uint16(b.Samples[i*2:])))
	}

	ws := &writeSeeker{}
	enc := wav.NewEncoder(ws, b.SampleRate, 16, b.Channels, wavFormatPCM)
	if err := enc.Write(ib); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return ws.buf, nil
}

// writeSeeker is an in-memory io.WriteSeeker; the wav encoder seeks back to
// patch chunk sizes on Close.
type writeSeeker struct {
	buf []byte
	pos int
}

func (w *writeSeeker) Write(p []byte) (int, error) {
	end := w.pos + len(p)
	if end > len(w.buf) {
		if end > cap(w.buf) {
			grown := make([]byte, end, max(end, 2*cap(w.buf)))
			copy(grown, w.buf)
			w.buf = grown
		} else {
			w.buf = w.buf[:end]
		}
	}
	copy(w.buf[w.pos:], p)
	w.pos = end
	return len(p), nil
}

func (w *writeSeeker) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(w.pos) + offset
	case io.SeekEnd:
		next = int64(len(w.buf)) + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if next < 0 || next > math.MaxInt32 {
		return 0, errors.New("seek out of range")
	}
	w.pos = int(next)
	return next, nil
}

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}
