package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/mattn/go-shellwords"
)

const maxEngineLine = 16 << 20

// execSynth starts one engine process per chunk. The process reads a single
// JSON request on stdin and answers with JSON lines of base64 PCM. Calls are
// serialized because local engines usually own the whole accelerator.
type execSynth struct {
	argv       []string
	sampleRate int
	channels   int
	mu         sync.Mutex
}

type engineRequest struct {
	Text        string  `json:"text"`
	Voice       string  `json:"voice,omitempty"`
	RefAudio    string  `json:"ref_audio,omitempty"`
	RefText     string  `json:"ref_text,omitempty"`
	Speed       float64 `json:"speed"`
	Temperature float64 `json:"temperature"`
	SampleRate  int     `json:"sample_rate"`
	Channels    int     `json:"channels"`
}

type engineLine struct {
	PCMBase64  string `json:"pcm_base64"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Final      bool   `json:"final"`
	Error      string `json:"error,omitempty"`
}

func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	argv, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("tts command empty")
	}
	return &execSynth{argv: argv, sampleRate: sampleRate, channels: channels}, nil
}

// SupportsCloning is always true; engines that cannot clone report it per
// request through the error field.
func (e *execSynth) SupportsCloning() bool { return true }

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	out := make(chan SynthChunk)
	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		defer close(out)
		e.mu.Lock()
		defer e.mu.Unlock()
		if err := e.run(ctx, req, out); err != nil {
			errc <- err
		}
	}()
	return out, errc
}

func (e *execSynth) run(ctx context.Context, req SynthRequest, out chan<- SynthChunk) error {
	payload := engineRequest{
		Text:        req.Text,
		Voice:       req.Voice,
		Speed:       req.Speed,
		Temperature: req.Temperature,
		SampleRate:  e.sampleRate,
		Channels:    e.channels,
	}
	if req.Reference != nil {
		path, err := writeReference(req.Reference.Clip)
		if err != nil {
			return err
		}
		defer os.Remove(path)
		payload.RefAudio = path
		payload.RefText = req.Reference.RefText
	}
	input, err := sonic.Marshal(payload)
	if err != nil {
		return err
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.argv[0], e.argv[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start tts engine: %w", err)
	}

	readErr := e.readLines(ctx, stdout, out)
	if readErr != nil {
		// Unblock the engine if it is still writing.
		_ = cmd.Process.Kill()
	}
	waitErr := cmd.Wait()
	switch {
	case readErr != nil:
		return readErr
	case waitErr != nil:
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("tts engine: %w: %s", waitErr, msg)
		}
		return fmt.Errorf("tts engine: %w", waitErr)
	}
	return nil
}

func (e *execSynth) readLines(ctx context.Context, r io.Reader, out chan<- SynthChunk) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxEngineLine)
	for seq := 0; scanner.Scan(); {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var line engineLine
		if err := sonic.Unmarshal(raw, &line); err != nil {
			return fmt.Errorf("decode engine output: %w", err)
		}
		if line.Error != "" {
			return errors.New(line.Error)
		}
		pcm, err := base64.StdEncoding.DecodeString(line.PCMBase64)
		if err != nil {
			return fmt.Errorf("decode engine pcm: %w", err)
		}
		chunk := SynthChunk{Sequence: seq, SampleRate: e.sampleRate, Channels: e.channels, PCM: pcm, Final: line.Final}
		if line.SampleRate > 0 {
			chunk.SampleRate = line.SampleRate
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
			return ctx.Err()
		}
		seq++
	}
	return scanner.Err()
}

// writeReference stores the clip as a temporary WAV for the engine to read.
func writeReference(clip audio.Buffer) (string, error) {
	data, err := audio.EncodeWAV(clip)
	if err != nil {
		return "", fmt.Errorf("encode reference: %w", err)
	}
	file, err := os.CreateTemp("", "narrator_ref_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer file.Close()
	if _, err := file.Write(data); err != nil {
		os.Remove(file.Name())
		return "", fmt.Errorf("write reference: %w", err)
	}
	return file.Name(), nil
}
