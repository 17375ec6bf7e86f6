package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/mattn/go-shellwords"
)

// Speech models are trained on 16 kHz mono; clips are converted before the
// handoff so engines need no resampler of their own.
var recognizerLayout = audio.Layout{SampleRate: 16000, Channels: 1, Format: audio.Int16}

// execRecognizer runs a speech-to-text command once per clip. The command
// receives --audio <wav> plus optional --model and --language flags and
// prints a single JSON object.
type execRecognizer struct {
	argv     []string
	model    string
	language string
	mu       sync.Mutex
}

type transcript struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecRecognizer(cfg config.TranscribeConfig) (Recognizer, error) {
	argv, err := shellwords.NewParser().Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse transcribe command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("transcribe command is empty")
	}
	return &execRecognizer{argv: argv, model: cfg.ModelPath, language: cfg.Language}, nil
}

func (r *execRecognizer) args(wavPath string) []string {
	args := append([]string{}, r.argv[1:]...)
	args = append(args, "--audio", wavPath)
	if r.model != "" {
		args = append(args, "--model", r.model)
	}
	if r.language != "" {
		args = append(args, "--language", r.language)
	}
	return args
}

func (r *execRecognizer) Transcribe(ctx context.Context, clip audio.Buffer) (Result, error) {
	path, err := writeClip(clip)
	if err != nil {
		return Result{}, err
	}
	defer os.Remove(path)

	r.mu.Lock()
	defer r.mu.Unlock()
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.argv[0], r.args(path)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Result{}, fmt.Errorf("transcribe command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var out transcript
	if err := sonic.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &out); err != nil {
		return Result{}, fmt.Errorf("decode transcript: %w", err)
	}
	return Result{Text: strings.TrimSpace(out.Text), Confidence: out.Confidence}, nil
}

func writeClip(clip audio.Buffer) (string, error) {
	data, err := audio.EncodeWAV(audio.Convert(clip, recognizerLayout))
	if err != nil {
		return "", fmt.Errorf("encode clip: %w", err)
	}
	f, err := os.CreateTemp("", "narrator_stt_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write clip: %w", err)
	}
	return f.Name(), f.Close()
}
