package transcribe

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/config"
)

func clip() audio.Buffer {
	return audio.Tone(audio.Layout{SampleRate: 16000, Channels: 1, Format: audio.Int16}, 200, 0.3, 2*time.Second)
}

func TestNewDisabled(t *testing.T) {
	r, err := New(config.TranscribeConfig{Enabled: false})
	if err != nil || r != nil {
		t.Fatalf("expected nil recognizer, got %v %v", r, err)
	}
}

func TestMockRecognizer(t *testing.T) {
	r, err := New(config.TranscribeConfig{Enabled: true, Mode: "mock"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err := r.Transcribe(context.Background(), clip())
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "[transcript 2.0s]" {
		t.Fatalf("unexpected transcript %q", res.Text)
	}
}

func TestExecRecognizer(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r, err := NewExecRecognizer(config.TranscribeConfig{
		Enabled: true,
		Mode:    "exec",
		Command: `sh -c 'test -s "$2" && echo "{\"text\": \" hello there \", \"confidence\": 0.9}"' transcriber`,
	})
	if err != nil {
		t.Fatalf("new exec recognizer: %v", err)
	}
	res, err := r.Transcribe(context.Background(), clip())
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "hello there" || res.Confidence != 0.9 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestExecRecognizerEmptyCommand(t *testing.T) {
	if _, err := NewExecRecognizer(config.TranscribeConfig{Command: "   "}); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestExecRecognizerArgs(t *testing.T) {
	r, err := NewExecRecognizer(config.TranscribeConfig{Command: "whisper-cli --threads 2", ModelPath: "base.en.bin", Language: "en"})
	if err != nil {
		t.Fatalf("new exec recognizer: %v", err)
	}
	got := strings.Join(r.(*execRecognizer).args("/tmp/clip.wav"), " ")
	want := "--threads 2 --audio /tmp/clip.wav --model base.en.bin --language en"
	if got != want {
		t.Fatalf("args = %q, want %q", got, want)
	}
}
