package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Segmenter.MaxChars != 300 || cfg.Segmenter.MinChars != 50 {
		t.Fatalf("unexpected segmenter defaults: %+v", cfg.Segmenter)
	}
	if cfg.Pipeline.Workers != 1 || cfg.Pipeline.Retries != 2 {
		t.Fatalf("unexpected pipeline defaults: %+v", cfg.Pipeline)
	}
	if cfg.References.MaxBytes != 10*1024*1024 {
		t.Fatalf("expected 10MiB reference ceiling, got %d", cfg.References.MaxBytes)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "narrator.yaml")
	data := `
runtime_name: narrator-test
tts:
  mode: openai
  endpoint: http://tts.local/v1
  voice: bm_george
pipeline:
  boundary_gap_ms: 150
references:
  store: sqlite
  path: /tmp/refs.db
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "narrator-test" || cfg.TTS.Mode != "openai" || cfg.TTS.Voice != "bm_george" {
		t.Fatalf("file values not applied: %+v", cfg.TTS)
	}
	if cfg.Pipeline.BoundaryGapMS != 150 || cfg.References.Store != "sqlite" {
		t.Fatalf("file values not applied")
	}
	if cfg.TTS.SampleRate != 24000 {
		t.Fatalf("expected default sample rate to survive partial file, got %d", cfg.TTS.SampleRate)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NARRATOR_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("NARRATOR_BUS_USERNAME", "alice")
	t.Setenv("NARRATOR_BUS_PASSWORD", "secret")
	t.Setenv("NARRATOR_BUS_TLS_INSECURE", "true")
	t.Setenv("NARRATOR_TTS_REENTRANT", "true")
	t.Setenv("NARRATOR_PIPELINE_WORKERS", "3")
	t.Setenv("NARRATOR_PIPELINE_RETRY_DELAY_MS", "50")
	t.Setenv("NARRATOR_PIPELINE_DEFAULT_TEMPERATURE", "0.4")
	t.Setenv("NARRATOR_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("NARRATOR_EVENT_STORE_MAX_JOBS", "123")
	t.Setenv("NARRATOR_REFERENCES_TRIM_SILENCE", "false")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if !cfg.TTS.Reentrant || cfg.Pipeline.Workers != 3 {
		t.Fatalf("expected concurrency overrides, got reentrant=%v workers=%d", cfg.TTS.Reentrant, cfg.Pipeline.Workers)
	}
	if cfg.Pipeline.RetryDelayMS != 50 || cfg.Pipeline.DefaultTemperature != 0.4 {
		t.Fatalf("expected pipeline overrides")
	}
	if cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.MaxJobs != 123 {
		t.Fatalf("expected event store overrides")
	}
	if cfg.References.TrimSilence {
		t.Fatal("expected trim silence override false")
	}
}

func TestValidateRejectsParallelNonReentrantEngine(t *testing.T) {
	t.Setenv("NARRATOR_PIPELINE_WORKERS", "4")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for parallel workers on a non-reentrant engine")
	}
}

func TestValidateExecNeedsCommand(t *testing.T) {
	t.Setenv("NARRATOR_TTS_MODE", "exec")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "tts.command") {
		t.Fatalf("expected tts.command error, got %v", err)
	}
}

func TestValidateHeartbeatTimeout(t *testing.T) {
	t.Setenv("NARRATOR_BUS_ENABLED", "true")
	t.Setenv("NARRATOR_BUS_HEARTBEAT_INTERVAL_MS", "5000")
	t.Setenv("NARRATOR_BUS_HEARTBEAT_TIMEOUT_MS", "1000")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "heartbeat") {
		t.Fatalf("expected heartbeat error, got %v", err)
	}
}
