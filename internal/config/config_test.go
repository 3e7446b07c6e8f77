package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/captionist/internal/config"
	"github.com/MrWong99/captionist/internal/segment"
	"github.com/MrWong99/captionist/pkg/provider/llm"
	llmmock "github.com/MrWong99/captionist/pkg/provider/llm/mock"
	"github.com/MrWong99/captionist/pkg/provider/recognition"
	recmock "github.com/MrWong99/captionist/pkg/provider/recognition/mock"
	"github.com/MrWong99/captionist/pkg/provider/translation"
	trmock "github.com/MrWong99/captionist/pkg/provider/translation/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
  cors_origins: ["https://player.example.com"]

providers:
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o-mini
  translation:
    name: deepl
    api_key: dl-test:fx
    options:
      formality: less
  translation_fallbacks:
    - name: llm
  recognition:
    name: whisper
    base_url: http://localhost:8081
    options:
      window: 10
      overlap: 1.5
      sample_rate: 16000

segment:
  max_phrase_duration: 4.5
  mode: temporal

translation:
  target_language: de
  source_language: en
  batch_interval: 2s
  circuit_breaker:
    max_failures: 3
    reset_timeout: 1m

overlap:
  enabled: true
  similarity: 0.9

storage:
  driver: sqlite
  sqlite_path: /var/lib/captionist/captionist.db

telemetry:
  service_name: captionist-test
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if len(cfg.Server.CORSOrigins) != 1 {
		t.Errorf("cors_origins = %v", cfg.Server.CORSOrigins)
	}
	if cfg.Providers.Translation.OptString("formality") != "less" {
		t.Errorf("translation options = %v", cfg.Providers.Translation.Options)
	}
	if len(cfg.Providers.TranslationFallbacks) != 1 || cfg.Providers.TranslationFallbacks[0].Name != "llm" {
		t.Errorf("translation_fallbacks = %+v", cfg.Providers.TranslationFallbacks)
	}
	rec := cfg.Providers.Recognition
	if rec.OptInt("window", 0) != 10 || rec.OptFloat("overlap", 0) != 1.5 || rec.OptInt("sample_rate", 0) != 16000 {
		t.Errorf("recognition options = %v", rec.Options)
	}
	if cfg.Segment.MaxPhraseDuration != 4.5 || cfg.Segment.Mode != segment.ModeTemporal {
		t.Errorf("segment = %+v", cfg.Segment)
	}
	if cfg.Translation.BatchInterval != 2*time.Second || cfg.Translation.CircuitBreaker.ResetTimeout != time.Minute {
		t.Errorf("translation = %+v", cfg.Translation)
	}
	if !cfg.Overlap.Enabled || cfg.Overlap.Similarity != 0.9 || cfg.Overlap.Window != 1.0 {
		t.Errorf("overlap = %+v", cfg.Overlap)
	}
	if cfg.Storage.Driver != config.StorageSQLite || cfg.Telemetry.ServiceName != "captionist-test" {
		t.Errorf("storage = %+v telemetry = %+v", cfg.Storage, cfg.Telemetry)
	}
}

func TestLoadFromReader_EmptyAppliesDefaults(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "{}"} {
		cfg, err := config.LoadFromReader(strings.NewReader(in))
		if err != nil {
			t.Fatalf("LoadFromReader(%q): %v", in, err)
		}
		if cfg.Server.ListenAddr != ":8080" || cfg.Server.LogLevel != config.LogInfo {
			t.Errorf("server defaults = %+v", cfg.Server)
		}
		if cfg.Segment.MaxPhraseDuration != segment.DefaultMaxPhraseDuration || cfg.Segment.Mode != segment.ModeTemporal {
			t.Errorf("segment defaults = %+v", cfg.Segment)
		}
		if cfg.Overlap.Enabled {
			t.Error("overlap filter must be off by default")
		}
		if cfg.Storage.Driver != config.StorageMemory || cfg.Telemetry.ServiceName != "captionist" {
			t.Errorf("storage = %+v telemetry = %+v", cfg.Storage, cfg.Telemetry)
		}
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_adr: \":80\"\n"))
	if err == nil {
		t.Fatal("expected error for misspelled key")
	}
}

func TestLoadFromReader_ExpandsEnv(t *testing.T) {
	t.Setenv("CAPTIONIST_TEST_DEEPL_KEY", "secret:fx")

	yaml := `
providers:
  translation:
    name: deepl
    api_key: ${CAPTIONIST_TEST_DEEPL_KEY}
    base_url: https://$literal.example.com
translation:
  target_language: de
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers.Translation.APIKey != "secret:fx" {
		t.Errorf("api_key = %q, want expanded value", cfg.Providers.Translation.APIKey)
	}
	if cfg.Providers.Translation.BaseURL != "https://$literal.example.com" {
		t.Errorf("base_url = %q, bare $ must be kept", cfg.Providers.Translation.BaseURL)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	t.Parallel()

	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load = %v, want os.ErrNotExist", err)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Translation.TargetLanguage != "de" {
		t.Errorf("target_language = %q", cfg.Translation.TargetLanguage)
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_CreateAndOpen(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	reg.RegisterLLM("mock", func(e config.ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{}, nil
	})
	reg.RegisterTranslation("mock", func(e config.ProviderEntry) (translation.Backend, error) {
		return &trmock.Backend{BackendName: e.Model}, nil
	})
	var gotInput string
	reg.RegisterRecognition("mock", func(_ context.Context, _ config.ProviderEntry, input string) (recognition.Source, error) {
		gotInput = input
		return &recmock.Source{}, nil
	})

	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "mock"}); err != nil {
		t.Errorf("CreateLLM: %v", err)
	}
	b, err := reg.CreateTranslation(config.ProviderEntry{Name: "mock", Model: "m1"})
	if err != nil || b.Name() != "m1" {
		t.Errorf("CreateTranslation = %v, %v", b, err)
	}
	if _, err := reg.OpenRecognition(context.Background(), config.ProviderEntry{Name: "mock"}, "talk.pcm"); err != nil || gotInput != "talk.pcm" {
		t.Errorf("OpenRecognition: %v, input %q", err, gotInput)
	}
	if names := reg.Names("translation"); len(names) != 1 || names[0] != "mock" {
		t.Errorf("Names = %v", names)
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	entry := config.ProviderEntry{Name: "nope"}
	tests := []struct {
		name string
		call func() error
	}{
		{"llm", func() error { _, err := reg.CreateLLM(entry); return err }},
		{"translation", func() error { _, err := reg.CreateTranslation(entry); return err }},
		{"recognition", func() error { _, err := reg.OpenRecognition(context.Background(), entry, ""); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := tt.call(); !errors.Is(err, config.ErrProviderNotRegistered) {
				t.Errorf("err = %v, want ErrProviderNotRegistered", err)
			}
		})
	}
}

func TestProviderEntry_OptHelpers(t *testing.T) {
	t.Parallel()

	e := config.ProviderEntry{Options: map[string]any{"s": "x", "i": 3, "f": 2.5, "wrong": true}}
	if e.OptString("s") != "x" || e.OptString("i") != "" || e.OptString("missing") != "" {
		t.Error("OptString")
	}
	if e.OptInt("i", 0) != 3 || e.OptInt("f", 0) != 2 || e.OptInt("wrong", 7) != 7 {
		t.Error("OptInt")
	}
	if e.OptFloat("f", 0) != 2.5 || e.OptFloat("i", 0) != 3 || e.OptFloat("missing", 1.5) != 1.5 {
		t.Error("OptFloat")
	}
	var empty config.ProviderEntry
	if empty.OptString("x") != "" || empty.OptInt("x", 4) != 4 {
		t.Error("nil options")
	}
}
