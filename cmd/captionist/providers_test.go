package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/captionist/internal/config"
	recogmock "github.com/MrWong99/captionist/pkg/provider/recognition/mock"
)

func TestRegisterBuiltinProviders_Names(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	tests := []struct {
		kind string
		want []string
	}{
		{"translation", []string{"deepl", "llm"}},
		{"recognition", []string{"amqp", "deepgram", "whisper"}},
	}
	for _, tt := range tests {
		got := reg.Names(tt.kind)
		if len(got) != len(tt.want) {
			t.Fatalf("Names(%q) = %v, want %v", tt.kind, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("Names(%q)[%d] = %q, want %q", tt.kind, i, got[i], tt.want[i])
			}
		}
	}
	if llms := reg.Names("llm"); len(llms) < 2 {
		t.Errorf("Names(llm) = %v, want the any-llm backends plus openai-compatible", llms)
	}
}

func TestBuildProviders(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		providers     config.ProvidersConfig
		wantErr       bool
		wantTrans     string
		wantFallbacks int
		wantRecog     bool
	}{
		{
			name: "nothing configured",
		},
		{
			name: "deepl with fallback",
			providers: config.ProvidersConfig{
				Translation:          config.ProviderEntry{Name: "deepl", APIKey: "key"},
				TranslationFallbacks: []config.ProviderEntry{{Name: "deepl", APIKey: "other"}, {Name: "missing"}},
			},
			wantTrans:     "deepl",
			wantFallbacks: 1,
		},
		{
			name: "llm translation without llm",
			providers: config.ProvidersConfig{
				Translation: config.ProviderEntry{Name: "llm"},
			},
			wantErr: true,
		},
		{
			name: "llm translation over openai-compatible",
			providers: config.ProvidersConfig{
				LLM:         config.ProviderEntry{Name: "openai-compatible", APIKey: "sk-test", Model: "gpt-4o-mini", BaseURL: "http://localhost:1"},
				Translation: config.ProviderEntry{Name: "llm"},
			},
			wantTrans: "llm",
		},
		{
			name: "deepl without key",
			providers: config.ProvidersConfig{
				Translation: config.ProviderEntry{Name: "deepl"},
			},
			wantErr: true,
		},
		{
			name: "unknown primary translation",
			providers: config.ProvidersConfig{
				Translation: config.ProviderEntry{Name: "babelfish"},
			},
			wantErr: true,
		},
		{
			name: "recognition registered",
			providers: config.ProvidersConfig{
				Recognition: config.ProviderEntry{Name: "whisper", BaseURL: "http://localhost:1"},
			},
			wantRecog: true,
		},
		{
			name: "recognition unknown is skipped",
			providers: config.ProvidersConfig{
				Recognition: config.ProviderEntry{Name: "parrot"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			reg := config.NewRegistry()
			slot := registerBuiltinProviders(reg)
			cfg := &config.Config{Providers: tt.providers}

			ps, err := buildProviders(cfg, reg, slot)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("buildProviders: %v", err)
			}

			gotTrans := ""
			if ps.Translation != nil {
				gotTrans = ps.Translation.Name()
			}
			if gotTrans != tt.wantTrans {
				t.Errorf("translation = %q, want %q", gotTrans, tt.wantTrans)
			}
			if len(ps.TranslationFallbacks) != tt.wantFallbacks {
				t.Errorf("fallbacks = %d, want %d", len(ps.TranslationFallbacks), tt.wantFallbacks)
			}
			if (ps.Recognition != nil) != tt.wantRecog {
				t.Errorf("recognition set = %v, want %v", ps.Recognition != nil, tt.wantRecog)
			}
		})
	}
}

func TestRecognition_MissingInputFile(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	missing := filepath.Join(t.TempDir(), "nope.pcm")
	entry := config.ProviderEntry{Name: "whisper", BaseURL: "http://localhost:1"}
	_, err := reg.OpenRecognition(context.Background(), entry, missing)
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("OpenRecognition err = %v, want os.ErrNotExist", err)
	}
}

func TestFileSource_CloseOnce(t *testing.T) {
	t.Parallel()

	f, err := os.CreateTemp(t.TempDir(), "input")
	if err != nil {
		t.Fatal(err)
	}
	inner := &countingSource{Source: &recogmock.Source{}}
	src := &fileSource{Source: inner, file: f}

	if err := src.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if inner.closes != 1 {
		t.Errorf("inner Close calls = %d, want 1", inner.closes)
	}
}

type countingSource struct {
	*recogmock.Source
	closes int
}

func (s *countingSource) Close() error {
	s.closes++
	return s.Source.Close()
}
