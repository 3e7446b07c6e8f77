package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/captionist/internal/app"
	"github.com/MrWong99/captionist/internal/config"
	"github.com/MrWong99/captionist/pkg/provider/llm"
	"github.com/MrWong99/captionist/pkg/provider/llm/anyllm"
	"github.com/MrWong99/captionist/pkg/provider/llm/openai"
	"github.com/MrWong99/captionist/pkg/provider/recognition"
	"github.com/MrWong99/captionist/pkg/provider/recognition/amqp"
	"github.com/MrWong99/captionist/pkg/provider/recognition/deepgram"
	"github.com/MrWong99/captionist/pkg/provider/recognition/whisper"
	"github.com/MrWong99/captionist/pkg/provider/translation"
	"github.com/MrWong99/captionist/pkg/provider/translation/deepl"
	"github.com/MrWong99/captionist/pkg/provider/translation/llmtranslate"
)

// llmSlot hands the configured LLM provider to the "llm" translation backend.
// buildProviders fills it before any translation backend is created.
type llmSlot struct {
	provider llm.Provider
}

// registerBuiltinProviders registers all built-in provider factories.
func registerBuiltinProviders(reg *config.Registry) *llmSlot {
	slot := &llmSlot{}

	// ── LLM ──────────────────────────────────────────────────────────────────
	for _, name := range anyllm.Backends {
		providerName := name
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}
	// Any OpenAI-compatible endpoint (vLLM, LM Studio, OpenRouter) through the
	// official SDK.
	reg.RegisterLLM("openai-compatible", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := entry.OptString("organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if secs := entry.OptInt("timeout_seconds", 0); secs > 0 {
			opts = append(opts, openai.WithTimeout(time.Duration(secs)*time.Second))
		}
		if out := entry.OptInt("max_output_tokens", 0); out > 0 {
			opts = append(opts, openai.WithLimits(llm.Limits{
				ContextWindow:   entry.OptInt("context_window", llm.DefaultLimits.ContextWindow),
				MaxOutputTokens: out,
			}))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// ── Translation ──────────────────────────────────────────────────────────
	reg.RegisterTranslation("llm", func(entry config.ProviderEntry) (translation.Backend, error) {
		if slot.provider == nil {
			return nil, errors.New(`translation backend "llm" requires providers.llm`)
		}
		opts := []llmtranslate.Option{
			llmtranslate.WithTemperature(entry.OptFloat("temperature", 0)),
		}
		if n := entry.OptInt("max_batch", 0); n > 0 {
			opts = append(opts, llmtranslate.WithMaxBatch(n))
		}
		if name := entry.OptString("label"); name != "" {
			opts = append(opts, llmtranslate.WithName(name))
		}
		return llmtranslate.New(slot.provider, opts...)
	})
	reg.RegisterTranslation("deepl", func(entry config.ProviderEntry) (translation.Backend, error) {
		var opts []deepl.Option
		if entry.BaseURL != "" {
			opts = append(opts, deepl.WithBaseURL(entry.BaseURL))
		}
		if f := entry.OptString("formality"); f != "" {
			opts = append(opts, deepl.WithFormality(f))
		}
		return deepl.New(entry.APIKey, opts...)
	})

	// ── Recognition ──────────────────────────────────────────────────────────
	reg.RegisterRecognition("deepgram", func(ctx context.Context, entry config.ProviderEntry, input string) (recognition.Source, error) {
		opts := []deepgram.Option{
			deepgram.WithSampleRate(entry.OptInt("sample_rate", 16000)),
			deepgram.WithChannels(entry.OptInt("channels", 1)),
		}
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := entry.OptString("language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		p, err := deepgram.New(entry.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		f, err := os.Open(input)
		if err != nil {
			return nil, fmt.Errorf("deepgram: open input: %w", err)
		}
		src, err := p.Open(ctx, f)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		return &fileSource{Source: src, file: f}, nil
	})
	reg.RegisterRecognition("whisper", func(_ context.Context, entry config.ProviderEntry, input string) (recognition.Source, error) {
		opts := []whisper.Option{
			whisper.WithSampleRate(entry.OptInt("sample_rate", 16000)),
			whisper.WithChannels(entry.OptInt("channels", 1)),
		}
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := entry.OptString("language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if window := entry.OptFloat("window_seconds", 0); window > 0 {
			overlap := entry.OptFloat("overlap_seconds", 0)
			opts = append(opts, whisper.WithWindow(seconds(window), seconds(overlap)))
		}
		p, err := whisper.New(entry.BaseURL, opts...)
		if err != nil {
			return nil, err
		}
		f, err := os.Open(input)
		if err != nil {
			return nil, fmt.Errorf("whisper: open input: %w", err)
		}
		src, err := p.Open(f)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		return &fileSource{Source: src, file: f}, nil
	})
	// The amqp source reads pre-recognised chunks; the session input names
	// the queue.
	reg.RegisterRecognition("amqp", func(_ context.Context, entry config.ProviderEntry, input string) (recognition.Source, error) {
		opts := []amqp.Option{amqp.WithPrefetch(entry.OptInt("prefetch", 0))}
		if tag := entry.OptString("consumer_tag"); tag != "" {
			opts = append(opts, amqp.WithConsumerTag(tag))
		}
		return amqp.Dial(entry.BaseURL, input, opts...)
	})

	return slot
}

// buildProviders instantiates every provider named in cfg. An unregistered
// optional provider is logged and skipped; any other error aborts startup.
func buildProviders(cfg *config.Config, reg *config.Registry, slot *llmSlot) (*app.Providers, error) {
	ps := &app.Providers{}

	if entry := cfg.Providers.LLM; entry.Name != "" {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			if !errors.Is(err, config.ErrProviderNotRegistered) {
				return nil, fmt.Errorf("create llm provider: %w", err)
			}
			slog.Warn("llm provider not registered, skipping", "name", entry.Name)
		} else {
			slot.provider = p
			slog.Info("provider created", "kind", "llm", "name", entry.Name, "model", entry.Model)
		}
	}

	if entry := cfg.Providers.Translation; entry.Name != "" {
		b, err := reg.CreateTranslation(entry)
		if err != nil {
			return nil, fmt.Errorf("create translation backend %q: %w", entry.Name, err)
		}
		ps.Translation = b
	}
	for _, entry := range cfg.Providers.TranslationFallbacks {
		b, err := reg.CreateTranslation(entry)
		if err != nil {
			if errors.Is(err, config.ErrProviderNotRegistered) {
				slog.Warn("translation fallback not registered, skipping", "name", entry.Name)
				continue
			}
			return nil, fmt.Errorf("create translation fallback %q: %w", entry.Name, err)
		}
		ps.TranslationFallbacks = append(ps.TranslationFallbacks, b)
	}
	if names := translationNames(ps.Translation, ps.TranslationFallbacks); len(names) > 0 {
		slog.Info("translation chain ready", "backends", names, "target_language", cfg.Translation.TargetLanguage)
	}

	if entry := cfg.Providers.Recognition; entry.Name != "" {
		if !slices.Contains(reg.Names("recognition"), entry.Name) {
			slog.Warn("recognition provider not registered, skipping", "name", entry.Name)
		} else {
			ps.Recognition = func(ctx context.Context, input string) (recognition.Source, error) {
				return reg.OpenRecognition(ctx, entry, input)
			}
			slog.Info("provider created", "kind", "recognition", "name", entry.Name)
		}
	}

	return ps, nil
}

// fileSource closes the input file together with the source reading it.
type fileSource struct {
	recognition.Source
	file *os.File
	once sync.Once
	err  error
}

func (s *fileSource) Close() error {
	s.once.Do(func() {
		s.err = errors.Join(s.Source.Close(), s.file.Close())
	})
	return s.err
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
