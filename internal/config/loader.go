package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind. [Validate]
// warns about names outside this list; they may still be registered by a
// third party.
var ValidProviderNames = map[string][]string{
	"llm":         {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "openai-compatible"},
	"translation": {"llm", "deepl"},
	"recognition": {"deepgram", "whisper", "amqp"},
}

// envRef matches ${NAME} references. Bare $NAME is left alone so that values
// such as passwords may contain a dollar sign.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${ENV} references,
// applies defaults and validates the result. Unknown keys are an error.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := ExpandEnv(raw)

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExpandEnv replaces every ${NAME} in data with the value of the environment
// variable NAME. Unset variables expand to the empty string.
func ExpandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every failure found and logs soft issues as warnings.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("translation", cfg.Providers.Translation.Name)
	validateProviderName("recognition", cfg.Providers.Recognition.Name)
	for i, fb := range cfg.Providers.TranslationFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.translation_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("translation", fb.Name)
	}
	if len(cfg.Providers.TranslationFallbacks) > 0 && cfg.Providers.Translation.Name == "" {
		errs = append(errs, errors.New("providers.translation_fallbacks requires providers.translation"))
	}
	usesLLM := cfg.Providers.Translation.Name == "llm"
	for _, fb := range cfg.Providers.TranslationFallbacks {
		usesLLM = usesLLM || fb.Name == "llm"
	}
	if usesLLM && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New(`translation backend "llm" requires providers.llm`))
	}
	if cfg.Providers.Recognition.Name == "" {
		slog.Warn("providers.recognition is not configured; sessions can only be loaded from archives")
	}

	// Segment
	if cfg.Segment.MaxPhraseDuration < 0 {
		errs = append(errs, fmt.Errorf("segment.max_phrase_duration %.2f must be positive", cfg.Segment.MaxPhraseDuration))
	}
	if cfg.Segment.Mode != "" && !cfg.Segment.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("segment.mode %q is invalid; valid values: temporal, spatial", cfg.Segment.Mode))
	}

	// Translation
	if cfg.Providers.Translation.Name != "" && cfg.Translation.TargetLanguage == "" {
		errs = append(errs, errors.New("translation.target_language is required when providers.translation is set"))
	}
	if cfg.Translation.BatchInterval < 0 {
		errs = append(errs, fmt.Errorf("translation.batch_interval %v must not be negative", cfg.Translation.BatchInterval))
	}
	if cfg.Translation.CircuitBreaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("translation.circuit_breaker.max_failures %d must not be negative", cfg.Translation.CircuitBreaker.MaxFailures))
	}

	// Overlap
	if cfg.Overlap.Window < 0 {
		errs = append(errs, fmt.Errorf("overlap.window %.2f must not be negative", cfg.Overlap.Window))
	}
	if cfg.Overlap.Similarity < 0 || cfg.Overlap.Similarity > 1 {
		errs = append(errs, fmt.Errorf("overlap.similarity %.2f is out of range [0, 1]", cfg.Overlap.Similarity))
	}

	// Storage
	switch cfg.Storage.Driver {
	case "", StorageMemory:
		if cfg.Storage.PostgresDSN != "" || cfg.Storage.SQLitePath != "" {
			slog.Warn("storage connection settings are ignored by the memory driver")
		}
	case StoragePostgres:
		if cfg.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres driver"))
		}
		if cfg.Storage.PostgresMaxConns < 0 {
			errs = append(errs, fmt.Errorf("storage.postgres_max_conns must not be negative, got %d", cfg.Storage.PostgresMaxConns))
		}
	case StorageSQLite:
		if cfg.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is invalid; valid values: memory, postgres, sqlite", cfg.Storage.Driver))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not in the
// [ValidProviderNames] list for kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
