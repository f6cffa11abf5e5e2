package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Cadence and quality defaults applied by [ApplyDefaults].
const (
	DefaultConnectTimeout = 15 * time.Second
	DefaultAudioInterval  = 100 * time.Millisecond
	DefaultVideoInterval  = 500 * time.Millisecond
	DefaultJPEGQuality    = 0.75
	DefaultWindowDuration = 60 * time.Second
	DefaultMaxRequests    = 20
)

// ValidFallbackProviders lists known fallback LLM provider names.
// Used by [Validate] to warn about unrecognised provider names.
var ValidFallbackProviders = []string{
	"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and validates
// the result. Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued tuning fields with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Live.ConnectTimeout <= 0 {
		cfg.Live.ConnectTimeout = DefaultConnectTimeout
	}
	if len(cfg.Live.ResponseModalities) == 0 {
		cfg.Live.ResponseModalities = []Modality{ModalityAudio}
	}
	if cfg.Capture.AudioInterval <= 0 {
		cfg.Capture.AudioInterval = DefaultAudioInterval
	}
	if cfg.Capture.VideoInterval <= 0 {
		cfg.Capture.VideoInterval = DefaultVideoInterval
	}
	if cfg.Capture.JPEGQuality == 0 {
		cfg.Capture.JPEGQuality = DefaultJPEGQuality
	}
	if cfg.Limits.WindowDuration <= 0 {
		cfg.Limits.WindowDuration = DefaultWindowDuration
	}
	if cfg.Limits.MaxRequests <= 0 {
		cfg.Limits.MaxRequests = DefaultMaxRequests
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Live endpoint
	if cfg.Live.Endpoint == "" {
		errs = append(errs, errors.New("live.endpoint is required"))
	} else if err := validateEndpoint(cfg.Live.Endpoint); err != nil {
		errs = append(errs, err)
	}
	if cfg.Live.Model == "" {
		errs = append(errs, errors.New("live.model is required"))
	}
	for i, m := range cfg.Live.ResponseModalities {
		if !m.IsValid() {
			errs = append(errs, fmt.Errorf("live.response_modalities[%d] %q is invalid; valid values: text, audio", i, m))
		}
	}
	if cfg.Live.Temperature < 0 || cfg.Live.Temperature > 2 {
		errs = append(errs, fmt.Errorf("live.temperature %.2f is out of range [0, 2]", cfg.Live.Temperature))
	}

	// Capture cadence bounds
	if cfg.Capture.VideoInterval < 100*time.Millisecond || cfg.Capture.VideoInterval > time.Second {
		errs = append(errs, fmt.Errorf("capture.video_interval %v is out of range [100ms, 1s]", cfg.Capture.VideoInterval))
	}
	if cfg.Capture.JPEGQuality <= 0 || cfg.Capture.JPEGQuality > 1 {
		errs = append(errs, fmt.Errorf("capture.jpeg_quality %.2f is out of range (0, 1]", cfg.Capture.JPEGQuality))
	}

	// Budgets
	for name, b := range cfg.Limits.Features {
		if b.MaxTokens < 0 || b.MaxRequests < 0 {
			errs = append(errs, fmt.Errorf("limits.features[%q]: budgets must not be negative", name))
		}
	}
	if cfg.Limits.SessionMaxTokens < 0 {
		errs = append(errs, errors.New("limits.session_max_tokens must not be negative"))
	}

	// Fallback provider
	if cfg.Fallback.Provider != "" {
		if !slices.Contains(ValidFallbackProviders, cfg.Fallback.Provider) {
			slog.Warn("unknown fallback provider name, may be a typo or third-party provider",
				"name", cfg.Fallback.Provider,
				"known", ValidFallbackProviders,
			)
		}
		if cfg.Fallback.Model == "" {
			errs = append(errs, errors.New("fallback.model is required when fallback.provider is set"))
		}
	} else {
		slog.Warn("no fallback provider configured; sessions will not degrade to single-request mode on transport failure")
	}

	if cfg.Usage.PostgresDSN == "" {
		slog.Warn("usage.postgres_dsn is empty; usage records will only be written to the structured log")
	}

	return errors.Join(errs...)
}

// validateEndpoint enforces the secure-transport precondition on the live
// endpoint URL: wss everywhere, ws only towards loopback.
func validateEndpoint(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("live.endpoint %q is not a valid URL: %w", raw, err)
	}
	switch u.Scheme {
	case "wss":
		return nil
	case "ws":
		host := u.Hostname()
		if host == "localhost" || strings.HasPrefix(host, "127.") || host == "::1" {
			return nil
		}
		return fmt.Errorf("live.endpoint %q uses insecure ws scheme towards a non-loopback host", raw)
	default:
		return fmt.Errorf("live.endpoint %q must use the ws or wss scheme", raw)
	}
}
