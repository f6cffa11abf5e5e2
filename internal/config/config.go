// Package config provides the configuration schema and loader for the
// Auralis live streaming service.
package config

import "time"

// LogLevel controls log verbosity for the Auralis server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Modality is a response modality requested from the model.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityAudio Modality = "audio"
)

// IsValid reports whether m is a recognised modality.
func (m Modality) IsValid() bool {
	return m == ModalityText || m == ModalityAudio
}

// Config is the root configuration structure for Auralis.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Live     LiveConfig     `yaml:"live"`
	Capture  CaptureConfig  `yaml:"capture"`
	Limits   LimitsConfig   `yaml:"limits"`
	Fallback FallbackConfig `yaml:"fallback"`
	Usage    UsageConfig    `yaml:"usage"`
}

// ServerConfig holds network and logging settings for the Auralis server.
type ServerConfig struct {
	// ListenAddr is the TCP address the health/metrics endpoints listen on
	// (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// LiveConfig configures the duplex streaming connection to the inference
// endpoint.
type LiveConfig struct {
	// Endpoint is the WebSocket URL of the live inference service. Must use
	// the wss scheme outside of loopback development setups.
	Endpoint string `yaml:"endpoint"`

	// APIKey authenticates against the live inference service.
	APIKey string `yaml:"api_key"`

	// Model selects the multimodal model used for sessions.
	Model string `yaml:"model"`

	// ConnectTimeout bounds connection establishment. Exceeding it fails the
	// session rather than hanging. Default: 15s.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// ResponseModalities lists the modalities requested in the setup frame.
	// Defaults to ["audio"].
	ResponseModalities []Modality `yaml:"response_modalities"`

	// Voice selects the synthesised voice, when audio output is requested.
	Voice string `yaml:"voice"`

	// Temperature is the sampling temperature sent in the setup frame.
	// Zero means use the model default.
	Temperature float64 `yaml:"temperature"`

	// SystemInstruction is the session-level system prompt.
	SystemInstruction string `yaml:"system_instruction"`
}

// CaptureConfig tunes the media capture cadence.
type CaptureConfig struct {
	// AudioInterval is the pacing interval for audio chunks. Default: 100ms.
	AudioInterval time.Duration `yaml:"audio_interval"`

	// VideoInterval is the pacing interval for camera/screen frames.
	// Default: 500ms. Validate rejects values outside [100ms, 1s].
	VideoInterval time.Duration `yaml:"video_interval"`

	// JPEGQuality is the encoder quality for video frames in (0, 1].
	// Default: 0.75.
	JPEGQuality float64 `yaml:"jpeg_quality"`
}

// FeatureBudget caps the tokens and requests a single session may spend on
// one feature (e.g., "chat", "voice").
type FeatureBudget struct {
	MaxTokens   int `yaml:"max_tokens"`
	MaxRequests int `yaml:"max_requests"`
}

// LimitsConfig configures rate limiting and per-feature budgets.
type LimitsConfig struct {
	// WindowDuration is the length of the request-rate window. Default: 60s.
	WindowDuration time.Duration `yaml:"window_duration"`

	// MaxRequests is the ceiling of operations per window. Default: 20.
	MaxRequests int `yaml:"max_requests"`

	// SessionMaxTokens is the global token budget across all features of one
	// session. Zero means unlimited.
	SessionMaxTokens int `yaml:"session_max_tokens"`

	// Features holds per-feature budgets keyed by feature name.
	Features map[string]FeatureBudget `yaml:"features"`
}

// FallbackConfig selects the non-streaming responder used when the duplex
// connection fails mid-session.
type FallbackConfig struct {
	// Provider is the LLM backend name (e.g., "openai", "anthropic", "gemini",
	// "ollama"). Empty disables the fallback path.
	Provider string `yaml:"provider"`

	// Model is the model identifier passed to the provider.
	Model string `yaml:"model"`

	// APIKey authenticates against the fallback provider. When empty, the
	// provider's environment variable is used.
	APIKey string `yaml:"api_key"`
}

// UsageConfig configures the usage record sink and budget store.
type UsageConfig struct {
	// PostgresDSN is the connection string of the billing database. When
	// empty, usage records are written to the structured log only and budgets
	// are kept in memory.
	PostgresDSN string `yaml:"postgres_dsn"`
}
