// Package config provides the configuration schema, loader, and backend
// registry for the dolmetra translation service.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the dolmetra server.
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

// LogFormat selects the slog handler used for server logs.
type LogFormat string

const (
	// FormatText emits human-readable key=value lines.
	FormatText LogFormat = "text"

	// FormatJSON emits one JSON object per line.
	FormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == FormatText || f == FormatJSON
}

// CaptureBackend selects where microphone audio comes from.
type CaptureBackend string

const (
	// CaptureDevice reads the local microphone through an ffmpeg subprocess.
	CaptureDevice CaptureBackend = "device"

	// CaptureSocket accepts audio from a companion app over WebSocket.
	CaptureSocket CaptureBackend = "socket"
)

// IsValid reports whether b is a recognised capture backend.
func (b CaptureBackend) IsValid() bool {
	return b == CaptureDevice || b == CaptureSocket
}

// PlaybackBackend selects where synthesized audio goes.
type PlaybackBackend string

const (
	// PlaybackDevice plays through the default output via an ffplay subprocess.
	PlaybackDevice PlaybackBackend = "device"

	// PlaybackDiscard drops all audio. Useful for headless, transcript-only
	// deployments.
	PlaybackDiscard PlaybackBackend = "discard"
)

// IsValid reports whether b is a recognised playback backend.
func (b PlaybackBackend) IsValid() bool {
	return b == PlaybackDevice || b == PlaybackDiscard
}

// TraceExporter selects where finished spans are exported.
type TraceExporter string

const (
	// TraceNone keeps spans in-process. Correlation IDs still work since
	// they only need span context, not an exporter.
	TraceNone TraceExporter = "none"

	// TraceStdout writes finished spans to stderr as pretty-printed JSON.
	TraceStdout TraceExporter = "stdout"
)

// IsValid reports whether t is a recognised trace exporter.
func (t TraceExporter) IsValid() bool {
	return t == TraceNone || t == TraceStdout
}

// Duration wraps [time.Duration] so config values can be written in Go
// syntax ("10s", "250ms") rather than as nanosecond integers.
type Duration time.Duration

// Std returns the wrapped [time.Duration].
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String renders the duration in Go syntax.
func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML parses a duration string such as "10s" or "1m30s".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"10s\", got %q", value.Value)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in Go syntax.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the root configuration structure for dolmetra.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Provider      ProviderConfig      `yaml:"provider"`
	Session       SessionConfig       `yaml:"session"`
	Audio         AudioConfig         `yaml:"audio"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds network and logging settings for the control server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat selects text or JSON log output. Defaults to text.
	LogFormat LogFormat `yaml:"log_format"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProviderConfig selects and configures the live translation backend.
// The Name field is used to look up the constructor in the [Registry].
type ProviderConfig struct {
	// Name selects the registered provider implementation ("gemini", "openai").
	Name string `yaml:"name"`

	// Model overrides the provider's default model identifier.
	Model string `yaml:"model"`

	// APIKey is the authentication key for the provider's API. Prefer
	// APIKeyEnv in configs that are checked into version control.
	APIKey string `yaml:"api_key"`

	// APIKeyEnv names an environment variable to read the key from when
	// APIKey is empty (e.g., "GEMINI_API_KEY").
	APIKeyEnv string `yaml:"api_key_env"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// ResolveAPIKey returns the configured API key, consulting APIKeyEnv when
// APIKey is empty. Returns the empty string when neither is set.
func (p ProviderConfig) ResolveAPIKey() string {
	if p.APIKey != "" {
		return p.APIKey
	}
	if p.APIKeyEnv != "" {
		return os.Getenv(p.APIKeyEnv)
	}
	return ""
}

// SessionConfig holds the translation-session settings applied whenever a
// session is started.
type SessionConfig struct {
	// SourceLanguage is the BCP-47 tag of the spoken input (e.g., "es-ES").
	SourceLanguage string `yaml:"source_language"`

	// TargetLanguage is the BCP-47 tag to translate into (e.g., "de-DE").
	TargetLanguage string `yaml:"target_language"`

	// Instruction is the system prompt steering the remote model. Empty uses
	// a built-in translation instruction derived from the language pair.
	Instruction string `yaml:"instruction"`

	// Voice selects the synthesis voice. Empty picks the provider default.
	Voice string `yaml:"voice"`

	// TranscribeInput requests transcripts of recognised microphone speech.
	TranscribeInput bool `yaml:"transcribe_input"`

	// TranscribeOutput requests transcripts of the synthesized translation.
	TranscribeOutput bool `yaml:"transcribe_output"`

	// ConnectTimeout bounds session establishment, from dial to the opened
	// event. Zero means the built-in default of 10s.
	ConnectTimeout Duration `yaml:"connect_timeout"`

	// TranscriptGrace is how long completed-turn transcripts stay visible
	// before being cleared. Zero means the built-in default of 5s.
	TranscriptGrace Duration `yaml:"transcript_grace"`

	// AutoStart starts a session at boot instead of waiting for the control
	// API.
	AutoStart bool `yaml:"auto_start"`

	// VoiceCommands enables spoken control phrases ("stop translating")
	// detected in the user-side transcript.
	VoiceCommands bool `yaml:"voice_commands"`
}

// AudioConfig selects and configures the capture and playback backends.
type AudioConfig struct {
	Capture  CaptureConfig  `yaml:"capture"`
	Playback PlaybackConfig `yaml:"playback"`
}

// CaptureConfig configures the microphone side.
type CaptureConfig struct {
	// Backend selects the capture implementation. Defaults to "device".
	Backend CaptureBackend `yaml:"backend"`

	// Device names the input device for the device backend: a PulseAudio
	// source on Linux, an avfoundation index on macOS. Ignored by the socket
	// backend.
	Device string `yaml:"device"`

	// SampleRate is the capture rate in Hz. Zero means the built-in default
	// of 16000.
	SampleRate int `yaml:"sample_rate"`

	// FrameDuration is the length of each captured frame. Zero means the
	// built-in default of 20ms.
	FrameDuration Duration `yaml:"frame_duration"`
}

// PlaybackConfig configures the speaker side.
type PlaybackConfig struct {
	// Backend selects the playback implementation. Defaults to "device".
	Backend PlaybackBackend `yaml:"backend"`

	// Device names the output device, passed to the playback process via
	// SDL_AUDIODEV. Empty uses the platform default.
	Device string `yaml:"device"`
}

// ObservabilityConfig tunes telemetry export. Metrics are always served on
// /metrics; trace export is opt-in and applied at startup only.
type ObservabilityConfig struct {
	// TraceExporter selects the span exporter. Empty or "none" disables
	// export.
	TraceExporter TraceExporter `yaml:"trace_exporter"`
}
