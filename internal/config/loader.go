package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the provider names shipped with dolmetra. Used by
// [Validate] to warn about likely typos; unknown names are not an error so
// that externally registered providers keep working.
var ValidProviderNames = []string{"gemini", "openai"}

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

// LoadFromReader decodes a YAML config from r and validates the result.
// Decoding is strict: unknown fields are rejected so that typos surface at
// startup rather than silently configuring nothing.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Provider
	validateProviderName(cfg.Provider.Name)
	if cfg.Provider.Name != "" && cfg.Provider.APIKey == "" && cfg.Provider.APIKeyEnv == "" {
		slog.Warn("no API key configured for provider; connects will likely be rejected",
			"provider", cfg.Provider.Name)
	}
	if cfg.Provider.APIKey != "" && cfg.Provider.APIKeyEnv != "" {
		slog.Warn("both provider.api_key and provider.api_key_env are set; the inline key takes precedence")
	}

	// Session
	if tag := cfg.Session.SourceLanguage; tag != "" {
		if _, err := language.Parse(tag); err != nil {
			errs = append(errs, fmt.Errorf("session.source_language %q is not a valid BCP-47 tag: %w", tag, err))
		}
	}
	if tag := cfg.Session.TargetLanguage; tag != "" {
		if _, err := language.Parse(tag); err != nil {
			errs = append(errs, fmt.Errorf("session.target_language %q is not a valid BCP-47 tag: %w", tag, err))
		}
	}
	if src, dst := cfg.Session.SourceLanguage, cfg.Session.TargetLanguage; src != "" && src == dst {
		slog.Warn("session.source_language equals session.target_language; the session will echo rather than translate",
			"language", src)
	}
	if cfg.Session.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.connect_timeout %s must not be negative", cfg.Session.ConnectTimeout))
	}
	if cfg.Session.TranscriptGrace < 0 {
		errs = append(errs, fmt.Errorf("session.transcript_grace %s must not be negative", cfg.Session.TranscriptGrace))
	}
	if cfg.Session.VoiceCommands && !cfg.Session.TranscribeInput {
		slog.Warn("session.voice_commands is enabled but transcribe_input is off; spoken commands cannot be detected")
	}

	// Audio
	if b := cfg.Audio.Capture.Backend; b != "" && !b.IsValid() {
		errs = append(errs, fmt.Errorf("audio.capture.backend %q is invalid; valid values: device, socket", b))
	}
	if cfg.Audio.Capture.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.capture.sample_rate %d must not be negative", cfg.Audio.Capture.SampleRate))
	}
	if d := cfg.Audio.Capture.FrameDuration; d != 0 {
		if d.Std() < 5*time.Millisecond || d.Std() > time.Second {
			errs = append(errs, fmt.Errorf("audio.capture.frame_duration %s is out of range [5ms, 1s]", d))
		}
	}
	if cfg.Audio.Capture.Backend == CaptureSocket && cfg.Audio.Capture.Device != "" {
		slog.Warn("audio.capture.device is ignored by the socket backend")
	}
	if b := cfg.Audio.Playback.Backend; b != "" && !b.IsValid() {
		errs = append(errs, fmt.Errorf("audio.playback.backend %q is invalid; valid values: device, discard", b))
	}

	// Observability
	if t := cfg.Observability.TraceExporter; t != "" && !t.IsValid() {
		errs = append(errs, fmt.Errorf("observability.trace_exporter %q is invalid; valid values: none, stdout", t))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not one of the
// providers shipped with dolmetra.
func validateProviderName(name string) {
	if name == "" {
		return
	}
	if slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or an externally registered provider",
		"name", name,
		"known", ValidProviderNames,
	)
}
