package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
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

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
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
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Audio
	if cfg.Audio.NativeSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.native_sample_rate %d must not be negative", cfg.Audio.NativeSampleRate))
	}

	// Recording
	if cfg.Recording.DefaultMode != "" && !cfg.Recording.DefaultMode.IsValid() {
		errs = append(errs, fmt.Errorf("recording.default_mode %q is invalid; valid values: conversation, ambient, voiceOver, meeting, balanced", cfg.Recording.DefaultMode))
	}
	if cfg.Recording.MinFreeBytes != 0 && cfg.Recording.MinFreeBytes < 1<<20 {
		slog.Warn("recording.min_free_bytes is below 1 MiB; long recordings may run out of space",
			"min_free_bytes", cfg.Recording.MinFreeBytes)
	}

	// Processing
	if nr := cfg.Processing.NoiseReduction; nr != nil && (*nr < 0 || *nr > 1) {
		errs = append(errs, fmt.Errorf("processing.noise_reduction %.2f is out of range [0, 1]", *nr))
	}

	// Recovery
	if cfg.Recovery.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("recovery.max_retries %d must not be negative", cfg.Recovery.MaxRetries))
	}
	for i, d := range cfg.Recovery.Backoff {
		if d < 0 {
			errs = append(errs, fmt.Errorf("recovery.backoff[%d] %s must not be negative", i, d))
		}
	}
	if n := len(cfg.Recovery.Backoff); n > 0 && cfg.Recovery.MaxRetries > n {
		slog.Warn("recovery.backoff is shorter than max_retries; the last delay is reused",
			"max_retries", cfg.Recovery.MaxRetries, "backoff", n)
	}

	// Catalog
	if dsn := cfg.Catalog.PostgresDSN; dsn != "" &&
		!strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") && !strings.Contains(dsn, "=") {
		errs = append(errs, errors.New("catalog.postgres_dsn is neither a URL nor a key=value connection string"))
	}

	return errors.Join(errs...)
}

// ExpandHome replaces a leading "~" in path with the user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: expand %q: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
