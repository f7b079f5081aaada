package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, applies environment
// variable overrides, and returns a validated [Config]. A missing file is
// not an error when allowMissing is true: the defaults (plus environment
// overrides) are used instead, matching deployments that configure the
// proxy purely through the environment.
func Load(path string, allowMissing bool) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if allowMissing && errors.Is(err, os.ErrNotExist) {
			cfg := Default()
			ApplyEnv(cfg)
			return cfg, Validate(cfg)
		}
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of the defaults.
// Useful in tests where configs are constructed from string literals.
// Environment overrides and validation are the caller's concern.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg fields from VOICEBRIDGE_* environment variables.
// Unset variables leave the corresponding field untouched; malformed
// numeric values are reported by the subsequent [Validate] call because the
// field is left at its previous value and the variable is ignored.
func ApplyEnv(cfg *Config) {
	setString(&cfg.Server.ListenAddr, "VOICEBRIDGE_LISTEN_ADDR")
	if v := os.Getenv("VOICEBRIDGE_LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = LogLevel(v)
	}
	if v := os.Getenv("VOICEBRIDGE_MODE"); v != "" {
		cfg.Server.Mode = Mode(v)
	}
	setInt(&cfg.Interactive.UpstreamChunkBytes, "VOICEBRIDGE_INTERACTIVE_CHUNK_BYTES")
	setString(&cfg.Interactive.TouchSoundDir, "VOICEBRIDGE_TOUCH_SOUND_DIR")
	setInt(&cfg.Telephony.UpstreamChunkBytes, "VOICEBRIDGE_TELEPHONY_CHUNK_BYTES")
	setInt(&cfg.Telephony.DownstreamAggregateBytes, "VOICEBRIDGE_DOWNSTREAM_AGGREGATE_BYTES")
	setString(&cfg.Telephony.WelcomeAudioPath, "VOICEBRIDGE_WELCOME_AUDIO_PATH")
	setString(&cfg.Telephony.DebugAudioDir, "VOICEBRIDGE_DEBUG_AUDIO_DIR")
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, fmt.Errorf("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.Mode != "" && !cfg.Server.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("server.mode %q is invalid; valid values: interactive, telephony, both", cfg.Server.Mode))
	}
	if cfg.Interactive.UpstreamChunkBytes <= 0 {
		errs = append(errs, fmt.Errorf("interactive.upstream_chunk_bytes must be positive, got %d", cfg.Interactive.UpstreamChunkBytes))
	}
	if cfg.Telephony.UpstreamChunkBytes <= 0 {
		errs = append(errs, fmt.Errorf("telephony.upstream_chunk_bytes must be positive, got %d", cfg.Telephony.UpstreamChunkBytes))
	}
	if cfg.Telephony.DownstreamAggregateBytes <= 0 {
		errs = append(errs, fmt.Errorf("telephony.downstream_aggregate_bytes must be positive, got %d", cfg.Telephony.DownstreamAggregateBytes))
	}

	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}
