// Package config loads register settings from YAML, applies TILLSYNC_*
// environment overrides and validates the result against an embedded CUE
// schema.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// Sequence is the rendering of one identifier sequence.
type Sequence struct {
	Prefix string `yaml:"prefix"`
	Pad    int    `yaml:"pad"`
}

// Config holds every register setting.
type Config struct {
	Database        string              `yaml:"database"`
	WriteDebounce   time.Duration       `yaml:"write_debounce"`
	PublishDebounce time.Duration       `yaml:"publish_debounce"`
	MarkerTTL       time.Duration       `yaml:"marker_ttl"`
	PollInterval    time.Duration       `yaml:"poll_interval"`
	LockLease       time.Duration       `yaml:"lock_lease"`
	RelayURL        string              `yaml:"relay_url"`
	RelayAddr       string              `yaml:"relay_addr"`
	LogLevel        string              `yaml:"log_level"`
	LogFormat       string              `yaml:"log_format"`
	Sequences       map[string]Sequence `yaml:"sequences"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Database:        "tillsync.db",
		WriteDebounce:   300 * time.Millisecond,
		PublishDebounce: 100 * time.Millisecond,
		MarkerTTL:       2 * time.Second,
		PollInterval:    150 * time.Millisecond,
		LockLease:       5 * time.Second,
		RelayAddr:       "127.0.0.1:7781",
		LogLevel:        "info",
		LogFormat:       "text",
		Sequences: map[string]Sequence{
			"invoice": {Prefix: "INV", Pad: 8},
			"shift":   {Prefix: "SHF", Pad: 8},
		},
	}
}

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TILLSYNC_"

// envKeys maps environment variables to config keys.
var envKeys = map[string]string{
	EnvPrefix + "DB":               "database",
	EnvPrefix + "WRITE_DEBOUNCE":   "write_debounce",
	EnvPrefix + "PUBLISH_DEBOUNCE": "publish_debounce",
	EnvPrefix + "MARKER_TTL":       "marker_ttl",
	EnvPrefix + "POLL_INTERVAL":    "poll_interval",
	EnvPrefix + "LOCK_LEASE":       "lock_lease",
	EnvPrefix + "RELAY_URL":        "relay_url",
	EnvPrefix + "RELAY_ADDR":       "relay_addr",
	EnvPrefix + "LOG_LEVEL":        "log_level",
	EnvPrefix + "LOG_FORMAT":       "log_format",
}

// Load reads path (skipped when empty), applies environment overrides from
// os.LookupEnv and validates the result.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (Config, error) {
	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		data = b
	}
	return Parse(data, lookup)
}

// Parse decodes YAML settings over the defaults. lookup may be nil.
func Parse(data []byte, lookup func(string) (string, bool)) (Config, error) {
	raw := map[string]any{}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Config{}, fmt.Errorf("failed to parse YAML: %w", err)
		}
		if raw == nil {
			raw = map[string]any{}
		}
	}

	if lookup != nil {
		for env, key := range envKeys {
			if v, ok := lookup(env); ok && strings.TrimSpace(v) != "" {
				raw[key] = strings.TrimSpace(v)
			}
		}
	}

	if err := validate(raw); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	// Round-trip through YAML so the strict decoder sees the overrides too.
	merged, err := yaml.Marshal(raw)
	if err != nil {
		return Config{}, fmt.Errorf("failed to encode config: %w", err)
	}
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(merged))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// validate unifies the raw settings with #Config.
func validate(raw map[string]any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	v := def.Unify(ctx.Encode(raw))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return formatCUEError(err)
	}
	return nil
}

// formatCUEError keeps the first CUE error, which names the offending field.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	msg := errs[0].Error()
	if len(errs) > 1 {
		msg = fmt.Sprintf("%s (and %d more errors)", msg, len(errs)-1)
	}
	return errors.New(msg)
}

// SlogLevel returns the configured log level.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Sequence returns the format of a sequence, or ok=false if unset.
func (c Config) Sequence(name string) (Sequence, bool) {
	s, ok := c.Sequences[name]
	return s, ok
}
