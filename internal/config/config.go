// Package config provides YAML configuration parsing and validation for the
// defmt reflector. Configuration is loaded from a YAML file specified at
// startup and governs RTOS framing mode, timeline naming, clock metadata, and
// the set of timeline attributes applied to every allocated timeline.
//
// Everything outside this frozen object — CLI flag parsing, ELF path
// resolution, authentication token storage — belongs to the command that
// wires this package together, not to config itself.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/auxoncorp/modality-defmt-plugins/internal/eventrecord"
)

// RtosMode selects how the context manager interprets the event stream.
type RtosMode string

const (
	// RtosModeNone treats the entire stream as a single context.
	RtosModeNone RtosMode = "none"
	// RtosModeRtic1 recognizes the RTIC1 task/ISR framing event names.
	RtosModeRtic1 RtosMode = "rtic1"
)

var validRtosModes = map[RtosMode]struct{}{
	RtosModeNone:  {},
	RtosModeRtic1: {},
}

// UnmarshalYAML implements yaml.Unmarshaler so rtos_mode values are
// case-normalised and validated at parse time.
func (m *RtosMode) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	normalised := RtosMode(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := validRtosModes[normalised]; !ok {
		return fmt.Errorf("invalid rtos_mode %q: must be one of none, rtic1", raw)
	}
	*m = normalised
	return nil
}

// Rate is a clock frequency expressed as a ratio of two non-zero 64-bit
// integers, numerator <= denominator: a "ticks per second" fraction used to
// convert raw target ticks into the relative clock shown on a timeline.
type Rate struct {
	Numerator   uint64 `yaml:"numerator"`
	Denominator uint64 `yaml:"denominator"`
}

// String renders the rate as "<numerator>/<denominator>", the form stored in
// the timeline.clock_rate attribute.
func (r Rate) String() string {
	return fmt.Sprintf("%d/%d", r.Numerator, r.Denominator)
}

// UnmarshalYAML accepts either a mapping {numerator, denominator} or the
// compact "<numerator>/<denominator>" string form.
func (r *Rate) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		parsed, err := ParseRate(raw)
		if err != nil {
			return err
		}
		*r = parsed
		return nil
	}

	type rawRate Rate
	var rr rawRate
	if err := value.Decode(&rr); err != nil {
		return err
	}
	rate := Rate(rr)
	if err := rate.validate(); err != nil {
		return err
	}
	*r = rate
	return nil
}

// ParseRate parses the "<numerator>/<denominator>" textual form accepted by
// the scalar clock_rate YAML value.
func ParseRate(s string) (Rate, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return Rate{}, fmt.Errorf("clock rate %q must be of the form <numerator>/<denominator>", s)
	}
	num, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return Rate{}, fmt.Errorf("clock rate %q: invalid numerator: %w", s, err)
	}
	denom, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return Rate{}, fmt.Errorf("clock rate %q: invalid denominator: %w", s, err)
	}
	rate := Rate{Numerator: num, Denominator: denom}
	if err := rate.validate(); err != nil {
		return Rate{}, err
	}
	return rate, nil
}

func (r Rate) validate() error {
	if r.Numerator == 0 || r.Denominator == 0 {
		return fmt.Errorf("clock rate numerator and denominator must both be non-zero (got %d/%d)", r.Numerator, r.Denominator)
	}
	if r.Numerator > r.Denominator {
		return fmt.Errorf("clock rate numerator must be <= denominator (got %d/%d)", r.Numerator, r.Denominator)
	}
	return nil
}

// IngestConfig holds the connection parameters for the external ingestion
// service: URL, insecure-TLS flag, authentication token, and client timeout.
// The core never inspects these beyond passing them to the ingest client
// collaborator, which owns the TLS and auth internals.
type IngestConfig struct {
	// URL is the ingest endpoint, e.g. "modality-ingest://127.0.0.1:14188".
	URL string `yaml:"url"`
	// AllowInsecureTLS disables server certificate verification. Never set
	// this in production; it exists for local/dev ingest endpoints only.
	AllowInsecureTLS bool `yaml:"allow_insecure_tls"`
	// AuthTokenHex is the hex-encoded authentication token presented to the
	// ingest service. Token storage/retrieval otherwise is out of scope.
	AuthTokenHex string `yaml:"auth_token"`
	// ClientTimeout bounds each individual ingest RPC. Zero means the gRPC
	// ingest client's default of 30s.
	ClientTimeout Duration `yaml:"client_timeout"`
}

// AttrValue is a single configured additional/override timeline attribute.
// YAML allows string, integer, float, and bool scalars; everything else is a
// parse error.
type AttrValue struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

// Duration wraps time.Duration so it can be configured with humantime-style
// strings ("1s", "100ms").
type Duration time.Duration

// UnmarshalYAML parses a "<n><unit>" duration string via time.ParseDuration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the frozen configuration object the core reads from.
// It is produced once at startup and never mutated afterward.
type Config struct {
	// RtosMode selects the context manager's framing interpretation.
	RtosMode RtosMode `yaml:"rtos_mode"`
	// InitTaskName overrides the root context name. In none mode it
	// overrides the "main" default; in rtic1 mode it overrides the
	// AUXON_TRACE_START event's own reported task name. Left empty by
	// default so each mode applies its own fallback.
	InitTaskName string `yaml:"init_task_name"`
	// DisableInteractions suppresses interaction-edge attributes and
	// look-ahead nonce promotion while still tracking context switches.
	DisableInteractions bool `yaml:"disable_interactions"`
	// ClockRate is the optional ticks-per-second ratio recorded as
	// timeline.clock_rate / .numerator / .denominator.
	ClockRate *Rate `yaml:"clock_rate"`
	// ClockID is the configured clock identifier; a fresh UUID is generated
	// when omitted.
	ClockID string `yaml:"clock_id"`
	// RunID is the configured run identifier; parsed as an integer if
	// possible, else kept as a literal string, else a fresh UUID is
	// generated when omitted.
	RunID string `yaml:"run_id"`
	// AdditionalTimelineAttrs apply before the core's own computed
	// attributes; they never override a value the core sets.
	AdditionalTimelineAttrs []AttrValue `yaml:"additional_timeline_attrs"`
	// OverrideTimelineAttrs apply last and take precedence over any value
	// set by the core or by AdditionalTimelineAttrs.
	OverrideTimelineAttrs []AttrValue `yaml:"override_timeline_attrs"`
	// ElfFile is the path to the target ELF image the defmt symbol table is
	// parsed from. Required at startup; the command's own flags may also
	// supply or override it.
	ElfFile string `yaml:"elf_file"`
	// Ingest carries the external ingestion service's connection parameters.
	Ingest IngestConfig `yaml:"ingest"`
}

// LoadConfig reads the YAML file at path, applies defaults, and validates the
// resulting configuration.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes, applies defaults, and validates the
// configuration. Callers who already have the YAML in memory (tests) should
// use this function directly.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(string(data)))
	decoder.KnownFields(true)
	// An empty document yields io.EOF; it decodes to the zero Config, which
	// applyDefaults then fills in.
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: parse YAML: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.RtosMode == "" {
		cfg.RtosMode = RtosModeNone
	}
	// InitTaskName is deliberately left unset when the YAML omits it: the
	// "main" default only applies in none mode (contextmgr.go's none-mode
	// branch), while rtic1 mode falls back to the AUXON_TRACE_START event's
	// own reported task name (rtic1.go). Defaulting it here would mask that
	// per-mode fallback for every rtic1 deployment that doesn't set
	// init_task_name explicitly.
	if cfg.Ingest.URL == "" {
		cfg.Ingest.URL = "modality-ingest://127.0.0.1:14188"
	}
}

func validate(cfg *Config) error {
	if _, ok := validRtosModes[cfg.RtosMode]; !ok {
		return fmt.Errorf("rtos_mode %q is invalid; must be one of none, rtic1", cfg.RtosMode)
	}
	if cfg.ClockRate != nil {
		if err := cfg.ClockRate.validate(); err != nil {
			return err
		}
	}
	seen := map[string]struct{}{}
	for _, a := range cfg.AdditionalTimelineAttrs {
		if a.Key == "" {
			return fmt.Errorf("additional_timeline_attrs: key must not be empty")
		}
		if _, dup := seen[a.Key]; dup {
			return fmt.Errorf("additional_timeline_attrs: key %q is duplicated", a.Key)
		}
		seen[a.Key] = struct{}{}
	}
	return nil
}

// ResolveRunID returns the timeline.run_id attribute value: an integer when
// the configured run ID parses as one, the literal string otherwise, and a
// freshly generated UUID string when unset. The attribute is typed, not
// always a string.
func ResolveRunID(cfg *Config) eventrecord.AttrVal {
	if cfg.RunID == "" {
		return eventrecord.String(uuid.NewString())
	}
	if n, err := strconv.ParseInt(cfg.RunID, 10, 64); err == nil {
		return eventrecord.Integer(n)
	}
	return eventrecord.String(cfg.RunID)
}

// ResolveClockID returns the configured clock ID or a freshly generated UUID
// when unset.
func ResolveClockID(cfg *Config) string {
	if cfg.ClockID == "" {
		return uuid.NewString()
	}
	return cfg.ClockID
}
