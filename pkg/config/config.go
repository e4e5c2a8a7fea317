// Package config holds the runtime configuration for the Bulwark gate.
//
// Configuration is loaded once at process start: defaults, then an optional
// YAML file (BULWARK_CONFIG), then environment variable overrides. The
// resulting Config is consumed read-only by the policy engine and session
// store; there is no runtime mutation path.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Category names recognized by the policy configuration. These mirror
// gate.Category but stay strings here so the YAML surface is plain.
const (
	CategoryPII       = "PII"
	CategoryToxic     = "TOXIC"
	CategoryJailbreak = "JAILBREAK"
)

// JailbreakFailMode controls what happens when the jailbreak detector times
// out. Risk is asymmetric: a missed injection is worse than a false block.
type JailbreakFailMode string

const (
	FailModeBlock JailbreakFailMode = "block" // fail-closed (default)
	FailModeOpen  JailbreakFailMode = "open"  // fail-open, degraded flag only
)

// Duration wraps time.Duration so YAML config can use strings like "500ms"
// or "2s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RedactionStyle selects how flagged spans are rewritten.
type RedactionStyle string

const (
	RedactPlaceholder RedactionStyle = "placeholder" // [REDACTED:SSN]
	RedactMask        RedactionStyle = "mask"        // fixed-length ********
)

// CategoryPolicy is the per-category threshold record. Validated once at
// startup; invalid thresholds abort the process.
type CategoryPolicy struct {
	RedactThreshold float64 `yaml:"redact_threshold"`
	BlockThreshold  float64 `yaml:"block_threshold"`
	DecayRate       float64 `yaml:"decay_rate"`
}

// Config holds global settings for the gate. All settings can be set via the
// YAML file or environment variables; env wins.
type Config struct {
	// === Policy ===
	Categories map[string]CategoryPolicy `yaml:"categories"`
	// Precedence is the fixed category evaluation order. A jailbreak signal
	// above its block threshold blocks even if PII/toxicity are clean.
	Precedence []string `yaml:"precedence"`
	// FindingWeight and RiskWeight combine the max finding confidence with
	// the session's cumulative category risk into an effective severity.
	FindingWeight float64 `yaml:"finding_weight"`
	RiskWeight    float64 `yaml:"risk_weight"`

	// === Session context ===
	WindowSize    int      `yaml:"window_size"`    // rolling turn window (default: 20)
	ExcerptLimit  int      `yaml:"excerpt_limit"`  // bytes of turn text kept in the window
	SessionTTL    Duration `yaml:"session_ttl"`    // idle eviction timeout
	SweepInterval Duration `yaml:"sweep_interval"` // background eviction cadence
	RedisURL      string   `yaml:"redis_url"`      // optional Redis-backed store

	// === Pipeline ===
	DetectorTimeout   Duration          `yaml:"detector_timeout"`
	JailbreakFailMode JailbreakFailMode `yaml:"jailbreak_fail_mode"`
	MaxInputBytes     int               `yaml:"max_input_bytes"`

	// === Redaction ===
	RedactionStyle RedactionStyle `yaml:"redaction_style"`
	MaskLength     int            `yaml:"mask_length"`
	RefusalMarker  string         `yaml:"refusal_marker"` // OutputText on BLOCK ("" = unset)

	// === Optional detectors ===
	OllamaBaseURL   string `yaml:"ollama_base_url"`
	GuardModel      string `yaml:"guard_model"` // Ollama guard model for toxicity
	EnableGuard     bool   `yaml:"enable_guard"`
	EnableSemantics bool   `yaml:"enable_semantics"`
	EnableONNX      bool   `yaml:"enable_onnx"`
	SeedDir         string `yaml:"seed_dir"` // YAML pattern seed overrides

	// === Audit ===
	AuditLogPath string `yaml:"audit_log_path"`
	PostgresURL  string `yaml:"postgres_url"` // optional audit sink
}

// NewDefaultConfig creates a Config with documented defaults, applying
// environment variable overrides.
func NewDefaultConfig() *Config {
	cfg := baseDefaults()
	applyEnv(cfg)
	return cfg
}

func baseDefaults() *Config {
	return &Config{
		Categories: map[string]CategoryPolicy{
			CategoryPII:       {RedactThreshold: 0.50, BlockThreshold: 0.95, DecayRate: 0.20},
			CategoryToxic:     {RedactThreshold: 0.55, BlockThreshold: 0.90, DecayRate: 0.20},
			CategoryJailbreak: {RedactThreshold: 0.45, BlockThreshold: 0.70, DecayRate: 0.15},
		},
		Precedence:    []string{CategoryJailbreak, CategoryPII, CategoryToxic},
		FindingWeight: 0.8,
		RiskWeight:    0.2,

		WindowSize:    20,
		ExcerptLimit:  240,
		SessionTTL:    Duration(30 * time.Minute),
		SweepInterval: Duration(5 * time.Minute),

		DetectorTimeout:   Duration(2 * time.Second),
		JailbreakFailMode: FailModeBlock,
		MaxInputBytes:     64 * 1024,

		RedactionStyle: RedactPlaceholder,
		MaskLength:     8,

		OllamaBaseURL: "http://localhost:11434",
		GuardModel:    "guard",

		AuditLogPath: "audit_events.jsonl",
	}
}

// applyEnv overlays environment variables. Runs last so the precedence is
// env > file > default.
func applyEnv(cfg *Config) {
	cfg.WindowSize = GetEnvInt("BULWARK_WINDOW_SIZE", cfg.WindowSize)
	cfg.ExcerptLimit = GetEnvInt("BULWARK_EXCERPT_LIMIT", cfg.ExcerptLimit)
	cfg.SessionTTL = Duration(time.Duration(GetEnvInt("BULWARK_SESSION_TTL_SECONDS", int(cfg.SessionTTL.Std()/time.Second))) * time.Second)
	cfg.SweepInterval = Duration(time.Duration(GetEnvInt("BULWARK_SWEEP_SECONDS", int(cfg.SweepInterval.Std()/time.Second))) * time.Second)
	cfg.RedisURL = GetEnv("BULWARK_REDIS_URL", cfg.RedisURL)

	cfg.DetectorTimeout = Duration(time.Duration(GetEnvInt("BULWARK_DETECTOR_TIMEOUT_MS", int(cfg.DetectorTimeout.Std()/time.Millisecond))) * time.Millisecond)
	cfg.JailbreakFailMode = JailbreakFailMode(GetEnv("BULWARK_JAILBREAK_FAIL_MODE", string(cfg.JailbreakFailMode)))
	cfg.MaxInputBytes = GetEnvInt("BULWARK_MAX_INPUT_BYTES", cfg.MaxInputBytes)

	cfg.RedactionStyle = RedactionStyle(GetEnv("BULWARK_REDACTION_STYLE", string(cfg.RedactionStyle)))
	cfg.MaskLength = GetEnvInt("BULWARK_MASK_LENGTH", cfg.MaskLength)
	cfg.RefusalMarker = GetEnv("BULWARK_REFUSAL_MARKER", cfg.RefusalMarker)

	cfg.OllamaBaseURL = GetEnv("BULWARK_OLLAMA_URL", cfg.OllamaBaseURL)
	cfg.GuardModel = GetEnv("BULWARK_GUARD_MODEL", cfg.GuardModel)
	cfg.EnableGuard = GetEnvBool("BULWARK_ENABLE_GUARD", cfg.EnableGuard)
	cfg.EnableSemantics = GetEnvBool("BULWARK_ENABLE_SEMANTICS", cfg.EnableSemantics)
	cfg.EnableONNX = GetEnvBool("BULWARK_ENABLE_ONNX", cfg.EnableONNX)
	cfg.SeedDir = GetEnv("BULWARK_SEED_DIR", cfg.SeedDir)

	cfg.AuditLogPath = GetEnv("BULWARK_AUDIT_LOG", cfg.AuditLogPath)
	cfg.PostgresURL = GetEnv("BULWARK_POSTGRES_URL", cfg.PostgresURL)

	// Per-category threshold overrides, e.g. BULWARK_JAILBREAK_BLOCK=0.6
	for name, pol := range cfg.Categories {
		pol.RedactThreshold = GetEnvFloat("BULWARK_"+name+"_REDACT", pol.RedactThreshold)
		pol.BlockThreshold = GetEnvFloat("BULWARK_"+name+"_BLOCK", pol.BlockThreshold)
		pol.DecayRate = GetEnvFloat("BULWARK_"+name+"_DECAY", pol.DecayRate)
		cfg.Categories[name] = pol
	}
}

// Load builds a config from defaults, the YAML file at path (if any), then
// environment overrides, so the precedence is env > file > default.
func Load(path string) (*Config, error) {
	file := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, file); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg := baseDefaults()
	mergeFile(cfg, file)
	applyEnv(cfg)
	return cfg, nil
}

// mergeFile overlays non-zero file values onto cfg.
func mergeFile(cfg, file *Config) {
	for name, pol := range file.Categories {
		base, ok := cfg.Categories[name]
		if !ok {
			cfg.Categories[name] = pol
			continue
		}
		if pol.RedactThreshold != 0 {
			base.RedactThreshold = pol.RedactThreshold
		}
		if pol.BlockThreshold != 0 {
			base.BlockThreshold = pol.BlockThreshold
		}
		if pol.DecayRate != 0 {
			base.DecayRate = pol.DecayRate
		}
		cfg.Categories[name] = base
	}
	if len(file.Precedence) > 0 {
		cfg.Precedence = file.Precedence
	}
	if file.FindingWeight != 0 {
		cfg.FindingWeight = file.FindingWeight
	}
	if file.RiskWeight != 0 {
		cfg.RiskWeight = file.RiskWeight
	}
	if file.WindowSize != 0 {
		cfg.WindowSize = file.WindowSize
	}
	if file.ExcerptLimit != 0 {
		cfg.ExcerptLimit = file.ExcerptLimit
	}
	if file.SessionTTL != 0 {
		cfg.SessionTTL = file.SessionTTL
	}
	if file.SweepInterval != 0 {
		cfg.SweepInterval = file.SweepInterval
	}
	if file.RedisURL != "" {
		cfg.RedisURL = file.RedisURL
	}
	if file.DetectorTimeout != 0 {
		cfg.DetectorTimeout = file.DetectorTimeout
	}
	if file.JailbreakFailMode != "" {
		cfg.JailbreakFailMode = file.JailbreakFailMode
	}
	if file.MaxInputBytes != 0 {
		cfg.MaxInputBytes = file.MaxInputBytes
	}
	if file.RedactionStyle != "" {
		cfg.RedactionStyle = file.RedactionStyle
	}
	if file.MaskLength != 0 {
		cfg.MaskLength = file.MaskLength
	}
	if file.RefusalMarker != "" {
		cfg.RefusalMarker = file.RefusalMarker
	}
	if file.OllamaBaseURL != "" {
		cfg.OllamaBaseURL = file.OllamaBaseURL
	}
	if file.GuardModel != "" {
		cfg.GuardModel = file.GuardModel
	}
	if file.EnableGuard {
		cfg.EnableGuard = true
	}
	if file.EnableSemantics {
		cfg.EnableSemantics = true
	}
	if file.EnableONNX {
		cfg.EnableONNX = true
	}
	if file.SeedDir != "" {
		cfg.SeedDir = file.SeedDir
	}
	if file.AuditLogPath != "" {
		cfg.AuditLogPath = file.AuditLogPath
	}
	if file.PostgresURL != "" {
		cfg.PostgresURL = file.PostgresURL
	}
}

// Policy returns the threshold record for a category, falling back to a
// conservative default for categories added by custom detectors.
func (c *Config) Policy(category string) CategoryPolicy {
	if pol, ok := c.Categories[category]; ok {
		return pol
	}
	return CategoryPolicy{RedactThreshold: 0.5, BlockThreshold: 0.9, DecayRate: 0.2}
}

// Validate checks threshold and knob sanity. A non-nil error is a
// configuration error: the process must not start.
func (c *Config) Validate() error {
	var problems []string

	for name, pol := range c.Categories {
		if pol.RedactThreshold < 0 || pol.RedactThreshold > 1 ||
			pol.BlockThreshold < 0 || pol.BlockThreshold > 1 {
			problems = append(problems, fmt.Sprintf(
				"%s: thresholds must be in [0,1] (redact=%.2f block=%.2f)",
				name, pol.RedactThreshold, pol.BlockThreshold))
		}
		if pol.RedactThreshold > pol.BlockThreshold {
			problems = append(problems, fmt.Sprintf(
				"%s: redact_threshold %.2f exceeds block_threshold %.2f",
				name, pol.RedactThreshold, pol.BlockThreshold))
		}
		if pol.DecayRate < 0 || pol.DecayRate > 1 {
			problems = append(problems, fmt.Sprintf("%s: decay_rate %.2f out of [0,1]", name, pol.DecayRate))
		}
	}

	for _, name := range c.Precedence {
		if _, ok := c.Categories[name]; !ok {
			problems = append(problems, fmt.Sprintf("precedence references unknown category %q", name))
		}
	}
	if c.FindingWeight < 0 || c.RiskWeight < 0 || c.FindingWeight+c.RiskWeight == 0 {
		problems = append(problems, "finding_weight/risk_weight must be non-negative and not both zero")
	}
	if c.WindowSize < 1 {
		problems = append(problems, "window_size must be at least 1")
	}
	if c.MaxInputBytes < 1 {
		problems = append(problems, "max_input_bytes must be positive")
	}
	if c.DetectorTimeout <= 0 {
		problems = append(problems, "detector_timeout must be positive")
	}
	switch c.JailbreakFailMode {
	case FailModeBlock, FailModeOpen:
	default:
		problems = append(problems, fmt.Sprintf("jailbreak_fail_mode %q must be block or open", c.JailbreakFailMode))
	}
	switch c.RedactionStyle {
	case RedactPlaceholder, RedactMask:
	default:
		problems = append(problems, fmt.Sprintf("redaction_style %q must be placeholder or mask", c.RedactionStyle))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// MustValidate panics via log.Fatalf on invalid configuration. Call once at
// process startup.
func (c *Config) MustValidate() {
	if err := c.Validate(); err != nil {
		log.Fatalf("FATAL: %v", err)
	}
}

// Helper functions for environment variable parsing. Exported for use by
// other packages (e.g. pkg/detect model toggles).

// GetEnv returns the value of an environment variable or a default value.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// GetEnvBool returns the boolean value of an environment variable or a default value.
func GetEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

// GetEnvFloat returns the float64 value of an environment variable or a default value.
func GetEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return defaultValue
}

// GetEnvInt returns the integer value of an environment variable or a default value.
func GetEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return defaultValue
}
