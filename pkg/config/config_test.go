package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigValid(t *testing.T) {
	if err := NewDefaultConfig().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			"redact above block",
			func(c *Config) {
				c.Categories[CategoryPII] = CategoryPolicy{RedactThreshold: 0.9, BlockThreshold: 0.5, DecayRate: 0.2}
			},
			"redact_threshold",
		},
		{
			"threshold out of range",
			func(c *Config) {
				c.Categories[CategoryToxic] = CategoryPolicy{RedactThreshold: -0.1, BlockThreshold: 1.5, DecayRate: 0.2}
			},
			"thresholds must be in [0,1]",
		},
		{
			"decay out of range",
			func(c *Config) {
				pol := c.Categories[CategoryJailbreak]
				pol.DecayRate = 1.5
				c.Categories[CategoryJailbreak] = pol
			},
			"decay_rate",
		},
		{
			"unknown precedence category",
			func(c *Config) { c.Precedence = append(c.Precedence, "MALWARE") },
			"unknown category",
		},
		{
			"zero window",
			func(c *Config) { c.WindowSize = 0 },
			"window_size",
		},
		{
			"bad fail mode",
			func(c *Config) { c.JailbreakFailMode = "explode" },
			"jailbreak_fail_mode",
		},
		{
			"bad redaction style",
			func(c *Config) { c.RedactionStyle = "emoji" },
			"redaction_style",
		},
		{
			"zero detector timeout",
			func(c *Config) { c.DetectorTimeout = 0 },
			"detector_timeout",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestEnvOverridesThresholds(t *testing.T) {
	t.Setenv("BULWARK_JAILBREAK_BLOCK", "0.60")
	t.Setenv("BULWARK_WINDOW_SIZE", "10")

	cfg := NewDefaultConfig()
	if got := cfg.Categories[CategoryJailbreak].BlockThreshold; got != 0.60 {
		t.Errorf("jailbreak block threshold = %.2f, want 0.60", got)
	}
	if cfg.WindowSize != 10 {
		t.Errorf("window size = %d, want 10", cfg.WindowSize)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bulwark.yaml")
	data := `
categories:
  JAILBREAK:
    redact_threshold: 0.40
    block_threshold: 0.65
refusal_marker: "[blocked]"
window_size: 12
detector_timeout: 500ms
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got := cfg.Categories[CategoryJailbreak].BlockThreshold; got != 0.65 {
		t.Errorf("block threshold = %.2f, want 0.65", got)
	}
	if cfg.RefusalMarker != "[blocked]" {
		t.Errorf("refusal marker = %q", cfg.RefusalMarker)
	}
	if cfg.WindowSize != 12 {
		t.Errorf("window size = %d, want 12", cfg.WindowSize)
	}
	if cfg.DetectorTimeout.Std() != 500*time.Millisecond {
		t.Errorf("detector timeout = %v, want 500ms", cfg.DetectorTimeout.Std())
	}
	// Untouched categories keep their defaults.
	if got := cfg.Categories[CategoryPII].BlockThreshold; got != 0.95 {
		t.Errorf("PII block threshold = %.2f, want default 0.95", got)
	}
}

func TestEnvWinsOverFile(t *testing.T) {
	t.Setenv("BULWARK_WINDOW_SIZE", "7")

	path := filepath.Join(t.TempDir(), "bulwark.yaml")
	if err := os.WriteFile(path, []byte("window_size: 12\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.WindowSize != 7 {
		t.Errorf("window size = %d, want env value 7", cfg.WindowSize)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load("/nonexistent/bulwark.yaml"); err == nil {
		t.Error("Load() = nil error for missing file")
	}
}

func TestPolicyFallback(t *testing.T) {
	cfg := NewDefaultConfig()
	pol := cfg.Policy("CUSTOM")
	if pol.RedactThreshold != 0.5 || pol.BlockThreshold != 0.9 {
		t.Errorf("fallback policy = %+v", pol)
	}
}
