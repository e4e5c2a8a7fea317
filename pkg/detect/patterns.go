package detect

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/banyu-tech/bulwark/pkg/gate"
)

// jbPattern is one jailbreak detection pattern. All patterns are compiled
// once at package init and shared across requests.
type jbPattern struct {
	name       string
	subtype    string
	confidence float64
	re         *regexp.Regexp
}

func jb(name, subtype string, confidence float64, expr string) jbPattern {
	return jbPattern{name: name, subtype: subtype, confidence: confidence, re: regexp.MustCompile(expr)}
}

// Built-in jailbreak patterns, grouped by family. Matching runs against the
// folded text, so patterns are written lowercase without (?i).
var jailbreakPatterns = []jbPattern{
	// --- instruction override ---
	jb("ignore_previous", gate.SubtypeInstructionOverride, 0.92,
		`ignore\s+(all\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|rules?|context)`),
	jb("disregard_training", gate.SubtypeInstructionOverride, 0.90,
		`disregard\s+(your\s+)?(training|instructions?|guidelines?|rules?)`),
	jb("forget_instructions", gate.SubtypeInstructionOverride, 0.88,
		`forget\s+(everything|all)\s+(you were told|previous|above)`),
	jb("new_rules", gate.SubtypeInstructionOverride, 0.80,
		`follow\s+(my|these)\s+new\s+(rules?|instructions?)\s+instead`),
	jb("context_invalid", gate.SubtypeInstructionOverride, 0.78,
		`(the\s+)?previous\s+context\s+is\s+(invalid|void|outdated)`),
	jb("guidelines_updated", gate.SubtypeInstructionOverride, 0.72,
		`(your|the)\s+(guidelines?|polic(y|ies)|restrictions?)\s+(have|has)\s+been\s+(updated|lifted|removed|changed)`),

	// --- role override ---
	jb("unrestricted_ai", gate.SubtypeRoleOverride, 0.90,
		`you\s+are\s+now\s+(an?\s+)?(unrestricted|unfiltered|jailbroken|free)\s+(ai|assistant|model)`),
	jb("amoral_ai", gate.SubtypeRoleOverride, 0.92,
		`(completely\s+)?amoral\s+(ai|assistant|model|bot)`),
	jb("no_ethics", gate.SubtypeRoleOverride, 0.88,
		`without\s+(any\s+)?(regard\s+(for|to)\s+)?(legality|morality|ethics|ethical\s+guidelines)`),
	jb("never_refuse", gate.SubtypeRoleOverride, 0.85,
		`(will\s+never|must\s+not)\s+refuse\s+(a\s+request|to\s+answer|any)`),
	jb("free_of_limits", gate.SubtypeRoleOverride, 0.85,
		`free\s+of\s+all\s+(restrictions?|filters?|rules?|limits?)`),
	jb("act_as_terminal", gate.SubtypeRoleOverride, 0.70,
		`(simulate|pretend|act\s+as|you\s+are\s+now)\s+.{0,40}(terminal|shell|interpreter|root)`),

	// --- instruction leak ---
	jb("reveal_prompt", gate.SubtypeInstructionLeak, 0.88,
		`(reveal|show|output|print|display)\s+(me\s+)?(your|the)\s+(system\s+)?(prompt|instructions?)`),
	jb("repeat_above", gate.SubtypeInstructionLeak, 0.85,
		`repeat\s+(everything|all|the\s+(text|words))\s+(above|before|preceding)`),
	jb("what_are_instructions", gate.SubtypeInstructionLeak, 0.80,
		`what\s+(is|are|were)\s+your\s+(original|initial|hidden|system)?\s*(instructions?|prompt|rules?)`),
	jb("summarize_instructions", gate.SubtypeInstructionLeak, 0.75,
		`summarize\s+(your|all\s+the)\s+(context|instructions?|conversation)`),
	jb("debug_mode", gate.SubtypeInstructionLeak, 0.70,
		`enter\s+debug\s+mode|show\s+(all\s+)?internal\s+(parameters|config)`),
}

// seedFile is the YAML shape for external pattern seed overrides. Deployments
// can extend the built-in families without rebuilding.
type seedFile struct {
	Patterns []struct {
		Name       string  `yaml:"name"`
		Subtype    string  `yaml:"subtype"`
		Confidence float64 `yaml:"confidence"`
		Regex      string  `yaml:"regex"`
	} `yaml:"patterns"`
}

// LoadSeedPatterns reads additional jailbreak patterns from *.yaml files in
// dir. Invalid entries fail loading rather than being skipped: a deployment
// that ships seeds wants to know they compile.
func LoadSeedPatterns(dir string) ([]jbPattern, error) {
	entries, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	var out []jbPattern
	for _, path := range entries {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read seed %s: %w", path, err)
		}
		var sf seedFile
		if err := yaml.Unmarshal(data, &sf); err != nil {
			return nil, fmt.Errorf("parse seed %s: %w", path, err)
		}
		for _, p := range sf.Patterns {
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				return nil, fmt.Errorf("seed %s pattern %q: %w", path, p.Name, err)
			}
			conf := p.Confidence
			if conf <= 0 || conf > 1 {
				return nil, fmt.Errorf("seed %s pattern %q: confidence %.2f out of (0,1]", path, p.Name, conf)
			}
			subtype := p.Subtype
			if subtype == "" {
				subtype = gate.SubtypeInstructionOverride
			}
			out = append(out, jbPattern{name: p.Name, subtype: subtype, confidence: conf, re: re})
		}
	}
	return out, nil
}
