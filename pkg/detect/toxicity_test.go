package detect

import (
	"context"
	"testing"

	"github.com/banyu-tech/bulwark/pkg/gate"
)

func detectToxicity(t *testing.T, text string) []gate.Finding {
	t.Helper()
	findings, err := NewToxicityDetector().Detect(context.Background(), gate.Message{Text: text}, nil)
	if err != nil {
		t.Fatalf("Detect() error: %v", err)
	}
	for _, f := range findings {
		if err := f.Validate(len(text)); err != nil {
			t.Errorf("invalid finding: %v", err)
		}
	}
	return findings
}

func TestToxicityThreat(t *testing.T) {
	findings := detectToxicity(t, "I will kill you.")
	if len(findings) != 1 {
		t.Fatalf("got %d findings, want 1", len(findings))
	}
	f := findings[0]
	if f.Subtype != gate.SubtypeThreat {
		t.Errorf("subtype = %s, want %s", f.Subtype, gate.SubtypeThreat)
	}
	if f.Confidence < 0.9 {
		t.Errorf("confidence = %.2f, want >= 0.9", f.Confidence)
	}
}

func TestToxicityInsult(t *testing.T) {
	findings := detectToxicity(t, "You are an idiot.")
	f := findSubtype(findings, gate.SubtypeInsult)
	if f == nil {
		t.Fatalf("no INSULT finding in %v", findings)
	}
}

func TestToxicityPerSentenceSpans(t *testing.T) {
	text := "You are an idiot. The weather is nice. I will hurt you."
	findings := detectToxicity(t, text)
	if len(findings) != 2 {
		t.Fatalf("got %d findings, want 2 (one per toxic sentence)", len(findings))
	}
	// The clean middle sentence must not be covered.
	for _, f := range findings {
		span := text[f.Start:f.End]
		if span == "The weather is nice." {
			t.Errorf("clean sentence flagged: %q", span)
		}
	}
	// Spans from one call never overlap.
	if findings[0].End > findings[1].Start {
		t.Errorf("overlapping spans: [%d,%d) and [%d,%d)",
			findings[0].Start, findings[0].End, findings[1].Start, findings[1].End)
	}
}

func TestToxicityLeetspeakObfuscation(t *testing.T) {
	findings := detectToxicity(t, "you are a 1d10t")
	if findSubtype(findings, gate.SubtypeInsult) == nil {
		t.Error("leetspeak obfuscation not detected")
	}
}

func TestToxicitySpacedOutObfuscation(t *testing.T) {
	findings := detectToxicity(t, "i will k i l l y o u")
	if findSubtype(findings, gate.SubtypeThreat) == nil {
		t.Error("spaced-out obfuscation not detected")
	}
}

func TestToxicityCleanText(t *testing.T) {
	findings := detectToxicity(t, "Could you summarize this quarterly report for me? Thanks!")
	if len(findings) != 0 {
		t.Errorf("clean text produced findings: %v", findings)
	}
}

func TestToxicityEmptyText(t *testing.T) {
	if findings := detectToxicity(t, ""); len(findings) != 0 {
		t.Errorf("empty text produced findings: %v", findings)
	}
}
