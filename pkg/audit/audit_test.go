package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banyu-tech/bulwark/pkg/gate"
)

func TestNewEventProjection(t *testing.T) {
	msg := gate.Message{SessionID: "s1", TurnIndex: 3, Role: gate.RoleUser, Text: "secret 123-45-6789"}
	v := gate.Verdict{
		Decision:   gate.DecisionRedact,
		OutputText: "secret [REDACTED:SSN]",
		ReasonCode: "PII_SSN",
		TriggeredFindings: []gate.Finding{
			{Category: gate.CategoryPII, Subtype: gate.SubtypeSSN, Start: 7, End: 18, Confidence: 0.92, DetectorID: "pii.regex"},
		},
	}

	ev := NewEvent(msg, v, 12*time.Millisecond)
	if ev.ID == "" {
		t.Error("event has no id")
	}
	if ev.SessionID != "s1" || ev.TurnIndex != 3 || ev.Decision != "REDACT" || ev.Reason != "PII_SSN" {
		t.Errorf("event = %+v", ev)
	}
	if ev.DurationMs != 12 {
		t.Errorf("duration = %d, want 12", ev.DurationMs)
	}
	if len(ev.Findings) != 1 || ev.Findings[0].Subtype != gate.SubtypeSSN {
		t.Errorf("findings = %+v", ev.Findings)
	}

	// Events carry spans and scores, never message text.
	raw, _ := json.Marshal(ev)
	if strings.Contains(string(raw), "123-45-6789") {
		t.Error("event leaked message content")
	}
}

func TestFileSinkWritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("NewFileSink() error: %v", err)
	}

	for i := 0; i < 3; i++ {
		ev := NewEvent(gate.Message{SessionID: "s1", TurnIndex: i}, gate.Verdict{Decision: gate.DecisionAllow, ReasonCode: "CLEAN"}, 0)
		if err := sink.Emit(context.Background(), ev); err != nil {
			t.Fatalf("Emit() error: %v", err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.Close() }()

	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Errorf("line %d not valid JSON: %v", lines, err)
		}
		lines++
	}
	if lines != 3 {
		t.Errorf("got %d lines, want 3", lines)
	}
}

func TestMultiSinkDropsNil(t *testing.T) {
	m := NewMultiSink(nil, nil)
	if err := m.Emit(context.Background(), Event{}); err != nil {
		t.Errorf("Emit() error: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
}
