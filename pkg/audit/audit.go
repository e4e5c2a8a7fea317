// Package audit records gate decisions for offline review. Events never
// contain message text, only metadata: the redacted or blocked content is
// exactly what must not leak into logs.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banyu-tech/bulwark/pkg/gate"
)

// FindingRecord is the audit projection of a Finding: span and scores, no
// matched text.
type FindingRecord struct {
	Category   string  `json:"category"`
	Subtype    string  `json:"subtype"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Confidence float64 `json:"confidence"`
	DetectorID string  `json:"detector_id"`
}

// Event is one evaluated turn.
type Event struct {
	ID         string          `json:"id"`
	Timestamp  time.Time       `json:"timestamp"`
	SessionID  string          `json:"session_id"`
	TurnIndex  int             `json:"turn_index"`
	Role       string          `json:"role"`
	Decision   string          `json:"decision"`
	Reason     string          `json:"reason"`
	Degraded   []string        `json:"degraded,omitempty"`
	DurationMs int64           `json:"duration_ms"`
	Findings   []FindingRecord `json:"findings,omitempty"`
}

// NewEvent builds an event from a verdict, assigning a fresh id.
func NewEvent(msg gate.Message, v gate.Verdict, duration time.Duration) Event {
	ev := Event{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		SessionID:  msg.SessionID,
		TurnIndex:  msg.TurnIndex,
		Role:       string(msg.Role),
		Decision:   string(v.Decision),
		Reason:     v.ReasonCode,
		Degraded:   v.Degraded,
		DurationMs: duration.Milliseconds(),
	}
	for _, f := range v.TriggeredFindings {
		ev.Findings = append(ev.Findings, FindingRecord{
			Category:   string(f.Category),
			Subtype:    f.Subtype,
			Start:      f.Start,
			End:        f.End,
			Confidence: f.Confidence,
			DetectorID: f.DetectorID,
		})
	}
	return ev
}

// Sink receives audit events. Emit must not block the request path longer
// than a local write.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
	Close() error
}

// FileSink appends events as JSON lines. One event per line keeps the file
// greppable and stream-parseable.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewFileSink opens (or creates) the JSONL file for appending.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &FileSink{file: f, enc: json.NewEncoder(f)}, nil
}

// Emit writes one event line.
func (s *FileSink) Emit(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(ev); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// Close closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// MultiSink fans an event out to several sinks. A failing sink is logged and
// skipped; auditing never fails the request.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks. Nil entries are dropped.
func NewMultiSink(sinks ...Sink) *MultiSink {
	var kept []Sink
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &MultiSink{sinks: kept}
}

// Emit delivers to every sink.
func (m *MultiSink) Emit(ctx context.Context, ev Event) error {
	for _, s := range m.sinks {
		if err := s.Emit(ctx, ev); err != nil {
			log.Printf("[WARN] audit sink failed: %v", err)
		}
	}
	return nil
}

// Close closes every sink, returning the first error.
func (m *MultiSink) Close() error {
	var first error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
