package gate

import (
	"context"
	"errors"
)

// Sentinel errors surfaced across package boundaries.
var (
	// ErrInputTooLarge is returned when a message exceeds the configured
	// maximum length. The pipeline rejects such messages before detection;
	// callers must chunk or truncate.
	ErrInputTooLarge = errors.New("input exceeds maximum length")

	// ErrStoreUnavailable is returned when the session store backend cannot
	// be reached. Evaluation fails hard rather than silently allowing.
	ErrStoreUnavailable = errors.New("session store unavailable")
)

// Detector scores a unit of text for one risk category.
//
// Detect must be pure with respect to msg and sctx: the snapshot is a
// read-only view of session state and must never be mutated (context updates
// are mediated by the orchestrator after aggregation). Empty text returns an
// empty slice. Spans returned from a single call never overlap.
//
// Detectors are stateless across calls except for session-scoped read access
// through the snapshot, which is what allows the orchestrator to run
// independent detectors concurrently against the same (msg, snapshot) pair.
type Detector interface {
	// ID uniquely identifies the detector instance, e.g. "pii.regex".
	ID() string

	// Category is the risk family this detector reports findings for.
	Category() Category

	Detect(ctx context.Context, msg Message, sctx *Snapshot) ([]Finding, error)
}

// TurnSummary is a read-only record of one prior turn in a session.
type TurnSummary struct {
	TurnIndex int      `json:"turn_index"`
	Role      Role     `json:"role"`
	Excerpt   string   `json:"excerpt"` // turn text, truncated to the store's excerpt limit
	RiskScore float64  `json:"risk_score"`
	Decision  Decision `json:"decision"`
}

// SeenEntity records a PII entity observed earlier in the session so that
// repeated occurrences redact consistently across turns.
type SeenEntity struct {
	Subtype string `json:"subtype"`
	Text    string `json:"text"`
}

// Snapshot is an immutable view of a session's context handed to detectors.
// The session store owns the mutable state; a snapshot is a copy taken under
// the session lock and is safe to read from any goroutine.
type Snapshot struct {
	SessionID string               `json:"session_id"`
	TurnCount int                  `json:"turn_count"` // total turns accepted, including evicted ones
	Turns     []TurnSummary        `json:"turns"`      // rolling window, oldest first
	Risk      map[Category]float64 `json:"risk"`       // decayed cumulative risk per category
	Entities  []SeenEntity         `json:"entities,omitempty"`
}

// RiskFor returns the cumulative risk for a category, zero if absent.
func (s *Snapshot) RiskFor(cat Category) float64 {
	if s == nil || s.Risk == nil {
		return 0
	}
	return s.Risk[cat]
}
