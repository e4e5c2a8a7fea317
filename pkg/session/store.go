// Package session tracks per-conversation state across turns: a rolling
// window of turn summaries, per-category risk scores with time decay, and
// PII entities seen earlier in the conversation.
package session

import (
	"context"
	"time"

	"github.com/banyu-tech/bulwark/pkg/gate"
)

// Params holds the tuning knobs shared by all store implementations.
type Params struct {
	// Window is how many recent turns a snapshot carries.
	Window int

	// ExcerptLimit caps the stored excerpt of each turn, in bytes.
	ExcerptLimit int

	// TTL is how long an idle session survives before eviction.
	TTL time.Duration

	// Decay maps each category to its per-turn risk decay rate in [0,1].
	Decay map[gate.Category]float64
}

// DefaultParams returns conservative defaults for standalone use.
func DefaultParams() Params {
	return Params{
		Window:       20,
		ExcerptLimit: 240,
		TTL:          30 * time.Minute,
		Decay: map[gate.Category]float64{
			gate.CategoryPII:       0.20,
			gate.CategoryToxic:     0.20,
			gate.CategoryJailbreak: 0.15,
		},
	}
}

// Update is the state delta applied after a turn is evaluated.
type Update struct {
	// Turn summarizes the evaluated message.
	Turn gate.TurnSummary

	// RiskAdd is the risk contribution per category from this turn's
	// findings, applied after decay.
	RiskAdd map[gate.Category]float64

	// Entities are redacted PII values to remember for cross-turn matching.
	Entities []gate.SeenEntity
}

// Store is the session state backend. Implementations must be safe for
// concurrent use.
type Store interface {
	// Snapshot returns the current state for a session. Unknown sessions
	// return an empty snapshot, not an error.
	Snapshot(ctx context.Context, sessionID string) (*gate.Snapshot, error)

	// Update applies a turn's delta: decays risk, adds this turn's
	// contribution, appends the turn summary and trims the window.
	Update(ctx context.Context, sessionID string, up Update) error

	// CloseSession discards all state for a session.
	CloseSession(ctx context.Context, sessionID string) error

	// Close releases backend resources.
	Close() error
}

// applyRisk decays every tracked category, then adds this turn's
// contribution. Values are clamped to [0,1]. Categories accumulate even when
// the turn contributed nothing, because decay still applies.
func applyRisk(risk map[gate.Category]float64, add map[gate.Category]float64, decay map[gate.Category]float64) {
	for cat, rate := range decay {
		r := risk[cat] * (1 - rate)
		r += add[cat]
		if r > 1 {
			r = 1
		}
		if r < 0 {
			r = 0
		}
		risk[cat] = r
	}
	// Contributions for categories without a configured decay rate still land.
	for cat, a := range add {
		if _, ok := decay[cat]; ok {
			continue
		}
		r := risk[cat] + a
		if r > 1 {
			r = 1
		}
		risk[cat] = r
	}
}

// truncateExcerpt trims text to limit bytes without splitting a rune.
func truncateExcerpt(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && (text[cut]&0xC0) == 0x80 {
		cut--
	}
	return text[:cut]
}
