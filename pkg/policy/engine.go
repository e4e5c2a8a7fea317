// Package policy turns detector findings plus session risk into a decision.
package policy

import (
	"sort"

	"github.com/banyu-tech/bulwark/pkg/config"
	"github.com/banyu-tech/bulwark/pkg/gate"
)

// Resolution is the policy outcome for one turn, before redaction is
// applied to the text.
type Resolution struct {
	Decision gate.Decision

	// Reason identifies the driving category and subtype, or CLEAN.
	Reason string

	// Triggered are the findings that crossed their category's redact
	// threshold, ordered by span. On BLOCK this includes the blocking
	// finding even if it alone crossed only the block threshold.
	Triggered []gate.Finding
}

// Engine evaluates findings against per-category thresholds. Categories are
// checked in configured precedence order so a message that is both a
// jailbreak and contains PII reports the jailbreak.
type Engine struct {
	cfg *config.Config
}

// NewEngine creates a policy engine bound to the given configuration.
func NewEngine(cfg *config.Config) *Engine {
	return &Engine{cfg: cfg}
}

// Resolve computes the decision for one turn.
//
// Per category, effective severity blends the strongest finding with the
// session's accumulated risk:
//
//	severity = FindingWeight*maxConfidence + RiskWeight*risk
//
// The first category in precedence order whose severity crosses its block
// threshold blocks the turn. Otherwise any finding at or above its
// category's redact threshold redacts. No qualifying findings allow.
//
// The redact trigger deliberately compares raw finding confidence, not the
// blended severity the block check uses. Session risk escalates a hot
// session toward BLOCK; letting it also pull sub-threshold findings into
// the redaction set would scrub spans no detector was confident about.
func (e *Engine) Resolve(findings []gate.Finding, sctx *gate.Snapshot) Resolution {
	res := Resolution{
		Decision: gate.DecisionAllow,
		Reason:   gate.ReasonClean,
	}

	byCat := make(map[gate.Category][]gate.Finding)
	for _, f := range findings {
		byCat[f.Category] = append(byCat[f.Category], f)
	}

	// Block check in precedence order.
	for _, name := range e.cfg.Precedence {
		cat := gate.Category(name)
		group := byCat[cat]
		if len(group) == 0 {
			continue
		}
		pol := e.cfg.Policy(name)
		severity := e.cfg.FindingWeight*maxConfidence(group) + e.cfg.RiskWeight*riskFor(sctx, cat)
		if severity >= pol.BlockThreshold {
			top := strongest(group)
			res.Decision = gate.DecisionBlock
			res.Reason = gate.Reason(cat, top.Subtype)
			res.Triggered = e.redactSet(findings, top)
			return res
		}
	}

	// Redact check: every finding at or above its category's redact
	// threshold gets scrubbed, regardless of precedence.
	triggered := e.redactSet(findings, gate.Finding{Confidence: -1})
	if len(triggered) > 0 {
		top := e.dominant(triggered, sctx)
		res.Decision = gate.DecisionRedact
		res.Reason = gate.Reason(top.Category, top.Subtype)
		res.Triggered = triggered
	}
	return res
}

// redactSet collects findings at or above their category's redact threshold,
// plus the extra finding when it has a real confidence, sorted by span.
func (e *Engine) redactSet(findings []gate.Finding, extra gate.Finding) []gate.Finding {
	var out []gate.Finding
	seen := false
	for _, f := range findings {
		pol := e.cfg.Policy(string(f.Category))
		if f.Confidence >= pol.RedactThreshold {
			out = append(out, f)
			if f == extra {
				seen = true
			}
		}
	}
	if extra.Confidence >= 0 && !seen {
		out = append(out, extra)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		return out[i].End < out[j].End
	})
	return out
}

// dominant picks the finding that drives the reason code on REDACT: the
// highest-precedence category present, then the strongest finding within it.
func (e *Engine) dominant(triggered []gate.Finding, sctx *gate.Snapshot) gate.Finding {
	for _, name := range e.cfg.Precedence {
		cat := gate.Category(name)
		var group []gate.Finding
		for _, f := range triggered {
			if f.Category == cat {
				group = append(group, f)
			}
		}
		if len(group) > 0 {
			return strongest(group)
		}
	}
	return strongest(triggered)
}

func maxConfidence(group []gate.Finding) float64 {
	best := 0.0
	for _, f := range group {
		if f.Confidence > best {
			best = f.Confidence
		}
	}
	return best
}

func strongest(group []gate.Finding) gate.Finding {
	best := group[0]
	for _, f := range group[1:] {
		if f.Confidence > best.Confidence {
			best = f
		}
	}
	return best
}

func riskFor(sctx *gate.Snapshot, cat gate.Category) float64 {
	if sctx == nil {
		return 0
	}
	return sctx.RiskFor(cat)
}
