// Package pipeline orchestrates one turn: load session context, fan out
// detectors, decide, redact, update context, audit.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/banyu-tech/bulwark/pkg/audit"
	"github.com/banyu-tech/bulwark/pkg/config"
	"github.com/banyu-tech/bulwark/pkg/gate"
	"github.com/banyu-tech/bulwark/pkg/policy"
	"github.com/banyu-tech/bulwark/pkg/redact"
	"github.com/banyu-tech/bulwark/pkg/session"
)

// ReasonJailbreakTimeout is the block reason when the jailbreak detector
// times out and the fail mode is block.
const ReasonJailbreakTimeout = "JAILBREAK_DETECTOR_TIMEOUT"

// Pipeline evaluates messages. Safe for concurrent use; turns within one
// session are serialized in acceptance order, turns across sessions run
// fully concurrent.
type Pipeline struct {
	cfg       *config.Config
	store     session.Store
	locks     *session.Locks
	engine    *policy.Engine
	redactor  *redact.Redactor
	detectors []gate.Detector
	sink      audit.Sink
}

// New assembles a pipeline. sink may be nil to disable auditing.
func New(cfg *config.Config, store session.Store, detectors []gate.Detector, sink audit.Sink) *Pipeline {
	p := &Pipeline{
		cfg:       cfg,
		store:     store,
		locks:     session.NewLocks(),
		engine:    policy.NewEngine(cfg),
		redactor:  redact.New(redact.Style(cfg.RedactionStyle), cfg.MaskLength),
		detectors: detectors,
		sink:      sink,
	}
	// The in-memory sweeper must not evict a session while one of its turns
	// holds the session lock mid-evaluation.
	if ms, ok := store.(*session.MemoryStore); ok {
		ms.SetEvictionGuard(p.locks.Held)
	}
	return p
}

// detectorResult is one detector's outcome from the fan-out.
type detectorResult struct {
	detector gate.Detector
	findings []gate.Finding
	err      error
}

// Evaluate runs the full turn. The returned verdict always carries an
// output text: the original on ALLOW, the scrubbed text on REDACT, the
// configured refusal marker on BLOCK.
//
// A session store failure fails the whole call rather than degrading:
// evaluating without context would silently weaken cross-turn detection.
func (p *Pipeline) Evaluate(ctx context.Context, msg gate.Message) (gate.Verdict, error) {
	started := time.Now()

	if len(msg.Text) > p.cfg.MaxInputBytes {
		return gate.Verdict{}, fmt.Errorf("%w: %d bytes exceeds limit %d",
			gate.ErrInputTooLarge, len(msg.Text), p.cfg.MaxInputBytes)
	}
	if msg.SessionID == "" {
		return gate.Verdict{}, errors.New("session id required")
	}

	// Turns in one session observe and update context in acceptance order.
	release := p.locks.Acquire(msg.SessionID)
	defer release()

	snap, err := p.store.Snapshot(ctx, msg.SessionID)
	if err != nil {
		return gate.Verdict{}, fmt.Errorf("load session context: %w", err)
	}
	msg.TurnIndex = snap.TurnCount

	findings, degraded, jailbreakTimedOut := p.runDetectors(ctx, msg, snap)

	var verdict gate.Verdict
	if jailbreakTimedOut && p.cfg.JailbreakFailMode == config.FailModeBlock {
		verdict = gate.Verdict{
			Decision:   gate.DecisionBlock,
			OutputText: p.cfg.RefusalMarker,
			ReasonCode: ReasonJailbreakTimeout,
			Degraded:   degraded,
		}
	} else {
		verdict = p.decide(msg, findings, snap, degraded)
	}

	// Finish the context update even when the caller has gone away, so
	// session risk reflects every accepted turn.
	updateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.store.Update(updateCtx, msg.SessionID, p.buildUpdate(msg, verdict, findings)); err != nil {
		return gate.Verdict{}, fmt.Errorf("update session context: %w", err)
	}

	p.emitAudit(updateCtx, msg, verdict, time.Since(started))
	return verdict, nil
}

// runDetectors fans out all detectors concurrently against the same
// immutable message and snapshot, joining before aggregation. Each call gets
// its own timeout; a panicking detector is isolated and treated as degraded.
func (p *Pipeline) runDetectors(ctx context.Context, msg gate.Message, snap *gate.Snapshot) (findings []gate.Finding, degraded []string, jailbreakTimedOut bool) {
	timeout := p.cfg.DetectorTimeout.Std()
	results := make(chan detectorResult, len(p.detectors))

	for _, d := range p.detectors {
		go func(d gate.Detector) {
			callCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			res := detectorResult{detector: d}
			func() {
				defer func() {
					if r := recover(); r != nil {
						res.err = fmt.Errorf("detector %s panicked: %v", d.ID(), r)
					}
				}()
				res.findings, res.err = d.Detect(callCtx, msg, snap)
				if res.err == nil && callCtx.Err() != nil {
					res.err = callCtx.Err()
				}
			}()
			results <- res
		}(d)
	}

	for range p.detectors {
		res := <-results
		if res.err != nil {
			log.Printf("[WARN] detector %s degraded: %v", res.detector.ID(), res.err)
			degraded = append(degraded, res.detector.ID())
			if res.detector.Category() == gate.CategoryJailbreak && errors.Is(res.err, context.DeadlineExceeded) {
				jailbreakTimedOut = true
			}
			continue
		}
		for _, f := range res.findings {
			if err := f.Validate(len(msg.Text)); err != nil {
				log.Printf("[WARN] detector %s emitted invalid finding: %v", res.detector.ID(), err)
				continue
			}
			findings = append(findings, f)
		}
	}
	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Start != findings[j].Start {
			return findings[i].Start < findings[j].Start
		}
		return findings[i].End < findings[j].End
	})
	sort.Strings(degraded)
	return findings, degraded, jailbreakTimedOut
}

// decide applies policy and produces the output text.
func (p *Pipeline) decide(msg gate.Message, findings []gate.Finding, snap *gate.Snapshot, degraded []string) gate.Verdict {
	res := p.engine.Resolve(findings, snap)

	v := gate.Verdict{
		Decision:          res.Decision,
		ReasonCode:        res.Reason,
		TriggeredFindings: res.Triggered,
		Degraded:          degraded,
	}
	switch res.Decision {
	case gate.DecisionBlock:
		v.OutputText = p.cfg.RefusalMarker
	case gate.DecisionRedact:
		v.OutputText = p.redactor.Apply(msg.Text, res.Triggered)
	default:
		v.OutputText = msg.Text
	}
	if len(degraded) > 0 {
		v.ReasonCode += "_DEGRADED"
	}
	return v
}

// buildUpdate derives the session delta from the verdict. Risk accumulates
// from every finding, including sub-threshold ones, so repeated borderline
// probing raises the session's risk even while individual turns pass. The
// stored excerpt is the redacted output on REDACT so scrubbed values never
// land in the store; blocked and allowed turns keep the original text, which
// later multi-turn detection needs.
func (p *Pipeline) buildUpdate(msg gate.Message, v gate.Verdict, findings []gate.Finding) session.Update {
	excerpt := msg.Text
	if v.Decision == gate.DecisionRedact {
		excerpt = v.OutputText
	}

	up := session.Update{
		Turn: gate.TurnSummary{
			TurnIndex: msg.TurnIndex,
			Role:      msg.Role,
			Excerpt:   excerpt,
			Decision:  v.Decision,
		},
		RiskAdd: make(map[gate.Category]float64),
	}
	for _, f := range findings {
		if add := 0.5 * f.Confidence; add > up.RiskAdd[f.Category] {
			up.RiskAdd[f.Category] = add
		}
		if f.Confidence > up.Turn.RiskScore {
			up.Turn.RiskScore = f.Confidence
		}
	}
	for _, f := range v.TriggeredFindings {
		if f.Category == gate.CategoryPII && f.Start < f.End && f.End <= len(msg.Text) {
			up.Entities = append(up.Entities, gate.SeenEntity{
				Subtype: f.Subtype,
				Text:    msg.Text[f.Start:f.End],
			})
		}
	}
	return up
}

func (p *Pipeline) emitAudit(ctx context.Context, msg gate.Message, v gate.Verdict, dur time.Duration) {
	if p.sink == nil {
		return
	}
	if err := p.sink.Emit(ctx, audit.NewEvent(msg, v, dur)); err != nil {
		log.Printf("[WARN] audit emit failed: %v", err)
	}
}

// CloseSession discards a session's context ahead of its idle eviction.
func (p *Pipeline) CloseSession(ctx context.Context, sessionID string) error {
	release := p.locks.Acquire(sessionID)
	defer release()
	return p.store.CloseSession(ctx, sessionID)
}
