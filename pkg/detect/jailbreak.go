package detect

import (
	"context"
	"encoding/base64"
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/banyu-tech/bulwark/pkg/gate"
)

// Base64 blobs long enough to hide an instruction. Shorter runs are too
// common in ordinary text (hashes, ids) to act on.
var reBase64Blob = regexp.MustCompile(`[A-Za-z0-9+/]{40,}={0,2}`)

// Escalation phase markers for staged multi-turn attacks. Each phase alone
// is benign; seeing the sequence across a session's recent turns is not.
var escalationPhases = []struct {
	phase string
	re    *regexp.Regexp
}{
	{"setup", regexp.MustCompile(`(let'?s play a game|imagine a world|hypothetical(ly)? scenario|for a (novel|story|screenplay))`)},
	{"prime", regexp.MustCompile(`(no (rules|restrictions) apply|anything is (possible|allowed)|in this (world|scenario|game))`)},
	{"override", regexp.MustCompile(`(stay in character|don'?t break character|remember the (game|scenario)|as we agreed)`)},
	{"exploit", regexp.MustCompile(`(now tell me|now explain|now describe|with that in mind)`)},
}

// JailbreakDetector finds prompt-injection and jailbreak attempts with
// layered heuristics: pattern families over normalized text, encoded-payload
// inspection, and staged multi-turn escalation over the session window.
// Confidence on pattern hits is boosted by accumulated session jailbreak
// risk, so an attacker probing with borderline phrasings crosses the block
// threshold within a few turns even though each phrasing alone would not.
type JailbreakDetector struct {
	patterns []jbPattern
}

// JailbreakOption configures the jailbreak detector.
type JailbreakOption func(*JailbreakDetector)

// WithSeedPatterns appends externally loaded patterns to the built-in set.
func WithSeedPatterns(seeds []jbPattern) JailbreakOption {
	return func(d *JailbreakDetector) {
		d.patterns = append(d.patterns, seeds...)
	}
}

// NewJailbreakDetector creates the heuristic jailbreak detector.
func NewJailbreakDetector(opts ...JailbreakOption) *JailbreakDetector {
	d := &JailbreakDetector{patterns: jailbreakPatterns}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *JailbreakDetector) ID() string              { return "jailbreak.heuristic" }
func (d *JailbreakDetector) Category() gate.Category { return gate.CategoryJailbreak }

// Detect runs all heuristic layers. Spans reference the original text even
// when the match happened on the folded view.
func (d *JailbreakDetector) Detect(_ context.Context, msg gate.Message, sctx *gate.Snapshot) ([]gate.Finding, error) {
	if msg.Text == "" {
		return nil, nil
	}

	folded := Fold(msg.Text)
	risk := 0.0
	if sctx != nil {
		risk = sctx.RiskFor(gate.CategoryJailbreak)
	}

	var findings []gate.Finding
	for _, p := range d.patterns {
		loc := p.re.FindStringIndex(folded.Text)
		if loc == nil {
			continue
		}
		start, end := folded.OrigSpan(loc[0], loc[1])
		findings = append(findings, gate.Finding{
			Category:   gate.CategoryJailbreak,
			Subtype:    p.subtype,
			Start:      start,
			End:        end,
			Confidence: boostConfidence(p.confidence, risk),
			DetectorID: d.ID(),
		})
	}

	findings = append(findings, d.scanEncoded(msg.Text, risk)...)

	if f, ok := d.detectEscalation(folded, sctx); ok {
		f.Confidence = boostConfidence(f.Confidence, risk)
		f.DetectorID = d.ID()
		findings = append(findings, f)
	}

	return dedupeOverlaps(findings), nil
}

// boostConfidence raises a base confidence toward 1.0 in proportion to
// accumulated session risk. A clean session leaves confidence untouched.
func boostConfidence(base, risk float64) float64 {
	if risk <= 0 {
		return base
	}
	if risk > 1 {
		risk = 1
	}
	boosted := base + (1-base)*0.5*risk
	if boosted > 0.99 {
		boosted = 0.99
	}
	return boosted
}

// scanEncoded inspects base64-looking blobs. A blob that decodes to text
// containing a jailbreak pattern is a smuggled instruction; a long
// high-entropy blob that resists decoding still gets a low-confidence flag.
func (d *JailbreakDetector) scanEncoded(text string, risk float64) []gate.Finding {
	var findings []gate.Finding
	for _, loc := range reBase64Blob.FindAllStringIndex(text, -1) {
		blob := text[loc[0]:loc[1]]

		if decoded, err := base64.StdEncoding.DecodeString(pad4(blob)); err == nil && utf8.Valid(decoded) {
			inner := Fold(string(decoded))
			for _, p := range d.patterns {
				if p.re.MatchString(inner.Text) {
					findings = append(findings, gate.Finding{
						Category:   gate.CategoryJailbreak,
						Subtype:    gate.SubtypeEncodingSmuggling,
						Start:      loc[0],
						End:        loc[1],
						Confidence: boostConfidence(0.90, risk),
						DetectorID: d.ID(),
					})
					break
				}
			}
			continue
		}

		if len(blob) > 50 && shannonEntropy(blob) > 5.8 {
			findings = append(findings, gate.Finding{
				Category:   gate.CategoryJailbreak,
				Subtype:    gate.SubtypeEncodingSmuggling,
				Start:      loc[0],
				End:        loc[1],
				Confidence: boostConfidence(0.60, risk),
				DetectorID: d.ID(),
			})
		}
	}
	return findings
}

// pad4 pads a base64 string to a multiple of 4 so truncated blobs still
// decode.
func pad4(s string) string {
	if m := len(s) % 4; m != 0 {
		return s + strings.Repeat("=", 4-m)
	}
	return s
}

// shannonEntropy returns bits per byte over the string's byte distribution.
func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	var counts [256]int
	for i := 0; i < len(s); i++ {
		counts[s[i]]++
	}
	total := float64(len(s))
	entropy := 0.0
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// detectEscalation looks for staged multi-turn attacks: the session's recent
// user turns establish a fictional frame (setup, prime), the current message
// reinforces it or cashes it in (override, exploit). Requires at least two
// distinct earlier phases plus a phase hit in the current message.
func (d *JailbreakDetector) detectEscalation(folded *Folded, sctx *gate.Snapshot) (gate.Finding, bool) {
	if sctx == nil || len(sctx.Turns) == 0 {
		return gate.Finding{}, false
	}

	currentPhase := ""
	var loc []int
	for _, ph := range escalationPhases {
		if l := ph.re.FindStringIndex(folded.Text); l != nil {
			currentPhase = ph.phase
			loc = l
			break
		}
	}
	if currentPhase == "" {
		return gate.Finding{}, false
	}

	seen := map[string]bool{}
	for _, turn := range sctx.Turns {
		if turn.Role != gate.RoleUser {
			continue
		}
		excerpt := strings.ToLower(turn.Excerpt)
		for _, ph := range escalationPhases {
			if ph.phase != currentPhase && ph.re.MatchString(excerpt) {
				seen[ph.phase] = true
			}
		}
	}
	if len(seen) < 2 {
		return gate.Finding{}, false
	}

	start, end := folded.OrigSpan(loc[0], loc[1])
	conf := 0.60 + 0.10*float64(len(seen))
	if conf > 0.85 {
		conf = 0.85
	}
	return gate.Finding{
		Category:   gate.CategoryJailbreak,
		Subtype:    gate.SubtypeMultiTurnEscalation,
		Start:      start,
		End:        end,
		Confidence: conf,
	}, true
}

// dedupeOverlaps keeps the highest-confidence finding among overlapping
// spans from this detector, so one phrase matching several patterns emits a
// single Finding.
func dedupeOverlaps(findings []gate.Finding) []gate.Finding {
	if len(findings) < 2 {
		return findings
	}
	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Start != findings[j].Start {
			return findings[i].Start < findings[j].Start
		}
		return findings[i].Confidence > findings[j].Confidence
	})
	out := findings[:1]
	for _, f := range findings[1:] {
		last := &out[len(out)-1]
		if f.Start < last.End {
			if f.Confidence > last.Confidence {
				last.Subtype = f.Subtype
				last.Confidence = f.Confidence
			}
			if f.End > last.End {
				last.End = f.End
			}
			continue
		}
		out = append(out, f)
	}
	return out
}
