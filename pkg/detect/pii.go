package detect

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/banyu-tech/bulwark/pkg/gate"
)

// Pre-compiled PII patterns. Compiled once at package init; order is not
// significant because matches are merged per subtype before emission.
var (
	reSSN        = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	reEmail      = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	rePhone      = regexp.MustCompile(`\b(?:\+?1[-. ]?)?\(?\d{3}\)?[-. ]?\d{3}[-. ]?\d{4}\b`)
	reCreditCard = regexp.MustCompile(`\b(?:\d{4}[- ]?){3}\d{4}\b`)
	// IPv4 with octet validation (0-255), not just any dotted quad.
	reIPv4 = regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|1[0-9]{2}|[1-9]?[0-9])\.){3}(?:25[0-5]|2[0-4][0-9]|1[0-9]{2}|[1-9]?[0-9])\b`)
	// Version strings like "v1.2.3.4" look like IPs; suppress those.
	reVersionContext = regexp.MustCompile(`(?i)(^|[^0-9])(v|ver\.?|version|release|build)[\s\-_]?\d+\.\d+\.\d+\.\d+`)

	// Credential material. High confidence: these formats are checksummed
	// or highly specific prefixes.
	reAWSKey     = regexp.MustCompile(`AKIA[0-9A-Z]{16}`)
	reOpenAIKey  = regexp.MustCompile(`sk-(proj-)?[a-zA-Z0-9]{20,}`)
	reStripeKey  = regexp.MustCompile(`(sk|rk)_live_[a-zA-Z0-9]{20,}`)
	reGitHubTok  = regexp.MustCompile(`(ghp|gho|ghu|ghs|ghr)_[a-zA-Z0-9]{36,}`)
	rePrivateKey = regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`)
	reJWT        = regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`)
	reDBConnStr  = regexp.MustCompile(`(postgresql|postgres|mysql|mongodb|redis|amqp)://[^\s"']+`)
)

// piiPattern binds a regex to a subtype and a confidence. An optional
// validate hook can reject a raw match or adjust its confidence (checksum
// checks score near 1.0, loose heuristics lower).
type piiPattern struct {
	subtype    string
	re         *regexp.Regexp
	confidence float64
	validate   func(match string) (bool, float64)
}

var piiPatterns = []piiPattern{
	{gate.SubtypeSSN, reSSN, 0.92, validateSSN},
	{gate.SubtypeEmail, reEmail, 0.90, nil},
	{gate.SubtypePhone, rePhone, 0.55, nil},
	{gate.SubtypeCreditCard, reCreditCard, 0.40, validateLuhn},
	{gate.SubtypeIPAddress, reIPv4, 0.70, nil},
	{gate.SubtypeAPIKey, reAWSKey, 0.98, nil},
	{gate.SubtypeAPIKey, reOpenAIKey, 0.95, nil},
	{gate.SubtypeAPIKey, reStripeKey, 0.98, nil},
	{gate.SubtypeAPIKey, reGitHubTok, 0.98, nil},
	{gate.SubtypePrivateKey, rePrivateKey, 0.99, nil},
	{gate.SubtypeJWT, reJWT, 0.90, nil},
	{gate.SubtypeDBURI, reDBConnStr, 0.90, nil},
}

// validateSSN applies SSA structural rules: area not 000/666/9xx, group not
// 00, serial not 0000. Structurally invalid numbers keep a low confidence
// instead of being dropped, since they still look sensitive in context.
func validateSSN(match string) (bool, float64) {
	area, group, serial := match[0:3], match[4:6], match[7:11]
	if area == "000" || area == "666" || area[0] == '9' {
		return true, 0.40
	}
	if group == "00" || serial == "0000" {
		return true, 0.40
	}
	return true, 0.92
}

// validateLuhn keeps card-number matches only when the Luhn checksum holds.
func validateLuhn(match string) (bool, float64) {
	var digits []int
	for _, r := range match {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	sum, double := 0, false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	if sum%10 != 0 {
		return false, 0
	}
	return true, 0.97
}

// PIIDetector finds personally identifiable information and credential
// material with a regex entity table. One Finding per distinct entity
// instance: overlapping matches of the same subtype are merged, while
// different subtypes at overlapping spans each produce their own Finding
// (the policy layer resolves precedence).
type PIIDetector struct{}

// NewPIIDetector creates the built-in PII detector.
func NewPIIDetector() *PIIDetector { return &PIIDetector{} }

func (d *PIIDetector) ID() string              { return "pii.regex" }
func (d *PIIDetector) Category() gate.Category { return gate.CategoryPII }

// Detect scans the message for PII entities. Entities previously seen in the
// session (snapshot) are re-flagged verbatim so repeated PII redacts
// consistently across turns even where the pattern alone scores low.
func (d *PIIDetector) Detect(_ context.Context, msg gate.Message, sctx *gate.Snapshot) ([]gate.Finding, error) {
	text := msg.Text
	if text == "" {
		return nil, nil
	}

	var findings []gate.Finding
	for _, p := range piiPatterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			match := text[loc[0]:loc[1]]
			conf := p.confidence
			if p.validate != nil {
				ok, c := p.validate(match)
				if !ok {
					continue
				}
				conf = c
			}
			if p.subtype == gate.SubtypeIPAddress && reVersionContext.MatchString(text) {
				continue
			}
			findings = append(findings, gate.Finding{
				Category:   gate.CategoryPII,
				Subtype:    p.subtype,
				Start:      loc[0],
				End:        loc[1],
				Confidence: conf,
				DetectorID: d.ID(),
			})
		}
	}

	// Re-flag entities already seen this session.
	if sctx != nil {
		for _, ent := range sctx.Entities {
			for idx := 0; idx < len(text); {
				rel := strings.Index(text[idx:], ent.Text)
				if rel < 0 {
					break
				}
				start := idx + rel
				findings = append(findings, gate.Finding{
					Category:   gate.CategoryPII,
					Subtype:    ent.Subtype,
					Start:      start,
					End:        start + len(ent.Text),
					Confidence: 0.90,
					DetectorID: d.ID(),
				})
				idx = start + len(ent.Text)
			}
		}
	}

	return mergePerSubtype(findings), nil
}

// mergePerSubtype merges overlapping or adjacent findings of the same
// subtype into one Finding spanning their union, keeping the highest
// confidence. Findings of different subtypes are left alone even when they
// overlap.
func mergePerSubtype(findings []gate.Finding) []gate.Finding {
	if len(findings) < 2 {
		return findings
	}
	bySubtype := make(map[string][]gate.Finding)
	for _, f := range findings {
		bySubtype[f.Subtype] = append(bySubtype[f.Subtype], f)
	}

	var out []gate.Finding
	for _, group := range bySubtype {
		sort.Slice(group, func(i, j int) bool { return group[i].Start < group[j].Start })
		merged := group[:1]
		for _, f := range group[1:] {
			last := &merged[len(merged)-1]
			if f.Start <= last.End {
				if f.End > last.End {
					last.End = f.End
				}
				if f.Confidence > last.Confidence {
					last.Confidence = f.Confidence
				}
				continue
			}
			merged = append(merged, f)
		}
		out = append(out, merged...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		return out[i].Subtype < out[j].Subtype
	})
	return out
}
