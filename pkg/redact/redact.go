// Package redact rewrites text by replacing finding spans with placeholders.
package redact

import (
	"sort"
	"strings"

	"github.com/banyu-tech/bulwark/pkg/gate"
)

// Style selects the replacement form.
type Style string

const (
	// StylePlaceholder substitutes a labeled token like [REDACTED:SSN].
	StylePlaceholder Style = "placeholder"

	// StyleMask substitutes a fixed-length asterisk run, hiding even the
	// subtype of what was removed.
	StyleMask Style = "mask"
)

// Redactor applies finding spans to text.
type Redactor struct {
	style      Style
	maskLength int
}

// New creates a redactor. maskLength only applies to StyleMask.
func New(style Style, maskLength int) *Redactor {
	if maskLength <= 0 {
		maskLength = 8
	}
	return &Redactor{style: style, maskLength: maskLength}
}

// Apply replaces each finding span in text. Overlapping or adjacent spans are
// merged first so nested findings cannot double-replace or leave fragments;
// a merged span is labeled with the subtype of its highest-confidence
// member. Spans outside the text bounds are clamped rather than rejected.
func (r *Redactor) Apply(text string, findings []gate.Finding) string {
	spans := mergeSpans(text, findings)
	if len(spans) == 0 {
		return text
	}

	var b strings.Builder
	b.Grow(len(text))
	prev := 0
	for _, sp := range spans {
		b.WriteString(text[prev:sp.start])
		b.WriteString(r.replacement(sp.subtype))
		prev = sp.end
	}
	b.WriteString(text[prev:])
	return b.String()
}

func (r *Redactor) replacement(subtype string) string {
	if r.style == StyleMask {
		return strings.Repeat("*", r.maskLength)
	}
	return "[REDACTED:" + subtype + "]"
}

type span struct {
	start, end int
	subtype    string
	confidence float64
}

// mergeSpans clamps, sorts and merges the finding spans. Adjacent spans
// (end == next start) merge too, so back-to-back entities collapse into one
// placeholder instead of producing two touching ones.
func mergeSpans(text string, findings []gate.Finding) []span {
	var spans []span
	for _, f := range findings {
		s, e := f.Start, f.End
		if s < 0 {
			s = 0
		}
		if e > len(text) {
			e = len(text)
		}
		if s >= e {
			continue
		}
		spans = append(spans, span{start: s, end: e, subtype: f.Subtype, confidence: f.Confidence})
	}
	if len(spans) < 2 {
		return spans
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	merged := spans[:1]
	for _, sp := range spans[1:] {
		last := &merged[len(merged)-1]
		if sp.start <= last.end {
			if sp.end > last.end {
				last.end = sp.end
			}
			if sp.confidence > last.confidence {
				last.subtype = sp.subtype
				last.confidence = sp.confidence
			}
			continue
		}
		merged = append(merged, sp)
	}
	return merged
}
