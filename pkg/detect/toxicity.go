package detect

import (
	"context"
	"strings"
	"unicode"

	"github.com/banyu-tech/bulwark/pkg/gate"
)

// toxicTerm is one lexicon entry. Terms are matched against the folded
// (normalized) sentence text, so leetspeak and homoglyph variants hit the
// same entries.
type toxicTerm struct {
	term    string
	subtype string
	weight  float64
}

// Lexicon weights. Phrases carry more weight than single words; threats
// outweigh insults. Matching is substring over the folded sentence, so
// entries are lowercase.
var toxicLexicon = []toxicTerm{
	// Threats
	{"i will kill you", gate.SubtypeThreat, 0.95},
	{"kill you", gate.SubtypeThreat, 0.85},
	{"i will hurt you", gate.SubtypeThreat, 0.90},
	{"hurt you", gate.SubtypeThreat, 0.70},
	{"beat you up", gate.SubtypeThreat, 0.85},
	{"i will find you", gate.SubtypeThreat, 0.65},
	{"you will regret", gate.SubtypeThreat, 0.60},
	{"burn your house", gate.SubtypeThreat, 0.92},

	// Insults
	{"idiot", gate.SubtypeInsult, 0.60},
	{"moron", gate.SubtypeInsult, 0.60},
	{"imbecile", gate.SubtypeInsult, 0.60},
	{"stupid", gate.SubtypeInsult, 0.50},
	{"pathetic loser", gate.SubtypeInsult, 0.70},
	{"loser", gate.SubtypeInsult, 0.45},
	{"worthless", gate.SubtypeInsult, 0.55},
	{"piece of garbage", gate.SubtypeInsult, 0.70},
	{"dumbass", gate.SubtypeInsult, 0.65},
	{"shut up", gate.SubtypeInsult, 0.40},

	// Hate / dehumanization
	{"subhuman", gate.SubtypeHate, 0.85},
	{"vermin", gate.SubtypeHate, 0.75},
	{"go back to your country", gate.SubtypeHate, 0.85},
	{"your kind doesn't belong", gate.SubtypeHate, 0.85},
	{"ethnic cleansing", gate.SubtypeHate, 0.90},

	// Sexual
	{"send nudes", gate.SubtypeSexual, 0.80},
	{"sexually explicit", gate.SubtypeSexual, 0.70},
	{"strip for me", gate.SubtypeSexual, 0.85},
}

// ToxicityDetector scores contiguous sentence spans against the lexicon.
// Text is normalized before scoring (leetspeak, homoglyphs, spaced-out
// characters) but the returned spans always reference the original text, so
// redaction stays correct on obfuscated input.
type ToxicityDetector struct{}

// NewToxicityDetector creates the built-in lexicon toxicity detector.
func NewToxicityDetector() *ToxicityDetector { return &ToxicityDetector{} }

func (d *ToxicityDetector) ID() string              { return "toxicity.lexicon" }
func (d *ToxicityDetector) Category() gate.Category { return gate.CategoryToxic }

// sentenceSpan is a byte range of one sentence in the original text.
type sentenceSpan struct {
	start, end int
}

// splitSentences returns trimmed sentence byte ranges, splitting on
// terminal punctuation and newlines.
func splitSentences(text string) []sentenceSpan {
	var spans []sentenceSpan
	start := 0
	flush := func(end int) {
		s, e := trimSpan(text, start, end)
		if s < e {
			spans = append(spans, sentenceSpan{s, e})
		}
	}
	for i, r := range text {
		switch r {
		case '.', '!', '?', '\n':
			flush(i + 1)
			start = i + 1
		}
	}
	flush(len(text))
	return spans
}

// trimSpan narrows [start,end) to exclude leading/trailing whitespace.
func trimSpan(text string, start, end int) (int, int) {
	for start < end {
		r := rune(text[start])
		if !unicode.IsSpace(r) {
			break
		}
		start++
	}
	for end > start {
		r := rune(text[end-1])
		if !unicode.IsSpace(r) {
			break
		}
		end--
	}
	return start, end
}

// Detect scores each sentence and reports one Finding per toxic sentence.
// Sentence spans from a single call never overlap.
func (d *ToxicityDetector) Detect(_ context.Context, msg gate.Message, _ *gate.Snapshot) ([]gate.Finding, error) {
	if msg.Text == "" {
		return nil, nil
	}

	var findings []gate.Finding
	for _, sp := range splitSentences(msg.Text) {
		folded := Fold(msg.Text[sp.start:sp.end])
		conf, subtype := scoreSentence(folded)
		if conf <= 0 {
			continue
		}
		findings = append(findings, gate.Finding{
			Category:   gate.CategoryToxic,
			Subtype:    subtype,
			Start:      sp.start,
			End:        sp.end,
			Confidence: conf,
			DetectorID: d.ID(),
		})
	}
	return findings, nil
}

// scoreSentence matches the lexicon against the folded sentence and its
// whitespace-compressed form (spaced-out obfuscation). Confidence is the
// strongest term hit, nudged up for each additional distinct hit.
func scoreSentence(folded *Folded) (float64, string) {
	compressed := folded.Compressed()

	best := 0.0
	subtype := ""
	hits := 0
	for _, t := range toxicLexicon {
		matched := strings.Contains(folded.Text, t.term)
		if !matched && !strings.Contains(t.term, " ") {
			matched = strings.Contains(compressed, t.term)
		} else if !matched {
			// Multi-word terms lose their spaces in the compressed form.
			matched = strings.Contains(compressed, strings.ReplaceAll(t.term, " ", ""))
		}
		if !matched {
			continue
		}
		hits++
		if t.weight > best {
			best = t.weight
			subtype = t.subtype
		}
	}
	if hits == 0 {
		return 0, ""
	}
	conf := best + 0.05*float64(hits-1)
	if conf > 0.98 {
		conf = 0.98
	}
	return conf, subtype
}
