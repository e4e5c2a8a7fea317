// Package detect implements the built-in risk detectors: PII, toxicity and
// jailbreak, plus the optional semantic, ONNX and guard-model detectors.
//
// All detectors report spans as byte offsets into the original text.
// Detectors that score a normalized view of the text carry a fold map so the
// returned spans always point back at the un-normalized input.
package detect

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// leetRunes are digits and symbols commonly substituted for letters.
var leetRunes = map[rune]rune{
	'1': 'i',
	'3': 'e',
	'0': 'o',
	'4': 'a',
	'@': 'a',
	'$': 's',
}

// containsLeetspeak reports whether text contains letter-digit-letter
// sequences like "1gn0r3", as opposed to incidental numbers such as
// measurements. Leet folding only runs when this is true, which keeps
// "2 1/4 cups" from turning into gibberish.
func containsLeetspeak(text string) bool {
	runes := []rune(text)
	for i := 1; i < len(runes)-1; i++ {
		curr, prev, next := runes[i], runes[i-1], runes[i+1]
		if _, isLeet := leetRunes[curr]; !isLeet {
			continue
		}
		prevOK := unicode.IsLetter(prev) || leetRunes[prev] != 0
		nextOK := unicode.IsLetter(next) || leetRunes[next] != 0
		if prevOK && nextOK {
			return true
		}
	}
	return false
}

// Folded is a normalized view of a text together with a byte-offset map back
// to the original. Normalization applies NFKC (folds homoglyphs and
// fullwidth forms), drops invisible format characters (zero-width joiners,
// bidi overrides), lowercases, and folds common digit-for-letter
// substitutions (only when the text actually contains leetspeak).
type Folded struct {
	Text string

	// toOrig[i] is the byte offset in the original text of the folded byte
	// at index i; toOrig[len(Text)] == len(original).
	toOrig []int
}

// Fold normalizes text for pattern matching while preserving offsets.
func Fold(original string) *Folded {
	leet := containsLeetspeak(original)

	var b strings.Builder
	b.Grow(len(original))
	toOrig := make([]int, 0, len(original)+1)

	for i, r := range original {
		// Drop invisible format characters used for smuggling.
		if unicode.Is(unicode.Cf, r) {
			continue
		}
		for _, rr := range norm.NFKC.String(string(r)) {
			rr = unicode.ToLower(rr)
			if leet {
				if sub, ok := leetRunes[rr]; ok {
					rr = sub
				}
			}
			n := b.Len()
			b.WriteRune(rr)
			for j := n; j < b.Len(); j++ {
				toOrig = append(toOrig, i)
			}
		}
	}
	toOrig = append(toOrig, len(original))

	return &Folded{Text: b.String(), toOrig: toOrig}
}

// OrigSpan maps a half-open byte span in the folded text back to the
// corresponding span in the original text.
func (f *Folded) OrigSpan(start, end int) (int, int) {
	if start < 0 {
		start = 0
	}
	if end > len(f.Text) {
		end = len(f.Text)
	}
	if start >= end {
		return 0, 0
	}
	origStart := f.toOrig[start]
	// End offset: step to the original offset one past the last folded byte.
	origEnd := f.toOrig[end]
	if origEnd <= origStart {
		origEnd = origStart + 1
	}
	return origStart, origEnd
}

// Compressed returns the folded text with all whitespace removed. Used to
// catch spaced-out obfuscation ("k i l l  y o u") where span precision
// beyond the enclosing sentence is not required.
func (f *Folded) Compressed() string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, f.Text)
}
