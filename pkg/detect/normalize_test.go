package detect

import "testing"

func TestFoldLowercases(t *testing.T) {
	f := Fold("IGNORE Previous")
	if f.Text != "ignore previous" {
		t.Errorf("Fold() = %q, want %q", f.Text, "ignore previous")
	}
}

func TestFoldHomoglyphs(t *testing.T) {
	// Fullwidth forms normalize to ASCII under NFKC.
	f := Fold("Ｉｇｎｏｒｅ")
	if f.Text != "ignore" {
		t.Errorf("Fold() = %q, want %q", f.Text, "ignore")
	}
	// Each fullwidth rune is 3 bytes in the original.
	start, end := f.OrigSpan(0, 2)
	if start != 0 || end != 6 {
		t.Errorf("OrigSpan(0,2) = (%d,%d), want (0,6)", start, end)
	}
}

func TestFoldDropsFormatRunes(t *testing.T) {
	// Zero-width space between letters must not break pattern matching.
	f := Fold("ig​nore")
	if f.Text != "ignore" {
		t.Errorf("Fold() = %q, want %q", f.Text, "ignore")
	}
}

func TestFoldLeetspeak(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"leet word", "1gn0r3 this", "ignore this"},
		{"measurements untouched", "add 2 1/4 cups", "add 2 1/4 cups"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Fold(tt.input).Text; got != tt.want {
				t.Errorf("Fold(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestOrigSpanRoundTrip(t *testing.T) {
	original := "Please IGNORE this"
	f := Fold(original)
	// "ignore" in folded text is at the same byte offsets for pure ASCII.
	start, end := f.OrigSpan(7, 13)
	if original[start:end] != "IGNORE" {
		t.Errorf("OrigSpan mapped to %q, want %q", original[start:end], "IGNORE")
	}
}

func TestCompressed(t *testing.T) {
	f := Fold("k i l l  y o u")
	if got := f.Compressed(); got != "killyou" {
		t.Errorf("Compressed() = %q, want %q", got, "killyou")
	}
}
