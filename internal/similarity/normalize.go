package similarity

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// Normalizer canonicalizes text before it is compared. NFC composition is
// always applied so that canonically equivalent input compares equal.
// The zero value applies NFC only.
type Normalizer struct {
	FoldWidth        bool
	FoldCase         bool
	StripSpace       bool
	StripPunctuation bool
}

// SpeechNormalizer folds the differences speech services commonly introduce:
// full-width/half-width forms, letter case, spacing and sentence punctuation.
func SpeechNormalizer() Normalizer {
	return Normalizer{FoldWidth: true, FoldCase: true, StripSpace: true, StripPunctuation: true}
}

func (n Normalizer) Normalize(s string) string {
	if s == "" {
		return s
	}
	if n.FoldWidth {
		s = width.Fold.String(s)
	}
	if n.FoldCase {
		// Casers carry state; one per call.
		s = cases.Fold().String(s)
	}
	// Width folding can leave half-width voicing marks as combining
	// characters; compose after folding.
	s = norm.NFC.String(s)
	if n.StripSpace || n.StripPunctuation {
		s = strings.Map(func(r rune) rune {
			if n.StripSpace && unicode.IsSpace(r) {
				return -1
			}
			if n.StripPunctuation && unicode.IsPunct(r) {
				return -1
			}
			return r
		}, s)
	}
	return s
}
