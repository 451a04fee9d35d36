package correlator

import (
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// maxFuzzyRunes bounds the inputs handed to the diff engine. Longer payloads
// (typically base64 images) only match exactly.
const maxFuzzyRunes = 4096

// Similarity returns 1 - levenshtein(a, b) / max(len(a), len(b)) over runes.
// Two empty strings are identical.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	lengthA := utf8.RuneCountInString(a)
	lengthB := utf8.RuneCountInString(b)
	longest := lengthA
	if lengthB > longest {
		longest = lengthB
	}
	if longest == 0 {
		return 1
	}

	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	diffs := dmp.DiffMain(a, b, false)
	distance := dmp.DiffLevenshtein(diffs)
	return 1 - float64(distance)/float64(longest)
}

// similarityAtLeast reports whether a and b reach threshold, skipping the diff
// when the length difference alone rules a match out.
func similarityAtLeast(a, b string, threshold float64) (float64, bool) {
	lengthA := utf8.RuneCountInString(a)
	lengthB := utf8.RuneCountInString(b)
	if lengthA > maxFuzzyRunes || lengthB > maxFuzzyRunes {
		if a == b {
			return 1, true
		}
		return 0, false
	}
	longest, shortest := lengthA, lengthB
	if shortest > longest {
		longest, shortest = shortest, longest
	}
	if longest > 0 && 1-float64(longest-shortest)/float64(longest) < threshold {
		return 0, false
	}
	score := Similarity(a, b)
	return score, score >= threshold
}
