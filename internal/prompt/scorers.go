package prompt

import (
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Registry keys of the built-in scorers.
const (
	ExactMatchName = "exact_match"
	NumericName    = "numeric"
	FuzzyName      = "fuzzy"
)

// ExactMatchScorer passes when both strings are equal after trimming surrounding whitespace.
type ExactMatchScorer struct{}

func (ExactMatchScorer) Name() string { return ExactMatchName }

func (ExactMatchScorer) Score(gold, predicted string) bool {
	return strings.TrimSpace(gold) == strings.TrimSpace(predicted)
}

// NumericScorer passes when both values parse as numbers within tolerance:
// |a-b| <= max(RelTol*max(|a|,|b|), AbsTol).
type NumericScorer struct {
	RelTol float64
	AbsTol float64
}

// NewNumericScorer falls back to a relative tolerance of 1e-6 when both are zero.
func NewNumericScorer(relTol, absTol float64) *NumericScorer {
	if relTol <= 0 && absTol <= 0 {
		relTol = 1e-6
	}
	return &NumericScorer{RelTol: relTol, AbsTol: absTol}
}

func (s *NumericScorer) Name() string { return NumericName }

func (s *NumericScorer) Score(gold, predicted string) bool {
	a, err := ParseNumber(gold)
	if err != nil {
		return false
	}
	b, err := ParseNumber(predicted)
	if err != nil {
		return false
	}
	if a == b {
		return true
	}
	diff := math.Abs(a - b)
	return diff <= math.Max(s.RelTol*math.Max(math.Abs(a), math.Abs(b)), s.AbsTol)
}

// ParseNumber reads a number written with thousands separators or spaces.
func ParseNumber(s string) (float64, error) {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, " ", "")
	return strconv.ParseFloat(s, 64)
}

// FuzzyScorer passes when the normalized edit similarity reaches Threshold.
type FuzzyScorer struct {
	Threshold float64
}

func NewFuzzyScorer(threshold float64) *FuzzyScorer {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.9
	}
	return &FuzzyScorer{Threshold: threshold}
}

func (s *FuzzyScorer) Name() string { return FuzzyName }

func (s *FuzzyScorer) Score(gold, predicted string) bool {
	return Similarity(gold, predicted) >= s.Threshold
}

// Similarity is 1 - levenshtein/maxLen over case-folded, trimmed runes.
func Similarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == b {
		return 1.0
	}
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := max(la, lb)
	if longest == 0 {
		return 1.0
	}
	return 1.0 - float64(levenshtein([]rune(a), []rune(b)))/float64(longest)
}

func levenshtein(a, b []rune) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
