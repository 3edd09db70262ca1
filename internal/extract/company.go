package extract

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// RuleCompanyMismatch names the exclusion of a listing whose advertiser is not
// the company that was searched for.
const RuleCompanyMismatch = "company_mismatch"

// Name matching defaults.
const (
	DefaultNameThreshold = 0.6
	// minContainedName is the shortest normalized name, in runes, that may
	// match by containment alone.
	minContainedName = 10
)

// DefaultNameStopWords carry no identity in public-sector advertiser names.
var DefaultNameStopWords = []string{
	"the", "of", "and", "for", "in", "victoria", "victorian", "department", "office",
}

var parenthetical = regexp.MustCompile(`\([^)]*\)`)

// NameMatcher decides whether a scraped advertiser is the expected company.
type NameMatcher interface {
	Match(scraped, expected string) bool
}

// NameMatcherFunc adapts a function to NameMatcher.
type NameMatcherFunc func(scraped, expected string) bool

// Match implements NameMatcher.
func (f NameMatcherFunc) Match(scraped, expected string) bool { return f(scraped, expected) }

// CompanyNameMatcher compares advertiser names loosely. Names match when they
// normalize to the same text, when one contains the other and the shorter is
// long enough to be specific, or when their word sets overlap by at least
// Threshold (Jaccard) once stop words are dropped.
type CompanyNameMatcher struct {
	threshold float64
	stopWords map[string]struct{}
}

// NewCompanyNameMatcher builds a matcher. A threshold outside (0, 1] falls
// back to DefaultNameThreshold and nil stopWords to DefaultNameStopWords.
func NewCompanyNameMatcher(threshold float64, stopWords []string) *CompanyNameMatcher {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultNameThreshold
	}
	if stopWords == nil {
		stopWords = DefaultNameStopWords
	}
	stop := make(map[string]struct{}, len(stopWords))
	for _, w := range stopWords {
		if f := Fold(w); f != "" {
			stop[f] = struct{}{}
		}
	}
	return &CompanyNameMatcher{threshold: threshold, stopWords: stop}
}

// Match implements NameMatcher.
func (m *CompanyNameMatcher) Match(scraped, expected string) bool {
	scraped = strings.TrimSpace(scraped)
	if scraped == "" || scraped == "N/A" {
		return false
	}
	a, b := NormalizeName(scraped), NormalizeName(expected)
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		if min(utf8.RuneCountInString(a), utf8.RuneCountInString(b)) >= minContainedName {
			return true
		}
	}

	have, want := m.words(a), m.words(b)
	if len(want) == 0 {
		return false
	}
	var shared int
	for w := range want {
		if _, ok := have[w]; ok {
			shared++
		}
	}
	union := len(have) + len(want) - shared
	return float64(shared)/float64(union) >= m.threshold
}

func (m *CompanyNameMatcher) words(name string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(name) {
		if _, stop := m.stopWords[w]; !stop {
			out[w] = struct{}{}
		}
	}
	return out
}

// NormalizeName folds name, drops parenthesized asides and punctuation, and
// collapses whitespace: "Dept. of Health (VIC)" becomes "dept of health".
func NormalizeName(name string) string {
	name = Fold(parenthetical.ReplaceAllString(name, ""))
	kept := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			return r
		case unicode.IsSpace(r):
			return ' '
		}
		return -1
	}, name)
	return strings.Join(strings.Fields(kept), " ")
}
