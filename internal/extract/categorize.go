package extract

import (
	"strings"
	"unicode/utf8"

	"github.com/dgallion1/deckgen/internal/domain"
)

// DefaultFallbackCategory is assigned when nothing scores above the threshold.
const DefaultFallbackCategory = "Uncategorized"

// Scoring weights. A term found in the question counts more than one found in
// the answer.
const (
	phraseQuestionWeight = 3.0
	phraseAnswerWeight   = 1.0
	wordQuestionWeight   = 1.5
	wordAnswerWeight     = 0.5
	rootQuestionWeight   = 1.0
	rootAnswerWeight     = 0.5

	minWordLen = 4
	minRootLen = 4
)

// Suffixes stripped to find a topic root, so "cardiology" also matches
// "myocardial". Longer suffixes come first.
var rootSuffixes = []string{"ology", "logy", "ical", "ics", "ism", "ist", "ic"}

type termWord struct {
	text string
	root string // empty when the word has no usable root
}

type term struct {
	text  string
	words []termWord
}

type scoredCategory struct {
	name  string
	terms []term
}

// Matcher assigns candidates to caller-supplied categories by weighted
// keyword overlap. It is immutable after construction and safe for
// concurrent use.
type Matcher struct {
	categories []scoredCategory
	threshold  float64
	fallback   string
}

// NewMatcher prepares the category list. Each comma-separated part of a
// category name is a separate term, and keyword hints are added as terms of
// their own. An empty fallback selects DefaultFallbackCategory.
func NewMatcher(categories []domain.Category, threshold float64, fallback string) *Matcher {
	if fallback == "" {
		fallback = DefaultFallbackCategory
	}
	m := &Matcher{threshold: threshold, fallback: fallback}
	for _, c := range categories {
		sc := scoredCategory{name: c.Name}
		sources := append(strings.Split(c.Name, ","), c.KeywordHints...)
		for _, src := range sources {
			if t, ok := newTerm(src); ok {
				sc.terms = append(sc.terms, t)
			}
		}
		m.categories = append(m.categories, sc)
	}
	return m
}

func newTerm(s string) (term, bool) {
	text := strings.ToLower(strings.TrimSpace(s))
	if text == "" {
		return term{}, false
	}
	t := term{text: text}
	for _, w := range strings.Fields(text) {
		if utf8.RuneCountInString(w) < minWordLen {
			continue
		}
		t.words = append(t.words, termWord{text: w, root: stemRoot(w)})
	}
	return t, true
}

func stemRoot(w string) string {
	for _, suf := range rootSuffixes {
		if !strings.HasSuffix(w, suf) {
			continue
		}
		root := strings.TrimSuffix(w, suf)
		if utf8.RuneCountInString(root) >= minRootLen {
			return root
		}
		return ""
	}
	return ""
}

// score rates lowercased question and answer text against the term. A whole
// phrase match wins outright; otherwise each word scores on its own, falling
// back to its root.
func (t term) score(q, a string) float64 {
	n := float64(utf8.RuneCountInString(t.text))
	switch {
	case strings.Contains(q, t.text):
		return n * phraseQuestionWeight
	case strings.Contains(a, t.text):
		return n * phraseAnswerWeight
	}

	var s float64
	for _, w := range t.words {
		wl := float64(utf8.RuneCountInString(w.text))
		switch {
		case strings.Contains(q, w.text):
			s += wl * wordQuestionWeight
		case strings.Contains(a, w.text):
			s += wl * wordAnswerWeight
		case w.root == "":
		case strings.Contains(q, w.root):
			s += float64(utf8.RuneCountInString(w.root)) * rootQuestionWeight
		case strings.Contains(a, w.root):
			s += float64(utf8.RuneCountInString(w.root)) * rootAnswerWeight
		}
	}
	return s
}

// Score returns the candidate's score against every category, in list order.
func (m *Matcher) Score(c domain.Candidate) []float64 {
	q := strings.ToLower(c.Question)
	a := strings.ToLower(c.Answer)
	scores := make([]float64, len(m.categories))
	for i, cat := range m.categories {
		for _, t := range cat.terms {
			scores[i] += t.score(q, a)
		}
	}
	return scores
}

// Assign sets c.Category. The highest-scoring category wins, with ties going
// to the earlier entry. When the best score does not clear the threshold the
// model's own suggestion is used if it names a known category, and the
// fallback otherwise.
func (m *Matcher) Assign(c domain.Candidate) domain.Candidate {
	c, _ = m.Match(c)
	return c
}

// Match is Assign that also returns the content score behind the choice. The
// score is zero when the category came from the suggestion or the fallback.
func (m *Matcher) Match(c domain.Candidate) (domain.Candidate, float64) {
	if len(m.categories) == 0 {
		return m.AssignSuggested(c), 0
	}

	best, bestScore := -1, 0.0
	for i, s := range m.Score(c) {
		if best < 0 || s > bestScore {
			best, bestScore = i, s
		}
	}
	if bestScore > m.threshold {
		c.Category = m.categories[best].name
		return c, bestScore
	}
	return m.AssignSuggested(c), 0
}

// AssignSuggested sets c.Category from the model's suggestion alone, snapped
// to a known category, or the fallback. Without categories any non-empty
// suggestion is kept as is.
func (m *Matcher) AssignSuggested(c domain.Candidate) domain.Candidate {
	if len(m.categories) == 0 {
		c.Category = m.fallback
		if s := strings.TrimSpace(c.SuggestedCategory); s != "" {
			c.Category = s
		}
		return c
	}
	if name, ok := m.Snap(c.SuggestedCategory); ok {
		c.Category = name
		return c
	}
	c.Category = m.fallback
	return c
}

// CorrectToDominant moves the cards of one chunk that no category matched by
// content (score zero) to the chunk's dominant category: the most common one
// among cards with a positive score, or the most common overall when none
// scored. Ties go to the category seen first. scores[i] belongs to cards[i].
// Nothing changes when the matcher has no categories.
func (m *Matcher) CorrectToDominant(cards []domain.Candidate, scores []float64) {
	if len(m.categories) == 0 || len(cards) == 0 {
		return
	}
	dominant := mostCommon(cards, func(i int) bool { return scores[i] > 0 })
	if dominant == "" {
		dominant = mostCommon(cards, func(int) bool { return true })
	}
	if dominant == "" {
		return
	}
	for i := range cards {
		if scores[i] == 0 {
			cards[i].Category = dominant
		}
	}
}

func mostCommon(cards []domain.Candidate, include func(i int) bool) string {
	counts := make(map[string]int)
	var order []string
	for i, c := range cards {
		if !include(i) || c.Category == "" {
			continue
		}
		if counts[c.Category] == 0 {
			order = append(order, c.Category)
		}
		counts[c.Category]++
	}
	best := ""
	for _, name := range order {
		if counts[name] > counts[best] {
			best = name
		}
	}
	return best
}

// Snap resolves a model-suggested category against the list: exact match,
// then case-insensitive, then a known name contained in the suggestion.
func (m *Matcher) Snap(suggested string) (string, bool) {
	s := strings.TrimSpace(suggested)
	if s == "" {
		return "", false
	}
	for _, c := range m.categories {
		if c.name == s {
			return c.name, true
		}
	}
	for _, c := range m.categories {
		if strings.EqualFold(c.name, s) {
			return c.name, true
		}
	}
	lower := strings.ToLower(s)
	for _, c := range m.categories {
		if name := strings.ToLower(strings.TrimSpace(c.name)); name != "" && strings.Contains(lower, name) {
			return c.name, true
		}
	}
	return "", false
}

// Fallback returns the category used when nothing matches.
func (m *Matcher) Fallback() string { return m.fallback }
