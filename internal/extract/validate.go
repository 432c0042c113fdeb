package extract

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/dgallion1/deckgen/internal/domain"
)

// Rejection reasons recorded on candidates and in the failure ledger.
const (
	ReasonEmpty          = "empty question or answer"
	ReasonQuestionShort  = "question too short"
	ReasonAnswerShort    = "answer too short"
	ReasonTooLong        = "content exceeds max length"
	ReasonIdentical      = "question and answer are identical"
	ReasonYesNo          = "yes/no answer"
	ReasonDuplicate      = "duplicate question"
	ReasonRefineConflict = "refined question duplicates another card"
)

// ValidatorConfig sets the content-quality thresholds.
type ValidatorConfig struct {
	MinQuestionLen int // inclusive minimum, in characters
	MinAnswerLen   int // inclusive minimum, in characters
	MaxQuestionLen int
	MaxAnswerLen   int
	FilterYesNo    bool
}

// DefaultValidatorConfig returns the standard thresholds with the yes/no
// filter on.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MinQuestionLen: 11,
		MinAnswerLen:   3,
		MaxQuestionLen: 500,
		MaxAnswerLen:   1000,
		FilterYesNo:    true,
	}
}

var yesNoTokens = map[string]bool{
	"yes":   true,
	"no":    true,
	"evet":  true,
	"hayır": true,
}

// Validator classifies candidates. It remembers every accepted question for
// the lifetime of the session so duplicates are rejected across chunks; it is
// safe for concurrent use.
type Validator struct {
	cfg ValidatorConfig

	mu   sync.Mutex
	seen map[string]struct{}
}

func NewValidator(cfg ValidatorConfig) *Validator {
	return &Validator{
		cfg:  cfg,
		seen: make(map[string]struct{}),
	}
}

// Validate returns c with its validation status and, on rejection, the reason
// of the first failing rule. Question and answer text are never modified.
func (v *Validator) Validate(c domain.Candidate) domain.Candidate {
	if reason := v.checkContent(c); reason != "" {
		return reject(c, reason)
	}

	key := NormalizeQuestion(c.Question)
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, dup := v.seen[key]; dup {
		return reject(c, ReasonDuplicate)
	}
	v.seen[key] = struct{}{}

	c.ValidationStatus = domain.ValidationAccepted
	c.RejectionReason = ""
	return c
}

// Revalidate checks a refined version of an accepted candidate. On success the
// session's record of the original question is swapped for the refined one.
// It returns the rule that failed, or "" when refined may replace original.
func (v *Validator) Revalidate(original, refined domain.Candidate) string {
	if reason := v.checkContent(refined); reason != "" {
		return reason
	}
	oldKey := NormalizeQuestion(original.Question)
	newKey := NormalizeQuestion(refined.Question)
	if oldKey == newKey {
		return ""
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if _, dup := v.seen[newKey]; dup {
		return ReasonRefineConflict
	}
	delete(v.seen, oldKey)
	v.seen[newKey] = struct{}{}
	return ""
}

// Seen reports how many distinct questions have been accepted.
func (v *Validator) Seen() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.seen)
}

func (v *Validator) checkContent(c domain.Candidate) string {
	q := strings.TrimSpace(c.Question)
	a := strings.TrimSpace(c.Answer)
	if q == "" || a == "" {
		return ReasonEmpty
	}
	qLen := utf8.RuneCountInString(q)
	aLen := utf8.RuneCountInString(a)
	if qLen < v.cfg.MinQuestionLen {
		return ReasonQuestionShort
	}
	if aLen < v.cfg.MinAnswerLen {
		return ReasonAnswerShort
	}
	if (v.cfg.MaxQuestionLen > 0 && qLen > v.cfg.MaxQuestionLen) ||
		(v.cfg.MaxAnswerLen > 0 && aLen > v.cfg.MaxAnswerLen) {
		return ReasonTooLong
	}
	if strings.EqualFold(q, a) {
		return ReasonIdentical
	}
	if v.cfg.FilterYesNo && IsYesNo(a) {
		return ReasonYesNo
	}
	return ""
}

func reject(c domain.Candidate, reason string) domain.Candidate {
	c.ValidationStatus = domain.ValidationRejected
	c.RejectionReason = reason
	return c
}

// IsYesNo reports whether answer is an affirmative or negative token, alone
// (ignoring case and trailing punctuation) or leading a comma clause such as
// "Yes, it does".
func IsYesNo(answer string) bool {
	a := strings.ToLower(strings.TrimSpace(answer))
	if head, _, ok := strings.Cut(a, ","); ok && yesNoTokens[head] {
		return true
	}
	a = strings.TrimRight(a, ".!")
	return yesNoTokens[strings.TrimSpace(a)]
}

// NormalizeQuestion case-folds q and collapses runs of whitespace.
func NormalizeQuestion(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}
