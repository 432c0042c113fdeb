package extract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/dgallion1/deckgen/internal/domain"
)

// maxNestingDepth bounds both bracket nesting in the raw text and how many
// times a JSON string holding more JSON is unwrapped.
const maxNestingDepth = 32

var (
	questionKeys = []string{"question", "q", "front"}
	answerKeys   = []string{"answer", "a", "back"}
	deckKeys     = []string{"deck", "category"}
	quoteKeys    = []string{"quote", "source"}
)

// Parse recovers flashcard records from raw model output. It tries, in order:
// a strict parse of the whole text, a strict parse after stripping fences and
// surrounding commentary, a scan for standalone objects, and finally lenient
// matching of question/answer fields. A *ParseError is returned when nothing
// can be recovered. A well-formed empty array is a valid answer with no cards.
func Parse(text string) ([]domain.Candidate, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &ParseError{Reason: "empty response"}
	}
	if !utf8.ValidString(text) || strings.ContainsRune(text, 0) {
		return nil, &ParseError{Reason: "binary payload"}
	}
	if depth := bracketDepth(text); depth > maxNestingDepth {
		return nil, &ParseError{Reason: fmt.Sprintf("nesting depth %d exceeds %d", depth, maxNestingDepth)}
	}

	if recs, ok := parseStrict(text); ok {
		return recs, nil
	}
	if inner := stripWrappers(text); inner != "" && inner != text {
		if recs, ok := parseStrict(inner); ok {
			return recs, nil
		}
	}
	if recs := scanObjects(text); len(recs) > 0 {
		return recs, nil
	}
	if recs := scanFields(text); len(recs) > 0 {
		return recs, nil
	}
	return nil, &ParseError{Reason: "no records recovered", Snippet: truncate(strings.TrimSpace(text), 200)}
}

func parseStrict(text string) ([]domain.Candidate, bool) {
	var v any
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &v); err != nil {
		return nil, false
	}
	recs := collect(v, 0)
	if len(recs) > 0 {
		return recs, true
	}
	if arr, ok := v.([]any); ok && len(arr) == 0 {
		return []domain.Candidate{}, true
	}
	return nil, false
}

var fenceRe = regexp.MustCompile("```[A-Za-z0-9_-]*")

// stripWrappers drops code fences and any commentary outside the outermost
// structural delimiters.
func stripWrappers(text string) string {
	s := fenceRe.ReplaceAllString(text, "")
	start := strings.IndexAny(s, "[{")
	end := strings.LastIndexAny(s, "]}")
	if start < 0 || end <= start {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(s[start : end+1])
}

// scanObjects decodes every complete JSON object that can be found, which
// recovers records from concatenated objects and from arrays whose tail was
// cut off.
func scanObjects(text string) []domain.Candidate {
	var out []domain.Candidate
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(text[i:]))
		var v any
		if err := dec.Decode(&v); err != nil {
			continue
		}
		if recs := collect(v, 0); len(recs) > 0 {
			out = append(out, recs...)
			i += int(dec.InputOffset()) - 1
		}
	}
	return out
}

// collect walks a decoded value and returns every object that looks like a
// card. Wrapper objects and arrays are descended into; strings that hold JSON
// are decoded and walked too.
func collect(v any, depth int) []domain.Candidate {
	if depth > maxNestingDepth {
		return nil
	}
	switch t := v.(type) {
	case map[string]any:
		if c, ok := candidateFrom(t); ok {
			return []domain.Candidate{c}
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var out []domain.Candidate
		for _, k := range keys {
			out = append(out, collect(t[k], depth+1)...)
		}
		return out
	case []any:
		var out []domain.Candidate
		for _, item := range t {
			out = append(out, collect(item, depth+1)...)
		}
		return out
	case string:
		s := strings.TrimSpace(t)
		if s == "" || (s[0] != '[' && s[0] != '{') {
			return nil
		}
		var inner any
		if err := json.Unmarshal([]byte(s), &inner); err != nil {
			return nil
		}
		return collect(inner, depth+1)
	}
	return nil
}

func candidateFrom(m map[string]any) (domain.Candidate, bool) {
	q, okQ := lookup(m, questionKeys)
	a, okA := lookup(m, answerKeys)
	if !okQ || !okA {
		return domain.Candidate{}, false
	}
	deck, _ := lookup(m, deckKeys)
	quote, _ := lookup(m, quoteKeys)
	return domain.Candidate{
		Question:          q,
		Answer:            a,
		Quote:             quote,
		SuggestedCategory: deck,
		ValidationStatus:  domain.ValidationPending,
	}, true
}

// lookup finds the first alias present in m, matching keys case-insensitively.
func lookup(m map[string]any, aliases []string) (string, bool) {
	for _, alias := range aliases {
		for k, v := range m {
			if !strings.EqualFold(strings.TrimSpace(k), alias) {
				continue
			}
			if s, ok := fieldString(v); ok {
				return s, true
			}
		}
	}
	return "", false
}

func fieldString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64, bool:
		return fmt.Sprint(t), true
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := fieldString(item); ok && strings.TrimSpace(s) != "" {
				parts = append(parts, strings.TrimSpace(s))
			}
		}
		return strings.Join(parts, " "), true
	}
	return "", false
}

var (
	quotedPairRe = regexp.MustCompile(
		`(?is)"(?:question|q|front)"\s*:\s*"((?:[^"\\]|\\.)*)"\s*,\s*"(?:answer|a|back)"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	questionLineRe = regexp.MustCompile(`(?i)^\s*(?:[-*\d.)\s]*)?(?:\*\*)?(?:q|question)(?:\*\*)?\s*[:.)]\s*(?:\*\*)?\s*(.+)$`)
	answerLineRe   = regexp.MustCompile(`(?i)^\s*(?:\*\*)?(?:a|answer)(?:\*\*)?\s*[:.)]\s*(?:\*\*)?\s*(.+)$`)
)

// scanFields is the last resort: it reads quoted question/answer pairs out of
// broken JSON, or "Q: / A:" lines out of plain prose.
func scanFields(text string) []domain.Candidate {
	var out []domain.Candidate
	for _, m := range quotedPairRe.FindAllStringSubmatch(text, -1) {
		out = append(out, domain.Candidate{
			Question:         unescapeJSON(m[1]),
			Answer:           unescapeJSON(m[2]),
			ValidationStatus: domain.ValidationPending,
		})
	}
	if len(out) > 0 {
		return out
	}

	var pending string
	for _, line := range strings.Split(text, "\n") {
		if m := questionLineRe.FindStringSubmatch(line); m != nil {
			pending = strings.TrimSpace(m[1])
			continue
		}
		if m := answerLineRe.FindStringSubmatch(line); m != nil && pending != "" {
			out = append(out, domain.Candidate{
				Question:         pending,
				Answer:           strings.TrimSpace(m[1]),
				ValidationStatus: domain.ValidationPending,
			})
			pending = ""
		}
	}
	return out
}

func unescapeJSON(s string) string {
	var out string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &out); err != nil {
		return s
	}
	return out
}

// bracketDepth reports the deepest bracket nesting outside string literals.
func bracketDepth(text string) int {
	depth, maxDepth := 0, 0
	inString, escaped := false, false
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ']', '}':
			if depth > 0 {
				depth--
			}
		}
	}
	return maxDepth
}
