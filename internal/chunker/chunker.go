package chunker

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/dgallion1/deckgen/internal/domain"
)

// Unit selects how chunk size is measured.
type Unit string

const (
	UnitChars  Unit = "chars"
	UnitTokens Unit = "tokens"
)

// Config controls chunking behavior.
type Config struct {
	MaxSize int  // Budget per chunk, measured in Unit.
	Unit    Unit // Defaults to UnitChars.

	// CustomInstructions are prepended once to every prompt. Their size is
	// taken out of the budget so instruction plus chunk still fits.
	CustomInstructions string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize: 1500,
		Unit:    UnitChars,
	}
}

const (
	reservedTokens = 2500
	minInputTokens = 1000
	charsPerToken  = 1.2
)

// BudgetFor derives a character budget from the model context window and the
// density mode. Higher density means smaller chunks so the model mines details.
func BudgetFor(contextWindow int, density domain.DensityMode) int {
	available := contextWindow - reservedTokens
	if available < minInputTokens {
		available = minInputTokens
	}
	factor := 0.8
	switch density {
	case domain.DensityLow:
		factor = 1.0
	case domain.DensityHigh:
		factor = 0.25
	}
	return int(float64(available) * charsPerToken * factor)
}

// EstimateChunkCount predicts how many chunks a text of size bytes yields
// under budget. Used for pre-flight checks before any splitting happens.
func EstimateChunkCount(size int64, budget int) int {
	if size <= 0 {
		return 0
	}
	if budget <= 0 {
		budget = DefaultConfig().MaxSize
	}
	n := size / int64(budget)
	if size%int64(budget) != 0 {
		n++
	}
	return int(n)
}

// Split turns the readable pages of doc into ordered, gapless chunks.
// Empty documents produce no chunks.
func Split(doc domain.SourceDocument, cfg Config) []domain.Chunk {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig().MaxSize
	}
	if cfg.Unit == "" {
		cfg.Unit = UnitChars
	}

	s := splitter{unit: cfg.Unit, budget: effectiveBudget(cfg)}
	for _, para := range splitByParagraphs(doc.Text()) {
		s.addParagraph(para)
	}
	s.flush()

	docID := doc.ID
	if docID == "" {
		docID = "doc"
	}
	chunks := make([]domain.Chunk, len(s.parts))
	for i, text := range s.parts {
		chunks[i] = domain.Chunk{
			ID:            fmt.Sprintf("%s-c%04d", docID, i),
			DocumentID:    docID,
			SequenceIndex: i,
			Text:          text,
			SizeEstimate:  EstimateTokens(text),
			Status:        domain.ChunkPending,
		}
	}
	return chunks
}

func effectiveBudget(cfg Config) int {
	budget := cfg.MaxSize
	if cfg.CustomInstructions == "" {
		return budget
	}
	budget -= measure(cfg.Unit, cfg.CustomInstructions)
	// Instructions may take at most half the budget.
	if floor := cfg.MaxSize / 2; budget < floor {
		budget = floor
	}
	if budget < 1 {
		budget = 1
	}
	return budget
}

func measure(unit Unit, text string) int {
	if unit == UnitTokens {
		return EstimateTokens(text)
	}
	return utf8.RuneCountInString(text)
}

// splitter accumulates text greedily and emits parts that fit the budget.
type splitter struct {
	unit    Unit
	budget  int
	current strings.Builder
	parts   []string
}

func (s *splitter) fits(sep, next string) bool {
	if s.current.Len() == 0 {
		return measure(s.unit, next) <= s.budget
	}
	return measure(s.unit, s.current.String()+sep+next) <= s.budget
}

func (s *splitter) add(sep, text string) {
	if s.current.Len() > 0 {
		s.current.WriteString(sep)
	}
	s.current.WriteString(text)
}

func (s *splitter) flush() {
	if s.current.Len() > 0 {
		s.parts = append(s.parts, s.current.String())
		s.current.Reset()
	}
}

func (s *splitter) addParagraph(para string) {
	if s.fits("\n\n", para) {
		s.add("\n\n", para)
		return
	}
	s.flush()
	if measure(s.unit, para) <= s.budget {
		s.add("", para)
		return
	}

	// Oversized paragraph: fall back to sentence boundaries. The tail stays
	// open so the next paragraph can share its chunk.
	for _, sent := range splitSentences(para) {
		if s.fits(" ", sent) {
			s.add(" ", sent)
			continue
		}
		s.flush()
		if measure(s.unit, sent) <= s.budget {
			s.add("", sent)
			continue
		}
		for _, piece := range splitOversizedSentence(sent, s.unit, s.budget) {
			s.flush()
			s.add("", piece)
		}
	}
}

var paragraphBreak = regexp.MustCompile(`\n[ \t\r\f]*\n`)

// splitByParagraphs splits on blank lines.
func splitByParagraphs(text string) []string {
	var result []string
	for _, p := range paragraphBreak.Split(text, -1) {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// splitSentences splits after terminal punctuation (plus any closing quotes or
// brackets) that is followed by whitespace.
func splitSentences(text string) []string {
	runes := []rune(text)
	var sentences []string
	start := 0
	for i := 0; i < len(runes); i++ {
		if !isTerminal(runes[i]) {
			continue
		}
		end := i + 1
		for end < len(runes) && isCloser(runes[end]) {
			end++
		}
		if end < len(runes) && !unicode.IsSpace(runes[end]) {
			continue
		}
		if sent := strings.TrimSpace(string(runes[start:end])); sent != "" {
			sentences = append(sentences, sent)
		}
		start = end
		i = end - 1
	}
	if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '…', '。', '！', '？':
		return true
	}
	return false
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '”', '’', '»':
		return true
	}
	return false
}

// splitOversizedSentence handles a single sentence larger than the budget.
// It breaks between words, and only cuts inside a word when that word alone
// exceeds the budget.
func splitOversizedSentence(sent string, unit Unit, budget int) []string {
	var out []string
	var cur strings.Builder
	for _, word := range strings.Fields(sent) {
		candidate := word
		if cur.Len() > 0 {
			candidate = cur.String() + " " + word
		}
		if measure(unit, candidate) <= budget {
			cur.Reset()
			cur.WriteString(candidate)
			continue
		}
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
		if measure(unit, word) <= budget {
			cur.WriteString(word)
			continue
		}
		out = append(out, hardSplit(word, budget)...)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

func hardSplit(word string, budget int) []string {
	// A lone word always estimates to a single token, so only character
	// budgets reach this point.
	runes := []rune(word)
	var out []string
	for len(runes) > 0 {
		n := min(budget, len(runes))
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}
