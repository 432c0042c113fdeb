package extract

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dgallion1/deckgen/internal/domain"
)

// PromptOptions shapes the generation system prompt.
type PromptOptions struct {
	Density            domain.DensityMode
	Language           string
	CustomInstructions string
	ExcludeTrivia      bool
	Categories         []string // in the order they should be presented
}

var densityInstructions = map[domain.DensityMode]string{
	domain.DensityLow: "Cover only the central concepts of the passage. Prefer a few strong cards " +
		"over many minor ones and skip secondary details.",
	domain.DensityMedium: "Cover the key concepts and the important supporting details. Keep questions " +
		"distinct and make answers explanatory.",
	domain.DensityHigh: "Extract every distinct fact in the passage: each definition, finding, mechanism " +
		"and treatment gets its own atomic card. If a sentence lists five items, write five cards. " +
		"Do not merge facts and do not repeat them. Stop once every fact is covered.",
}

const outputContract = `OUTPUT FORMAT:
1. Reply with a raw JSON array of objects only. No Markdown and no code fences.
2. Each object has the keys "question", "answer", "deck" and "quote".
3. "quote" is the exact source sentence the card is based on.`

const qualityGuidelines = `QUALITY RULES:
- Never ask a question that can be answered with yes or no. Ask what, which, how or why instead.
- Ask direct questions that end with a question mark.
- Questions must stand on their own. Name the subject instead of writing "it" or "this condition".
- Answers are complete, specific sentences. No tautologies.
- Skip passages that are ambiguous or incomplete.
- Do not repeat a question or concept.
- When the text lists items, ask for the list.
- Ignore reference, bibliography and acknowledgement sections.`

const triviaRule = "- Leave out biographical trivia such as birth dates or who discovered what, unless it matters for the subject itself."

// BuildSystemPrompt renders the instructions sent with every chunk.
func BuildSystemPrompt(opts PromptOptions) string {
	density := opts.Density
	if _, ok := densityInstructions[density]; !ok {
		density = domain.DensityMedium
	}
	lang := opts.Language
	if lang == "" {
		lang = "English"
	}

	var sb strings.Builder
	sb.WriteString("You write high-quality spaced-repetition flashcards. Turn the knowledge in the provided text into question/answer cards.\n")
	if s := strings.TrimSpace(opts.CustomInstructions); s != "" {
		sb.WriteString("\nUSER INSTRUCTIONS:\n")
		sb.WriteString(s)
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "\nDENSITY (%s):\n%s\n", density, densityInstructions[density])
	sb.WriteString("\n")
	sb.WriteString(outputContract)
	fmt.Fprintf(&sb, "\n4. Write every card in %s.\n", lang)
	sb.WriteString("5. ")
	sb.WriteString(categoryInstruction(opts.Categories))
	sb.WriteString("\n\n")
	sb.WriteString(qualityGuidelines)
	if opts.ExcludeTrivia {
		sb.WriteString("\n")
		sb.WriteString(triviaRule)
	}
	return sb.String()
}

func categoryInstruction(categories []string) string {
	if len(categories) == 0 {
		return `Set "deck" to a short topic name for the card.`
	}
	names, _ := json.Marshal(categories)
	return fmt.Sprintf(`Set "deck" to exactly one of these existing decks: %s. Never invent a new deck; pick the one that matches the card's specific topic.`, names)
}

// BuildChunkPrompt wraps a chunk's text as the user message.
func BuildChunkPrompt(chunkText string) string {
	return "Generate flashcards from the following text:\n\n" + chunkText
}

type refineCard struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Deck     string `json:"deck,omitempty"`
	Quote    string `json:"quote,omitempty"`
}

// BuildRefinePrompt asks the model to polish one accepted card. It returns the
// system and user messages.
func BuildRefinePrompt(c domain.Candidate, language string, categories []string) (string, string) {
	if language == "" {
		language = "English"
	}
	var sb strings.Builder
	sb.WriteString("You are a strict flashcard editor. Review the JSON card and return an improved version.\n")
	fmt.Fprintf(&sb, "Language: %s\n", language)
	if len(categories) > 0 {
		names, _ := json.Marshal(categories)
		fmt.Fprintf(&sb, "Allowed decks: %s\n", names)
	}
	sb.WriteString(`
RULES:
1. Make the question self-contained and direct.
2. Fix terminology and grammar in both fields.
3. Never turn it into a yes/no question.
4. Keep "deck" within the allowed decks.
5. Keep the "quote" field unchanged.
6. Reply with a single raw JSON object with keys "question", "answer", "deck", "quote".`)

	deck := c.Category
	if deck == "" {
		deck = c.SuggestedCategory
	}
	card, _ := json.MarshalIndent(refineCard{
		Question: c.Question,
		Answer:   c.Answer,
		Deck:     deck,
		Quote:    c.Quote,
	}, "", "  ")
	return sb.String(), "Refine this card:\n" + string(card)
}
