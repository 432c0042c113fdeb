// Package domain holds the value types shared by every stage of the card
// generation pipeline.
package domain

import (
	"strings"
	"time"
)

// Page is one page of extracted source text.
type Page struct {
	Index        int    // 1-based page number
	Text         string // Plain text, paragraphs separated by blank lines
	ExtractionOK bool   // False when the extractor could not read this page
}

// SourceDocument is the immutable output of document extraction.
type SourceDocument struct {
	ID    string
	Title string
	Pages []Page
}

// Text joins the readable pages with paragraph breaks.
func (d SourceDocument) Text() string {
	var sb strings.Builder
	for _, p := range d.Pages {
		if !p.ExtractionOK {
			continue
		}
		t := strings.TrimSpace(p.Text)
		if t == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(t)
	}
	return sb.String()
}

// Size returns the byte length of all page text, readable or not.
func (d SourceDocument) Size() int64 {
	var n int64
	for _, p := range d.Pages {
		n += int64(len(p.Text))
	}
	return n
}

// ChunkStatus is the lifecycle state of a chunk inside a run.
type ChunkStatus string

const (
	ChunkPending   ChunkStatus = "pending"
	ChunkInFlight  ChunkStatus = "in_flight"
	ChunkSucceeded ChunkStatus = "succeeded"
	ChunkFailed    ChunkStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s ChunkStatus) Terminal() bool {
	return s == ChunkSucceeded || s == ChunkFailed
}

// Chunk is a bounded unit of source text submitted as one generation request.
// Chunks are values: the splitter creates them and nothing edits them afterwards.
type Chunk struct {
	ID            string      `json:"id"`
	DocumentID    string      `json:"document_id"`
	SequenceIndex int         `json:"sequence_index"`
	Text          string      `json:"text"`
	SizeEstimate  int         `json:"size_estimate"`
	Status        ChunkStatus `json:"status"`
}

// WithStatus returns a copy of the chunk carrying status s.
func (c Chunk) WithStatus(s ChunkStatus) Chunk {
	c.Status = s
	return c
}

// DensityMode controls how exhaustively a chunk is mined for cards.
type DensityMode string

const (
	DensityLow    DensityMode = "low"
	DensityMedium DensityMode = "medium"
	DensityHigh   DensityMode = "high"
)

// ParseDensity maps a user-supplied string to a DensityMode, defaulting to medium.
func ParseDensity(s string) DensityMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return DensityLow
	case "high":
		return DensityHigh
	default:
		return DensityMedium
	}
}

// Category is a caller-supplied deck a card may be assigned to.
type Category struct {
	Name         string   `json:"name" yaml:"name"`
	KeywordHints []string `json:"keyword_hints,omitempty" yaml:"keywords"`
}

// CategoryNames returns the names of cats in order.
func CategoryNames(cats []Category) []string {
	out := make([]string, len(cats))
	for i, c := range cats {
		out[i] = c.Name
	}
	return out
}

// ValidationStatus is the classification of a candidate.
type ValidationStatus string

const (
	ValidationPending  ValidationStatus = "pending"
	ValidationAccepted ValidationStatus = "accepted"
	ValidationRejected ValidationStatus = "rejected"
)

// Candidate is a question/answer record recovered from a model response.
type Candidate struct {
	Question          string           `json:"question"`
	Answer            string           `json:"answer"`
	Quote             string           `json:"quote,omitempty"`
	SuggestedCategory string           `json:"suggested_category,omitempty"`
	Category          string           `json:"category,omitempty"`
	SourceChunkID     string           `json:"source_chunk_id"`
	ValidationStatus  ValidationStatus `json:"validation_status"`
	RejectionReason   string           `json:"rejection_reason,omitempty"`
	Refined           bool             `json:"refined,omitempty"`
}

// Purpose distinguishes first-pass generation from the refinement pass.
type Purpose string

const (
	PurposeGenerate Purpose = "generate"
	PurposeRefine   Purpose = "refine"
)

// GenerationRequest is everything the generation collaborator needs for one call.
type GenerationRequest struct {
	Purpose            Purpose
	Chunk              Chunk
	Candidate          *Candidate // set for PurposeRefine
	Density            DensityMode
	Language           string
	CustomInstructions string
	ExcludeTrivia      bool
	AllowedCategories  []string
	AttemptNumber      int
}

// RawModelResponse is the unparsed completion for one attempt.
type RawModelResponse struct {
	ChunkID       string
	Text          string
	Latency       time.Duration
	AttemptNumber int
}

// ErrorKind names a class of failure in the failure ledger.
type ErrorKind string

const (
	ErrExtraction          ErrorKind = "ExtractionError"
	ErrTransientGeneration ErrorKind = "TransientGenerationError"
	ErrPermanentGeneration ErrorKind = "PermanentGenerationError"
	ErrParseFailure        ErrorKind = "ParseFailure"
	ErrValidationRejection ErrorKind = "ValidationRejection"
	ErrResourceLimit       ErrorKind = "ResourceLimitExceeded"
	ErrCancelled           ErrorKind = "Cancelled"
)
