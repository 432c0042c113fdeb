// Package parser decodes uploaded documents into plain-text pages.
package parser

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/dgallion1/deckgen/internal/domain"
)

// ErrNoReadablePages is returned when a document has pages but none of them
// yielded text.
var ErrNoReadablePages = errors.New("no readable pages")

// ExtractionError describes a page that was skipped.
type ExtractionError struct {
	Page int
	Err  error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("page %d: %v", e.Page, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

var errEmptyPage = errors.New("no extractable text")

// Result is a decoded document plus the pages that could not be read.
type Result struct {
	Document domain.SourceDocument
	Warnings []*ExtractionError
}

// Parser converts raw document bytes into pages.
type Parser interface {
	Parse(r io.Reader, filename string) (*Result, error)
}

// SupportedExtensions lists file extensions this service can handle.
var SupportedExtensions = map[string]bool{
	".txt":      true,
	".md":       true,
	".markdown": true,
	".csv":      true,
	".html":     true,
	".htm":      true,
	".pdf":      true,
	".docx":     true,
}

// ForFile returns the appropriate parser for a filename.
func ForFile(filename string) (Parser, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".txt":
		return &TextParser{}, nil
	case ".md", ".markdown":
		return &MarkdownParser{}, nil
	case ".csv":
		return &CSVParser{}, nil
	case ".html", ".htm":
		return &HTMLParser{}, nil
	case ".pdf":
		return &PDFParser{}, nil
	case ".docx":
		return &DOCXParser{}, nil
	default:
		return nil, fmt.Errorf("unsupported file extension: %s", ext)
	}
}

// IsSupportedExtension checks if a file extension is supported.
func IsSupportedExtension(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return SupportedExtensions[ext]
}

// titleFrom strips the directory and extension from a filename.
func titleFrom(filename string) string {
	base := filepath.Base(filename)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// singlePage builds a one-page document from paragraphs. Formats without
// page structure use this; no text at all yields an empty document.
func singlePage(title string, paragraphs []string) *Result {
	res := &Result{Document: domain.SourceDocument{Title: title}}
	var kept []string
	for _, p := range paragraphs {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return res
	}
	res.Document.Pages = []domain.Page{{
		Index:        1,
		Text:         strings.Join(kept, "\n\n"),
		ExtractionOK: true,
	}}
	return res
}

// addPage appends page text, marking it unreadable when err is set or the
// text is blank.
func (r *Result) addPage(text string, err error) {
	idx := len(r.Document.Pages) + 1
	text = strings.TrimSpace(text)
	if err == nil && text == "" {
		err = errEmptyPage
	}
	r.Document.Pages = append(r.Document.Pages, domain.Page{
		Index:        idx,
		Text:         text,
		ExtractionOK: err == nil,
	})
	if err != nil {
		r.Warnings = append(r.Warnings, &ExtractionError{Page: idx, Err: err})
	}
}

// check fails documents whose every page was unreadable.
func (r *Result) check() error {
	if len(r.Document.Pages) > 0 && len(r.Warnings) == len(r.Document.Pages) {
		return fmt.Errorf("%w: %d pages", ErrNoReadablePages, len(r.Document.Pages))
	}
	return nil
}
