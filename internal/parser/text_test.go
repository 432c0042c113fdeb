package parser

import (
	"strings"
	"testing"
)

func TestTextParser_BasicParagraphSplitting(t *testing.T) {
	input := "First paragraph line one.\nFirst paragraph line two.\n\nSecond paragraph.\n\nThird paragraph."
	p := &TextParser{}
	res, err := p.Parse(strings.NewReader(input), "notes.txt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Document.Title != "notes" {
		t.Errorf("expected title %q, got %q", "notes", res.Document.Title)
	}

	want := "First paragraph line one.\nFirst paragraph line two.\n\nSecond paragraph.\n\nThird paragraph."
	if got := pageText(t, res); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestTextParser_EmptyInput(t *testing.T) {
	p := &TextParser{}
	res, err := p.Parse(strings.NewReader(""), "empty.txt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Document.Title != "empty" {
		t.Errorf("expected title %q, got %q", "empty", res.Document.Title)
	}
	if len(res.Document.Pages) != 0 {
		t.Errorf("expected 0 pages for empty input, got %d", len(res.Document.Pages))
	}
	if len(res.Warnings) != 0 {
		t.Errorf("empty input is not an extraction error, got %v", res.Warnings)
	}
}

func TestTextParser_BlankLineRuns(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"multiple blank lines", "Para one.\n\n\n\nPara two."},
		{"whitespace-only line", "Para one.\n   \nPara two."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := (&TextParser{}).Parse(strings.NewReader(tt.input), "gaps.txt")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := pageText(t, res); got != "Para one.\n\nPara two." {
				t.Errorf("got %q", got)
			}
		})
	}
}
