package parser

import (
	"strings"
	"testing"
)

func pageText(t *testing.T, res *Result) string {
	t.Helper()
	if len(res.Document.Pages) != 1 {
		t.Fatalf("expected 1 page, got %d", len(res.Document.Pages))
	}
	p := res.Document.Pages[0]
	if !p.ExtractionOK || p.Index != 1 {
		t.Fatalf("unexpected page state: %+v", p)
	}
	return p.Text
}

func TestMarkdownParser_HeadingsBecomeParagraphs(t *testing.T) {
	input := `# Title

Intro text.

## Section A

Section A content.

### Subsection A1

Subsection A1 content.
`
	p := &MarkdownParser{}
	res, err := p.Parse(strings.NewReader(input), "doc.md")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Document.Title != "doc" {
		t.Errorf("expected title %q, got %q", "doc", res.Document.Title)
	}

	want := "Title\n\nIntro text.\n\nSection A\n\nSection A content.\n\nSubsection A1\n\nSubsection A1 content."
	if got := pageText(t, res); got != want {
		t.Errorf("page text:\n got %q\nwant %q", got, want)
	}
}

func TestMarkdownParser_CodeBlocksKept(t *testing.T) {
	input := "# API Reference\n\nList of endpoints:\n\n```\nGET /api/users\nPOST /api/users\n```\n\nMore text after code.\n"

	p := &MarkdownParser{}
	res, err := p.Parse(strings.NewReader(input), "api.md")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text := pageText(t, res)
	for _, want := range []string{"GET /api/users", "More text after code.", "API Reference"} {
		if !strings.Contains(text, want) {
			t.Errorf("expected %q in %q", want, text)
		}
	}
}

func TestMarkdownParser_EmptyInput(t *testing.T) {
	p := &MarkdownParser{}
	res, err := p.Parse(strings.NewReader(""), "empty.md")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Document.Pages) != 0 {
		t.Errorf("expected 0 pages for empty input, got %d", len(res.Document.Pages))
	}
}

func TestMarkdownParser_TitleStripping(t *testing.T) {
	tests := []struct {
		filename string
		want     string
	}{
		{"readme.md", "readme"},
		{"notes.markdown", "notes"},
		{"dir/plain.md", "plain"},
	}
	p := &MarkdownParser{}
	for _, tt := range tests {
		res, err := p.Parse(strings.NewReader("text"), tt.filename)
		if err != nil {
			t.Fatalf("unexpected error for %s: %v", tt.filename, err)
		}
		if res.Document.Title != tt.want {
			t.Errorf("filename=%q: expected title %q, got %q", tt.filename, tt.want, res.Document.Title)
		}
	}
}
