package parser

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	pdflib "github.com/ledongthuc/pdf"
)

// PDFParser handles PDF files page by page. Pages that fail to decode or
// carry no text are kept as unreadable pages with a warning. When the library
// cannot open the file at all, pdftotext is tried if FallbackPdftotext is set.
type PDFParser struct {
	FallbackPdftotext bool
}

func (p *PDFParser) Parse(r io.Reader, filename string) (*Result, error) {
	// ledongthuc/pdf requires a ReadSeeker+size, so we write to a temp file.
	tmp, err := os.CreateTemp("", "deckgen-pdf-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write temp file: %w", err)
	}
	tmp.Close()

	res := &Result{}
	res.Document.Title = titleFrom(filename)

	err = extractPDFPages(tmpPath, res)
	if err != nil && p.FallbackPdftotext {
		var text string
		if text, err = extractPdftotext(tmpPath); err == nil {
			res = &Result{}
			res.Document.Title = titleFrom(filename)
			for _, page := range strings.Split(text, "\f") {
				res.addPage(page, nil)
			}
			// pdftotext ends output with a form feed.
			trimTrailingEmpty(res)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("extract pdf text: %w", err)
	}
	if err := res.check(); err != nil {
		return res, err
	}
	return res, nil
}

func extractPDFPages(path string, res *Result) error {
	f, reader, err := pdflib.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			res.addPage("", fmt.Errorf("missing page object"))
			continue
		}
		text, err := page.GetPlainText(nil)
		res.addPage(text, err)
	}
	return nil
}

func trimTrailingEmpty(res *Result) {
	pages := res.Document.Pages
	if n := len(pages); n > 0 && !pages[n-1].ExtractionOK && pages[n-1].Text == "" {
		res.Document.Pages = pages[:n-1]
		if w := len(res.Warnings); w > 0 && res.Warnings[w-1].Page == n {
			res.Warnings = res.Warnings[:w-1]
		}
	}
}

func extractPdftotext(path string) (string, error) {
	cmd := exec.Command("pdftotext", "-layout", path, "-")
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("pdftotext: %w", err)
	}
	return string(out), nil
}
