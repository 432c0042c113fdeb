package parser

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// CSVParser handles CSV files. The first row is the header; every data row
// becomes one paragraph of "header: value" pairs.
type CSVParser struct{}

func (p *CSVParser) Parse(r io.Reader, filename string) (*Result, error) {
	reader := csv.NewReader(r)
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return singlePage(titleFrom(filename), nil), nil
	}

	headers := records[0]
	paragraphs := make([]string, 0, len(records)-1)
	for _, row := range records[1:] {
		var text strings.Builder
		for j, cell := range row {
			if strings.TrimSpace(cell) == "" {
				continue
			}
			if text.Len() > 0 {
				text.WriteString(", ")
			}
			if j < len(headers) && headers[j] != "" {
				text.WriteString(headers[j] + ": " + cell)
			} else {
				text.WriteString(cell)
			}
		}
		if text.Len() > 0 {
			paragraphs = append(paragraphs, text.String()+".")
		}
	}
	return singlePage(titleFrom(filename), paragraphs), nil
}
