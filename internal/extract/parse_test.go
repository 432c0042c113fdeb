package extract

import (
	"errors"
	"strings"
	"testing"
)

func TestParse_StrictArray(t *testing.T) {
	text := `[{"question":"What is the capital of France?","answer":"Paris.","deck":"Geography","quote":"Paris is the capital."}]`
	recs, err := Parse(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	r := recs[0]
	if r.Question != "What is the capital of France?" || r.Answer != "Paris." {
		t.Errorf("unexpected record: %+v", r)
	}
	if r.SuggestedCategory != "Geography" {
		t.Errorf("expected suggested category Geography, got %q", r.SuggestedCategory)
	}
	if r.Quote != "Paris is the capital." {
		t.Errorf("expected quote carried over, got %q", r.Quote)
	}
}

func TestParse_FencedWithCommentary(t *testing.T) {
	text := "Sure! Here are your cards:\n```json\n[\n" +
		`  {"question": "What does troponin indicate?", "answer": "Myocardial injury."},` + "\n" +
		`  {"question": "What does an ECG record?", "answer": "Electrical activity of the heart."}` +
		"\n]\n```\nLet me know if you need more."
	recs, err := Parse(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[1].Answer != "Electrical activity of the heart." {
		t.Errorf("unexpected second record: %+v", recs[1])
	}
}

func TestParse_TruncatedPayloadFails(t *testing.T) {
	text := `[{"question": "What is the normal resting heart rate?", "answer": "Between 60 and`
	recs, err := Parse(text)
	if len(recs) != 0 {
		t.Fatalf("expected 0 records, got %d", len(recs))
	}
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ParseError, got %v", err)
	}
}

func TestParse_TruncatedTailKeepsCompleteRecords(t *testing.T) {
	text := `[{"question": "What is the first heart sound?", "answer": "Closure of the AV valves."},
{"question": "What is the second heart sound?", "answer": "Closure of the semilu`
	recs, err := Parse(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
}

func TestParse_ConcatenatedObjects(t *testing.T) {
	text := `{"question":"What is the largest organ?","answer":"The skin."}
{"question":"What is the smallest bone?","answer":"The stapes."}`
	recs, err := Parse(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].Question != "What is the largest organ?" || recs[1].Question != "What is the smallest bone?" {
		t.Errorf("records out of order: %+v", recs)
	}
}

func TestParse_WrapperObject(t *testing.T) {
	text := `{"cards": [{"Question":"What is insulin?","Answer":"A hormone made by the pancreas."}]}`
	recs, err := Parse(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 1 || recs[0].Answer != "A hormone made by the pancreas." {
		t.Fatalf("unexpected records: %+v", recs)
	}
}

func TestParse_DoublyEncoded(t *testing.T) {
	text := `"[{\"question\":\"What is glucagon?\",\"answer\":\"A hormone raising blood glucose.\"}]"`
	recs, err := Parse(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 1 || recs[0].Question != "What is glucagon?" {
		t.Fatalf("unexpected records: %+v", recs)
	}
}

func TestParse_FieldAliasesAndListAnswer(t *testing.T) {
	text := `[{"front":"Which vessels carry blood away from the heart?","back":["Arteries","arterioles"],"category":"Anatomy"}]`
	recs, err := Parse(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if recs[0].Answer != "Arteries arterioles" {
		t.Errorf("expected joined answer, got %q", recs[0].Answer)
	}
	if recs[0].SuggestedCategory != "Anatomy" {
		t.Errorf("expected category alias to map, got %q", recs[0].SuggestedCategory)
	}
}

func TestParse_EmptyArrayIsValid(t *testing.T) {
	recs, err := Parse("[]")
	if err != nil {
		t.Fatalf("expected empty array to parse, got %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("expected 0 records, got %d", len(recs))
	}
}

func TestParse_BrokenJSONFieldScan(t *testing.T) {
	text := `[{"question": "What is hemoglobin?", "answer": "An oxygen-carrying \"protein\"." "deck": }`
	recs, err := Parse(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if recs[0].Answer != `An oxygen-carrying "protein".` {
		t.Errorf("expected unescaped answer, got %q", recs[0].Answer)
	}
}

func TestParse_PlainQALines(t *testing.T) {
	text := `Here you go:
Q: What is the function of the kidneys?
A: Filtering blood and producing urine.

**Question:** What does the liver produce?
**Answer:** Bile.`
	recs, err := Parse(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d: %+v", len(recs), recs)
	}
	if recs[1].Question != "What does the liver produce?" || recs[1].Answer != "Bile." {
		t.Errorf("unexpected second record: %+v", recs[1])
	}
}

func TestParse_Rejections(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"whitespace", "  \n\t "},
		{"binary", "\x00\x01\x02[{}]"},
		{"invalid utf8", "\xff\xfe\xfd"},
		{"deep nesting", strings.Repeat("[", 100) + strings.Repeat("]", 100)},
		{"prose only", "I could not find anything worth a flashcard in this text."},
		{"objects without cards", `[{"foo": 1}, {"bar": 2}]`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			recs, err := Parse(tc.text)
			if err == nil {
				t.Fatalf("expected error, got %d records", len(recs))
			}
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Errorf("expected *ParseError, got %T", err)
			}
		})
	}
}

func TestBracketDepthIgnoresStrings(t *testing.T) {
	if d := bracketDepth(`{"a": "[[[[[[["}`); d != 1 {
		t.Errorf("expected depth 1, got %d", d)
	}
	if d := bracketDepth(`[[{"a": "\"]"}]]`); d != 3 {
		t.Errorf("expected depth 3, got %d", d)
	}
}
