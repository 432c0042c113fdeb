package extract

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/dgallion1/deckgen/internal/domain"
)

func card(q, a string) domain.Candidate {
	return domain.Candidate{Question: q, Answer: a, SourceChunkID: "doc-c0000", ValidationStatus: domain.ValidationPending}
}

func TestValidate_AcceptsGoodCard(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig())
	got := v.Validate(card("What is the capital of France?", "Paris is the capital."))
	if got.ValidationStatus != domain.ValidationAccepted {
		t.Fatalf("expected accepted, got %q (%s)", got.ValidationStatus, got.RejectionReason)
	}
	if got.RejectionReason != "" {
		t.Errorf("expected no reason, got %q", got.RejectionReason)
	}
}

func TestValidate_Rules(t *testing.T) {
	tests := []struct {
		name   string
		q, a   string
		reason string
	}{
		{"empty question", "   ", "Something here.", ReasonEmpty},
		{"empty answer", "What is the capital of France?", "", ReasonEmpty},
		{"question ten chars", "What is X?", "A letter.", ReasonQuestionShort},
		{"answer two chars", "What is the chemical symbol of iron?", "Fe", ReasonAnswerShort},
		{"question too long", strings.Repeat("q", 501) + "?", "Long answer.", ReasonTooLong},
		{"answer too long", "What is the longest answer ever?", strings.Repeat("a", 1001), ReasonTooLong},
		{"identical", "Mitochondria produce ATP", "mitochondria produce atp", ReasonIdentical},
		{"bare yes", "Is the sky blue on a clear day?", "Yes", ReasonYesNo},
		{"bare no with period", "Is the moon made of cheese?", "No.", ReasonYesNo},
		{"turkish token", "Demans yaşlılıkta doğal mıdır?", "Hayır", ReasonYesNo},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v := NewValidator(DefaultValidatorConfig())
			got := v.Validate(card(tc.q, tc.a))
			if got.ValidationStatus != domain.ValidationRejected {
				t.Fatalf("expected rejected, got %q", got.ValidationStatus)
			}
			if got.RejectionReason != tc.reason {
				t.Errorf("expected reason %q, got %q", tc.reason, got.RejectionReason)
			}
		})
	}
}

func TestValidate_BoundaryLengths(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig())
	// 11 characters and 3 characters are the shortest accepted lengths.
	got := v.Validate(card("What is ab?", "Ion"))
	if got.ValidationStatus != domain.ValidationAccepted {
		t.Fatalf("expected accepted at boundary, got %q (%s)", got.ValidationStatus, got.RejectionReason)
	}
}

func TestValidate_YesNoFilterToggle(t *testing.T) {
	c := card("Is the sky blue?", "Yes")

	on := NewValidator(DefaultValidatorConfig())
	if got := on.Validate(c); got.ValidationStatus != domain.ValidationRejected {
		t.Errorf("expected rejection with filter on, got %q", got.ValidationStatus)
	}

	cfg := DefaultValidatorConfig()
	cfg.FilterYesNo = false
	off := NewValidator(cfg)
	if got := off.Validate(c); got.ValidationStatus != domain.ValidationAccepted {
		t.Errorf("expected acceptance with filter off, got %q (%s)", got.ValidationStatus, got.RejectionReason)
	}
}

func TestValidate_YesNoLeadingClause(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig())
	got := v.Validate(card("Does aspirin inhibit platelets?", "Yes, by blocking COX-1 irreversibly."))
	if got.RejectionReason != ReasonYesNo {
		t.Errorf("expected yes-led answer to be rejected, got %q", got.RejectionReason)
	}
	got = v.Validate(card("Which enzyme does aspirin block?", "Yesterday's answer: COX-1, irreversibly."))
	if got.ValidationStatus != domain.ValidationAccepted {
		t.Errorf("expected answer merely starting with yes to pass, got %q", got.RejectionReason)
	}
}

func TestValidate_DoesNotMutateText(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig())
	in := card("  What is the capital of France?  ", "  Paris.  ")
	got := v.Validate(in)
	if got.Question != in.Question || got.Answer != in.Answer {
		t.Errorf("validation changed text: %+v", got)
	}
}

func TestValidate_DuplicateNormalized(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig())
	first := v.Validate(card("What is the capital of France?", "Paris."))
	if first.ValidationStatus != domain.ValidationAccepted {
		t.Fatalf("expected first accepted, got %q", first.RejectionReason)
	}
	second := v.Validate(card("what  is the CAPITAL of\tfrance?", "Paris, on the Seine."))
	if second.RejectionReason != ReasonDuplicate {
		t.Errorf("expected duplicate rejection, got %q", second.RejectionReason)
	}
}

func TestValidate_RejectedDoesNotReserveQuestion(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig())
	if got := v.Validate(card("Is the sky blue today?", "Yes")); got.ValidationStatus != domain.ValidationRejected {
		t.Fatal("expected yes/no rejection")
	}
	if got := v.Validate(card("Is the sky blue today?", "Usually, due to Rayleigh scattering.")); got.ValidationStatus != domain.ValidationAccepted {
		t.Errorf("expected later valid card to be accepted, got %q", got.RejectionReason)
	}
}

func TestValidate_ConcurrentDuplicates(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig())
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got := v.Validate(card("What is the powerhouse of the cell?", fmt.Sprintf("Mitochondria %d.", i)))
			if got.ValidationStatus == domain.ValidationAccepted {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if accepted != 1 {
		t.Errorf("expected exactly 1 acceptance, got %d", accepted)
	}
	if v.Seen() != 1 {
		t.Errorf("expected 1 seen question, got %d", v.Seen())
	}
}

func TestRevalidate(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig())
	orig := v.Validate(card("What is the capital of France?", "Paris."))
	other := v.Validate(card("What is the capital of Spain?", "Madrid."))
	if orig.ValidationStatus != domain.ValidationAccepted || other.ValidationStatus != domain.ValidationAccepted {
		t.Fatal("setup cards not accepted")
	}

	t.Run("same question", func(t *testing.T) {
		refined := card("What is the capital of France?", "Paris is the capital of France.")
		if reason := v.Revalidate(orig, refined); reason != "" {
			t.Errorf("expected ok, got %q", reason)
		}
	})
	t.Run("conflicts with another card", func(t *testing.T) {
		refined := card("What is the capital of Spain?", "Paris.")
		if reason := v.Revalidate(orig, refined); reason != ReasonRefineConflict {
			t.Errorf("expected conflict, got %q", reason)
		}
	})
	t.Run("introduces yes/no", func(t *testing.T) {
		refined := card("Is Paris the capital of France?", "Yes.")
		if reason := v.Revalidate(orig, refined); reason != ReasonYesNo {
			t.Errorf("expected yes/no rejection, got %q", reason)
		}
	})
	t.Run("new question swaps the reservation", func(t *testing.T) {
		refined := card("Which city is the capital of France?", "Paris.")
		if reason := v.Revalidate(orig, refined); reason != "" {
			t.Fatalf("expected ok, got %q", reason)
		}
		if got := v.Validate(card("What is the capital of France?", "Paris.")); got.ValidationStatus != domain.ValidationAccepted {
			t.Errorf("expected original question to be free again, got %q", got.RejectionReason)
		}
		if got := v.Validate(card("Which city is the capital of France?", "Paris.")); got.RejectionReason != ReasonDuplicate {
			t.Errorf("expected refined question to be reserved, got %q", got.RejectionReason)
		}
	})
}

func TestIsYesNo(t *testing.T) {
	for _, a := range []string{"yes", "Yes.", " NO ", "no!", "evet.", "hayır", "No, it is red.", "Evet, kesinlikle", "Hayır, değil"} {
		if !IsYesNo(a) {
			t.Errorf("expected %q to be a yes/no answer", a)
		}
	}
	for _, a := range []string{"yesterday", "Nope, it is red.", "No one knows, really", "Not yet", ""} {
		if IsYesNo(a) {
			t.Errorf("expected %q not to be a yes/no answer", a)
		}
	}
}
