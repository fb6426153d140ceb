package tokens

import (
	"strings"
	"testing"

	"github.com/parleyhq/parley-go/internal/domain"
)

func TestNewBudgeter_DisabledForZeroBudget(t *testing.T) {
	b, err := NewBudgeter(0)
	if err != nil {
		t.Fatalf("NewBudgeter(0): %v", err)
	}
	if b != nil {
		t.Fatal("expected nil budgeter for zero budget")
	}

	turns := []domain.Turn{domain.UserTurn("a"), domain.AssistantTurn("b")}
	if got := b.Trim(turns); len(got) != 2 {
		t.Errorf("nil budgeter trimmed turns: %#v", got)
	}
}

func TestBudgeter_Count(t *testing.T) {
	b, err := NewBudgeter(100)
	if err != nil {
		t.Fatalf("NewBudgeter: %v", err)
	}
	if got := b.Count("hello world"); got == 0 {
		t.Error("Count returned 0 for non-empty text")
	}
	if got := b.Count(""); got != 0 {
		t.Errorf("Count(\"\") = %d, want 0", got)
	}
}

func TestBudgeter_Trim_KeepsNewestSuffix(t *testing.T) {
	b, err := NewBudgeter(40)
	if err != nil {
		t.Fatalf("NewBudgeter: %v", err)
	}

	long := strings.Repeat("alpha beta gamma delta ", 20)
	turns := []domain.Turn{
		domain.UserTurn(long),
		domain.AssistantTurn("short answer"),
		domain.UserTurn("and one more question"),
	}

	got := b.Trim(turns)
	if len(got) == len(turns) {
		t.Fatal("expected the oversized oldest turn to be dropped")
	}
	if got[len(got)-1].Text != "and one more question" {
		t.Errorf("newest turn not preserved: %#v", got)
	}
	for _, turn := range got {
		if turn.Text == long {
			t.Error("oversized turn survived trimming")
		}
	}
}

func TestBudgeter_Trim_UnderBudgetUntouched(t *testing.T) {
	b, err := NewBudgeter(10_000)
	if err != nil {
		t.Fatalf("NewBudgeter: %v", err)
	}

	turns := []domain.Turn{
		domain.UserTurn("hello"),
		domain.AssistantTurn("hi"),
		domain.UserTurn("how are you"),
	}
	if got := b.Trim(turns); len(got) != len(turns) {
		t.Errorf("got %d turns, want %d", len(got), len(turns))
	}
}

func TestBudgeter_Trim_NewestAlwaysSurvives(t *testing.T) {
	b, err := NewBudgeter(5)
	if err != nil {
		t.Fatalf("NewBudgeter: %v", err)
	}

	huge := strings.Repeat("the quick brown fox ", 50)
	turns := []domain.Turn{
		domain.UserTurn("earlier"),
		domain.UserTurn(huge),
	}
	got := b.Trim(turns)
	if len(got) != 1 || got[0].Text != huge {
		t.Errorf("expected only the newest turn, got %#v", got)
	}
}
