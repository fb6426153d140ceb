// Package tokens bounds how much conversation history is sent with a
// request, using tiktoken counts.
package tokens

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"

	"github.com/parleyhq/parley-go/internal/domain"
)

// perTurnOverhead approximates the framing cost of one turn (role tag and
// message separators), matching the accounting OpenAI documents for chat
// messages.
const perTurnOverhead = 4

// Budgeter trims conversation history to a token budget. The zero-value nil
// Budgeter performs no trimming.
type Budgeter struct {
	budget int
	codec  tokenizer.Codec
}

// NewBudgeter creates a budgeter with the given budget. A budget of zero or
// less disables trimming.
func NewBudgeter(budget int) (*Budgeter, error) {
	if budget <= 0 {
		return nil, nil
	}
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("get tokenizer encoding: %w", err)
	}
	return &Budgeter{budget: budget, codec: codec}, nil
}

// Count returns the token count of one text segment.
func (b *Budgeter) Count(text string) int {
	ids, _, err := b.codec.Encode(text)
	if err != nil {
		return 0
	}
	return len(ids)
}

// Trim drops the oldest turns until the remainder fits the budget. The
// newest turn always survives even when it alone exceeds the budget; the
// server is the authority on hard context limits.
func (b *Budgeter) Trim(turns []domain.Turn) []domain.Turn {
	if b == nil || len(turns) <= 1 {
		return turns
	}

	total := 0
	for i := len(turns) - 1; i >= 0; i-- {
		total += b.Count(turns[i].Text) + perTurnOverhead
		if total > b.budget && i < len(turns)-1 {
			return turns[i+1:]
		}
	}
	return turns
}
