// Package budget decides which stored turns fit a model's context window.
//
// The policy is deterministic on purpose: the incoming content is always included
// whole (or the call fails), and remaining space is filled with whole turns from
// most-recent to oldest. Turns are never partially truncated.
package budget

import (
	"errors"
	"strings"

	"github.com/continuum-ai/continuum/internal/thread"
)

var ErrBudgetExceeded = errors.New("incoming content exceeds model budget")

// Limits carries the resolved model's numeric constraints.
type Limits struct {
	// ContextWindow is the model's total context size in tokens.
	ContextWindow int
	// ReservedOutput is the output budget held back from the window.
	ReservedOutput int
}

// Available returns the usable budget for history plus incoming content.
func (l Limits) Available() int {
	b := l.ContextWindow - l.ReservedOutput
	if b < 0 {
		return 0
	}
	return b
}

// Allocation is the result of one budget decision.
type Allocation struct {
	// Retained holds the selected history turns in their original order.
	Retained []thread.Turn
	// Dropped holds the turns excluded by the budget, oldest first. For observability;
	// dropped turns remain recorded on the thread.
	Dropped []thread.Turn
	// HistoryTokens is the summed token count of retained turns.
	HistoryTokens int
	// IncomingTokens is the token count charged for the incoming content.
	IncomingTokens int
}

// EstimateTokens approximates the token count of a text. Recorded counts are always
// preferred; this heuristic only covers content that has never been metered.
func EstimateTokens(text string) int {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	chars := len([]rune(text))
	tokens := chars/4 + 32
	if tokens < 0 {
		return 0
	}
	return tokens
}

// TurnTokens returns the turn's recorded token count, falling back to an estimate.
func TurnTokens(t thread.Turn) int {
	if t.TokenCount > 0 {
		return t.TokenCount
	}
	return EstimateTokens(t.Text())
}

// Allocate selects the history turns that fit alongside the incoming content.
//
// Rules:
// - incomingTokens is charged first; if it alone exceeds the available budget, the
//   call fails with ErrBudgetExceeded rather than truncating mid-content.
// - turns fill the remainder newest-first; a turn is included whole or not at all.
// - same inputs always produce the same selection.
func Allocate(turns []thread.Turn, limits Limits, incomingTokens int) (Allocation, error) {
	if incomingTokens < 0 {
		incomingTokens = 0
	}
	available := limits.Available()
	if incomingTokens > available {
		return Allocation{}, ErrBudgetExceeded
	}

	remaining := available - incomingTokens
	cut := len(turns)
	used := 0
	for i := len(turns) - 1; i >= 0; i-- {
		cost := TurnTokens(turns[i])
		if cost > remaining {
			break
		}
		remaining -= cost
		used += cost
		cut = i
	}

	out := Allocation{
		HistoryTokens:  used,
		IncomingTokens: incomingTokens,
	}
	if cut < len(turns) {
		out.Retained = append([]thread.Turn(nil), turns[cut:]...)
	}
	if cut > 0 {
		out.Dropped = append([]thread.Turn(nil), turns[:cut]...)
	}
	return out, nil
}
