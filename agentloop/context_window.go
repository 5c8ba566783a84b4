package agentloop

import "fmt"

const elidedMarker = "[earlier reasoning elided to fit the context window]"

// TokenCounter estimates the number of tokens in a string.
type TokenCounter func(string) int

// HistoryTokens estimates the tokens the history occupies in a request.
func HistoryTokens(history []Turn, count TokenCounter) int {
	total := 0
	for _, turn := range history {
		total += turnTokens(turn, count)
	}
	return total
}

func turnTokens(turn Turn, count TokenCounter) int {
	n := 0
	switch turn.Kind {
	case TurnModel:
		if turn.Model == nil {
			return 0
		}
		n += count(turn.Model.Text) + count(turn.Model.Reasoning)
		for _, req := range turn.Model.ToolRequests {
			n += count(req.Name) + count(string(req.Arguments))
		}
	case TurnToolResult:
		if turn.ToolResult != nil {
			n += count(turn.ToolResult.Content())
		}
	}
	return n
}

// WindowHistory returns a copy of history that fits budget tokens where
// possible. While over budget, the text and reasoning of the oldest model
// turns are replaced by a short marker. Tool requests, tool results and the
// last model turn are kept verbatim, so the result may still exceed the
// budget. The input slice is not modified.
func WindowHistory(history []Turn, budget int, count TokenCounter) []Turn {
	out := append([]Turn(nil), history...)
	if budget <= 0 {
		return out
	}
	total := HistoryTokens(out, count)
	if total <= budget {
		return out
	}

	lastModel := -1
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Kind == TurnModel {
			lastModel = i
			break
		}
	}

	for i := 0; i < len(out) && total > budget; i++ {
		turn := out[i]
		if i == lastModel || turn.Kind != TurnModel || turn.Model == nil {
			continue
		}
		if turn.Model.Text == "" && turn.Model.Reasoning == "" {
			continue
		}
		before := turnTokens(turn, count)
		m := *turn.Model
		if m.Text != "" {
			m.Text = elidedMarker
		}
		m.Reasoning = ""
		turn.Model = &m
		out[i] = turn
		total += turnTokens(turn, count) - before
	}
	return out
}

// contextBudget derives the history budget for a model: three quarters of
// its context window, leaving room for the system prompt and the reply.
func contextBudget(cfg SessionConfig, window int) int {
	if cfg.ContextBudget > 0 {
		return cfg.ContextBudget
	}
	if window <= 0 {
		return 0
	}
	return window * 3 / 4
}

func elisionNote(before, after int) string {
	return fmt.Sprintf("history windowed from ~%d to ~%d tokens", before, after)
}
