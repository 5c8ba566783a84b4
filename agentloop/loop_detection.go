package agentloop

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// failureTracker counts consecutive failures per tool name. A success of a
// tool resets only that tool's streak.
type failureTracker struct {
	limit  int
	streak map[string]int
}

func newFailureTracker(limit int) *failureTracker {
	if limit <= 0 {
		limit = 1
	}
	return &failureTracker{limit: limit, streak: make(map[string]int)}
}

// record notes one outcome and reports whether the tool has now failed
// limit times in a row.
func (t *failureTracker) record(tool string, ok bool) bool {
	if ok {
		delete(t.streak, tool)
		return false
	}
	t.streak[tool]++
	return t.streak[tool] >= t.limit
}

func (t *failureTracker) count(tool string) int {
	return t.streak[tool]
}

// toolCallSignature computes a deterministic signature for a tool call
// (name + hash of arguments).
func toolCallSignature(name string, arguments json.RawMessage) string {
	h := sha256.Sum256(arguments)
	return fmt.Sprintf("%s:%x", name, h[:8])
}

// extractToolCallSignatures returns the signatures of the most recent count
// tool requests in chronological order.
func extractToolCallSignatures(history []Turn, count int) []string {
	var sigs []string
	for i := len(history) - 1; i >= 0 && len(sigs) < count; i-- {
		turn := history[i]
		if turn.Kind != TurnModel || turn.Model == nil {
			continue
		}
		reqs := turn.Model.ToolRequests
		for j := len(reqs) - 1; j >= 0 && len(sigs) < count; j-- {
			sigs = append(sigs, toolCallSignature(reqs[j].Name, reqs[j].Arguments))
		}
	}
	for i, j := 0, len(sigs)-1; i < j; i, j = i+1, j-1 {
		sigs[i], sigs[j] = sigs[j], sigs[i]
	}
	return sigs
}

// DetectLoop checks if the last windowSize tool requests follow a repeating
// pattern of length 1, 2, or 3.
func DetectLoop(history []Turn, windowSize int) bool {
	if windowSize <= 0 {
		return false
	}
	sigs := extractToolCallSignatures(history, windowSize)
	if len(sigs) < windowSize {
		return false
	}

	for patternLen := 1; patternLen <= 3; patternLen++ {
		if windowSize%patternLen != 0 {
			continue
		}
		allMatch := true
		for i := patternLen; i < windowSize && allMatch; i++ {
			if sigs[i] != sigs[i%patternLen] {
				allMatch = false
			}
		}
		if allMatch {
			return true
		}
	}
	return false
}
