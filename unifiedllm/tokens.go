package unifiedllm

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

func loadEncoding() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	return encoding
}

// CountTokens returns the cl100k_base token count of text. If the encoding
// cannot be loaded (it is fetched on first use) a character heuristic is used.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if enc := loadEncoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return EstimateTokens(text)
}

// EstimateTokens returns max(runes/4, words), at least 1 for non-empty text.
func EstimateTokens(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	estimate := len([]rune(trimmed)) / 4
	if words := len(strings.Fields(trimmed)); estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

// CountMessageTokens sums the token count of every textual part of msgs.
func CountMessageTokens(msgs []Message) int {
	total := 0
	for _, msg := range msgs {
		for _, part := range msg.Content {
			switch part.Kind {
			case ContentText:
				total += CountTokens(part.Text)
			case ContentThinking:
				if part.Thinking != nil {
					total += CountTokens(part.Thinking.Text)
				}
			case ContentToolCall:
				if part.ToolCall != nil {
					total += CountTokens(part.ToolCall.Name) + CountTokens(string(part.ToolCall.Arguments))
				}
			case ContentToolResult:
				if part.ToolResult != nil {
					total += CountTokens(part.ToolResult.Content)
				}
			}
		}
	}
	return total
}
