package sandbox

import (
	"fmt"
	"strings"
)

// TruncationMode specifies how output is truncated.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

// TruncateOutput caps output at maxBytes and reports whether anything was
// removed. The marker text is not counted against the cap.
func TruncateOutput(output string, maxBytes int, mode TruncationMode) (string, bool) {
	if maxBytes <= 0 || len(output) <= maxBytes {
		return output, false
	}
	removed := len(output) - maxBytes

	switch mode {
	case TruncateTail:
		return fmt.Sprintf("[output truncated: first %d bytes removed]\n", removed) +
			output[len(output)-maxBytes:], true
	default:
		half := maxBytes / 2
		return output[:half] +
			fmt.Sprintf("\n\n[output truncated: %d bytes removed from the middle; re-run with narrower parameters to see them]\n\n", removed) +
			output[len(output)-(maxBytes-half):], true
	}
}

// TruncateLines keeps the first and last lines of output so that at most
// maxLines remain, and reports whether anything was removed.
func TruncateLines(output string, maxLines int) (string, bool) {
	if maxLines <= 0 {
		return output, false
	}
	lines := strings.Split(output, "\n")
	if len(lines) <= maxLines {
		return output, false
	}

	headCount := maxLines / 2
	tailCount := maxLines - headCount
	omitted := len(lines) - headCount - tailCount

	return strings.Join(lines[:headCount], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tailCount:], "\n"), true
}
