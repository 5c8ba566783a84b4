package tools

import (
	"context"
	"strings"

	"github.com/martinemde/taskforge/agentloop"
	"github.com/martinemde/taskforge/sandbox"
)

func registerGrep(reg *agentloop.ToolRegistry, env sandbox.ExecutionEnvironment) error {
	return reg.Register(agentloop.ToolDefinition{
		Name:        "grep",
		Description: "Search file contents using regex patterns. Returns matching lines with file paths and line numbers.",
		Parameters: schema([]string{"pattern"}, map[string]interface{}{
			"pattern":          map[string]interface{}{"type": "string", "description": "Regex pattern to search for.", "minLength": 1},
			"path":             prop("string", "Directory or file to search. Default: working directory."),
			"glob_filter":      prop("string", "File pattern filter (e.g., \"*.py\")."),
			"case_insensitive": prop("boolean", "Case insensitive search. Default: false."),
			"max_results":      map[string]interface{}{"type": "integer", "description": "Maximum matches per file. Default: 100.", "minimum": 1, "maximum": 1000},
		}),
	}, func(ctx context.Context, args agentloop.Arguments) (sandbox.Output, error) {
		pattern, _ := args.String("pattern")
		path, _ := args.String("path")
		globFilter, _ := args.String("glob_filter")
		caseInsensitive, _ := args.Bool("case_insensitive")
		maxResults, ok := args.Int("max_results")
		if !ok {
			maxResults = 100
		}

		out, err := env.Grep(ctx, pattern, path, sandbox.GrepOptions{
			GlobFilter:      globFilter,
			CaseInsensitive: caseInsensitive,
			MaxResults:      maxResults,
		})
		if err != nil {
			return sandbox.Output{}, err
		}
		if strings.TrimSpace(out) == "" {
			out = "No matches found."
		}
		return sandbox.Output{Text: out}, nil
	}, agentloop.Parallel(), agentloop.WithOutputLimits(20000, 200), agentloop.WithTruncation(sandbox.TruncateTail))
}

func registerGlob(reg *agentloop.ToolRegistry, env sandbox.ExecutionEnvironment) error {
	return reg.Register(agentloop.ToolDefinition{
		Name:        "glob",
		Description: "Find files matching a glob pattern. Returns paths relative to the working directory.",
		Parameters: schema([]string{"pattern"}, map[string]interface{}{
			"pattern": map[string]interface{}{"type": "string", "description": "Glob pattern (e.g., \"*.go\").", "minLength": 1},
			"path":    prop("string", "Base directory. Default: working directory."),
		}),
	}, func(ctx context.Context, args agentloop.Arguments) (sandbox.Output, error) {
		pattern, _ := args.String("pattern")
		path, _ := args.String("path")
		matches, err := env.Glob(pattern, path)
		if err != nil {
			return sandbox.Output{}, err
		}
		if len(matches) == 0 {
			return sandbox.Output{Text: "No files matched the pattern."}, nil
		}
		return sandbox.Output{Text: strings.Join(matches, "\n")}, nil
	}, agentloop.Parallel(), agentloop.WithOutputLimits(20000, 500), agentloop.WithTruncation(sandbox.TruncateTail))
}
