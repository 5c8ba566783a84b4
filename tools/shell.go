package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/martinemde/taskforge/agentloop"
	"github.com/martinemde/taskforge/sandbox"
)

// runShell executes command and folds a non-zero exit into an ExitError so
// the result is recorded as failed while the output stays visible.
func runShell(ctx context.Context, env sandbox.ExecutionEnvironment, command string, opts sandbox.ExecOptions) (sandbox.Output, error) {
	result, err := env.ExecCommand(ctx, command, opts)
	if err != nil {
		return sandbox.Output{}, err
	}
	if result.TimedOut {
		return sandbox.Output{Text: result.Output(), Truncated: result.Truncated}, context.DeadlineExceeded
	}

	var sb strings.Builder
	sb.WriteString(result.Output())
	if result.ExitCode != 0 {
		fmt.Fprintf(&sb, "\n\n[Exit code: %d]", result.ExitCode)
		return sandbox.Output{Text: sb.String(), Truncated: result.Truncated}, &sandbox.ExitError{Code: result.ExitCode}
	}
	return sandbox.Output{Text: sb.String(), Truncated: result.Truncated}, nil
}

func registerRunCommand(reg *agentloop.ToolRegistry, env sandbox.ExecutionEnvironment, opts Options) error {
	return reg.Register(agentloop.ToolDefinition{
		Name:        "run_command",
		Description: "Execute a bash command in the workspace. Returns stdout, stderr and the exit code.",
		Parameters: schema([]string{"command"}, map[string]interface{}{
			"command":           map[string]interface{}{"type": "string", "description": "The command to run.", "minLength": 1},
			"timeout_ms":        timeoutProp(),
			"working_directory": prop("string", "Directory to run in, relative to the working directory."),
			"environment": map[string]interface{}{
				"type":                 "object",
				"description":          "Extra environment variables.",
				"additionalProperties": map[string]interface{}{"type": "string"},
			},
			"description": prop("string", "Human-readable description of what this command does."),
		}),
	}, func(ctx context.Context, args agentloop.Arguments) (sandbox.Output, error) {
		command, _ := args.String("command")
		dir, _ := args.String("working_directory")
		return runShell(ctx, env, command, sandbox.ExecOptions{
			WorkingDir: dir,
			Env:        args.StringMap("environment"),
		})
	}, agentloop.WithTimeout(opts.CommandTimeout), agentloop.WithOutputLimits(30000, 256))
}

var gitActions = []string{"status", "diff", "add", "commit", "log", "branch", "checkout", "merge", "stash", "push", "pull"}

func registerGit(reg *agentloop.ToolRegistry, env sandbox.ExecutionEnvironment, opts Options) error {
	return reg.Register(agentloop.ToolDefinition{
		Name:        "git",
		Description: "Run a git operation in the workspace repository.",
		Parameters: schema([]string{"action"}, map[string]interface{}{
			"action":     enumProp("The git operation.", gitActions...),
			"files":      map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}, "description": "Files for add and diff."},
			"message":    prop("string", "Commit message."),
			"branch":     prop("string", "Branch for branch, checkout, merge, push and pull."),
			"remote":     prop("string", "Remote for push and pull. Default: origin."),
			"limit":      map[string]interface{}{"type": "integer", "description": "Number of log entries. Default: 10.", "minimum": 1, "maximum": 200},
			"timeout_ms": timeoutProp(),
		}),
	}, func(ctx context.Context, args agentloop.Arguments) (sandbox.Output, error) {
		argv, err := gitArgs(args)
		if err != nil {
			return sandbox.Output{}, err
		}
		quoted := make([]string, len(argv))
		for i, a := range argv {
			quoted[i] = shellQuote(a)
		}
		return runShell(ctx, env, "git "+strings.Join(quoted, " "), sandbox.ExecOptions{
			Env: map[string]string{"GIT_TERMINAL_PROMPT": "0", "GIT_PAGER": "cat"},
		})
	}, agentloop.WithTimeout(opts.CommandTimeout), agentloop.WithOutputLimits(30000, 500))
}

// gitArgs builds the git argument list for an action.
func gitArgs(args agentloop.Arguments) ([]string, error) {
	action, _ := args.String("action")
	files := args.Strings("files")
	branch, _ := args.String("branch")
	remote, _ := args.String("remote")
	if remote == "" {
		remote = "origin"
	}

	switch action {
	case "status":
		return []string{"status", "--short", "--branch"}, nil
	case "diff":
		return append([]string{"diff", "--"}, files...), nil
	case "add":
		if len(files) == 0 {
			return nil, inputError("files are required for add")
		}
		return append([]string{"add", "--"}, files...), nil
	case "commit":
		message, _ := args.String("message")
		if strings.TrimSpace(message) == "" {
			return nil, inputError("message is required for commit")
		}
		return []string{"commit", "-m", message}, nil
	case "log":
		limit, ok := args.Int("limit")
		if !ok {
			limit = 10
		}
		return []string{"log", "--oneline", fmt.Sprintf("-%d", limit)}, nil
	case "branch":
		if branch == "" {
			return []string{"branch", "--list"}, nil
		}
		return []string{"checkout", "-b", branch}, nil
	case "checkout", "merge":
		if branch == "" {
			return nil, inputError("branch is required for %s", action)
		}
		return []string{action, branch}, nil
	case "stash":
		return []string{"stash", "push"}, nil
	case "push", "pull":
		argv := []string{action, remote}
		if branch != "" {
			argv = append(argv, branch)
		}
		return argv, nil
	default:
		return nil, inputError("unsupported git action %q", action)
	}
}

func registerRunTests(reg *agentloop.ToolRegistry, env sandbox.ExecutionEnvironment, opts Options) error {
	return reg.Register(agentloop.ToolDefinition{
		Name:        "run_tests",
		Description: "Run the project's tests. Detects the test runner from the workspace unless a command is given.",
		Parameters: schema(nil, map[string]interface{}{
			"command":    prop("string", "Explicit test command, e.g. \"go test ./pkg/...\"."),
			"target":     prop("string", "Test file, package or pattern appended to the detected command."),
			"timeout_ms": timeoutProp(),
		}),
	}, func(ctx context.Context, args agentloop.Arguments) (sandbox.Output, error) {
		command, _ := args.String("command")
		if command == "" {
			detected, err := detectTestCommand(env)
			if err != nil {
				return sandbox.Output{}, err
			}
			command = detected
			if target, _ := args.String("target"); target != "" {
				command += " " + shellQuote(target)
			}
		}
		return runShell(ctx, env, command, sandbox.ExecOptions{})
	}, agentloop.WithTimeout(opts.TestTimeout), agentloop.WithOutputLimits(30000, 400))
}

var testRunners = []struct {
	marker  string
	command string
}{
	{"go.mod", "go test ./..."},
	{"Cargo.toml", "cargo test"},
	{"package.json", "npm test --silent"},
	{"pyproject.toml", "python -m pytest -q"},
	{"pytest.ini", "python -m pytest -q"},
	{"setup.py", "python -m pytest -q"},
	{"Gemfile", "bundle exec rake test"},
}

func detectTestCommand(env sandbox.ExecutionEnvironment) (string, error) {
	for _, r := range testRunners {
		if env.FileExists(r.marker) {
			return r.command, nil
		}
	}
	return "", inputError("could not detect a test runner; pass command explicitly")
}
