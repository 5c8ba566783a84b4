package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/martinemde/taskforge/agentloop"
	"github.com/martinemde/taskforge/sandbox"
)

func registerReadFile(reg *agentloop.ToolRegistry, env sandbox.ExecutionEnvironment, opts Options) error {
	return reg.Register(agentloop.ToolDefinition{
		Name:        "read_file",
		Description: "Read a file from the workspace. Returns line-numbered content.",
		Parameters: schema([]string{"file_path"}, map[string]interface{}{
			"file_path": prop("string", "Path to the file, relative to the working directory."),
			"offset":    intProp("1-based line number to start reading from.", 1),
			"limit":     intProp(fmt.Sprintf("Maximum number of lines to read. Default: %d.", opts.ReadLimit), 1),
		}),
	}, func(ctx context.Context, args agentloop.Arguments) (sandbox.Output, error) {
		path, _ := args.String("file_path")
		offset, _ := args.Int("offset")
		limit, ok := args.Int("limit")
		if !ok {
			limit = opts.ReadLimit
		}
		content, err := env.ReadFile(path, offset, limit)
		if err != nil {
			return sandbox.Output{}, err
		}
		return sandbox.Output{Text: content}, nil
	}, agentloop.Parallel(), agentloop.WithOutputLimits(50000, 0))
}

func registerWriteFile(reg *agentloop.ToolRegistry, env sandbox.ExecutionEnvironment) error {
	return reg.Register(agentloop.ToolDefinition{
		Name:        "write_file",
		Description: "Write content to a file. Creates the file and parent directories if needed.",
		Parameters: schema([]string{"file_path", "content"}, map[string]interface{}{
			"file_path": prop("string", "Path to write to, relative to the working directory."),
			"content":   prop("string", "The full file content to write."),
		}),
	}, func(ctx context.Context, args agentloop.Arguments) (sandbox.Output, error) {
		path, _ := args.String("file_path")
		content, _ := args.String("content")
		if err := env.WriteFile(path, content); err != nil {
			return sandbox.Output{}, err
		}
		return sandbox.Output{Text: fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), path)}, nil
	}, agentloop.WithOutputLimits(1000, 0), agentloop.WithTruncation(sandbox.TruncateTail))
}

func registerEditFile(reg *agentloop.ToolRegistry, env sandbox.ExecutionEnvironment) error {
	return reg.Register(agentloop.ToolDefinition{
		Name:        "edit_file",
		Description: "Replace an exact string occurrence in a file. The old_string must be unique in the file unless replace_all is true.",
		Parameters: schema([]string{"file_path", "old_string", "new_string"}, map[string]interface{}{
			"file_path":   prop("string", "Path to the file to edit."),
			"old_string":  map[string]interface{}{"type": "string", "description": "Exact text to find in the file.", "minLength": 1},
			"new_string":  prop("string", "Replacement text."),
			"replace_all": prop("boolean", "Replace all occurrences. Default: false."),
		}),
	}, func(ctx context.Context, args agentloop.Arguments) (sandbox.Output, error) {
		path, _ := args.String("file_path")
		oldString, _ := args.String("old_string")
		newString, _ := args.String("new_string")
		replaceAll, _ := args.Bool("replace_all")

		content, err := env.ReadRaw(path)
		if err != nil {
			return sandbox.Output{}, err
		}
		count := strings.Count(content, oldString)
		if count == 0 {
			return sandbox.Output{}, inputError("old_string not found in %s", path)
		}
		if count > 1 && !replaceAll {
			return sandbox.Output{}, inputError("old_string found %d times in %s. Provide more context to make it unique, or set replace_all=true", count, path)
		}

		replacements := 1
		if replaceAll {
			content = strings.ReplaceAll(content, oldString, newString)
			replacements = count
		} else {
			content = strings.Replace(content, oldString, newString, 1)
		}
		if err := env.WriteFile(path, content); err != nil {
			return sandbox.Output{}, err
		}
		return sandbox.Output{Text: fmt.Sprintf("Successfully replaced %d occurrence(s) in %s", replacements, path)}, nil
	}, agentloop.WithOutputLimits(10000, 0), agentloop.WithTruncation(sandbox.TruncateTail))
}

func registerFileManager(reg *agentloop.ToolRegistry, env sandbox.ExecutionEnvironment) error {
	return reg.Register(agentloop.ToolDefinition{
		Name:        "file_manager",
		Description: "Copy, move, delete or list files and directories, or create a directory.",
		Parameters: schema([]string{"operation", "path"}, map[string]interface{}{
			"operation":   enumProp("The operation to perform.", "copy", "move", "delete", "mkdir", "list"),
			"path":        prop("string", "Source path (or the directory to list or create)."),
			"destination": prop("string", "Destination path for copy and move."),
			"depth":       map[string]interface{}{"type": "integer", "description": "Listing depth. Default: 1.", "minimum": 1, "maximum": 5},
		}),
	}, func(ctx context.Context, args agentloop.Arguments) (sandbox.Output, error) {
		op, _ := args.String("operation")
		path, _ := args.String("path")
		dest, _ := args.String("destination")

		switch op {
		case "copy", "move":
			if dest == "" {
				return sandbox.Output{}, inputError("destination is required for %s", op)
			}
			apply := env.Copy
			if op == "move" {
				apply = env.Move
			}
			if err := apply(path, dest); err != nil {
				return sandbox.Output{}, err
			}
			return sandbox.Output{Text: fmt.Sprintf("%s %s -> %s", pastTense(op), path, dest)}, nil
		case "delete":
			if err := env.Remove(path); err != nil {
				return sandbox.Output{}, err
			}
			return sandbox.Output{Text: "Deleted " + path}, nil
		case "mkdir":
			if err := env.MakeDir(path); err != nil {
				return sandbox.Output{}, err
			}
			return sandbox.Output{Text: "Created directory " + path}, nil
		default:
			depth, _ := args.Int("depth")
			entries, err := env.ListDirectory(path, depth)
			if err != nil {
				return sandbox.Output{}, err
			}
			if len(entries) == 0 {
				return sandbox.Output{Text: "(empty directory)"}, nil
			}
			var sb strings.Builder
			for _, e := range entries {
				if e.IsDir {
					fmt.Fprintf(&sb, "%s/\n", e.Name)
				} else {
					fmt.Fprintf(&sb, "%s (%d bytes)\n", e.Name, e.Size)
				}
			}
			return sandbox.Output{Text: sb.String()}, nil
		}
	}, agentloop.WithOutputLimits(20000, 500), agentloop.WithTruncation(sandbox.TruncateTail))
}

func pastTense(op string) string {
	if op == "copy" {
		return "Copied"
	}
	return "Moved"
}
