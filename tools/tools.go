// Package tools provides the built-in tool set: shell commands, file
// editing, search, git, test running and desktop control. Every tool
// delegates to a sandbox.ExecutionEnvironment or sandbox.Desktop.
package tools

import (
	"fmt"
	"strings"
	"time"

	"github.com/martinemde/taskforge/agentloop"
	"github.com/martinemde/taskforge/sandbox"
)

// Options tunes the default tool set.
type Options struct {
	CommandTimeout time.Duration // run_command and git; 0 = adapter default
	TestTimeout    time.Duration // run_tests
	ReadLimit      int           // default line limit of read_file
}

// DefaultOptions returns the default tool settings.
func DefaultOptions() Options {
	return Options{
		CommandTimeout: 10 * time.Second,
		TestTimeout:    5 * time.Minute,
		ReadLimit:      2000,
	}
}

// RegisterDefaults registers every built-in tool on reg. The computer tool
// is only registered when desktop is non-nil.
func RegisterDefaults(reg *agentloop.ToolRegistry, env sandbox.ExecutionEnvironment, desktop sandbox.Desktop, opts Options) error {
	registrations := []func() error{
		func() error { return registerReadFile(reg, env, opts) },
		func() error { return registerWriteFile(reg, env) },
		func() error { return registerEditFile(reg, env) },
		func() error { return registerFileManager(reg, env) },
		func() error { return registerRunCommand(reg, env, opts) },
		func() error { return registerGit(reg, env, opts) },
		func() error { return registerRunTests(reg, env, opts) },
		func() error { return registerGrep(reg, env) },
		func() error { return registerGlob(reg, env) },
	}
	if desktop != nil {
		registrations = append(registrations, func() error { return registerComputer(reg, desktop) })
	}
	for _, register := range registrations {
		if err := register(); err != nil {
			return err
		}
	}
	return nil
}

// schema builds an object schema from property definitions.
func schema(required []string, props map[string]interface{}) map[string]interface{} {
	s := map[string]interface{}{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func prop(typ, description string) map[string]interface{} {
	return map[string]interface{}{"type": typ, "description": description}
}

func enumProp(description string, values ...string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description, "enum": values}
}

func intProp(description string, minimum int) map[string]interface{} {
	return map[string]interface{}{"type": "integer", "description": description, "minimum": minimum}
}

func timeoutProp() map[string]interface{} {
	return intProp("Override the default timeout in milliseconds.", 1)
}

// shellQuote quotes s for bash.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:@+,", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func inputError(format string, args ...any) error {
	return &sandbox.InputError{Message: fmt.Sprintf(format, args...)}
}
