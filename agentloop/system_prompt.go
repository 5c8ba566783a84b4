package agentloop

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const maxProjectDocBytes = 32 * 1024 // 32KB

// Workspace describes where tools run. sandbox.LocalEnvironment satisfies it.
type Workspace interface {
	WorkingDirectory() string
	Platform() string
	OSVersion() string
}

const basePrompt = `You are an autonomous software engineer working on a single coding task.

Work in small steps. Use the tools to inspect the workspace, run commands and
change files; every tool result, including failures, is shown to you on the
next turn. When several independent reads are needed, request them together.
If a tool keeps failing, change approach instead of repeating the same call.

When the task is complete, reply with the final answer and no tool calls. The
final answer should contain the code or text the task asks for.`

// BuildSystemPrompt assembles the system prompt for a session: the base
// instructions, the environment block, the task's language and framework
// hints, project instruction files and any user instructions.
func BuildSystemPrompt(ws Workspace, task Task, model string, toolNames []string, userInstructions string) string {
	sections := []string{basePrompt}

	if ws != nil {
		sections = append(sections, BuildEnvironmentContext(ws, model))
	}
	if hints := taskHints(task.Context); hints != "" {
		sections = append(sections, hints)
	}
	if len(toolNames) > 0 {
		sections = append(sections, "Available tools: "+strings.Join(toolNames, ", "))
	}
	if ws != nil {
		if docs := DiscoverProjectDocs(ws.WorkingDirectory()); docs != "" {
			sections = append(sections, "# Project Instructions\n\n"+docs)
		}
	}
	if userInstructions != "" {
		sections = append(sections, "# User Instructions\n\n"+userInstructions)
	}
	return strings.Join(sections, "\n\n")
}

func taskHints(c TaskContext) string {
	var lines []string
	if c.Language != "" {
		lines = append(lines, "Target language: "+c.Language)
	}
	if c.Framework != "" {
		lines = append(lines, "Framework: "+c.Framework)
	}
	for _, constraint := range c.Constraints {
		lines = append(lines, "Constraint: "+constraint)
	}
	return strings.Join(lines, "\n")
}

// BuildEnvironmentContext generates the structured environment context block.
func BuildEnvironmentContext(ws Workspace, model string) string {
	workingDir := ws.WorkingDirectory()
	gitBranch := ""
	isGitRepo := isGitRepository(workingDir)
	if isGitRepo {
		gitBranch = getGitBranch(workingDir)
	}

	var sb strings.Builder
	sb.WriteString("<environment>\n")
	fmt.Fprintf(&sb, "Working directory: %s\n", workingDir)
	fmt.Fprintf(&sb, "Is git repository: %v\n", isGitRepo)
	if gitBranch != "" {
		fmt.Fprintf(&sb, "Git branch: %s\n", gitBranch)
	}
	fmt.Fprintf(&sb, "Platform: %s\n", ws.Platform())
	fmt.Fprintf(&sb, "OS version: %s\n", ws.OSVersion())
	fmt.Fprintf(&sb, "Today's date: %s\n", time.Now().Format("2006-01-02"))
	if model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", model)
	}
	sb.WriteString("</environment>")
	return sb.String()
}

// DiscoverProjectDocs loads AGENTS.md files from the git root (or working
// directory) down to the working directory, capped at 32KB in total.
func DiscoverProjectDocs(workingDir string) string {
	root := gitRoot(workingDir)
	if root == "" {
		root = workingDir
	}

	var docs []string
	totalBytes := 0
	for _, dir := range collectPathHierarchy(root, workingDir) {
		content, err := os.ReadFile(filepath.Join(dir, "AGENTS.md"))
		if err != nil {
			continue
		}
		remaining := maxProjectDocBytes - totalBytes
		if remaining <= 0 {
			docs = append(docs, "[Project instructions truncated at 32KB]")
			break
		}
		text := string(content)
		if len(text) > remaining {
			text = text[:remaining] + "\n[Project instructions truncated at 32KB]"
		}
		docs = append(docs, fmt.Sprintf("# AGENTS.md (from %s)\n\n%s", dir, text))
		totalBytes += len(text)
	}
	return strings.Join(docs, "\n\n---\n\n")
}

// collectPathHierarchy returns directories from root to target, inclusive.
func collectPathHierarchy(root, target string) []string {
	root = filepath.Clean(root)
	target = filepath.Clean(target)
	dirs := []string{root}
	if root == target {
		return dirs
	}

	rel, err := filepath.Rel(root, target)
	if err != nil || strings.HasPrefix(rel, "..") {
		return dirs
	}
	current := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == "." {
			continue
		}
		current = filepath.Join(current, part)
		dirs = append(dirs, current)
	}
	return dirs
}

func isGitRepository(dir string) bool {
	return strings.TrimSpace(runGit(dir, "rev-parse", "--is-inside-work-tree")) == "true"
}

func gitRoot(dir string) string {
	return strings.TrimSpace(runGit(dir, "rev-parse", "--show-toplevel"))
}

func getGitBranch(dir string) string {
	return strings.TrimSpace(runGit(dir, "rev-parse", "--abbrev-ref", "HEAD"))
}

func runGit(dir string, args ...string) string {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return string(out)
}
