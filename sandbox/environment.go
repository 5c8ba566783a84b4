package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"
)

// ExecResult holds the result of a command execution.
type ExecResult struct {
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	ExitCode  int           `json:"exit_code"`
	TimedOut  bool          `json:"timed_out"`
	Truncated bool          `json:"truncated,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Output returns combined stdout and stderr.
func (r ExecResult) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// DirEntry represents a filesystem directory entry.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size,omitempty"`
}

// GrepOptions configures grep behavior.
type GrepOptions struct {
	GlobFilter      string `json:"glob_filter,omitempty"`
	CaseInsensitive bool   `json:"case_insensitive,omitempty"`
	MaxResults      int    `json:"max_results,omitempty"`
}

// ExecOptions configures one command execution.
type ExecOptions struct {
	WorkingDir string
	Env        map[string]string
	Stdin      string
}

// ExecutionEnvironment abstracts where tool operations run. Every blocking
// operation takes a context and must release its resources when it is done.
type ExecutionEnvironment interface {
	ReadFile(path string, offset, limit int) (string, error)
	ReadRaw(path string) (string, error)
	WriteFile(path, content string) error
	FileExists(path string) bool
	ListDirectory(path string, depth int) ([]DirEntry, error)
	Remove(path string) error
	Move(src, dst string) error
	Copy(src, dst string) error
	MakeDir(path string) error

	ExecCommand(ctx context.Context, command string, opts ExecOptions) (*ExecResult, error)
	Grep(ctx context.Context, pattern, path string, options GrepOptions) (string, error)
	Glob(pattern, path string) ([]string, error)

	Initialize() error
	Cleanup() error

	WorkingDirectory() string
	Platform() string
	OSVersion() string
}

var sensitiveEnvPatterns = []string{
	"_API_KEY",
	"_SECRET",
	"_TOKEN",
	"_PASSWORD",
	"_CREDENTIAL",
}

// safeEnvVars are always passed through.
var safeEnvVars = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"LANG": true, "TERM": true, "TMPDIR": true, "DISPLAY": true,
	"GOPATH": true, "GOROOT": true, "GOCACHE": true, "CARGO_HOME": true,
	"NVM_DIR": true, "RUSTUP_HOME": true, "PYENV_ROOT": true, "VIRTUAL_ENV": true,
}

func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, pattern := range sensitiveEnvPatterns {
		if strings.HasSuffix(upper, pattern) {
			return true
		}
	}
	return false
}

// filterEnvironment returns the process environment without credentials.
func filterEnvironment() []string {
	var filtered []string
	for _, env := range os.Environ() {
		name, _, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}
		if safeEnvVars[name] || !isSensitiveEnvVar(name) {
			filtered = append(filtered, env)
		}
	}
	return filtered
}

// LocalEnvironment runs tools on the local machine, confined to a workspace
// directory.
type LocalEnvironment struct {
	workingDir   string
	killGrace    time.Duration
	captureLimit int
}

// DefaultCaptureLimit bounds how many bytes of each command stream are kept
// in memory.
const DefaultCaptureLimit = 1 << 20

// NewLocalEnvironment creates a local execution environment rooted at
// workingDir (the process working directory when empty).
func NewLocalEnvironment(workingDir string) *LocalEnvironment {
	if workingDir == "" {
		workingDir, _ = os.Getwd()
	}
	if abs, err := filepath.Abs(workingDir); err == nil {
		workingDir = abs
	}
	return &LocalEnvironment{workingDir: workingDir, killGrace: 2 * time.Second, captureLimit: DefaultCaptureLimit}
}

// SetCaptureLimit sets how many bytes of stdout and of stderr ExecCommand
// keeps. Output past the limit is discarded and the result marked
// truncated. n <= 0 restores DefaultCaptureLimit.
func (e *LocalEnvironment) SetCaptureLimit(n int) {
	if n <= 0 {
		n = DefaultCaptureLimit
	}
	e.captureLimit = n
}

func (e *LocalEnvironment) Initialize() error {
	return os.MkdirAll(e.workingDir, 0o755)
}

func (e *LocalEnvironment) Cleanup() error {
	return nil
}

func (e *LocalEnvironment) WorkingDirectory() string {
	return e.workingDir
}

func (e *LocalEnvironment) Platform() string {
	return runtime.GOOS
}

func (e *LocalEnvironment) OSVersion() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}

// resolvePath makes path absolute against the workspace and rejects paths
// that land outside it.
func (e *LocalEnvironment) resolvePath(path string) (string, error) {
	if path == "" {
		return e.workingDir, nil
	}
	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(e.workingDir, resolved)
	}
	resolved = filepath.Clean(resolved)
	rel, err := filepath.Rel(e.workingDir, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", path, ErrOutsideWorkspace)
	}
	return resolved, nil
}

func (e *LocalEnvironment) ReadFile(path string, offset, limit int) (string, error) {
	resolved, err := e.resolvePath(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", err
	}

	lines := strings.Split(string(data), "\n")

	// offset is 1-based.
	startLine := 0
	if offset > 0 {
		startLine = offset - 1
	}
	if startLine >= len(lines) {
		return "", nil
	}
	endLine := len(lines)
	if limit > 0 && startLine+limit < endLine {
		endLine = startLine + limit
	}

	var sb strings.Builder
	for i := startLine; i < endLine; i++ {
		fmt.Fprintf(&sb, "%d | %s\n", i+1, lines[i])
	}
	return sb.String(), nil
}

// ReadRaw returns the file content without line numbers.
func (e *LocalEnvironment) ReadRaw(path string) (string, error) {
	resolved, err := e.resolvePath(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (e *LocalEnvironment) WriteFile(path, content string) error {
	resolved, err := e.resolvePath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return err
	}
	return os.WriteFile(resolved, []byte(content), 0o644)
}

func (e *LocalEnvironment) FileExists(path string) bool {
	resolved, err := e.resolvePath(path)
	if err != nil {
		return false
	}
	_, err = os.Stat(resolved)
	return err == nil
}

// ListDirectory lists path. depth > 1 descends into subdirectories; nested
// entries are reported with their path relative to path.
func (e *LocalEnvironment) ListDirectory(path string, depth int) ([]DirEntry, error) {
	resolved, err := e.resolvePath(path)
	if err != nil {
		return nil, err
	}
	if depth <= 0 {
		depth = 1
	}
	var result []DirEntry
	var walk func(dir, prefix string, level int) error
	walk = func(dir, prefix string, level int) error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			de := DirEntry{Name: prefix + entry.Name(), IsDir: entry.IsDir()}
			if info, err := entry.Info(); err == nil && !entry.IsDir() {
				de.Size = info.Size()
			}
			result = append(result, de)
			if entry.IsDir() && level < depth {
				if err := walk(filepath.Join(dir, entry.Name()), de.Name+"/", level+1); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(resolved, "", 1); err != nil {
		return nil, err
	}
	return result, nil
}

func (e *LocalEnvironment) Remove(path string) error {
	resolved, err := e.resolvePath(path)
	if err != nil {
		return err
	}
	if resolved == e.workingDir {
		return &InputError{Message: "refusing to remove the workspace root"}
	}
	if _, err := os.Lstat(resolved); err != nil {
		return err
	}
	return os.RemoveAll(resolved)
}

func (e *LocalEnvironment) Move(src, dst string) error {
	from, err := e.resolvePath(src)
	if err != nil {
		return err
	}
	to, err := e.resolvePath(dst)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return err
	}
	return os.Rename(from, to)
}

func (e *LocalEnvironment) Copy(src, dst string) error {
	from, err := e.resolvePath(src)
	if err != nil {
		return err
	}
	to, err := e.resolvePath(dst)
	if err != nil {
		return err
	}
	info, err := os.Stat(from)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(from, to, info.Mode())
	}
	return filepath.WalkDir(from, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(from, p)
		target := filepath.Join(to, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(p, target, fi.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (e *LocalEnvironment) MakeDir(path string) error {
	resolved, err := e.resolvePath(path)
	if err != nil {
		return err
	}
	return os.MkdirAll(resolved, 0o755)
}

// ExecCommand runs command through bash in its own process group. The whole
// group is killed when ctx is done and again after the command exits, so
// background children never outlive the call.
func (e *LocalEnvironment) ExecCommand(ctx context.Context, command string, opts ExecOptions) (*ExecResult, error) {
	workingDir, err := e.resolvePath(opts.WorkingDir)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, "/bin/bash", "-c", command)
	cmd.Dir = workingDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return killGroup(cmd.Process)
	}
	cmd.WaitDelay = e.killGrace

	env := filterEnvironment()
	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+opts.Env[k])
	}
	cmd.Env = env

	if opts.Stdin != "" {
		cmd.Stdin = strings.NewReader(opts.Stdin)
	}
	stdout := &cappedBuffer{limit: e.captureLimit}
	stderr := &cappedBuffer{limit: e.captureLimit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	_ = killGroup(cmd.Process)

	result := &ExecResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.overflowed || stderr.overflowed,
		Duration:  time.Since(start),
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			result.TimedOut = true
			result.ExitCode = -1
		case ctx.Err() != nil:
			return result, ctx.Err()
		case errors.As(runErr, &exitErr):
			result.ExitCode = exitErr.ExitCode()
		default:
			return nil, fmt.Errorf("exec %q: %w", command, runErr)
		}
	}
	return result, nil
}

// cappedBuffer keeps the first limit bytes written to it and drops the
// rest. Writes always report success so the command is never interrupted
// by a short write.
type cappedBuffer struct {
	buf        bytes.Buffer
	limit      int
	overflowed bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room >= len(p) {
		return b.buf.Write(p)
	}
	if room > 0 {
		b.buf.Write(p[:room])
	}
	b.overflowed = true
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	if !b.overflowed {
		return b.buf.String()
	}
	return b.buf.String() + fmt.Sprintf("\n[output truncated after %d bytes]", b.limit)
}

func killGroup(p *os.Process) error {
	if p == nil {
		return nil
	}
	err := syscall.Kill(-p.Pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func (e *LocalEnvironment) Grep(ctx context.Context, pattern, path string, options GrepOptions) (string, error) {
	resolved, err := e.resolvePath(path)
	if err != nil {
		return "", err
	}

	rgPath, err := exec.LookPath("rg")
	if err != nil {
		return e.grepFallback(ctx, pattern, resolved, options)
	}

	args := []string{pattern, resolved, "--line-number", "--no-heading"}
	if options.CaseInsensitive {
		args = append(args, "-i")
	}
	if options.GlobFilter != "" {
		args = append(args, "--glob", options.GlobFilter)
	}
	if options.MaxResults > 0 {
		args = append(args, "--max-count", fmt.Sprintf("%d", options.MaxResults))
	}
	return e.runSearch(ctx, rgPath, args)
}

func (e *LocalEnvironment) grepFallback(ctx context.Context, pattern, path string, options GrepOptions) (string, error) {
	args := []string{"-rn"}
	if options.CaseInsensitive {
		args = append(args, "-i")
	}
	if options.GlobFilter != "" {
		args = append(args, "--include="+options.GlobFilter)
	}
	if options.MaxResults > 0 {
		args = append(args, "-m", fmt.Sprintf("%d", options.MaxResults))
	}
	args = append(args, pattern, path)
	return e.runSearch(ctx, "grep", args)
}

// runSearch treats exit status 1 (no matches) as success.
func (e *LocalEnvironment) runSearch(ctx context.Context, name string, args []string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = e.workingDir
	stdout := &cappedBuffer{limit: e.captureLimit}
	stderr := &cappedBuffer{limit: e.captureLimit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	err := cmd.Run()
	var exitErr *exec.ExitError
	if err != nil && !(errors.As(err, &exitErr) && exitErr.ExitCode() == 1) {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%s: %s", name, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func (e *LocalEnvironment) Glob(pattern, path string) ([]string, error) {
	resolved, err := e.resolvePath(path)
	if err != nil {
		return nil, err
	}
	matches, err := filepath.Glob(filepath.Join(resolved, pattern))
	if err != nil {
		return nil, &InputError{Message: fmt.Sprintf("bad glob pattern %q: %v", pattern, err)}
	}

	result := make([]string, len(matches))
	for i, m := range matches {
		if rel, err := filepath.Rel(e.workingDir, m); err == nil {
			result[i] = rel
		} else {
			result[i] = m
		}
	}
	return result, nil
}
