package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// MouseButton selects the button for click actions.
type MouseButton int

const (
	ButtonLeft   MouseButton = 1
	ButtonMiddle MouseButton = 2
	ButtonRight  MouseButton = 3
)

// Desktop is GUI control of a display.
type Desktop interface {
	Screenshot(ctx context.Context) ([]byte, error)
	MouseMove(ctx context.Context, x, y int) error
	Click(ctx context.Context, x, y int, button MouseButton, repeat int) error
	Type(ctx context.Context, text string) error
	Key(ctx context.Context, keys string) error
	Scroll(ctx context.Context, x, y int, up bool, amount int) error
	Drag(ctx context.Context, fromX, fromY, toX, toY int) error
}

// CommandRunner runs an external program and returns its combined output.
type CommandRunner interface {
	Run(ctx context.Context, env []string, name string, args ...string) ([]byte, error)
}

// ExecRunner is the os/exec CommandRunner.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return out.Bytes(), ctx.Err()
		}
		return out.Bytes(), fmt.Errorf("%s: %w: %s", name, err, bytes.TrimSpace(out.Bytes()))
	}
	return out.Bytes(), nil
}

// XDesktop drives an X11 display with xdotool and scrot.
type XDesktop struct {
	display string
	runner  CommandRunner
	tmpDir  string
}

// NewXDesktop creates a desktop bound to display (e.g. ":0").
func NewXDesktop(display string, runner CommandRunner) *XDesktop {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &XDesktop{display: display, runner: runner, tmpDir: os.TempDir()}
}

func (d *XDesktop) xdotool(ctx context.Context, args ...string) error {
	if d.display == "" {
		return fmt.Errorf("no display configured: %w", ErrUnavailable)
	}
	_, err := d.runner.Run(ctx, []string{"DISPLAY=" + d.display}, "xdotool", args...)
	return err
}

// Screenshot captures the display to a temporary PNG and returns its bytes.
// The file is removed on every path.
func (d *XDesktop) Screenshot(ctx context.Context) ([]byte, error) {
	if d.display == "" {
		return nil, fmt.Errorf("no display configured: %w", ErrUnavailable)
	}
	path := filepath.Join(d.tmpDir, "screenshot-"+uuid.NewString()+".png")
	defer os.Remove(path)

	if _, err := d.runner.Run(ctx, []string{"DISPLAY=" + d.display}, "scrot", "--overwrite", path); err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

func (d *XDesktop) MouseMove(ctx context.Context, x, y int) error {
	return d.xdotool(ctx, "mousemove", itoa(x), itoa(y))
}

func (d *XDesktop) Click(ctx context.Context, x, y int, button MouseButton, repeat int) error {
	if repeat <= 0 {
		repeat = 1
	}
	return d.xdotool(ctx, "mousemove", itoa(x), itoa(y),
		"click", "--repeat", itoa(repeat), itoa(int(button)))
}

func (d *XDesktop) Type(ctx context.Context, text string) error {
	return d.xdotool(ctx, "type", "--delay", "12", "--", text)
}

func (d *XDesktop) Key(ctx context.Context, keys string) error {
	return d.xdotool(ctx, "key", "--", keys)
}

func (d *XDesktop) Scroll(ctx context.Context, x, y int, up bool, amount int) error {
	button := "5"
	if up {
		button = "4"
	}
	if amount <= 0 {
		amount = 3
	}
	return d.xdotool(ctx, "mousemove", itoa(x), itoa(y), "click", "--repeat", itoa(amount), button)
}

func (d *XDesktop) Drag(ctx context.Context, fromX, fromY, toX, toY int) error {
	return d.xdotool(ctx,
		"mousemove", itoa(fromX), itoa(fromY), "mousedown", "1",
		"mousemove", itoa(toX), itoa(toY), "mouseup", "1")
}

func itoa(n int) string { return strconv.Itoa(n) }

// SerializedDesktop admits one GUI action at a time across every session
// sharing the display. Waiters queue in arrival order and give up when their
// own context ends.
type SerializedDesktop struct {
	inner Desktop
	sem   *semaphore.Weighted
}

// NewSerializedDesktop wraps inner with a single-holder queue.
func NewSerializedDesktop(inner Desktop) *SerializedDesktop {
	return &SerializedDesktop{inner: inner, sem: semaphore.NewWeighted(1)}
}

func (s *SerializedDesktop) acquire(ctx context.Context) (func(), error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { s.sem.Release(1) }, nil
}

func (s *SerializedDesktop) Screenshot(ctx context.Context) ([]byte, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.inner.Screenshot(ctx)
}

func (s *SerializedDesktop) MouseMove(ctx context.Context, x, y int) error {
	return s.with(ctx, func() error { return s.inner.MouseMove(ctx, x, y) })
}

func (s *SerializedDesktop) Click(ctx context.Context, x, y int, button MouseButton, repeat int) error {
	return s.with(ctx, func() error { return s.inner.Click(ctx, x, y, button, repeat) })
}

func (s *SerializedDesktop) Type(ctx context.Context, text string) error {
	return s.with(ctx, func() error { return s.inner.Type(ctx, text) })
}

func (s *SerializedDesktop) Key(ctx context.Context, keys string) error {
	return s.with(ctx, func() error { return s.inner.Key(ctx, keys) })
}

func (s *SerializedDesktop) Scroll(ctx context.Context, x, y int, up bool, amount int) error {
	return s.with(ctx, func() error { return s.inner.Scroll(ctx, x, y, up, amount) })
}

func (s *SerializedDesktop) Drag(ctx context.Context, fromX, fromY, toX, toY int) error {
	return s.with(ctx, func() error { return s.inner.Drag(ctx, fromX, fromY, toX, toY) })
}

func (s *SerializedDesktop) with(ctx context.Context, fn func() error) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}
