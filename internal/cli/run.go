package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/martinemde/taskforge/agentloop"
)

// sessionError reports a session that ended without succeeding.
type sessionError struct {
	status  agentloop.Status
	failure *agentloop.Failure
}

func (e *sessionError) Error() string {
	if e.failure == nil {
		return fmt.Sprintf("session %s", e.status)
	}
	return fmt.Sprintf("session %s: %s: %s", e.status, e.failure.Kind, e.failure.Detail)
}

// exitCode maps command errors to process exit codes.
func exitCode(err error) int {
	var se *sessionError
	if errors.As(err, &se) {
		switch se.status {
		case agentloop.StatusTimedOut:
			return 124
		case agentloop.StatusCancelled:
			return 130
		}
		return 1
	}
	if agentloop.KindOf(err) == agentloop.KindValidation {
		return 2
	}
	return 1
}

type runOptions struct {
	language    string
	framework   string
	constraints []string
	timeout     time.Duration
	maxTools    int
	maxCost     int
	jsonOutput  bool
	quiet       bool
}

func (o runOptions) task(args []string) agentloop.Task {
	return agentloop.Task{
		Description: strings.Join(args, " "),
		Context: agentloop.TaskContext{
			Language:    o.language,
			Framework:   o.framework,
			Constraints: o.constraints,
		},
	}
}

func (o runOptions) overrides() *agentloop.SessionOverrides {
	var ov agentloop.SessionOverrides
	if o.timeout > 0 {
		ov.Timeout = &o.timeout
	}
	if o.maxTools > 0 {
		ov.MaxToolCalls = &o.maxTools
	}
	if o.maxCost > 0 {
		ov.MaxCostUnits = &o.maxCost
	}
	return &ov
}

func newRunCommand(a *app) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run [task description]",
		Short: "Run one session in the foreground and print the result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := rt.Close(10 * time.Second); err != nil {
					a.logger.Error().Err(err).Msg("shutdown incomplete")
				}
			}()

			events, unsubscribe := rt.broadcaster.Subscribe("", 256)
			defer unsubscribe()

			id, err := rt.manager.Submit(opts.task(args), opts.overrides())
			if err != nil {
				return err
			}
			if !opts.quiet && !opts.jsonOutput {
				a.ui.Info("session %s started with %s", cyan(id), cyan(a.cfg.Model.Name))
			}

			snap, err := waitForSession(ctx, rt.manager, id, events, func(e agentloop.Event) {
				if !opts.quiet && !opts.jsonOutput {
					printEvent(a.ui, e)
				}
			})
			if err != nil {
				return err
			}
			return reportSession(a.ui, snap, opts.jsonOutput)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.language, "language", "", "target language hint")
	f.StringVar(&opts.framework, "framework", "", "framework hint")
	f.StringArrayVar(&opts.constraints, "constraint", nil, "constraint the solution must honor (repeatable)")
	f.DurationVar(&opts.timeout, "timeout", 0, "session timeout (overrides limits.timeout)")
	f.IntVar(&opts.maxTools, "max-tool-calls", 0, "tool call limit (overrides limits.max_tool_calls)")
	f.IntVar(&opts.maxCost, "max-cost", 0, "cost unit limit (overrides limits.max_cost_units)")
	f.BoolVar(&opts.jsonOutput, "json", false, "print the final snapshot as JSON")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "print only the result")
	return cmd
}

// waitForSession relays id's events to onEvent until the session is
// terminal. When ctx ends first the session is cancelled and its final
// snapshot returned.
func waitForSession(ctx context.Context, m *agentloop.Manager, id string, events <-chan agentloop.Event, onEvent func(agentloop.Event)) (agentloop.Snapshot, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	cancelled := false
	for {
		select {
		case e, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if e.SessionID != id {
				continue
			}
			onEvent(e)
			if !(e.Kind == agentloop.EventStatusChanged && e.Status.IsTerminal()) {
				continue
			}
		case <-ticker.C:
		case <-ctx.Done():
			if !cancelled {
				cancelled = true
				_ = m.Cancel(id)
			}
		}

		snap, err := m.Status(id)
		if err != nil {
			return agentloop.Snapshot{}, err
		}
		if snap.Status.IsTerminal() {
			return snap, nil
		}
	}
}

func printEvent(ui *UI, e agentloop.Event) {
	switch e.Kind {
	case agentloop.EventStatusChanged:
		if e.Status.IsTerminal() {
			return
		}
		if e.Status == agentloop.StatusRunning && e.From == agentloop.StatusPending {
			ui.Info("session %s", StatusColor(e.Status))
		}
	case agentloop.EventTurnAppended:
		t := e.Turn
		if t == nil {
			return
		}
		switch {
		case t.Model != nil:
			for _, req := range t.Model.ToolRequests {
				ui.Tool("%s %s", cyan(req.Name), faint(truncate(string(req.Arguments), 100)))
			}
		case t.ToolResult != nil:
			r := t.ToolResult
			if r.OK {
				ui.Tool("%s %s %s", cyan(r.ToolName), green("ok"), faint(r.Duration.Round(time.Millisecond)))
				return
			}
			reason := "error"
			if r.Error != nil {
				reason = string(r.Error.Reason)
			}
			ui.Tool("%s %s %s", cyan(r.ToolName), red(reason), faint(r.Duration.Round(time.Millisecond)))
		}
	}
}

func reportSession(ui *UI, snap agentloop.Snapshot, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(ui.Out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			return err
		}
	} else {
		summary := fmt.Sprintf("%s after %d model calls, %d tool calls, %d cost units in %s",
			StatusColor(snap.Status), snap.Counters.ModelCalls, snap.Counters.ToolCalls,
			snap.Counters.CostUnits, snap.Counters.Elapsed.Round(time.Millisecond))
		switch {
		case snap.Status == agentloop.StatusSucceeded && snap.Result != nil && snap.Result.LowConfidence:
			ui.Warning("%s (no answer text)", summary)
		case snap.Status == agentloop.StatusSucceeded:
			ui.Success("%s", summary)
		default:
			ui.Error("%s", summary)
		}
		if snap.Result != nil && snap.Result.Text != "" {
			fmt.Fprintln(ui.Out)
			fmt.Fprintln(ui.Out, snap.Result.Text)
		}
	}
	if snap.Status != agentloop.StatusSucceeded {
		return &sessionError{status: snap.Status, failure: snap.Failure}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
