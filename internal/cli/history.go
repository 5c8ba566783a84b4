package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/martinemde/taskforge/agentloop"
	"github.com/martinemde/taskforge/internal/store"
)

func newHistoryCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect archived sessions",
	}
	cmd.AddCommand(
		newHistoryListCommand(a),
		newHistoryShowCommand(a),
		newHistoryToolsCommand(a),
		newHistoryPruneCommand(a),
	)
	return cmd
}

func (a *app) openArchive(cmd *cobra.Command) (*store.SQLiteStore, error) {
	if !a.cfg.Store.Enabled {
		return nil, errors.New("session archive is disabled (store.enabled=false)")
	}
	return openStore(cmd.Context(), a.cfg)
}

func newHistoryListCommand(a *app) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List archived sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openArchive(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			sessions, err := s.ListSessions(cmd.Context(), store.ListOptions{Status: agentloop.Status(status), Limit: limit})
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				a.ui.Info("no archived sessions")
				return nil
			}

			table := a.ui.Table([]string{"ID", "Status", "Tools", "Cost", "Elapsed", "Created", "Task"})
			for _, sum := range sessions {
				table.Append([]string{
					cyan(sum.ID),
					StatusColor(sum.Status),
					fmt.Sprint(sum.Counters.ToolCalls),
					fmt.Sprint(sum.Counters.CostUnits),
					sum.Counters.Elapsed.Round(time.Second).String(),
					sum.CreatedAt.Local().Format("2006-01-02 15:04"),
					truncate(sum.Description, 60),
				})
			}
			return table.Render()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only sessions with this status")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum sessions to list")
	return cmd
}

func newHistoryShowCommand(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show an archived session and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openArchive(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			snap, err := s.GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(a.ui.Out)
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}

			out := a.ui.Out
			fmt.Fprintf(out, "%s  %s\n", cyan(snap.ID), StatusColor(snap.Status))
			fmt.Fprintf(out, "task: %s\n", snap.Task.Description)
			if snap.Failure != nil {
				fmt.Fprintf(out, "failure: %s: %s\n", red(string(snap.Failure.Kind)), snap.Failure.Detail)
			}
			fmt.Fprintln(out)
			for _, t := range snap.History {
				printTurn(a.ui, t)
			}
			if snap.Result != nil && snap.Result.Text != "" {
				fmt.Fprintln(out)
				fmt.Fprintln(out, snap.Result.Text)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the snapshot as JSON")
	return cmd
}

func printTurn(ui *UI, t agentloop.Turn) {
	prefix := faint(fmt.Sprintf("%3d", t.Seq))
	switch {
	case t.Model != nil:
		if t.Model.Text != "" {
			fmt.Fprintf(ui.Out, "%s model: %s\n", prefix, truncate(t.Model.Text, 120))
		}
		for _, req := range t.Model.ToolRequests {
			fmt.Fprintf(ui.Out, "%s call %s %s\n", prefix, cyan(req.Name), faint(truncate(string(req.Arguments), 100)))
		}
	case t.ToolResult != nil:
		r := t.ToolResult
		outcome := green("ok")
		if !r.OK {
			outcome = red("failed")
			if r.Error != nil {
				outcome = red(string(r.Error.Reason))
			}
		}
		fmt.Fprintf(ui.Out, "%s result %s %s\n", prefix, cyan(r.ToolName), outcome)
	}
}

func newHistoryToolsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Count archived tool results per tool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openArchive(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			usage, err := s.ToolUsage(cmd.Context())
			if err != nil {
				return err
			}
			names := make([]string, 0, len(usage))
			for name := range usage {
				names = append(names, name)
			}
			sort.Slice(names, func(i, j int) bool { return usage[names[i]] > usage[names[j]] || (usage[names[i]] == usage[names[j]] && names[i] < names[j]) })

			table := a.ui.Table([]string{"Tool", "Results"})
			for _, name := range names {
				table.Append([]string{cyan(name), fmt.Sprint(usage[name])})
			}
			return table.Render()
		},
	}
}

func newHistoryPruneCommand(a *app) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete archived sessions older than a cutoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			s, err := a.openArchive(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.Prune(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			a.ui.Success("pruned %d sessions", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age cutoff")
	return cmd
}
