// Package cli implements the taskforge command line.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/martinemde/taskforge/internal/config"
	"github.com/martinemde/taskforge/internal/logging"
)

// BuildInfo is stamped in by the release build.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// app holds the state shared by every command, filled in by
// PersistentPreRunE.
type app struct {
	build  BuildInfo
	v      *viper.Viper
	cfg    *config.Config
	log    *logging.Logger
	logger zerolog.Logger
	ui     *UI
}

// Execute runs the root command and exits non-zero on failure.
func Execute(build BuildInfo) {
	if err := NewRootCommand(build).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// NewRootCommand builds the command tree.
func NewRootCommand(build BuildInfo) *cobra.Command {
	a := &app{build: build, v: config.New(), logger: zerolog.Nop()}

	root := &cobra.Command{
		Use:   "taskforge",
		Short: "Run autonomous coding sessions against a workspace",
		Long: `taskforge drives a model through a tool-use loop: the model proposes
tool calls, taskforge runs them in a sandboxed workspace and feeds the
results back until the task is answered or a limit is reached.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		DisableAutoGenTag: true,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "config file (default ./taskforge.yaml or ~/.taskforge/taskforge.yaml)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("workspace", "", "workspace directory the tools operate in")
	_ = a.v.BindPFlag("logging.level", flags.Lookup("log-level"))
	_ = a.v.BindPFlag("sandbox.workspace", flags.Lookup("workspace"))

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return a.init(cmd)
	}
	root.PersistentPostRunE = func(*cobra.Command, []string) error {
		if a.log != nil {
			return a.log.Close()
		}
		return nil
	}

	root.AddCommand(
		newServeCommand(a),
		newRunCommand(a),
		newToolsCommand(a),
		newHistoryCommand(a),
		newVersionCommand(a),
	)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	a.ui = &UI{Out: cmd.OutOrStdout(), ErrOut: cmd.ErrOrStderr()}
	if cmd.Name() == "version" {
		return nil
	}

	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(a.v, path)
	if err != nil {
		return err
	}
	a.cfg = cfg

	l, err := logging.New(cfg.LoggingConfig())
	if err != nil {
		return err
	}
	a.log = l
	a.logger = l.Logger
	return nil
}

func newVersionCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			writeVersion(cmd.OutOrStdout(), a.build)
		},
	}
}

func writeVersion(w io.Writer, b BuildInfo) {
	version := b.Version
	if version == "" {
		version = "dev"
	}
	fmt.Fprintf(w, "taskforge %s", version)
	if b.Commit != "" {
		fmt.Fprintf(w, " (%s", b.Commit)
		if b.Date != "" {
			fmt.Fprintf(w, ", %s", b.Date)
		}
		fmt.Fprint(w, ")")
	}
	fmt.Fprintln(w)
}
