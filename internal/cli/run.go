package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/derive/internal/harness"
	"github.com/roach88/derive/internal/ir"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database string
	Backend  string
	Trace    bool
}

// RunResult is the JSON payload of the run command.
type RunResult struct {
	Name   string         `json:"name"`
	Pass   bool           `json:"pass"`
	Errors []string       `json:"errors,omitempty"`
	Final  map[string]any `json:"final"`
	Trace  any            `json:"trace,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "Run one scenario",
		Long: `Run a scenario file and report its final documents and expectations.

With --db every committed batch is journaled to an edit log, which
"derive inspect" can read back.

Exit codes:
  0 - Scenario passed
  1 - An expectation or step failed
  2 - Command error (unreadable scenario, database error, etc.)

Examples:
  derive run ./scenarios/essay.yaml
  derive run ./scenarios/essay.yaml --db ./essay.db --trace
  derive run ./scenarios/essay.yaml --db ./essay.bolt --backend bolt`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarioFile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "journal edits to this database")
	cmd.Flags().StringVar(&opts.Backend, "backend", BackendSQLite, "edit log backend (sqlite|bolt)")
	cmd.Flags().BoolVar(&opts.Trace, "trace", false, "print the full trace")

	return cmd
}

func runScenarioFile(opts *RunOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())

	scenario, err := harness.LoadScenario(path)
	if err != nil {
		_ = formatter.Error(ErrCodeScenario, err.Error(), map[string]any{"path": path})
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}

	runOpts := []harness.Option{harness.WithLogger(logger)}
	if opts.Database != "" {
		log, err := openEditLog(cmd.Context(), opts.Backend, opts.Database)
		if err != nil {
			_ = formatter.Error(ErrCodeDatabase, err.Error(), map[string]any{"db": opts.Database})
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		defer func() {
			if closeErr := log.Close(); closeErr != nil {
				logger.Error("error closing database", "error", closeErr)
			}
		}()
		runOpts = append(runOpts, harness.WithPersister(log.Persister()))
	}

	logger.Debug("running scenario", "name", scenario.Name, "steps", len(scenario.Steps))
	result, err := harness.Run(scenario, runOpts...)
	if err != nil {
		_ = formatter.Error(ErrCodeScenario, err.Error(), map[string]any{"scenario": scenario.Name})
		return WrapExitError(ExitCommandError, "scenario did not complete", err)
	}

	if formatter.JSON() {
		out := RunResult{
			Name:   scenario.Name,
			Pass:   result.Pass,
			Errors: result.Errors,
			Final:  finalAsGo(result),
		}
		if opts.Trace {
			data, err := harness.MarshalTrace(scenario.Name, result)
			if err != nil {
				return err
			}
			out.Trace = jsonRaw(data)
		}
		if err := formatter.Success(out); err != nil {
			return err
		}
	} else {
		printRunText(cmd, opts, scenario, result)
	}

	if !result.Pass {
		return NewExitError(ExitFailure, fmt.Sprintf("scenario %s failed", scenario.Name))
	}
	return nil
}

func printRunText(cmd *cobra.Command, opts *RunOptions, scenario *harness.Scenario, result *harness.Result) {
	w := cmd.OutOrStdout()
	if opts.Trace {
		for _, e := range result.Trace {
			fmt.Fprintf(w, "%3d %s\n", e.Seq, canonical(e.Value()))
		}
		fmt.Fprintln(w)
	}
	for _, id := range sortedKeys(result.Final) {
		fmt.Fprintf(w, "%s %s\n", id, canonical(result.Final[id]))
	}
	if result.Pass {
		fmt.Fprintf(w, "✓ %s\n", scenario.Name)
		return
	}
	fmt.Fprintf(w, "✗ %s\n", scenario.Name)
	for _, e := range result.Errors {
		fmt.Fprintf(w, "  %s\n", e)
	}
}

func finalAsGo(result *harness.Result) map[string]any {
	out := make(map[string]any, len(result.Final))
	for id, fields := range result.Final {
		out[id] = ir.ToGo(fields)
	}
	return out
}
