package cli

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/derive/internal/computed"
	"github.com/roach88/derive/internal/doc"
	"github.com/roach88/derive/internal/freshness"
	"github.com/roach88/derive/internal/ir"
	"github.com/roach88/derive/internal/schema"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Database string
	Backend  string
	TypesDir string
	History  bool
}

// EditInfo is one edit in the inspect output.
type EditInfo struct {
	Field string `json:"field"`
	Tx    uint64 `json:"tx"`
	Value any    `json:"value"`
}

// InspectResult is the JSON payload of the inspect command.
type InspectResult struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Fields       map[string]any `json:"fields"`
	State        string         `json:"state"`
	Fresh        bool           `json:"fresh"`
	Reason       string         `json:"reason"`
	LatestBaseTx uint64         `json:"latest_base_tx"`
	StartTx      uint64         `json:"start_tx,omitempty"`
	FinishTx     uint64         `json:"finish_tx,omitempty"`
	History      []EditInfo     `json:"history,omitempty"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect <doc-id>",
		Short: "Show a persisted document and why it is or is not fresh",
		Long: `Replay an edit log and show one document: its latest field values,
its computation state, and the freshness verdict with the latest base
input index behind it.

Examples:
  derive inspect --db ./essay.db --types ./types e1
  derive inspect --db ./essay.bolt --backend bolt --types ./types e1 --history`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the edit log (required)")
	cmd.Flags().StringVar(&opts.Backend, "backend", BackendSQLite, "edit log backend (sqlite|bolt)")
	cmd.Flags().StringVar(&opts.TypesDir, "types", "", "directory of CUE type declarations (required)")
	cmd.Flags().BoolVar(&opts.History, "history", false, "include every edit")
	_ = cmd.MarkFlagRequired("db")
	_ = cmd.MarkFlagRequired("types")

	return cmd
}

func runInspect(opts *InspectOptions, id string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())
	ctx := cmd.Context()

	types, err := schema.LoadDir(opts.TypesDir)
	if err != nil {
		_ = formatter.Error(ErrCodeInvalidTypes, err.Error(), map[string]any{"dir": opts.TypesDir})
		return WrapExitError(ExitCommandError, "failed to load types", err)
	}

	log, err := openEditLog(ctx, opts.Backend, opts.Database)
	if err != nil {
		_ = formatter.Error(ErrCodeDatabase, err.Error(), map[string]any{"db": opts.Database})
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := log.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	st, err := log.Replay(ctx, types, logger)
	if err != nil {
		_ = formatter.Error(ErrCodeDatabase, err.Error(), map[string]any{"db": opts.Database})
		return WrapExitError(ExitCommandError, "failed to replay edit log", err)
	}
	formatter.VerboseLog("Replayed %d document(s), clock at %d", len(st.Documents()), st.Clock().Current())

	d, ok := st.Get(id)
	if !ok {
		_ = formatter.Error(ErrCodeDocumentAbsent, fmt.Sprintf("document %q not found", id), nil)
		return NewExitError(ExitFailure, fmt.Sprintf("document %q not found", id))
	}

	result := describeDocument(computed.NewRuntime(st, computed.WithTypes(types), computed.WithLogger(logger)).Wrap(d), opts.History)
	if formatter.JSON() {
		return formatter.Success(result)
	}
	printInspectText(cmd, result)
	return nil
}

func describeDocument(obj *computed.Object, history bool) InspectResult {
	report := obj.Explain()
	fields := make(map[string]any)
	for k, v := range obj.Fields() {
		fields[k] = ir.ToGo(v)
	}
	r := InspectResult{
		ID:           obj.ID(),
		Type:         obj.Document().Type().Name,
		Fields:       fields,
		State:        string(obj.State()),
		Fresh:        report.Fresh,
		Reason:       string(report.Reason),
		LatestBaseTx: report.LatestBaseTx,
	}
	if report.Status.Phase != freshness.PhaseUncomputed {
		r.StartTx = report.Status.StartTx
		r.FinishTx = report.Status.FinishTx
	}
	if history {
		r.History = editHistory(obj.Document())
	}
	return r
}

func editHistory(d *doc.Document) []EditInfo {
	var out []EditInfo
	for _, field := range d.FieldNames() {
		for _, e := range d.EditsAt(field) {
			out = append(out, EditInfo{Field: field, Tx: e.TxIndex, Value: ir.ToGo(e.Value)})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Tx != out[j].Tx {
			return out[i].Tx < out[j].Tx
		}
		return out[i].Field < out[j].Field
	})
	return out
}

func printInspectText(cmd *cobra.Command, r InspectResult) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s (%s)\n", r.ID, r.Type)
	for _, k := range sortedKeys(r.Fields) {
		fmt.Fprintf(w, "  %s = %s\n", k, mustJSON(r.Fields[k]))
	}
	fmt.Fprintf(w, "state: %s\n", r.State)
	fmt.Fprintf(w, "fresh: %v (%s, latest base tx %d)\n", r.Fresh, r.Reason, r.LatestBaseTx)
	if r.StartTx != 0 || r.FinishTx != 0 {
		fmt.Fprintf(w, "computation: start=%d finish=%d\n", r.StartTx, r.FinishTx)
	}
	for _, e := range r.History {
		fmt.Fprintf(w, "  @%d %s = %s\n", e.Tx, e.Field, mustJSON(e.Value))
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func canonical(v ir.Value) string {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return string(data)
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return string(data)
}

// jsonRaw embeds already-encoded JSON in an output payload.
type jsonRaw []byte

func (r jsonRaw) MarshalJSON() ([]byte, error) { return r, nil }
