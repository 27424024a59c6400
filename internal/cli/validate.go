package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/derive/internal/schema"
)

// TypeSummary describes one validated document type.
type TypeSummary struct {
	Name     string            `json:"name"`
	Base     []string          `json:"base"`
	Computed []string          `json:"computed"`
	Children map[string]string `json:"children,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid bool          `json:"valid"`
	Types []TypeSummary `json:"types,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <types-dir>",
		Short: "Validate document type declarations",
		Long: `Load every .cue file in a directory and check its document type
declarations: field names, base/computed overlap, and child types that
refer to declared types.

Example:
  derive validate ./types
  derive validate ./types --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, typesDir string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	reg, err := schema.LoadDir(typesDir)
	if err != nil {
		details := map[string]any{"dir": typesDir}
		var compileErr *schema.CompileError
		if errors.As(err, &compileErr) {
			details["field"] = compileErr.Field
			if compileErr.Pos.IsValid() {
				details["line"] = compileErr.Pos.Line()
			}
		}
		if outErr := formatter.Error(ErrCodeInvalidTypes, err.Error(), details); outErr != nil {
			return outErr
		}
		return WrapExitError(ExitFailure, "validation failed", err)
	}

	result := ValidationResult{Valid: true}
	for _, name := range reg.Names() {
		t, _ := reg.Lookup(name)
		formatter.VerboseLog("Validated type: %s", name)
		summary := TypeSummary{Name: t.Name, Base: t.Base, Computed: t.Computed}
		if len(t.Children) > 0 {
			summary.Children = t.Children
		}
		result.Types = append(result.Types, summary)
	}

	if formatter.JSON() {
		return formatter.Success(result)
	}
	w := cmd.OutOrStdout()
	for _, t := range result.Types {
		fmt.Fprintf(w, "%s: base=%v computed=%v", t.Name, t.Base, t.Computed)
		for _, field := range sortedKeys(t.Children) {
			fmt.Fprintf(w, " %s->%s", field, t.Children[field])
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "✓ %d type(s) valid\n", len(result.Types))
	return nil
}
