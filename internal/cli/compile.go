package cli

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/autotag/internal/config"
	"github.com/roach88/autotag/internal/constraint"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	List bool // list functions and keywords instead of compiling
}

// CompilationResult describes one compiled constraint.
type CompilationResult struct {
	Source        string `json:"source"`
	Printable     string `json:"printable"`
	DependsOnTags bool   `json:"depends_on_tags"`
}

// Vocabulary lists the names a constraint may use.
type Vocabulary struct {
	Functions []string `json:"functions"`
	Keywords  []string `json:"keywords"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <expr>",
		Short: "Compile a constraint and print its canonical form",
		Long: `Compile a constraint expression and print its canonical printable form.

Function names are matched case-insensitively and printed in their
canonical spelling. Reports whether the constraint reads tag membership,
which makes it re-evaluate when any membership changes.

Examples:
  autotag compile 'isComplete() && isLT(seedcount, 1)'
  autotag compile --list`,
		Args: func(cmd *cobra.Command, args []string) error {
			if opts.List {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		SilenceUsage:  true, // Don't print usage on errors - we handle our own error output
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.List {
				return runList(opts, cmd)
			}
			return runCompile(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.List, "list", false, "list available functions and keywords")

	return cmd
}

func runCompile(opts *CompileOptions, src string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	expr, err := constraint.Compile(src)
	if err != nil {
		return outputConstraintError(formatter, src, err)
	}
	formatter.VerboseLog("Compiled %q", src)

	result := CompilationResult{
		Source:        src,
		Printable:     expr.String(),
		DependsOnTags: expr.DependsOnTags(),
	}
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	fmt.Fprintf(formatter.Writer, "✓ %s\n", result.Printable)
	if result.DependsOnTags {
		fmt.Fprintln(formatter.Writer, "  depends on tag membership")
	}
	return nil
}

func runList(opts *CompileOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	v := Vocabulary{Functions: constraint.Functions(), Keywords: constraint.Keywords()}
	sort.Strings(v.Functions)
	sort.Strings(v.Keywords)
	if formatter.Format == "json" {
		return formatter.Success(v)
	}

	fmt.Fprintln(formatter.Writer, "Functions:")
	for _, f := range v.Functions {
		fmt.Fprintf(formatter.Writer, "  %s\n", f)
	}
	fmt.Fprintln(formatter.Writer, "Keywords:")
	for _, k := range v.Keywords {
		fmt.Fprintf(formatter.Writer, "  %s\n", k)
	}
	return nil
}

// outputConstraintError reports a constraint that does not compile. The
// caret line points at the offending byte in text output.
func outputConstraintError(formatter *OutputFormatter, src string, err error) error {
	var details any
	var ce *constraint.CompileError
	if errors.As(err, &ce) {
		details = map[string]int{"offset": ce.Pos}
	}
	_ = formatter.Error(config.ErrCodeConstraint, err.Error(), details)
	if formatter.Format != "json" && ce != nil && ce.Pos <= len(src) {
		fmt.Fprintf(formatter.Writer, "  %s\n  %*s^\n", src, ce.Pos, "")
	}
	// Malformed input is a command-level error (exit code 2)
	return WrapExitError(ExitCommandError, fmt.Sprintf("%s: constraint does not compile", config.ErrCodeConstraint), err)
}

// writeFile writes data to path, reporting failures with the write error code.
func writeFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("%s: writing %s: %w", config.ErrCodeWriteFailed, path, err)
	}
	return nil
}
