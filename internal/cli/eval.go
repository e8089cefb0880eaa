package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/autotag/internal/config"
	"github.com/roach88/autotag/internal/constraint"
	"github.com/roach88/autotag/internal/provider/memory"
)

// EvalOptions holds flags for the eval command.
type EvalOptions struct {
	*RootOptions
	Resources string   // fixture file
	Tags      []string // tag names every resource is treated as a member of
	TagName   string   // name of the evaluating tag
	Now       string   // RFC 3339 evaluation time; empty means the current time
}

// EvalMatch is the outcome for one resource.
type EvalMatch struct {
	Resource string `json:"resource"`
	Name     string `json:"name,omitempty"`
	Match    bool   `json:"match"`
	Error    string `json:"error,omitempty"`
}

// EvalResult holds the outcome of an eval run.
type EvalResult struct {
	Printable string      `json:"printable"`
	Matches   []EvalMatch `json:"matches"`
	Matched   int         `json:"matched"`
	Total     int         `json:"total"`
}

// NewEvalCommand creates the eval command.
func NewEvalCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EvalOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "eval <expr>",
		Short: "Evaluate a constraint against resource fixtures",
		Long: `Compile a constraint and evaluate it against every resource in a YAML
fixture file. Evaluation failures resolve to false and are reported per
resource.

Examples:
  autotag eval 'isComplete()' --resources ./resources.yaml
  autotag eval 'hasTag(keep)' --resources r.yaml --tags keep,archive`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEval(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Resources, "resources", "", "resource fixture file (required)")
	cmd.Flags().StringSliceVar(&opts.Tags, "tags", nil, "tag names each resource belongs to")
	cmd.Flags().StringVar(&opts.TagName, "tag", "", "name of the evaluating tag")
	cmd.Flags().StringVar(&opts.Now, "now", "", "evaluation time (RFC 3339)")
	_ = cmd.MarkFlagRequired("resources")

	return cmd
}

func runEval(opts *EvalOptions, src string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	expr, err := constraint.Compile(src)
	if err != nil {
		return outputConstraintError(formatter, src, err)
	}

	now := time.Now()
	if opts.Now != "" {
		now, err = time.Parse(time.RFC3339, opts.Now)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --now", err)
		}
	}

	prov, err := memory.LoadFile(opts.Resources)
	if err != nil {
		_ = formatter.Error(config.ErrCodeNotFound, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load resources", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	result := EvalResult{Printable: expr.String(), Matches: []EvalMatch{}}
	for _, r := range prov.Resources() {
		ok, err := expr.Eval(&constraint.Env{
			Ctx:      ctx,
			Resource: r,
			Tags:     opts.Tags,
			TagName:  opts.TagName,
			Now:      now,
		})
		m := EvalMatch{Resource: r.ID(), Name: r.Name(), Match: ok}
		if err != nil {
			m.Error = err.Error()
			formatter.VerboseLog("%s: %v", r.ID(), err)
		}
		if ok {
			result.Matched++
		}
		result.Matches = append(result.Matches, m)
	}
	result.Total = len(result.Matches)

	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	fmt.Fprintf(formatter.Writer, "%s\n\n", result.Printable)
	for _, m := range result.Matches {
		mark := "✗"
		if m.Match {
			mark = "✓"
		}
		fmt.Fprintf(formatter.Writer, "%s %s", mark, m.Resource)
		if m.Name != "" {
			fmt.Fprintf(formatter.Writer, " (%s)", m.Name)
		}
		if m.Error != "" {
			fmt.Fprintf(formatter.Writer, "  error: %s", m.Error)
		}
		fmt.Fprintln(formatter.Writer)
	}
	fmt.Fprintf(formatter.Writer, "\n%d of %d resource(s) match\n", result.Matched, result.Total)
	return nil
}
