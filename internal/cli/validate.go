package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/autotag/internal/config"
)

// ValidationIssue is one problem found in the definitions.
type ValidationIssue struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Position string `json:"position,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid     bool              `json:"valid"`
	FileCount int               `json:"file_count"`
	Tags      []TagSummary      `json:"tags,omitempty"`
	Errors    []ValidationIssue `json:"errors,omitempty"`

	Warnings []config.CycleWarning `json:"warnings,omitempty"`
}

// TagSummary describes one valid definition.
type TagSummary struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Constraint string `json:"constraint,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <defs-dir>",
		Short: "Validate tag definitions",
		Long: `Validate the CUE tag definitions in a directory without starting the
engines. Every error is reported, not just the first: unknown types,
constraints that do not compile, unknown enum names and settings the
tag type has no capability for.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, defsDir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	res, errs := config.LoadDefs(defsDir, config.LoadModeCollectAll)

	// Directory-level failures (not found, no files, CUE build errors)
	if res == nil {
		code, message, _ := loadErrorDetails(errs[0])
		_ = formatter.Error(code, message, nil)
		return WrapExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message), nil)
	}

	formatter.VerboseLog("Found %d CUE file(s) in %s", res.FileCount, defsDir)

	result := ValidationResult{Valid: len(errs) == 0, FileCount: res.FileCount}
	for _, def := range res.Tags {
		formatter.VerboseLog("Validated tag: %s (%s)", def.Name, def.Type)
		result.Tags = append(result.Tags, TagSummary{
			Name:       def.Name,
			Type:       def.Type,
			Constraint: def.Constraint.Source,
		})
	}
	for _, err := range errs {
		code, message, position := loadErrorDetails(err)
		result.Errors = append(result.Errors, ValidationIssue{Code: code, Message: message, Position: position})
	}

	if result.Valid {
		result.Warnings = config.AnalyzeCycles(res.Tags)
		return outputValidateSuccess(formatter, result)
	}
	return outputValidationErrors(formatter, result)
}

func outputValidateSuccess(formatter *OutputFormatter, result ValidationResult) error {
	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "✓ %d tag definition(s) valid\n", len(result.Tags))
	for _, t := range result.Tags {
		fmt.Fprintf(formatter.Writer, "  %s (%s)", t.Name, t.Type)
		if t.Constraint != "" {
			fmt.Fprintf(formatter.Writer, ": %s", t.Constraint)
		}
		fmt.Fprintln(formatter.Writer)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(formatter.Writer, "⚠ %s\n", w.Message)
	}
	return nil
}

func outputValidationErrors(formatter *OutputFormatter, result ValidationResult) error {
	if formatter.Format == "json" {
		first := result.Errors[0]
		if err := writeJSON(formatter.Writer, CLIResponse{
			Status: "error",
			Data:   result,
			Error:  &CLIError{Code: first.Code, Message: first.Message},
		}); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(formatter.Writer, "✗ Validation failed")
		fmt.Fprintln(formatter.Writer)
		for _, issue := range result.Errors {
			if issue.Position != "" {
				fmt.Fprintln(formatter.Writer, issue.Position)
			}
			fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", issue.Code, issue.Message)
		}
	}
	// Invalid definitions are a validation failure (exit code 1)
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(result.Errors)))
}
