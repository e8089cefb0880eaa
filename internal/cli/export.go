package cli

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/autotag/internal/config"
	"github.com/roach88/autotag/internal/store"
)

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Database string
	Output   string
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export persisted tag attributes as YAML",
		Long: `Export every persisted tag attribute from a SQLite database in the
typeID -> tagID -> {"c": {attribute: value}} layout.

With --format json the same document is printed inside the standard
response envelope.

Example:
  autotag export --db ./autotag.db
  autotag export --db ./autotag.db --out tags.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVarP(&opts.Output, "out", "o", "", "output file path")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runExport(opts *ExportOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	if _, err := os.Stat(opts.Database); err != nil {
		_ = formatter.Error(config.ErrCodeNotFound, fmt.Sprintf("database not found: %s", opts.Database), nil)
		return WrapExitError(ExitCommandError, "database not found", err)
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	formatter.VerboseLog("Exporting %d tag(s) from %s", len(st.Keys()), opts.Database)

	if formatter.Format == "json" && opts.Output == "" {
		return formatter.Success(st.Snapshot())
	}

	var buf bytes.Buffer
	if err := st.Export(&buf); err != nil {
		return WrapExitError(ExitFailure, "export failed", err)
	}
	if opts.Output == "" {
		_, err := formatter.Writer.Write(buf.Bytes())
		return err
	}
	if err := writeFile(opts.Output, buf.Bytes()); err != nil {
		_ = formatter.Error(config.ErrCodeWriteFailed, err.Error(), nil)
		return WrapExitError(ExitCommandError, "writing export", err)
	}
	if formatter.Format == "json" {
		return formatter.Success(map[string]any{"output": opts.Output, "tags": len(st.Keys())})
	}
	fmt.Fprintf(formatter.Writer, "Wrote %d tag(s) to %s\n", len(st.Keys()), opts.Output)
	return nil
}

// ImportOptions holds flags for the import command.
type ImportOptions struct {
	*RootOptions
	Database string
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import tag attributes from an exported YAML file",
		Long: `Replace the attributes of every tag present in an exported YAML file.
Tags absent from the file are left untouched. The database is created if
it does not exist.

Example:
  autotag import --db ./autotag.db tags.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runImport(opts *ImportOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	f, err := os.Open(path)
	if err != nil {
		_ = formatter.Error(config.ErrCodeNotFound, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open import file", err)
	}
	defer f.Close()

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	if err := st.Import(f); err != nil {
		_ = st.Close()
		_ = formatter.Error(config.ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitFailure, "import failed", err)
	}
	tags := len(st.Keys())
	if err := st.Close(); err != nil {
		return WrapExitError(ExitFailure, "writing imported attributes", err)
	}

	if formatter.Format == "json" {
		return formatter.Success(map[string]any{"db": opts.Database, "tags": tags})
	}
	fmt.Fprintf(formatter.Writer, "Imported into %s (%d tag(s) stored)\n", opts.Database, tags)
	return nil
}
