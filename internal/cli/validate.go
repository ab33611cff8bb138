package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/flowq/internal/schema"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	SQL bool // also print the rendered statement
}

// ValidationResult is the JSON payload of the validate command.
type ValidationResult struct {
	Valid     bool                `json:"valid"`
	QueryID   string              `json:"query_id,omitempty"`
	QueryKind string              `json:"query_kind,omitempty"`
	SQL       string              `json:"sql,omitempty"`
	Errors    map[string][]string `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <spec.json|->",
		Short: "Validate a query specification offline",
		Long: `Validate a query specification without contacting a server.

Reads a JSON specification from a file, or from stdin when the argument is
"-", checks it against the query schemas and prints the query id it would
run under. Field errors use the same messages as run_query replies.

Exit codes:
  0 - Specification is valid
  1 - Specification is invalid
  2 - Command error (unreadable file, malformed JSON)

Examples:
  flowq validate spec.json
  echo '{"query_kind":"dummy_query","dummy_param":"x"}' | flowq validate -
  flowq validate --sql spec.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.SQL, "sql", false, "print the SQL the query would materialize")

	return cmd
}

func runValidate(opts *ValidateOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	raw, err := readSpec(path, cmd.InOrStdin())
	if err != nil {
		return outputValidateError(formatter, ErrCodeGeneric, err.Error(), nil)
	}

	registry := schema.Default()
	spec, q, err := registry.Compile(raw)
	if err != nil {
		var verr *schema.ValidationError
		if errors.As(err, &verr) {
			return outputValidationErrors(formatter, verr.Fields)
		}
		return outputValidateError(formatter, ErrCodeInvalidSpec, err.Error(), nil)
	}
	formatter.VerboseLog("Built %s with %d node(s)", spec.Kind(), len(q.Dependencies())+1)

	result := ValidationResult{Valid: true, QueryID: q.ID(), QueryKind: spec.Kind()}
	if opts.SQL {
		stmt, err := q.SQL(nil)
		if err != nil {
			return outputValidateError(formatter, ErrCodeInvalidSpec, fmt.Sprintf("render: %v", err), nil)
		}
		result.SQL = stmt
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "✓ Valid %s\n", result.QueryKind)
	fmt.Fprintf(formatter.Writer, "query_id: %s\n", result.QueryID)
	if result.SQL != "" {
		fmt.Fprintf(formatter.Writer, "sql: %s\n", result.SQL)
	}
	return nil
}

// readSpec reads one JSON object from path, or from stdin for "-".
// Numbers are kept as json.Number, as the server does.
func readSpec(path string, stdin io.Reader) (map[string]any, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read specification: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid JSON specification: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("invalid JSON specification: trailing data")
	}
	if raw == nil {
		return nil, fmt.Errorf("invalid JSON specification: expected an object")
	}
	return raw, nil
}

// outputValidateError outputs a single command error.
func outputValidateError(formatter *OutputFormatter, code, message string, details any) error {
	_ = formatter.Error(code, message, details)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

// outputValidationErrors outputs field errors sorted by path.
func outputValidationErrors(formatter *OutputFormatter, fields map[string][]string) error {
	exitErr := NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(fields)))

	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Errors: fields},
			Error: &CLIError{
				Code:    ErrCodeInvalidSpec,
				Message: "Parameter validation failed.",
			},
		}
		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}
		return exitErr
	}

	paths := make([]string, 0, len(fields))
	for p := range fields {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, p := range paths {
		name := p
		if name == "" {
			name = "_schema"
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s\n", name, strings.Join(fields[p], " "))
	}
	return exitErr
}
