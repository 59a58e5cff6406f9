package cli

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/noex/noex-rules/internal/reload"
)

// ValidationResult is the validate command's output payload.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Rules  []string `json:"rules,omitempty"`
	Errors []string `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <path>...",
		Short: "Validate rule files without starting the engine",
		Long: `Check rule YAML files against the rule schema and semantic validation.

Exits 0 when every rule is valid, 1 on validation errors, 2 when the
paths cannot be read.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, paths []string, cmd *cobra.Command) error {
	f := &Formatter{Format: opts.Format, Writer: cmd.OutOrStdout()}

	src := reload.NewFileSource("validate", paths...)
	inputs, err := src.LoadRules()
	if err != nil {
		// Schema violations are validation failures; unreadable paths are
		// command errors.
		if isPathError(err) {
			return WrapExitError(ExitCommandError, "cannot read rules", err)
		}
		_ = f.Failure("rule files invalid", err.Error())
		return NewExitError(ExitFailure, "validation failed")
	}

	result := ValidationResult{Valid: true}
	seen := make(map[string]bool)
	for _, in := range inputs {
		if seen[in.ID] {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: duplicate rule id", in.ID))
			continue
		}
		seen[in.ID] = true
		if err := in.Validate(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", in.ID, err))
			continue
		}
		result.Rules = append(result.Rules, in.ID)
	}

	if len(result.Errors) > 0 {
		result.Valid = false
		_ = f.Failure(fmt.Sprintf("%d rule(s) invalid", len(result.Errors)), result.Errors)
		return NewExitError(ExitFailure, "validation failed")
	}
	return f.Success(fmt.Sprintf("%d rule(s) valid", len(result.Rules)))
}

// isPathError distinguishes filesystem problems from rule content
// problems so exit codes stay meaningful.
func isPathError(err error) bool {
	var pathErr *fs.PathError
	return errors.As(err, &pathErr)
}
