package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/branchline/internal/config"
	"github.com/roach88/branchline/internal/operator"
	"github.com/roach88/branchline/internal/record"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Job      string   `json:"job,omitempty"`
	Operator string   `json:"operator,omitempty"`
	Branches int      `json:"branches,omitempty"`
	Enabled  []int    `json:"enabled,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <job-file>",
		Short: "Validate a job file without running it",
		Long: `Validate a YAML or CUE job file.

Checks the file against the job schema, applies defaults and BRANCHLINE_*
environment overrides, then initialises the fork operator against the source
schema to confirm every enabled branch has a writer. No records are read and
no storage is opened.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, jobPath string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	job, err := config.Load(jobPath)
	if err != nil {
		return outputLoadError(formatter, err)
	}
	formatter.VerboseLog("Loaded job %q from %s", job.Name, jobPath)

	result, err := checkJob(job)
	if err != nil {
		return outputValidationErrors(formatter, []string{err.Error()})
	}
	if len(result.Errors) > 0 {
		return outputValidationErrors(formatter, result.Errors)
	}
	return outputValidateSuccess(formatter, result)
}

// checkJob runs the operator's configuration phase against the job.
func checkJob(job *config.Job) (ValidationResult, error) {
	result := ValidationResult{Job: job.Name, Operator: job.Fork.Operator}

	op, err := operator.New(job.Fork.Operator)
	if err != nil {
		return result, err
	}
	if err := op.Init(job.Fork.Props); err != nil {
		return result, fmt.Errorf("operator init: %w", err)
	}
	result.Branches = op.BranchCount(job.Fork.Props)

	schema := job.Source.Schema.Copy()
	if schema.Name == "" {
		schema.Name = job.Source.Name
	}
	enabled, err := op.ForkSchema(job.Fork.Props, schema)
	if err != nil {
		return result, fmt.Errorf("fork schema: %w", err)
	}
	if len(enabled) != result.Branches {
		return result, fmt.Errorf("fork schema returned %d branches, operator declared %d", len(enabled), result.Branches)
	}
	result.Enabled = record.Routing(enabled).Targets()

	for _, i := range result.Enabled {
		if i >= len(job.Branches) {
			result.Errors = append(result.Errors,
				fmt.Sprintf("branch %d is enabled but has no writer (job configures %d)", i, len(job.Branches)))
		}
	}
	result.Valid = len(result.Errors) == 0
	return result, nil
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, result ValidationResult) error {
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	fmt.Fprintf(formatter.Writer, "✓ Job %q valid\n", result.Job)
	fmt.Fprintf(formatter.Writer, "  operator: %s, %d branch(es), enabled %v\n", result.Operator, result.Branches, result.Enabled)
	return nil
}

// outputValidationErrors outputs job-level validation errors.
func outputValidationErrors(formatter *OutputFormatter, errs []string) error {
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Errors: errs},
			Error: &CLIError{
				Code:    string(config.ErrCodeValidation),
				Message: errs[0],
			},
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, e := range errs {
		fmt.Fprintf(formatter.Writer, "  %s\n", e)
	}

	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}
