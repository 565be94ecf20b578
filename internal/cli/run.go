package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/branchline/internal/config"
	"github.com/roach88/branchline/internal/fork"
	"github.com/roach88/branchline/internal/task"
	"github.com/roach88/branchline/internal/telemetry"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Input string

	// RunIDs allows overriding the run ID generator (for testing).
	// If nil, defaults to task.UUIDv7Generator.
	RunIDs task.RunIDGenerator
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <job-file>",
		Short: "Run a job over a JSONL record stream",
		Long: `Run the job described by a YAML or CUE file over JSON records, one per
line, read from --input (default stdin).

Records are forked by the job's operator into its branch writers. Watermarks
are committed to the job's storage periodically and once more on exit; a
rerun against the same storage skips records already committed.

Example:
  branchline run job.yaml --input orders.jsonl
  cat orders.jsonl | branchline run job.cue --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Input, "input", "i", "-", "JSONL input file, or - for stdin")

	return cmd
}

func runJob(opts *RunOptions, jobPath string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	logger := formatter.Logger()

	job, err := config.Load(jobPath)
	if err != nil {
		return outputLoadError(formatter, err)
	}
	formatter.VerboseLog("Loaded job %q: operator %s, %d branch writer(s)", job.Name, job.Fork.Operator, len(job.Branches))

	input, closeInput, err := openInput(opts.Input, cmd.InOrStdin())
	if err != nil {
		_ = formatter.Error(ErrCodeInput, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open input", err)
	}
	defer closeInput()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Setup(ctx, "branchline")
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("flush traces failed", "error", err)
		}
	}()

	res, err := task.RunJob(ctx, job, input, task.JobOptions{
		Logger:  logger.With("job", job.Name),
		RunIDs:  opts.RunIDs,
		BaseDir: filepath.Dir(jobPath),
	})
	if err != nil {
		code := ErrCodeTask
		if fork.IsConfigurationError(err) {
			code = ErrCodeFork
		}
		if res != nil {
			_ = formatter.Error(code, err.Error(), res)
		} else {
			_ = formatter.Error(code, err.Error(), nil)
		}
		return WrapExitError(ExitFailure, "job failed", err)
	}

	if formatter.Format == "json" {
		return formatter.Success(res)
	}
	fmt.Fprint(formatter.Writer, formatResult(res))
	return nil
}

// openInput returns the named file, or stdin for "-" or "".
func openInput(path string, stdin io.Reader) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

func formatResult(res *task.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✓ Run %s complete\n", res.RunID)
	fmt.Fprintf(&b, "  records:   %d\n", res.Records)
	fmt.Fprintf(&b, "  delivered: %d\n", res.Delivered)
	for i, n := range res.Written {
		fmt.Fprintf(&b, "  branch %d:  %d written\n", i, n)
	}
	if len(res.Committed) == 0 {
		fmt.Fprintln(&b, "  committed: none")
	}
	for _, src := range res.Committed.Sources() {
		fmt.Fprintf(&b, "  committed: %s\n", res.Committed[src])
	}
	return b.String()
}

// outputLoadError reports a job load failure with the loader's error code.
func outputLoadError(formatter *OutputFormatter, err error) error {
	var ce *config.Error
	if !errors.As(err, &ce) {
		_ = formatter.Error(string(config.ErrCodeRead), err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load job", err)
	}
	var details any
	if len(ce.Fields) > 0 {
		details = ce.Fields
	}
	_ = formatter.Error(string(ce.Code), ce.Message, details)
	if ce.Code == config.ErrCodeRead {
		return WrapExitError(ExitCommandError, "failed to load job", err)
	}
	return WrapExitError(ExitFailure, "invalid job", err)
}
