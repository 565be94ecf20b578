package task

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/branchline/internal/config"
	"github.com/roach88/branchline/internal/fork"
	"github.com/roach88/branchline/internal/operator"
	"github.com/roach88/branchline/internal/record"
	"github.com/roach88/branchline/internal/storage"
	"github.com/roach88/branchline/internal/writer"
)

// JobOptions carries the collaborators a job file cannot name.
type JobOptions struct {
	Logger *slog.Logger
	RunIDs RunIDGenerator
	Now    func() time.Time

	// Storage replaces the backend named in the job. The caller keeps
	// ownership and must close it.
	Storage storage.Storage

	// BaseDir resolves relative writer paths and SQLite DSNs. Empty means
	// the working directory.
	BaseDir string
}

// RunJob runs job over the JSONL records in input. When the job's storage
// already holds a committed watermark for the source, records at or below it
// are skipped.
func RunJob(ctx context.Context, job *config.Job, input io.Reader, opts JobOptions) (*Result, error) {
	st := opts.Storage
	if st == nil {
		var err error
		st, err = storage.Open(job.Storage.Backend, resolve(opts.BaseDir, job.Storage.DSN))
		if err != nil {
			return nil, err
		}
		defer st.Close()
	}

	op, err := operator.New(job.Fork.Operator)
	if err != nil {
		return nil, err
	}

	resume, err := st.CommittedWatermarks(ctx, job.Source.Name)
	if err != nil {
		return nil, fmt.Errorf("load committed watermarks: %w", err)
	}
	srcOpts := []SourceOption{WithPositionField(job.Source.PositionField)}
	if wm, ok := resume[job.Source.Name]; ok {
		srcOpts = append(srcOpts, WithResumeAfter(wm.Position))
		if opts.Logger != nil {
			opts.Logger.Info("resuming after committed watermark", "watermark", wm.String())
		}
	}

	schema := job.Source.Schema.Copy()
	if schema.Name == "" {
		schema.Name = job.Source.Name
	}

	return Run(ctx, Config{
		Source: record.StreamWithMetadata[record.Object]{
			Schema:  schema,
			Records: NewJSONLSource(input, job.Source.Name, srcOpts...),
		},
		Operator:  op,
		Props:     fork.Props(job.Fork.Props),
		NewWriter: jobWriters(job.Branches, opts.BaseDir),
		Storage:   st,
		Fork: fork.Options{
			BufferCapacity: job.Fork.BufferCapacity,
			AttachTimeout:  job.Fork.AttachTimeout.Std(),
		},
		CommitInterval:  job.Commit.Interval.Std(),
		ShutdownTimeout: job.Commit.ShutdownTimeout.Std(),
		Logger:          opts.Logger,
		RunIDs:          opts.RunIDs,
		Now:             opts.Now,
	})
}

// jobWriters builds branch writers from the job's per-branch config.
func jobWriters(branches []config.BranchConfig, baseDir string) WriterFactory {
	return func(i int, ack writer.Ack) (writer.Writer[record.Object], error) {
		if i >= len(branches) {
			return nil, fmt.Errorf("no writer configured for branch %d (job has %d)", i, len(branches))
		}
		bc := branches[i]
		switch bc.Writer {
		case "discard":
			return writer.NewDiscard[record.Object](ack), nil
		case "jsonl":
			path := resolve(baseDir, bc.Path)
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("create output directory: %w", err)
			}
			w, err := writer.CreateJSONL(path, writer.CanonicalObject, ack,
				writer.WithFlushEvery[record.Object](bc.FlushEvery))
			if err != nil {
				return nil, err
			}
			return w, nil
		default:
			return nil, fmt.Errorf("unknown writer %q", bc.Writer)
		}
	}
}

func resolve(baseDir, path string) string {
	if path == "" || baseDir == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
