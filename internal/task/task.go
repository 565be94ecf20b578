package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/branchline/internal/fork"
	"github.com/roach88/branchline/internal/manager"
	"github.com/roach88/branchline/internal/record"
	"github.com/roach88/branchline/internal/storage"
	"github.com/roach88/branchline/internal/tracker"
	"github.com/roach88/branchline/internal/watermark"
	"github.com/roach88/branchline/internal/writer"
)

// WriterFactory builds the writer for an enabled branch. The writer must
// call ack for each record once it is durably written.
type WriterFactory func(branch int, ack writer.Ack) (writer.Writer[record.Object], error)

// Config is everything one run needs.
type Config struct {
	Source   record.StreamWithMetadata[record.Object]
	Operator fork.Operator[record.Object]
	Props    fork.Props

	NewWriter WriterFactory
	Storage   storage.Storage

	// Fork configures the branch queues. Its Observer and Logger are set
	// by Run.
	Fork fork.Options

	CommitInterval  time.Duration
	ShutdownTimeout time.Duration

	Logger *slog.Logger
	RunIDs RunIDGenerator

	// Now stamps manager status. Defaults to time.Now.
	Now func() time.Time
}

func (c *Config) validate() error {
	switch {
	case c.Operator == nil:
		return errors.New("task: operator is required")
	case c.NewWriter == nil:
		return errors.New("task: writer factory is required")
	case c.Storage == nil:
		return errors.New("task: storage is required")
	case c.CommitInterval <= 0:
		return fmt.Errorf("task: commit interval must be positive, got %s", c.CommitInterval)
	}
	return nil
}

// Result summarizes a finished run.
type Result struct {
	RunID string `json:"run_id"`

	// Records counts records read and routed; Delivered counts envelopes
	// handed to branch queues, one per routed branch.
	Records   int64 `json:"records"`
	Delivered int64 `json:"delivered"`

	// Written counts records per branch index; disabled branches stay 0.
	Written []int64 `json:"written"`

	// Committed is the watermark set durable in storage after the final
	// commit, for the sources this run observed.
	Committed watermark.Set `json:"committed"`

	Commits manager.Status        `json:"-"`
	Stats   []tracker.SourceStats `json:"stats"`
}

// Run forks cfg.Source into the branch writers and commits watermarks until
// the source ends or ctx is cancelled. It always closes the writers and
// makes a final commit attempt before returning.
//
// The returned Result is non-nil whenever the fork was opened, even when
// err is not nil.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ids := cfg.RunIDs
	if ids == nil {
		ids = UUIDv7Generator{}
	}
	runID := ids.Generate()
	logger = logger.With("run_id", runID)

	tr := tracker.New(tracker.WithLogger(logger))
	mgr, err := manager.New(tr, cfg.Storage, manager.Options{
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger,
		Now:             cfg.Now,
	})
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)

	opts := cfg.Fork
	opts.Observer = tr
	opts.Logger = logger
	streams, err := fork.Open(gctx, cfg.Source, cfg.Operator, cfg.Props, opts)
	if err != nil {
		return nil, err
	}

	res := &Result{RunID: runID, Written: make([]int64, streams.BranchCount())}

	writers := make(map[int]writer.Writer[record.Object])
	for _, b := range streams.Branches() {
		if b == nil {
			continue
		}
		w, err := cfg.NewWriter(b.Index(), writer.Ack(tr.Completer(b.Index())))
		if err != nil {
			err = fmt.Errorf("create writer for branch %d: %w", b.Index(), err)
			return res, abort(g, streams, writers, err)
		}
		writers[b.Index()] = w
	}

	if err := mgr.Start(cfg.CommitInterval); err != nil {
		return res, abort(g, streams, writers, err)
	}
	logger.Info("task started",
		"schema", cfg.Source.Schema.Name,
		"branches", streams.BranchCount(),
		"enabled", record.Routing(streams.Enabled()).Targets())

	var mu sync.Mutex
	for i, w := range writers {
		b := streams.Branch(i)
		g.Go(func() error {
			n, err := writer.Drain(gctx, b, w)
			mu.Lock()
			res.Written[i] = n
			mu.Unlock()
			if err != nil {
				return fmt.Errorf("branch %d: %w", i, err)
			}
			return nil
		})
	}
	g.Go(streams.Wait)

	runErr := g.Wait()
	closeErr := closeWriters(writers)
	commitErr := mgr.Close()

	res.Delivered = streams.Delivered()
	res.Commits = mgr.CommitStatus()
	res.Stats = tr.Stats()
	for _, st := range res.Stats {
		res.Records += st.Observed
	}
	res.Committed, err = committed(cfg.Storage, res.Stats)
	if err != nil {
		logger.Warn("read committed watermarks failed", "error", err)
	}

	if runErr != nil {
		logger.Error("task failed", "error", runErr, "delivered", res.Delivered)
	} else {
		logger.Info("task finished", "records", res.Records, "delivered", res.Delivered, "committed", res.Committed.String())
	}
	return res, errors.Join(runErr, closeErr, commitErr)
}

// abort stops a run that failed before its consumers started: the fork
// producer is cancelled through the group context and the writers built so
// far are closed.
func abort(g *errgroup.Group, streams *fork.Streams[record.Object], writers map[int]writer.Writer[record.Object], cause error) error {
	g.Go(func() error { return cause })
	_ = g.Wait()
	_ = streams.Wait()
	return errors.Join(cause, closeWriters(writers))
}

func closeWriters(writers map[int]writer.Writer[record.Object]) error {
	var errs []error
	for i, w := range writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close branch %d writer: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func committed(st storage.Storage, stats []tracker.SourceStats) (watermark.Set, error) {
	if len(stats) == 0 {
		return watermark.NewSet(), nil
	}
	sources := make([]string, len(stats))
	for i, s := range stats {
		sources[i] = s.Source
	}
	return st.CommittedWatermarks(context.Background(), sources...)
}
