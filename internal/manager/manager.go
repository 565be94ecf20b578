// Package manager periodically commits the committable watermarks of a task.
//
// A Manager pulls watermarks from a Retriever on a fixed delay and commits
// non-empty sets to storage. At most one commit runs at a time. Retrieval and
// commit failures are logged and recorded in the status views, and the next
// tick simply recomputes and resubmits whatever is committable then. Close
// always makes one final commit attempt.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/branchline/internal/storage"
	"github.com/roach88/branchline/internal/watermark"
)

// Lifecycle states and events.
const (
	StateStopped = "stopped"
	StateRunning = "running"

	EventStart = "start"
	EventClose = "close"
)

// DefaultShutdownTimeout bounds the wait for an in-flight run in Close.
const DefaultShutdownTimeout = 5 * time.Second

const tracerName = "github.com/roach88/branchline/internal/manager"

// Retriever supplies the currently committable watermarks.
type Retriever interface {
	Retrieve(ctx context.Context) (watermark.Set, error)
}

// RetrieverFunc adapts a function to Retriever.
type RetrieverFunc func(ctx context.Context) (watermark.Set, error)

// Retrieve implements Retriever.
func (f RetrieverFunc) Retrieve(ctx context.Context) (watermark.Set, error) { return f(ctx) }

// Options configures a Manager.
type Options struct {
	// ShutdownTimeout bounds how long Close waits for an in-flight run.
	ShutdownTimeout time.Duration

	Logger *slog.Logger

	// Now stamps status updates. Defaults to time.Now.
	Now func() time.Time

	// Tracer records commit spans. Defaults to the global provider.
	Tracer trace.Tracer
}

// Manager schedules watermark commits. Start and Close may be called from
// any goroutine.
type Manager struct {
	retriever Retriever
	storage   storage.Storage
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time
	tracer    trace.Tracer

	lifecycle sync.Mutex // serializes Start and Close
	fsm       *fsm.FSM
	stop      chan struct{}
	loopDone  chan struct{}

	commitMu sync.Mutex // single-flight commit section

	statusMu  sync.RWMutex
	retrieval Status
	commit    Status
}

// New validates opts and returns a stopped manager.
func New(retriever Retriever, st storage.Storage, opts Options) (*Manager, error) {
	if retriever == nil {
		return nil, &Error{Code: ErrCodeConfiguration, Message: "retriever is required"}
	}
	if st == nil {
		return nil, &Error{Code: ErrCodeConfiguration, Message: "storage is required"}
	}
	if opts.ShutdownTimeout <= 0 {
		return nil, &Error{Code: ErrCodeConfiguration,
			Message: fmt.Sprintf("shutdown timeout must be positive, got %s", opts.ShutdownTimeout)}
	}

	m := &Manager{
		retriever: retriever,
		storage:   st,
		timeout:   opts.ShutdownTimeout,
		logger:    opts.Logger,
		now:       opts.Now,
		tracer:    opts.Tracer,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.tracer == nil {
		m.tracer = otel.Tracer(tracerName)
	}

	m.fsm = fsm.NewFSM(
		StateStopped,
		fsm.Events{
			{Name: EventStart, Src: []string{StateStopped}, Dst: StateRunning},
			{Name: EventClose, Src: []string{StateRunning}, Dst: StateStopped},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				m.logger.Debug("watermark manager state changed", "event", e.Event, "from", e.Src, "to", e.Dst)
			},
		},
	)
	return m, nil
}

// State returns the lifecycle state, StateStopped or StateRunning.
func (m *Manager) State() string { return m.fsm.Current() }

// Start schedules commits every interval with fixed-delay semantics: the
// next run is scheduled only once the previous one has finished.
func (m *Manager) Start(interval time.Duration) error {
	if interval <= 0 {
		return &Error{Code: ErrCodeConfiguration,
			Message: fmt.Sprintf("commit interval must be positive, got %s", interval)}
	}

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if err := m.fsm.Event(context.Background(), EventStart); err != nil {
		return fmt.Errorf("start watermark manager: %w", err)
	}
	m.stop = make(chan struct{})
	m.loopDone = make(chan struct{})
	go m.loop(interval, m.stop, m.loopDone)

	m.logger.Info("watermark manager started", "interval", interval)
	return nil
}

func (m *Manager) loop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-stop:
			return
		case <-timer.C:
		}
		m.run(context.Background(), "tick")
		timer.Reset(interval)
	}
}

// Close stops the scheduler, waits up to the shutdown timeout for an
// in-flight run, then makes one final synchronous commit attempt.
//
// The returned error wraps ErrShutdownInterrupted when the wait timed out,
// and carries the final commit failure, if any. Calling Close again is safe
// and makes another best-effort commit attempt.
func (m *Manager) Close() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	var interrupted error
	if m.fsm.Current() == StateRunning {
		close(m.stop)
		t := time.NewTimer(m.timeout)
		select {
		case <-m.loopDone:
		case <-t.C:
			interrupted = fmt.Errorf("in-flight run still active after %s: %w", m.timeout, ErrShutdownInterrupted)
			m.logger.Warn("watermark manager shutdown wait timed out", "timeout", m.timeout)
		}
		t.Stop()
		if err := m.fsm.Event(context.Background(), EventClose); err != nil {
			return fmt.Errorf("close watermark manager: %w", err)
		}
	}

	finalErr := m.run(context.Background(), "final")
	m.logger.Info("watermark manager stopped", "committed", m.CommitStatus().Last.String())
	return errors.Join(interrupted, finalErr)
}

// CommitNow runs one retrieve-and-commit cycle synchronously.
func (m *Manager) CommitNow(ctx context.Context) error {
	return m.run(ctx, "manual")
}

// run retrieves and, when there is something to commit, commits. Errors are
// recorded and logged; the returned error is informational.
func (m *Manager) run(ctx context.Context, reason string) error {
	set, err := m.retrieve(ctx)
	if err != nil {
		m.logger.Warn("watermark retrieval failed", "reason", reason, "error", err)
		return err
	}
	if len(set) == 0 {
		return nil
	}
	if err := m.commitSet(ctx, set, reason); err != nil {
		m.logger.Warn("watermark commit failed", "reason", reason, "watermarks", set.String(), "error", err)
		return err
	}
	return nil
}

func (m *Manager) retrieve(ctx context.Context) (set watermark.Set, err error) {
	m.statusMu.Lock()
	m.retrieval.attempt(m.now())
	m.statusMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = &Error{Code: ErrCodeRetrieval, Message: fmt.Sprintf("retriever panicked: %v", r)}
		}
		m.statusMu.Lock()
		defer m.statusMu.Unlock()
		if err != nil {
			m.retrieval.fail(m.now(), err, nil)
		} else {
			m.retrieval.succeed(m.now(), set)
		}
	}()

	set, err = m.retriever.Retrieve(ctx)
	if err != nil {
		return nil, &Error{Code: ErrCodeRetrieval, Message: "retrieve committable watermarks", Err: err}
	}
	return set, nil
}

func (m *Manager) commitSet(ctx context.Context, set watermark.Set, reason string) error {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	ctx, span := m.tracer.Start(ctx, "watermark.commit", trace.WithAttributes(
		attribute.String("branchline.commit.reason", reason),
		attribute.Int("branchline.commit.watermarks", len(set)),
	))
	defer span.End()

	m.statusMu.Lock()
	m.commit.attempt(m.now())
	m.statusMu.Unlock()

	err := m.storage.CommitWatermarks(ctx, set.Slice())

	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	if err != nil {
		err = &Error{Code: ErrCodeCommit, Message: "commit watermarks", Err: err}
		m.commit.fail(m.now(), err, set)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	m.commit.succeed(m.now(), set)
	m.logger.Debug("watermarks committed", "reason", reason, "watermarks", set.String())
	return nil
}

// RetrievalStatus returns a snapshot of retrieval bookkeeping.
func (m *Manager) RetrievalStatus() Status {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	return m.retrieval.clone()
}

// CommitStatus returns a snapshot of commit bookkeeping.
func (m *Manager) CommitStatus() Status {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	return m.commit.clone()
}
