package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/branchline/internal/fork"
	"github.com/roach88/branchline/internal/manager"
	"github.com/roach88/branchline/internal/operator"
	"github.com/roach88/branchline/internal/record"
	"github.com/roach88/branchline/internal/testutil"
	"github.com/roach88/branchline/internal/tracker"
	"github.com/roach88/branchline/internal/watermark"
)

// runTimeout bounds a whole scenario so a stuck fork fails instead of
// hanging the test binary.
const runTimeout = 10 * time.Second

// Harness holds the collaborators of one scenario run.
type Harness struct {
	tracker *tracker.Tracker
	storage *testutil.ScriptedStorage
	manager *manager.Manager
	result  *Result

	// delivered holds, per branch, the watermarks in delivery order.
	delivered map[int][]watermark.Watermark
	completed map[string]bool
}

// observer records route events, then hands the record to the tracker.
type observer struct {
	mu      sync.Mutex
	result  *Result
	tracker *tracker.Tracker
}

func (o *observer) Observe(wm watermark.Watermark, routing record.Routing) error {
	o.mu.Lock()
	o.result.addEvent(TraceEvent{Type: EventRoute, Watermark: wm.String(), Routing: routing.String()})
	o.mu.Unlock()
	return o.tracker.Observe(wm, routing)
}

// Run executes a scenario and returns the result.
//
// Execution flow:
//  1. Fork the scenario records through its operator; every enabled branch
//     drains concurrently
//  2. Append deliveries to the trace, branch by branch
//  3. Replay the scripted steps against the tracker and manager
//  4. Close the manager (final commit) and evaluate assertions
//
// Run returns an error only when the scenario cannot be executed at all; an
// unexpected fork failure or a failed assertion is reported in the Result.
func Run(scenario *Scenario) (*Result, error) {
	sc := *scenario
	sc.applyDefaults()
	scenario = &sc

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := testutil.NewDeterministicClock()

	failures := make([]error, len(scenario.CommitFailures))
	for i, msg := range scenario.CommitFailures {
		failures[i] = errors.New(msg)
	}

	h := &Harness{
		tracker:   tracker.New(tracker.WithLogger(logger)),
		storage:   testutil.NewScriptedStorage(failures...),
		result:    NewResult(),
		delivered: make(map[int][]watermark.Watermark),
		completed: make(map[string]bool),
	}
	mgr, err := manager.New(h.tracker, h.storage, manager.Options{
		ShutdownTimeout: time.Second,
		Logger:          logger,
		Now:             clock.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create manager: %w", err)
	}
	h.manager = mgr

	in, err := buildStream(scenario)
	if err != nil {
		return nil, err
	}

	forkErr := h.fork(ctx, scenario, in)
	h.checkForkError(scenario, forkErr)

	for i, step := range scenario.Steps {
		h.executeStep(ctx, i, step)
	}

	closeErr := h.manager.Close()
	h.addCommitEvent(ctx, EventClose, closeErr)

	h.result.Committed, _ = h.storage.CommittedWatermarks(ctx)
	h.result.Committable = h.tracker.CommittableWatermarks()

	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions, h.tracker) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

// buildStream converts the scenario records into an input stream.
func buildStream(scenario *Scenario) (record.StreamWithMetadata[record.Object], error) {
	envs := make([]*record.Envelope[record.Object], len(scenario.Records))
	for i, r := range scenario.Records {
		obj := record.Object{}
		if r.Record != nil {
			v, err := record.FromGo(r.Record)
			if err != nil {
				return record.StreamWithMetadata[record.Object]{}, fmt.Errorf("records[%d]: %w", i, err)
			}
			obj = v.(record.Object)
		}
		envs[i] = record.NewEnvelope(obj, watermark.New(r.Source, watermark.Offset(r.Offset)))
	}
	return record.StreamWithMetadata[record.Object]{
		Schema:  scenario.Schema,
		Records: record.NewSliceStream(envs...),
	}, nil
}

// fork runs the records through the operator and drains every branch.
func (h *Harness) fork(ctx context.Context, scenario *Scenario, in record.StreamWithMetadata[record.Object]) error {
	op, err := operator.New(scenario.Operator)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	streams, err := fork.Open(gctx, in, op, fork.Props(scenario.Props), fork.Options{
		BufferCapacity: scenario.BufferCapacity,
		Observer:       &observer{result: h.result, tracker: h.tracker},
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		return err
	}

	var mu sync.Mutex
	for _, b := range streams.Branches() {
		if b == nil {
			continue
		}
		g.Go(func() error {
			for {
				env, err := b.Next(gctx)
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return err
				}
				mu.Lock()
				h.delivered[b.Index()] = append(h.delivered[b.Index()], env.Watermark)
				mu.Unlock()
			}
		})
	}
	g.Go(streams.Wait)
	err = g.Wait()

	for i := range streams.BranchCount() {
		for _, wm := range h.delivered[i] {
			branch := i
			h.result.addEvent(TraceEvent{Type: EventDeliver, Watermark: wm.String(), Branch: &branch})
		}
	}
	return err
}

// checkForkError records the fork outcome against the expected error code.
func (h *Harness) checkForkError(scenario *Scenario, err error) {
	code := ""
	if err != nil {
		var fe *fork.Error
		switch {
		case errors.As(err, &fe):
			code = string(fe.Code)
		case errors.Is(err, tracker.ErrPositionNotIncreasing):
			code = "POSITION_NOT_INCREASING"
		default:
			code = "FATAL"
		}
		h.result.ForkError = code
		h.result.addEvent(TraceEvent{Type: EventError, Code: code})
	}
	switch {
	case scenario.ExpectError == "" && err != nil:
		h.result.AddError(fmt.Sprintf("fork failed: %v", err))
	case scenario.ExpectError != "" && code != scenario.ExpectError:
		h.result.AddError(fmt.Sprintf("expected fork error %s, got %q", scenario.ExpectError, code))
	}
}

func (h *Harness) executeStep(ctx context.Context, index int, step Step) {
	switch {
	case step.Complete != nil:
		c := step.Complete
		h.complete(watermark.New(c.Source, watermark.Offset(c.Offset)), c.Branch)
	case step.CompleteAll:
		for _, branch := range sortedBranches(h.delivered) {
			for _, wm := range h.delivered[branch] {
				if !h.completed[completionKey(wm, branch)] {
					h.complete(wm, branch)
				}
			}
		}
	case step.Commit:
		h.addCommitEvent(ctx, EventCommit, h.manager.CommitNow(ctx))
	default:
		h.result.AddError(fmt.Sprintf("steps[%d]: empty step", index))
	}
}

func (h *Harness) complete(wm watermark.Watermark, branch int) {
	ev := TraceEvent{Type: EventComplete, Watermark: wm.String(), Branch: &branch}
	if err := h.tracker.Complete(wm.Source, wm.Position, branch); err != nil {
		ev.Error = err.Error()
	} else {
		h.completed[completionKey(wm, branch)] = true
	}
	if c, ok := h.tracker.CommittableWatermarks()[wm.Source]; ok {
		ev.Committable = c.String()
	}
	h.result.addEvent(ev)
}

func (h *Harness) addCommitEvent(ctx context.Context, typ string, err error) {
	ev := TraceEvent{Type: typ}
	if err != nil {
		ev.Error = err.Error()
	}
	if set, rerr := h.storage.CommittedWatermarks(ctx); rerr == nil {
		ev.Committed = set.String()
	}
	h.result.addEvent(ev)
}

func completionKey(wm watermark.Watermark, branch int) string {
	return fmt.Sprintf("%s#%d", wm, branch)
}

func sortedBranches(m map[int][]watermark.Watermark) []int {
	out := make([]int, 0, len(m))
	for b := range m {
		out = append(out, b)
	}
	slices.Sort(out)
	return out
}
