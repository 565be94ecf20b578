// Package tracker reconciles per-branch write completions into committable
// watermarks.
//
// The tracker sees every record once, before it is forked, together with the
// branches it was routed to. Each branch later reports its own completion. A
// position is fully complete once every routed branch has reported it, and
// the committable watermark of a source is the highest position P such that
// every position at or below P is fully complete. A completed position never
// lets the watermark skip an older, still outstanding one.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/branchline/internal/record"
	"github.com/roach88/branchline/internal/watermark"
)

var (
	// ErrNoPosition is returned when a watermark carries no position.
	ErrNoPosition = errors.New("watermark has no position")

	// ErrPositionNotIncreasing is returned by Observe when a position does
	// not exceed the last one observed for its source.
	ErrPositionNotIncreasing = errors.New("position not increasing")

	// ErrUnknownSource is returned when completing a source never observed.
	ErrUnknownSource = errors.New("unknown source")

	// ErrUnknownPosition is returned when completing a position that was
	// never observed.
	ErrUnknownPosition = errors.New("unknown position")

	// ErrBranchNotRouted is returned when a branch completes a record it was
	// not routed.
	ErrBranchNotRouted = errors.New("branch not routed")
)

// Tracker holds per-source completion state. All methods are safe for
// concurrent use; each source is guarded by its own lock.
type Tracker struct {
	sources sync.Map // source key -> *sourceState
	logger  *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger used for debug output.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = l
	}
}

// New returns an empty tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// entry is one observed record awaiting completion.
type entry struct {
	position  watermark.Position
	routed    record.Routing
	done      []bool
	remaining int
}

type sourceState struct {
	mu sync.Mutex

	// pending holds observed entries that are not yet committable, in
	// observation order. Positions strictly increase, so it is searchable.
	pending     []*entry
	high        watermark.Position
	committable watermark.Position

	observed  int64
	completed int64
}

func (t *Tracker) state(source string) *sourceState {
	if s, ok := t.sources.Load(source); ok {
		return s.(*sourceState)
	}
	s, _ := t.sources.LoadOrStore(source, &sourceState{})
	return s.(*sourceState)
}

// Observe registers wm as outstanding on every branch routing selects. A
// record routed to no branch is complete immediately.
func (t *Tracker) Observe(wm watermark.Watermark, routing record.Routing) error {
	if wm.Position == nil {
		return fmt.Errorf("observe %s: %w", wm, ErrNoPosition)
	}
	s := t.state(wm.Source)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.high != nil && wm.Position.Compare(s.high) <= 0 {
		return fmt.Errorf("observe %s after %s: %w", wm, s.high, ErrPositionNotIncreasing)
	}
	s.high = wm.Position
	s.observed++

	e := &entry{
		position:  wm.Position,
		routed:    append(record.Routing(nil), routing...),
		done:      make([]bool, len(routing)),
		remaining: routing.Count(),
	}
	s.pending = append(s.pending, e)
	s.advance()
	return nil
}

// ObserveEnvelope observes a forked envelope.
func ObserveEnvelope[D any](t *Tracker, fe record.ForkedEnvelope[D]) error {
	if fe.Envelope == nil {
		return fmt.Errorf("observe: %w", ErrNoPosition)
	}
	return t.Observe(fe.Envelope.Watermark, fe.Routing)
}

// Complete records that branch has durably written the record at position.
//
// Completing the same branch twice is a no-op, as is completing a position
// that is already committable.
func (t *Tracker) Complete(source string, position watermark.Position, branch int) error {
	if position == nil {
		return fmt.Errorf("complete %s on branch %d: %w", source, branch, ErrNoPosition)
	}
	v, ok := t.sources.Load(source)
	if !ok {
		return fmt.Errorf("complete %s@%s: %w", source, position, ErrUnknownSource)
	}
	s := v.(*sourceState)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.committable != nil && position.Compare(s.committable) <= 0 {
		return nil
	}
	e := s.find(position)
	if e == nil {
		return fmt.Errorf("complete %s@%s: %w", source, position, ErrUnknownPosition)
	}
	if branch < 0 || branch >= len(e.routed) || !e.routed[branch] {
		return fmt.Errorf("complete %s@%s on branch %d (routing %s): %w",
			source, position, branch, e.routed, ErrBranchNotRouted)
	}
	if e.done[branch] {
		return nil
	}
	e.done[branch] = true
	e.remaining--
	s.advance()
	return nil
}

// Completer returns the write-completion callback for one branch.
func (t *Tracker) Completer(branch int) func(watermark.Watermark) error {
	return func(wm watermark.Watermark) error {
		return t.Complete(wm.Source, wm.Position, branch)
	}
}

// find locates the pending entry at position.
func (s *sourceState) find(position watermark.Position) *entry {
	i := sort.Search(len(s.pending), func(i int) bool {
		return s.pending[i].position.Compare(position) >= 0
	})
	if i < len(s.pending) && s.pending[i].position.Compare(position) == 0 {
		return s.pending[i]
	}
	return nil
}

// advance pops fully complete entries from the front of pending, raising the
// committable mark. It stops at the first outstanding entry.
func (s *sourceState) advance() {
	n := 0
	for n < len(s.pending) && s.pending[n].remaining == 0 {
		s.committable = s.pending[n].position
		s.pending[n] = nil
		n++
	}
	if n == 0 {
		return
	}
	s.completed += int64(n)
	if n == len(s.pending) {
		s.pending = s.pending[:0]
	} else {
		s.pending = s.pending[n:]
	}
}

// CommittableWatermarks returns, per source, the highest position at or
// below which everything is fully complete. Sources with nothing committable
// yet are omitted, so the set is empty before any record completes.
func (t *Tracker) CommittableWatermarks() watermark.Set {
	out := watermark.NewSet()
	t.sources.Range(func(k, v any) bool {
		s := v.(*sourceState)
		s.mu.Lock()
		pos := s.committable
		s.mu.Unlock()
		if pos != nil {
			out[k.(string)] = watermark.New(k.(string), pos)
		}
		return true
	})
	return out
}

// Retrieve returns the committable watermarks. It lets the tracker serve as
// the watermark manager's retriever.
func (t *Tracker) Retrieve(ctx context.Context) (watermark.Set, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	set := t.CommittableWatermarks()
	t.logger.Debug("retrieved committable watermarks", "watermarks", set.String())
	return set, nil
}

// SourceStats describes the tracking state of one source.
type SourceStats struct {
	Source string `json:"source"`

	// Observed counts records seen; Committed counts records at or below
	// the committable mark.
	Observed  int64 `json:"observed"`
	Committed int64 `json:"committed"`

	// Outstanding counts pending records some branch has not completed.
	Outstanding int `json:"outstanding"`

	High        watermark.Position `json:"-"`
	Committable watermark.Position `json:"-"`
}

// Stats returns a snapshot of every source, sorted by source key.
func (t *Tracker) Stats() []SourceStats {
	var out []SourceStats
	t.sources.Range(func(k, v any) bool {
		s := v.(*sourceState)
		s.mu.Lock()
		st := SourceStats{
			Source:      k.(string),
			Observed:    s.observed,
			Committed:   s.completed,
			High:        s.high,
			Committable: s.committable,
		}
		for _, e := range s.pending {
			if e.remaining > 0 {
				st.Outstanding++
			}
		}
		s.mu.Unlock()
		out = append(out, st)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}
