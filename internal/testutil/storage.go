package testutil

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/roach88/branchline/internal/storage"
	"github.com/roach88/branchline/internal/watermark"
)

// ScriptedStorage wraps an in-memory store with scripted failures, call
// recording and an optional gate that holds commits until released.
type ScriptedStorage struct {
	*storage.Memory

	mu       sync.Mutex
	failures []error // consumed one per commit call; nil entries succeed
	calls    []watermark.Set
	gate     chan struct{}
	entered  chan struct{}

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

// NewScriptedStorage returns a storage whose commit calls fail with the given
// errors in order, then succeed.
func NewScriptedStorage(failures ...error) *ScriptedStorage {
	return &ScriptedStorage{Memory: storage.NewMemory(), failures: failures}
}

// Hold makes subsequent commits block until Release. Entered receives one
// value each time a commit starts waiting.
func (s *ScriptedStorage) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = make(chan struct{})
	s.entered = make(chan struct{}, 16)
}

// Entered signals held commits. Call Hold first.
func (s *ScriptedStorage) Entered() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entered
}

// Release unblocks every held commit.
func (s *ScriptedStorage) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate != nil {
		close(s.gate)
		s.gate = nil
	}
}

// CommitWatermarks records the call, waits on the gate if held, and then
// fails or delegates to the in-memory store per the script.
func (s *ScriptedStorage) CommitWatermarks(ctx context.Context, wms []watermark.Watermark) error {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		cur := s.maxInFlight.Load()
		if n <= cur || s.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	s.mu.Lock()
	s.calls = append(s.calls, watermark.NewSet(wms...))
	var fail error
	if len(s.failures) > 0 {
		fail = s.failures[0]
		s.failures = s.failures[1:]
	}
	gate, entered := s.gate, s.entered
	s.mu.Unlock()

	if gate != nil {
		entered <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail != nil {
		return fail
	}
	return s.Memory.CommitWatermarks(ctx, wms)
}

// Calls returns the watermark sets passed to CommitWatermarks, in order.
func (s *ScriptedStorage) Calls() []watermark.Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]watermark.Set, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.Clone()
	}
	return out
}

// MaxConcurrentCommits returns the highest number of overlapping commits seen.
func (s *ScriptedStorage) MaxConcurrentCommits() int {
	return int(s.maxInFlight.Load())
}

// Committed returns every stored watermark.
func (s *ScriptedStorage) Committed() watermark.Set {
	set, _ := s.Memory.CommittedWatermarks(context.Background())
	return set
}
