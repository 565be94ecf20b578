package storage

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/branchline/internal/watermark"
)

// Memory keeps watermarks in a map. It is safe for concurrent use.
type Memory struct {
	mu      sync.Mutex
	current watermark.Set
	history []Commit
	now     func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{current: watermark.NewSet(), now: time.Now}
}

// CommitWatermarks implements Storage.
func (m *Memory) CommitWatermarks(ctx context.Context, wms []watermark.Watermark) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validate(wms); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	at := m.now()
	for _, wm := range wms {
		applied := m.current.Advance(wm)
		m.history = append(m.history, Commit{
			Seq:         int64(len(m.history) + 1),
			Watermark:   wm,
			Applied:     applied,
			CommittedAt: at,
		})
	}
	return nil
}

// CommittedWatermarks implements Storage.
func (m *Memory) CommittedWatermarks(ctx context.Context, sources ...string) (watermark.Set, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(sources) == 0 {
		return m.current.Clone(), nil
	}
	out := watermark.NewSet()
	for _, src := range sources {
		if wm, ok := m.current[src]; ok {
			out[src] = wm
		}
	}
	return out, nil
}

// History returns every commit in order.
func (m *Memory) History() []Commit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Commit(nil), m.history...)
}

// Close implements Storage.
func (m *Memory) Close() error { return nil }
