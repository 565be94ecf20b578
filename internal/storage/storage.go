package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/roach88/branchline/internal/watermark"
)

// Storage is a durable key-value store of the last committed watermark per
// source.
type Storage interface {
	// CommitWatermarks stores each watermark whose position exceeds the
	// stored one. It fails as a whole when the batch cannot be made durable.
	CommitWatermarks(ctx context.Context, wms []watermark.Watermark) error

	// CommittedWatermarks returns the stored watermarks for the given
	// sources, or for every source when none are given.
	CommittedWatermarks(ctx context.Context, sources ...string) (watermark.Set, error)

	Close() error
}

// Commit is one entry of a backend's commit history.
type Commit struct {
	Seq         int64
	Watermark   watermark.Watermark
	Applied     bool // false when the stored position was already at or above it
	CommittedAt time.Time
}

// Factory opens a backend from a backend-specific DSN.
type Factory func(dsn string) (Storage, error)

var backends = map[string]Factory{
	"memory": func(string) (Storage, error) { return NewMemory(), nil },
	"sqlite": func(dsn string) (Storage, error) {
		if dsn == "" {
			return nil, fmt.Errorf("sqlite storage requires a database path")
		}
		return OpenSQLite(dsn)
	},
}

// Open returns the backend registered under name.
func Open(name, dsn string) (Storage, error) {
	f, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("unknown storage backend %q (known: %v)", name, Backends())
	}
	return f(dsn)
}

// Backends lists the registered backend names in sorted order.
func Backends() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func validate(wms []watermark.Watermark) error {
	for _, wm := range wms {
		if wm.Source == "" {
			return fmt.Errorf("watermark %s has no source", wm)
		}
		if wm.Position == nil {
			return fmt.Errorf("watermark for %s has no position", wm.Source)
		}
	}
	return nil
}
