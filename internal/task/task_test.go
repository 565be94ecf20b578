package task

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/branchline/internal/fork"
	"github.com/roach88/branchline/internal/operator"
	"github.com/roach88/branchline/internal/record"
	"github.com/roach88/branchline/internal/storage"
	"github.com/roach88/branchline/internal/testutil"
	"github.com/roach88/branchline/internal/watermark"
	"github.com/roach88/branchline/internal/writer"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// memWriter keeps records in memory and acknowledges them on flush. When
// holdFrom is positive, records at or above that offset are kept but never
// acknowledged.
type memWriter struct {
	mu       sync.Mutex
	ack      writer.Ack
	holdFrom int64
	failAt   int64
	pending  []watermark.Watermark
	records  []record.Object
	closed   bool
}

func (w *memWriter) Write(_ context.Context, env *record.Envelope[record.Object]) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	off := int64(env.Watermark.Position.(watermark.Offset))
	if w.failAt > 0 && off == w.failAt {
		return errors.New("disk full")
	}
	w.records = append(w.records, env.Record)
	if w.holdFrom > 0 && off >= w.holdFrom {
		return nil
	}
	w.pending = append(w.pending, env.Watermark)
	return nil
}

func (w *memWriter) Flush(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, wm := range w.pending {
		if err := w.ack(wm); err != nil {
			return err
		}
	}
	w.pending = nil
	return nil
}

func (w *memWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

type writerSet struct {
	mu      sync.Mutex
	writers map[int]*memWriter
	setup   func(branch int, w *memWriter)
}

func newWriterSet(setup func(int, *memWriter)) *writerSet {
	return &writerSet{writers: map[int]*memWriter{}, setup: setup}
}

func (s *writerSet) factory(branch int, ack writer.Ack) (writer.Writer[record.Object], error) {
	w := &memWriter{ack: ack}
	if s.setup != nil {
		s.setup(branch, w)
	}
	s.mu.Lock()
	s.writers[branch] = w
	s.mu.Unlock()
	return w, nil
}

func (s *writerSet) get(branch int) *memWriter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writers[branch]
}

func envs(source string, n int) []*record.Envelope[record.Object] {
	out := make([]*record.Envelope[record.Object], n)
	for i := range out {
		off := int64(i + 1)
		out[i] = record.NewEnvelope(record.Object{"n": record.Int(off)},
			watermark.New(source, watermark.Offset(off)))
	}
	return out
}

func baseConfig(t *testing.T, op fork.Operator[record.Object], props fork.Props, ws *writerSet, st storage.Storage, in ...*record.Envelope[record.Object]) Config {
	t.Helper()
	return Config{
		Source: record.StreamWithMetadata[record.Object]{
			Schema:  record.Schema{Name: "orders"},
			Records: record.NewSliceStream(in...),
		},
		Operator:        op,
		Props:           props,
		NewWriter:       ws.factory,
		Storage:         st,
		Fork:            fork.DefaultOptions(),
		CommitInterval:  time.Hour,
		ShutdownTimeout: time.Second,
		Logger:          quiet,
		RunIDs:          testutil.NewFixedRunIDGenerator("run-1"),
		Now:             testutil.NewDeterministicClock().Now,
	}
}

func TestRunBroadcastCommitsEverything(t *testing.T) {
	st := storage.NewMemory()
	ws := newWriterSet(nil)
	cfg := baseConfig(t, &operator.Broadcast{}, fork.Props{operator.PropBranches: "2"}, ws, st, envs("src", 5)...)

	res, err := Run(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, int64(5), res.Records)
	assert.Equal(t, int64(10), res.Delivered)
	assert.Equal(t, []int64{5, 5}, res.Written)
	assert.Equal(t, "src@offset:5", res.Committed["src"].String())
	require.Len(t, res.Stats, 1)
	assert.Equal(t, 0, res.Stats[0].Outstanding)
	assert.Equal(t, int64(1), res.Commits.Successes)

	for i := 0; i < 2; i++ {
		w := ws.get(i)
		require.NotNil(t, w)
		assert.Len(t, w.records, 5)
		assert.True(t, w.closed)
	}
}

func TestRunBranchesReceiveIndependentCopies(t *testing.T) {
	ws := newWriterSet(nil)
	cfg := baseConfig(t, &operator.Broadcast{}, fork.Props{operator.PropBranches: "2"}, ws, storage.NewMemory(), envs("src", 1)...)

	_, err := Run(context.Background(), cfg)
	require.NoError(t, err)

	a, b := ws.get(0).records[0], ws.get(1).records[0]
	a["n"] = record.Int(99)
	assert.Equal(t, record.Int(1), b["n"])
}

func TestRunCommitsOnlyTheGapFreePrefix(t *testing.T) {
	st := storage.NewMemory()
	ws := newWriterSet(func(branch int, w *memWriter) {
		if branch == 1 {
			w.holdFrom = 3
		}
	})
	cfg := baseConfig(t, &operator.Broadcast{}, fork.Props{operator.PropBranches: "2"}, ws, st, envs("src", 5)...)

	res, err := Run(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, "src@offset:2", res.Committed["src"].String())
	require.Len(t, res.Stats, 1)
	assert.Equal(t, 3, res.Stats[0].Outstanding)

	got, err := st.CommittedWatermarks(context.Background(), "src")
	require.NoError(t, err)
	assert.Equal(t, "src@offset:2", got["src"].String())
}

func TestRunDisabledBranchGetsNoWriter(t *testing.T) {
	ws := newWriterSet(nil)
	props := fork.Props{operator.PropBranches: "3", operator.PropDisabled: "1"}
	cfg := baseConfig(t, &operator.Broadcast{}, props, ws, storage.NewMemory(), envs("src", 3)...)

	res, err := Run(context.Background(), cfg)
	require.NoError(t, err)

	assert.Nil(t, ws.get(1))
	assert.Equal(t, int64(6), res.Delivered)
	assert.Equal(t, []int64{3, 0, 3}, res.Written)
	assert.Equal(t, "src@offset:3", res.Committed["src"].String())
}

func TestRunWriterFailureStopsEveryBranch(t *testing.T) {
	st := storage.NewMemory()
	ws := newWriterSet(func(branch int, w *memWriter) {
		if branch == 1 {
			w.failAt = 3
		}
	})
	cfg := baseConfig(t, &operator.Broadcast{}, fork.Props{operator.PropBranches: "2"}, ws, st, envs("src", 200)...)
	cfg.Fork.BufferCapacity = 2

	res, err := Run(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "branch 1")
	assert.Contains(t, err.Error(), "disk full")
	require.NotNil(t, res)
	assert.Less(t, res.Delivered, int64(200))

	// Branch 1 never flushed, so nothing past record 2 can be committed.
	got, err := st.CommittedWatermarks(context.Background(), "src")
	require.NoError(t, err)
	if wm, ok := got["src"]; ok {
		assert.LessOrEqual(t, wm.Position.Compare(watermark.Offset(2)), 0)
	}
}

func TestRunWriterFactoryFailure(t *testing.T) {
	ws := newWriterSet(nil)
	cfg := baseConfig(t, &operator.Broadcast{}, fork.Props{operator.PropBranches: "2"}, ws, storage.NewMemory(), envs("src", 3)...)
	cfg.NewWriter = func(branch int, ack writer.Ack) (writer.Writer[record.Object], error) {
		if branch == 1 {
			return nil, errors.New("no such bucket")
		}
		return ws.factory(branch, ack)
	}

	res, err := Run(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create writer for branch 1")
	require.NotNil(t, res)
	assert.True(t, ws.get(0).closed, "writers already built are closed")
}

func TestRunForkConfigurationError(t *testing.T) {
	ws := newWriterSet(nil)
	cfg := baseConfig(t, &operator.Broadcast{}, fork.Props{operator.PropBranches: "zero"}, ws, storage.NewMemory(), envs("src", 3)...)

	res, err := Run(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, fork.IsConfigurationError(err))
	assert.Nil(t, res)
}

func TestRunConfigValidation(t *testing.T) {
	ws := newWriterSet(nil)
	good := baseConfig(t, &operator.Identity{}, nil, ws, storage.NewMemory())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"operator", func(c *Config) { c.Operator = nil }, "operator is required"},
		{"writer", func(c *Config) { c.NewWriter = nil }, "writer factory is required"},
		{"storage", func(c *Config) { c.Storage = nil }, "storage is required"},
		{"interval", func(c *Config) { c.CommitInterval = 0 }, "commit interval must be positive"},
		{"shutdown", func(c *Config) { c.ShutdownTimeout = 0 }, "shutdown timeout must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := good
			tt.mutate(&cfg)
			_, err := Run(context.Background(), cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRunCommitFailureIsReported(t *testing.T) {
	st := testutil.NewScriptedStorage(errors.New("database is locked"))
	ws := newWriterSet(nil)
	cfg := baseConfig(t, &operator.Identity{}, nil, ws, st, envs("src", 2)...)

	res, err := Run(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	assert.Equal(t, int64(1), res.Commits.Failures)
}

func TestRunCancellation(t *testing.T) {
	ch := make(chan *record.Envelope[record.Object])
	ws := newWriterSet(nil)
	cfg := baseConfig(t, &operator.Identity{}, nil, ws, storage.NewMemory())
	cfg.Source.Records = record.NewChanStream(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := Run(ctx, cfg)
		done <- err
	}()

	ch <- envs("src", 1)[0]
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
}

func TestUUIDv7Generator(t *testing.T) {
	gen := UUIDv7Generator{}
	a, b := gen.Generate(), gen.Generate()
	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)
	assert.Equal(t, byte('7'), a[14], "version nibble")
}
