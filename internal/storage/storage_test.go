package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/branchline/internal/watermark"
)

func wm(source string, n int64) watermark.Watermark {
	return watermark.New(source, watermark.Offset(n))
}

// backendsUnderTest returns a fresh instance of every backend.
func backendsUnderTest(t *testing.T) map[string]Storage {
	t.Helper()
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "wm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })
	return map[string]Storage{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func TestCommitUpsertsByMax(t *testing.T) {
	ctx := context.Background()
	for name, st := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.CommitWatermarks(ctx, []watermark.Watermark{wm("a", 5), wm("b", 1)}))
			require.NoError(t, st.CommitWatermarks(ctx, []watermark.Watermark{wm("a", 3), wm("b", 2)}))

			got, err := st.CommittedWatermarks(ctx)
			require.NoError(t, err)
			assert.Equal(t, watermark.NewSet(wm("a", 5), wm("b", 2)), got)
		})
	}
}

func TestCommitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, st := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			batch := []watermark.Watermark{wm("a", 7)}
			for range 3 {
				require.NoError(t, st.CommitWatermarks(ctx, batch))
			}
			got, err := st.CommittedWatermarks(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, wm("a", 7), got["a"])
		})
	}
}

func TestCommittedWatermarksFiltersSources(t *testing.T) {
	ctx := context.Background()
	for name, st := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.CommitWatermarks(ctx, []watermark.Watermark{wm("a", 1), wm("b", 2), wm("c", 3)}))

			got, err := st.CommittedWatermarks(ctx, "a", "c", "missing")
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "c"}, got.Sources())

			empty, err := st.CommittedWatermarks(ctx, "missing")
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestCommitRejectsIncompleteWatermarks(t *testing.T) {
	ctx := context.Background()
	for name, st := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			err := st.CommitWatermarks(ctx, []watermark.Watermark{{Source: "a"}})
			assert.ErrorContains(t, err, "no position")
			err = st.CommitWatermarks(ctx, []watermark.Watermark{{Position: watermark.Offset(1)}})
			assert.ErrorContains(t, err, "no source")

			got, err := st.CommittedWatermarks(ctx)
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestTimestampPositionsKeepOrdering(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	later := watermark.New("clicks", watermark.TimestampOf(base.Add(time.Hour)))
	earlier := watermark.New("clicks", watermark.TimestampOf(base))

	for name, st := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.CommitWatermarks(ctx, []watermark.Watermark{later}))
			require.NoError(t, st.CommitWatermarks(ctx, []watermark.Watermark{earlier}))

			got, err := st.CommittedWatermarks(ctx, "clicks")
			require.NoError(t, err)
			assert.Equal(t, later, got["clicks"])
		})
	}
}

// Offsets above 9 would order wrongly if positions were compared as text.
func TestSQLiteComparesDecodedPositions(t *testing.T) {
	ctx := context.Background()
	st, err := OpenSQLite(filepath.Join(t.TempDir(), "wm.db"))
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.CommitWatermarks(ctx, []watermark.Watermark{wm("a", 9)}))
	require.NoError(t, st.CommitWatermarks(ctx, []watermark.Watermark{wm("a", 10)}))

	got, err := st.CommittedWatermarks(ctx)
	require.NoError(t, err)
	assert.Equal(t, wm("a", 10), got["a"])
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "wm.db")

	st, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, st.CommitWatermarks(ctx, []watermark.Watermark{wm("a", 42)}))
	require.NoError(t, st.Close())

	_, err = os.Stat(path)
	require.NoError(t, err)

	st, err = OpenSQLite(path)
	require.NoError(t, err)
	defer st.Close()

	// A restarted task whose tracker recomputes a lower value must not
	// move the committed watermark backwards.
	require.NoError(t, st.CommitWatermarks(ctx, []watermark.Watermark{wm("a", 40)}))

	got, err := st.CommittedWatermarks(ctx)
	require.NoError(t, err)
	assert.Equal(t, wm("a", 42), got["a"])
}

func TestSQLitePragmasAndVersion(t *testing.T) {
	st, err := OpenSQLite(filepath.Join(t.TempDir(), "wm.db"))
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.verifyPragma("journal_mode", "wal"))
	require.NoError(t, st.verifyPragma("synchronous", "2"))
	require.NoError(t, st.verifyPragma("busy_timeout", "5000"))
	require.NoError(t, st.verifyPragma("user_version", "1"))
}

func TestSQLiteHistory(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	st, err := OpenSQLite(filepath.Join(t.TempDir(), "wm.db"), WithClock(func() time.Time { return clock }))
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.CommitWatermarks(ctx, []watermark.Watermark{wm("a", 1), wm("b", 1)}))
	require.NoError(t, st.CommitWatermarks(ctx, []watermark.Watermark{wm("a", 1)}))
	require.NoError(t, st.CommitWatermarks(ctx, []watermark.Watermark{wm("a", 2)}))

	all, err := st.History(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 4)

	hist, err := st.History(ctx, "a", 0)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, []bool{true, false, true}, []bool{hist[0].Applied, hist[1].Applied, hist[2].Applied})
	assert.Equal(t, wm("a", 2), hist[2].Watermark)
	assert.True(t, clock.Equal(hist[0].CommittedAt))
	assert.Less(t, hist[0].Seq, hist[1].Seq)

	limited, err := st.History(ctx, "a", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	none, err := st.History(ctx, "zzz", 0)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

// lsn is a position kind the storage codec does not know.
type lsn int64

func (lsn) Kind() string                           { return "lsn" }
func (l lsn) Compare(other watermark.Position) int { return watermark.Offset(l).Compare(other) }
func (l lsn) String() string                       { return watermark.Offset(l).String() }

func TestSQLiteUnencodablePositionRollsBack(t *testing.T) {
	ctx := context.Background()
	st, err := OpenSQLite(filepath.Join(t.TempDir(), "wm.db"))
	require.NoError(t, err)
	defer st.Close()

	err = st.CommitWatermarks(ctx, []watermark.Watermark{wm("a", 1), watermark.New("b", lsn(5))})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commit watermark b@")
	assert.Contains(t, err.Error(), `unsupported kind "lsn"`)

	got, err := st.CommittedWatermarks(ctx)
	require.NoError(t, err)
	assert.Empty(t, got, "a failed batch must not leave partial watermarks")

	hist, err := st.History(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestSQLiteHistoryRecordsEncodedPosition(t *testing.T) {
	ctx := context.Background()
	st, err := OpenSQLite(filepath.Join(t.TempDir(), "wm.db"))
	require.NoError(t, err)
	defer st.Close()

	ts := watermark.TimestampOf(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, st.CommitWatermarks(ctx, []watermark.Watermark{watermark.New("ev", ts)}))
	require.NoError(t, st.CommitWatermarks(ctx, []watermark.Watermark{watermark.New("ev", ts-1)}))

	hist, err := st.History(ctx, "ev", 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, watermark.New("ev", ts), hist[0].Watermark)
	assert.True(t, hist[0].Applied)
	// A stale commit is still recorded with the position it carried.
	assert.Equal(t, watermark.New("ev", ts-1), hist[1].Watermark)
	assert.False(t, hist[1].Applied)
}

func TestSQLiteConcurrentCommitsKeepMax(t *testing.T) {
	ctx := context.Background()
	st, err := OpenSQLite(filepath.Join(t.TempDir(), "wm.db"))
	require.NoError(t, err)
	defer st.Close()

	var wg sync.WaitGroup
	for i := int64(1); i <= 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, st.CommitWatermarks(ctx, []watermark.Watermark{wm("a", i)}))
		}()
	}
	wg.Wait()

	got, err := st.CommittedWatermarks(ctx)
	require.NoError(t, err)
	assert.Equal(t, wm("a", 20), got["a"])
}

func TestMemoryHistory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CommitWatermarks(ctx, []watermark.Watermark{wm("a", 2)}))
	require.NoError(t, m.CommitWatermarks(ctx, []watermark.Watermark{wm("a", 1)}))

	h := m.History()
	require.Len(t, h, 2)
	assert.True(t, h[0].Applied)
	assert.False(t, h[1].Applied)
}

func TestMemoryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewMemory().CommitWatermarks(ctx, []watermark.Watermark{wm("a", 1)})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestOpenRegistry(t *testing.T) {
	assert.Equal(t, []string{"memory", "sqlite"}, Backends())

	st, err := Open("memory", "")
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, st)

	st, err = Open("sqlite", filepath.Join(t.TempDir(), "wm.db"))
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, st)
	require.NoError(t, st.Close())

	_, err = Open("sqlite", "")
	assert.ErrorContains(t, err, "requires a database path")

	_, err = Open("com.example.RedisStore", "")
	assert.ErrorContains(t, err, "unknown storage backend")
}
