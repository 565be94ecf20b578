package fork

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/branchline/internal/record"
	"github.com/roach88/branchline/internal/watermark"
)

func env(n int64) *record.Envelope[record.Object] {
	return record.NewEnvelope(record.Object{"n": record.Int(n)}, watermark.New("src", watermark.Offset(n)))
}

func TestBranchQueueFIFO(t *testing.T) {
	ctx := context.Background()
	q := newBranchQueue[record.Object](4)

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, q.Push(ctx, env(i)))
	}
	assert.Equal(t, 3, q.Len())

	for i := int64(1); i <= 3; i++ {
		e, err := q.Pop(ctx)
		require.NoError(t, err)
		n, _ := e.Record.GetInt("n")
		assert.Equal(t, i, n)
	}
	assert.Equal(t, 0, q.Len())
}

func TestBranchQueuePushBlocksWhenFull(t *testing.T) {
	q := newBranchQueue[record.Object](1)
	require.NoError(t, q.Push(context.Background(), env(1)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Push(ctx, env(2))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	pushed := make(chan error, 1)
	go func() { pushed <- q.Push(context.Background(), env(3)) }()

	_, err = q.Pop(context.Background())
	require.NoError(t, err)

	select {
	case err := <-pushed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("push did not resume after pop")
	}
}

func TestBranchQueuePopBlocksUntilPush(t *testing.T) {
	q := newBranchQueue[record.Object](2)

	got := make(chan *record.Envelope[record.Object], 1)
	go func() {
		e, _ := q.Pop(context.Background())
		got <- e
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Push(context.Background(), env(9)))

	select {
	case e := <-got:
		require.NotNil(t, e)
		n, _ := e.Record.GetInt("n")
		assert.Equal(t, int64(9), n)
	case <-time.After(time.Second):
		t.Fatal("pop did not wake on push")
	}
}

func TestBranchQueueCloseDrainsThenEOF(t *testing.T) {
	ctx := context.Background()
	q := newBranchQueue[record.Object](4)
	require.NoError(t, q.Push(ctx, env(1)))
	q.Close(nil)
	q.Close(errors.New("ignored"))

	assert.ErrorIs(t, q.Push(ctx, env(2)), errQueueClosed)

	_, err := q.Pop(ctx)
	require.NoError(t, err)
	_, err = q.Pop(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestBranchQueueCloseWithError(t *testing.T) {
	q := newBranchQueue[record.Object](1)
	boom := errors.New("upstream failed")

	done := make(chan error, 1)
	go func() {
		_, err := q.Pop(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close(boom)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("pop did not wake on close")
	}
}

func TestBranchQueuePopRespectsContext(t *testing.T) {
	q := newBranchQueue[record.Object](1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
