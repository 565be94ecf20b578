package testutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/branchline/internal/watermark"
)

func TestScriptedStorage_FailsThenSucceeds(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk full")
	st := NewScriptedStorage(boom)
	batch := []watermark.Watermark{watermark.New("a", watermark.Offset(1))}

	assert.ErrorIs(t, st.CommitWatermarks(ctx, batch), boom)
	assert.Empty(t, st.Committed())

	require.NoError(t, st.CommitWatermarks(ctx, batch))
	assert.Equal(t, watermark.NewSet(batch...), st.Committed())
	assert.Len(t, st.Calls(), 2)
	assert.Equal(t, 1, st.MaxConcurrentCommits())
}

func TestScriptedStorage_Hold(t *testing.T) {
	st := NewScriptedStorage()
	st.Hold()

	done := make(chan error, 1)
	go func() {
		done <- st.CommitWatermarks(context.Background(), []watermark.Watermark{watermark.New("a", watermark.Offset(1))})
	}()

	select {
	case <-st.Entered():
	case <-time.After(time.Second):
		t.Fatal("commit never reached the gate")
	}
	assert.Empty(t, st.Committed())

	st.Release()
	require.NoError(t, <-done)
	assert.Len(t, st.Committed(), 1)
}
