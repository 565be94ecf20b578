// Package writer holds reference branch writers.
//
// A writer acknowledges a record only once it is durable: the JSONL writer
// acknowledges on Flush, after the buffered lines reach the file and the file
// is synced. Acknowledgements flow to the watermark tracker through an Ack
// callback bound to the writer's branch.
package writer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/branchline/internal/record"
	"github.com/roach88/branchline/internal/watermark"
)

// Ack reports one record as durably written.
type Ack func(watermark.Watermark) error

// Writer persists the records of one branch.
type Writer[D any] interface {
	Write(ctx context.Context, env *record.Envelope[D]) error
	Flush(ctx context.Context) error
	Close() error
}

// Drain writes every record of stream to w until the stream ends, flushing
// at the end. Records already written are flushed, and so acknowledged, even
// when the stream fails. A clean end of stream returns nil.
func Drain[D any](ctx context.Context, stream record.RecordStream[D], w Writer[D]) (int64, error) {
	var n int64
	for {
		env, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return n, w.Flush(ctx)
		}
		if err != nil {
			// Flush with a fresh context: the stream's may be cancelled.
			if ferr := w.Flush(context.WithoutCancel(ctx)); ferr != nil {
				return n, errors.Join(err, fmt.Errorf("flush after stream error: %w", ferr))
			}
			return n, err
		}
		if err := w.Write(ctx, env); err != nil {
			return n, fmt.Errorf("write %s: %w", env.Watermark, err)
		}
		n++
	}
}

// Discard drops records and acknowledges each one as it is written.
type Discard[D any] struct {
	ack Ack
}

// NewDiscard returns a writer that discards records. ack may be nil.
func NewDiscard[D any](ack Ack) *Discard[D] {
	return &Discard[D]{ack: ack}
}

// Write implements Writer.
func (d *Discard[D]) Write(_ context.Context, env *record.Envelope[D]) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(env.Watermark)
}

// Flush implements Writer.
func (d *Discard[D]) Flush(context.Context) error { return nil }

// Close implements Writer.
func (d *Discard[D]) Close() error { return nil }
