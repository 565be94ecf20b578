package writer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/roach88/branchline/internal/record"
	"github.com/roach88/branchline/internal/watermark"
)

// Encoder turns a payload into one line of output, without the newline.
type Encoder[D any] func(D) ([]byte, error)

// CanonicalObject encodes object payloads as canonical JSON.
func CanonicalObject(o record.Object) ([]byte, error) {
	return record.MarshalCanonical(o)
}

// JSONL writes one encoded record per line and acknowledges records on Flush.
type JSONL[D any] struct {
	mu      sync.Mutex
	buf     *bufio.Writer
	out     io.Writer
	encode  Encoder[D]
	ack     Ack
	pending []watermark.Watermark
	every   int
	written int64
	closed  bool
}

// JSONLOption configures a JSONL writer.
type JSONLOption[D any] func(*JSONL[D])

// WithFlushEvery flushes after every n records. Zero flushes only on Flush
// and Close.
func WithFlushEvery[D any](n int) JSONLOption[D] {
	return func(w *JSONL[D]) {
		w.every = n
	}
}

// NewJSONL returns a writer over out. If out implements Sync (as *os.File
// does) it is synced on every flush before records are acknowledged; if it
// implements io.Closer it is closed by Close.
func NewJSONL[D any](out io.Writer, encode Encoder[D], ack Ack, opts ...JSONLOption[D]) *JSONL[D] {
	w := &JSONL[D]{
		buf:    bufio.NewWriter(out),
		out:    out,
		encode: encode,
		ack:    ack,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// CreateJSONL opens path for appending and returns a writer over it.
func CreateJSONL[D any](path string, encode Encoder[D], ack Ack, opts ...JSONLOption[D]) (*JSONL[D], error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open branch output: %w", err)
	}
	return NewJSONL(f, encode, ack, opts...), nil
}

// Write implements Writer.
func (w *JSONL[D]) Write(ctx context.Context, env *record.Envelope[D]) error {
	line, err := w.encode(env.Record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("write to closed writer")
	}
	if _, err := w.buf.Write(line); err != nil {
		return err
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		return err
	}
	w.pending = append(w.pending, env.Watermark)
	w.written++

	if w.every > 0 && len(w.pending) >= w.every {
		return w.flushLocked()
	}
	return nil
}

// Flush implements Writer. Buffered lines are written and synced, then every
// pending record is acknowledged in write order.
func (w *JSONL[D]) Flush(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *JSONL[D]) flushLocked() error {
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	if s, ok := w.out.(interface{ Sync() error }); ok {
		if err := s.Sync(); err != nil {
			return fmt.Errorf("sync: %w", err)
		}
	}
	pending := w.pending
	w.pending = nil
	if w.ack == nil {
		return nil
	}
	for i, wm := range pending {
		if err := w.ack(wm); err != nil {
			w.pending = append(w.pending, pending[i+1:]...)
			return fmt.Errorf("ack %s: %w", wm, err)
		}
	}
	return nil
}

// Written returns the number of records written so far.
func (w *JSONL[D]) Written() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Close flushes and closes the underlying output when it is closable.
func (w *JSONL[D]) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.flushLocked()
	if c, ok := w.out.(io.Closer); ok {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
