package record

import (
	"context"
	"io"
	"sync"
)

// RecordStream is a pull-based stream of envelopes. Next returns io.EOF once
// the stream is exhausted; any other error is terminal.
type RecordStream[D any] interface {
	Next(ctx context.Context) (*Envelope[D], error)
}

// StreamWithMetadata pairs a record stream with its schema.
type StreamWithMetadata[D any] struct {
	Schema  Schema
	Records RecordStream[D]
}

// WithRecords returns a stream carrying a copy of the schema and the given
// records.
func (s StreamWithMetadata[D]) WithRecords(records RecordStream[D]) StreamWithMetadata[D] {
	return StreamWithMetadata[D]{Schema: s.Schema.Copy(), Records: records}
}

// SliceStream serves envelopes from memory. Safe for one consumer.
type SliceStream[D any] struct {
	mu   sync.Mutex
	envs []*Envelope[D]
	pos  int
}

// NewSliceStream returns a stream over envs.
func NewSliceStream[D any](envs ...*Envelope[D]) *SliceStream[D] {
	return &SliceStream[D]{envs: envs}
}

// Next implements RecordStream.
func (s *SliceStream[D]) Next(ctx context.Context) (*Envelope[D], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.envs) {
		return nil, io.EOF
	}
	e := s.envs[s.pos]
	s.envs[s.pos] = nil
	s.pos++
	return e, nil
}

// ChanStream adapts a channel into a RecordStream. Closing the channel ends
// the stream.
type ChanStream[D any] struct {
	ch <-chan *Envelope[D]
}

// NewChanStream returns a stream that reads from ch.
func NewChanStream[D any](ch <-chan *Envelope[D]) *ChanStream[D] {
	return &ChanStream[D]{ch: ch}
}

// Next implements RecordStream.
func (s *ChanStream[D]) Next(ctx context.Context) (*Envelope[D], error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case e, ok := <-s.ch:
		if !ok {
			return nil, io.EOF
		}
		return e, nil
	}
}
