package record

import (
	"errors"
	"fmt"

	"github.com/roach88/branchline/internal/watermark"
)

// ErrCopyNotSupported is returned when a payload must be duplicated for
// branch isolation but its type has no copy capability.
var ErrCopyNotSupported = errors.New("record copy not supported")

// Copyable is implemented by payload types that can deep-copy themselves.
// Copies must share no mutable state with the original.
type Copyable[D any] interface {
	Copy() (D, error)
}

// Envelope carries one record through the pipeline together with its
// watermark token and per-record metadata.
//
// An envelope is immutable once handed downstream. The watermark token is
// assigned upstream, by the extractor.
type Envelope[D any] struct {
	Record    D
	Watermark watermark.Watermark
	Metadata  Object
}

// NewEnvelope builds an envelope with empty metadata.
func NewEnvelope[D any](rec D, wm watermark.Watermark) *Envelope[D] {
	return &Envelope[D]{Record: rec, Watermark: wm}
}

// Copy deep-copies the envelope. The record must implement Copyable[D];
// otherwise the error wraps ErrCopyNotSupported.
func (e *Envelope[D]) Copy() (*Envelope[D], error) {
	c, ok := any(e.Record).(Copyable[D])
	if !ok {
		return nil, fmt.Errorf("%w: payload type %T", ErrCopyNotSupported, e.Record)
	}
	rec, err := c.Copy()
	if err != nil {
		return nil, fmt.Errorf("copy payload %T: %w", e.Record, err)
	}
	meta, err := e.Metadata.Copy()
	if err != nil {
		return nil, fmt.Errorf("copy metadata: %w", err)
	}
	return &Envelope[D]{
		Record:    rec,
		Watermark: e.Watermark,
		Metadata:  meta,
	}, nil
}

// ForkedEnvelope pairs an envelope with its routing decision. It is owned by
// the forker until delivered.
type ForkedEnvelope[D any] struct {
	Envelope *Envelope[D]
	Routing  Routing
}
