package task

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/roach88/branchline/internal/record"
	"github.com/roach88/branchline/internal/watermark"
)

const maxLineBytes = 4 << 20

// JSONLSource reads one JSON object per line. Blank lines are skipped but
// still counted, so a record's line number is stable across runs.
type JSONLSource struct {
	name    string
	field   string
	after   watermark.Position
	scanner *bufio.Scanner

	line    int64
	skipped int64
}

// SourceOption configures a JSONLSource.
type SourceOption func(*JSONLSource)

// WithPositionField takes each record's offset from an integer field
// instead of its line number.
func WithPositionField(field string) SourceOption {
	return func(s *JSONLSource) { s.field = field }
}

// WithResumeAfter skips records positioned at or below pos. It is used to
// resume after the last committed watermark.
func WithResumeAfter(pos watermark.Position) SourceOption {
	return func(s *JSONLSource) { s.after = pos }
}

// NewJSONLSource returns a source named name reading from r.
func NewJSONLSource(r io.Reader, name string, opts ...SourceOption) *JSONLSource {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	s := &JSONLSource{name: name, scanner: sc}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Next implements record.RecordStream.
func (s *JSONLSource) Next(ctx context.Context) (*record.Envelope[record.Object], error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, fmt.Errorf("read %s line %d: %w", s.name, s.line+1, err)
			}
			return nil, io.EOF
		}
		s.line++

		data := bytes.TrimSpace(s.scanner.Bytes())
		if len(data) == 0 {
			continue
		}
		obj, err := s.parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", s.name, s.line, err)
		}
		pos, err := s.position(obj)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", s.name, s.line, err)
		}
		if s.after != nil && pos.Compare(s.after) <= 0 {
			s.skipped++
			continue
		}
		return record.NewEnvelope(obj, watermark.New(s.name, pos)), nil
	}
}

func (s *JSONLSource) parse(data []byte) (record.Object, error) {
	v, err := record.ParseValue(data)
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	obj, ok := v.(record.Object)
	if !ok {
		return nil, fmt.Errorf("record must be a JSON object, got %T", v)
	}
	return obj, nil
}

func (s *JSONLSource) position(obj record.Object) (watermark.Position, error) {
	if s.field == "" {
		return watermark.Offset(s.line), nil
	}
	n, ok := obj.GetInt(s.field)
	if !ok {
		return nil, fmt.Errorf("position field %q missing or not an integer", s.field)
	}
	return watermark.Offset(n), nil
}

// Skipped returns how many records were skipped as already committed.
func (s *JSONLSource) Skipped() int64 { return s.skipped }
