package watermark

import (
	"cmp"
	"fmt"
	"strconv"
	"time"
)

// Position is a totally ordered point in a source stream.
type Position interface {
	// Kind names the position family ("offset", "timestamp").
	Kind() string

	// Compare returns -1, 0 or +1. Positions of different kinds order by kind
	// name so the ordering stays total.
	Compare(other Position) int

	String() string
}

// Offset is a monotonically increasing record offset (e.g. a log offset).
type Offset int64

// Kind implements Position.
func (Offset) Kind() string { return "offset" }

// Compare implements Position.
func (o Offset) Compare(other Position) int {
	if other == nil {
		return 1
	}
	x, ok := other.(Offset)
	if !ok {
		return cmp.Compare(o.Kind(), other.Kind())
	}
	return cmp.Compare(o, x)
}

func (o Offset) String() string { return strconv.FormatInt(int64(o), 10) }

// Timestamp is an event-time position in Unix nanoseconds.
type Timestamp int64

// TimestampOf converts a wall-clock time to a Timestamp position.
func TimestampOf(t time.Time) Timestamp {
	return Timestamp(t.UnixNano())
}

// Time returns the position as a UTC time.
func (t Timestamp) Time() time.Time {
	return time.Unix(0, int64(t)).UTC()
}

// Kind implements Position.
func (Timestamp) Kind() string { return "timestamp" }

// Compare implements Position.
func (t Timestamp) Compare(other Position) int {
	if other == nil {
		return 1
	}
	x, ok := other.(Timestamp)
	if !ok {
		return cmp.Compare(t.Kind(), other.Kind())
	}
	return cmp.Compare(t, x)
}

func (t Timestamp) String() string { return t.Time().Format(time.RFC3339Nano) }

// Max merges two positions. A nil position loses to any other.
func Max(a, b Position) Position {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case a.Compare(b) >= 0:
		return a
	default:
		return b
	}
}

// Less reports whether a orders strictly before b. nil orders first.
func Less(a, b Position) bool {
	if a == nil {
		return b != nil
	}
	if b == nil {
		return false
	}
	return a.Compare(b) < 0
}

type decodeFunc func(text string) (Position, error)

// codecs is the static registry of persistable position kinds.
var codecs = map[string]decodeFunc{
	"offset": func(text string) (Position, error) {
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, err
		}
		return Offset(n), nil
	},
	"timestamp": func(text string) (Position, error) {
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, err
		}
		return Timestamp(n), nil
	},
}

// Encode returns the storage representation of p: its kind and a text value.
func Encode(p Position) (kind, text string, err error) {
	switch v := p.(type) {
	case Offset:
		return v.Kind(), strconv.FormatInt(int64(v), 10), nil
	case Timestamp:
		return v.Kind(), strconv.FormatInt(int64(v), 10), nil
	case nil:
		return "", "", fmt.Errorf("encode position: nil position")
	default:
		return "", "", fmt.Errorf("encode position: unsupported kind %q (%T)", p.Kind(), p)
	}
}

// Decode parses a position previously produced by Encode.
func Decode(kind, text string) (Position, error) {
	decode, ok := codecs[kind]
	if !ok {
		return nil, fmt.Errorf("decode position: unknown kind %q", kind)
	}
	p, err := decode(text)
	if err != nil {
		return nil, fmt.Errorf("decode %s position %q: %w", kind, text, err)
	}
	return p, nil
}
