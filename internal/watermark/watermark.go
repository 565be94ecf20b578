package watermark

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Watermark is a checkpointable (source, position) pair.
type Watermark struct {
	Source   string
	Position Position
}

// New builds a watermark.
func New(source string, pos Position) Watermark {
	return Watermark{Source: source, Position: pos}
}

// IsZero reports whether w carries no position.
func (w Watermark) IsZero() bool {
	return w.Position == nil
}

func (w Watermark) String() string {
	if w.Position == nil {
		return w.Source + "@<none>"
	}
	return fmt.Sprintf("%s@%s:%s", w.Source, w.Position.Kind(), w.Position)
}

type wireWatermark struct {
	Source   string `json:"source"`
	Kind     string `json:"kind"`
	Position string `json:"position"`
}

// MarshalJSON implements json.Marshaler.
func (w Watermark) MarshalJSON() ([]byte, error) {
	kind, text, err := Encode(w.Position)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireWatermark{Source: w.Source, Kind: kind, Position: text})
}

// UnmarshalJSON implements json.Unmarshaler.
func (w *Watermark) UnmarshalJSON(data []byte) error {
	var wire wireWatermark
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	pos, err := Decode(wire.Kind, wire.Position)
	if err != nil {
		return err
	}
	*w = Watermark{Source: wire.Source, Position: pos}
	return nil
}

// Set holds at most one watermark per source.
type Set map[string]Watermark

// NewSet builds a set from watermarks, keeping the max position per source.
func NewSet(wms ...Watermark) Set {
	s := make(Set, len(wms))
	for _, w := range wms {
		s.Advance(w)
	}
	return s
}

// Advance merges w into the set by max. Returns true if the set changed.
func (s Set) Advance(w Watermark) bool {
	cur, ok := s[w.Source]
	if ok && !Less(cur.Position, w.Position) {
		return false
	}
	s[w.Source] = w
	return true
}

// Merge folds other into s by max per source.
func (s Set) Merge(other Set) {
	for _, w := range other {
		s.Advance(w)
	}
}

// Clone returns an independent copy of the set. Positions are values.
func (s Set) Clone() Set {
	if s == nil {
		return nil
	}
	return maps.Clone(s)
}

// Sources returns the source keys in lexical order.
func (s Set) Sources() []string {
	return slices.Sorted(maps.Keys(s))
}

// Slice returns the watermarks ordered by source.
func (s Set) Slice() []Watermark {
	out := make([]Watermark, 0, len(s))
	for _, src := range s.Sources() {
		out = append(out, s[src])
	}
	return out
}

func (s Set) String() string {
	parts := make([]string, 0, len(s))
	for _, w := range s.Slice() {
		parts = append(parts, w.String())
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// MarshalJSON emits the set as a source-ordered list.
func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Slice())
}

// UnmarshalJSON accepts the list form produced by MarshalJSON.
func (s *Set) UnmarshalJSON(data []byte) error {
	var list []Watermark
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*s = NewSet(list...)
	return nil
}
