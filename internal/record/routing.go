package record

import (
	"fmt"
	"strings"
)

// Routing holds one flag per branch; true at index i delivers to branch i.
type Routing []bool

// NewRouting returns a routing of n branches with the given targets set.
func NewRouting(n int, targets ...int) Routing {
	r := make(Routing, n)
	for _, t := range targets {
		if t >= 0 && t < n {
			r[t] = true
		}
	}
	return r
}

// Count returns the number of targeted branches.
func (r Routing) Count() int {
	n := 0
	for _, b := range r {
		if b {
			n++
		}
	}
	return n
}

// Targets returns the targeted branch indices in ascending order.
func (r Routing) Targets() []int {
	out := make([]int, 0, len(r))
	for i, b := range r {
		if b {
			out = append(out, i)
		}
	}
	return out
}

// MustCopy reports whether a record with this routing must be duplicated
// before delivery.
func (r Routing) MustCopy() bool {
	return r.Count() >= 2
}

// Validate checks r against the enabled branch mask declared at stream open:
// the lengths must match and r may only target enabled branches.
func (r Routing) Validate(enabled []bool) error {
	if len(r) != len(enabled) {
		return fmt.Errorf("routing has %d entries, expected %d", len(r), len(enabled))
	}
	for i, b := range r {
		if b && !enabled[i] {
			return fmt.Errorf("routing targets disabled branch %d", i)
		}
	}
	return nil
}

func (r Routing) String() string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, b := range r {
		if b {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
		if i < len(r)-1 {
			sb.WriteByte(' ')
		}
	}
	sb.WriteByte(']')
	return sb.String()
}
