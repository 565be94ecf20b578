// Package operator provides the built-in fork operators over JSON object
// records and the registry that resolves them by name.
package operator

import (
	"fmt"
	"slices"
	"sort"

	"github.com/roach88/branchline/internal/fork"
	"github.com/roach88/branchline/internal/record"
)

// Property keys understood by the built-in operators.
const (
	PropBranches = "fork.branches"
	PropDisabled = "fork.disabled"
	PropField    = "fork.field"
	PropDefault  = "fork.default"
)

// Factory builds a fresh operator instance.
type Factory func() fork.Operator[record.Object]

var registry = map[string]Factory{
	"identity":  func() fork.Operator[record.Object] { return &Identity{} },
	"broadcast": func() fork.Operator[record.Object] { return &Broadcast{} },
	"field":     func() fork.Operator[record.Object] { return &Field{} },
}

// New returns the operator registered under name.
func New(name string) (fork.Operator[record.Object], error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown fork operator %q (known: %v)", name, Names())
	}
	return f(), nil
}

// Names lists the registered operator names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Identity forwards every record to a single branch.
type Identity struct{}

func (Identity) BranchCount(fork.Props) int { return 1 }
func (Identity) Init(fork.Props) error      { return nil }

func (Identity) ForkSchema(fork.Props, record.Schema) ([]bool, error) {
	return []bool{true}, nil
}

func (Identity) RouteRecord(fork.Props, record.Object) ([]bool, error) {
	return []bool{true}, nil
}

// Broadcast sends every record to all enabled branches.
//
// fork.branches sets the branch count (default 1); fork.disabled lists
// branch indices that are off for this run.
type Broadcast struct {
	enabled []bool
}

func (b *Broadcast) BranchCount(props fork.Props) int {
	n, err := props.Int(PropBranches, 1)
	if err != nil {
		return 0
	}
	return n
}

func (b *Broadcast) Init(props fork.Props) error {
	n, err := props.Int(PropBranches, 1)
	if err != nil {
		return err
	}
	if n <= 0 {
		return fmt.Errorf("%s must be positive, got %d", PropBranches, n)
	}
	disabled, err := indices(props, PropDisabled, n)
	if err != nil {
		return err
	}
	b.enabled = make([]bool, n)
	for i := range b.enabled {
		b.enabled[i] = !slices.Contains(disabled, i)
	}
	return nil
}

func (b *Broadcast) ForkSchema(fork.Props, record.Schema) ([]bool, error) {
	return slices.Clone(b.enabled), nil
}

func (b *Broadcast) RouteRecord(fork.Props, record.Object) ([]bool, error) {
	return slices.Clone(b.enabled), nil
}

func indices(props fork.Props, key string, n int) ([]int, error) {
	var out []int
	for _, raw := range props.List(key) {
		var i int
		if _, err := fmt.Sscanf(raw, "%d", &i); err != nil {
			return nil, fmt.Errorf("%s: %q is not a branch index", key, raw)
		}
		if i < 0 || i >= n {
			return nil, fmt.Errorf("%s: branch %d out of range [0,%d)", key, i, n)
		}
		out = append(out, i)
	}
	return out, nil
}
