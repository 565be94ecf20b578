package operator

import (
	"fmt"
	"strconv"

	"github.com/roach88/branchline/internal/fork"
	"github.com/roach88/branchline/internal/record"
)

// Field routes each record by the value of one of its fields.
//
//	fork.field            name of the routing field (required)
//	fork.branches         number of branches
//	fork.branch.<i>.values comma separated values sent to branch i
//	fork.default          branch for values no branch lists, or none
//
// A value listed by several branches is sent to all of them. Records whose
// field is missing go to the default branch.
type Field struct {
	field    string
	n        int
	byValue  map[string][]int
	fallback int
}

func valuesKey(i int) string { return fmt.Sprintf("fork.branch.%d.values", i) }

func (f *Field) BranchCount(props fork.Props) int {
	n, err := props.Int(PropBranches, 0)
	if err != nil {
		return 0
	}
	return n
}

func (f *Field) Init(props fork.Props) error {
	f.field = props.Get(PropField, "")
	if f.field == "" {
		return fmt.Errorf("%s is required", PropField)
	}
	n, err := props.Int(PropBranches, 0)
	if err != nil {
		return err
	}
	if n <= 0 {
		return fmt.Errorf("%s must be positive, got %d", PropBranches, n)
	}
	f.n = n

	f.fallback = -1
	if raw := props.Get(PropDefault, ""); raw != "" {
		d, err := strconv.Atoi(raw)
		if err != nil || d < 0 || d >= n {
			return fmt.Errorf("%s: %q is not a branch in [0,%d)", PropDefault, raw, n)
		}
		f.fallback = d
	}

	f.byValue = make(map[string][]int)
	for i := range n {
		for _, v := range props.List(valuesKey(i)) {
			f.byValue[v] = append(f.byValue[v], i)
		}
	}
	return nil
}

func (f *Field) ForkSchema(_ fork.Props, schema record.Schema) ([]bool, error) {
	if len(schema.Fields) > 0 {
		if _, ok := schema.Field(f.field); !ok {
			return nil, fmt.Errorf("schema %q has no field %q", schema.Name, f.field)
		}
	}
	enabled := make([]bool, f.n)
	for _, targets := range f.byValue {
		for _, t := range targets {
			enabled[t] = true
		}
	}
	if f.fallback >= 0 {
		enabled[f.fallback] = true
	}
	return enabled, nil
}

func (f *Field) RouteRecord(_ fork.Props, rec record.Object) ([]bool, error) {
	routing := make([]bool, f.n)
	key, ok := fieldKey(rec[f.field])
	if targets, found := f.byValue[key]; ok && found {
		for _, t := range targets {
			routing[t] = true
		}
		return routing, nil
	}
	if f.fallback >= 0 {
		routing[f.fallback] = true
	}
	return routing, nil
}

func fieldKey(v record.Value) (string, bool) {
	switch val := v.(type) {
	case record.String:
		return string(val), true
	case record.Int:
		return strconv.FormatInt(int64(val), 10), true
	case record.Bool:
		return strconv.FormatBool(bool(val)), true
	default:
		return "", false
	}
}
