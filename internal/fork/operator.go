package fork

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/branchline/internal/record"
	"github.com/roach88/branchline/internal/watermark"
)

// Props is the flat key/value configuration handed to an Operator.
type Props map[string]string

// Get returns the value for key, or def when the key is absent or empty.
func (p Props) Get(key, def string) string {
	if v, ok := p[key]; ok && v != "" {
		return v
	}
	return def
}

// Int parses the value for key as an integer.
func (p Props) Int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("property %s: %q is not an integer", key, v)
	}
	return n, nil
}

// List splits a comma separated value, dropping empty items.
func (p Props) List(key string) []string {
	raw, ok := p[key]
	if !ok {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Operator is the pluggable branch policy.
//
// BranchCount declares N once per stream. ForkSchema must return exactly N
// flags, marking which branches are enabled for this run. RouteRecord must
// return N flags that only select enabled branches.
type Operator[D any] interface {
	BranchCount(props Props) int
	Init(props Props) error
	ForkSchema(props Props, schema record.Schema) ([]bool, error)
	RouteRecord(props Props, rec D) ([]bool, error)
}

// Observer is notified of every record and its routing before the record is
// delivered to any branch. The watermark tracker implements it.
type Observer interface {
	Observe(wm watermark.Watermark, routing record.Routing) error
}
