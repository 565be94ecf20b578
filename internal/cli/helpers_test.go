package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const broadcastJob = `
name: orders
source:
  name: orders
fork:
  operator: broadcast
  props:
    fork.branches: "2"
branches:
  - writer: jsonl
    path: out/a.jsonl
  - writer: jsonl
    path: out/b.jsonl
storage:
  backend: sqlite
  dsn: wm.db
commit:
  interval: 1h
`

const ordersInput = `{"id":1}
{"id":2}
{"id":3}
`

// writeJob writes a job file and returns its path.
func writeJob(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}
