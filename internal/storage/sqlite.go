package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/branchline/internal/watermark"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema
// 1 - Added index on watermark_commits(source, seq)
const currentSchemaVersion = 1

// SQLite stores watermarks in a SQLite database with WAL mode.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// SQLiteOption configures a SQLite store.
type SQLiteOption func(*SQLite)

// WithClock sets the clock used for commit timestamps.
func WithClock(now func() time.Time) SQLiteOption {
	return func(s *SQLite) {
		s.now = now
	}
}

// OpenSQLite creates or opens the database at path and applies pragmas and
// migrations. Safe to call repeatedly on the same path.
func OpenSQLite(path string, opts ...SQLiteOption) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &SQLite{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < 1 {
		if _, err := db.Exec(`
			CREATE INDEX IF NOT EXISTS idx_watermark_commits_source
			ON watermark_commits(source, seq)
		`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// CommitWatermarks implements Storage. The batch is applied in a single
// transaction: each watermark is compared with the stored position and
// written only when it is greater. Every submitted watermark is appended to
// the commit history.
func (s *SQLite) CommitWatermarks(ctx context.Context, wms []watermark.Watermark) (err error) {
	if err := validate(wms); err != nil {
		return err
	}
	if len(wms) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("commit watermarks: begin: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	at := s.now().UnixNano()
	for _, wm := range wms {
		row, err := commitOne(ctx, tx, wm, at)
		if err != nil {
			return fmt.Errorf("commit watermark %s: %w", wm, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO watermark_commits (source, kind, position, applied, committed_at)
			VALUES (?, ?, ?, ?, ?)
		`, wm.Source, row.kind, row.text, row.applied, at); err != nil {
			return fmt.Errorf("record commit %s: %w", wm, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit watermarks: %w", err)
	}
	return nil
}

// committedRow is the encoded watermark commitOne wrote, or would have
// written had the stored position not already been at least as high.
type committedRow struct {
	kind, text string
	applied    bool
}

func commitOne(ctx context.Context, tx *sql.Tx, wm watermark.Watermark, at int64) (committedRow, error) {
	kind, text, err := watermark.Encode(wm.Position)
	if err != nil {
		return committedRow{}, err
	}
	row := committedRow{kind: kind, text: text}

	var curKind, curText string
	err = tx.QueryRowContext(ctx,
		`SELECT kind, position FROM watermarks WHERE source = ?`, wm.Source,
	).Scan(&curKind, &curText)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return row, fmt.Errorf("read current: %w", err)
	default:
		cur, err := watermark.Decode(curKind, curText)
		if err != nil {
			return row, fmt.Errorf("decode stored position: %w", err)
		}
		if !watermark.Less(cur, wm.Position) {
			return row, nil
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO watermarks (source, kind, position, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET
			kind = excluded.kind,
			position = excluded.position,
			updated_at = excluded.updated_at
	`, wm.Source, kind, text, at)
	if err != nil {
		return row, fmt.Errorf("upsert: %w", err)
	}
	row.applied = true
	return row, nil
}

// CommittedWatermarks implements Storage.
func (s *SQLite) CommittedWatermarks(ctx context.Context, sources ...string) (watermark.Set, error) {
	query := `SELECT source, kind, position FROM watermarks`
	args := make([]any, len(sources))
	if len(sources) > 0 {
		query += ` WHERE source IN (?` + strings.Repeat(`, ?`, len(sources)-1) + `)`
		for i, src := range sources {
			args[i] = src
		}
	}
	query += ` ORDER BY source COLLATE BINARY ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query watermarks: %w", err)
	}
	defer rows.Close()

	out := watermark.NewSet()
	for rows.Next() {
		var source, kind, text string
		if err := rows.Scan(&source, &kind, &text); err != nil {
			return nil, fmt.Errorf("scan watermark: %w", err)
		}
		pos, err := watermark.Decode(kind, text)
		if err != nil {
			return nil, fmt.Errorf("decode watermark for %s: %w", source, err)
		}
		out[source] = watermark.New(source, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate watermarks: %w", err)
	}
	return out, nil
}

// History returns the commit log, oldest first. A non-empty source limits
// it to that source; limit <= 0 returns every entry.
func (s *SQLite) History(ctx context.Context, source string, limit int) ([]Commit, error) {
	query := `SELECT seq, source, kind, position, applied, committed_at FROM watermark_commits`
	var args []any
	if source != "" {
		query += ` WHERE source = ?`
		args = append(args, source)
	}
	query += ` ORDER BY seq ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	commits := []Commit{}
	for rows.Next() {
		var (
			c           Commit
			src, kind   string
			text        string
			applied     bool
			committedAt int64
		)
		if err := rows.Scan(&c.Seq, &src, &kind, &text, &applied, &committedAt); err != nil {
			return nil, fmt.Errorf("scan commit: %w", err)
		}
		pos, err := watermark.Decode(kind, text)
		if err != nil {
			return nil, fmt.Errorf("decode commit %d: %w", c.Seq, err)
		}
		c.Watermark = watermark.New(src, pos)
		c.Applied = applied
		c.CommittedAt = time.Unix(0, committedAt).UTC()
		commits = append(commits, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return commits, nil
}

func (s *SQLite) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
