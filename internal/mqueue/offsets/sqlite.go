package offsets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/devrev/pairdb/stream-node/internal/mqueue"

	_ "modernc.org/sqlite"
)

const offsetsSchema = `
CREATE TABLE IF NOT EXISTS consumer_offsets (
	stream TEXT NOT NULL,
	consumer_group TEXT NOT NULL,
	partition_id INTEGER NOT NULL,
	committed INTEGER NOT NULL,
	updated_at_utc_ns INTEGER NOT NULL,
	PRIMARY KEY (stream, consumer_group, partition_id)
);
`

// SQLiteStore keeps offsets in a single sqlite table
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database file at path
func NewSQLiteStore(path string, sync bool) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir offset store dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open offset store: %w", err)
	}
	// one connection keeps pragmas effective and serializes writers
	db.SetMaxOpenConns(1)

	synchronous := "PRAGMA synchronous=NORMAL;"
	if sync {
		synchronous = "PRAGMA synchronous=FULL;"
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		synchronous,
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}
	if _, err := db.Exec(offsetsSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create offsets schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context, group string, p mqueue.Partition) (int64, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT committed FROM consumer_offsets
WHERE stream=? AND consumer_group=? AND partition_id=?`, p.Stream, group, p.Partition)
	var committed int64
	if err := row.Scan(&committed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("load offset: %w", err)
	}
	return committed, true, nil
}

func (s *SQLiteStore) Save(ctx context.Context, group string, p mqueue.Partition, offset int64) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO consumer_offsets(stream, consumer_group, partition_id, committed, updated_at_utc_ns)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(stream, consumer_group, partition_id)
DO UPDATE SET committed=excluded.committed, updated_at_utc_ns=excluded.updated_at_utc_ns`,
		p.Stream, group, p.Partition, offset, time.Now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("save offset: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Groups(ctx context.Context, stream string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT DISTINCT consumer_group FROM consumer_offsets WHERE stream=? ORDER BY consumer_group`, stream)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var group string
		if err := rows.Scan(&group); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, group)
	}
	return groups, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
