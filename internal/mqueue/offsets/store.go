// Package offsets persists the committed positions of consumer groups for the local log.
package offsets

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/devrev/pairdb/stream-node/internal/mqueue"
)

// Store keeps the next offset to read per (group, partition)
type Store interface {
	// Load returns the committed offset, false when the group never committed on p
	Load(ctx context.Context, group string, p mqueue.Partition) (int64, bool, error)
	Save(ctx context.Context, group string, p mqueue.Partition, offset int64) error
	// Groups lists the groups having committed on stream
	Groups(ctx context.Context, stream string) ([]string, error)
	Close() error
}

const (
	KindPebble = "pebble"
	KindSQLite = "sqlite"
)

// Config selects and configures a store
type Config struct {
	Kind string
	Dir  string
	// Sync makes every save durable before returning
	Sync bool
}

// Open creates the store described by cfg
func Open(cfg Config) (Store, error) {
	switch cfg.Kind {
	case "", KindPebble:
		return NewPebbleStore(filepath.Join(cfg.Dir, "offsets"), cfg.Sync)
	case KindSQLite:
		return NewSQLiteStore(filepath.Join(cfg.Dir, "offsets.db"), cfg.Sync)
	default:
		return nil, fmt.Errorf("unknown offset store kind: %s", cfg.Kind)
	}
}
