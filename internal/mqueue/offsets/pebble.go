package offsets

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/cockroachdb/pebble"
	"github.com/devrev/pairdb/stream-node/internal/mqueue"
)

const keySeparator = 0x00

var offsetNamespace = []byte("offset")

// PebbleStore keeps offsets in a pebble database.
// Keys are offset|stream|group|partition(big endian) so that a stream prefix scan lists its groups.
type PebbleStore struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
}

// NewPebbleStore opens or creates the database at path
func NewPebbleStore(path string, sync bool) (*PebbleStore, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create offset store directory: %w", err)
	}
	cache := pebble.NewCache(8 << 20)
	defer cache.Unref()

	db, err := pebble.Open(path, &pebble.Options{
		Cache:        cache,
		MaxOpenFiles: 256,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open offset store: %w", err)
	}
	writeOpts := pebble.NoSync
	if sync {
		writeOpts = pebble.Sync
	}
	return &PebbleStore{db: db, writeOpts: writeOpts}, nil
}

func streamPrefix(stream string) []byte {
	key := make([]byte, 0, len(offsetNamespace)+len(stream)+2)
	key = append(key, offsetNamespace...)
	key = append(key, keySeparator)
	key = append(key, stream...)
	return append(key, keySeparator)
}

func offsetKey(group string, p mqueue.Partition) []byte {
	key := streamPrefix(p.Stream)
	key = append(key, group...)
	key = append(key, keySeparator)
	return binary.BigEndian.AppendUint32(key, uint32(p.Partition))
}

func (s *PebbleStore) Load(_ context.Context, group string, p mqueue.Partition) (int64, bool, error) {
	value, closer, err := s.db.Get(offsetKey(group, p))
	if err != nil {
		if err == pebble.ErrNotFound {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to load offset: %w", err)
	}
	defer closer.Close()

	if len(value) != 8 {
		return 0, false, fmt.Errorf("invalid offset value for %s/%s", group, p)
	}
	return int64(binary.BigEndian.Uint64(value)), true, nil
}

func (s *PebbleStore) Save(_ context.Context, group string, p mqueue.Partition, offset int64) error {
	value := binary.BigEndian.AppendUint64(nil, uint64(offset))
	if err := s.db.Set(offsetKey(group, p), value, s.writeOpts); err != nil {
		return fmt.Errorf("failed to save offset: %w", err)
	}
	return nil
}

func (s *PebbleStore) Groups(_ context.Context, stream string) ([]string, error) {
	prefix := streamPrefix(stream)
	upper := append(bytes.Clone(prefix[:len(prefix)-1]), keySeparator+1)

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("failed to scan offsets: %w", err)
	}
	defer iter.Close()

	var groups []string
	seen := make(map[string]struct{})
	for iter.First(); iter.Valid(); iter.Next() {
		rest := iter.Key()[len(prefix):]
		// group, separator, 4 bytes of partition
		if len(rest) < 5 {
			continue
		}
		group := string(rest[:len(rest)-5])
		if _, ok := seen[group]; !ok {
			seen[group] = struct{}{}
			groups = append(groups, group)
		}
	}
	return groups, iter.Error()
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}
