package local

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/devrev/pairdb/stream-node/internal/codec"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const metadataFile = "metadata.yaml"

// streamMetadata is persisted next to the partition files
type streamMetadata struct {
	Name       string    `yaml:"name"`
	Partitions int       `yaml:"partitions"`
	Codec      string    `yaml:"codec"`
	CreatedAt  time.Time `yaml:"created_at"`
}

// stream is an opened stream with its partition files
type stream struct {
	meta       streamMetadata
	codec      codec.Codec
	partitions []*partitionLog
}

func partitionPath(dir string, partition int) string {
	return filepath.Join(dir, fmt.Sprintf("partition-%05d.log", partition))
}

func hasMetadata(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, metadataFile))
	return err == nil && !info.IsDir()
}

// createStream writes the metadata of a new stream and opens its partitions
func createStream(dir string, meta streamMetadata, syncWrites bool, logger *zap.Logger) (*stream, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create stream directory: %w", err)
	}
	data, err := yaml.Marshal(&meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stream metadata: %w", err)
	}

	// write then rename so that a crash never leaves a partial metadata file
	tmp := filepath.Join(dir, metadataFile+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write stream metadata: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, metadataFile)); err != nil {
		return nil, fmt.Errorf("failed to write stream metadata: %w", err)
	}
	return openPartitions(dir, meta, syncWrites, logger)
}

// openStream loads an existing stream from dir
func openStream(dir string, syncWrites bool, logger *zap.Logger) (*stream, error) {
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read stream metadata: %w", err)
	}
	var meta streamMetadata
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse stream metadata: %w", err)
	}
	if meta.Partitions < 1 {
		return nil, fmt.Errorf("invalid partition count %d in %s", meta.Partitions, dir)
	}
	return openPartitions(dir, meta, syncWrites, logger)
}

func openPartitions(dir string, meta streamMetadata, syncWrites bool, logger *zap.Logger) (*stream, error) {
	c, err := codec.New(meta.Codec)
	if err != nil {
		return nil, err
	}
	s := &stream{
		meta:       meta,
		codec:      c,
		partitions: make([]*partitionLog, meta.Partitions),
	}
	for i := range s.partitions {
		p, err := openPartitionLog(partitionPath(dir, i), syncWrites,
			logger.With(zap.String("stream", meta.Name), zap.Int("partition", i)))
		if err != nil {
			s.close()
			return nil, err
		}
		s.partitions[i] = p
	}
	return s, nil
}

func (s *stream) size() int {
	return len(s.partitions)
}

func (s *stream) close() error {
	var firstErr error
	for _, p := range s.partitions {
		if p == nil {
			continue
		}
		if err := p.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
