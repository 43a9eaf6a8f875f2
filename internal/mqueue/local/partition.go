package local

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/devrev/pairdb/stream-node/internal/errors"
	"github.com/devrev/pairdb/stream-node/internal/util"
	"go.uber.org/zap"
)

// maxFrameSize bounds a frame length read from disk, larger values mean a corrupted header
const maxFrameSize = 64 << 20

// partitionLog is the append-only file of one partition.
// Frames are [length][crc32c][encoded record]; positions indexes the start of every frame.
type partitionLog struct {
	path       string
	syncWrites bool
	logger     *zap.Logger

	mu        sync.RWMutex
	file      *os.File
	positions []int64
	end       int64
}

// openPartitionLog opens or creates the file at path and rebuilds its frame index.
// A truncated or corrupted tail is cut off.
func openPartitionLog(path string, syncWrites bool, logger *zap.Logger) (*partitionLog, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open partition log: %w", err)
	}

	p := &partitionLog{
		path:       path,
		syncWrites: syncWrites,
		logger:     logger,
		file:       file,
	}
	if err := p.recover(); err != nil {
		file.Close()
		return nil, err
	}
	return p, nil
}

// recover scans the frames of the file
func (p *partitionLog) recover() error {
	info, err := p.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat partition log: %w", err)
	}
	size := info.Size()

	reader := bufio.NewReaderSize(io.NewSectionReader(p.file, 0, size), 64*1024)
	header := make([]byte, util.FrameHeaderSize)
	var pos int64
	reason := ""

	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			if err != io.EOF {
				reason = "partial frame header"
			}
			break
		}
		length, checksum, _ := util.DecodeFrameHeader(header)
		if length > maxFrameSize || pos+util.FrameHeaderSize+int64(length) > size {
			reason = "frame exceeds file size"
			break
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			reason = "partial frame payload"
			break
		}
		if !util.ValidateChecksum(payload, checksum) {
			reason = "checksum mismatch"
			break
		}
		p.positions = append(p.positions, pos)
		pos += util.FrameHeaderSize + int64(length)
	}

	if pos < size {
		p.logger.Warn("Truncating corrupted partition log tail",
			zap.String("path", p.path),
			zap.String("reason", reason),
			zap.Int64("valid_bytes", pos),
			zap.Int64("file_bytes", size),
			zap.Int("records", len(p.positions)))
		if err := p.file.Truncate(pos); err != nil {
			return fmt.Errorf("failed to truncate partition log: %w", err)
		}
	}
	p.end = pos
	return nil
}

// append writes payload as a new frame and returns its index
func (p *partitionLog) append(payload []byte) (int64, error) {
	frame := util.EncodeFrame(payload)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.file == nil {
		return 0, errors.Closed("partition log " + p.path)
	}
	if _, err := p.file.WriteAt(frame, p.end); err != nil {
		return 0, errors.StorageFailed("failed to write to partition log", err)
	}
	if p.syncWrites {
		if err := p.file.Sync(); err != nil {
			return 0, errors.StorageFailed("failed to sync partition log", err)
		}
	}

	index := int64(len(p.positions))
	p.positions = append(p.positions, p.end)
	p.end += int64(len(frame))
	return index, nil
}

// length returns the number of records
func (p *partitionLog) length() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return int64(len(p.positions))
}

// read returns the payload of the record at index
func (p *partitionLog) read(index int64) ([]byte, error) {
	p.mu.RLock()
	if p.file == nil {
		p.mu.RUnlock()
		return nil, errors.Closed("partition log " + p.path)
	}
	if index < 0 || index >= int64(len(p.positions)) {
		p.mu.RUnlock()
		return nil, errors.InvalidArgument(fmt.Sprintf("offset %d out of range", index), nil)
	}
	start := p.positions[index]
	stop := p.end
	if index+1 < int64(len(p.positions)) {
		stop = p.positions[index+1]
	}
	frame := make([]byte, stop-start)
	_, err := p.file.ReadAt(frame, start)
	p.mu.RUnlock()

	if err != nil {
		return nil, errors.StorageFailed("failed to read partition log", err)
	}
	payload, ok := util.DecodeFrame(frame)
	if !ok {
		return nil, errors.CorruptedData(fmt.Sprintf("invalid frame at offset %d of %s", index, p.path), nil)
	}
	return payload, nil
}

// sizeBytes returns the size of the file
func (p *partitionLog) sizeBytes() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.end
}

func (p *partitionLog) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.file == nil {
		return nil
	}
	err := p.file.Close()
	p.file = nil
	return err
}
