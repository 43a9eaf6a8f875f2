package local

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/stream-node/internal/codec"
	"github.com/devrev/pairdb/stream-node/internal/errors"
	"github.com/devrev/pairdb/stream-node/internal/mqueue"
	"go.uber.org/zap"
)

// tailer reads a fixed set of partitions round robin.
// positions and committed are indexed like partitions.
type tailer struct {
	m          *Manager
	group      string
	partitions []mqueue.Partition
	streams    map[string]*stream
	codecs     []codec.Codec

	positions []int64
	committed []int64
	next      int

	closed atomic.Bool
	done   chan struct{}
}

func (t *tailer) Group() string {
	return t.group
}

func (t *tailer) Assignments() []mqueue.Partition {
	return append([]mqueue.Partition(nil), t.partitions...)
}

func (t *tailer) log(i int) *partitionLog {
	p := t.partitions[i]
	return t.streams[p.Stream].partitions[p.Partition]
}

func (t *tailer) loadCommitted(ctx context.Context) error {
	for i, p := range t.partitions {
		committed, err := t.m.committedOffset(ctx, t.group, p)
		if err != nil {
			return err
		}
		t.committed[i] = committed
		t.positions[i] = committed
	}
	return nil
}

func (t *tailer) Read(ctx context.Context, timeout time.Duration) (*mqueue.LogRecord, error) {
	if t.closed.Load() {
		return nil, errors.Closed("tailer " + t.group)
	}

	var timer *time.Timer
	for {
		// take the channel before looking so that an append in between is not missed
		wait := t.m.waitChannel()
		rec, err := t.readNext()
		if err != nil || rec != nil {
			return rec, err
		}
		if timeout <= 0 {
			return nil, nil
		}
		if timer == nil {
			timer = time.NewTimer(timeout)
			defer timer.Stop()
		}
		select {
		case <-wait:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.done:
			return nil, errors.Closed("tailer " + t.group)
		}
	}
}

// readNext returns the next available record starting from the partition after the last read
func (t *tailer) readNext() (*mqueue.LogRecord, error) {
	n := len(t.partitions)
	for i := 0; i < n; i++ {
		idx := (t.next + i) % n
		log := t.log(idx)
		position := t.positions[idx]
		if position >= log.length() {
			continue
		}
		payload, err := log.read(position)
		if err != nil {
			return nil, err
		}
		rec, err := t.codecs[idx].Decode(payload)
		if err != nil {
			return nil, err
		}
		t.positions[idx] = position + 1
		t.next = (idx + 1) % n
		t.m.metrics.RecordRead(t.group)
		return &mqueue.LogRecord{
			Offset:  mqueue.Offset{Partition: t.partitions[idx], Value: position},
			Message: rec,
		}, nil
	}
	return nil, nil
}

func (t *tailer) Commit(ctx context.Context) error {
	if t.closed.Load() {
		return errors.Closed("tailer " + t.group)
	}
	for i, p := range t.partitions {
		if t.positions[i] == t.committed[i] {
			continue
		}
		if err := t.m.store.Save(ctx, t.group, p, t.positions[i]); err != nil {
			return errors.StorageFailed("failed to commit offset", err)
		}
		t.committed[i] = t.positions[i]
	}
	t.m.metrics.RecordCommit(t.group)
	return nil
}

func (t *tailer) ToStart(context.Context) error {
	if t.closed.Load() {
		return errors.Closed("tailer " + t.group)
	}
	for i := range t.positions {
		t.positions[i] = 0
	}
	return nil
}

func (t *tailer) ToEnd(context.Context) error {
	if t.closed.Load() {
		return errors.Closed("tailer " + t.group)
	}
	for i := range t.positions {
		t.positions[i] = t.log(i).length()
	}
	return nil
}

func (t *tailer) ToLastCommitted(ctx context.Context) error {
	if t.closed.Load() {
		return errors.Closed("tailer " + t.group)
	}
	return t.loadCommitted(ctx)
}

func (t *tailer) Seek(_ context.Context, offset mqueue.Offset) error {
	if t.closed.Load() {
		return errors.Closed("tailer " + t.group)
	}
	for i, p := range t.partitions {
		if p == offset.Partition {
			if offset.Value < 0 {
				return errors.InvalidArgument("negative offset", nil)
			}
			t.positions[i] = offset.Value
			return nil
		}
	}
	return errors.UnassignedPartition(offset.Partition.String())
}

func (t *tailer) Reset(ctx context.Context) error {
	if err := t.ToStart(ctx); err != nil {
		return err
	}
	for i, p := range t.partitions {
		if err := t.m.store.Save(ctx, t.group, p, 0); err != nil {
			return errors.StorageFailed("failed to reset offset", err)
		}
		t.committed[i] = 0
	}
	t.m.logger.Info("Consumer group offsets reset",
		zap.String("group", t.group),
		zap.Any("partitions", t.partitions))
	return nil
}

func (t *tailer) Closed() bool {
	return t.closed.Load()
}

func (t *tailer) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(t.done)
	t.m.claims.Release(t.group, t.partitions)
	t.m.removeTailer(t)
	t.m.metrics.TailerOpened(-1)
	return nil
}
