package local

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/stream-node/internal/codec"
	"github.com/devrev/pairdb/stream-node/internal/errors"
	"github.com/devrev/pairdb/stream-node/internal/model"
	"github.com/devrev/pairdb/stream-node/internal/mqueue"
	"github.com/devrev/pairdb/stream-node/internal/validation"
	"go.uber.org/zap"
)

// waitForPollInterval is the offset store polling period of WaitFor
const waitForPollInterval = 100 * time.Millisecond

type appender struct {
	m      *Manager
	stream *stream
	codec  codec.Codec
	closed atomic.Bool
}

func (a *appender) Name() string {
	return a.stream.meta.Name
}

func (a *appender) Size() int {
	return a.stream.size()
}

func (a *appender) Codec() codec.Codec {
	return a.codec
}

func (a *appender) Append(_ context.Context, partition int, rec model.Record) (mqueue.Offset, error) {
	name := a.Name()
	if a.closed.Load() {
		return mqueue.Offset{}, errors.Closed("appender " + name)
	}
	if partition < 0 || partition >= a.Size() {
		return mqueue.Offset{}, errors.InvalidPartition(name, partition, a.Size())
	}
	if err := a.m.validator.ValidateRecord(rec); err != nil {
		a.m.metrics.RecordAppendError(name)
		return mqueue.Offset{}, err
	}

	payload, err := a.codec.Encode(rec)
	if err != nil {
		a.m.metrics.RecordAppendError(name)
		return mqueue.Offset{}, err
	}
	if a.m.disk != nil {
		if err := a.m.disk.CheckBeforeWrite(validation.EstimateAppendSize(len(payload))); err != nil {
			a.m.metrics.RecordAppendError(name)
			return mqueue.Offset{}, err
		}
	}

	start := time.Now()
	index, err := a.stream.partitions[partition].append(payload)
	if err != nil {
		a.m.metrics.RecordAppendError(name)
		a.m.logger.Error("Failed to append record",
			zap.String("stream", name),
			zap.Int("partition", partition),
			zap.Error(err))
		return mqueue.Offset{}, err
	}
	a.m.metrics.RecordAppend(name, time.Since(start).Seconds(), len(payload))
	a.m.signal()

	return mqueue.Offset{Partition: mqueue.Of(name, partition), Value: index}, nil
}

func (a *appender) AppendKey(ctx context.Context, rec model.Record) (mqueue.Offset, error) {
	return a.Append(ctx, mqueue.PartitionFor(rec.Key, a.Size()), rec)
}

func (a *appender) WaitFor(ctx context.Context, offset mqueue.Offset, group string, timeout time.Duration) (bool, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(waitForPollInterval)
	defer ticker.Stop()

	for {
		committed, ok, err := a.m.store.Load(ctx, group, offset.Partition)
		if err != nil {
			return false, errors.StorageFailed("failed to load committed offset", err)
		}
		if ok && committed > offset.Value {
			return true, nil
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (a *appender) Closed() bool {
	return a.closed.Load()
}

func (a *appender) Close() error {
	if a.closed.CompareAndSwap(false, true) {
		a.m.removeAppender(a)
	}
	return nil
}
