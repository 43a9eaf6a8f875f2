package kafka

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/stream-node/internal/codec"
	"github.com/devrev/pairdb/stream-node/internal/errors"
	"github.com/devrev/pairdb/stream-node/internal/model"
	"github.com/devrev/pairdb/stream-node/internal/mqueue"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

type appender struct {
	m      *Manager
	name   string
	topic  string
	size   int
	codec  codec.Codec
	closed atomic.Bool
}

func (a *appender) Name() string {
	return a.name
}

func (a *appender) Size() int {
	return a.size
}

func (a *appender) Codec() codec.Codec {
	return a.codec
}

func (a *appender) Append(ctx context.Context, partition int, rec model.Record) (mqueue.Offset, error) {
	if a.closed.Load() {
		return mqueue.Offset{}, errors.Closed("appender " + a.name)
	}
	if partition < 0 || partition >= a.size {
		return mqueue.Offset{}, errors.InvalidPartition(a.name, partition, a.size)
	}
	if err := a.m.validator.ValidateRecord(rec); err != nil {
		a.m.metrics.RecordAppendError(a.name)
		return mqueue.Offset{}, err
	}
	payload, err := a.codec.Encode(rec)
	if err != nil {
		a.m.metrics.RecordAppendError(a.name)
		return mqueue.Offset{}, err
	}

	start := time.Now()
	produced, err := a.m.client.ProduceSync(ctx, &kgo.Record{
		Topic:     a.topic,
		Partition: int32(partition),
		Key:       []byte(rec.Key),
		Value:     payload,
		Headers:   []kgo.RecordHeader{{Key: codecHeader, Value: []byte(a.codec.Name())}},
	}).First()
	if err != nil {
		a.m.metrics.RecordAppendError(a.name)
		a.m.logger.Error("Failed to produce record",
			zap.String("stream", a.name),
			zap.Int("partition", partition),
			zap.Error(err))
		return mqueue.Offset{}, errors.Unavailable("failed to produce record", err)
	}
	a.m.metrics.RecordAppend(a.name, time.Since(start).Seconds(), len(payload))
	return mqueue.Offset{Partition: mqueue.Of(a.name, partition), Value: produced.Offset}, nil
}

func (a *appender) AppendKey(ctx context.Context, rec model.Record) (mqueue.Offset, error) {
	return a.Append(ctx, mqueue.PartitionFor(rec.Key, a.size), rec)
}

func (a *appender) WaitFor(ctx context.Context, offset mqueue.Offset, group string, timeout time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		committed, err := a.m.committedOffsets(ctx, group, a.topic)
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return false, nil
			}
			return false, err
		}
		if c, ok := committed[int32(offset.Partition.Partition)]; ok && c > offset.Value {
			return true, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return false, nil
			}
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
