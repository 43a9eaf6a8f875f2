package kafka

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/stream-node/internal/codec"
	"github.com/devrev/pairdb/stream-node/internal/errors"
	"github.com/devrev/pairdb/stream-node/internal/mqueue"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"go.uber.org/zap"
)

// tailer consumes either a static set of partitions or the partitions the consumer
// group assigns to it. Positions, buffers and seeks belong to the reading goroutine;
// mu guards what the group callbacks touch.
type tailer struct {
	m          *Manager
	group      string
	codec      codec.Codec
	subscribed bool
	listener   *mqueue.RebalanceListener

	mu       sync.Mutex
	assigned []mqueue.Partition
	revoked  []mqueue.Partition

	client    *kgo.Client
	positions map[mqueue.Partition]int64
	committed map[mqueue.Partition]int64
	buffers   map[mqueue.Partition][]*kgo.Record
	// seeks holds the offset the next record of a partition must have after a seek,
	// records fetched before the seek are dropped until it shows up
	seeks map[mqueue.Partition]int64
	next  int

	closed atomic.Bool
}

func newTailer(m *Manager, group string, c codec.Codec) *tailer {
	return &tailer{
		m:         m,
		group:     group,
		codec:     c,
		positions: make(map[mqueue.Partition]int64),
		committed: make(map[mqueue.Partition]int64),
		buffers:   make(map[mqueue.Partition][]*kgo.Record),
		seeks:     make(map[mqueue.Partition]int64),
	}
}

func newStaticTailer(ctx context.Context, m *Manager, group string, partitions []mqueue.Partition, c codec.Codec) (*tailer, error) {
	t := newTailer(m, group, c)
	t.assigned = append([]mqueue.Partition(nil), partitions...)
	if err := t.loadCommitted(ctx, t.assigned); err != nil {
		return nil, err
	}
	for p, o := range t.positions {
		t.committed[p] = o
	}
	if err := t.restart(); err != nil {
		return nil, err
	}
	return t, nil
}

func newGroupTailer(m *Manager, group string, streams []string, listener *mqueue.RebalanceListener, c codec.Codec) (*tailer, error) {
	t := newTailer(m, group, c)
	t.subscribed = true
	t.listener = listener

	topics := make([]string, len(streams))
	for i, name := range streams {
		topics[i] = m.topic(name)
	}
	client, err := kgo.NewClient(append(m.baseOpts(),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(t.onAssigned),
		kgo.OnPartitionsRevoked(t.onRevoked),
		kgo.OnPartitionsLost(t.onRevoked),
	)...)
	if err != nil {
		return nil, errors.Unavailable("failed to create kafka consumer", err)
	}
	t.client = client
	m.logger.Info("Subscribed to streams",
		zap.String("group", group),
		zap.Strings("streams", streams))
	return t, nil
}

// restart recreates the partition consumer at the current positions
func (t *tailer) restart() error {
	if t.client != nil {
		t.client.Close()
	}
	consume := make(map[string]map[int32]kgo.Offset)
	for p, o := range t.positions {
		topic := t.m.topic(p.Stream)
		if consume[topic] == nil {
			consume[topic] = make(map[int32]kgo.Offset)
		}
		consume[topic][int32(p.Partition)] = kgo.NewOffset().At(o)
	}
	client, err := kgo.NewClient(append(t.m.baseOpts(), kgo.ConsumePartitions(consume))...)
	if err != nil {
		return errors.Unavailable("failed to create kafka consumer", err)
	}
	t.client = client
	t.buffers = make(map[mqueue.Partition][]*kgo.Record)
	return nil
}

// loadCommitted sets the positions of partitions to their committed offsets, or to
// the start of the partition for those without one
func (t *tailer) loadCommitted(ctx context.Context, partitions []mqueue.Partition) error {
	byTopic := make(map[string][]mqueue.Partition)
	for _, p := range partitions {
		topic := t.m.topic(p.Stream)
		byTopic[topic] = append(byTopic[topic], p)
	}
	for topic, ps := range byTopic {
		committed, err := t.m.committedOffsets(ctx, t.group, topic)
		if err != nil {
			return err
		}
		starts, err := t.m.startOffsets(ctx, topic)
		if err != nil {
			return err
		}
		for _, p := range ps {
			if c, ok := committed[int32(p.Partition)]; ok {
				t.positions[p] = c
			} else {
				t.positions[p] = listedOffset(starts, topic, p.Partition)
			}
		}
	}
	return nil
}

func listedOffset(offsets kadm.ListedOffsets, topic string, partition int) int64 {
	if o, ok := offsets.Lookup(topic, int32(partition)); ok && o.Err == nil {
		return o.Offset
	}
	return 0
}

func (t *tailer) Group() string {
	return t.group
}

func (t *tailer) Assignments() []mqueue.Partition {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]mqueue.Partition(nil), t.assigned...)
}

func (t *tailer) isAssigned(p mqueue.Partition) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, a := range t.assigned {
		if a == p {
			return true
		}
	}
	return false
}

func (t *tailer) toPartitions(topics map[string][]int32) []mqueue.Partition {
	var ret []mqueue.Partition
	for topic, partitions := range topics {
		for _, p := range partitions {
			ret = append(ret, mqueue.Of(t.m.stream(topic), int(p)))
		}
	}
	sort.Slice(ret, func(i, j int) bool {
		if ret[i].Stream != ret[j].Stream {
			return ret[i].Stream < ret[j].Stream
		}
		return ret[i].Partition < ret[j].Partition
	})
	return ret
}

func (t *tailer) onAssigned(_ context.Context, _ *kgo.Client, topics map[string][]int32) {
	partitions := t.toPartitions(topics)
	t.mu.Lock()
	t.assigned = append(t.assigned, partitions...)
	t.mu.Unlock()

	t.m.logger.Info("Partitions assigned",
		zap.String("group", t.group),
		zap.Any("partitions", partitions))
	t.listener.NotifyAssigned(partitions)
}

func (t *tailer) onRevoked(_ context.Context, _ *kgo.Client, topics map[string][]int32) {
	if t.closed.Load() {
		return
	}
	partitions := t.toPartitions(topics)
	gone := make(map[mqueue.Partition]bool, len(partitions))
	for _, p := range partitions {
		gone[p] = true
	}
	t.mu.Lock()
	kept := t.assigned[:0]
	for _, p := range t.assigned {
		if !gone[p] {
			kept = append(kept, p)
		}
	}
	t.assigned = kept
	t.revoked = append(t.revoked, partitions...)
	t.mu.Unlock()

	t.m.logger.Info("Partitions revoked",
		zap.String("group", t.group),
		zap.Any("partitions", partitions))
	t.listener.NotifyRevoked(partitions)
}

// takeRevoked drops the state of revoked partitions and reports the revocation once
func (t *tailer) takeRevoked() error {
	t.mu.Lock()
	revoked := t.revoked
	t.revoked = nil
	t.mu.Unlock()
	if len(revoked) == 0 {
		return nil
	}

	names := make([]string, len(revoked))
	for i, p := range revoked {
		delete(t.buffers, p)
		delete(t.positions, p)
		delete(t.committed, p)
		delete(t.seeks, p)
		names[i] = p.String()
	}
	return errors.Rebalance(t.group, names)
}

func (t *tailer) Read(ctx context.Context, timeout time.Duration) (*mqueue.LogRecord, error) {
	if t.closed.Load() {
		return nil, errors.Closed("tailer " + t.group)
	}
	if err := t.takeRevoked(); err != nil {
		return nil, err
	}
	if rec, err := t.nextBuffered(); rec != nil || err != nil {
		return rec, err
	}
	if timeout <= 0 {
		return nil, nil
	}

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		fetches := t.client.PollFetches(pollCtx)
		if fetches.IsClientClosed() {
			return nil, errors.Closed("tailer " + t.group)
		}
		fetches.EachRecord(t.buffer)
		if err := t.takeRevoked(); err != nil {
			return nil, err
		}
		if rec, err := t.nextBuffered(); rec != nil || err != nil {
			return rec, err
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if pollCtx.Err() != nil {
			return nil, nil
		}
		if err := fetchError(fetches); err != nil {
			t.m.logger.Warn("Fetch failed",
				zap.String("group", t.group),
				zap.Error(err))
			return nil, errors.Unavailable("failed to fetch records", err)
		}
	}
}

func (t *tailer) buffer(r *kgo.Record) {
	p := mqueue.Of(t.m.stream(r.Topic), int(r.Partition))
	if t.subscribed && !t.isAssigned(p) {
		return
	}
	if want, ok := t.seeks[p]; ok {
		if r.Offset != want {
			return
		}
		delete(t.seeks, p)
	}
	t.buffers[p] = append(t.buffers[p], r)
}

// nextBuffered returns the next buffered record, round robin over the assignments
func (t *tailer) nextBuffered() (*mqueue.LogRecord, error) {
	assigned := t.Assignments()
	n := len(assigned)
	for i := 0; i < n; i++ {
		idx := (t.next + i) % n
		p := assigned[idx]
		buf := t.buffers[p]
		if len(buf) == 0 {
			continue
		}
		r := buf[0]
		t.buffers[p] = buf[1:]
		t.next = (idx + 1) % n

		for _, h := range r.Headers {
			if h.Key == codecHeader && string(h.Value) != t.codec.Name() {
				return nil, errors.CodecMismatch(p.Stream, t.codec.Name(), string(h.Value))
			}
		}
		rec, err := t.codec.Decode(r.Value)
		if err != nil {
			return nil, err
		}
		t.positions[p] = r.Offset + 1
		t.m.metrics.RecordRead(t.group)
		return &mqueue.LogRecord{
			Offset:  mqueue.Offset{Partition: p, Value: r.Offset},
			Message: rec,
		}, nil
	}
	return nil, nil
}

func (t *tailer) Commit(ctx context.Context) error {
	if t.closed.Load() {
		return errors.Closed("tailer " + t.group)
	}
	pending := make(map[mqueue.Partition]int64)
	for p, o := range t.positions {
		if c, ok := t.committed[p]; !ok || c != o {
			pending[p] = o
		}
	}
	if len(pending) == 0 {
		return nil
	}

	var err error
	if t.subscribed {
		err = t.commitGroup(ctx, pending)
	} else {
		err = t.commitAdmin(ctx, pending)
	}
	if err != nil {
		return err
	}
	for p, o := range pending {
		t.committed[p] = o
	}
	t.m.metrics.RecordCommit(t.group)
	return nil
}

// commitAdmin commits for tailers that are not group members
func (t *tailer) commitAdmin(ctx context.Context, pending map[mqueue.Partition]int64) error {
	offsets := make(kadm.Offsets)
	for p, o := range pending {
		offsets.Add(kadm.Offset{
			Topic:       t.m.topic(p.Stream),
			Partition:   int32(p.Partition),
			At:          o,
			LeaderEpoch: -1,
		})
	}
	if err := t.m.admin.CommitAllOffsets(ctx, t.group, offsets); err != nil {
		return errors.StorageFailed("failed to commit offsets", err)
	}
	return nil
}

// commitGroup commits through the group member so the generation is checked
func (t *tailer) commitGroup(ctx context.Context, pending map[mqueue.Partition]int64) error {
	offsets := make(map[string]map[int32]kgo.EpochOffset)
	for p, o := range pending {
		topic := t.m.topic(p.Stream)
		if offsets[topic] == nil {
			offsets[topic] = make(map[int32]kgo.EpochOffset)
		}
		offsets[topic][int32(p.Partition)] = kgo.EpochOffset{Epoch: -1, Offset: o}
	}

	var commitErr error
	t.client.CommitOffsetsSync(ctx, offsets, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, err error) {
		if err != nil {
			commitErr = err
			return
		}
		for _, topic := range resp.Topics {
			for _, partition := range topic.Partitions {
				if err := kerr.ErrorForCode(partition.ErrorCode); err != nil && commitErr == nil {
					commitErr = err
				}
			}
		}
	})
	if commitErr != nil {
		if kerr.IsRetriable(commitErr) || commitErr == kerr.RebalanceInProgress || commitErr == kerr.IllegalGeneration {
			return errors.Rebalance(t.group, nil)
		}
		return errors.StorageFailed("failed to commit offsets", commitErr)
	}
	return nil
}

// seek moves the assigned partitions in positions
func (t *tailer) seek(positions map[mqueue.Partition]int64) error {
	for p, o := range positions {
		t.positions[p] = o
	}
	if !t.subscribed {
		t.seeks = make(map[mqueue.Partition]int64)
		return t.restart()
	}

	offsets := make(map[string]map[int32]kgo.EpochOffset)
	for p, o := range positions {
		topic := t.m.topic(p.Stream)
		if offsets[topic] == nil {
			offsets[topic] = make(map[int32]kgo.EpochOffset)
		}
		offsets[topic][int32(p.Partition)] = kgo.EpochOffset{Epoch: -1, Offset: o}
		delete(t.buffers, p)
		t.seeks[p] = o
	}
	t.client.SetOffsets(offsets)
	return nil
}

func (t *tailer) boundaries(ctx context.Context, end bool) (map[mqueue.Partition]int64, error) {
	ret := make(map[mqueue.Partition]int64)
	listed := make(map[string]kadm.ListedOffsets)
	for _, p := range t.Assignments() {
		topic := t.m.topic(p.Stream)
		offsets, ok := listed[topic]
		if !ok {
			var err error
			if end {
				offsets, err = t.m.endOffsets(ctx, topic)
			} else {
				offsets, err = t.m.startOffsets(ctx, topic)
			}
			if err != nil {
				return nil, err
			}
			listed[topic] = offsets
		}
		ret[p] = listedOffset(offsets, topic, p.Partition)
	}
	return ret, nil
}

func (t *tailer) ToStart(ctx context.Context) error {
	if t.closed.Load() {
		return errors.Closed("tailer " + t.group)
	}
	positions, err := t.boundaries(ctx, false)
	if err != nil {
		return err
	}
	return t.seek(positions)
}

func (t *tailer) ToEnd(ctx context.Context) error {
	if t.closed.Load() {
		return errors.Closed("tailer " + t.group)
	}
	positions, err := t.boundaries(ctx, true)
	if err != nil {
		return err
	}
	return t.seek(positions)
}

func (t *tailer) ToLastCommitted(ctx context.Context) error {
	if t.closed.Load() {
		return errors.Closed("tailer " + t.group)
	}
	assigned := t.Assignments()
	if err := t.loadCommitted(ctx, assigned); err != nil {
		return err
	}
	positions := make(map[mqueue.Partition]int64, len(assigned))
	for _, p := range assigned {
		positions[p] = t.positions[p]
		t.committed[p] = t.positions[p]
	}
	return t.seek(positions)
}

func (t *tailer) Seek(_ context.Context, offset mqueue.Offset) error {
	if t.closed.Load() {
		return errors.Closed("tailer " + t.group)
	}
	if !t.isAssigned(offset.Partition) {
		return errors.UnassignedPartition(offset.Partition.String())
	}
	if offset.Value < 0 {
		return errors.InvalidArgument("negative offset", nil)
	}
	return t.seek(map[mqueue.Partition]int64{offset.Partition: offset.Value})
}

func (t *tailer) Reset(ctx context.Context) error {
	if err := t.ToStart(ctx); err != nil {
		return err
	}
	// force a commit of every position
	t.committed = make(map[mqueue.Partition]int64)
	if err := t.Commit(ctx); err != nil {
		return err
	}
	t.m.logger.Info("Consumer group offsets reset",
		zap.String("group", t.group),
		zap.Any("partitions", t.Assignments()))
	return nil
}

func (t *tailer) Closed() bool {
	return t.closed.Load()
}

func (t *tailer) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.client.Close()
	if !t.subscribed {
		t.m.claims.Release(t.group, t.assigned)
	}
	t.m.removeTailer(t)
	return nil
}
