// Package kafka implements the partitioned log on Kafka compatible brokers.
//
// A stream is a topic named after the configured prefix and the stream name. Tailers
// created on explicit partitions commit through the admin API; subscribed tailers join
// the consumer group and get their partitions from the group balancer.
package kafka

import (
	"context"
	stderrors "errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/devrev/pairdb/stream-node/internal/codec"
	"github.com/devrev/pairdb/stream-node/internal/errors"
	"github.com/devrev/pairdb/stream-node/internal/metrics"
	"github.com/devrev/pairdb/stream-node/internal/model"
	"github.com/devrev/pairdb/stream-node/internal/mqueue"
	"github.com/devrev/pairdb/stream-node/internal/validation"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	codecHeader = "codec"

	topicReadyTimeout = 10 * time.Second
	pollInterval      = 100 * time.Millisecond
)

// Config holds Kafka configuration
type Config struct {
	Brokers           []string
	TopicPrefix       string
	ReplicationFactor int16
	ClientID          string
	Codec             string
	FetchMaxWait      time.Duration
}

func (c *Config) withDefaults() {
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = 1
	}
	if c.ClientID == "" {
		c.ClientID = "stream-node"
	}
	if c.FetchMaxWait <= 0 {
		c.FetchMaxWait = 500 * time.Millisecond
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.InvalidArgument("kafka brokers are required", nil)
	}
	return nil
}

// Manager is the Kafka backed mqueue.Manager
type Manager struct {
	cfg       Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
	codec     codec.Codec
	client    *kgo.Client
	admin     *kadm.Client
	claims    *mqueue.Claims
	validator *validation.Validator

	mu        sync.Mutex
	appenders map[*appender]struct{}
	tailers   map[*tailer]struct{}
	closed    bool
}

var _ mqueue.Manager = (*Manager)(nil)

// New connects to the brokers
func New(cfg Config, logger *zap.Logger, mt *metrics.Metrics) (*Manager, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := codec.New(cfg.Codec)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:       cfg,
		logger:    logger,
		metrics:   mt,
		codec:     c,
		claims:    mqueue.NewClaims(),
		validator: validation.NewValidator(),
		appenders: make(map[*appender]struct{}),
		tailers:   make(map[*tailer]struct{}),
	}
	client, err := kgo.NewClient(append(m.baseOpts(),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
		kgo.ProducerLinger(0),
	)...)
	if err != nil {
		return nil, errors.Unavailable("failed to create kafka client", err)
	}
	m.client = client
	m.admin = kadm.NewClient(client)

	logger.Info("Kafka log opened",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic_prefix", cfg.TopicPrefix),
		zap.String("codec", c.Name()))
	return m, nil
}

func (m *Manager) baseOpts() []kgo.Opt {
	return []kgo.Opt{
		kgo.SeedBrokers(m.cfg.Brokers...),
		kgo.ClientID(m.cfg.ClientID),
		kgo.FetchMaxWait(m.cfg.FetchMaxWait),
	}
}

func (m *Manager) topic(stream string) string {
	return m.cfg.TopicPrefix + stream
}

func (m *Manager) stream(topic string) string {
	return strings.TrimPrefix(topic, m.cfg.TopicPrefix)
}

func (m *Manager) checkOpen() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.Closed("log manager")
	}
	return nil
}

func (m *Manager) checkCodec(stream string, requested codec.Codec) (codec.Codec, error) {
	if requested == nil {
		return m.codec, nil
	}
	if requested.Name() != m.codec.Name() {
		return nil, errors.CodecMismatch(stream, m.codec.Name(), requested.Name())
	}
	return requested, nil
}

func (m *Manager) CreateIfNotExists(ctx context.Context, name string, partitions int) (bool, error) {
	if err := m.validator.ValidateStreamName(name); err != nil {
		return false, err
	}
	if err := m.validator.ValidatePartitions(partitions); err != nil {
		return false, err
	}
	if err := m.checkOpen(); err != nil {
		return false, err
	}
	if m.Exists(ctx, name) {
		return false, nil
	}

	topic := m.topic(name)
	resp, err := m.admin.CreateTopics(ctx, int32(partitions), m.cfg.ReplicationFactor, nil, topic)
	if err != nil {
		return false, errors.Unavailable("failed to create topic "+topic, err)
	}
	if r, ok := resp[topic]; ok && r.Err != nil {
		if stderrors.Is(r.Err, kerr.TopicAlreadyExists) {
			return false, nil
		}
		return false, errors.StorageFailed("failed to create topic "+topic, r.Err)
	}

	// metadata propagates asynchronously
	deadline := time.Now().Add(topicReadyTimeout)
	for !m.Exists(ctx, name) {
		if time.Now().After(deadline) {
			return false, errors.Unavailable("topic "+topic+" not visible after creation", nil)
		}
		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	m.logger.Info("Stream created",
		zap.String("stream", name),
		zap.String("topic", topic),
		zap.Int("partitions", partitions))
	return true, nil
}

func (m *Manager) Exists(ctx context.Context, name string) bool {
	_, err := m.Size(ctx, name)
	return err == nil
}

func (m *Manager) Size(ctx context.Context, name string) (int, error) {
	if err := m.validator.ValidateStreamName(name); err != nil {
		return 0, err
	}
	topic := m.topic(name)
	details, err := m.admin.ListTopics(ctx, topic)
	if err != nil {
		return 0, errors.Unavailable("failed to list topics", err)
	}
	detail, ok := details[topic]
	if !ok || detail.Err != nil || len(detail.Partitions) == 0 {
		return 0, errors.UnknownStream(name)
	}
	return len(detail.Partitions), nil
}

func (m *Manager) Appender(ctx context.Context, name string, opts ...mqueue.Option) (mqueue.Appender, error) {
	size, err := m.Size(ctx, name)
	if err != nil {
		return nil, err
	}
	c, err := m.checkCodec(name, mqueue.ApplyOptions(opts...).Codec)
	if err != nil {
		return nil, err
	}

	a := &appender{m: m, name: name, topic: m.topic(name), size: size, codec: c}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.Closed("log manager")
	}
	m.appenders[a] = struct{}{}
	return a, nil
}

func (m *Manager) CreateTailer(ctx context.Context, group string, partitions []mqueue.Partition, opts ...mqueue.Option) (mqueue.Tailer, error) {
	if err := m.validator.ValidateGroupName(group); err != nil {
		return nil, err
	}
	if len(partitions) == 0 {
		return nil, errors.InvalidArgument("a tailer needs at least one partition", nil)
	}
	requested := mqueue.ApplyOptions(opts...).Codec
	var c codec.Codec
	sizes := make(map[string]int)
	for _, p := range partitions {
		size, ok := sizes[p.Stream]
		if !ok {
			var err error
			if size, err = m.Size(ctx, p.Stream); err != nil {
				return nil, err
			}
			sizes[p.Stream] = size
		}
		if p.Partition < 0 || p.Partition >= size {
			return nil, errors.InvalidPartition(p.Stream, p.Partition, size)
		}
		var err error
		if c, err = m.checkCodec(p.Stream, requested); err != nil {
			return nil, err
		}
	}

	if err := m.claims.Claim(group, partitions); err != nil {
		return nil, err
	}
	t, err := newStaticTailer(ctx, m, group, partitions, c)
	if err != nil {
		m.claims.Release(group, partitions)
		return nil, err
	}
	if err := m.register(t); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

func (m *Manager) Subscribe(ctx context.Context, group string, streams []string, listener *mqueue.RebalanceListener, opts ...mqueue.Option) (mqueue.Tailer, error) {
	if err := m.validator.ValidateGroupName(group); err != nil {
		return nil, err
	}
	if len(streams) == 0 {
		return nil, errors.InvalidArgument("subscribe needs at least one stream", nil)
	}
	requested := mqueue.ApplyOptions(opts...).Codec
	var c codec.Codec
	for _, name := range streams {
		if _, err := m.Size(ctx, name); err != nil {
			return nil, err
		}
		var err error
		if c, err = m.checkCodec(name, requested); err != nil {
			return nil, err
		}
	}

	t, err := newGroupTailer(m, group, streams, listener, c)
	if err != nil {
		return nil, err
	}
	if err := m.register(t); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

func (m *Manager) SupportsSubscribe() bool {
	return true
}

func (m *Manager) register(t *tailer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.Closed("log manager")
	}
	m.tailers[t] = struct{}{}
	m.metrics.TailerOpened(1)
	return nil
}

// committedOffsets returns the committed offsets of group on topic by partition
func (m *Manager) committedOffsets(ctx context.Context, group, topic string) (map[int32]int64, error) {
	resp, err := m.admin.FetchOffsets(ctx, group)
	if err != nil {
		return nil, errors.Unavailable("failed to fetch committed offsets", err)
	}
	ret := make(map[int32]int64)
	for partition, o := range resp[topic] {
		if o.Err == nil && o.At >= 0 {
			ret[partition] = o.At
		}
	}
	return ret, nil
}

// startOffsets returns the first available offset of every partition of topic
func (m *Manager) startOffsets(ctx context.Context, topic string) (kadm.ListedOffsets, error) {
	offsets, err := m.admin.ListStartOffsets(ctx, topic)
	if err != nil {
		return nil, errors.Unavailable("failed to list start offsets", err)
	}
	return offsets, nil
}

func (m *Manager) endOffsets(ctx context.Context, topic string) (kadm.ListedOffsets, error) {
	offsets, err := m.admin.ListEndOffsets(ctx, topic)
	if err != nil {
		return nil, errors.Unavailable("failed to list end offsets", err)
	}
	return offsets, nil
}

func (m *Manager) LagPerPartition(ctx context.Context, name, group string) ([]mqueue.Lag, error) {
	size, err := m.Size(ctx, name)
	if err != nil {
		return nil, err
	}
	topic := m.topic(name)

	var committed map[int32]int64
	var starts, ends kadm.ListedOffsets
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		committed, err = m.committedOffsets(gctx, group, topic)
		return err
	})
	g.Go(func() (err error) {
		starts, err = m.startOffsets(gctx, topic)
		return err
	})
	g.Go(func() (err error) {
		ends, err = m.endOffsets(gctx, topic)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	lags := make([]mqueue.Lag, size)
	for i := range lags {
		p := int32(i)
		var upper, lower int64
		if end, ok := ends.Lookup(topic, p); ok && end.Err == nil {
			upper = end.Offset
		}
		if c, ok := committed[p]; ok {
			lower = c
		} else if start, ok := starts.Lookup(topic, p); ok && start.Err == nil {
			lower = start.Offset
		}
		lags[i] = mqueue.NewLag(lower, upper)
	}
	return lags, nil
}

func (m *Manager) Lag(ctx context.Context, name, group string) (mqueue.Lag, error) {
	lags, err := m.LagPerPartition(ctx, name, group)
	if err != nil {
		return mqueue.Lag{}, err
	}
	return mqueue.CombineLags(lags), nil
}

func (m *Manager) LatencyPerPartition(ctx context.Context, name, group string) ([]mqueue.Latency, error) {
	lags, err := m.LagPerPartition(ctx, name, group)
	if err != nil {
		return nil, err
	}
	topic := m.topic(name)

	latencies := make([]mqueue.Latency, len(lags))
	for i, lag := range lags {
		if lag.Lag == 0 || lag.Lower == 0 {
			latencies[i] = mqueue.NewLatency(lag, nil, nil)
			continue
		}
		lower, err := m.recordAt(ctx, topic, int32(i), lag.Lower-1)
		if err != nil {
			return nil, err
		}
		upper, err := m.recordAt(ctx, topic, int32(i), lag.Upper-1)
		if err != nil {
			return nil, err
		}
		latencies[i] = mqueue.NewLatency(lag, &lower, &upper)
	}
	return latencies, nil
}

// recordAt reads a single record with a short lived client
func (m *Manager) recordAt(ctx context.Context, topic string, partition int32, offset int64) (model.Record, error) {
	client, err := kgo.NewClient(append(m.baseOpts(), kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
		topic: {partition: kgo.NewOffset().At(offset)},
	}))...)
	if err != nil {
		return model.Record{}, errors.Unavailable("failed to create kafka client", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, topicReadyTimeout)
	defer cancel()
	for {
		fetches := client.PollRecords(ctx, 1)
		if err := fetchError(fetches); err != nil {
			return model.Record{}, errors.Unavailable("failed to read record", err)
		}
		var found *kgo.Record
		fetches.EachRecord(func(r *kgo.Record) {
			if found == nil && r.Offset == offset {
				found = r
			}
		})
		if found != nil {
			return m.codec.Decode(found.Value)
		}
	}
}

func (m *Manager) ListAll(ctx context.Context) ([]string, error) {
	details, err := m.admin.ListTopics(ctx)
	if err != nil {
		return nil, errors.Unavailable("failed to list topics", err)
	}
	names := make([]string, 0, len(details))
	for topic, detail := range details {
		if detail.IsInternal || !strings.HasPrefix(topic, m.cfg.TopicPrefix) {
			continue
		}
		names = append(names, m.stream(topic))
	}
	sort.Strings(names)
	return names, nil
}

func (m *Manager) ListConsumerGroups(ctx context.Context, name string) ([]string, error) {
	if _, err := m.Size(ctx, name); err != nil {
		return nil, err
	}
	listed, err := m.admin.ListGroups(ctx)
	if err != nil {
		return nil, errors.Unavailable("failed to list consumer groups", err)
	}
	topic := m.topic(name)
	candidates := listed.Groups()

	var mu sync.Mutex
	var groups []string
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, group := range candidates {
		group := group
		g.Go(func() error {
			committed, err := m.committedOffsets(gctx, group, topic)
			if err != nil {
				return err
			}
			if len(committed) > 0 {
				mu.Lock()
				groups = append(groups, group)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Strings(groups)
	return groups, nil
}

func (m *Manager) removeAppender(a *appender) {
	m.mu.Lock()
	delete(m.appenders, a)
	m.mu.Unlock()
}

func (m *Manager) removeTailer(t *tailer) {
	m.mu.Lock()
	if _, ok := m.tailers[t]; ok {
		delete(m.tailers, t)
		m.metrics.TailerOpened(-1)
	}
	m.mu.Unlock()
}

// Close closes every appender and tailer, then the client
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	appenders := make([]*appender, 0, len(m.appenders))
	for a := range m.appenders {
		appenders = append(appenders, a)
	}
	tailers := make([]*tailer, 0, len(m.tailers))
	for t := range m.tailers {
		tailers = append(tailers, t)
	}
	m.mu.Unlock()

	for _, a := range appenders {
		a.Close()
	}
	for _, t := range tailers {
		t.Close()
	}
	m.client.Close()
	m.logger.Info("Kafka log closed")
	return nil
}

// fetchError returns the first fetch error, nil when there is none
func fetchError(fetches kgo.Fetches) error {
	for _, fe := range fetches.Errors() {
		return fe.Err
	}
	return nil
}
