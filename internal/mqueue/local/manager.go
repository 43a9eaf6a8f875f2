// Package local implements the partitioned log on the local filesystem.
//
// Each stream is a directory holding a metadata.yaml file and one append-only file per
// partition. Consumer group offsets live in an embedded offset store.
package local

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/devrev/pairdb/stream-node/internal/codec"
	"github.com/devrev/pairdb/stream-node/internal/errors"
	"github.com/devrev/pairdb/stream-node/internal/metrics"
	"github.com/devrev/pairdb/stream-node/internal/model"
	"github.com/devrev/pairdb/stream-node/internal/mqueue"
	"github.com/devrev/pairdb/stream-node/internal/mqueue/offsets"
	"github.com/devrev/pairdb/stream-node/internal/storage/diskmanager"
	"github.com/devrev/pairdb/stream-node/internal/validation"
	"go.uber.org/zap"
)

// offsetsDir holds the offset store, the leading underscore keeps it out of stream names
const offsetsDir = "_consumer_offsets"

// Config holds local log configuration
type Config struct {
	Dir         string
	SyncWrites  bool
	Codec       string
	OffsetStore string
}

// Option customizes a Manager
type Option func(*Manager)

// WithDiskManager rejects appends when the disk is full
func WithDiskManager(dm *diskmanager.DiskManager) Option {
	return func(m *Manager) {
		m.disk = dm
	}
}

// WithMetrics records log metrics
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithValidator overrides the default record limits
func WithValidator(v *validation.Validator) Option {
	return func(m *Manager) {
		m.validator = v
	}
}

// Manager is the file-backed mqueue.Manager
type Manager struct {
	cfg       Config
	logger    *zap.Logger
	store     offsets.Store
	claims    *mqueue.Claims
	validator *validation.Validator
	disk      *diskmanager.DiskManager
	metrics   *metrics.Metrics

	mu        sync.Mutex
	streams   map[string]*stream
	appenders map[*appender]struct{}
	tailers   map[*tailer]struct{}
	closed    bool

	// notify is closed and replaced on every append to wake up blocked readers
	notifyMu sync.Mutex
	notify   chan struct{}
}

var _ mqueue.Manager = (*Manager)(nil)

// New opens the log rooted at cfg.Dir
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, errors.InvalidArgument("log directory is required", nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := codec.New(cfg.Codec); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, errors.StorageFailed("failed to create log directory", err)
	}

	store, err := offsets.Open(offsets.Config{
		Kind: cfg.OffsetStore,
		Dir:  filepath.Join(cfg.Dir, offsetsDir),
		Sync: cfg.SyncWrites,
	})
	if err != nil {
		return nil, errors.StorageFailed("failed to open offset store", err)
	}

	m := &Manager{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		claims:    mqueue.NewClaims(),
		validator: validation.NewValidator(),
		streams:   make(map[string]*stream),
		appenders: make(map[*appender]struct{}),
		tailers:   make(map[*tailer]struct{}),
		notify:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	logger.Info("Local log opened",
		zap.String("dir", cfg.Dir),
		zap.String("codec", m.codecName()),
		zap.String("offset_store", cfg.OffsetStore),
		zap.Bool("sync_writes", cfg.SyncWrites))
	return m, nil
}

// Dir returns the root directory of the log
func (m *Manager) Dir() string {
	return m.cfg.Dir
}

func (m *Manager) codecName() string {
	if m.cfg.Codec == "" {
		return codec.DefaultName
	}
	return m.cfg.Codec
}

// getStream returns an opened stream, loading it from disk on first access
func (m *Manager) getStream(name string) (*stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getStreamLocked(name)
}

func (m *Manager) getStreamLocked(name string) (*stream, error) {
	if m.closed {
		return nil, errors.Closed("log manager")
	}
	if s, ok := m.streams[name]; ok {
		return s, nil
	}
	if err := m.validator.ValidateStreamName(name); err != nil {
		return nil, err
	}
	dir := filepath.Join(m.cfg.Dir, name)
	if !hasMetadata(dir) {
		return nil, errors.UnknownStream(name)
	}
	s, err := openStream(dir, m.cfg.SyncWrites, m.logger)
	if err != nil {
		return nil, errors.StorageFailed("failed to open stream "+name, err)
	}
	m.streams[name] = s
	return s, nil
}

func (m *Manager) CreateIfNotExists(_ context.Context, name string, partitions int) (bool, error) {
	if err := m.validator.ValidateStreamName(name); err != nil {
		return false, err
	}
	if err := m.validator.ValidatePartitions(partitions); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.getStreamLocked(name)
	if err == nil {
		return false, nil
	}
	if errors.GetCode(err) != errors.ErrCodeUnknownStream {
		return false, err
	}

	s, err := createStream(filepath.Join(m.cfg.Dir, name), streamMetadata{
		Name:       name,
		Partitions: partitions,
		Codec:      m.codecName(),
		CreatedAt:  time.Now().UTC(),
	}, m.cfg.SyncWrites, m.logger)
	if err != nil {
		return false, errors.StorageFailed("failed to create stream "+name, err)
	}
	m.streams[name] = s
	m.logger.Info("Stream created",
		zap.String("stream", name),
		zap.Int("partitions", partitions),
		zap.String("codec", s.meta.Codec))
	return true, nil
}

func (m *Manager) Exists(_ context.Context, name string) bool {
	_, err := m.getStream(name)
	return err == nil
}

func (m *Manager) Size(_ context.Context, name string) (int, error) {
	s, err := m.getStream(name)
	if err != nil {
		return 0, err
	}
	return s.size(), nil
}

// checkCodec returns the codec to use for s, requested must match the stream codec
func checkCodec(s *stream, requested codec.Codec) (codec.Codec, error) {
	if requested == nil {
		return s.codec, nil
	}
	if requested.Name() != s.codec.Name() {
		return nil, errors.CodecMismatch(s.meta.Name, s.codec.Name(), requested.Name())
	}
	return requested, nil
}

func (m *Manager) Appender(_ context.Context, name string, opts ...mqueue.Option) (mqueue.Appender, error) {
	s, err := m.getStream(name)
	if err != nil {
		return nil, err
	}
	c, err := checkCodec(s, mqueue.ApplyOptions(opts...).Codec)
	if err != nil {
		return nil, err
	}

	a := &appender{m: m, stream: s, codec: c}
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

	streams := make(map[string]*stream)
	codecs := make([]codec.Codec, len(partitions))
	seen := make(map[mqueue.Partition]struct{}, len(partitions))
	for i, p := range partitions {
		if _, ok := seen[p]; ok {
			return nil, errors.InvalidArgument("duplicate partition "+p.String(), nil)
		}
		seen[p] = struct{}{}

		s, err := m.getStream(p.Stream)
		if err != nil {
			return nil, err
		}
		if p.Partition < 0 || p.Partition >= s.size() {
			return nil, errors.InvalidPartition(p.Stream, p.Partition, s.size())
		}
		c, err := checkCodec(s, requested)
		if err != nil {
			return nil, err
		}
		streams[p.Stream] = s
		codecs[i] = c
	}

	if err := m.claims.Claim(group, partitions); err != nil {
		return nil, err
	}

	t := &tailer{
		m:          m,
		group:      group,
		partitions: append([]mqueue.Partition(nil), partitions...),
		streams:    streams,
		codecs:     codecs,
		positions:  make([]int64, len(partitions)),
		committed:  make([]int64, len(partitions)),
		done:       make(chan struct{}),
	}
	if err := t.loadCommitted(ctx); err != nil {
		m.claims.Release(group, partitions)
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.claims.Release(group, partitions)
		return nil, errors.Closed("log manager")
	}
	m.tailers[t] = struct{}{}
	m.mu.Unlock()

	m.metrics.TailerOpened(1)
	m.logger.Debug("Tailer created",
		zap.String("group", group),
		zap.Any("partitions", t.partitions))
	return t, nil
}

func (m *Manager) Subscribe(context.Context, string, []string, *mqueue.RebalanceListener, ...mqueue.Option) (mqueue.Tailer, error) {
	return nil, errors.Unsupported("subscribe")
}

func (m *Manager) SupportsSubscribe() bool {
	return false
}

// committedOffset returns the committed position of group, 0 when it never committed
func (m *Manager) committedOffset(ctx context.Context, group string, p mqueue.Partition) (int64, error) {
	offset, ok, err := m.store.Load(ctx, group, p)
	if err != nil {
		return 0, errors.StorageFailed("failed to load committed offset", err)
	}
	if !ok {
		return 0, nil
	}
	return offset, nil
}

func (m *Manager) LagPerPartition(ctx context.Context, name, group string) ([]mqueue.Lag, error) {
	s, err := m.getStream(name)
	if err != nil {
		return nil, err
	}
	lags := make([]mqueue.Lag, s.size())
	for i, p := range s.partitions {
		committed, err := m.committedOffset(ctx, group, mqueue.Of(name, i))
		if err != nil {
			return nil, err
		}
		lags[i] = mqueue.NewLag(committed, p.length())
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
	s, err := m.getStream(name)
	if err != nil {
		return nil, err
	}
	lags, err := m.LagPerPartition(ctx, name, group)
	if err != nil {
		return nil, err
	}

	latencies := make([]mqueue.Latency, len(lags))
	for i, lag := range lags {
		// the last committed record against the last appended one
		if lag.Lag == 0 || lag.Lower == 0 {
			latencies[i] = mqueue.NewLatency(lag, nil, nil)
			continue
		}
		lower, err := m.recordAt(s, i, lag.Lower-1)
		if err != nil {
			return nil, err
		}
		upper, err := m.recordAt(s, i, lag.Upper-1)
		if err != nil {
			return nil, err
		}
		latencies[i] = mqueue.NewLatency(lag, &lower, &upper)
	}
	return latencies, nil
}

func (m *Manager) recordAt(s *stream, partition int, offset int64) (model.Record, error) {
	payload, err := s.partitions[partition].read(offset)
	if err != nil {
		return model.Record{}, err
	}
	return s.codec.Decode(payload)
}

func (m *Manager) ListAll(context.Context) ([]string, error) {
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		return nil, errors.StorageFailed("failed to list streams", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() && hasMetadata(filepath.Join(m.cfg.Dir, entry.Name())) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *Manager) ListConsumerGroups(ctx context.Context, name string) ([]string, error) {
	if _, err := m.getStream(name); err != nil {
		return nil, err
	}
	groups, err := m.store.Groups(ctx, name)
	if err != nil {
		return nil, errors.StorageFailed("failed to list consumer groups", err)
	}
	sort.Strings(groups)
	return groups, nil
}

// waitChannel returns a channel closed on the next append
func (m *Manager) waitChannel() <-chan struct{} {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	return m.notify
}

func (m *Manager) signal() {
	m.notifyMu.Lock()
	close(m.notify)
	m.notify = make(chan struct{})
	m.notifyMu.Unlock()
}

func (m *Manager) removeAppender(a *appender) {
	m.mu.Lock()
	delete(m.appenders, a)
	m.mu.Unlock()
}

func (m *Manager) removeTailer(t *tailer) {
	m.mu.Lock()
	delete(m.tailers, t)
	m.mu.Unlock()
}

// Close closes every appender, tailer and stream file, then the offset store
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
	streams := m.streams
	m.streams = make(map[string]*stream)
	m.mu.Unlock()

	for _, a := range appenders {
		a.Close()
	}
	for _, t := range tailers {
		t.Close()
	}

	var firstErr error
	for _, s := range streams {
		if err := s.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := m.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	m.logger.Info("Local log closed", zap.String("dir", m.cfg.Dir))
	return firstErr
}
