package computation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/pairdb/stream-node/internal/errors"
	"github.com/devrev/pairdb/stream-node/internal/metrics"
	"github.com/devrev/pairdb/stream-node/internal/model"
	"github.com/devrev/pairdb/stream-node/internal/mqueue"
	"github.com/devrev/pairdb/stream-node/internal/util/workerpool"
	"github.com/devrev/pairdb/stream-node/internal/watermark"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of a Manager
type State int32

const (
	StateCreated State = iota
	StateInitialized
	StateRunning
	StateDraining
	StateStopped
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	case StateShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config holds the runtime configuration of a Manager
type Config struct {
	Name string
	// ReadTimeout bounds a runner read, timers and batches are checked in between
	ReadTimeout time.Duration
	// ScanInterval is the lag polling period while draining
	ScanInterval    time.Duration
	ShutdownTimeout time.Duration
	// Subscribe lets the log consumer group assign partitions instead of static assignments
	Subscribe bool
}

func (c *Config) withDefaults() {
	if c.Name == "" {
		c.Name = "processor"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 100 * time.Millisecond
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = 100 * time.Millisecond
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// ComputationStatus describes a computation of a running topology
type ComputationStatus struct {
	Name         string           `json:"name"`
	Concurrency  int              `json:"concurrency"`
	Runners      int              `json:"runners"`
	Running      int              `json:"running"`
	Aborted      bool             `json:"aborted"`
	Inputs       []string         `json:"inputs"`
	Outputs      []string         `json:"outputs"`
	LowWatermark int64            `json:"low_watermark"`
	Pool         workerpool.Stats `json:"pool"`
}

// Manager runs a topology on a log
type Manager struct {
	id      string
	cfg     Config
	log     mqueue.Manager
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu          sync.RWMutex
	state       State
	topology    *Topology
	settings    *Settings
	sizes       map[string]int
	appenders   map[string]mqueue.Appender
	assignments map[string][][]mqueue.Partition
	pools       map[string]*workerpool.WorkerPool
	runners     map[string][]*runner
	aborted     map[string]bool
}

// NewManager returns a manager in the created state
func NewManager(log mqueue.Manager, cfg Config, logger *zap.Logger, mt *metrics.Metrics) *Manager {
	cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	return &Manager{
		id:          id,
		cfg:         cfg,
		log:         log,
		logger:      logger.With(zap.String("processor", cfg.Name), zap.String("processor_id", id)),
		metrics:     mt,
		sizes:       make(map[string]int),
		appenders:   make(map[string]mqueue.Appender),
		assignments: make(map[string][][]mqueue.Partition),
		pools:       make(map[string]*workerpool.WorkerPool),
		runners:     make(map[string][]*runner),
		aborted:     make(map[string]bool),
	}
}

// ID returns the unique id of this manager instance
func (m *Manager) ID() string {
	return m.id
}

// State returns the lifecycle state
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Topology returns the topology given to Init, nil before
func (m *Manager) Topology() *Topology {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.topology
}

// Init validates the topology, creates the streams and computes the partition assignments
func (m *Manager) Init(ctx context.Context, topology *Topology, settings *Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateCreated {
		return errors.IllegalState("manager already initialized: " + m.state.String())
	}
	if topology == nil || settings == nil {
		return errors.InvalidArgument("topology and settings are required", nil)
	}
	if err := topology.Validate(); err != nil {
		return err
	}

	streams := topology.Streams()
	produced := make(map[string]bool)
	for _, name := range topology.Computations() {
		policy := settings.Policy(name)
		if err := policy.Validate(); err != nil {
			return fmt.Errorf("invalid policy for %s: %w", name, err)
		}
		for _, s := range topology.OutputStreams(name) {
			produced[s] = true
		}
		if dls := policy.DeadLetterStream; dls != "" && !produced[dls] {
			produced[dls] = true
			streams = append(streams, dls)
		}
	}

	var sizesMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, s := range streams {
		s := s
		g.Go(func() error {
			if _, err := m.log.CreateIfNotExists(gctx, s, settings.Partitions(s)); err != nil {
				return fmt.Errorf("failed to create stream %s: %w", s, err)
			}
			size, err := m.log.Size(gctx, s)
			if err != nil {
				return err
			}
			sizesMu.Lock()
			m.sizes[s] = size
			sizesMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, name := range topology.Computations() {
		m.assignments[name] = assign(topology.InputStreams(name), m.sizes, settings.Concurrency(name))
	}
	for s := range produced {
		appender, err := m.log.Appender(ctx, s)
		if err != nil {
			m.closeAppendersLocked()
			return err
		}
		m.appenders[s] = appender
	}

	m.topology = topology
	m.settings = settings
	m.state = StateInitialized
	m.logger.Info("Processor initialized",
		zap.Strings("computations", topology.Computations()),
		zap.Strings("streams", streams))
	return nil
}

// assign gives partition j of every input stream to slot j mod concurrency
func assign(inputs []string, sizes map[string]int, concurrency int) [][]mqueue.Partition {
	if concurrency <= 0 {
		return nil
	}
	ret := make([][]mqueue.Partition, concurrency)
	for _, s := range inputs {
		for j := 0; j < sizes[s]; j++ {
			ret[j%concurrency] = append(ret[j%concurrency], mqueue.Of(s, j))
		}
	}
	return ret
}

// Start opens the tailers and launches one worker pool per computation
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateInitialized {
		return errors.IllegalState("manager cannot start from state " + m.state.String())
	}

	runners := make(map[string][]*runner)
	for _, name := range m.topology.Computations() {
		meta, _ := m.topology.Metadata(name)
		concurrency := m.settings.Concurrency(name)
		if concurrency <= 0 {
			m.logger.Info("Computation not started", zap.String("computation", name))
			continue
		}
		for slot := 0; slot < concurrency; slot++ {
			var tailer mqueue.Tailer
			var err error
			switch {
			case meta.IsSource():
			case m.cfg.Subscribe && m.log.SupportsSubscribe():
				tailer, err = m.log.Subscribe(ctx, name, m.topology.InputStreams(name), nil)
			case len(m.assignments[name][slot]) == 0:
				continue
			default:
				tailer, err = m.log.CreateTailer(ctx, name, m.assignments[name][slot])
			}
			if err != nil {
				m.abortStart(runners, nil)
				return fmt.Errorf("failed to open tailer for %s: %w", name, err)
			}
			runners[name] = append(runners[name], newRunner(m, name, slot, tailer))
		}
	}

	pools := make(map[string]*workerpool.WorkerPool, len(runners))
	for name, rs := range runners {
		name := name
		pool := workerpool.NewWorkerPool(workerpool.Config{
			Name:       name,
			MaxWorkers: len(rs),
			QueueSize:  len(rs),
			Logger:     m.logger,
			OnFailure: func(task workerpool.Task, err error) {
				m.logger.Error("Runner failed",
					zap.String("computation", name),
					zap.String("runner", task.ID),
					zap.Error(err))
			},
		})
		pools[name] = pool
		for _, r := range rs {
			if err := pool.Submit(workerpool.Task{ID: r.id(), Fn: r.run}); err != nil {
				m.abortStart(runners, pools)
				return fmt.Errorf("failed to start runner %s: %w", r.id(), err)
			}
		}
		pool.Shutdown()
	}
	for name, pool := range pools {
		m.pools[name] = pool
		m.runners[name] = runners[name]
	}

	m.state = StateRunning
	m.logger.Info("Processor started", zap.Int("computations", len(runners)))
	return nil
}

// abortStart stops the runners of a failed Start and releases their tailers
func (m *Manager) abortStart(runners map[string][]*runner, pools map[string]*workerpool.WorkerPool) {
	for _, rs := range runners {
		for _, r := range rs {
			r.stop()
			if r.tailer != nil {
				r.tailer.Close()
			}
		}
	}
	for _, p := range pools {
		p.Cancel()
	}
}

// WaitForAssignments waits until every runner has its partitions, false on timeout
func (m *Manager) WaitForAssignments(ctx context.Context, timeout time.Duration) bool {
	return m.waitUntil(ctx, time.Now().Add(timeout), m.assigned)
}

func (m *Manager) assigned() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, rs := range m.runners {
		expected := 0
		for _, s := range m.topology.InputStreams(name) {
			expected += m.sizes[s]
		}
		got := 0
		for _, r := range rs {
			if runnerState(r.state.Load()) == runnerCreated {
				return false
			}
			got += len(r.Assignments())
		}
		if m.cfg.Subscribe && !m.aborted[name] && got < expected {
			return false
		}
	}
	return true
}

func (m *Manager) waitUntil(ctx context.Context, deadline time.Time, cond func() bool) bool {
	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return false
		}
	}
}

// LowWatermark returns the smallest low watermark of the sink computations, 0 when
// none has progressed yet
func (m *Manager) LowWatermark() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.topology == nil {
		return 0
	}
	var low int64
	for _, name := range m.topology.Sinks() {
		for _, r := range m.runners[name] {
			if v := r.interval.Low().Value(); v > 0 && (low == 0 || v < low) {
				low = v
			}
		}
	}
	if w, err := watermark.OfValue(low); err == nil && low > 0 {
		m.metrics.UpdateLowWatermark(w.Timestamp())
	}
	return low
}

// IsDone reports whether the whole topology has processed everything up to timestamp
func (m *Manager) IsDone(timestamp int64) bool {
	low := m.LowWatermark()
	if low == 0 {
		return false
	}
	w, err := watermark.OfValue(low)
	return err == nil && w.IsDone(timestamp)
}

// IsTerminated reports whether every runner has exited
func (m *Manager) IsTerminated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, pool := range m.pools {
		if !pool.Terminated() {
			return false
		}
	}
	return true
}

// DrainAndStop lets the sources finish, waits until every running computation has
// consumed its input, then stops. On timeout everything is stopped hard and it returns false.
func (m *Manager) DrainAndStop(ctx context.Context, timeout time.Duration) bool {
	m.mu.Lock()
	if m.state != StateRunning {
		stopped := m.state == StateStopped
		m.mu.Unlock()
		return stopped
	}
	m.state = StateDraining
	m.mu.Unlock()

	deadline := time.Now().Add(timeout)
	m.logger.Info("Draining processor", zap.Duration("timeout", timeout))
	for _, r := range m.allRunners() {
		r.draining.Store(true)
	}

	if !m.waitUntil(ctx, deadline, m.sourcesTerminated) {
		m.logger.Warn("Timeout waiting for sources to terminate")
		m.Shutdown()
		return false
	}
	quiet := 0
	if !m.waitUntil(ctx, deadline, func() bool {
		if m.quiescent(ctx) {
			quiet++
		} else {
			quiet = 0
		}
		return quiet >= 2
	}) {
		m.logger.Warn("Timeout waiting for computations to drain")
		m.Shutdown()
		return false
	}

	for _, r := range m.allRunners() {
		r.stop()
	}
	if !m.awaitPools(time.Until(deadline)) {
		m.Shutdown()
		return false
	}

	m.mu.Lock()
	m.state = StateStopped
	m.closeAppendersLocked()
	m.mu.Unlock()
	m.logger.Info("Processor drained and stopped")
	return true
}

func (m *Manager) allRunners() []*runner {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ret []*runner
	for _, rs := range m.runners {
		ret = append(ret, rs...)
	}
	return ret
}

func (m *Manager) sourcesTerminated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, rs := range m.runners {
		meta, _ := m.topology.Metadata(name)
		if !meta.IsSource() {
			continue
		}
		for _, r := range rs {
			if !r.isTerminated() {
				return false
			}
		}
	}
	return true
}

// liveComputations returns the computations with inputs that still have a runner
func (m *Manager) liveComputations() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ret []string
	for _, name := range m.topology.Computations() {
		meta, _ := m.topology.Metadata(name)
		if meta.IsSource() || m.aborted[name] {
			continue
		}
		for _, r := range m.runners[name] {
			if !r.isTerminated() {
				ret = append(ret, name)
				break
			}
		}
	}
	return ret
}

// quiescent reports whether every live computation has committed all its input
func (m *Manager) quiescent(ctx context.Context) bool {
	live := m.liveComputations()
	lags := make([]int64, len(live))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range live {
		i, name := i, name
		g.Go(func() error {
			lag, err := m.Lag(gctx, name)
			if err != nil {
				return err
			}
			lags[i] = lag.Lag
			m.metrics.UpdateLag(name, lag.Lag)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.logger.Warn("Lag scan failed", zap.Error(err))
		return false
	}
	for _, lag := range lags {
		if lag > 0 {
			return false
		}
	}
	return true
}

func (m *Manager) awaitPools(timeout time.Duration) bool {
	m.mu.RLock()
	pools := make([]*workerpool.WorkerPool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.RUnlock()

	deadline := time.Now().Add(timeout)
	for _, p := range pools {
		remaining := time.Until(deadline)
		if remaining <= 0 || !p.AwaitTermination(remaining) {
			return false
		}
	}
	return true
}

// Shutdown stops every runner immediately, records read but not committed are
// processed again on the next start
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.state == StateShutdown || m.state == StateStopped {
		m.mu.Unlock()
		return
	}
	m.state = StateShutdown
	for _, rs := range m.runners {
		for _, r := range rs {
			r.stop()
		}
	}
	for _, p := range m.pools {
		p.Cancel()
	}
	m.mu.Unlock()

	if !m.awaitPools(m.cfg.ShutdownTimeout) {
		m.logger.Warn("Runners still alive after shutdown", zap.Duration("timeout", m.cfg.ShutdownTimeout))
	}
	m.mu.Lock()
	m.closeAppendersLocked()
	m.mu.Unlock()
	m.logger.Info("Processor shut down")
}

// abort stops the runners of a computation after an unrecoverable failure.
// Other computations keep running.
func (m *Manager) abort(name string) {
	m.mu.Lock()
	if m.aborted[name] {
		m.mu.Unlock()
		return
	}
	m.aborted[name] = true
	rs := m.runners[name]
	m.mu.Unlock()

	m.logger.Error("Computation aborted", zap.String("computation", name))
	for _, r := range rs {
		r.stop()
	}
}

func (m *Manager) closeAppendersLocked() {
	for s, a := range m.appenders {
		a.Close()
		delete(m.appenders, s)
	}
}

func (m *Manager) appender(ctx context.Context, stream string) (mqueue.Appender, error) {
	m.mu.RLock()
	a, ok := m.appenders[stream]
	m.mu.RUnlock()
	if ok {
		return a, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.appenders[stream]; ok {
		return a, nil
	}
	if m.state == StateStopped || m.state == StateShutdown {
		return nil, errors.Closed("processor " + m.cfg.Name)
	}
	a, err := m.log.Appender(ctx, stream)
	if err != nil {
		return nil, err
	}
	m.appenders[stream] = a
	return a, nil
}

// append routes a record to the partition of its key
func (m *Manager) append(ctx context.Context, stream string, rec model.Record) (mqueue.Offset, error) {
	a, err := m.appender(ctx, stream)
	if err != nil {
		return mqueue.Offset{}, err
	}
	return a.AppendKey(ctx, rec)
}

// Append adds a record to a stream, the partition is chosen by the record key
func (m *Manager) Append(ctx context.Context, stream string, rec model.Record) (mqueue.Offset, error) {
	return m.append(ctx, stream, rec)
}

// Lag returns the combined lag of the input streams of a computation
func (m *Manager) Lag(ctx context.Context, computation string) (mqueue.Lag, error) {
	topology := m.Topology()
	if topology == nil {
		return mqueue.Lag{}, errors.IllegalState("manager not initialized")
	}
	if _, ok := topology.Metadata(computation); !ok {
		return mqueue.Lag{}, errors.InvalidArgument("unknown computation: "+computation, nil)
	}
	var lags []mqueue.Lag
	for _, s := range topology.InputStreams(computation) {
		lag, err := m.log.Lag(ctx, s, computation)
		if err != nil {
			return mqueue.Lag{}, err
		}
		lags = append(lags, lag)
	}
	return mqueue.CombineLags(lags), nil
}

// Latency returns the combined latency of the input streams of a computation
func (m *Manager) Latency(ctx context.Context, computation string) (mqueue.Latency, error) {
	topology := m.Topology()
	if topology == nil {
		return mqueue.Latency{}, errors.IllegalState("manager not initialized")
	}
	if _, ok := topology.Metadata(computation); !ok {
		return mqueue.Latency{}, errors.InvalidArgument("unknown computation: "+computation, nil)
	}
	var latencies []mqueue.Latency
	for _, s := range topology.InputStreams(computation) {
		ls, err := m.log.LatencyPerPartition(ctx, s, computation)
		if err != nil {
			return mqueue.Latency{}, err
		}
		latencies = append(latencies, ls...)
	}
	return mqueue.CombineLatencies(latencies), nil
}

// Status returns the status of every computation
func (m *Manager) Status() []ComputationStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.topology == nil {
		return nil
	}
	ret := make([]ComputationStatus, 0, len(m.topology.order))
	for _, name := range m.topology.Computations() {
		st := ComputationStatus{
			Name:        name,
			Concurrency: m.settings.Concurrency(name),
			Aborted:     m.aborted[name],
			Inputs:      m.topology.InputStreams(name),
			Outputs:     m.topology.OutputStreams(name),
		}
		for _, r := range m.runners[name] {
			st.Runners++
			if runnerState(r.state.Load()) == runnerRunning {
				st.Running++
			}
			if v := r.interval.Low().Value(); v > 0 && (st.LowWatermark == 0 || v < st.LowWatermark) {
				st.LowWatermark = v
			}
		}
		if p, ok := m.pools[name]; ok {
			st.Pool = p.Stats()
		}
		ret = append(ret, st)
	}
	return ret
}
