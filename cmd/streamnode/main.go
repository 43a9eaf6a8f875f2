package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/devrev/pairdb/stream-node/internal/computation"
	"github.com/devrev/pairdb/stream-node/internal/computation/builtin"
	"github.com/devrev/pairdb/stream-node/internal/config"
	"github.com/devrev/pairdb/stream-node/internal/errors"
	"github.com/devrev/pairdb/stream-node/internal/health"
	"github.com/devrev/pairdb/stream-node/internal/metrics"
	"github.com/devrev/pairdb/stream-node/internal/mqueue"
	"github.com/devrev/pairdb/stream-node/internal/mqueue/kafka"
	"github.com/devrev/pairdb/stream-node/internal/mqueue/local"
	"github.com/devrev/pairdb/stream-node/internal/server"
	"github.com/devrev/pairdb/stream-node/internal/storage/diskmanager"
	"github.com/devrev/pairdb/stream-node/internal/validation"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path of the YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("backend", cfg.Log.Backend),
		zap.Int("computations", len(cfg.Topology.Computations)))

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Stream node failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	var reg *prometheus.Registry
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.NewMetrics(reg, cfg.Server.NodeID)
	}

	log, disk, err := openLog(cfg, logger, m)
	if err != nil {
		return err
	}
	defer log.Close()

	topology, err := buildTopology(cfg.Topology)
	if err != nil {
		return err
	}
	settings := buildSettings(cfg)

	processor := computation.NewManager(log, computation.Config{
		Name:        cfg.Processor.Name,
		ReadTimeout: cfg.Processor.ReadTimeout,
		Subscribe:   cfg.Processor.Subscribe,
	}, logger, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := processor.Init(ctx, topology, settings); err != nil {
		return fmt.Errorf("failed to initialize processor: %w", err)
	}
	logger.Info("Topology initialized", zap.String("processor_id", processor.ID()))
	logger.Debug(topology.Mermaid())

	checker := health.NewHealthChecker(&health.HealthCheckConfig{
		NodeID:    cfg.Server.NodeID,
		DataDir:   dataDir(cfg),
		Log:       log,
		Processor: processor,
		Disk:      disk,
		Metrics:   m,
	}, logger)

	grpcServer := grpc.NewServer()
	checker.RegisterGRPC(grpcServer)
	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	go func() {
		if err := grpcServer.Serve(listener); err != nil {
			logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	var gatherer prometheus.Gatherer
	if reg != nil {
		gatherer = reg
	}
	admin := server.NewServer(server.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		MetricsPath:  cfg.Metrics.Path,
		DataDir:      dataDir(cfg),
	}, log, processor, checker, gatherer, m, logger)
	if err := admin.Start(); err != nil {
		return err
	}

	if err := processor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start processor: %w", err)
	}
	go checker.Start(ctx)

	logger.Info("Stream node started",
		zap.String("node_id", cfg.Server.NodeID),
		zap.Int("port", cfg.Server.Port),
		zap.Int("grpc_port", cfg.Server.GRPCPort))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")
	checker.SetReadiness(false)
	if !processor.DrainAndStop(ctx, cfg.Processor.DrainTimeout) {
		logger.Warn("Drain timed out, pending records are processed on restart",
			zap.Duration("timeout", cfg.Processor.DrainTimeout))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := admin.Stop(shutdownCtx); err != nil {
		logger.Error("Failed to stop admin server", zap.Error(err))
	}
	grpcServer.GracefulStop()
	cancel()
	return nil
}

// openLog opens the configured log backend, the disk manager is nil for remote logs
func openLog(cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) (mqueue.Manager, *diskmanager.DiskManager, error) {
	if cfg.Log.Backend == "kafka" {
		log, err := kafka.New(kafka.Config{
			Brokers:           cfg.Kafka.Brokers,
			TopicPrefix:       cfg.Kafka.TopicPrefix,
			ReplicationFactor: cfg.Kafka.ReplicationFactor,
			ClientID:          cfg.Kafka.ClientID,
			Codec:             cfg.Log.Codec,
			FetchMaxWait:      cfg.Kafka.FetchMaxWait,
		}, logger, m)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to kafka: %w", err)
		}
		return log, nil, nil
	}

	if err := os.MkdirAll(cfg.Log.Dir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	disk, err := diskmanager.NewDiskManager(&diskmanager.Config{
		DataDir:                 cfg.Log.Dir,
		CheckInterval:           cfg.Log.Disk.CheckInterval,
		WarningThreshold:        cfg.Log.Disk.WarningThreshold,
		ThrottleThreshold:       cfg.Log.Disk.ThrottleThreshold,
		CircuitBreakerThreshold: cfg.Log.Disk.CircuitBreakerThreshold,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize disk manager: %w", err)
	}
	log, err := local.New(local.Config{
		Dir:         cfg.Log.Dir,
		SyncWrites:  cfg.Log.SyncWrites,
		Codec:       cfg.Log.Codec,
		OffsetStore: cfg.Log.OffsetStore,
	}, logger,
		local.WithDiskManager(disk),
		local.WithMetrics(m),
		local.WithValidator(validation.NewValidator()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log: %w", err)
	}
	return log, disk, nil
}

func dataDir(cfg *config.Config) string {
	if cfg.Log.Backend == "local" {
		return cfg.Log.Dir
	}
	return ""
}

// buildTopology instantiates the computations of the configuration
func buildTopology(cfg config.TopologyConfig) (*computation.Topology, error) {
	if len(cfg.Computations) == 0 {
		return nil, errors.InvalidTopology("no computation configured")
	}
	defs := make([]builtin.Definition, 0, len(cfg.Computations))
	for _, c := range cfg.Computations {
		defs = append(defs, builtin.Definition{
			Name:     c.Name,
			Type:     c.Type,
			Mappings: c.Streams,
			Params:   c.Params,
		})
	}
	return builtin.NewRegistry().Build(defs)
}

func buildSettings(cfg *config.Config) *computation.Settings {
	settings := computation.NewSettingsWithPolicy(cfg.Processor.DefaultConcurrency,
		cfg.Processor.DefaultPartitions, toPolicy(cfg.Processor.Policy))
	for _, c := range cfg.Topology.Computations {
		if c.Concurrency > 0 {
			settings.SetConcurrency(c.Name, c.Concurrency)
		}
		if c.Policy != nil {
			settings.SetPolicy(c.Name, toPolicy(*c.Policy))
		}
	}
	for stream, partitions := range cfg.Topology.Partitions {
		settings.SetPartitions(stream, partitions)
	}
	return settings
}

// toPolicy converts a configured policy, argument errors are never retried
func toPolicy(p config.PolicyConfig) computation.Policy {
	return computation.Policy{
		MaxRetries:        p.MaxRetries,
		Delay:             p.Delay,
		MaxDelay:          p.MaxDelay,
		Retryable:         func(err error) bool { return !errors.IsArgument(err) },
		ContinueOnFailure: p.ContinueOnFailure,
		DeadLetterStream:  p.DeadLetterStream,
		BatchCapacity:     p.BatchCapacity,
		BatchThreshold:    p.BatchThreshold,
	}
}

// initLogger initializes the zap logger
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}
