package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/meshsync/internal/cluster"
	"github.com/devrev/meshsync/internal/config"
	"github.com/devrev/meshsync/internal/engine"
	"github.com/devrev/meshsync/internal/gossip"
	"github.com/devrev/meshsync/internal/membership"
	"github.com/devrev/meshsync/internal/metrics"
	"github.com/devrev/meshsync/internal/model"
	"github.com/devrev/meshsync/internal/ordering"
	"github.com/devrev/meshsync/internal/resolver"
	"github.com/devrev/meshsync/internal/semantic"
	"github.com/devrev/meshsync/internal/server"
	"github.com/devrev/meshsync/internal/storage"
	"github.com/devrev/meshsync/internal/store"
	"github.com/devrev/meshsync/internal/transport"
	"github.com/devrev/meshsync/internal/util/workerpool"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
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

	logger.Info("configuration loaded",
		zap.String("node_id", cfg.Node.ID),
		zap.String("sync_strategy", cfg.Sync.Strategy),
		zap.String("storage_backend", cfg.Storage.Backend))

	if err := run(cfg, logger); err != nil && err != context.Canceled {
		logger.Fatal("node exited with error", zap.Error(err))
	}
	logger.Info("node stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(cfg.Node.ID, registry)

	// Operation execution backend.
	var backend storage.Backend
	switch cfg.Storage.Backend {
	case "bolt":
		b, err := storage.NewBolt(cfg.Storage.Path, logger)
		if err != nil {
			return err
		}
		backend = b
	default:
		backend = storage.NewMemory(logger)
	}
	defer backend.Close()

	// Conflict resolution.
	resolverStrategy, err := resolver.ParseStrategy(cfg.Resolver.Strategy)
	if err != nil {
		return err
	}
	var resolverOpts []resolver.Option
	if cfg.Resolver.CustomName != "" {
		resolverOpts = append(resolverOpts, resolver.WithCustomName(cfg.Resolver.CustomName))
	}
	if resolverStrategy == resolver.SemanticMerge {
		client := semantic.NewClient(semantic.Config{
			Endpoint: cfg.Semantic.Endpoint,
			Timeout:  cfg.Semantic.Timeout,
		}, logger)
		resolverOpts = append(resolverOpts, resolver.WithCompleter(client))
	}
	if cfg.Audit.Enabled {
		sink, aerr := store.NewPostgresAudit(ctx, cfg.Audit.DSN, cfg.Node.ID, logger)
		if aerr != nil {
			return aerr
		}
		defer sink.Close()
		resolverOpts = append(resolverOpts, resolver.WithAuditSink(sink))
	}
	res := resolver.New(resolverStrategy, logger, m, resolverOpts...)

	// Causal delivery buffer.
	ord := ordering.New(ordering.Config{
		MaxPending:      cfg.Ordering.MaxPending,
		OrderingTimeout: cfg.Ordering.OrderingTimeout,
		Retention:       cfg.Ordering.Retention,
		SweepInterval:   cfg.Ordering.SweepInterval,
		OnTimeout:       ordering.TimeoutPolicy(cfg.Ordering.OnTimeout),
	}, logger, m)

	// Cluster transport and dispatch pool.
	pool := workerpool.New(workerpool.Config{
		Name:      "cluster-dispatch",
		Workers:   cfg.Cluster.Workers,
		QueueSize: cfg.Cluster.QueueSize,
	}, logger)
	defer pool.Stop(5 * time.Second)

	clu, err := cluster.New(cluster.Config{
		NodeID:         cfg.Node.ID,
		BindAddr:       cfg.Cluster.BindAddr,
		BindPort:       cfg.Cluster.BindPort,
		SeedNodes:      cfg.Cluster.SeedNodes,
		GossipInterval: cfg.Cluster.GossipInterval,
		ProbeTimeout:   cfg.Cluster.ProbeTimeout,
		ProbeInterval:  cfg.Cluster.ProbeInterval,
	}, pool, logger, m)
	if err != nil {
		return err
	}
	defer clu.Shutdown(5 * time.Second)

	// Membership overlay.
	mem := membership.New(membership.Config{
		Self:            membership.NodeInfo{ID: cfg.Node.ID, Address: cfg.Node.Address},
		ActiveViewSize:  cfg.Membership.ActiveViewSize,
		PassiveViewSize: cfg.Membership.PassiveViewSize,
		ShuffleInterval: cfg.Membership.ShuffleInterval,
		ForwardJoinTTL:  cfg.Membership.ForwardJoinTTL,
	}, clu, logger, m)

	// Gossip dedup store.
	var dedup gossip.DedupStore
	memDedup := gossip.NewMemoryDedup()
	switch cfg.Dedup.Backend {
	case "redis":
		rd, derr := store.NewRedisDedup(ctx, cfg.Dedup.Addr, cfg.Dedup.Password, cfg.Dedup.DB, logger)
		if derr != nil {
			return derr
		}
		defer rd.Close()
		dedup = rd
	default:
		dedup = memDedup
	}

	// Sync engine; gossip delivers remote events into it.
	syncStrategy, err := engine.ParseStrategy(cfg.Sync.Strategy)
	if err != nil {
		return err
	}

	var eng *engine.Engine
	gsp := gossip.New(gossip.Config{
		NodeID:         cfg.Node.ID,
		Fanout:         cfg.Gossip.Fanout,
		MessageTTL:     cfg.Gossip.MessageTTL,
		SeenTTL:        cfg.Gossip.SeenTTL,
		BroadcastRate:  cfg.Gossip.BroadcastRate,
		BroadcastBurst: cfg.Gossip.BroadcastBurst,
	}, dedup, mem, clu, func(payload []byte) {
		event, derr := model.DecodeEvent(payload)
		if derr != nil {
			logger.Warn("dropping undecodable gossip payload", zap.Error(derr))
			return
		}
		if herr := eng.HandleRemoteEvent(event); herr != nil {
			logger.Warn("failed to accept remote event",
				zap.String("event_id", event.ID.String()),
				zap.Error(herr))
		}
	}, pool, logger, m)

	eng = engine.New(engine.Config{
		NodeID:          cfg.Node.ID,
		Strategy:        syncStrategy,
		MaxOperationLog: cfg.Sync.MaxOperationLog,
		MaxBatchSize:    cfg.Sync.MaxBatchSize,
		SyncInterval:    cfg.Sync.SyncInterval,
		MaxRetries:      cfg.Sync.MaxRetries,
		LockShards:      cfg.Sync.LockShards,
	}, backend, ord, res, gsp, logger, m)

	// Route inbound envelopes.
	clu.RegisterHandler(transport.KindGossip, func(env transport.Envelope) {
		msg, derr := gossip.DecodeMessage(env.Body)
		if derr != nil {
			logger.Warn("dropping undecodable gossip envelope", zap.Error(derr))
			return
		}
		if herr := gsp.HandleMessage(context.Background(), msg); herr != nil {
			logger.Warn("gossip handling failed", zap.Error(herr))
		}
	})
	for _, kind := range []string{
		transport.KindJoin,
		transport.KindForwardJoin,
		transport.KindShuffle,
		transport.KindDisconnect,
	} {
		clu.RegisterHandler(kind, func(env transport.Envelope) {
			if herr := mem.HandleEnvelope(env); herr != nil {
				logger.Warn("membership handling failed",
					zap.String("kind", env.Kind),
					zap.Error(herr))
			}
		})
	}
	clu.OnLeave(mem.HandleDisconnect)

	// Seed the overlay from already-known members.
	for _, name := range clu.Members() {
		if name == cfg.Node.ID {
			continue
		}
		addr, _ := clu.AddressOf(name)
		if jerr := mem.Join(membership.NodeInfo{ID: name, Address: addr}); jerr != nil {
			logger.Warn("initial join failed", zap.String("peer", name), zap.Error(jerr))
		}
	}

	admin := server.NewAdmin(cfg.Admin, cfg.Node.ID, eng, mem, backend, logger)
	metricsServer := server.NewMetricsServer(cfg.Metrics, registry, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(ctx) })
	g.Go(func() error { return mem.Run(ctx) })
	if cfg.Dedup.Backend != "redis" {
		g.Go(func() error { return memDedup.Run(ctx, 10*time.Second) })
	}
	if cfg.Admin.Enabled {
		g.Go(admin.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Admin.ShutdownTimeout)
			defer cancel()
			return admin.Shutdown(shutdownCtx)
		})
	}
	if cfg.Metrics.Enabled {
		g.Go(metricsServer.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	logger.Info("meshsync node running", zap.String("node_id", cfg.Node.ID))
	return g.Wait()
}

// initLogger builds the zap logger from config.
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zapCfg.Level = level
	return zapCfg.Build()
}
