package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/clayne/389-ds-base/internal/agreement"
	"github.com/clayne/389-ds-base/internal/changelog"
	"github.com/clayne/389-ds-base/internal/config"
	"github.com/clayne/389-ds-base/internal/csn"
	"github.com/clayne/389-ds-base/internal/gossip"
	"github.com/clayne/389-ds-base/internal/metrics"
	"github.com/clayne/389-ds-base/internal/replica"
	"github.com/clayne/389-ds-base/internal/server"
	"github.com/clayne/389-ds-base/internal/shipper"
	"github.com/clayne/389-ds-base/internal/store"
	"github.com/clayne/389-ds-base/internal/task"
	"github.com/clayne/389-ds-base/internal/transport"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	suffixes := make([]string, 0, len(cfg.Suffixes()))
	for _, sc := range cfg.Suffixes() {
		suffixes = append(suffixes, sc.Suffix)
	}
	logger.Info("Starting replication server",
		zap.Uint16("replica_id", cfg.Replica.ID),
		zap.Strings("suffixes", suffixes),
		zap.String("changelog_dir", cfg.Changelog.Dir),
		zap.String("state_backend", cfg.State.Backend),
		zap.String("store_backend", cfg.Store.Backend))

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Replication server failed", zap.Error(err))
	}
	logger.Info("Replication server stopped")
}

func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics(prometheus.DefaultRegisterer, cfg.Replica.ID)
	}

	// Replication state: CSN watermark and peer update vectors
	var (
		state      store.StateStore
		stateCheck server.Check
	)
	switch cfg.State.Backend {
	case "redis":
		r := cfg.State.Redis
		rs, err := store.NewRedisStateStore(r.Host, r.Port, r.Password, r.DB, r.Prefix, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize state store: %w", err)
		}
		defer rs.Close()
		state, stateCheck = rs, rs.Ping
	default:
		fs, err := store.NewFileStateStore(cfg.State.Dir)
		if err != nil {
			return fmt.Errorf("failed to initialize state store: %w", err)
		}
		state = fs
	}
	logger.Info("State store initialized", zap.String("backend", cfg.State.Backend))

	// Entry stores share one pool; rows are keyed by suffix
	var (
		pool       *pgxpool.Pool
		entryCheck server.Check
	)
	if cfg.Store.Backend == "postgres" {
		var err error
		pool, err = pgxpool.New(ctx, cfg.Store.Database.DSN())
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer pool.Close()
		entryCheck = pool.Ping
	}
	newEntryStore := func(suffix string) (store.EntryStore, error) {
		if pool == nil {
			return store.NewMemoryStore(logger), nil
		}
		ps := store.NewPostgresEntryStore(pool, suffix, logger)
		if err := ps.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate entry store: %w", err)
		}
		return ps, nil
	}
	logger.Info("Entry store initialized", zap.String("backend", cfg.Store.Backend))

	clientCfg := transport.ClientConfig{
		KeepaliveTime:    cfg.Server.KeepaliveTime,
		KeepaliveTimeout: cfg.Server.KeepaliveTimeout,
		MaxMessageSize:   cfg.Server.MaxMessageSize,
	}
	replicaCfg := replica.Config{
		Shipper: shipper.Config{
			BatchSize:        cfg.Shipper.BatchSize,
			RecordsPerSecond: cfg.Shipper.RecordsPerSecond,
			IdleInterval:     cfg.Shipper.IdleInterval,
			RequestTimeout:   cfg.Shipper.RequestTimeout,
		},
		TrimInterval:  cfg.Changelog.TrimInterval,
		PurgeInterval: cfg.Changelog.PurgeInterval,
	}

	// Gossip liveness is shared by every suffix's shippers
	var live shipper.Liveness
	var members *gossip.Service
	replicas := replica.NewSet(logger)
	if cfg.Gossip.Enabled {
		var err error
		members, err = gossip.New(gossip.Config{
			NodeName:       fmt.Sprintf("replica-%d", cfg.Replica.ID),
			BindAddr:       cfg.Gossip.BindAddr,
			BindPort:       cfg.Gossip.BindPort,
			SeedNodes:      cfg.Gossip.SeedNodes,
			GossipInterval: cfg.Gossip.GossipInterval,
			ProbeTimeout:   cfg.Gossip.ProbeTimeout,
			ProbeInterval:  cfg.Gossip.ProbeInterval,
		}, gossip.Meta{
			ReplicaID: cfg.Replica.ID,
			Suffix:    cfg.Suffixes()[0].Suffix,
			Addr:      fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		}, func() csn.RUV {
			if rep := replicas.Default(); rep != nil {
				return rep.Changelog().RUV()
			}
			return nil
		}, logger, m)
		if err != nil {
			return fmt.Errorf("failed to start gossip: %w", err)
		}
		live = members
	}

	multi := len(cfg.Suffixes()) > 1
	for _, sc := range cfg.Suffixes() {
		cl, err := changelog.Open(changelog.Config{
			Dir:         sc.ChangelogDir,
			Suffix:      sc.Suffix,
			SyncWrites:  cfg.Changelog.SyncWrites,
			SegmentSize: cfg.Changelog.SegmentSize,
		}, logger, m)
		if err != nil {
			return fmt.Errorf("failed to open changelog for %s: %w", sc.Suffix, err)
		}
		defer cl.Close()

		registry, err := agreement.NewRegistry(sc.AgreementsFile,
			agreement.DefaultSettings(cfg.Replica.ID, sc.Suffix), logger)
		if err != nil {
			return fmt.Errorf("failed to load agreements for %s: %w", sc.Suffix, err)
		}
		if s := registry.Settings(); s.ReplicaID != cfg.Replica.ID {
			return fmt.Errorf("agreements file %s belongs to replica %d, configured as %d",
				sc.AgreementsFile, s.ReplicaID, cfg.Replica.ID)
		}

		entries, err := newEntryStore(sc.Suffix)
		if err != nil {
			return err
		}

		// one suffix keeps the unscoped keys it has always used
		suffixState := state
		if multi {
			suffixState = store.Prefixed(state, sc.Name+".")
		}
		rep, err := replica.New(replicaCfg, replica.Deps{
			Changelog: cl,
			Store:     entries,
			Registry:  registry,
			State:     suffixState,
			Dial:      transport.Dialer(clientCfg, logger),
			Liveness:  live,
		}, logger, m)
		if err != nil {
			return fmt.Errorf("failed to create replica for %s: %w", sc.Suffix, err)
		}
		if err := replicas.Add(rep); err != nil {
			return err
		}
	}

	if err := replicas.Start(ctx); err != nil {
		return err
	}

	// Inbound replication
	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(cfg.Server.MaxMessageSize),
		grpc.MaxSendMsgSize(cfg.Server.MaxMessageSize),
		grpc.MaxConcurrentStreams(uint32(cfg.Server.MaxConnections)),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    cfg.Server.KeepaliveTime,
			Timeout: cfg.Server.KeepaliveTimeout,
		}),
	)
	transport.NewServer(replicas, logger).Register(grpcServer)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	// Admin surface
	taskPool := task.NewPool(task.PoolConfig{
		Name:      "admin-tasks",
		Workers:   cfg.Tasks.Workers,
		QueueSize: cfg.Tasks.QueueSize,
	}, logger)
	admin := server.NewAdminServer(cfg.Admin, replicas, task.NewManager(taskPool, cfg.Tasks.Keep, logger), logger)
	if cfg.Metrics.Enabled {
		admin.MountMetrics(cfg.Metrics.Path, prometheus.DefaultGatherer)
	}
	if stateCheck != nil {
		admin.AddCheck("state_store", stateCheck)
	}
	if entryCheck != nil {
		admin.AddCheck("entry_store", entryCheck)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting replication gRPC server", zap.String("address", addr))
		return grpcServer.Serve(listener)
	})
	g.Go(admin.Start)
	g.Go(func() error {
		return replicas.Run(gctx)
	})
	if members != nil {
		g.Go(func() error {
			members.Run(gctx)
			return nil
		})
	}

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := admin.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Admin server shutdown failed", zap.Error(err))
		}

		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
			logger.Info("gRPC server stopped gracefully")
		case <-shutdownCtx.Done():
			logger.Warn("gRPC server stop timeout, forcing shutdown")
			grpcServer.Stop()
		}

		if members != nil {
			if err := members.Shutdown(); err != nil {
				logger.Warn("Gossip shutdown failed", zap.Error(err))
			}
		}
		if err := taskPool.Stop(10 * time.Second); err != nil {
			logger.Warn("Task pool stop failed", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()

	// persist the watermark and peer vectors whatever stopped us
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if ferr := replicas.Stop(flushCtx); ferr != nil {
		logger.Error("Failed to persist replication state", zap.Error(ferr))
	}

	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
