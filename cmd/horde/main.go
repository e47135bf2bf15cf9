// cmd/horde/main.go
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	http_api "inference-horde/internal/api/http"
	"inference-horde/internal/catalog"
	"inference-horde/internal/cluster"
	"inference-horde/internal/config"
	"inference-horde/internal/domain"
	"inference-horde/internal/filter"
	"inference-horde/internal/health"
	"inference-horde/internal/infra/etcd"
	"inference-horde/internal/infra/gormstore"
	"inference-horde/internal/infra/memory"
	"inference-horde/internal/ipsafety"
	"inference-horde/internal/scheduler"
	"inference-horde/internal/tracing"
	"inference-horde/internal/usecase"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	clientv3 "go.etcd.io/etcd/client/v3"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
)

var version = "dev"

const settingsCacheTTL = time.Second

// coordination is the set of cross-node ports, backed by etcd or by process memory.
type coordination struct {
	leader   domain.LeaderElectionManager
	locker   domain.Locker
	notifier domain.SettingsNotifier
	counter  domain.CounterMeasures
	priority domain.PriorityCache
	nodes    domain.NodeDirectory
	member   *cluster.Membership
	client   *clientv3.Client
}

func main() {
	if err := run(); err != nil {
		slog.Error("horde exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. logger, flags, config
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	fs := pflag.NewFlagSet("horde", pflag.ExitOnError)
	configPath := config.BindFlags(fs)
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	nodeID := cfg.NodeName
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	logger = logger.With("node_id", nodeID)
	logger.Info("starting inference horde node", "version", version, "standalone", cfg.Standalone())

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.InitTracer(cfg.Tracing.ServiceName, os.Stderr, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	// 2. root context cancelled on SIGINT/SIGTERM
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. store
	db, err := gormstore.Open(cfg.Database)
	if err != nil {
		return err
	}
	if cfg.Database.AutoMigrate {
		if err := gormstore.Migrate(db); err != nil {
			return err
		}
	}
	store := gormstore.New(db, logger)

	// 4. coordination
	coord, err := newCoordination(cfg, nodeID, logger)
	if err != nil {
		return err
	}
	if coord.client != nil {
		defer coord.client.Close()
	}

	// 5. services and servers
	clk := clock.RealClock{}
	n, err := wire(rootCtx, cfg, store, coord, nodeID, clk, logger)
	if err != nil {
		return err
	}
	settings, reporter, background := n.settings, n.reporter, n.background
	server := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           n.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(rootCtx)

	if coord.member != nil {
		if err := coord.member.Register(ctx, nodeID, cfg.HTTP.ListenAddr, int64(cfg.Election.TTL.Seconds())); err != nil {
			return err
		}
		g.Go(func() error {
			coord.member.Watch(ctx)
			return nil
		})
		defer func() {
			deregCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := coord.member.Deregister(deregCtx); err != nil {
				logger.Error("failed to deregister node", "error", err)
			}
		}()
	}

	g.Go(func() error {
		settings.Watch(ctx)
		return nil
	})
	g.Go(func() error {
		reporter.Run(ctx)
		return nil
	})
	if cfg.GRPC.Enabled {
		grpcServer := health.NewServer(cfg.GRPC.ListenAddr, reporter, logger)
		g.Go(func() error { return grpcServer.Serve(ctx) })
	}
	g.Go(func() error { return background.Start(ctx) })
	g.Go(func() error {
		logger.Info("starting HTTP API server", "addr", cfg.HTTP.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("node shut down")
	return nil
}

// node is everything run starts once the store and coordination are up.
type node struct {
	api        *http_api.API
	settings   *usecase.SettingsService
	reporter   *health.Reporter
	background *usecase.BackgroundService
	tasks      []*domain.Task
}

func wire(ctx context.Context, cfg *config.Config, store *gormstore.Store, coord *coordination, nodeID string, clk clock.WithTicker, logger *slog.Logger) (*node, error) {
	checker, err := filter.New(cfg.Filter.Regex, cfg.Filter.Profanity)
	if err != nil {
		return nil, err
	}
	ipCheck, err := ipsafety.New(cfg.IPSafety, logger)
	if err != nil {
		return nil, err
	}
	models := catalog.New(cfg.Models)

	auth := usecase.NewAuthenticator(store)
	settings := usecase.NewSettingsService(store, auth, coord.notifier, settingsCacheTTL, clk, logger)
	registry := usecase.NewRegistryService(store, auth, settings, checker, models, coord.counter, ipCheck, cfg.Limits, clk, logger)
	accounting := usecase.NewAccountingService(store, auth, models, cfg.Kudos, clk, logger)
	users := usecase.NewUserService(store, auth, clk, logger)
	stats := usecase.NewStatsService(store, coord.nodes, cfg.Stats, clk, logger)
	svc := http_api.Services{
		Intake:     usecase.NewIntakeService(store, auth, settings, checker, models, coord.counter, ipCheck, cfg.Limits, cfg.Kudos, clk, logger),
		Matcher:    usecase.NewMatcherService(store, registry, settings, coord.priority, models, cfg.Dispatch.PageSize, cfg.Limits.WaitingPromptTTL, clk, logger),
		Accounting: accounting,
		Status:     usecase.NewStatusService(store, clk, logger),
		Settings:   settings,
		Stats:      stats,
		Workers:    usecase.NewWorkerAdminService(store, auth, checker, logger),
		Kudos:      usecase.NewKudosService(store, auth, logger),
		SharedKeys: usecase.NewSharedKeyService(store, auth, clk, logger),
		Users:      users,
	}

	if err := users.Bootstrap(ctx, cfg.Bootstrap, cfg.Admins); err != nil {
		return nil, err
	}

	sweeper := usecase.NewSweeperService(store, settings, accounting, cfg.Sweeper, clk, logger)
	priority := usecase.NewPriorityService(store, coord.priority, cfg.PriorityCache.Size, cfg.Aging.Increment, clk, logger)
	monthly := usecase.NewMonthlyService(store, usecase.ConfigMonthlyKudos{Grants: cfg.Monthly.Grants}, cfg.Monthly.ModeratorBonus, clk, logger)

	cron := scheduler.NewCronScheduler(coord.leader, coord.locker, logger)
	background := usecase.NewBackgroundService(coord.leader, cron, cfg.Election.RetryInterval, nodeID, clk, logger)
	tasks := usecase.BackgroundTasks(cfg, sweeper, priority, stats, monthly)
	if err := background.Register(tasks...); err != nil {
		return nil, err
	}

	return &node{
		api:        http_api.NewAPI(svc, cfg.RateLimit, version, clk, logger),
		settings:   settings,
		reporter:   health.NewReporter(store, settings, 5*time.Second, clk, logger),
		background: background,
		tasks:      tasks,
	}, nil
}

// newCoordination picks etcd when endpoints are configured and in-process ports otherwise.
func newCoordination(cfg *config.Config, nodeID string, logger *slog.Logger) (*coordination, error) {
	if cfg.Standalone() {
		return &coordination{
			leader:   memory.NewSoloLeader(nodeID),
			locker:   memory.NewLocker(),
			notifier: memory.NewNotifier(),
			counter:  memory.NewCounterMeasures(),
			priority: memory.NewPriorityCache(cfg.PriorityCache.TTL),
			nodes:    memory.SingleNode{},
		}, nil
	}

	client, err := etcd.NewClient(cfg.Etcd.Endpoints, cfg.Etcd.Timeout)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to etcd", "endpoints", cfg.Etcd.Endpoints)
	keys := etcd.Keyspace(cfg.Etcd.Prefix)
	member := cluster.NewMembership(client, keys.Nodes(), logger)
	return &coordination{
		leader:   etcd.NewEtcdLeaderElectionManager(client, keys, nodeID, cfg.Election.TTL, logger),
		locker:   etcd.NewEtcdLocker(client, keys),
		notifier: etcd.NewSettingsNotifier(client, keys, logger),
		counter:  etcd.NewCounterMeasures(client, keys, logger),
		priority: etcd.NewPriorityCache(client, keys, cfg.PriorityCache.TTL, cfg.PriorityCache.LocalTTL),
		nodes:    member,
		member:   member,
		client:   client,
	}, nil
}
