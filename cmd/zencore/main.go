package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pbinitiative/zencore/internal/config"
	"github.com/pbinitiative/zencore/internal/log"
	"github.com/pbinitiative/zencore/internal/ops"
	"github.com/pbinitiative/zencore/internal/otel"
	"github.com/pbinitiative/zencore/internal/profile"
	"github.com/pbinitiative/zencore/pkg/admission"
	"github.com/pbinitiative/zencore/pkg/bpmn"
	"github.com/pbinitiative/zencore/pkg/journal"
	"github.com/pbinitiative/zencore/pkg/lock"
	"github.com/pbinitiative/zencore/pkg/scheduler"
	"github.com/pbinitiative/zencore/pkg/storage/inmemory"
	"github.com/pbinitiative/zencore/pkg/workqueue"
	"github.com/pbinitiative/zencore/pkg/zenflake"
	"github.com/sasha-s/go-deadlock"
	"go.uber.org/automaxprocs/maxprocs"
)

func main() {
	profile.InitProfile()
	log.Init()
	if _, err := maxprocs.Set(maxprocs.Logger(log.Named("maxprocs").StandardLogger(nil).Printf)); err != nil {
		log.Error("Failed to set GOMAXPROCS: %s", err)
	}
	deadlock.Opts.Disable = profile.Current == profile.PROD

	appContext, ctxCancel := context.WithCancel(context.Background())

	conf := config.InitConfig()

	openTelemetry, err := otel.SetupOtel(conf.Tracing)
	if err != nil {
		log.Error("Failed to set up OTEL: %s", err)
		os.Exit(1)
	}

	engine, stopEngine, err := startEngine(appContext, conf)
	if err != nil {
		log.Error("Failed to start engine: %s", err)
		os.Exit(1)
	}

	svr := ops.NewServer(engine, conf)
	if _, err := svr.Start(); err != nil {
		log.Error("Failed to start ops server: %s", err)
		os.Exit(1)
	}

	appStop := make(chan os.Signal, 2)
	handleSigterm(appStop, appContext)

	ctxCancel()
	// cleanup
	svr.Stop(context.Background())
	stopEngine()
	openTelemetry.Stop(context.Background())
}

// startEngine wires the engine collaborators. The returned func stops them in reverse order.
func startEngine(ctx context.Context, conf config.Config) (*bpmn.Engine, func(), error) {
	var stops []func()
	stop := func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
	}
	fail := func(err error) (*bpmn.Engine, func(), error) {
		stop()
		return nil, nil, err
	}

	store, j, err := newStorage(ctx, conf.Storage)
	if err != nil {
		return fail(err)
	}
	if closer, ok := j.(interface{ Close() error }); ok {
		stops = append(stops, func() { _ = closer.Close() })
	}

	lockStore, err := newLockStore(ctx, conf.Lock)
	if err != nil {
		return fail(err)
	}
	if closer, ok := lockStore.(interface{ Close() error }); ok {
		stops = append(stops, func() { _ = closer.Close() })
	}

	var schedulerOptions []scheduler.Option
	if j != nil {
		schedulerOptions = append(schedulerOptions, scheduler.WithJournal(j))
	}
	s, err := scheduler.NewMemoryScheduler(scheduler.Config{
		PollInterval:     conf.Scheduler.PollInterval,
		MisfireTolerance: conf.Scheduler.MisfireTolerance,
	}, nil, schedulerOptions...)
	if err != nil {
		return fail(fmt.Errorf("failed to create scheduler: %w", err))
	}

	pool := workqueue.NewPool(workqueue.Config{
		Workers:    conf.Engine.Workers,
		QueueSize:  conf.Engine.QueueSize,
		Retries:    conf.Engine.WorkRetries,
		RetryDelay: conf.Engine.WorkRetryDelay,
	}, func(w workqueue.Work, err error) {
		log.Errorf(ctx, "Work %s failed after retries: %s", w.Name, err)
	})
	stops = append(stops, func() {
		if err := pool.Stop(); err != nil {
			log.Error("failed to stop work queue: %s", err)
		}
	})

	controller, err := newAdmission(ctx, conf.Admission, store)
	if err != nil {
		return fail(err)
	}

	keys, err := zenflake.NewGenerator(conf.Engine.NodeId)
	if err != nil {
		return fail(err)
	}

	engine, err := bpmn.NewEngine(
		bpmn.EngineWithName(conf.Name),
		bpmn.EngineWithConfig(bpmn.Config{
			TenantId:            conf.Engine.TenantId,
			DeletionPageSize:    conf.Engine.DeletionPageSize,
			ConnectorBatchSize:  conf.Engine.ConnectorBatchSize,
			JobSweepConcurrency: conf.Engine.JobSweepConcurrency,
			DefinitionCacheSize: conf.Engine.DefinitionCacheSize,
			DefinitionCacheTTL:  conf.Engine.DefinitionCacheTTL,
		}),
		bpmn.EngineWithStorage(store),
		bpmn.EngineWithScheduler(s),
		bpmn.EngineWithLockManager(lock.NewManager(lockStore)),
		bpmn.EngineWithWorkQueue(pool),
		bpmn.EngineWithAdmission(controller),
		bpmn.EngineWithKeyGenerator(keys),
	)
	if err != nil {
		return fail(fmt.Errorf("failed to create engine: %w", err))
	}
	stops = append(stops, engine.Stop)

	s.SetHandler(engine.HandleJob)
	s.Start()
	stops = append(stops, s.Stop)

	log.Infof(ctx, "Engine %s started", engine.Name())
	return engine, stop, nil
}

// newStorage opens the engine storage. The journal is nil for the volatile memory storage.
func newStorage(ctx context.Context, conf config.Storage) (*inmemory.Storage, journal.Journal, error) {
	if conf.Store != config.StorageRedis {
		log.Warnf(ctx, "Storage is %s, process state and timers are lost on restart", conf.Store)
		return inmemory.NewStorage(), nil, nil
	}
	j, err := journal.NewRedisJournal(ctx, journal.RedisConfig{
		Addr:     conf.Redis.Addr,
		Password: conf.Redis.Password,
		DB:       conf.Redis.DB,
		Prefix:   conf.Redis.Prefix,
	})
	if err != nil {
		return nil, nil, err
	}
	store, err := inmemory.NewDurableStorage(ctx, j)
	if err != nil {
		_ = j.Close()
		return nil, nil, fmt.Errorf("failed to restore storage: %w", err)
	}
	return store, j, nil
}

func newLockStore(ctx context.Context, conf config.Lock) (lock.Store, error) {
	switch conf.Store {
	case config.LockStoreRedis:
		return lock.NewRedisStore(ctx, lock.RedisConfig{
			Addr:     conf.Redis.Addr,
			Password: conf.Redis.Password,
			DB:       conf.Redis.DB,
			TTL:      conf.Redis.TTL,
		}, conf.Timeout)
	default:
		return lock.NewMemoryStore(conf.Timeout), nil
	}
}

// newAdmission creates the admission controller and runs its startup check. The empty window is written
// only into a fresh storage. Outside of PROD a missing encryption key is derived from the application name.
func newAdmission(ctx context.Context, conf config.Admission, store *inmemory.Storage) (*admission.Controller, error) {
	key := conf.EncryptionKey
	if key == "" {
		if profile.Current == profile.PROD {
			return nil, fmt.Errorf("admission encryption key is required in %s profile", profile.PROD)
		}
		sum := sha256.Sum256([]byte("zencore-dev"))
		key = hex.EncodeToString(sum[:])
	}
	enc, err := admission.NewAESEncryptorFromHex(key)
	if err != nil {
		return nil, fmt.Errorf("invalid admission encryption key: %w", err)
	}
	controller, err := admission.NewController(admission.Config{
		Limit:      conf.Limit,
		PeriodDays: conf.PeriodDays,
		Thresholds: conf.Thresholds,
	}, store, enc, admission.WithThresholdListener(func(threshold int, occupancy int) {
		log.Warnf(ctx, "Process start window is %d%% full (%d of %d cases)", threshold, occupancy, conf.Limit)
	}))
	if err != nil {
		return nil, err
	}
	// Start rejects a restored storage without a window
	if store.Fresh() {
		if err := controller.InitializePlatform(ctx); err != nil {
			return nil, err
		}
	}
	if err := controller.Start(ctx, time.Now()); err != nil {
		return nil, err
	}
	return controller, nil
}

func handleSigterm(appStop chan os.Signal, ctx context.Context) {
	signal.Notify(appStop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	sig := <-appStop
	log.Infof(ctx, "Received %s. Shutting down", sig.String())
}
