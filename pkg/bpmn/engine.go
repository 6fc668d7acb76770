package bpmn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pbinitiative/zencore/pkg/admission"
	"github.com/pbinitiative/zencore/pkg/bpmn/runtime"
	"github.com/pbinitiative/zencore/pkg/contract"
	"github.com/pbinitiative/zencore/pkg/lock"
	otelPkg "github.com/pbinitiative/zencore/pkg/otel"
	"github.com/pbinitiative/zencore/pkg/scheduler"
	"github.com/pbinitiative/zencore/pkg/storage"
	"github.com/pbinitiative/zencore/pkg/storage/inmemory"
	"github.com/pbinitiative/zencore/pkg/workqueue"
	"github.com/pbinitiative/zencore/pkg/zenflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Config struct {
	TenantId int64
	// DeletionPageSize bounds how many child instances are read at once when collecting a tree for deletion
	DeletionPageSize int
	// ConnectorBatchSize bounds how many failed connectors are reset at once by Retry
	ConnectorBatchSize  int
	JobSweepConcurrency int
	DefinitionCacheSize int
	DefinitionCacheTTL  time.Duration
}

func DefaultConfig() Config {
	return Config{
		TenantId:            1,
		DeletionPageSize:    100,
		ConnectorBatchSize:  100,
		JobSweepConcurrency: 8,
		DefinitionCacheSize: 200,
		DefinitionCacheTTL:  time.Hour,
	}
}

type Engine struct {
	name        string
	conf        Config
	persistence storage.Storage
	scheduler   scheduler.Scheduler
	jobs        *JobRegistry
	locks       *lock.Manager
	queue       workqueue.Queue
	admission   *admission.Controller
	evaluator   contract.Evaluator
	keys        *zenflake.Generator
	definitions *expirable.LRU[int64, runtime.ProcessDefinition]
	metrics     *otelPkg.EngineMetrics
	tracer      trace.Tracer
	logger      hclog.Logger

	handlersMu sync.RWMutex
	handlers   map[string]ConnectorHandler

	// collaborators created by the engine itself are stopped with it
	owned []func()
}

type EngineOption = func(*Engine)

// NewEngine creates a new engine. Collaborators that are not provided are created in memory.
func NewEngine(options ...EngineOption) (*Engine, error) {
	engine := Engine{
		conf:     DefaultConfig(),
		handlers: map[string]ConnectorHandler{},
		tracer:   otel.GetTracerProvider().Tracer("bpmn-engine"),
		logger:   hclog.Default().Named("bpmn-engine"),
	}
	for _, option := range options {
		option(&engine)
	}

	var err error
	if engine.keys == nil {
		engine.keys, err = zenflake.NewGeneratorFromEnv()
		if err != nil {
			return nil, fmt.Errorf("failed to create key generator: %w", err)
		}
	}
	if engine.name == "" {
		engine.name = fmt.Sprintf("Bpmn-Engine-%d", engine.keys.Generate())
	}
	if engine.metrics == nil {
		engine.metrics, err = otelPkg.NewMetrics(otel.GetMeterProvider().Meter("bpmn-engine"))
		if err != nil {
			return nil, fmt.Errorf("failed to create engine metrics: %w", err)
		}
	}
	if engine.persistence == nil {
		engine.persistence = inmemory.NewStorage()
	}
	if engine.scheduler == nil {
		s, err := scheduler.NewMemoryScheduler(scheduler.Config{PollInterval: time.Second, MisfireTolerance: 5 * time.Second}, engine.HandleJob)
		if err != nil {
			return nil, err
		}
		s.Start()
		engine.scheduler = s
		engine.owned = append(engine.owned, s.Stop)
	}
	if engine.locks == nil {
		engine.locks = lock.NewManager(lock.NewMemoryStore(5 * time.Second))
	}
	if engine.queue == nil {
		pool := workqueue.NewPool(workqueue.Config{Workers: 4, QueueSize: 256, Retries: 5, RetryDelay: 50 * time.Millisecond}, nil)
		engine.queue = pool
		engine.owned = append(engine.owned, func() { _ = pool.Stop() })
	}
	if engine.evaluator == nil {
		engine.evaluator = contract.NewExprEvaluator()
	}
	engine.jobs = NewJobRegistry(engine.scheduler, engine.metrics)
	engine.definitions = expirable.NewLRU[int64, runtime.ProcessDefinition](engine.conf.DefinitionCacheSize, nil, engine.conf.DefinitionCacheTTL)
	return &engine, nil
}

func EngineWithStorage(persistence storage.Storage) EngineOption {
	return func(engine *Engine) {
		engine.persistence = persistence
	}
}

// EngineWithScheduler sets the scheduler. Fired jobs must be passed to Engine.HandleJob.
func EngineWithScheduler(s scheduler.Scheduler) EngineOption {
	return func(engine *Engine) {
		engine.scheduler = s
	}
}

func EngineWithLockManager(locks *lock.Manager) EngineOption {
	return func(engine *Engine) {
		engine.locks = locks
	}
}

func EngineWithWorkQueue(queue workqueue.Queue) EngineOption {
	return func(engine *Engine) {
		engine.queue = queue
	}
}

// EngineWithAdmission gates root process instance starts.
func EngineWithAdmission(controller *admission.Controller) EngineOption {
	return func(engine *Engine) {
		engine.admission = controller
	}
}

func EngineWithEvaluator(evaluator contract.Evaluator) EngineOption {
	return func(engine *Engine) {
		engine.evaluator = evaluator
	}
}

func EngineWithKeyGenerator(keys *zenflake.Generator) EngineOption {
	return func(engine *Engine) {
		engine.keys = keys
	}
}

func EngineWithMetrics(metrics *otelPkg.EngineMetrics) EngineOption {
	return func(engine *Engine) {
		engine.metrics = metrics
	}
}

func EngineWithConfig(conf Config) EngineOption {
	return func(engine *Engine) {
		engine.conf = conf
	}
}

func EngineWithName(name string) EngineOption {
	return func(engine *Engine) {
		engine.name = name
	}
}

// Name returns the name of the engine, only useful in case you control multiple ones
func (engine *Engine) Name() string {
	return engine.name
}

// Stop stops the collaborators the engine created itself.
func (engine *Engine) Stop() {
	for i := len(engine.owned) - 1; i >= 0; i-- {
		engine.owned[i]()
	}
	engine.owned = nil
}

func (engine *Engine) generateKey() int64 {
	return engine.keys.Generate()
}

// startSpan starts a span for a public engine operation, finish records err on it.
func (engine *Engine) startSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, func(err error)) {
	ctx, span := engine.tracer.Start(ctx, name, opts...)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// lockTree locks the root of a process instance tree. Every mutation of a running tree happens under this lock.
func (engine *Engine) lockTree(ctx context.Context, rootKey int64) (lock.Lock, error) {
	return engine.locks.Lock(ctx, lock.ObjectTypeProcessInstance, rootKey, engine.conf.TenantId)
}

// unlock releases l and joins a release failure to err.
func (engine *Engine) unlock(ctx context.Context, l lock.Lock, err *error) {
	if uErr := engine.locks.Unlock(ctx, l); uErr != nil {
		*err = errors.Join(*err, uErr)
	}
}
