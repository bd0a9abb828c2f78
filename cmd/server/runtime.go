package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/editalflow/api/internal/cache"
	"github.com/editalflow/api/internal/client"
	"github.com/editalflow/api/internal/config"
	"github.com/editalflow/api/internal/governor"
	"github.com/editalflow/api/internal/pipeline"
	"github.com/editalflow/api/internal/quota"
	"github.com/editalflow/api/internal/sink"
	"github.com/editalflow/api/internal/store"
	"github.com/editalflow/api/internal/worker"
	ws "github.com/editalflow/api/internal/websocket"
)

const (
	backendLocal = "local"
	backendAsynq = "asynq"
)

// runtime holds the wired pipeline. Components are attached to the governor
// by attachWorkers; building alone starts nothing.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	redis    *redis.Client
	store    store.Store
	quota    quota.Counter
	cache    cache.Cache
	objects  client.ObjectStore
	results  *sink.Sink
	notifier *sink.Notifier
	hub      *ws.Hub
	engine   *pipeline.Engine
	gov      *governor.Governor

	pool       *worker.Pool
	dispatcher *worker.AsynqDispatcher
}

func (rt *runtime) usesRedis() bool {
	return rt.cfg.Store.Driver == "redis" ||
		rt.cfg.Cache.Backend == "redis" ||
		rt.cfg.Governor.Backend == backendAsynq
}

func (rt *runtime) asynqOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     rt.cfg.Redis.Addr,
		Password: rt.cfg.Redis.Password,
		DB:       rt.cfg.Redis.DB,
	}
}

func buildRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}
	if cfg.Governor.Backend != backendLocal && cfg.Governor.Backend != backendAsynq {
		return nil, fmt.Errorf("unknown dispatch backend %q", cfg.Governor.Backend)
	}

	if rt.usesRedis() {
		rt.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rt.redis.Ping(ctx).Err(); err != nil {
			logger.Warn("redis not available", "addr", cfg.Redis.Addr, "error", err)
		}
	}

	var err error
	if rt.store, err = rt.openStore(); err != nil {
		rt.Close()
		return nil, err
	}
	if rt.objects, err = rt.openObjects(); err != nil {
		rt.Close()
		return nil, err
	}
	rt.cache = rt.openCache()
	rt.quota = rt.openQuota()

	rt.results = sink.New(rt.objects, cfg.Storage.Prefix, logger)
	rt.notifier = sink.NewNotifier(rt.store, cfg.Webhook, logger)
	rt.hub = ws.NewHub(logger)

	if rt.engine, err = rt.buildEngine(); err != nil {
		rt.Close()
		return nil, err
	}

	govCfg := governor.Config{
		QueueLimit:  cfg.Governor.QueueLimit,
		LeaseTTL:    cfg.Governor.LeaseTTL,
		MaxReclaims: cfg.Governor.MaxReclaims,
	}
	switch cfg.Governor.Backend {
	case backendAsynq:
		rt.dispatcher = worker.NewAsynqDispatcher(rt.asynqOpt(), logger)
		rt.gov = governor.New(rt.store, rt.quota, rt.dispatcher, rt.results, rt.objects, govCfg, logger)
	default:
		rt.pool = worker.NewPool(rt.engine, logger,
			worker.WithWorkers(cfg.Governor.Workers),
			worker.WithQueueSize(cfg.Governor.QueueLimit))
		rt.gov = governor.New(rt.store, rt.quota, rt.pool, rt.results, rt.objects, govCfg, logger)
	}
	return rt, nil
}

func (rt *runtime) openStore() (store.Store, error) {
	switch rt.cfg.Store.Driver {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite":
		s, err := store.NewSQLite(rt.cfg.Store.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return s, nil
	case "redis":
		return store.NewRedis(rt.redis, rt.cfg.Store.JobTTL), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", rt.cfg.Store.Driver)
}

func (rt *runtime) openObjects() (client.ObjectStore, error) {
	switch rt.cfg.Storage.Driver {
	case "s3", "r2":
		r2, err := client.NewR2Client(&rt.cfg.R2)
		if err != nil {
			return nil, fmt.Errorf("failed to create object storage client: %w", err)
		}
		return r2, nil
	case "local":
		local, err := client.NewLocalStore(rt.cfg.Storage.LocalDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open local storage: %w", err)
		}
		return local, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", rt.cfg.Storage.Driver)
}

func (rt *runtime) openCache() cache.Cache {
	if rt.cfg.Cache.Backend == "redis" {
		return cache.NewRedis(rt.redis)
	}
	return cache.NewMemory()
}

// openQuota shares counters through Redis whenever jobs may be admitted by
// more than one process.
func (rt *runtime) openQuota() quota.Counter {
	loc, err := time.LoadLocation(rt.cfg.Timezone)
	if err != nil {
		rt.logger.Warn("unknown timezone, counting quota days in UTC", "timezone", rt.cfg.Timezone, "error", err)
		loc = time.UTC
	}
	if rt.cfg.Store.Driver == "redis" || rt.cfg.Governor.Backend == backendAsynq {
		return quota.NewRedis(rt.redis, rt.cfg.Governor.DailyLimit, loc)
	}
	return quota.NewMemory(rt.cfg.Governor.DailyLimit, loc)
}

func (rt *runtime) buildEngine() (*pipeline.Engine, error) {
	cfg := rt.cfg
	deps := pipeline.Deps{
		Fetcher:  rt.objects,
		PDF:      client.NewPDFExtractor(),
		Tables:   client.NewTextTableExtractor(),
		Loader:   cache.NewLoader(rt.cache, cache.WithComputeTimeout(cfg.Pipeline.StageTimeout)),
		CacheTTL: cfg.Cache.TTL,
		Sink:     rt.results,
		Notifier: rt.notifier,
		Settings: pipeline.Settings{
			MaxFileSize:            cfg.Pipeline.MaxFileSizeBytes(),
			OCRDensityThreshold:    cfg.Pipeline.OCRDensityThreshold,
			ChunkSize:              cfg.Pipeline.ChunkSize,
			AIParallelism:          cfg.Pipeline.AIParallelism,
			LowConfidenceThreshold: cfg.Pipeline.LowConfidenceThreshold,
		},
	}
	if ocr := client.NewOCRClient(&cfg.OCR); ocr.IsConfigured() {
		deps.OCR = ocr
	} else {
		rt.logger.Warn("ocr binaries not found, scanned documents will not be recognized")
	}
	if llm := client.NewLLMClient(&cfg.LLM); llm.IsConfigured() {
		deps.LLM = llm
	} else {
		rt.logger.Warn("llm api key not set, ai analysis stages will be skipped")
	}

	stages, err := pipeline.DefaultStages(deps)
	if err != nil {
		return nil, fmt.Errorf("failed to build stages: %w", err)
	}
	engine, err := pipeline.NewEngine(rt.store, stages,
		pipeline.WithRetryPolicy(pipeline.RetryPolicy{
			MaxAttempts: cfg.Pipeline.MaxAttempts,
			BaseBackoff: cfg.Pipeline.BaseBackoff,
			MaxBackoff:  cfg.Pipeline.MaxBackoff,
		}),
		pipeline.WithStageTimeout(cfg.Pipeline.StageTimeout),
		pipeline.WithLeaseTTL(cfg.Governor.LeaseTTL),
		pipeline.WithPublisher(rt.hub),
		pipeline.WithFailureNotifier(rt.notifier),
		pipeline.WithLogger(rt.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build engine: %w", err)
	}
	return engine, nil
}

// attachWorkers registers the background components. Shutdown runs in
// reverse: the janitor stops first, then workers drain, then pending
// callbacks, and the hub closes last.
func (rt *runtime) attachWorkers(extra ...governor.Component) error {
	var compactor worker.Compactor
	if m, ok := rt.cache.(*cache.Memory); ok {
		compactor = m
	}
	janitor, err := worker.NewJanitor(rt.gov, rt.cfg.Governor.ReapSchedule, compactor, rt.cfg.Governor.CompactPeriod, rt.logger)
	if err != nil {
		return err
	}

	rt.gov.Attach(rt.hub, rt.notifier)
	switch {
	case rt.pool != nil:
		rt.gov.Attach(rt.pool)
	case rt.dispatcher != nil:
		w := worker.NewAsynqWorker(rt.asynqOpt(), rt.cfg.Governor.Workers, rt.cfg.Server.LogLevel, rt.engine, rt.logger)
		rt.gov.Attach(rt.dispatcher, w)
	}
	rt.gov.Attach(janitor)
	rt.gov.Attach(extra...)
	return nil
}

func (rt *runtime) Close() {
	var errs []error
	if rt.store != nil {
		errs = append(errs, rt.store.Close())
	}
	if rt.redis != nil {
		errs = append(errs, rt.redis.Close())
	}
	if err := errors.Join(errs...); err != nil {
		rt.logger.Warn("failed to close resources", "error", err)
	}
}
