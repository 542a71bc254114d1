package main

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/complaint-orchestrator/internal/events"
	"github.com/sells-group/complaint-orchestrator/internal/pipeline"
	"github.com/sells-group/complaint-orchestrator/internal/store"
	"github.com/sells-group/complaint-orchestrator/internal/tenant"
	"github.com/sells-group/complaint-orchestrator/pkg/anthropic"
	"github.com/sells-group/complaint-orchestrator/pkg/embeddings"
)

// orchestratorEnv holds the initialized store, clients, and orchestrator
// shared by the serve/process/runs commands.
type orchestratorEnv struct {
	Store        store.Store
	Orchestrator *pipeline.Orchestrator
	Emitter      *events.Emitter
	Limiter      *tenant.Limiter
}

// Close releases resources held by the environment.
func (e *orchestratorEnv) Close() {
	if e.Emitter != nil {
		_ = e.Emitter.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens the configured database backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	case "sqlite":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// initEnv sets up the store, capability clients, audit emitter, and the
// orchestrator. Callers should defer env.Close().
func initEnv(ctx context.Context) (*orchestratorEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	aiClient := anthropic.NewClient(cfg.Anthropic.Key)
	embedClient := embeddings.NewClient(cfg.Embeddings.Key,
		embeddings.WithBaseURL(cfg.Embeddings.BaseURL),
		embeddings.WithModel(cfg.Embeddings.Model),
		embeddings.WithDimensions(cfg.Embeddings.Dimensions),
		embeddings.WithRateLimit(float64(cfg.Embeddings.RatePerSec)),
	)
	emitter := events.NewEmitter(cfg.Kafka.Brokers, cfg.Kafka.Topic)

	var limiter *tenant.Limiter
	if cfg.Redis.Addr != "" && cfg.Redis.RateLimitPerMin > 0 {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		limiter = tenant.NewLimiter(rdb, cfg.Redis.RateLimitPerMin)
	}

	return &orchestratorEnv{
		Store:        st,
		Orchestrator: pipeline.New(cfg, st, aiClient, embedClient, emitter),
		Emitter:      emitter,
		Limiter:      limiter,
	}, nil
}
