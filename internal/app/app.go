// Package app builds the pipeline and its backends from a Config. It is
// shared by the docgraph CLI, the worker and the server.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/OFFIS-RIT/docgraph/internal/config"
	"github.com/OFFIS-RIT/docgraph/internal/metrics"
	"github.com/OFFIS-RIT/docgraph/pkg/ai"
	oai "github.com/OFFIS-RIT/docgraph/pkg/ai/ollama"
	gai "github.com/OFFIS-RIT/docgraph/pkg/ai/openai"
	"github.com/OFFIS-RIT/docgraph/pkg/chunker"
	"github.com/OFFIS-RIT/docgraph/pkg/embed"
	"github.com/OFFIS-RIT/docgraph/pkg/extract"
	"github.com/OFFIS-RIT/docgraph/pkg/graph"
	"github.com/OFFIS-RIT/docgraph/pkg/identity"
	identityredis "github.com/OFFIS-RIT/docgraph/pkg/identity/redis"
	"github.com/OFFIS-RIT/docgraph/pkg/leaselock"
	"github.com/OFFIS-RIT/docgraph/pkg/logger"
	"github.com/OFFIS-RIT/docgraph/pkg/logger/console"
	"github.com/OFFIS-RIT/docgraph/pkg/pipeline"
	"github.com/OFFIS-RIT/docgraph/pkg/source"
	"github.com/OFFIS-RIT/docgraph/pkg/store"
	"github.com/OFFIS-RIT/docgraph/pkg/store/memory"
	pgstore "github.com/OFFIS-RIT/docgraph/pkg/store/pgx"
	"github.com/OFFIS-RIT/docgraph/pkg/store/sqlite"
)

// InitLogger installs the console logger configured by cfg.
func InitLogger(cfg *config.Config, prefix string) {
	logger.Init(console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug:  cfg.Debug,
		JSON:   cfg.LogJSON,
		Prefix: prefix,
	}))
}

// App owns the backends of one process.
type App struct {
	Config   *config.Config
	Store    store.GraphStore
	Pipeline *pipeline.Pipeline
	Metrics  *metrics.Metrics
	// AI is the extraction client; its usage metrics cover a run or message.
	AI ai.GraphAIClient

	closers []func() error
}

type options struct {
	store   store.GraphStore
	metrics *metrics.Metrics
}

type Option func(*options)

// WithStore uses s instead of the store named by the config. The caller keeps
// ownership of s.
func WithStore(s store.GraphStore) Option {
	return func(o *options) { o.store = s }
}

// WithMetrics records pipeline events in m instead of the default registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// New connects the configured backends and builds the pipeline. On error
// everything opened so far is closed again.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *App, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = metrics.Default()
	}

	a := &App{Config: cfg, Metrics: o.metrics}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	var locker graph.Locker
	if o.store != nil {
		a.Store = o.store
	} else {
		a.Store, locker, err = a.openStore(ctx)
		if err != nil {
			return nil, err
		}
	}

	embedder, err := newEmbedder(cfg)
	if err != nil {
		return nil, err
	}

	strategy, err := chunker.ParseStrategy(cfg.ChunkStrategy)
	if err != nil {
		return nil, err
	}
	chunk, err := chunker.New(chunker.Options{
		Strategy:  strategy,
		Size:      cfg.ChunkSize,
		Overlap:   cfg.ChunkOverlap,
		Encoder:   cfg.TokenEncoder,
		Threshold: cfg.SemanticThreshold,
		Embedder:  embedder,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create chunker: %w", err)
	}

	extractClient, err := NewAIClient(cfg, cfg.ExtractionProvider)
	if err != nil {
		return nil, err
	}
	a.AI = extractClient
	llm, err := extract.NewLLM(extractClient,
		extract.WithEntityTypes(cfg.EntityTypes...),
		extract.WithGenerateOptions(ai.WithTemperature(cfg.ExtractionTemp)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create extractor: %w", err)
	}

	scope, err := identity.ParseScope(cfg.IdentityScope)
	if err != nil {
		return nil, err
	}
	var registry identity.Registry
	if cfg.RedisURL != "" && scope != identity.ScopeNone && scope != identity.ScopeGlobal {
		reg, err := identityredis.New(identityredis.Options{URL: cfg.RedisURL, TTL: cfg.IdentityTTL})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, reg.Close)
		registry = reg
	}

	a.Pipeline, err = pipeline.New(pipeline.Params{
		Store:         a.Store,
		Chunker:       chunk,
		Embedder:      embed.WithRetry(embedder, cfg.MaxRetries),
		Extractor:     extract.WithRetry(llm, cfg.MaxRetries),
		IdentityScope: scope,
		Registry:      registry,
		Locker:        locker,
		Policies:      cfg.Policies(),
		Workers:       cfg.NJobs,
		Hooks:         a.Metrics.Hooks(),
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) openStore(ctx context.Context) (store.GraphStore, graph.Locker, error) {
	cfg := a.Config
	switch cfg.GraphStore {
	case "postgres":
		st, err := pgstore.Connect(ctx, cfg.GraphDBURL)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, st.Close)
		var locker graph.Locker
		if cfg.UseLeaseLock {
			locker = leaselock.New(st.Pool(), leaselock.Options{})
		}
		return st, locker, nil
	case "sqlite":
		st, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, st.Close)
		return st, nil, nil
	case "memory":
		return memory.New(), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown graph store %q", cfg.GraphStore)
}

// NewAIClient returns the client for provider ("openai" or "ollama").
func NewAIClient(cfg *config.Config, provider string) (ai.GraphAIClient, error) {
	switch provider {
	case "ollama":
		client, err := oai.NewGraphOllamaClient(oai.NewGraphOllamaClientParams{
			EmbeddingModel:     cfg.EmbeddingModel,
			ExtractionModel:    cfg.ExtractionModel,
			EmbeddingDimension: cfg.EmbeddingDimension,

			BaseURL: cfg.AIBaseURL,
			ApiKey:  cfg.LLMAPIKey,

			MaxConcurrentRequests: int64(cfg.AIMaxConcurrent),
			Timeout:               cfg.AITimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Ollama client: %w", err)
		}
		return client, nil
	case "openai":
		return gai.NewGraphOpenAIClient(gai.NewGraphOpenAIClientParams{
			EmbeddingModel:     cfg.EmbeddingModel,
			ExtractionModel:    cfg.ExtractionModel,
			EmbeddingDimension: cfg.EmbeddingDimension,

			EmbeddingURL: cfg.AIBaseURL,
			EmbeddingKey: cfg.LLMAPIKey,
			ChatURL:      cfg.AIBaseURL,
			ChatKey:      cfg.LLMAPIKey,

			MaxConcurrentRequests: int64(cfg.AIMaxConcurrent),
			Timeout:               cfg.AITimeout,
		}), nil
	}
	return nil, fmt.Errorf("unknown ai provider %q", provider)
}

func newEmbedder(cfg *config.Config) (embed.Embedder, error) {
	if cfg.EmbeddingProvider == "zero" {
		z, err := embed.NewZero(cfg.EmbeddingDimension)
		if err != nil {
			return nil, err
		}
		return z, nil
	}
	client, err := NewAIClient(cfg, cfg.EmbeddingProvider)
	if err != nil {
		return nil, err
	}
	e, err := embed.NewAIEmbedder(client, cfg.EmbeddingDimension)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Source returns the configured document source. dir overrides the
// configured input folder when set.
func (a *App) Source(ctx context.Context, dir string) (source.Source, error) {
	cfg := a.Config
	switch cfg.Source {
	case "s3":
		client, err := source.NewS3Client(ctx, source.NewS3ClientParams{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			return nil, err
		}
		return source.NewS3(client, cfg.S3Bucket, cfg.S3Prefix, cfg.FileExtensions...), nil
	case "local":
		return a.Local(dir), nil
	}
	return nil, fmt.Errorf("unknown source %q", cfg.Source)
}

// Local returns the local folder source for dir, or the configured input
// folder when dir is empty.
func (a *App) Local(dir string) *source.Local {
	if dir == "" {
		dir = a.Config.InputFolder
	}
	return source.NewLocal(dir, a.Config.FileExtensions...)
}

// Stats reports node and edge counts when the store can be read back.
func (a *App) Stats(ctx context.Context) (store.Stats, error) {
	in, ok := a.Store.(store.Inspector)
	if !ok {
		return store.Stats{}, errors.New("graph store cannot report statistics")
	}
	return in.Stats(ctx)
}

// Close releases the backends opened by New in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
