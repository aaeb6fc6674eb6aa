package engine

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/OFFIS-RIT/kiwi/graphquery/internal/config"
	"github.com/OFFIS-RIT/kiwi/graphquery/internal/migrations"
	"github.com/OFFIS-RIT/kiwi/graphquery/internal/storage"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/ai"
	oai "github.com/OFFIS-RIT/kiwi/graphquery/pkg/ai/ollama"
	gai "github.com/OFFIS-RIT/kiwi/graphquery/pkg/ai/openai"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/corpus"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/leaselock"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/query"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/query/global"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/query/local"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/query/question"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/tokenizer"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/vectorstore"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/vectorstore/memory"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/vectorstore/pgvector"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Runtime owns everything a front-end needs to answer queries.
type Runtime struct {
	Engines  *Engines
	Model    ai.GraphAIClient
	Snapshot *corpus.Snapshot

	closers []func()
}

// Close releases database pools and other resources in reverse order.
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

// Build loads the corpus and wires model client, vector store, context
// builders and engines as cfg describes.
func Build(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	tok, err := tokenizer.NewTiktoken(cfg.AI.Encoding)
	if err != nil {
		return nil, err
	}

	model, err := NewModelClient(cfg.AI, tok)
	if err != nil {
		return nil, err
	}

	src, err := NewTableSource(ctx, cfg.Corpus)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	snap, err := corpus.Load(ctx, src, cfg.Corpus.LoadOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to load corpus: %w", err)
	}
	logger.Info("[Engine] Corpus loaded",
		"entities", len(snap.Entities()),
		"relationships", len(snap.Relationships()),
		"reports", len(snap.Reports()),
		"text_units", len(snap.TextUnits()),
		"claims", len(snap.Claims()),
		"level", snap.Level(),
		"duration", time.Since(start),
	)

	rt := &Runtime{Model: model, Snapshot: snap}

	store, err := rt.vectorStore(ctx, cfg.VectorStore, snap)
	if err != nil {
		rt.Close()
		return nil, err
	}

	globalOpts := []global.ContextOption{global.WithContextTracer(query.LogTracer{})}
	if cfg.Global.Seed != 0 {
		globalOpts = append(globalOpts, global.WithRand(rand.New(rand.NewPCG(cfg.Global.Seed, cfg.Global.Seed))))
	}
	globalCtx, err := global.NewCommunityContext(snap, tok, cfg.Global.Context, globalOpts...)
	if err != nil {
		rt.Close()
		return nil, err
	}
	localCtx, err := local.NewMixedContext(snap, model, store, tok, cfg.Local.Context,
		local.WithContextTracer(query.LogTracer{}))
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.Engines = &Engines{
		Global:    global.NewSearch(model, globalCtx, tok, cfg.Global.Search, global.WithTracer(query.LogTracer{})),
		Local:     local.NewSearch(model, localCtx, tok, cfg.Local.Search),
		Questions: question.NewGenerator(model, localCtx, tok, cfg.Question),
	}
	return rt, nil
}

// NewModelClient creates the chat and embedding client named by the
// adapter setting.
func NewModelClient(cfg config.AIConfig, tok tokenizer.Tokenizer) (ai.GraphAIClient, error) {
	switch cfg.Adapter {
	case config.AdapterOllama:
		client, err := oai.NewGraphOllamaClient(oai.NewGraphOllamaClientParams{
			ChatModel:           cfg.ChatModel,
			EmbeddingModel:      cfg.EmbeddingModel,
			EmbeddingDimensions: cfg.EmbeddingDimensions,

			BaseURL: cfg.ChatURL,
			ApiKey:  cfg.ChatKey,

			Tokenizer: tok,

			MaxRetries:            cfg.MaxRetries,
			RetryDelay:            cfg.RetryDelay,
			Timeout:               cfg.Timeout,
			MaxConcurrentRequests: cfg.MaxConcurrentRequests,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Ollama client: %w", err)
		}
		return client, nil
	default:
		client, err := gai.NewGraphOpenAIClient(gai.NewGraphOpenAIClientParams{
			ChatModel:           cfg.ChatModel,
			EmbeddingModel:      cfg.EmbeddingModel,
			EmbeddingDimensions: cfg.EmbeddingDimensions,

			ChatURL:      cfg.ChatURL,
			ChatKey:      cfg.ChatKey,
			EmbeddingURL: cfg.EmbeddingURL,
			EmbeddingKey: cfg.EmbeddingKey,

			MaxRetries:            cfg.MaxRetries,
			RetryDelay:            cfg.RetryDelay,
			Timeout:               cfg.Timeout,
			MaxConcurrentRequests: cfg.MaxConcurrentRequests,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI client: %w", err)
		}
		return client, nil
	}
}

// NewTableSource returns the corpus table source named by the source setting.
func NewTableSource(ctx context.Context, cfg config.CorpusConfig) (corpus.TableSource, error) {
	if cfg.Source != config.SourceS3 {
		return corpus.DirSource{Dir: cfg.Dir}, nil
	}
	client, err := storage.NewS3Client(ctx, storage.S3Params{
		Region:    cfg.S3Region,
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
	})
	if err != nil {
		return nil, err
	}
	return storage.NewS3Source(client, cfg.Bucket, cfg.Prefix), nil
}

func (r *Runtime) vectorStore(ctx context.Context, cfg config.VectorStoreConfig, snap *corpus.Snapshot) (vectorstore.Store, error) {
	if cfg.Backend != config.VectorPgvector {
		idx, err := memory.FromEntities(snap.Entities())
		if err != nil {
			return nil, fmt.Errorf("failed to index entity embeddings: %w", err)
		}
		logger.Info("[Engine] In-memory vector index ready", "vectors", idx.Len())
		return idx, nil
	}

	// the vector type must exist before pooled connections register it
	if err := migrations.Up(cfg.DatabaseURL); err != nil {
		return nil, err
	}

	pgCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	pgCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pgCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	r.closers = append(r.closers, pool.Close)

	store := pgvector.New(pool, pgvector.WithTable(cfg.Table))
	if cfg.Sync {
		if err := store.Sync(ctx, leaselock.New(pool), snap.Entities()); err != nil {
			return nil, fmt.Errorf("failed to sync entity embeddings: %w", err)
		}
	}
	return store, nil
}
