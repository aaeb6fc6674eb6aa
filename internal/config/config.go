// Package config assembles the process configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kiwi/graphquery/internal/util"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/corpus"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/query"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/query/global"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/query/local"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/query/question"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/tokenizer"

	"github.com/go-playground/validator"
)

const (
	AdapterOpenAI = "openai"
	AdapterOllama = "ollama"

	SourceDir = "dir"
	SourceS3  = "s3"

	VectorMemory   = "memory"
	VectorPgvector = "pgvector"
)

type AIConfig struct {
	Adapter             string `validate:"required,oneof=openai ollama"`
	ChatModel           string `validate:"required"`
	EmbeddingModel      string `validate:"required"`
	EmbeddingDimensions int    `validate:"gte=0"`
	ChatURL             string
	ChatKey             string
	EmbeddingURL        string
	EmbeddingKey        string
	Encoding            string `validate:"required"`

	MaxRetries            int `validate:"gte=1"`
	RetryDelay            time.Duration
	Timeout               time.Duration `validate:"gt=0"`
	MaxConcurrentRequests int64         `validate:"gte=1"`
}

type CorpusConfig struct {
	Source         string `validate:"required,oneof=dir s3"`
	Dir            string
	Bucket         string
	Prefix         string
	CommunityLevel int `validate:"gte=-1"`
	SkipClaims     bool

	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
}

type VectorStoreConfig struct {
	Backend     string `validate:"required,oneof=memory pgvector"`
	DatabaseURL string
	Table       string `validate:"required"`
	// Sync upserts snapshot embeddings into pgvector at startup.
	Sync bool
}

type GlobalConfig struct {
	Context global.ContextConfig
	Search  global.SearchConfig
	// Seed fixes the report shuffle; 0 draws a random seed.
	Seed uint64
}

type LocalConfig struct {
	Context local.ContextConfig
	Search  local.SearchConfig
}

type ServerConfig struct {
	Port         string        `validate:"required,numeric"`
	QueryTimeout time.Duration `validate:"gt=0"`
	// AuthURL serves the JWKS used to verify bearer tokens. Without it and
	// without APIKey the API is unauthenticated.
	AuthURL string
	APIKey  string
}

type QueueConfig struct {
	URL        string
	Queue      string `validate:"required"`
	MaxRetries int    `validate:"gte=0"`
	Prefetch   int    `validate:"gte=1"`
}

// Config is built once in main and handed to constructors.
type Config struct {
	Debug       bool
	AI          AIConfig
	Corpus      CorpusConfig
	VectorStore VectorStoreConfig
	Global      GlobalConfig
	Local       LocalConfig
	Question    question.Config
	Server      ServerConfig
	Queue       QueueConfig
}

// Default returns the configuration used when no variable is set.
func Default() Config {
	return Config{
		AI: AIConfig{
			Adapter:               AdapterOpenAI,
			ChatModel:             "gpt-4o-mini",
			EmbeddingModel:        "text-embedding-3-small",
			Encoding:              tokenizer.DefaultEncoding,
			MaxRetries:            3,
			RetryDelay:            time.Second,
			Timeout:               2 * time.Minute,
			MaxConcurrentRequests: 10,
		},
		Corpus: CorpusConfig{
			Source:         SourceDir,
			Dir:            "./output",
			CommunityLevel: 2,
		},
		VectorStore: VectorStoreConfig{
			Backend: VectorMemory,
			Table:   "entity_embeddings",
		},
		Global: GlobalConfig{
			Context: global.DefaultContextConfig(),
			Search:  global.DefaultSearchConfig(),
		},
		Local: LocalConfig{
			Context: local.DefaultContextConfig(),
			Search:  local.DefaultSearchConfig(),
		},
		Question: question.DefaultConfig(),
		Server: ServerConfig{
			Port:         "8080",
			QueryTimeout: 5 * time.Minute,
		},
		Queue: QueueConfig{
			Queue:      "query_queue",
			MaxRetries: 3,
			Prefetch:   1,
		},
	}
}

// Load reads .env (when present) and the process environment on top of
// Default and validates the result.
func Load() (*Config, error) {
	util.LoadEnv()
	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromEnv applies environment overrides to Default without validating.
func FromEnv() Config {
	c := Default()

	c.Debug = util.GetEnvBool("DEBUG", false)

	c.AI.Adapter = util.GetEnvString("AI_ADAPTER", c.AI.Adapter)
	c.AI.ChatModel = util.GetEnvString("AI_CHAT_MODEL", c.AI.ChatModel)
	c.AI.EmbeddingModel = util.GetEnvString("AI_EMBED_MODEL", c.AI.EmbeddingModel)
	c.AI.EmbeddingDimensions = util.GetEnvInt("AI_EMBED_DIM", c.AI.EmbeddingDimensions)
	c.AI.ChatURL = util.GetEnv("AI_CHAT_URL")
	c.AI.ChatKey = util.GetEnv("AI_CHAT_KEY")
	c.AI.EmbeddingURL = util.GetEnv("AI_EMBED_URL")
	c.AI.EmbeddingKey = util.GetEnv("AI_EMBED_KEY")
	c.AI.Encoding = util.GetEnvString("AI_TOKEN_ENCODING", c.AI.Encoding)
	c.AI.MaxRetries = util.GetEnvInt("AI_MAX_RETRIES", c.AI.MaxRetries)
	c.AI.RetryDelay = util.GetEnvDuration("AI_RETRY_DELAY", c.AI.RetryDelay)
	c.AI.Timeout = util.GetEnvDuration("AI_TIMEOUT", c.AI.Timeout)
	c.AI.MaxConcurrentRequests = int64(util.GetEnvInt("AI_PARALLEL_REQ", int(c.AI.MaxConcurrentRequests)))

	c.Corpus.Source = util.GetEnvString("CORPUS_SOURCE", c.Corpus.Source)
	c.Corpus.Dir = util.GetEnvString("CORPUS_DIR", c.Corpus.Dir)
	c.Corpus.Bucket = util.GetEnv("AWS_BUCKET")
	c.Corpus.Prefix = util.GetEnv("CORPUS_PREFIX")
	c.Corpus.CommunityLevel = util.GetEnvInt("CORPUS_COMMUNITY_LEVEL", c.Corpus.CommunityLevel)
	c.Corpus.SkipClaims = util.GetEnvBool("CORPUS_SKIP_CLAIMS", c.Corpus.SkipClaims)
	c.Corpus.S3Region = util.GetEnv("AWS_REGION")
	c.Corpus.S3Endpoint = util.GetEnv("AWS_ENDPOINT")
	c.Corpus.S3AccessKey = util.GetEnv("AWS_ACCESS_KEY")
	c.Corpus.S3SecretKey = util.GetEnv("AWS_SECRET_KEY")

	c.VectorStore.Backend = util.GetEnvString("VECTOR_STORE", c.VectorStore.Backend)
	c.VectorStore.DatabaseURL = util.GetEnv("DATABASE_URL")
	c.VectorStore.Table = util.GetEnvString("VECTOR_TABLE", c.VectorStore.Table)
	c.VectorStore.Sync = util.GetEnvBool("VECTOR_SYNC", c.VectorStore.Sync)

	g := &c.Global
	g.Context.MaxTokens = util.GetEnvInt("GLOBAL_MAX_CONTEXT_TOKENS", g.Context.MaxTokens)
	g.Context.ShuffleData = util.GetEnvBool("GLOBAL_SHUFFLE_DATA", g.Context.ShuffleData)
	g.Context.UseCommunitySummary = util.GetEnvBool("GLOBAL_USE_SUMMARY", g.Context.UseCommunitySummary)
	g.Context.MinCommunityRank = util.GetEnvNumeric("GLOBAL_MIN_COMMUNITY_RANK", g.Context.MinCommunityRank)
	g.Seed = uint64(util.GetEnvInt("GLOBAL_SHUFFLE_SEED", 0))
	g.Search.MaxDataTokens = util.GetEnvInt("GLOBAL_MAX_DATA_TOKENS", g.Search.MaxDataTokens)
	g.Search.MapParams = llmParams("GLOBAL_MAP", c.AI.ChatModel, g.Search.MapParams)
	g.Search.ReduceParams = llmParams("GLOBAL_REDUCE", c.AI.ChatModel, g.Search.ReduceParams)
	g.Search.AllowGeneralKnowledge = util.GetEnvBool("GLOBAL_ALLOW_GENERAL_KNOWLEDGE", g.Search.AllowGeneralKnowledge)
	g.Search.JSONMode = util.GetEnvBool("GLOBAL_JSON_MODE", g.Search.JSONMode)
	g.Search.ConcurrentCoroutines = util.GetEnvInt("GLOBAL_CONCURRENCY", g.Search.ConcurrentCoroutines)
	g.Search.ResponseType = util.GetEnvString("GLOBAL_RESPONSE_TYPE", g.Search.ResponseType)
	g.Search.MapTimeout = util.GetEnvDuration("GLOBAL_MAP_TIMEOUT", g.Search.MapTimeout)
	g.Search.ReduceReserve = util.GetEnvDuration("GLOBAL_REDUCE_RESERVE", g.Search.ReduceReserve)

	l := &c.Local
	l.Context.MaxTokens = util.GetEnvInt("LOCAL_MAX_TOKENS", l.Context.MaxTokens)
	l.Context.TextUnitProp = util.GetEnvNumeric("LOCAL_TEXT_UNIT_PROP", l.Context.TextUnitProp)
	l.Context.CommunityProp = util.GetEnvNumeric("LOCAL_COMMUNITY_PROP", l.Context.CommunityProp)
	l.Context.TopKMappedEntities = util.GetEnvInt("LOCAL_TOP_K_ENTITIES", l.Context.TopKMappedEntities)
	l.Context.TopKRelationships = util.GetEnvInt("LOCAL_TOP_K_RELATIONSHIPS", l.Context.TopKRelationships)
	l.Context.IncludeClaims = util.GetEnvBool("LOCAL_INCLUDE_CLAIMS", l.Context.IncludeClaims)
	l.Search.LLMParams = llmParams("LOCAL", c.AI.ChatModel, l.Search.LLMParams)
	l.Search.ResponseType = util.GetEnvString("LOCAL_RESPONSE_TYPE", l.Search.ResponseType)
	l.Search.AllowGeneralKnowledge = util.GetEnvBool("LOCAL_ALLOW_GENERAL_KNOWLEDGE", l.Search.AllowGeneralKnowledge)

	c.Question.LLMParams = llmParams("QUESTION", c.AI.ChatModel, c.Question.LLMParams)

	c.Server.Port = util.GetEnvString("PORT", c.Server.Port)
	c.Server.QueryTimeout = util.GetEnvDuration("QUERY_TIMEOUT", c.Server.QueryTimeout)
	c.Server.AuthURL = util.GetEnv("AUTH_URL")
	c.Server.APIKey = util.GetEnv("MASTER_API_KEY")

	c.Queue.URL = util.GetEnv("RABBITMQ_URL")
	c.Queue.Queue = util.GetEnvString("QUERY_QUEUE", c.Queue.Queue)
	c.Queue.MaxRetries = util.GetEnvInt("QUEUE_MAX_RETRIES", c.Queue.MaxRetries)
	c.Queue.Prefetch = util.GetEnvInt("QUEUE_PREFETCH", c.Queue.Prefetch)

	return c
}

func llmParams(prefix, model string, p query.LLMParams) query.LLMParams {
	p.Model = util.GetEnvString(prefix+"_MODEL", model)
	p.Temperature = util.GetEnvNumeric(prefix+"_TEMPERATURE", p.Temperature)
	p.MaxTokens = util.GetEnvInt(prefix+"_MAX_TOKENS", p.MaxTokens)
	p.Thinking = util.GetEnvString(prefix+"_THINKING", p.Thinking)
	return p
}

// Validate checks struct tags and the rules that span several fields.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	switch {
	case c.AI.Adapter == AdapterOpenAI && c.AI.ChatKey == "":
		return fmt.Errorf("invalid config: AI_CHAT_KEY is required for the openai adapter")
	case c.Corpus.Source == SourceDir && c.Corpus.Dir == "":
		return fmt.Errorf("invalid config: CORPUS_DIR is required for the dir source")
	case c.Corpus.Source == SourceS3 && c.Corpus.Bucket == "":
		return fmt.Errorf("invalid config: AWS_BUCKET is required for the s3 source")
	case c.VectorStore.Backend == VectorPgvector && c.VectorStore.DatabaseURL == "":
		return fmt.Errorf("invalid config: DATABASE_URL is required for the pgvector store")
	case c.Local.Context.TextUnitProp+c.Local.Context.CommunityProp > 1:
		return fmt.Errorf("invalid config: LOCAL_TEXT_UNIT_PROP + LOCAL_COMMUNITY_PROP must not exceed 1")
	}
	return nil
}

// LoadOptions maps the corpus section onto corpus.LoadOptions.
func (c CorpusConfig) LoadOptions() corpus.LoadOptions {
	return corpus.LoadOptions{CommunityLevel: c.CommunityLevel, SkipClaims: c.SkipClaims}
}
