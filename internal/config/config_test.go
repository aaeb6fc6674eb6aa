package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("AI_ADAPTER", "ollama")
	t.Setenv("AI_CHAT_MODEL", "llama3")
	t.Setenv("AI_RETRY_DELAY", "250ms")
	t.Setenv("CORPUS_COMMUNITY_LEVEL", "-1")
	t.Setenv("GLOBAL_CONCURRENCY", "4")
	t.Setenv("GLOBAL_MAP_MAX_TOKENS", "500")
	t.Setenv("LOCAL_TEXT_UNIT_PROP", "0.4")
	t.Setenv("QUESTION_TEMPERATURE", "0.7")
	t.Setenv("GLOBAL_REDUCE_THINKING", "high")
	t.Setenv("GLOBAL_REDUCE_RESERVE", "10s")

	c := FromEnv()
	assert.Equal(t, AdapterOllama, c.AI.Adapter)
	assert.Equal(t, 250*time.Millisecond, c.AI.RetryDelay)
	assert.Equal(t, -1, c.Corpus.CommunityLevel)
	assert.Equal(t, 4, c.Global.Search.ConcurrentCoroutines)
	assert.Equal(t, 500, c.Global.Search.MapParams.MaxTokens)
	assert.Equal(t, "llama3", c.Global.Search.MapParams.Model)
	assert.Equal(t, 2000, c.Global.Search.ReduceParams.MaxTokens)
	assert.Equal(t, "high", c.Global.Search.ReduceParams.Thinking)
	assert.Empty(t, c.Global.Search.MapParams.Thinking)
	assert.Equal(t, 10*time.Second, c.Global.Search.ReduceReserve)
	assert.Equal(t, 0.4, c.Local.Context.TextUnitProp)
	assert.Equal(t, 0.7, c.Question.LLMParams.Temperature)

	require.NoError(t, c.Validate())
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		c := Default()
		c.AI.ChatKey = "key"
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"Defaults", func(*Config) {}, ""},
		{"UnknownAdapter", func(c *Config) { c.AI.Adapter = "bedrock" }, "Adapter"},
		{"MissingKey", func(c *Config) { c.AI.ChatKey = "" }, "AI_CHAT_KEY"},
		{"OllamaNeedsNoKey", func(c *Config) { c.AI.Adapter = AdapterOllama; c.AI.ChatKey = "" }, ""},
		{"S3WithoutBucket", func(c *Config) { c.Corpus.Source = SourceS3 }, "AWS_BUCKET"},
		{"PgvectorWithoutURL", func(c *Config) { c.VectorStore.Backend = VectorPgvector }, "DATABASE_URL"},
		{"ProportionsOverOne", func(c *Config) { c.Local.Context.TextUnitProp = 0.8; c.Local.Context.CommunityProp = 0.3 }, "PROP"},
		{"ZeroConcurrency", func(c *Config) { c.Global.Search.ConcurrentCoroutines = 0 }, "ConcurrentCoroutines"},
		{"LevelBelowAll", func(c *Config) { c.Corpus.CommunityLevel = -2 }, "CommunityLevel"},
		{"BadPort", func(c *Config) { c.Server.Port = "http" }, "Port"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := valid()
			tc.mutate(&c)
			err := c.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoad_RejectsInvalidEnvironment(t *testing.T) {
	t.Setenv("AI_ADAPTER", "openai")
	t.Setenv("AI_CHAT_KEY", "")
	_, err := Load()
	assert.Error(t, err)
}
