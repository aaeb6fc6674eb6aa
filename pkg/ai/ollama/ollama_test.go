package ollama

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/OFFIS-RIT/kiwi/graphquery/internal/testutil"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/ai"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, retries int) *GraphOllamaClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewGraphOllamaClient(NewGraphOllamaClientParams{
		ChatModel:           "llama",
		EmbeddingModel:      "nomic",
		EmbeddingDimensions: 2,
		BaseURL:             srv.URL,
		Tokenizer:           testutil.WordTokenizer{},
		MaxRetries:          retries,
		RetryDelay:          time.Millisecond,
		Timeout:             5 * time.Second,
	})
	require.NoError(t, err)
	return c
}

func TestGenerateChat(t *testing.T) {
	var calls atomic.Int32
	var req map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		if calls.Add(1) == 1 {
			http.Error(w, `{"error":"model is loading"}`, http.StatusServiceUnavailable)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &req)
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = io.WriteString(w, `{"model":"llama","message":{"role":"assistant","content":"hi there"},"done":true,"prompt_eval_count":3,"eval_count":2}`+"\n")
	}, 2)

	out, err := c.GenerateChat(context.Background(),
		[]ai.ChatMessage{{Role: ai.RoleUser, Message: "hello"}},
		ai.WithSystemPrompts("be brief"),
		ai.WithMaxTokens(50),
		ai.WithResponseSchema("points", ai.GenerateSchema(struct {
			Points []string `json:"points"`
		}{})),
	)
	require.NoError(t, err)
	assert.Equal(t, "hi there", out)
	assert.EqualValues(t, 2, calls.Load())

	opts := req["options"].(map[string]any)
	assert.EqualValues(t, 50, opts["num_predict"])
	assert.NotContains(t, opts, "num_ctx")
	format := req["format"].(map[string]any)
	assert.Equal(t, "object", format["type"])

	m := c.GetMetrics()
	assert.Equal(t, 5, m.TotalTokens)
	assert.Equal(t, 1, m.Requests)
}

func TestGenerateChat_RetriesExhausted(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
	}, 2)

	_, err := c.GenerateChat(context.Background(), []ai.ChatMessage{{Role: ai.RoleUser, Message: "hello"}})
	require.Error(t, err)
	assert.True(t, ai.IsRetriesExhausted(err))
}

func TestChatRequest_ContextWindow(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {}, 1)

	req, err := c.chatRequest(
		[]ai.ChatMessage{{Message: testutil.Words("w", 5000)}},
		ai.GenerateOptions{Model: "llama", MaxTokens: 100, ResponseFormat: ai.ResponseFormatJSON, Thinking: "high"},
	)
	require.NoError(t, err)
	require.NotNil(t, req.Think)
	assert.Equal(t, "high", req.Think.Value)
	assert.Equal(t, 5300, req.Options["num_ctx"])
	assert.Equal(t, ai.RoleUser, req.Messages[0].Role)
	assert.JSONEq(t, `"json"`, string(req.Format))
}

func TestGenerateEmbedding(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"model":"nomic","embeddings":[[0.5,0.25,1]],"prompt_eval_count":1}`)
	}, 1)

	vec, err := c.GenerateEmbedding(context.Background(), []byte("alice"))
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.25}, vec)

	zero, err := c.GenerateEmbedding(context.Background(), []byte("  "))
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0}, zero)
}
