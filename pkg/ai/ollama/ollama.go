package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/OFFIS-RIT/kiwi/graphquery/internal/util"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/tokenizer"

	"github.com/ollama/ollama/api"
	"golang.org/x/sync/semaphore"
)

// GraphOllamaClient implements ai.GraphAIClient on top of a local or
// remote Ollama server.
type GraphOllamaClient struct {
	chatModel      string
	embeddingModel string
	embeddingDim   int

	tok     tokenizer.Tokenizer
	backoff util.Backoff
	timeout time.Duration
	reqLock *semaphore.Weighted

	metricsLock sync.Mutex
	metrics     ai.ModelMetrics

	Client *api.Client
}

var _ ai.GraphAIClient = (*GraphOllamaClient)(nil)

// NewGraphOllamaClientParams contains configuration options for creating a new GraphOllamaClient.
type NewGraphOllamaClientParams struct {
	ChatModel           string
	EmbeddingModel      string
	EmbeddingDimensions int

	BaseURL string
	ApiKey  string

	// Tokenizer sizes the context window of each request.
	Tokenizer tokenizer.Tokenizer

	MaxRetries            int
	RetryDelay            time.Duration
	Timeout               time.Duration
	MaxConcurrentRequests int64
}

type headerTransport struct {
	headers map[string]string
	rt      http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// clone so original request isn't modified
	r := req.Clone(req.Context())
	for k, v := range t.headers {
		// don't overwrite if already set
		if r.Header.Get(k) == "" {
			r.Header.Set(k, v)
		}
	}
	return t.rt.RoundTrip(r)
}

// NewGraphOllamaClient creates a new Ollama-based AI client with the specified configuration.
// It connects to the Ollama server at the given BaseURL (or the default if empty).
func NewGraphOllamaClient(
	params NewGraphOllamaClientParams,
) (*GraphOllamaClient, error) {
	if params.Tokenizer == nil {
		return nil, fmt.Errorf("ollama: tokenizer is required")
	}

	u, err := url.Parse("http://127.0.0.1:11434")
	if err != nil {
		return nil, err
	}
	if params.BaseURL != "" {
		u, err = url.Parse(params.BaseURL)
		if err != nil {
			return nil, err
		}
	}

	headers := map[string]string{}
	if params.ApiKey != "" {
		headers["Authorization"] = "Bearer " + params.ApiKey
	}
	httpClient := &http.Client{
		Transport: &headerTransport{
			headers: headers,
			rt:      http.DefaultTransport,
		},
	}

	if params.MaxConcurrentRequests <= 0 {
		params.MaxConcurrentRequests = 4
	}
	if params.Timeout <= 0 {
		params.Timeout = 5 * time.Minute
	}

	return &GraphOllamaClient{
		chatModel:      params.ChatModel,
		embeddingModel: params.EmbeddingModel,
		embeddingDim:   params.EmbeddingDimensions,

		tok: params.Tokenizer,
		backoff: util.Backoff{
			MaxTries: params.MaxRetries,
			Initial:  params.RetryDelay,
			Max:      30 * time.Second,
		},
		timeout: params.Timeout,
		reqLock: semaphore.NewWeighted(params.MaxConcurrentRequests),

		Client: api.NewClient(u, httpClient),
	}, nil
}

func (c *GraphOllamaClient) withRetry(
	ctx context.Context,
	op string,
	fn func(ctx context.Context) error,
) error {
	_, attempts, err := util.RetryWithBackoff(ctx, c.backoff, func(ctx context.Context) (struct{}, error) {
		rCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		if err := c.reqLock.Acquire(rCtx, 1); err != nil {
			if ctx.Err() != nil {
				return struct{}{}, ctx.Err()
			}
			return struct{}{}, fmt.Errorf("no request slot within %s", c.timeout)
		}
		defer c.reqLock.Release(1)

		err := fn(rCtx)
		if err != nil && ctx.Err() == nil && rCtx.Err() != nil {
			return struct{}{}, fmt.Errorf("request timed out after %s", c.timeout)
		}
		return struct{}{}, err
	})
	if err != nil && ctx.Err() == nil {
		return &ai.RetriesExhaustedError{Op: op, Attempts: attempts, Err: err}
	}
	return err
}
