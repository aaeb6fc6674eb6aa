package openai

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/OFFIS-RIT/kiwi/graphquery/internal/util"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/ai"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/sync/semaphore"
)

// GraphOpenAIClient talks to an OpenAI compatible API for chat completions
// and embeddings. It retries failed requests itself and reports exhausted
// retries as *ai.RetriesExhaustedError.
//
// A GraphOpenAIClient should be created using NewGraphOpenAIClient.
type GraphOpenAIClient struct {
	chatModel      string
	embeddingModel string
	embeddingDim   int
	chatURL        string

	backoff util.Backoff
	timeout time.Duration
	reqLock *semaphore.Weighted

	metricsLock sync.Mutex
	metrics     ai.ModelMetrics

	ChatClient      *openai.Client
	EmbeddingClient *openai.Client
}

var _ ai.GraphAIClient = (*GraphOpenAIClient)(nil)

// NewGraphOpenAIClientParams defines the configuration parameters for
// creating a new GraphOpenAIClient.
//
// ChatURL and EmbeddingURL may be empty to use the public OpenAI endpoint.
// MaxRetries counts attempts, so 1 disables retrying.
type NewGraphOpenAIClientParams struct {
	ChatModel           string
	EmbeddingModel      string
	EmbeddingDimensions int

	ChatURL      string
	ChatKey      string
	EmbeddingURL string
	EmbeddingKey string

	MaxRetries            int
	RetryDelay            time.Duration
	Timeout               time.Duration
	MaxConcurrentRequests int64
}

// NewGraphOpenAIClient creates a client from params. The embedding endpoint
// falls back to the chat endpoint when no key is given for it.
//
// Example:
//
//	client, err := openai.NewGraphOpenAIClient(openai.NewGraphOpenAIClientParams{
//		ChatModel:      "gpt-4o-mini",
//		EmbeddingModel: "text-embedding-3-small",
//		ChatKey:        os.Getenv("OPENAI_API_KEY"),
//	})
func NewGraphOpenAIClient(params NewGraphOpenAIClientParams) (*GraphOpenAIClient, error) {
	if params.ChatKey == "" {
		return nil, fmt.Errorf("openai: chat api key is required")
	}
	if params.EmbeddingKey == "" {
		params.EmbeddingKey = params.ChatKey
		if params.EmbeddingURL == "" {
			params.EmbeddingURL = params.ChatURL
		}
	}
	if params.MaxConcurrentRequests <= 0 {
		params.MaxConcurrentRequests = 10
	}
	if params.Timeout <= 0 {
		params.Timeout = 2 * time.Minute
	}

	return &GraphOpenAIClient{
		chatModel:      params.ChatModel,
		embeddingModel: params.EmbeddingModel,
		embeddingDim:   params.EmbeddingDimensions,
		chatURL:        params.ChatURL,

		backoff: util.Backoff{
			MaxTries: params.MaxRetries,
			Initial:  params.RetryDelay,
			Max:      30 * time.Second,
		},
		timeout: params.Timeout,
		reqLock: semaphore.NewWeighted(params.MaxConcurrentRequests),

		ChatClient:      newOpenaiClient(params.ChatURL, params.ChatKey),
		EmbeddingClient: newOpenaiClient(params.EmbeddingURL, params.EmbeddingKey),
	}, nil
}

func newOpenaiClient(
	baseURL string,
	apiKey string,
) *openai.Client {
	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// retries are handled by withRetry
		option.WithMaxRetries(0),
	}

	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	client := openai.NewClient(options...)

	return &client
}

// withRetry runs fn under the request semaphore with a per attempt timeout
// and the client's backoff policy.
func withRetry[T any](
	ctx context.Context,
	c *GraphOpenAIClient,
	op string,
	fn func(ctx context.Context) (T, error),
) (T, error) {
	res, attempts, err := util.RetryWithBackoff(ctx, c.backoff, func(ctx context.Context) (T, error) {
		var zero T
		rCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		if err := c.reqLock.Acquire(rCtx, 1); err != nil {
			if ctx.Err() != nil {
				return zero, ctx.Err()
			}
			return zero, fmt.Errorf("no request slot within %s", c.timeout)
		}
		defer c.reqLock.Release(1)

		out, err := fn(rCtx)
		if err != nil && ctx.Err() == nil && rCtx.Err() != nil {
			// an attempt timeout is retryable, unlike caller cancellation
			return zero, fmt.Errorf("request timed out after %s", c.timeout)
		}
		return out, err
	})
	if err != nil && ctx.Err() == nil {
		return res, &ai.RetriesExhaustedError{Op: op, Attempts: attempts, Err: err}
	}
	return res, err
}
