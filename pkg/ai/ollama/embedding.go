package ollama

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/ai"

	"github.com/ollama/ollama/api"
)

// GenerateEmbedding creates a vector embedding for the given input text
// using the configured embedding model on Ollama.
//
// Blank input yields a zero vector when a dimension is configured. A
// configured dimension also cuts or pads the model output.
func (c *GraphOllamaClient) GenerateEmbedding(
	ctx context.Context,
	input []byte,
) ([]float32, error) {
	if strings.TrimSpace(string(input)) == "" {
		if c.embeddingDim <= 0 {
			return nil, fmt.Errorf("empty embedding input")
		}
		return make([]float32, c.embeddingDim), nil
	}

	req := &api.EmbedRequest{
		Model: c.embeddingModel,
		Input: string(input),
	}

	start := time.Now()
	var res *api.EmbedResponse
	err := c.withRetry(ctx, "embedding", func(ctx context.Context) error {
		var err error
		res, err = c.Client.Embed(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(res.Embeddings) == 0 {
		return nil, fmt.Errorf("no embedding in response from model")
	}

	c.modifyMetrics(ai.ModelMetrics{
		InputTokens: res.PromptEvalCount,
		TotalTokens: res.PromptEvalCount,
		Requests:    1,
		DurationMs:  time.Since(start).Milliseconds(),
	})

	vec := res.Embeddings[0]
	dim := c.embeddingDim
	if dim <= 0 {
		dim = len(vec)
	}
	out := make([]float32, dim)
	for i := 0; i < dim && i < len(vec); i++ {
		out[i] = float32(vec[i])
	}
	return out, nil
}
