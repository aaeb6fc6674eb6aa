package openai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/ai"

	"github.com/openai/openai-go/v3"
)

func (c *GraphOpenAIClient) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	vecs, err := c.GenerateEmbeddings(ctx, [][]byte{input})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// GenerateEmbeddings embeds all inputs with one request and returns the
// vectors in input order. Blank inputs are not sent; they get a zero vector
// when a dimension is configured and are an error otherwise.
func (c *GraphOpenAIClient) GenerateEmbeddings(ctx context.Context, inputs [][]byte) ([][]float32, error) {
	out := make([][]float32, len(inputs))

	var texts []string
	var positions []int
	for i, in := range inputs {
		text := string(in)
		if strings.TrimSpace(text) != "" {
			texts = append(texts, text)
			positions = append(positions, i)
			continue
		}
		if c.embeddingDim <= 0 {
			return nil, fmt.Errorf("empty embedding input at index %d", i)
		}
		out[i] = make([]float32, c.embeddingDim)
	}
	if len(texts) == 0 {
		return out, nil
	}

	vecs, err := c.embedStrings(ctx, texts)
	if err != nil {
		return nil, err
	}
	for j, pos := range positions {
		out[pos] = vecs[j]
	}
	return out, nil
}

// embedStrings returns one vector per text. The API may answer out of
// order, so vectors are placed by their index field.
func (c *GraphOpenAIClient) embedStrings(ctx context.Context, texts []string) ([][]float32, error) {
	params := openai.EmbeddingNewParams{
		Model: c.embeddingModel,
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	}
	if c.embeddingDim > 0 {
		params.Dimensions = openai.Int(int64(c.embeddingDim))
	}

	start := time.Now()
	res, err := withRetry(ctx, c, "embedding", func(ctx context.Context) (*openai.CreateEmbeddingResponse, error) {
		return c.EmbeddingClient.Embeddings.New(ctx, params)
	})
	if err != nil {
		return nil, err
	}
	c.modifyMetrics(ai.ModelMetrics{
		InputTokens: int(res.Usage.PromptTokens),
		TotalTokens: int(res.Usage.TotalTokens),
		Requests:    1,
		DurationMs:  time.Since(start).Milliseconds(),
	})

	vecs := make([][]float32, len(texts))
	for _, d := range res.Data {
		if d.Index < 0 || int(d.Index) >= len(texts) {
			return nil, fmt.Errorf("embedding index %d out of range for %d inputs", d.Index, len(texts))
		}
		vecs[d.Index] = fitDimensions(d.Embedding, c.embeddingDim)
	}
	for i, v := range vecs {
		if v == nil {
			return nil, fmt.Errorf("embedding response has no vector for input %d", i)
		}
	}
	return vecs, nil
}

// fitDimensions converts to float32 and cuts or zero pads to dim. A dim of
// zero keeps the model's native size.
func fitDimensions(v []float64, dim int) []float32 {
	if dim <= 0 {
		dim = len(v)
	}
	vec := make([]float32, dim)
	for i := range min(dim, len(v)) {
		vec[i] = float32(v[i])
	}
	return vec
}
