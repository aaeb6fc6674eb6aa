// Package testutil provides deterministic fakes of the model, embedding and
// tokenizer capabilities for package tests.
package testutil

import (
	"context"
	"strings"
	"sync"
	"unicode"

	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/ai"
)

// WordTokenizer counts whitespace separated words as tokens.
type WordTokenizer struct{}

func (WordTokenizer) Count(text string) int {
	return len(strings.Fields(text))
}

func (WordTokenizer) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	words := strings.Fields(text)
	if len(words) <= maxTokens {
		return text
	}
	return strings.Join(words[:maxTokens], " ")
}

// SplitTokenizer is not additive: a run of non-space runes costs one token
// per two runes and a run of whitespace costs one, so joined texts can
// count less than their parts. Truncate keeps two runes per token
// regardless of spaces, so a cut can count more than its limit.
type SplitTokenizer struct{}

func (SplitTokenizer) Count(text string) int {
	n, run, space := 0, 0, false
	for _, r := range text {
		if unicode.IsSpace(r) {
			n += (run + 1) / 2
			run = 0
			if !space {
				n++
			}
			space = true
			continue
		}
		run++
		space = false
	}
	return n + (run+1)/2
}

func (SplitTokenizer) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= 2*maxTokens {
		return text
	}
	return string(runes[:2*maxTokens])
}

// Words returns tag repeated n times, separated by spaces.
func Words(tag string, n int) string {
	w := make([]string, n)
	for i := range w {
		w[i] = tag
	}
	return strings.Join(w, " ")
}

// Call is one recorded model request.
type Call struct {
	Messages []ai.ChatMessage
	Options  ai.GenerateOptions
}

// System returns the first system prompt of the call.
func (c Call) System() string {
	if len(c.Options.SystemPrompts) == 0 {
		return ""
	}
	return c.Options.SystemPrompts[0]
}

// ChatModel is a scripted ai.ChatModel. Respond decides the answer for
// every call; calls are recorded and the peak number of concurrent calls
// is tracked.
type ChatModel struct {
	Respond func(ctx context.Context, call Call) (string, error)

	mu          sync.Mutex
	calls       []Call
	inFlight    int
	maxInFlight int
}

func (m *ChatModel) GenerateChat(ctx context.Context, messages []ai.ChatMessage, opts ...ai.GenerateOption) (string, error) {
	call := Call{Messages: messages, Options: ai.ResolveOptions(ai.GenerateOptions{}, opts...)}

	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if m.Respond == nil {
		return "", nil
	}
	return m.Respond(ctx, call)
}

// Calls returns a copy of the recorded calls in arrival order.
func (m *ChatModel) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// MaxInFlight is the highest number of simultaneous calls observed.
func (m *ChatModel) MaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight
}

// Embedder maps known texts to fixed vectors. Unknown texts get Default.
type Embedder struct {
	Vectors map[string][]float32
	Default []float32
	Err     error

	mu     sync.Mutex
	inputs []string
}

func (e *Embedder) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	e.mu.Lock()
	e.inputs = append(e.inputs, string(input))
	e.mu.Unlock()

	if e.Err != nil {
		return nil, e.Err
	}
	if v, ok := e.Vectors[string(input)]; ok {
		return v, nil
	}
	return e.Default, nil
}

// Inputs returns every text that was embedded.
func (e *Embedder) Inputs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.inputs...)
}
