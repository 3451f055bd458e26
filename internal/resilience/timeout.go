package resilience

import (
	"context"
	"time"

	"github.com/MrWong99/lumi/pkg/provider/embeddings"
	"github.com/MrWong99/lumi/pkg/provider/llm"
)

// LLMWithTimeout bounds every Complete call of p by d. A non-positive d
// returns p unchanged.
func LLMWithTimeout(p llm.Provider, d time.Duration) llm.Provider {
	if d <= 0 {
		return p
	}
	return &timeoutLLM{Provider: p, timeout: d}
}

type timeoutLLM struct {
	llm.Provider
	timeout time.Duration
}

func (t *timeoutLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.Provider.Complete(ctx, req)
}

// EmbeddingsWithTimeout bounds every Embed and EmbedBatch call of p by d. A
// non-positive d returns p unchanged.
func EmbeddingsWithTimeout(p embeddings.Provider, d time.Duration) embeddings.Provider {
	if d <= 0 {
		return p
	}
	return &timeoutEmbeddings{Provider: p, timeout: d}
}

type timeoutEmbeddings struct {
	embeddings.Provider
	timeout time.Duration
}

func (t *timeoutEmbeddings) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.Provider.Embed(ctx, text)
}

func (t *timeoutEmbeddings) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.Provider.EmbedBatch(ctx, texts)
}
