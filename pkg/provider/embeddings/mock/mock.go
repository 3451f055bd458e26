// Package mock provides a test double for the embeddings.Provider interface.
//
// Vectors can be scripted per input text, so tests control exactly which
// messages look similar to each other:
//
//	p := &mock.Provider{
//	    Vectors: map[string][]float32{
//	        "I love cats":     {1, 0},
//	        "Cats are great":  {0.9, 0.1},
//	        "What about tax?": {0, 1},
//	    },
//	    DimensionsValue: 2,
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/lumi/pkg/provider/embeddings"
)

// EmbedCall records a single invocation of Embed.
type EmbedCall struct {
	// Ctx is the context passed to Embed.
	Ctx context.Context
	// Text is the string passed to Embed.
	Text string
}

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Vectors maps input texts to the vector returned for them.
	Vectors map[string][]float32

	// EmbedResult is returned for texts not present in Vectors.
	EmbedResult []float32

	// EmbedErr, if non-nil, is returned as the error from Embed and EmbedBatch.
	EmbedErr error

	// DimensionsValue is returned by Dimensions.
	DimensionsValue int

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	// --- Call records ---

	// EmbedCalls records every call to Embed in order. EmbedBatch records one
	// entry per input text.
	EmbedCalls []EmbedCall
}

// Embed records the call and returns the scripted vector for text.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = append(p.EmbedCalls, EmbedCall{Ctx: ctx, Text: text})
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	return p.lookup(text), nil
}

// EmbedBatch records the call and returns one scripted vector per text.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range texts {
		p.EmbedCalls = append(p.EmbedCalls, EmbedCall{Ctx: ctx, Text: t})
	}
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.lookup(t)
	}
	return out, nil
}

func (p *Provider) lookup(text string) []float32 {
	v, ok := p.Vectors[text]
	if !ok {
		v = p.EmbedResult
	}
	return append([]float32(nil), v...)
}

// Dimensions returns DimensionsValue.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.DimensionsValue
}

// ModelID returns ModelIDValue.
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelIDValue
}

// Texts returns the embedded texts in call order. Thread-safe.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.EmbedCalls))
	for i, c := range p.EmbedCalls {
		out[i] = c.Text
	}
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = nil
}

// Ensure Provider implements embeddings.Provider at compile time.
var _ embeddings.Provider = (*Provider)(nil)
