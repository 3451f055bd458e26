// Package completion implements the gateway between the conversation core and
// a completion model.
//
// A [Gateway] turns an ordered list of domain messages plus a set of function
// declarations into a single provider call, and turns the provider's answer
// back into either a natural-language reply or a validated [types.FunctionCall].
// It is also where messages and summaries get their embeddings attached.
//
// The gateway is stateless and safe for concurrent use.
package completion

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/MrWong99/lumi/pkg/provider/embeddings"
	"github.com/MrWong99/lumi/pkg/provider/llm"
	"github.com/MrWong99/lumi/pkg/types"
)

// SystemReminder is appended to every system message sent to the model.
const SystemReminder = "\nOnly use the functions you have been provided with."

// Result is the outcome of one completion call. Exactly one of Reply and Call
// is set.
type Result struct {
	// Reply is the natural-language answer of the model.
	Reply string

	// Call is the function the model elected to invoke.
	Call *types.FunctionCall

	// Usage is the token accounting reported by the provider.
	Usage llm.Usage
}

// IsCall reports whether the model requested a function call.
func (r Result) IsCall() bool { return r.Call != nil }

// Gateway mediates calls to an LLM provider and an embeddings provider.
type Gateway struct {
	llm         llm.Provider
	embedder    embeddings.Provider
	temperature float64
	maxTokens   int
}

// Option is a functional option for [Gateway].
type Option func(*Gateway)

// WithTemperature sets the sampling temperature of every completion.
func WithTemperature(t float64) Option {
	return func(g *Gateway) {
		g.temperature = t
	}
}

// WithMaxTokens caps the number of generated tokens per completion.
func WithMaxTokens(n int) Option {
	return func(g *Gateway) {
		g.maxTokens = n
	}
}

// New creates a Gateway. Both providers are required.
func New(provider llm.Provider, embedder embeddings.Provider, opts ...Option) (*Gateway, error) {
	if provider == nil {
		return nil, errors.New("completion: llm provider must not be nil")
	}
	if embedder == nil {
		return nil, errors.New("completion: embeddings provider must not be nil")
	}
	g := &Gateway{llm: provider, embedder: embedder}
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

// Complete sends msgs to the model together with the declared functions.
//
// When forced names a declaration (or a declaration has Force set) only that
// declaration is offered and the model is pinned to call it. A forced name
// that is not among functions is an error.
//
// The model's answer is resolved as follows: a function call is decoded and
// validated against functions (see [DecodeFunctionCall]); otherwise non-empty
// content is returned as Reply; otherwise [ErrNoResponse] is returned.
func (g *Gateway) Complete(ctx context.Context, msgs []types.Message, functions []types.FunctionDeclaration, forced string) (Result, error) {
	wire, err := ToWire(msgs)
	if err != nil {
		return Result{}, err
	}

	offered, forced, err := selectFunctions(functions, forced)
	if err != nil {
		return Result{}, err
	}

	req := llm.CompletionRequest{
		Messages:    wire,
		ForcedTool:  forced,
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
	}
	for _, d := range offered {
		req.Tools = append(req.Tools, ToolDefinition(d))
	}

	resp, err := g.llm.Complete(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("completion: complete: %w", err)
	}
	if resp == nil {
		return Result{}, ErrNoResponse
	}

	if len(resp.ToolCalls) > 0 {
		call, err := DecodeFunctionCall(resp.ToolCalls[0], offered)
		if err != nil {
			return Result{}, err
		}
		return Result{Call: &call, Usage: resp.Usage}, nil
	}
	if strings.TrimSpace(resp.Content) == "" {
		return Result{}, ErrNoResponse
	}
	return Result{Reply: resp.Content, Usage: resp.Usage}, nil
}

// selectFunctions narrows functions to the forced declaration, if any.
func selectFunctions(functions []types.FunctionDeclaration, forced string) ([]types.FunctionDeclaration, string, error) {
	if forced == "" {
		for _, d := range functions {
			if d.Force {
				forced = d.Name
				break
			}
		}
	}
	if forced == "" {
		return functions, "", nil
	}
	idx := slices.IndexFunc(functions, func(d types.FunctionDeclaration) bool { return d.Name == forced })
	if idx < 0 {
		return nil, "", fmt.Errorf("completion: forced function %q is not declared", forced)
	}
	return functions[idx : idx+1], forced, nil
}

// ToWire maps domain messages onto provider messages. System messages get
// [SystemReminder] appended. Unknown roles are an error.
func ToWire(msgs []types.Message) ([]llm.Message, error) {
	out := make([]llm.Message, 0, len(msgs))
	for i, m := range msgs {
		switch m.Role {
		case types.RoleSystem:
			out = append(out, llm.Message{Role: llm.RoleSystem, Content: m.Text + SystemReminder})
		case types.RoleUser:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: m.Text})
		case types.RoleAssistant:
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: m.Text})
		case types.RoleFunction:
			out = append(out, llm.Message{Role: llm.RoleFunction, Name: m.FunctionName, Content: m.Text})
		default:
			return nil, fmt.Errorf("completion: message %d: unknown role %q", i, m.Role)
		}
	}
	return out, nil
}

// CountTokens estimates the context-window footprint of msgs using the LLM
// provider's counter.
func (g *Gateway) CountTokens(msgs []types.Message) (int, error) {
	wire, err := ToWire(msgs)
	if err != nil {
		return 0, err
	}
	n, err := g.llm.CountTokens(wire)
	if err != nil {
		return 0, fmt.Errorf("completion: count tokens: %w", err)
	}
	return n, nil
}

// EmbedText returns the embedding of text.
func (g *Gateway) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vec, err := g.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("completion: embed: %w", err)
	}
	return vec, nil
}

// EmbedMessage attaches an embedding to m unless it already carries one.
func (g *Gateway) EmbedMessage(ctx context.Context, m *types.Message) error {
	if m.HasEmbedding() {
		return nil
	}
	vec, err := g.EmbedText(ctx, m.Text)
	if err != nil {
		return err
	}
	m.Embedding = vec
	return nil
}

// EmbedSummary attaches an embedding of the summary text to s unless it
// already carries one.
func (g *Gateway) EmbedSummary(ctx context.Context, s *types.Summary) error {
	if len(s.Embedding) > 0 {
		return nil
	}
	vec, err := g.EmbedText(ctx, s.Text)
	if err != nil {
		return err
	}
	s.Embedding = vec
	return nil
}
