package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/lumi/internal/config"
	"github.com/MrWong99/lumi/internal/observe"
	"github.com/MrWong99/lumi/internal/resilience"
	"github.com/MrWong99/lumi/pkg/provider/embeddings"
	"github.com/MrWong99/lumi/pkg/provider/llm"
	"github.com/MrWong99/lumi/pkg/provider/stt"
	"github.com/MrWong99/lumi/pkg/provider/tts"
)

// Providers holds one interface value per provider slot. STT and TTS may be
// nil when not configured.
type Providers struct {
	LLM        llm.Provider
	Embeddings embeddings.Provider
	STT        stt.Provider
	TTS        tts.Provider
}

// BuildProviders instantiates every provider named in cfg from reg.
//
// Each LLM entry is bounded by the completion timeout and instrumented; the
// primary and its fallbacks form a circuit-broken fallback group. STT and TTS
// get a breaker of their own.
func BuildProviders(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*Providers, error) {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	fbCfg := resilience.FallbackConfig{}
	ps := &Providers{}

	primary, err := buildLLM(cfg, reg, metrics, cfg.Providers.LLM)
	if err != nil {
		return nil, err
	}
	group := resilience.NewLLMFallback(primary, cfg.Providers.LLM.Name, fbCfg)
	for _, entry := range cfg.Providers.LLMFallbacks {
		p, err := buildLLM(cfg, reg, metrics, entry)
		if err != nil {
			return nil, err
		}
		group.AddFallback(entry.Name, p)
	}
	ps.LLM = group
	slog.Info("provider created", "kind", "llm", "chain", group.Providers())

	emb, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
	if err != nil {
		return nil, fmt.Errorf("app: create embeddings provider %q: %w", cfg.Providers.Embeddings.Name, err)
	}
	ps.Embeddings = &instrumentedEmbeddings{
		Provider: resilience.EmbeddingsWithTimeout(emb, cfg.Chat.EmbeddingTimeout),
		name:     cfg.Providers.Embeddings.Name,
		metrics:  metrics,
	}
	slog.Info("provider created", "kind", "embeddings", "name", cfg.Providers.Embeddings.Name)

	if name := cfg.Providers.STT.Name; name != "" {
		p, err := reg.CreateSTT(cfg.Providers.STT)
		if err != nil {
			return nil, fmt.Errorf("app: create stt provider %q: %w", name, err)
		}
		ps.STT = resilience.NewSTTFallback(p, name, fbCfg)
		slog.Info("provider created", "kind", "stt", "name", name)
	}

	if name := cfg.Providers.TTS.Name; name != "" {
		p, err := reg.CreateTTS(cfg.Providers.TTS)
		if err != nil {
			return nil, fmt.Errorf("app: create tts provider %q: %w", name, err)
		}
		ps.TTS = resilience.NewTTSFallback(p, name, fbCfg)
		slog.Info("provider created", "kind", "tts", "name", name)
	}

	return ps, nil
}

func buildLLM(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics, entry config.ProviderEntry) (llm.Provider, error) {
	p, err := reg.CreateLLM(entry)
	if err != nil {
		return nil, fmt.Errorf("app: create llm provider %q: %w", entry.Name, err)
	}
	return &instrumentedLLM{
		Provider: resilience.LLMWithTimeout(p, cfg.Chat.CompletionTimeout),
		name:     entry.Name,
		metrics:  metrics,
	}, nil
}

// ── Instrumentation ─────────────────────────────────────────────────────────

type instrumentedLLM struct {
	llm.Provider
	name    string
	metrics *observe.Metrics
}

func (p *instrumentedLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	ctx, span := observe.StartSpan(ctx, "llm.complete")
	defer span.End()
	start := time.Now()
	resp, err := p.Provider.Complete(ctx, req)
	p.metrics.RecordProviderRequest(ctx, p.name, "complete", time.Since(start), err)
	observe.SpanError(span, err)
	return resp, err
}

type instrumentedEmbeddings struct {
	embeddings.Provider
	name    string
	metrics *observe.Metrics
}

func (p *instrumentedEmbeddings) Embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	v, err := p.Provider.Embed(ctx, text)
	p.metrics.RecordProviderRequest(ctx, p.name, "embed", time.Since(start), err)
	return v, err
}

func (p *instrumentedEmbeddings) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	v, err := p.Provider.EmbedBatch(ctx, texts)
	p.metrics.RecordProviderRequest(ctx, p.name, "embed", time.Since(start), err)
	return v, err
}
