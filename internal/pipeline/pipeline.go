package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/lumi/pkg/memory"
	"github.com/MrWong99/lumi/pkg/types"
)

// Embedder attaches embeddings to messages and summaries.
type Embedder interface {
	EmbedMessage(ctx context.Context, m *types.Message) error
	EmbedSummary(ctx context.Context, s *types.Summary) error
}

// Pipeline holds the side-effect handlers of the conversation core:
//
//   - message-created: embed (before), persist (on)
//   - segment-updated: persist the snapshot (on)
//   - summary-created: embed (before), persist (on), index in long-term
//     memory (after, best effort)
//   - user-deleted: drop the memory collection and purge the history (on)
type Pipeline struct {
	embedder Embedder
	repo     memory.Repository
	memory   memory.MemoryStore
}

// New creates a Pipeline. All collaborators are required.
func New(embedder Embedder, repo memory.Repository, mem memory.MemoryStore) (*Pipeline, error) {
	if embedder == nil || repo == nil || mem == nil {
		return nil, errors.New("pipeline: embedder, repository and memory store are required")
	}
	return &Pipeline{embedder: embedder, repo: repo, memory: mem}, nil
}

// Attach subscribes the handlers to e. The returned function detaches them.
func (p *Pipeline) Attach(e *Events) (detach func()) {
	unsubs := []func(){
		e.Messages.OnBefore(p.embedMessage),
		e.Messages.On(p.saveMessage),
		e.Segments.On(p.saveSegment),
		e.Summaries.OnBefore(p.embedSummary),
		e.Summaries.On(p.saveSummary),
		e.Summaries.OnAfter(p.indexSummary),
		e.Users.On(p.dropMemory),
		e.Users.On(p.purgeHistory),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (p *Pipeline) embedMessage(ctx context.Context, ev MessageCreated) (bool, error) {
	if !ev.Message.Role.Persisted() {
		return true, nil
	}
	if err := p.embedder.EmbedMessage(ctx, ev.Message); err != nil {
		return false, fmt.Errorf("pipeline: embed message: %w", err)
	}
	return true, nil
}

func (p *Pipeline) saveMessage(ctx context.Context, ev MessageCreated) error {
	if !ev.Message.Role.Persisted() {
		return nil
	}
	if err := p.repo.SaveMessage(ctx, ev.UserID, ev.Message); err != nil {
		return fmt.Errorf("pipeline: save message: %w", err)
	}
	return nil
}

func (p *Pipeline) saveSegment(ctx context.Context, ev SegmentUpdated) error {
	if err := p.repo.SaveSegment(ctx, ev.Session); err != nil {
		return fmt.Errorf("pipeline: save segment: %w", err)
	}
	return nil
}

func (p *Pipeline) embedSummary(ctx context.Context, ev SummaryCreated) (bool, error) {
	if err := p.embedder.EmbedSummary(ctx, ev.Summary); err != nil {
		return false, fmt.Errorf("pipeline: embed summary: %w", err)
	}
	return true, nil
}

func (p *Pipeline) saveSummary(ctx context.Context, ev SummaryCreated) error {
	if err := p.repo.SaveSummary(ctx, ev.Summary); err != nil {
		return fmt.Errorf("pipeline: save summary: %w", err)
	}
	return nil
}

func (p *Pipeline) indexSummary(ctx context.Context, ev SummaryCreated) error {
	if err := p.memory.Index(ctx, ev.UserID, *ev.Summary); err != nil {
		return fmt.Errorf("pipeline: index summary: %w", err)
	}
	return nil
}

func (p *Pipeline) dropMemory(ctx context.Context, ev UserDeleted) error {
	if err := p.memory.DropAll(ctx, ev.UserID); err != nil {
		return fmt.Errorf("pipeline: drop memory: %w", err)
	}
	return nil
}

func (p *Pipeline) purgeHistory(ctx context.Context, ev UserDeleted) error {
	if err := p.repo.PurgeUser(ctx, ev.UserID); err != nil {
		return fmt.Errorf("pipeline: purge history: %w", err)
	}
	return nil
}
