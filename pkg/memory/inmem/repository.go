// Package inmem provides a thread-safe, in-process [memory.Repository].
//
// It keeps everything in maps guarded by a single RWMutex and loses all data
// on restart. Use it for development, single-node demos and tests.
package inmem

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/lumi/pkg/memory"
	"github.com/MrWong99/lumi/pkg/types"
)

// Compile-time assertion that Repository satisfies memory.Repository.
var _ memory.Repository = (*Repository)(nil)

// Repository is an in-memory implementation of [memory.Repository].
// The zero value is ready to use.
type Repository struct {
	mu        sync.RWMutex
	messages  map[string][]types.Message
	segments  map[string]types.Session
	summaries map[string][]types.Summary
	personas  map[string]types.Persona
}

// New returns an initialised [Repository].
func New() *Repository {
	r := &Repository{}
	r.init()
	return r
}

func (r *Repository) init() {
	if r.messages == nil {
		r.messages = make(map[string][]types.Message)
		r.segments = make(map[string]types.Session)
		r.summaries = make(map[string][]types.Summary)
		r.personas = make(map[string]types.Persona)
	}
}

// SaveMessage implements [memory.MessageStore].
func (r *Repository) SaveMessage(_ context.Context, userID string, m *types.Message) error {
	if !m.Role.Persisted() {
		return fmt.Errorf("inmem: save message: role %q is not persisted", m.Role)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.init()

	m.ID = uuid.NewString()
	stored := *m
	stored.Embedding = slices.Clone(m.Embedding)
	r.messages[userID] = append(r.messages[userID], stored)
	return nil
}

// GetMessage implements [memory.MessageStore].
func (r *Repository) GetMessage(_ context.Context, userID, id string) (types.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.messages[userID] {
		if m.ID == id {
			return m, nil
		}
	}
	return types.Message{}, memory.ErrNotFound
}

// ListMessages implements [memory.MessageStore].
func (r *Repository) ListMessages(_ context.Context, userID string, rng memory.MessageRange) ([]types.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msgs := r.messages[userID]
	start, end := 0, len(msgs)
	if rng.FromID != "" {
		start = slices.IndexFunc(msgs, func(m types.Message) bool { return m.ID == rng.FromID })
		if start < 0 {
			return nil, memory.ErrNotFound
		}
	}
	if rng.ToID != "" {
		i := slices.IndexFunc(msgs, func(m types.Message) bool { return m.ID == rng.ToID })
		if i < 0 {
			return nil, memory.ErrNotFound
		}
		end = i + 1
	}
	if start >= end {
		return []types.Message{}, nil
	}

	limit := rng.Limit
	if limit <= 0 {
		limit = memory.DefaultListLimit
	}
	if end-start > limit {
		end = start + limit
	}
	return slices.Clone(msgs[start:end]), nil
}

// CountKeyword implements [memory.MessageStore].
func (r *Repository) CountKeyword(_ context.Context, keyword string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	needle := strings.ToLower(keyword)
	n := 0
	for _, msgs := range r.messages {
		for _, m := range msgs {
			if m.Role == types.RoleUser && strings.Contains(strings.ToLower(m.Text), needle) {
				n++
			}
		}
	}
	return n, nil
}

// SaveSegment implements [memory.SegmentStore]. Only the newest segment per
// user is retained.
func (r *Repository) SaveSegment(_ context.Context, s *types.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.init()

	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	r.segments[s.UserID] = s.Clone()
	return nil
}

// LatestSegment implements [memory.SegmentStore].
func (r *Repository) LatestSegment(_ context.Context, userID string) (*types.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.segments[userID]
	if !ok {
		return nil, memory.ErrNotFound
	}
	c := s.Clone()
	return &c, nil
}

// SaveSummary implements [memory.SummaryStore].
func (r *Repository) SaveSummary(_ context.Context, s *types.Summary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.init()

	s.ID = uuid.NewString()
	r.summaries[s.UserID] = append(r.summaries[s.UserID], *s)
	return nil
}

// ListSummaries implements [memory.SummaryStore].
func (r *Repository) ListSummaries(_ context.Context, userID string) ([]types.Summary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.summaries[userID]), nil
}

// SavePersona implements [memory.PersonaStore].
func (r *Repository) SavePersona(_ context.Context, userID string, p types.Persona) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.init()
	r.personas[userID] = p
	return nil
}

// LoadPersona implements [memory.PersonaStore].
func (r *Repository) LoadPersona(_ context.Context, userID string) (types.Persona, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.personas[userID]
	if !ok {
		return types.Persona{}, memory.ErrNotFound
	}
	return p, nil
}

// PurgeUser implements [memory.Repository].
func (r *Repository) PurgeUser(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.messages, userID)
	delete(r.segments, userID)
	delete(r.summaries, userID)
	delete(r.personas, userID)
	return nil
}
