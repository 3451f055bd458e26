// Package memory defines the storage contracts used by the Lumi conversation core.
//
// Two concerns are kept apart:
//
//   - [MemoryStore]: long-term memory. Summaries of past conversation segments
//     are indexed per user by their embedding and retrieved by similarity.
//   - [Repository]: durable history. Persisted user/assistant messages, the
//     latest segment snapshot per user, summary records and persona overrides.
//
// All interfaces are public so that alternative backends (Postgres/pgvector,
// chromem-go, in-memory) can be plugged in without touching the core.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"errors"

	"github.com/MrWong99/lumi/pkg/types"
)

// ErrNotFound is returned by lookups that match nothing.
var ErrNotFound = errors.New("memory: not found")

// ─────────────────────────────────────────────────────────────────────────────
// Long-term memory
// ─────────────────────────────────────────────────────────────────────────────

// MemoryStore indexes summaries per user and retrieves the closest match.
//
// Backends keep one collection per user. The collection is created lazily on
// the first Index call and sized to the dimensionality of that first embedding.
type MemoryStore interface {
	// FindSimilar returns the summary whose embedding is closest to query, or
	// (nil, nil) when the user has no indexed summaries yet. A missing
	// collection is never an error.
	FindSimilar(ctx context.Context, userID string, query []float32) (*types.Summary, error)

	// Index stores s in the user's collection. s.Embedding must be set.
	Index(ctx context.Context, userID string, s types.Summary) error

	// DropAll removes the user's collection. Dropping a missing collection
	// succeeds.
	DropAll(ctx context.Context, userID string) error
}

// ─────────────────────────────────────────────────────────────────────────────
// Durable history
// ─────────────────────────────────────────────────────────────────────────────

// MessageRange selects a window of persisted messages by ID, both ends
// inclusive. An empty FromID starts at the oldest message, an empty ToID runs
// to the newest.
type MessageRange struct {
	FromID string
	ToID   string

	// Limit caps the number of results. Zero applies the backend default.
	Limit int
}

// DefaultListLimit is applied when MessageRange.Limit is zero.
const DefaultListLimit = 100

// MessageStore persists user and assistant messages.
type MessageStore interface {
	// SaveMessage records m for userID and assigns m.ID. Messages whose role is
	// not persisted are rejected.
	SaveMessage(ctx context.Context, userID string, m *types.Message) error

	// GetMessage returns a single message or [ErrNotFound].
	GetMessage(ctx context.Context, userID, id string) (types.Message, error)

	// ListMessages returns the messages in r oldest first.
	ListMessages(ctx context.Context, userID string, r MessageRange) ([]types.Message, error)

	// CountKeyword counts persisted user messages across all users that
	// contain keyword, case-insensitively.
	CountKeyword(ctx context.Context, keyword string) (int, error)
}

// SegmentStore persists session snapshots.
type SegmentStore interface {
	// SaveSegment writes a snapshot of s. An empty s.ID creates a new segment
	// and assigns the ID; otherwise the existing segment is overwritten.
	SaveSegment(ctx context.Context, s *types.Session) error

	// LatestSegment returns the most recently written segment of userID or
	// [ErrNotFound].
	LatestSegment(ctx context.Context, userID string) (*types.Session, error)
}

// SummaryStore persists summary records for audit and backfill.
type SummaryStore interface {
	// SaveSummary records s and assigns s.ID.
	SaveSummary(ctx context.Context, s *types.Summary) error

	// ListSummaries returns all summaries of userID oldest first.
	ListSummaries(ctx context.Context, userID string) ([]types.Summary, error)
}

// PersonaStore persists per-user persona overrides.
type PersonaStore interface {
	// SavePersona stores the persona the user talks to.
	SavePersona(ctx context.Context, userID string, p types.Persona) error

	// LoadPersona returns the user's persona or [ErrNotFound].
	LoadPersona(ctx context.Context, userID string) (types.Persona, error)
}

// Repository bundles all durable history stores of one backend.
type Repository interface {
	MessageStore
	SegmentStore
	SummaryStore
	PersonaStore

	// PurgeUser deletes every record that belongs to userID.
	PurgeUser(ctx context.Context, userID string) error
}
