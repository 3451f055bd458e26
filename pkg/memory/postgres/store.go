package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/lumi/pkg/memory"
	"github.com/MrWong99/lumi/pkg/types"
)

// Compile-time interface checks.
var (
	_ memory.Repository  = (*Store)(nil)
	_ memory.MemoryStore = (*MemoryStoreImpl)(nil)
)

// Store is the PostgreSQL-backed history repository. It holds a single
// [pgxpool.Pool] and exposes the long-term memory store that shares it via
// [Store.Memory].
//
// All operations are safe for concurrent use.
type Store struct {
	pool   *pgxpool.Pool
	memory *MemoryStoreImpl
}

// NewStore creates a new Store, establishes a connection pool to the PostgreSQL
// database at dsn, registers pgvector types on every connection, and runs
// [Migrate] to ensure all required tables and extensions exist.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool, memory: &MemoryStoreImpl{pool: pool}}, nil
}

// Memory returns the pgvector long-term memory store sharing this pool.
func (s *Store) Memory() *MemoryStoreImpl { return s.memory }

// Ping verifies the database is reachable. Used for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ─────────────────────────────────────────────────────────────────────────────
// Messages
// ─────────────────────────────────────────────────────────────────────────────

// SaveMessage implements [memory.MessageStore].
func (s *Store) SaveMessage(ctx context.Context, userID string, m *types.Message) error {
	if !m.Role.Persisted() {
		return fmt.Errorf("postgres store: save message: role %q is not persisted", m.Role)
	}

	const q = `
		INSERT INTO messages (id, user_id, role, text, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	var emb any
	if m.HasEmbedding() {
		emb = pgvector.NewVector(m.Embedding)
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	id := uuid.NewString()
	if _, err := s.pool.Exec(ctx, q, id, userID, string(m.Role), m.Text, emb, m.Timestamp); err != nil {
		return fmt.Errorf("postgres store: save message: %w", err)
	}
	m.ID = id
	return nil
}

// GetMessage implements [memory.MessageStore].
func (s *Store) GetMessage(ctx context.Context, userID, id string) (types.Message, error) {
	const q = `
		SELECT id, role, text, created_at
		FROM   messages
		WHERE  user_id = $1 AND id = $2`

	var (
		m    types.Message
		role string
	)
	err := s.pool.QueryRow(ctx, q, userID, id).Scan(&m.ID, &role, &m.Text, &m.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Message{}, memory.ErrNotFound
	}
	if err != nil {
		return types.Message{}, fmt.Errorf("postgres store: get message: %w", err)
	}
	m.Role = types.Role(role)
	return m, nil
}

// ListMessages implements [memory.MessageStore].
func (s *Store) ListMessages(ctx context.Context, userID string, r memory.MessageRange) ([]types.Message, error) {
	from, to := int64(0), int64(math.MaxInt64)
	var err error
	if r.FromID != "" {
		if from, err = s.seqOf(ctx, userID, r.FromID); err != nil {
			return nil, err
		}
	}
	if r.ToID != "" {
		if to, err = s.seqOf(ctx, userID, r.ToID); err != nil {
			return nil, err
		}
	}
	limit := r.Limit
	if limit <= 0 {
		limit = memory.DefaultListLimit
	}

	const q = `
		SELECT id, role, text, created_at
		FROM   messages
		WHERE  user_id = $1 AND seq >= $2 AND seq <= $3
		ORDER  BY seq
		LIMIT  $4`

	rows, err := s.pool.Query(ctx, q, userID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Message, error) {
		var (
			m    types.Message
			role string
		)
		if err := row.Scan(&m.ID, &role, &m.Text, &m.Timestamp); err != nil {
			return types.Message{}, err
		}
		m.Role = types.Role(role)
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: list messages: %w", err)
	}
	return msgs, nil
}

func (s *Store) seqOf(ctx context.Context, userID, id string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx, `SELECT seq FROM messages WHERE user_id = $1 AND id = $2`, userID, id).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, memory.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("postgres store: resolve message %s: %w", id, err)
	}
	return seq, nil
}

// likeEscaper escapes LIKE wildcards so keywords match literally.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// CountKeyword implements [memory.MessageStore].
func (s *Store) CountKeyword(ctx context.Context, keyword string) (int, error) {
	const q = `
		SELECT count(*)
		FROM   messages
		WHERE  role = 'user' AND text ILIKE '%' || $1 || '%'`

	var n int
	if err := s.pool.QueryRow(ctx, q, likeEscaper.Replace(keyword)).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres store: count keyword: %w", err)
	}
	return n, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Segments
// ─────────────────────────────────────────────────────────────────────────────

// SaveSegment implements [memory.SegmentStore].
func (s *Store) SaveSegment(ctx context.Context, seg *types.Session) error {
	body, err := json.Marshal(seg.Messages)
	if err != nil {
		return fmt.Errorf("postgres store: encode segment: %w", err)
	}

	id := seg.ID
	if id == "" {
		id = uuid.NewString()
	}

	const q = `
		INSERT INTO segments (id, user_id, messages, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE SET
		    messages   = EXCLUDED.messages,
		    updated_at = now()`

	if _, err := s.pool.Exec(ctx, q, id, seg.UserID, body); err != nil {
		return fmt.Errorf("postgres store: save segment: %w", err)
	}
	seg.ID = id
	return nil
}

// LatestSegment implements [memory.SegmentStore].
func (s *Store) LatestSegment(ctx context.Context, userID string) (*types.Session, error) {
	const q = `
		SELECT id, messages
		FROM   segments
		WHERE  user_id = $1
		ORDER  BY updated_at DESC
		LIMIT  1`

	var (
		seg  = &types.Session{UserID: userID}
		body []byte
	)
	err := s.pool.QueryRow(ctx, q, userID).Scan(&seg.ID, &body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, memory.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: latest segment: %w", err)
	}
	if err := json.Unmarshal(body, &seg.Messages); err != nil {
		return nil, fmt.Errorf("postgres store: decode segment %s: %w", seg.ID, err)
	}
	return seg, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Summaries
// ─────────────────────────────────────────────────────────────────────────────

// SaveSummary implements [memory.SummaryStore].
func (s *Store) SaveSummary(ctx context.Context, sum *types.Summary) error {
	const q = `
		INSERT INTO summaries (id, user_id, text, tags, source_ids, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = time.Now().UTC()
	}
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx, q, id, sum.UserID, sum.Text, nonNil(sum.Tags), nonNil(sum.SourceIDs()), sum.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres store: save summary: %w", err)
	}
	sum.ID = id
	return nil
}

// ListSummaries implements [memory.SummaryStore].
func (s *Store) ListSummaries(ctx context.Context, userID string) ([]types.Summary, error) {
	const q = `
		SELECT id, text, tags, source_ids, created_at
		FROM   summaries
		WHERE  user_id = $1
		ORDER  BY created_at`

	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list summaries: %w", err)
	}
	sums, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Summary, error) {
		sum := types.Summary{UserID: userID}
		var sources []string
		if err := row.Scan(&sum.ID, &sum.Text, &sum.Tags, &sources, &sum.CreatedAt); err != nil {
			return types.Summary{}, err
		}
		sum.SourceMessages = sourceRefs(sources)
		return sum, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: list summaries: %w", err)
	}
	return sums, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Personas
// ─────────────────────────────────────────────────────────────────────────────

// SavePersona implements [memory.PersonaStore].
func (s *Store) SavePersona(ctx context.Context, userID string, p types.Persona) error {
	const q = `
		INSERT INTO personas (user_id, name, traits)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET
		    name   = EXCLUDED.name,
		    traits = EXCLUDED.traits`

	if _, err := s.pool.Exec(ctx, q, userID, p.Name, p.Traits); err != nil {
		return fmt.Errorf("postgres store: save persona: %w", err)
	}
	return nil
}

// LoadPersona implements [memory.PersonaStore].
func (s *Store) LoadPersona(ctx context.Context, userID string) (types.Persona, error) {
	var p types.Persona
	err := s.pool.QueryRow(ctx, `SELECT name, traits FROM personas WHERE user_id = $1`, userID).Scan(&p.Name, &p.Traits)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Persona{}, memory.ErrNotFound
	}
	if err != nil {
		return types.Persona{}, fmt.Errorf("postgres store: load persona: %w", err)
	}
	return p, nil
}

// PurgeUser implements [memory.Repository]. All rows of the user are removed
// in one transaction.
func (s *Store) PurgeUser(ctx context.Context, userID string) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, table := range []string{"messages", "segments", "summaries", "personas"} {
			q := fmt.Sprintf("DELETE FROM %s WHERE user_id = $1", pgx.Identifier{table}.Sanitize())
			if _, err := tx.Exec(ctx, q, userID); err != nil {
				return fmt.Errorf("delete from %s: %w", table, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres store: purge user: %w", err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func sourceRefs(ids []string) []types.Message {
	if len(ids) == 0 {
		return nil
	}
	out := make([]types.Message, len(ids))
	for i, id := range ids {
		out[i] = types.Message{ID: id}
	}
	return out
}
