package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/MrWong99/lumi/pkg/types"
)

// ErrDimensionMismatch is returned when a summary embedding does not match the
// dimension of the user's existing collection.
var ErrDimensionMismatch = errors.New("postgres memory: embedding dimension mismatch")

// MemoryStoreImpl is the pgvector-backed long-term memory. Each user gets a
// dedicated vector table, created on first [MemoryStoreImpl.Index] and
// registered in the memory_collections catalog.
//
// Obtain one via [Store.Memory].
type MemoryStoreImpl struct {
	pool *pgxpool.Pool
}

type collection struct {
	table      string
	dimensions int
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// lookup returns the user's collection, or ok=false when none exists.
func lookup(ctx context.Context, q querier, userID string) (collection, bool, error) {
	var c collection
	err := q.QueryRow(ctx, `SELECT table_name, dimensions FROM memory_collections WHERE user_id = $1`, userID).
		Scan(&c.table, &c.dimensions)
	if errors.Is(err, pgx.ErrNoRows) {
		return collection{}, false, nil
	}
	if err != nil {
		return collection{}, false, err
	}
	return c, true, nil
}

// Index implements [memory.MemoryStore]. The user's collection is created on
// first use with the dimension of s.Embedding.
func (m *MemoryStoreImpl) Index(ctx context.Context, userID string, s types.Summary) error {
	if len(s.Embedding) == 0 {
		return errors.New("postgres memory: index: summary has no embedding")
	}

	err := pgx.BeginFunc(ctx, m.pool, func(tx pgx.Tx) error {
		c, ok, err := lookup(ctx, tx, userID)
		if err != nil {
			return fmt.Errorf("lookup collection: %w", err)
		}
		if !ok {
			c = collection{table: collectionTable(userID), dimensions: len(s.Embedding)}
			if _, err := tx.Exec(ctx, ddlCollection(c.table, c.dimensions)); err != nil {
				return fmt.Errorf("create collection: %w", err)
			}
			const reg = `
				INSERT INTO memory_collections (user_id, table_name, dimensions)
				VALUES ($1, $2, $3)
				ON CONFLICT (user_id) DO NOTHING`
			if _, err := tx.Exec(ctx, reg, userID, c.table, c.dimensions); err != nil {
				return fmt.Errorf("register collection: %w", err)
			}
		}
		if c.dimensions != len(s.Embedding) {
			return fmt.Errorf("%w: collection has %d, got %d", ErrDimensionMismatch, c.dimensions, len(s.Embedding))
		}

		id := s.ID
		if id == "" {
			id = uuid.NewString()
		}
		q := fmt.Sprintf(`
			INSERT INTO %s (summary_id, text, tags, source_ids, created_at, embedding)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (summary_id) DO UPDATE SET
			    text       = EXCLUDED.text,
			    tags       = EXCLUDED.tags,
			    source_ids = EXCLUDED.source_ids,
			    embedding  = EXCLUDED.embedding`, pgx.Identifier{c.table}.Sanitize())
		_, err = tx.Exec(ctx, q, id, s.Text, nonNil(s.Tags), nonNil(s.SourceIDs()), s.CreatedAt, pgvector.NewVector(s.Embedding))
		return err
	})
	if err != nil {
		if errors.Is(err, ErrDimensionMismatch) {
			return err
		}
		return fmt.Errorf("postgres memory: index: %w", err)
	}
	return nil
}

// FindSimilar implements [memory.MemoryStore]. It returns the nearest summary
// by cosine distance, or nil when the user has no collection or it is empty.
func (m *MemoryStoreImpl) FindSimilar(ctx context.Context, userID string, query []float32) (*types.Summary, error) {
	c, ok, err := lookup(ctx, m.pool, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres memory: find similar: %w", err)
	}
	if !ok {
		return nil, nil
	}
	if c.dimensions != len(query) {
		return nil, fmt.Errorf("%w: collection has %d, got %d", ErrDimensionMismatch, c.dimensions, len(query))
	}

	q := fmt.Sprintf(`
		SELECT summary_id, text, tags, source_ids, created_at, embedding
		FROM   %s
		ORDER  BY embedding <=> $1
		LIMIT  1`, pgx.Identifier{c.table}.Sanitize())

	var (
		s       = types.Summary{UserID: userID}
		sources []string
		emb     pgvector.Vector
	)
	err = m.pool.QueryRow(ctx, q, pgvector.NewVector(query)).Scan(&s.ID, &s.Text, &s.Tags, &sources, &s.CreatedAt, &emb)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres memory: find similar: %w", err)
	}
	s.SourceMessages = sourceRefs(sources)
	s.Embedding = emb.Slice()
	return &s, nil
}

// DropAll implements [memory.MemoryStore]. Dropping a user without a
// collection is a no-op.
func (m *MemoryStoreImpl) DropAll(ctx context.Context, userID string) error {
	err := pgx.BeginFunc(ctx, m.pool, func(tx pgx.Tx) error {
		c, ok, err := lookup(ctx, tx, userID)
		if err != nil || !ok {
			return err
		}
		if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+pgx.Identifier{c.table}.Sanitize()); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `DELETE FROM memory_collections WHERE user_id = $1`, userID)
		return err
	})
	if err != nil {
		return fmt.Errorf("postgres memory: drop all: %w", err)
	}
	return nil
}

