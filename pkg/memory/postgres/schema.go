// Package postgres provides PostgreSQL-backed implementations of the Lumi
// memory contracts: [Store] implements [memory.Repository] and
// [MemoryStoreImpl] implements [memory.MemoryStore] with pgvector.
//
// All layers share a single [pgxpool.Pool] connection pool. The pgvector
// extension must be available in the target database; [Migrate] installs it
// automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//
//	_ = store.SaveMessage(ctx, userID, &msg)
//	_ = store.Memory().Index(ctx, userID, summary)
package postgres

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// History DDL
// ─────────────────────────────────────────────────────────────────────────────

const ddlHistory = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS messages (
    id          TEXT         PRIMARY KEY,
    seq         BIGSERIAL    UNIQUE,
    user_id     TEXT         NOT NULL,
    role        TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    embedding   vector,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_messages_user_seq
    ON messages (user_id, seq);

CREATE TABLE IF NOT EXISTS segments (
    id          TEXT         PRIMARY KEY,
    user_id     TEXT         NOT NULL,
    messages    JSONB        NOT NULL,
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_segments_user_updated
    ON segments (user_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS summaries (
    id          TEXT         PRIMARY KEY,
    user_id     TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    tags        TEXT[]       NOT NULL DEFAULT '{}',
    source_ids  TEXT[]       NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_summaries_user
    ON summaries (user_id, created_at);

CREATE TABLE IF NOT EXISTS personas (
    user_id     TEXT         PRIMARY KEY,
    name        TEXT         NOT NULL,
    traits      TEXT         NOT NULL
);
`

// ─────────────────────────────────────────────────────────────────────────────
// Long-term memory DDL
// ─────────────────────────────────────────────────────────────────────────────

// ddlCollections is the catalog of lazily created per-user vector tables.
const ddlCollections = `
CREATE TABLE IF NOT EXISTS memory_collections (
    user_id     TEXT         PRIMARY KEY,
    table_name  TEXT         NOT NULL UNIQUE,
    dimensions  INT          NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// ddlCollection returns the DDL of one user's summary vector table. The
// dimension is baked into the column type when the table is created.
func ddlCollection(table string, dimensions int) string {
	ident := pgx.Identifier{table}.Sanitize()
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    summary_id  TEXT         PRIMARY KEY,
    text        TEXT         NOT NULL,
    tags        TEXT[]       NOT NULL DEFAULT '{}',
    source_ids  TEXT[]       NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    embedding   vector(%[2]d) NOT NULL
);

CREATE INDEX IF NOT EXISTS %[3]s
    ON %[1]s USING hnsw (embedding vector_cosine_ops);
`, ident, dimensions, pgx.Identifier{table + "_embedding_idx"}.Sanitize())
}

// collectionTable derives a stable, identifier-safe table name for a user.
// User IDs are opaque and may contain any character, so they are hashed.
func collectionTable(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return "summaries_" + hex.EncodeToString(sum[:12])
}

// Migrate creates or ensures all required database tables and extensions exist.
// It is idempotent and safe to call on every application start. Per-user
// vector tables are not created here; see [MemoryStoreImpl.Index].
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlHistory, ddlCollections} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
