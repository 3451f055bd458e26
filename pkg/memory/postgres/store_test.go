package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/lumi/pkg/memory"
	"github.com/MrWong99/lumi/pkg/memory/postgres"
	"github.com/MrWong99/lumi/pkg/types"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if LUMI_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("LUMI_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LUMI_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] with a clean schema.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	cleanPool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(cleanPool.Close)
	dropSchema(t, ctx, cleanPool)

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

// dropSchema removes all tables created by Migrate and every per-user
// collection table registered in the catalog.
func dropSchema(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()

	var (
		tables []string
		exists bool
	)
	if err := pool.QueryRow(ctx, `SELECT to_regclass('memory_collections') IS NOT NULL`).Scan(&exists); err != nil {
		t.Fatalf("check catalog: %v", err)
	}
	if exists {
		rows, err := pool.Query(ctx, `SELECT table_name FROM memory_collections`)
		if err != nil {
			t.Fatalf("list collections: %v", err)
		}
		if tables, err = pgx.CollectRows(rows, pgx.RowTo[string]); err != nil {
			t.Fatalf("list collections: %v", err)
		}
	}
	tables = append(tables, "memory_collections", "personas", "summaries", "segments", "messages")
	for _, table := range tables {
		if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS "+pgx.Identifier{table}.Sanitize()+" CASCADE"); err != nil {
			t.Fatalf("dropSchema %q: %v", table, err)
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Messages
// ─────────────────────────────────────────────────────────────────────────────

func TestMessages_SaveListCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i, text := range []string{"I love my cat.", "Cats are great!", "What about CATS and 100%?"} {
		role := types.RoleUser
		if i == 1 {
			role = types.RoleAssistant
		}
		m := types.Message{Role: role, Text: text, Embedding: []float32{1, 0, 0}, Timestamp: time.Now()}
		if err := store.SaveMessage(ctx, "u1", &m); err != nil {
			t.Fatalf("SaveMessage: %v", err)
		}
		ids = append(ids, m.ID)
	}

	sys := types.Message{Role: types.RoleSystem, Text: "persona"}
	if err := store.SaveMessage(ctx, "u1", &sys); err == nil {
		t.Error("expected system message to be rejected")
	}

	got, err := store.GetMessage(ctx, "u1", ids[1])
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.Role != types.RoleAssistant || got.Text != "Cats are great!" {
		t.Errorf("GetMessage = %+v", got)
	}
	if _, err := store.GetMessage(ctx, "u2", ids[1]); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("cross-user GetMessage: want ErrNotFound, got %v", err)
	}

	window, err := store.ListMessages(ctx, "u1", memory.MessageRange{FromID: ids[1], ToID: ids[2]})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(window) != 2 || window[0].ID != ids[1] || window[1].ID != ids[2] {
		t.Errorf("ListMessages window = %+v", window)
	}
	if _, err := store.ListMessages(ctx, "u1", memory.MessageRange{FromID: "missing"}); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("missing FromID: want ErrNotFound, got %v", err)
	}

	tests := []struct {
		keyword string
		want    int
	}{
		{"cat", 2},
		{"100%", 1},
		{"_", 0},
		{"dog", 0},
	}
	for _, tt := range tests {
		t.Run(tt.keyword, func(t *testing.T) {
			n, err := store.CountKeyword(ctx, tt.keyword)
			if err != nil {
				t.Fatalf("CountKeyword: %v", err)
			}
			if n != tt.want {
				t.Errorf("CountKeyword(%q) = %d, want %d", tt.keyword, n, tt.want)
			}
		})
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Segments, summaries, personas
// ─────────────────────────────────────────────────────────────────────────────

func TestSegments_Latest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.LatestSegment(ctx, "u1"); !errors.Is(err, memory.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}

	seg := &types.Session{UserID: "u1", Messages: []types.Message{{Role: types.RoleSystem, Text: "sys"}}}
	if err := store.SaveSegment(ctx, seg); err != nil {
		t.Fatalf("SaveSegment: %v", err)
	}
	firstID := seg.ID
	seg.Messages = append(seg.Messages, types.Message{Role: types.RoleUser, Text: "hi"})
	if err := store.SaveSegment(ctx, seg); err != nil {
		t.Fatalf("SaveSegment update: %v", err)
	}
	if seg.ID != firstID {
		t.Errorf("update changed segment ID")
	}

	got, err := store.LatestSegment(ctx, "u1")
	if err != nil {
		t.Fatalf("LatestSegment: %v", err)
	}
	if len(got.Messages) != 2 || got.Messages[1].Text != "hi" {
		t.Errorf("LatestSegment messages = %+v", got.Messages)
	}
}

func TestSummariesAndPersonas(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sum := &types.Summary{
		UserID:         "u1",
		Text:           "We talked about cats.",
		Tags:           []string{"cats", "pets"},
		SourceMessages: []types.Message{{ID: "m1"}, {ID: "m2"}},
	}
	if err := store.SaveSummary(ctx, sum); err != nil {
		t.Fatalf("SaveSummary: %v", err)
	}
	list, err := store.ListSummaries(ctx, "u1")
	if err != nil {
		t.Fatalf("ListSummaries: %v", err)
	}
	if len(list) != 1 || len(list[0].Tags) != 2 || len(list[0].SourceIDs()) != 2 {
		t.Errorf("ListSummaries = %+v", list)
	}

	if err := store.SavePersona(ctx, "u1", types.Persona{Name: "Lumi", Traits: "kind"}); err != nil {
		t.Fatalf("SavePersona: %v", err)
	}
	p, err := store.LoadPersona(ctx, "u1")
	if err != nil {
		t.Fatalf("LoadPersona: %v", err)
	}
	if p.Name != "Lumi" {
		t.Errorf("persona name = %q", p.Name)
	}

	if err := store.PurgeUser(ctx, "u1"); err != nil {
		t.Fatalf("PurgeUser: %v", err)
	}
	if _, err := store.LoadPersona(ctx, "u1"); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("after purge: want ErrNotFound, got %v", err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Long-term memory
// ─────────────────────────────────────────────────────────────────────────────

func TestMemory_IndexFindDrop(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mem := store.Memory()

	got, err := mem.FindSimilar(ctx, "u1", []float32{1, 0, 0, 0})
	if err != nil || got != nil {
		t.Fatalf("no collection: got %v, %v", got, err)
	}

	for _, s := range []types.Summary{
		{ID: "s-cats", Text: "cats", Embedding: []float32{1, 0, 0, 0}},
		{ID: "s-rain", Text: "rain", Embedding: []float32{0, 1, 0, 0}},
	} {
		if err := mem.Index(ctx, "u1", s); err != nil {
			t.Fatalf("Index %s: %v", s.ID, err)
		}
	}

	got, err = mem.FindSimilar(ctx, "u1", []float32{0.1, 0.9, 0, 0})
	if err != nil {
		t.Fatalf("FindSimilar: %v", err)
	}
	if got == nil || got.ID != "s-rain" {
		t.Fatalf("FindSimilar = %+v, want s-rain", got)
	}

	if err := mem.Index(ctx, "u1", types.Summary{Text: "x", Embedding: []float32{1, 0}}); !errors.Is(err, postgres.ErrDimensionMismatch) {
		t.Errorf("want ErrDimensionMismatch, got %v", err)
	}

	// Other users are isolated.
	other, err := mem.FindSimilar(ctx, "u2", []float32{1, 0, 0, 0})
	if err != nil || other != nil {
		t.Errorf("u2: got %v, %v", other, err)
	}

	if err := mem.DropAll(ctx, "u1"); err != nil {
		t.Fatalf("DropAll: %v", err)
	}
	if err := mem.DropAll(ctx, "u1"); err != nil {
		t.Fatalf("DropAll twice: %v", err)
	}
	got, err = mem.FindSimilar(ctx, "u1", []float32{1, 0, 0, 0})
	if err != nil || got != nil {
		t.Errorf("after drop: got %v, %v", got, err)
	}
}
