// Package chromem provides an in-process [memory.MemoryStore] backed by
// github.com/philippgille/chromem-go.
//
// Every user gets a collection named "summaries_<userID>". Collections are
// created on the first Index call; their dimensionality is fixed by the first
// embedding they receive. With a directory configured the database is
// persisted to disk and survives restarts.
package chromem

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	chromemgo "github.com/philippgille/chromem-go"

	"github.com/MrWong99/lumi/pkg/memory"
	"github.com/MrWong99/lumi/pkg/types"
)

// Compile-time assertion that Store satisfies memory.MemoryStore.
var _ memory.MemoryStore = (*Store)(nil)

// ErrDimensionMismatch is returned when an embedding does not match the
// dimensionality the user's collection was created with.
var ErrDimensionMismatch = errors.New("chromem: embedding dimension mismatch")

// errNoEmbedder is returned by the collection embedding function. Summaries
// always arrive with their embedding attached, so chromem never has to embed.
var errNoEmbedder = errors.New("chromem: documents must carry precomputed embeddings")

const (
	metaSummaryID = "summary_id"
	metaTags      = "tags"
	metaSources   = "source_ids"
	metaCreatedAt = "created_at"
)

// Store implements memory.MemoryStore on top of a chromem-go database.
type Store struct {
	db *chromemgo.DB

	mu   sync.Mutex
	dims map[string]int
}

// Option configures a Store.
type Option func(*options)

type options struct {
	dir      string
	compress bool
}

// WithPersistence stores the database below dir. compress enables gzip
// compression of the files.
func WithPersistence(dir string, compress bool) Option {
	return func(o *options) {
		o.dir = dir
		o.compress = compress
	}
}

// New opens a Store. Without options the database lives in memory only.
func New(opts ...Option) (*Store, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	var db *chromemgo.DB
	if o.dir == "" {
		db = chromemgo.NewDB()
	} else {
		var err error
		db, err = chromemgo.NewPersistentDB(o.dir, o.compress)
		if err != nil {
			return nil, fmt.Errorf("chromem: open %q: %w", o.dir, err)
		}
	}
	return &Store{db: db, dims: make(map[string]int)}, nil
}

// collectionName returns the per-user collection name.
func collectionName(userID string) string {
	return "summaries_" + userID
}

func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errNoEmbedder
}

// FindSimilar implements [memory.MemoryStore].
func (s *Store) FindSimilar(ctx context.Context, userID string, query []float32) (*types.Summary, error) {
	if len(query) == 0 {
		return nil, errors.New("chromem: find similar: empty query embedding")
	}
	col := s.db.GetCollection(collectionName(userID), noEmbedding)
	if col == nil || col.Count() == 0 {
		return nil, nil
	}
	if err := s.checkDims(ctx, userID, query, false); err != nil {
		return nil, err
	}

	results, err := col.QueryEmbedding(ctx, query, 1, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem: find similar for user %s: %w", userID, err)
	}
	if len(results) == 0 {
		return nil, nil
	}
	sum := fromResult(userID, results[0])
	return &sum, nil
}

// Index implements [memory.MemoryStore].
func (s *Store) Index(ctx context.Context, userID string, sum types.Summary) error {
	if len(sum.Embedding) == 0 {
		return errors.New("chromem: index: summary has no embedding")
	}
	if err := s.checkDims(ctx, userID, sum.Embedding, true); err != nil {
		return err
	}

	col, err := s.db.GetOrCreateCollection(collectionName(userID), map[string]string{"user_id": userID}, noEmbedding)
	if err != nil {
		return fmt.Errorf("chromem: create collection for user %s: %w", userID, err)
	}

	id := sum.ID
	if id == "" {
		id = uuid.NewString()
	}
	created := sum.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	doc := chromemgo.Document{
		ID:      id,
		Content: sum.Text,
		Metadata: map[string]string{
			metaSummaryID: sum.ID,
			metaTags:      strings.Join(sum.Tags, ","),
			metaSources:   strings.Join(sum.SourceIDs(), ","),
			metaCreatedAt: created.UTC().Format(time.RFC3339Nano),
		},
		Embedding: sum.Embedding,
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("chromem: index summary for user %s: %w", userID, err)
	}
	return nil
}

// DropAll implements [memory.MemoryStore].
func (s *Store) DropAll(_ context.Context, userID string) error {
	s.mu.Lock()
	delete(s.dims, userID)
	s.mu.Unlock()

	if err := s.db.DeleteCollection(collectionName(userID)); err != nil {
		return fmt.Errorf("chromem: drop collection for user %s: %w", userID, err)
	}
	return nil
}

// checkDims compares the length of vec against the dimensionality of the
// user's collection. When record is set, a user without any documents adopts
// it.
func (s *Store) checkDims(ctx context.Context, userID string, vec []float32, record bool) error {
	n := len(vec)
	s.mu.Lock()
	want, ok := s.dims[userID]
	s.mu.Unlock()
	if !ok {
		var err error
		if want, ok, err = s.storedDims(ctx, userID, vec); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !ok {
		if record {
			s.dims[userID] = n
		}
		return nil
	}
	s.dims[userID] = want
	if want != n {
		return fmt.Errorf("%w: collection has %d dimensions, got %d", ErrDimensionMismatch, want, n)
	}
	return nil
}

// storedDims reads the dimensionality of a collection that was persisted by
// an earlier process from its document nearest to vec.
func (s *Store) storedDims(ctx context.Context, userID string, vec []float32) (int, bool, error) {
	col := s.db.GetCollection(collectionName(userID), noEmbedding)
	if col == nil || col.Count() == 0 {
		return 0, false, nil
	}
	results, err := col.QueryEmbedding(ctx, vec, 1, nil, nil)
	switch {
	case ctx.Err() != nil:
		return 0, false, ctx.Err()
	case err != nil:
		// chromem refuses to compare vectors of different lengths.
		return 0, false, fmt.Errorf("%w: %v", ErrDimensionMismatch, err)
	case len(results) == 0:
		return 0, false, nil
	}
	return len(results[0].Embedding), true, nil
}

func fromResult(userID string, r chromemgo.Result) types.Summary {
	sum := types.Summary{
		ID:        r.Metadata[metaSummaryID],
		UserID:    userID,
		Text:      r.Content,
		Embedding: r.Embedding,
	}
	if sum.ID == "" {
		sum.ID = r.ID
	}
	if tags := r.Metadata[metaTags]; tags != "" {
		sum.Tags = strings.Split(tags, ",")
	}
	if src := r.Metadata[metaSources]; src != "" {
		for _, id := range strings.Split(src, ",") {
			sum.SourceMessages = append(sum.SourceMessages, types.Message{ID: id})
		}
	}
	if ts, err := time.Parse(time.RFC3339Nano, r.Metadata[metaCreatedAt]); err == nil {
		sum.CreatedAt = ts
	}
	return sum
}
