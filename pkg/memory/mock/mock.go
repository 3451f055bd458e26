// Package mock provides test doubles for the memory layer interfaces.
//
// Each mock records every method call for assertion in tests and exposes
// exported fields that control what the mock returns. All mocks are safe for
// concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	store := &mock.MemoryStore{}
//	store.FindSimilarResult = &types.Summary{Text: "We talked about cats."}
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("FindSimilar"); got != 1 {
//	    t.Errorf("expected 1 FindSimilar call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/lumi/pkg/memory"
	"github.com/MrWong99/lumi/pkg/types"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// MemoryStore is a configurable test double for [memory.MemoryStore].
type MemoryStore struct {
	mu sync.Mutex

	// calls records every method invocation in order.
	calls []Call

	// indexed holds every summary passed to Index.
	indexed []types.Summary

	// FindSimilarResult is returned by [MemoryStore.FindSimilar]. Nil means no match.
	FindSimilarResult *types.Summary

	// FindSimilarErr is returned by [MemoryStore.FindSimilar] when non-nil.
	FindSimilarErr error

	// IndexErr is returned by [MemoryStore.Index] when non-nil.
	IndexErr error

	// DropAllErr is returned by [MemoryStore.DropAll] when non-nil.
	DropAllErr error

	// OnIndex, if set, is called after every Index invocation is recorded.
	OnIndex func(userID string, s types.Summary)
}

func (m *MemoryStore) record(method string, args ...any) {
	m.calls = append(m.calls, Call{Method: method, Args: args})
}

// Calls returns a copy of all recorded method invocations.
func (m *MemoryStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *MemoryStore) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Indexed returns a copy of all summaries passed to Index.
func (m *MemoryStore) Indexed() []types.Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Summary(nil), m.indexed...)
}

// Reset clears all recorded calls.
func (m *MemoryStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.indexed = nil
}

// FindSimilar implements [memory.MemoryStore].
func (m *MemoryStore) FindSimilar(_ context.Context, userID string, query []float32) (*types.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("FindSimilar", userID, query)
	if m.FindSimilarErr != nil {
		return nil, m.FindSimilarErr
	}
	if m.FindSimilarResult == nil {
		return nil, nil
	}
	s := *m.FindSimilarResult
	return &s, nil
}

// Index implements [memory.MemoryStore].
func (m *MemoryStore) Index(_ context.Context, userID string, s types.Summary) error {
	m.mu.Lock()
	m.record("Index", userID, s)
	if m.IndexErr != nil {
		err := m.IndexErr
		m.mu.Unlock()
		return err
	}
	m.indexed = append(m.indexed, s)
	hook := m.OnIndex
	m.mu.Unlock()
	if hook != nil {
		hook(userID, s)
	}
	return nil
}

// DropAll implements [memory.MemoryStore].
func (m *MemoryStore) DropAll(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DropAll", userID)
	return m.DropAllErr
}

var _ memory.MemoryStore = (*MemoryStore)(nil)
