// Package eventbus is a typed publish/subscribe mechanism with before/after
// interception.
//
// Each event name is a [Topic] bound to one payload type. A topic has three
// extension points:
//
//   - OnBefore interceptors run sequentially in registration order before any
//     terminal handler. An interceptor may enrich the payload or cancel the
//     whole emission.
//   - On handlers run concurrently and are awaited by [Topic.Emit].
//   - OnAfter handlers start once every On handler has returned. They run
//     concurrently in the background; their errors are logged and never reach
//     the emitter.
//
// [Topic.WaitForLatest] blocks until the most recently started emission has
// finished its On phase, which lets read-after-write consumers sequence
// themselves against a specific emission.
//
// Topics are registered on a [Bus], which gives access by name and drains
// background work on shutdown.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrCanceled is returned by [Topic.Emit] when an OnBefore interceptor
// canceled the emission.
var ErrCanceled = errors.New("eventbus: emission canceled")

// Handler receives an event payload.
type Handler[T any] func(ctx context.Context, payload T) error

// Interceptor runs before terminal handlers. Returning proceed=false cancels
// the emission; returning an error aborts it.
type Interceptor[T any] func(ctx context.Context, payload T) (proceed bool, err error)

type entry[F any] struct {
	id uint64
	fn F
}

// Topic is a single named event with payload type T. The zero value is not
// usable; create topics with [NewTopic].
type Topic[T any] struct {
	name string
	bus  *Bus

	mu     sync.Mutex
	nextID uint64
	before []entry[Interceptor[T]]
	on     []entry[Handler[T]]
	after  []entry[Handler[T]]

	// latest is closed when the most recently started emission has finished
	// its On phase. Nil until the first emission.
	latest chan struct{}
}

// NewTopic registers a topic named name on b. It panics if the name is
// already taken, which indicates a wiring bug.
func NewTopic[T any](b *Bus, name string) *Topic[T] {
	t := &Topic[T]{name: name, bus: b}
	b.register(name, t)
	return t
}

// Name returns the event name.
func (t *Topic[T]) Name() string { return t.name }

// OnBefore registers an interceptor. The returned func removes it.
func (t *Topic[T]) OnBefore(fn Interceptor[T]) (unsubscribe func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.id()
	t.before = append(t.before, entry[Interceptor[T]]{id: id, fn: fn})
	return func() { t.remove(id) }
}

// On registers a terminal handler. The returned func removes it.
func (t *Topic[T]) On(fn Handler[T]) (unsubscribe func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.id()
	t.on = append(t.on, entry[Handler[T]]{id: id, fn: fn})
	return func() { t.remove(id) }
}

// OnAfter registers a background handler. The returned func removes it.
func (t *Topic[T]) OnAfter(fn Handler[T]) (unsubscribe func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.id()
	t.after = append(t.after, entry[Handler[T]]{id: id, fn: fn})
	return func() { t.remove(id) }
}

// id must be called with mu held.
func (t *Topic[T]) id() uint64 {
	t.nextID++
	return t.nextID
}

func (t *Topic[T]) remove(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.before = slices.DeleteFunc(t.before, func(e entry[Interceptor[T]]) bool { return e.id == id })
	t.on = slices.DeleteFunc(t.on, func(e entry[Handler[T]]) bool { return e.id == id })
	t.after = slices.DeleteFunc(t.after, func(e entry[Handler[T]]) bool { return e.id == id })
}

// Emit delivers payload. It returns after the On phase; OnAfter handlers keep
// running in the background with a context detached from ctx's cancellation.
//
// If an interceptor cancels, Emit returns [ErrCanceled] and no handler runs.
// The first error of an interceptor or On handler is returned and skips the
// OnAfter phase.
func (t *Topic[T]) Emit(ctx context.Context, payload T) error {
	t.mu.Lock()
	done := make(chan struct{})
	t.latest = done
	before := slices.Clone(t.before)
	on := slices.Clone(t.on)
	after := slices.Clone(t.after)
	t.mu.Unlock()

	err := t.deliver(ctx, payload, before, on)
	close(done)
	if err != nil {
		return err
	}

	if len(after) > 0 {
		t.runAfter(context.WithoutCancel(ctx), payload, after)
	}
	return nil
}

func (t *Topic[T]) deliver(ctx context.Context, payload T, before []entry[Interceptor[T]], on []entry[Handler[T]]) error {
	for _, e := range before {
		proceed, err := e.fn(ctx, payload)
		if err != nil {
			return fmt.Errorf("eventbus: %s: before: %w", t.name, err)
		}
		if !proceed {
			return ErrCanceled
		}
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for _, e := range on {
		eg.Go(func() error {
			return e.fn(egCtx, payload)
		})
	}
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("eventbus: %s: %w", t.name, err)
	}
	return nil
}

func (t *Topic[T]) runAfter(ctx context.Context, payload T, after []entry[Handler[T]]) {
	t.bus.inflight.Add(1)
	go func() {
		defer t.bus.inflight.Done()
		var eg errgroup.Group
		for _, e := range after {
			eg.Go(func() error {
				if err := e.fn(ctx, payload); err != nil {
					t.bus.log.Warn("eventbus: after handler failed", "event", t.name, "err", err)
				}
				return nil
			})
		}
		_ = eg.Wait()
	}()
}

// WaitForLatest blocks until the most recent emission has finished its On
// phase, or ctx is done. It returns immediately if nothing was emitted yet.
func (t *Topic[T]) WaitForLatest(ctx context.Context) error {
	t.mu.Lock()
	latest := t.latest
	t.mu.Unlock()
	if latest == nil {
		return nil
	}
	select {
	case <-latest:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ── Bus ──────────────────────────────────────────────────────────────────────

// waiter is the untyped view of a topic.
type waiter interface {
	WaitForLatest(ctx context.Context) error
}

// Bus is a registry of topics.
type Bus struct {
	log *slog.Logger

	mu     sync.RWMutex
	topics map[string]waiter

	inflight sync.WaitGroup
}

// Option configures a [Bus].
type Option func(*Bus)

// WithLogger sets the logger used for OnAfter failures.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		b.log = l
	}
}

// New creates an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{log: slog.Default(), topics: make(map[string]waiter)}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Bus) register(name string, w waiter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.topics[name]; dup {
		panic(fmt.Sprintf("eventbus: topic %q registered twice", name))
	}
	b.topics[name] = w
}

// WaitForLatest waits on the topic registered under name.
func (b *Bus) WaitForLatest(ctx context.Context, name string) error {
	b.mu.RLock()
	w, ok := b.topics[name]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("eventbus: unknown topic %q", name)
	}
	return w.WaitForLatest(ctx)
}

// Drain blocks until all background OnAfter work has finished or ctx is done.
func (b *Bus) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
