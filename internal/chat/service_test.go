package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/lumi/pkg/completion"
	"github.com/MrWong99/lumi/pkg/memory/inmem"
	memmock "github.com/MrWong99/lumi/pkg/memory/mock"
	embmock "github.com/MrWong99/lumi/pkg/provider/embeddings/mock"
	"github.com/MrWong99/lumi/pkg/provider/llm"
	llmmock "github.com/MrWong99/lumi/pkg/provider/llm/mock"
	"github.com/MrWong99/lumi/pkg/types"
)

// repoSessions persists segments into the repository the service reads.
type repoSessions struct {
	repo *inmem.Repository
}

func (r repoSessions) SegmentUpdated(ctx context.Context, s *types.Session) error {
	return r.repo.SaveSegment(ctx, s)
}

type serviceFixture struct {
	llm   *llmmock.Provider
	repo  *inmem.Repository
	sinks *sinks
	svc   *Service
}

func newServiceFixture(t *testing.T, opts ...ServiceOption) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		llm:  &llmmock.Provider{CompleteResponse: reply("Hello there!")},
		repo: inmem.New(),
	}
	g, err := completion.New(f.llm, &embmock.Provider{EmbedResult: []float32{1, 0}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.sinks = &sinks{gateway: g}
	orch, err := NewOrchestrator(g, &memmock.MemoryStore{}, f.sinks, repoSessions{f.repo}, f.sinks)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.svc, err = NewService(orch, f.repo, f.sinks, opts...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := f.svc.Close(ctx); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	return f
}

func collect(t *testing.T, ch <-chan Delivery) Delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return Delivery{}
	}
}

func TestService_SubmitDeliversReply(t *testing.T) {
	f := newServiceFixture(t)
	ch := make(chan Delivery, 4)
	unsubscribe, err := f.svc.Open(context.Background(), testUser, func(d Delivery) { ch <- d })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unsubscribe()

	ack, err := f.svc.Submit(context.Background(), testUser, "  Hi there  ", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ack.ID == "" || ack.Text != "Hi there" || ack.Role != types.RoleUser {
		t.Errorf("ack = %+v", ack)
	}

	d := collect(t, ch)
	if d.Err != nil {
		t.Fatalf("delivery error: %v", d.Err)
	}
	if d.Reply.Text != "Hello there!" || d.UserID != testUser.ID {
		t.Errorf("delivery = %+v", d)
	}

	seg, err := f.repo.LatestSegment(context.Background(), testUser.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if last, _ := seg.Last(); last.Text != "Hello there!" {
		t.Errorf("segment ends with %+v", last)
	}
}

func TestService_SubmitAcceptedBeforeReply(t *testing.T) {
	f := newServiceFixture(t)
	var (
		mu     sync.Mutex
		events []string
	)
	record := func(e string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	}
	done := make(chan struct{})
	unsubscribe, _ := f.svc.Open(context.Background(), testUser, func(d Delivery) {
		record("reply:" + d.Reply.Text)
		close(done)
	})
	defer unsubscribe()

	ack, err := f.svc.Submit(context.Background(), testUser, "Hi", func(m types.Message) {
		// Give a fast reply every chance to overtake the acknowledgement.
		time.Sleep(10 * time.Millisecond)
		record("accepted:" + m.Text)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ack.Text != "Hi" {
		t.Errorf("ack = %+v", ack)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"accepted:Hi", "reply:Hello there!"}
	if len(events) != 2 || events[0] != want[0] || events[1] != want[1] {
		t.Errorf("events = %v, want %v", events, want)
	}
}

func TestService_SubmitDeliversError(t *testing.T) {
	f := newServiceFixture(t)
	f.llm.CompleteResponse = nil
	ch := make(chan Delivery, 1)
	unsubscribe, _ := f.svc.Open(context.Background(), testUser, func(d Delivery) { ch <- d })
	defer unsubscribe()

	if _, err := f.svc.Submit(context.Background(), testUser, "Hi", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d := collect(t, ch); !errors.Is(d.Err, completion.ErrNoResponse) {
		t.Fatalf("expected ErrNoResponse, got %v", d.Err)
	}
}

func TestService_SubmitEmpty(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.svc.Submit(context.Background(), testUser, " \n ", nil)
	var re *RequestError
	if !errors.As(err, &re) || re.Code() != 400 {
		t.Fatalf("expected 400 RequestError, got %v", err)
	}
}

func TestService_SerializesTurnsPerUser(t *testing.T) {
	f := newServiceFixture(t)

	var (
		mu           sync.Mutex
		active, seen int
		maxActive    int
	)
	f.llm.CompleteFunc = func(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if req.ForcedTool == FuncSummarize {
			return call(FuncSummarize, `{"summary":"s","tags":"t"}`), nil
		}
		mu.Lock()
		active++
		seen++
		maxActive = max(maxActive, active)
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return reply("ok"), nil
	}

	ch := make(chan Delivery, 8)
	unsubscribe, _ := f.svc.Open(context.Background(), testUser, func(d Delivery) { ch <- d })
	defer unsubscribe()

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Submit(context.Background(), testUser, "Hi", nil); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	for range 4 {
		if d := collect(t, ch); d.Err != nil {
			t.Errorf("delivery error: %v", d.Err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if seen != 4 || maxActive != 1 {
		t.Errorf("seen=%d maxActive=%d, want 4 and 1", seen, maxActive)
	}
	persisted, _ := f.sinks.recorded()
	if len(persisted) != 8 {
		t.Errorf("persisted %d messages, want 8", len(persisted))
	}
}

func TestService_OpenGreetsNewUser(t *testing.T) {
	f := newServiceFixture(t, WithGreeting(true), WithDefaultPersona(types.Persona{Name: "Nova", Traits: "calm"}))
	f.llm.CompleteResponse = reply("Hi, I am Nova!")

	ch := make(chan Delivery, 2)
	unsubscribe, err := f.svc.Open(context.Background(), testUser, func(d Delivery) { ch <- d })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unsubscribe()

	d := collect(t, ch)
	if d.Err != nil || d.Reply.Text != "Hi, I am Nova!" {
		t.Fatalf("delivery = %+v", d)
	}
	if sys := f.llm.Calls()[0].Req.Messages[0].Content; !strings.Contains(sys, "Name: Nova") {
		t.Errorf("default persona not used: %q", sys)
	}

	// A returning user is not greeted again.
	second, err := f.svc.Open(context.Background(), testUser, func(Delivery) {})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := f.svc.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if n := len(f.llm.Calls()); n != 1 {
		t.Errorf("expected 1 completion, got %d", n)
	}
}

func TestService_GreetingYieldsToFirstTurn(t *testing.T) {
	f := newServiceFixture(t, WithGreeting(true))

	// The first turn holds the user's lock when the connection opens.
	unlock, err := f.svc.locks.Lock(context.Background(), testUser.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ch := make(chan Delivery, 2)
	unsubscribe, err := f.svc.Open(context.Background(), testUser, func(d Delivery) { ch <- d })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unsubscribe()

	first := &types.Session{UserID: testUser.ID, Messages: []types.Message{
		{Role: types.RoleSystem, Text: "sys"},
		{Role: types.RoleUser, Text: "Hi"},
		{Role: types.RoleAssistant, Text: "Hello!"},
	}}
	if err := f.repo.SaveSegment(context.Background(), first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.svc.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if n := len(f.llm.Calls()); n != 0 {
		t.Errorf("greeting ran after the first turn: %d completions", n)
	}
	select {
	case d := <-ch:
		t.Errorf("unexpected delivery %+v", d)
	default:
	}
	seg, err := f.repo.LatestSegment(context.Background(), testUser.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(seg.Messages) != 3 || seg.Messages[1].Text != "Hi" {
		t.Errorf("first turn overwritten: %+v", seg.Messages)
	}
}

func TestService_Persona(t *testing.T) {
	f := newServiceFixture(t, WithDefaultPersona(types.Persona{Name: "Nova", Traits: "calm"}))

	p, stored, err := f.svc.Persona(context.Background(), testUser.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored || p.Name != "Nova" {
		t.Errorf("Persona = %+v, %v; want default Nova", p, stored)
	}

	if err := f.repo.SavePersona(context.Background(), testUser.ID, types.Persona{Name: "Orbit", Traits: "nerdy"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p, stored, err = f.svc.Persona(context.Background(), testUser.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !stored || p.Name != "Orbit" || p.Traits != "nerdy" {
		t.Errorf("Persona = %+v, %v; want stored Orbit", p, stored)
	}
}

func TestService_SetPersona(t *testing.T) {
	f := newServiceFixture(t)
	greeting, err := f.svc.SetPersona(context.Background(), testUser, types.Persona{Name: "Orbit", Traits: "nerdy"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if greeting.Text != "Hello there!" {
		t.Errorf("greeting = %+v", greeting)
	}

	if _, _, err := f.svc.Converse(context.Background(), testUser, "Hi"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	calls := f.llm.Calls()
	if sys := calls[len(calls)-1].Req.Messages[0].Content; !strings.Contains(sys, "Name: Orbit") {
		t.Errorf("stored persona not used: %q", sys)
	}

	if _, err := f.svc.SetPersona(context.Background(), testUser, types.Persona{}); err == nil {
		t.Error("expected error for empty persona")
	}
}

func TestService_SetDefaultPersona(t *testing.T) {
	f := newServiceFixture(t)
	f.svc.SetDefaultPersona(types.Persona{Name: "Nova", Traits: "bold"})

	if _, _, err := f.svc.Converse(context.Background(), testUser, "Hi"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	calls := f.llm.Calls()
	if sys := calls[len(calls)-1].Req.Messages[0].Content; !strings.Contains(sys, "Name: Nova") {
		t.Errorf("default persona not used: %q", sys)
	}
}

func TestService_DeleteUser(t *testing.T) {
	f := newServiceFixture(t)
	if err := f.svc.DeleteUser(context.Background(), "u9"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.sinks.mu.Lock()
	defer f.sinks.mu.Unlock()
	if len(f.sinks.deleted) != 1 || f.sinks.deleted[0] != "u9" {
		t.Errorf("deleted = %v", f.sinks.deleted)
	}
}

func TestKeyedLock(t *testing.T) {
	var k keyedLock
	unlock, err := k.Lock(context.Background(), "a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Other keys are independent.
	other, err := k.Lock(context.Background(), "b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	other()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := k.Lock(ctx, "a"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	unlock()
	unlock()
	if n := k.size(); n != 0 {
		t.Errorf("size = %d after release, want 0", n)
	}
}
