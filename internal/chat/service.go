package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/MrWong99/lumi/internal/observe"
	"github.com/MrWong99/lumi/pkg/memory"
	"github.com/MrWong99/lumi/pkg/types"
)

// DefaultPersona is used for users without a stored persona.
var DefaultPersona = types.Persona{Name: "Lumi", Traits: "curious, warm, witty"}

// Delivery carries the outcome of an asynchronous turn to the user's open
// connections. Exactly one of Reply and Err is meaningful.
type Delivery struct {
	UserID string
	Reply  types.Message
	Err    error
}

// ReplyFunc receives deliveries for one connection. It must not block.
type ReplyFunc func(Delivery)

// UserSink is told when a user asked to be forgotten.
type UserSink interface {
	UserDeleted(ctx context.Context, userID string) error
}

// State is the persisted conversation state the service reads.
type State interface {
	memory.SegmentStore
	memory.PersonaStore
}

// Service is the entry point of the conversation core. It loads the user's
// persona and latest session, serializes turns per user and pushes replies
// to every subscribed connection of that user.
type Service struct {
	orch    *Orchestrator
	state   State
	users   UserSink
	persona types.Persona
	greet   bool

	locks    keyedLock
	inflight sync.WaitGroup

	mu     sync.Mutex
	subs   map[string]map[int]ReplyFunc
	nextID int
}

// ServiceOption is a functional option for [Service].
type ServiceOption func(*Service)

// WithDefaultPersona sets the persona of users without an override.
func WithDefaultPersona(p types.Persona) ServiceOption {
	return func(s *Service) {
		s.persona = p
	}
}

// WithGreeting makes [Service.Open] greet users that have no session yet.
func WithGreeting(enabled bool) ServiceOption {
	return func(s *Service) {
		s.greet = enabled
	}
}

// NewService creates a Service.
func NewService(orch *Orchestrator, state State, users UserSink, opts ...ServiceOption) (*Service, error) {
	if orch == nil || state == nil || users == nil {
		return nil, errors.New("chat: orchestrator, state and user sink are required")
	}
	s := &Service{
		orch:    orch,
		state:   state,
		users:   users,
		persona: DefaultPersona,
		subs:    make(map[string]map[int]ReplyFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Submit records text as a new user message and returns it once persisted.
// The reply is computed in the background and handed to the user's
// subscribers. Turns of one user never overlap.
//
// When accepted is not nil it is called with the persisted message before
// the reply can be delivered.
func (s *Service) Submit(ctx context.Context, user types.User, text string, accepted func(types.Message)) (types.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return types.Message{}, ErrEmptyMessage
	}
	unlock, err := s.locks.Lock(ctx, user.ID)
	if err != nil {
		return types.Message{}, err
	}

	turn, err := s.load(ctx, user)
	if err != nil {
		unlock()
		return types.Message{}, err
	}
	incoming := types.Message{Role: types.RoleUser, Text: text}
	if err := s.orch.Accept(ctx, user.ID, &incoming); err != nil {
		unlock()
		return types.Message{}, err
	}
	if accepted != nil {
		accepted(incoming)
	}

	bg := context.WithoutCancel(ctx)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer unlock()
		out, err := s.orch.Respond(bg, turn, incoming)
		if err != nil {
			observe.Logger(bg).Error("chat: turn failed", "user_id", user.ID, "err", err)
		}
		s.deliver(Delivery{UserID: user.ID, Reply: out.Reply, Err: err})
	}()
	return incoming, nil
}

// Converse is the synchronous variant of [Service.Submit]. It returns the
// persisted user message together with the reply.
func (s *Service) Converse(ctx context.Context, user types.User, text string) (types.Message, Outcome, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return types.Message{}, Outcome{}, ErrEmptyMessage
	}
	unlock, err := s.locks.Lock(ctx, user.ID)
	if err != nil {
		return types.Message{}, Outcome{}, err
	}
	defer unlock()

	turn, err := s.load(ctx, user)
	if err != nil {
		return types.Message{}, Outcome{}, err
	}
	incoming := types.Message{Role: types.RoleUser, Text: text}
	out, err := s.orch.Handle(ctx, turn, &incoming)
	return incoming, out, err
}

// Start begins a brand-new conversation in which the assistant introduces
// itself. The greeting is returned and delivered to the subscribers.
func (s *Service) Start(ctx context.Context, user types.User) (types.Message, error) {
	unlock, err := s.locks.Lock(ctx, user.ID)
	if err != nil {
		return types.Message{}, err
	}
	defer unlock()
	return s.introduce(ctx, user)
}

// greetIfNew greets user unless a conversation exists by the time the
// user's lock is held.
func (s *Service) greetIfNew(ctx context.Context, user types.User) error {
	unlock, err := s.locks.Lock(ctx, user.ID)
	if err != nil {
		return err
	}
	defer unlock()

	_, err = s.state.LatestSegment(ctx, user.ID)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, memory.ErrNotFound):
		return fmt.Errorf("chat: load session: %w", err)
	}
	_, err = s.introduce(ctx, user)
	return err
}

// introduce runs the greeting turn. The caller holds the user's lock.
func (s *Service) introduce(ctx context.Context, user types.User) (types.Message, error) {
	persona, err := s.personaOf(ctx, user.ID)
	if err != nil {
		return types.Message{}, err
	}
	turn := &Turn{User: user, Persona: persona, Session: &types.Session{UserID: user.ID}}
	out, err := s.orch.Greet(ctx, turn)
	if err != nil {
		return types.Message{}, err
	}
	s.deliver(Delivery{UserID: user.ID, Reply: out.Reply})
	return out.Reply, nil
}

// Persona returns the persona the user converses with and whether it was
// stored for the user rather than taken from the default.
func (s *Service) Persona(ctx context.Context, userID string) (types.Persona, bool, error) {
	p, err := s.state.LoadPersona(ctx, userID)
	switch {
	case errors.Is(err, memory.ErrNotFound):
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.persona, false, nil
	case err != nil:
		return types.Persona{}, false, fmt.Errorf("chat: load persona: %w", err)
	}
	return p, true, nil
}

// SetPersona stores the persona of the user and starts a new conversation
// with it.
func (s *Service) SetPersona(ctx context.Context, user types.User, p types.Persona) (types.Message, error) {
	if strings.TrimSpace(p.Name) == "" {
		return types.Message{}, &RequestError{Status: http.StatusBadRequest, Message: "Persona name must not be empty"}
	}
	if err := s.state.SavePersona(ctx, user.ID, p); err != nil {
		return types.Message{}, fmt.Errorf("chat: save persona: %w", err)
	}
	return s.Start(ctx, user)
}

// Open subscribes fn to the user's deliveries. With greeting enabled a user
// without any session is greeted in the background. The returned function
// unsubscribes.
func (s *Service) Open(ctx context.Context, user types.User, fn ReplyFunc) (func(), error) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	if s.subs[user.ID] == nil {
		s.subs[user.ID] = make(map[int]ReplyFunc)
	}
	s.subs[user.ID][id] = fn
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs[user.ID], id)
		if len(s.subs[user.ID]) == 0 {
			delete(s.subs, user.ID)
		}
	}

	if !s.greet {
		return cancel, nil
	}
	_, err := s.state.LatestSegment(ctx, user.ID)
	switch {
	case errors.Is(err, memory.ErrNotFound):
		bg := context.WithoutCancel(ctx)
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			if err := s.greetIfNew(bg, user); err != nil {
				observe.Logger(bg).Error("chat: greeting failed", "user_id", user.ID, "err", err)
				s.deliver(Delivery{UserID: user.ID, Err: err})
			}
		}()
	case err != nil:
		cancel()
		return nil, fmt.Errorf("chat: open: %w", err)
	}
	return cancel, nil
}

// SetDefaultPersona replaces the persona of users without an override. Turns
// already running keep the persona they loaded.
func (s *Service) SetDefaultPersona(p types.Persona) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persona = p
}

// DeleteUser forgets everything about the user.
func (s *Service) DeleteUser(ctx context.Context, userID string) error {
	unlock, err := s.locks.Lock(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()
	if err := s.users.UserDeleted(ctx, userID); err != nil {
		return fmt.Errorf("chat: delete user: %w", err)
	}
	return nil
}

// Close waits for running turns and background summaries.
func (s *Service) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.orch.Wait(ctx)
}

// load assembles the turn state of user.
func (s *Service) load(ctx context.Context, user types.User) (*Turn, error) {
	persona, err := s.personaOf(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	session, err := s.state.LatestSegment(ctx, user.ID)
	switch {
	case errors.Is(err, memory.ErrNotFound):
		session = &types.Session{UserID: user.ID}
	case err != nil:
		return nil, fmt.Errorf("chat: load session: %w", err)
	}
	return &Turn{User: user, Persona: persona, Session: session}, nil
}

func (s *Service) personaOf(ctx context.Context, userID string) (types.Persona, error) {
	p, _, err := s.Persona(ctx, userID)
	return p, err
}

func (s *Service) deliver(d Delivery) {
	s.mu.Lock()
	fns := make([]ReplyFunc, 0, len(s.subs[d.UserID]))
	for _, fn := range s.subs[d.UserID] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(d)
	}
}
