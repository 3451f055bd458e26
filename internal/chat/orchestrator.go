// Package chat implements the conversation core of Lumi.
//
// The [Orchestrator] decides for every incoming user message whether the
// conversation continues, gets compacted because the context window is full,
// or pivots to a new topic, and then drives the completion model until it
// produces a natural-language reply. The [Service] sits in front of it and
// adds persona lookup, session loading, per-user serialization and
// asynchronous reply delivery.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/lumi/internal/observe"
	"github.com/MrWong99/lumi/pkg/completion"
	"github.com/MrWong99/lumi/pkg/memory"
	"github.com/MrWong99/lumi/pkg/types"
)

// Defaults applied by [NewOrchestrator].
const (
	DefaultMaxTokens           = 3800
	DefaultSimilarityThreshold = 0.72
	DefaultMaxSteps            = 8
)

// Decision is the policy outcome for one incoming message.
type Decision string

const (
	// DecisionContinue appends the message to the current session.
	DecisionContinue Decision = "continue"

	// DecisionCompact replaces the session with a summary because the token
	// budget would be exceeded.
	DecisionCompact Decision = "compact"

	// DecisionSwitch starts a fresh session because the message drifted away
	// from the current topic.
	DecisionSwitch Decision = "switch"
)

// Turn is the request-scoped state of one conversational exchange.
type Turn struct {
	User    types.User
	Persona types.Persona

	// Session is mutated in place. Compaction and topic switches replace
	// its messages and clear its ID.
	Session *types.Session
}

// Outcome is the result of [Orchestrator.Respond].
type Outcome struct {
	Reply    types.Message
	Decision Decision

	// Steps is the number of completion calls the turn needed.
	Steps int
}

// Orchestrator runs the decision policy and the function resolution loop.
// It holds no per-user state and is safe for concurrent use as long as each
// session is only handled by one turn at a time.
type Orchestrator struct {
	completer  Completer
	memory     memory.MemoryStore
	messages   MessageSink
	sessions   SessionSink
	summaries  SummarySink
	summariser *Summariser

	maxTokens int
	threshold float64
	maxSteps  int
	metrics   *observe.Metrics
	now       func() time.Time

	background sync.WaitGroup
}

// Option is a functional option for [Orchestrator].
type Option func(*Orchestrator)

// WithMaxTokens sets the token budget of a session.
func WithMaxTokens(n int) Option {
	return func(o *Orchestrator) {
		o.maxTokens = n
	}
}

// WithSimilarityThreshold sets the minimum cosine similarity for a message to
// continue the current topic.
func WithSimilarityThreshold(t float64) Option {
	return func(o *Orchestrator) {
		o.threshold = t
	}
}

// WithMaxSteps bounds the number of completion calls per turn.
func WithMaxSteps(n int) Option {
	return func(o *Orchestrator) {
		o.maxSteps = n
	}
}

// WithMetrics overrides the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithClock overrides the time source used for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// NewOrchestrator creates an Orchestrator. All collaborators are required.
func NewOrchestrator(c Completer, mem memory.MemoryStore, messages MessageSink, sessions SessionSink, summaries SummarySink, opts ...Option) (*Orchestrator, error) {
	switch {
	case c == nil:
		return nil, errors.New("chat: completer must not be nil")
	case mem == nil:
		return nil, errors.New("chat: memory store must not be nil")
	case messages == nil || sessions == nil || summaries == nil:
		return nil, errors.New("chat: sinks must not be nil")
	}
	o := &Orchestrator{
		completer: c,
		memory:    mem,
		messages:  messages,
		sessions:  sessions,
		summaries: summaries,
		maxTokens: DefaultMaxTokens,
		threshold: DefaultSimilarityThreshold,
		maxSteps:  DefaultMaxSteps,
		metrics:   observe.DefaultMetrics(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.maxTokens <= 0 || o.maxSteps <= 0 {
		return nil, errors.New("chat: token budget and step limit must be positive")
	}
	if o.threshold <= 0 || o.threshold > 1 {
		return nil, fmt.Errorf("chat: similarity threshold %v outside (0, 1]", o.threshold)
	}
	o.summariser = &Summariser{completer: c, now: o.now}
	return o, nil
}

// Accept records an incoming user message. The message sink is awaited and
// the embedding is attached here if the sink did not do it already.
func (o *Orchestrator) Accept(ctx context.Context, userID string, m *types.Message) error {
	m.Role = types.RoleUser
	if m.Timestamp.IsZero() {
		m.Timestamp = o.now()
	}
	if err := o.messages.MessageCreated(ctx, userID, m); err != nil {
		return fmt.Errorf("chat: accept: %w", err)
	}
	if err := o.completer.EmbedMessage(ctx, m); err != nil {
		return fmt.Errorf("chat: accept: %w", err)
	}
	return nil
}

// Handle accepts incoming and responds to it.
func (o *Orchestrator) Handle(ctx context.Context, turn *Turn, incoming *types.Message) (Outcome, error) {
	if err := o.Accept(ctx, turn.User.ID, incoming); err != nil {
		return Outcome{}, err
	}
	return o.Respond(ctx, turn, *incoming)
}

// Respond applies the decision policy to an accepted message and resolves
// the model's answer into a reply. The reply is persisted through the
// message sink and appended to the session.
func (o *Orchestrator) Respond(ctx context.Context, turn *Turn, incoming types.Message) (Outcome, error) {
	ctx, span := observe.StartTurnSpan(ctx, "chat.respond", turn.User.ID)
	defer span.End()

	decision, err := o.decide(ctx, turn, incoming)
	if err != nil {
		observe.SpanError(span, err)
		return Outcome{}, err
	}
	span.SetAttributes(attribute.String("decision", string(decision)))
	o.metrics.RecordDecision(ctx, string(decision))

	if err := o.sessions.SegmentUpdated(ctx, turn.Session); err != nil {
		return Outcome{}, fmt.Errorf("chat: update segment: %w", err)
	}

	reply, steps, err := o.resolve(ctx, turn, len(turn.Session.Messages)-1)
	if err != nil {
		observe.SpanError(span, err)
		return Outcome{}, err
	}
	span.SetAttributes(attribute.Int("steps", steps))
	return Outcome{Reply: reply, Decision: decision, Steps: steps}, nil
}

// Greet seeds an empty session with the persona and asks the model to open
// the conversation. The opening prompt is kept in the session but never
// persisted as a user message.
func (o *Orchestrator) Greet(ctx context.Context, turn *Turn) (Outcome, error) {
	ctx, span := observe.StartTurnSpan(ctx, "chat.greet", turn.User.ID)
	defer span.End()

	turn.Session.ID = ""
	turn.Session.Messages = []types.Message{
		o.system(turn, ""),
		{Role: types.RoleUser, Text: greetingPrompt, Timestamp: o.now()},
	}
	reply, steps, err := o.resolve(ctx, turn, -1)
	if err != nil {
		observe.SpanError(span, err)
		return Outcome{}, err
	}
	return Outcome{Reply: reply, Steps: steps}, nil
}

// Wait blocks until background summaries started by topic switches have
// finished or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ── Decision policy ──────────────────────────────────────────────────────────

// decide picks continue, compact or switch and rewrites the session so that
// incoming is its last message.
func (o *Orchestrator) decide(ctx context.Context, turn *Turn, incoming types.Message) (Decision, error) {
	s := turn.Session
	window := make([]types.Message, 0, len(s.Messages)+1)
	window = append(window, s.Messages...)
	window = append(window, incoming)

	tokens, err := o.completer.CountTokens(window)
	if err != nil {
		return "", fmt.Errorf("chat: count tokens: %w", err)
	}
	if tokens > o.maxTokens {
		if err := o.compact(ctx, turn, incoming); err != nil {
			return "", err
		}
		return DecisionCompact, nil
	}

	if last, ok := s.Last(); ok && memory.CosineSimilarity(last.Embedding, incoming.Embedding) >= o.threshold {
		s.Append(incoming)
		return DecisionContinue, nil
	}

	if err := o.switchTopic(ctx, turn, incoming); err != nil {
		return "", err
	}
	return DecisionSwitch, nil
}

// compact summarizes the session synchronously and replaces it with the
// persona, the summary and incoming. On failure the session is untouched.
func (o *Orchestrator) compact(ctx context.Context, turn *Turn, incoming types.Message) error {
	userID := turn.User.ID
	summary, err := o.summariser.Summarise(ctx, userID, turn.Session.Messages)
	if err != nil {
		first, last := idRange(turn.Session.Messages)
		observe.Logger(ctx).Error("chat: summary generation failed", "user_id", userID, "first_id", first, "last_id", last, "err", err)
		return err
	}
	if err := o.summaries.SummaryCreated(ctx, userID, summary); err != nil {
		observe.Logger(ctx).Warn("chat: summary not recorded", "user_id", userID, "err", err)
	}

	turn.Session.ID = ""
	turn.Session.Messages = []types.Message{
		o.system(turn, ""),
		{Role: types.RoleAssistant, Text: compactionNote(summary.Text), Timestamp: o.now()},
		incoming,
	}
	return nil
}

// switchTopic summarizes the old session in the background, recalls the most
// similar earlier conversation and starts a fresh session.
func (o *Orchestrator) switchTopic(ctx context.Context, turn *Turn, incoming types.Message) error {
	userID := turn.User.ID
	if old := turn.Session.Clone(); len(persistedOnly(old.Messages)) > 0 {
		o.summarizeInBackground(ctx, userID, old.Messages)
	}

	recalled, err := o.memory.FindSimilar(ctx, userID, incoming.Embedding)
	if err != nil {
		return fmt.Errorf("chat: recall: %w", err)
	}
	var text string
	if recalled != nil {
		text = recalled.Text
	}

	turn.Session.ID = ""
	turn.Session.Messages = []types.Message{o.system(turn, text), incoming}
	return nil
}

// summarizeInBackground produces and records a summary of msgs without
// blocking the turn. Failures are logged and dropped.
func (o *Orchestrator) summarizeInBackground(ctx context.Context, userID string, msgs []types.Message) {
	ctx = context.WithoutCancel(ctx)
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		log := observe.Logger(ctx)
		summary, err := o.summariser.Summarise(ctx, userID, msgs)
		if err != nil {
			first, last := idRange(msgs)
			log.Error("chat: summary generation failed", "user_id", userID, "first_id", first, "last_id", last, "err", err)
			return
		}
		if err := o.summaries.SummaryCreated(ctx, userID, summary); err != nil {
			log.Warn("chat: summary not recorded", "user_id", userID, "err", err)
		}
	}()
}

func (o *Orchestrator) system(turn *Turn, recalled string) types.Message {
	return types.Message{
		Role:      types.RoleSystem,
		Text:      systemPrompt(turn.Persona, turn.User, recalled),
		Timestamp: o.now(),
	}
}

// ── Resolution loop ──────────────────────────────────────────────────────────

// resolve calls the model until it replies, answering function calls in
// between. incomingIdx is the session index of the message being answered,
// or -1 when there is none.
func (o *Orchestrator) resolve(ctx context.Context, turn *Turn, incomingIdx int) (types.Message, int, error) {
	s := turn.Session
	for step := 1; step <= o.maxSteps; step++ {
		res, err := o.completer.Complete(ctx, s.Messages, turnFunctions, "")
		if err != nil {
			return types.Message{}, step, err
		}

		if !res.IsCall() {
			reply := types.Message{Role: types.RoleAssistant, Text: res.Reply, Timestamp: o.now()}
			if err := o.messages.MessageCreated(ctx, turn.User.ID, &reply); err != nil {
				return types.Message{}, step, fmt.Errorf("chat: record reply: %w", err)
			}
			s.Append(reply)
			if err := o.sessions.SegmentUpdated(ctx, s); err != nil {
				return types.Message{}, step, fmt.Errorf("chat: update segment: %w", err)
			}
			return reply, step, nil
		}

		call := *res.Call
		o.metrics.RecordFunctionCall(ctx, call.Name)
		observe.Logger(ctx).Debug("chat: function call", "user_id", turn.User.ID, "function", call.Name, "step", step)

		text, err := o.callFunction(ctx, turn, incomingIdx, call)
		if err != nil {
			return types.Message{}, step, err
		}
		s.Append(types.Message{Role: types.RoleFunction, FunctionName: call.Name, Text: text, Timestamp: o.now()})
		if err := o.sessions.SegmentUpdated(ctx, s); err != nil {
			return types.Message{}, step, fmt.Errorf("chat: update segment: %w", err)
		}
	}
	return types.Message{}, o.maxSteps, ErrStepLimit
}

// callFunction runs a built-in function and returns its result text.
func (o *Orchestrator) callFunction(ctx context.Context, turn *Turn, incomingIdx int, call types.FunctionCall) (string, error) {
	switch call.Name {
	case FuncRequestExternal:
		return externalResult(call), nil
	case FuncRemember:
		return o.remember(ctx, turn, incomingIdx)
	default:
		return "", &completion.InvalidFunctionCallError{Name: call.Name, Payload: call.Payload, Reason: "no handler"}
	}
}

// remember looks for the message of the current session closest to the one
// being answered and for the closest earlier conversation.
func (o *Orchestrator) remember(ctx context.Context, turn *Turn, incomingIdx int) (string, error) {
	if incomingIdx < 0 {
		return rememberResult("", ""), nil
	}
	query := turn.Session.Messages[incomingIdx].Embedding

	var (
		related string
		best    float64
	)
	for _, m := range turn.Session.Messages[:incomingIdx] {
		if !m.HasEmbedding() {
			continue
		}
		sim := memory.CosineSimilarity(m.Embedding, query)
		if sim >= o.threshold && (related == "" || sim > best) {
			best, related = sim, m.Text
		}
	}

	recalled, err := o.memory.FindSimilar(ctx, turn.User.ID, query)
	if err != nil {
		return "", fmt.Errorf("chat: remember: %w", err)
	}
	var past string
	if recalled != nil {
		past = recalled.Text
	}
	return rememberResult(related, past), nil
}
