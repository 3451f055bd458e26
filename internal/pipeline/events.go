// Package pipeline connects the conversation core to its side effects.
//
// The core publishes through the sink ports of package chat. [Events]
// implements those ports by emitting typed events on an [eventbus.Bus], and
// [Pipeline] subscribes the handlers that embed, persist and index what was
// published.
package pipeline

import (
	"context"

	"github.com/MrWong99/lumi/internal/chat"
	"github.com/MrWong99/lumi/internal/eventbus"
	"github.com/MrWong99/lumi/pkg/types"
)

// Topic names.
const (
	TopicMessageCreated = "message-created"
	TopicSegmentUpdated = "segment-updated"
	TopicSummaryCreated = "summary-created"
	TopicUserDeleted    = "user-deleted"
)

// MessageCreated is emitted for every new user or assistant message.
type MessageCreated struct {
	UserID  string
	Message *types.Message
}

// SegmentUpdated is emitted after every session mutation.
type SegmentUpdated struct {
	Session *types.Session
}

// SummaryCreated is emitted when a segment has been summarized.
type SummaryCreated struct {
	UserID  string
	Summary *types.Summary
}

// UserDeleted is emitted when a user asked to be forgotten.
type UserDeleted struct {
	UserID string
}

// Events holds the topics of the conversation core.
type Events struct {
	Messages  *eventbus.Topic[MessageCreated]
	Segments  *eventbus.Topic[SegmentUpdated]
	Summaries *eventbus.Topic[SummaryCreated]
	Users     *eventbus.Topic[UserDeleted]
}

// NewEvents registers the topics on b.
func NewEvents(b *eventbus.Bus) *Events {
	return &Events{
		Messages:  eventbus.NewTopic[MessageCreated](b, TopicMessageCreated),
		Segments:  eventbus.NewTopic[SegmentUpdated](b, TopicSegmentUpdated),
		Summaries: eventbus.NewTopic[SummaryCreated](b, TopicSummaryCreated),
		Users:     eventbus.NewTopic[UserDeleted](b, TopicUserDeleted),
	}
}

var (
	_ chat.MessageSink = (*Events)(nil)
	_ chat.SessionSink = (*Events)(nil)
	_ chat.SummarySink = (*Events)(nil)
	_ chat.UserSink    = (*Events)(nil)
)

// MessageCreated implements [chat.MessageSink].
func (e *Events) MessageCreated(ctx context.Context, userID string, m *types.Message) error {
	return e.Messages.Emit(ctx, MessageCreated{UserID: userID, Message: m})
}

// SegmentUpdated implements [chat.SessionSink].
func (e *Events) SegmentUpdated(ctx context.Context, s *types.Session) error {
	return e.Segments.Emit(ctx, SegmentUpdated{Session: s})
}

// SummaryCreated implements [chat.SummarySink].
func (e *Events) SummaryCreated(ctx context.Context, userID string, s *types.Summary) error {
	return e.Summaries.Emit(ctx, SummaryCreated{UserID: userID, Summary: s})
}

// UserDeleted implements [chat.UserSink].
func (e *Events) UserDeleted(ctx context.Context, userID string) error {
	return e.Users.Emit(ctx, UserDeleted{UserID: userID})
}
