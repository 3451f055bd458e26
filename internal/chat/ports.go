package chat

import (
	"context"
	"errors"
	"net/http"

	"github.com/MrWong99/lumi/pkg/completion"
	"github.com/MrWong99/lumi/pkg/types"
)

// ErrStepLimit is returned when the model keeps calling functions beyond the
// configured number of completion steps of one turn.
var ErrStepLimit = errors.New("chat: function call step limit exceeded")

// RequestError is a client error raised before any completion happens.
type RequestError struct {
	Status  int
	Message string
}

// Error implements error.
func (e *RequestError) Error() string { return "chat: " + e.Message }

// Code returns the HTTP status of the error.
func (e *RequestError) Code() int { return e.Status }

// PublicMessage returns the client-safe description.
func (e *RequestError) PublicMessage() string { return e.Message }

// ErrEmptyMessage rejects submissions without text.
var ErrEmptyMessage = &RequestError{Status: http.StatusBadRequest, Message: "Message must not be empty"}

// MessageSink is told about every new user or assistant message. It is
// awaited before the turn continues and may attach an ID and an embedding.
type MessageSink interface {
	MessageCreated(ctx context.Context, userID string, m *types.Message) error
}

// SessionSink is told about every mutation of a session. It may assign
// s.ID when the snapshot is new.
type SessionSink interface {
	SegmentUpdated(ctx context.Context, s *types.Session) error
}

// SummarySink receives summaries produced by compaction or a topic switch.
type SummarySink interface {
	SummaryCreated(ctx context.Context, userID string, s *types.Summary) error
}

// Completer is the part of the completion gateway the orchestrator needs.
type Completer interface {
	Complete(ctx context.Context, msgs []types.Message, functions []types.FunctionDeclaration, forced string) (completion.Result, error)
	CountTokens(msgs []types.Message) (int, error)
	EmbedMessage(ctx context.Context, m *types.Message) error
}

var _ Completer = (*completion.Gateway)(nil)
