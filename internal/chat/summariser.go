package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/lumi/pkg/completion"
	"github.com/MrWong99/lumi/pkg/types"
)

// Summariser compacts a run of messages into a [types.Summary] by forcing
// the model to call the summarize function.
type Summariser struct {
	completer Completer
	now       func() time.Time
}

// NewSummariser creates a Summariser backed by c.
func NewSummariser(c Completer) *Summariser {
	return &Summariser{completer: c, now: time.Now}
}

// Summarise asks the model for a summary of msgs. The result references the
// persisted subset of msgs as its sources. A model that answers in prose
// instead of calling summarize yields [completion.ErrNoResponse].
func (s *Summariser) Summarise(ctx context.Context, userID string, msgs []types.Message) (*types.Summary, error) {
	req := make([]types.Message, 0, len(msgs)+1)
	req = append(req, msgs...)
	req = append(req, types.Message{Role: types.RoleUser, Text: summarizePrompt, Timestamp: s.now()})

	res, err := s.completer.Complete(ctx, req, []types.FunctionDeclaration{summarizeFunction}, FuncSummarize)
	if err != nil {
		return nil, fmt.Errorf("chat: summarise: %w", err)
	}
	if !res.IsCall() || res.Call.Name != FuncSummarize {
		return nil, fmt.Errorf("chat: summarise: %w", completion.ErrNoResponse)
	}

	text := strings.TrimSpace(res.Call.StringArgument("summary"))
	if text == "" {
		return nil, fmt.Errorf("chat: summarise: %w", completion.ErrNoResponse)
	}
	return &types.Summary{
		UserID:         userID,
		Text:           text,
		Tags:           splitTags(res.Call.StringArgument("tags")),
		SourceMessages: persistedOnly(msgs),
		CreatedAt:      s.now(),
	}, nil
}

// persistedOnly returns the messages of msgs that carry a persisted ID,
// stripped of their embeddings.
func persistedOnly(msgs []types.Message) []types.Message {
	var out []types.Message
	for _, m := range msgs {
		if m.ID == "" || !m.Role.Persisted() {
			continue
		}
		m.Embedding = nil
		out = append(out, m)
	}
	return out
}

// idRange returns the first and last persisted ID of msgs for log context.
func idRange(msgs []types.Message) (first, last string) {
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		if first == "" {
			first = m.ID
		}
		last = m.ID
	}
	return first, last
}
