// Package httpapi exposes the conversation core over HTTP and WebSocket.
//
// All routes live under /api/v1 and require a bearer token:
//
//	GET    /api/v1/messages              list persisted messages (from, to, limit)
//	POST   /api/v1/messages              submit a typed message, reply is pushed over the WebSocket
//	                                     (?wait=true answers with the reply instead)
//	GET    /api/v1/messages/{id}/speech  synthesize an assistant message
//	POST   /api/v1/voice                 submit a recorded voice message
//	GET    /api/v1/voices                list synthesis voices
//	GET    /api/v1/persona               current persona, and whether the user chose it
//	PUT    /api/v1/persona               change the persona and restart the conversation
//	GET    /api/v1/users/me              the authenticated user
//	DELETE /api/v1/users/me              forget the current user
//	GET    /api/v1/admin/keywords        count user messages containing q (admin only)
//	GET    /api/v1/ws                    chat WebSocket
//
// Errors are JSON objects {"code": n, "message": s}.
package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/MrWong99/lumi/internal/auth"
	"github.com/MrWong99/lumi/internal/chat"
	"github.com/MrWong99/lumi/internal/observe"
	"github.com/MrWong99/lumi/pkg/memory"
	"github.com/MrWong99/lumi/pkg/provider/stt"
	"github.com/MrWong99/lumi/pkg/provider/tts"
	"github.com/MrWong99/lumi/pkg/types"
)

// maxVoiceBytes caps the size of an uploaded voice message.
const maxVoiceBytes = 10 << 20

// Chat is the part of [chat.Service] the transport drives.
type Chat interface {
	Submit(ctx context.Context, user types.User, text string, accepted func(types.Message)) (types.Message, error)
	Converse(ctx context.Context, user types.User, text string) (types.Message, chat.Outcome, error)
	Persona(ctx context.Context, userID string) (types.Persona, bool, error)
	SetPersona(ctx context.Context, user types.User, p types.Persona) (types.Message, error)
	Open(ctx context.Context, user types.User, fn chat.ReplyFunc) (func(), error)
	DeleteUser(ctx context.Context, userID string) error
}

var _ Chat = (*chat.Service)(nil)

// Deps are the collaborators of a [Server]. STT and TTS are optional; the
// voice routes answer 501 without them.
type Deps struct {
	Chat     Chat
	History  memory.MessageStore
	Verifier auth.Verifier
	STT      stt.Provider
	TTS      tts.Provider
	Metrics  *observe.Metrics
}

// Server serves the API.
type Server struct {
	chat     Chat
	history  memory.MessageStore
	verifier auth.Verifier
	stt      stt.Provider
	tts      tts.Provider
	metrics  *observe.Metrics
	limiter  *Limiter
	origins  []string
}

// Option is a functional option for [Server].
type Option func(*Server)

// WithRateLimit throttles message submissions per user.
func WithRateLimit(l *Limiter) Option {
	return func(s *Server) {
		s.limiter = l
	}
}

// WithOriginPatterns allows cross-origin WebSocket handshakes from hosts
// matching patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) {
		s.origins = patterns
	}
}

// New creates a Server. Chat, History and Verifier are required.
func New(d Deps, opts ...Option) (*Server, error) {
	if d.Chat == nil || d.History == nil || d.Verifier == nil {
		return nil, errors.New("httpapi: chat, history and verifier are required")
	}
	s := &Server{
		chat:     d.Chat,
		history:  d.History,
		verifier: d.Verifier,
		stt:      d.STT,
		tts:      d.TTS,
		metrics:  d.Metrics,
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handler returns the routed API handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/messages", s.handleListMessages)
	mux.HandleFunc("POST /api/v1/messages", s.handleSubmit)
	mux.HandleFunc("GET /api/v1/messages/{id}/speech", s.handleSpeech)
	mux.HandleFunc("POST /api/v1/voice", s.handleVoice)
	mux.HandleFunc("GET /api/v1/voices", s.handleVoices)
	mux.HandleFunc("GET /api/v1/persona", s.handleGetPersona)
	mux.HandleFunc("PUT /api/v1/persona", s.handlePersona)
	mux.HandleFunc("GET /api/v1/users/me", s.handleMe)
	mux.HandleFunc("DELETE /api/v1/users/me", s.handleDeleteUser)
	mux.Handle("GET /api/v1/admin/keywords", auth.RequireAdmin(http.HandlerFunc(s.handleKeywordCount)))
	mux.HandleFunc("GET /api/v1/ws", s.handleWebSocket)
	return auth.Middleware(s.verifier)(mux)
}

// allow reports whether user may submit another message now.
func (s *Server) allow(userID string) bool {
	return s.limiter == nil || s.limiter.Allow(userID)
}

func userOf(r *http.Request) types.User {
	u, _ := auth.UserFrom(r.Context())
	return u
}
