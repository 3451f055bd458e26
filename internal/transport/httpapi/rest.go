package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/lumi/pkg/memory"
	"github.com/MrWong99/lumi/pkg/provider/stt"
	"github.com/MrWong99/lumi/pkg/types"
)

// messageView is the client representation of a persisted message.
type messageView struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

func viewOf(m types.Message) messageView {
	return messageView{ID: m.ID, Role: string(m.Role), Text: m.Text, Timestamp: m.Timestamp}
}

type messagesResponse struct {
	Messages []messageView `json:"messages"`
}

type messageResponse struct {
	Message messageView `json:"message"`
}

// handleListMessages handles GET /api/v1/messages?from=&to=&limit=.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rng := memory.MessageRange{FromID: q.Get("from"), ToID: q.Get("to")}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			writeStatus(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		rng.Limit = n
	}

	msgs, err := s.history.ListMessages(r.Context(), userOf(r).ID, rng)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := messagesResponse{Messages: make([]messageView, 0, len(msgs))}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, viewOf(m))
	}
	writeJSON(w, http.StatusOK, resp)
}

type submitRequest struct {
	Text string `json:"text"`
}

type conversationResponse struct {
	Message messageView `json:"message"`
	Reply   messageView `json:"reply"`
}

// handleSubmit handles POST /api/v1/messages?wait=. It answers 202 with the
// persisted message and the reply arrives on the user's WebSocket. With
// wait=true the turn runs within the request and the reply is returned.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	wait := false
	if raw := r.URL.Query().Get("wait"); raw != "" {
		var err error
		if wait, err = strconv.ParseBool(raw); err != nil {
			writeStatus(w, http.StatusBadRequest, "wait must be a boolean")
			return
		}
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeStatus(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	user := userOf(r)
	if !s.allow(user.ID) {
		writeStatus(w, http.StatusTooManyRequests, "Too many messages")
		return
	}
	if wait {
		msg, out, err := s.chat.Converse(r.Context(), user, req.Text)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, conversationResponse{Message: viewOf(msg), Reply: viewOf(out.Reply)})
		return
	}
	ack, err := s.chat.Submit(r.Context(), user, req.Text, nil)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, messageResponse{Message: viewOf(ack)})
}

type voiceResponse struct {
	Message    messageView `json:"message"`
	Confidence float64     `json:"confidence"`
}

// handleVoice handles POST /api/v1/voice with an audio body.
func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	if s.stt == nil {
		writeStatus(w, http.StatusNotImplemented, "Speech recognition is not configured")
		return
	}
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "audio/") {
		writeStatus(w, http.StatusUnsupportedMediaType, "Expected an audio body")
		return
	}
	user := userOf(r)
	if !s.allow(user.ID) {
		writeStatus(w, http.StatusTooManyRequests, "Too many messages")
		return
	}

	audio, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxVoiceBytes))
	if err != nil {
		writeStatus(w, http.StatusRequestEntityTooLarge, "Voice message too large")
		return
	}
	clip := stt.Clip{Audio: audio, MIMEType: mediaType, Language: r.URL.Query().Get("lang")}
	if rate, err := strconv.Atoi(params["rate"]); err == nil {
		clip.SampleRate = rate
	}

	start := time.Now()
	transcript, err := s.stt.Transcribe(r.Context(), clip)
	s.metrics.RecordProviderRequest(r.Context(), "stt", "transcribe", time.Since(start), err)
	if errors.Is(err, stt.ErrNoSpeech) {
		writeStatus(w, http.StatusUnprocessableEntity, "No speech recognised")
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	ack, err := s.chat.Submit(r.Context(), user, transcript.Text, nil)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, voiceResponse{Message: viewOf(ack), Confidence: transcript.Confidence})
}

// handleSpeech handles GET /api/v1/messages/{id}/speech?voice=.
func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	if s.tts == nil {
		writeStatus(w, http.StatusNotImplemented, "Speech synthesis is not configured")
		return
	}
	m, err := s.history.GetMessage(r.Context(), userOf(r).ID, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if m.Role != types.RoleAssistant {
		writeStatus(w, http.StatusBadRequest, "Only assistant messages can be synthesized")
		return
	}

	start := time.Now()
	audio, err := s.tts.Synthesize(r.Context(), m.Text, r.URL.Query().Get("voice"))
	s.metrics.RecordProviderRequest(r.Context(), "tts", "synthesize", time.Since(start), err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", audio.MIMEType)
	w.Header().Set("Content-Length", strconv.Itoa(len(audio.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio.Data)
}

// handleVoices handles GET /api/v1/voices.
func (s *Server) handleVoices(w http.ResponseWriter, r *http.Request) {
	if s.tts == nil {
		writeStatus(w, http.StatusNotImplemented, "Speech synthesis is not configured")
		return
	}
	voices, err := s.tts.ListVoices(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"voices": voices})
}

type personaResponse struct {
	Name   string `json:"name"`
	Traits string `json:"traits"`
	// Exists is false when the user converses with the default persona.
	Exists bool `json:"exists"`
}

// handleGetPersona handles GET /api/v1/persona.
func (s *Server) handleGetPersona(w http.ResponseWriter, r *http.Request) {
	p, exists, err := s.chat.Persona(r.Context(), userOf(r).ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, personaResponse{Name: p.Name, Traits: p.Traits, Exists: exists})
}

type personaRequest struct {
	Name   string `json:"name"`
	Traits string `json:"traits"`
}

// handlePersona handles PUT /api/v1/persona. The response carries the new
// persona's greeting.
func (s *Server) handlePersona(w http.ResponseWriter, r *http.Request) {
	var req personaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeStatus(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	greeting, err := s.chat.SetPersona(r.Context(), userOf(r), types.Persona{Name: req.Name, Traits: req.Traits})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: viewOf(greeting)})
}

type userResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Admin bool   `json:"admin"`
}

// handleMe handles GET /api/v1/users/me.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	u := userOf(r)
	writeJSON(w, http.StatusOK, userResponse{ID: u.ID, Name: u.Name, Admin: u.Admin})
}

// handleDeleteUser handles DELETE /api/v1/users/me.
func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := s.chat.DeleteUser(r.Context(), userOf(r).ID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type keywordCountResponse struct {
	Count int `json:"count"`
}

// handleKeywordCount handles GET /api/v1/admin/keywords?q=.
func (s *Server) handleKeywordCount(w http.ResponseWriter, r *http.Request) {
	keyword := strings.TrimSpace(r.URL.Query().Get("q"))
	if keyword == "" {
		writeStatus(w, http.StatusBadRequest, "q is required")
		return
	}
	n, err := s.history.CountKeyword(r.Context(), keyword)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, keywordCountResponse{Count: n})
}
