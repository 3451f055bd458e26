package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/lumi/internal/chat"
	"github.com/MrWong99/lumi/internal/observe"
	"github.com/MrWong99/lumi/pkg/types"
)

const (
	// outboxSize bounds the frames queued for one connection. A client that
	// falls further behind is disconnected.
	outboxSize = 32

	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 64 << 10
)

// Frame types.
const (
	frameMessage = "message"
	frameAck     = "ack"
	frameReply   = "reply"
	frameError   = "error"
)

// clientFrame is sent by clients.
type clientFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// serverFrame is pushed to clients.
type serverFrame struct {
	Type    string       `json:"type"`
	Message *messageView `json:"message,omitempty"`
	Code    int          `json:"code,omitempty"`
	Error   string       `json:"error,omitempty"`
}

func errorFrame(err error) serverFrame {
	body := toErrorBody(err)
	return serverFrame{Type: frameError, Code: body.Code, Error: body.Message}
}

// handleWebSocket handles GET /api/v1/ws. Client "message" frames are
// submitted as user messages and acknowledged; replies of every turn of the
// user, no matter which connection submitted it, are pushed as "reply" frames.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		// Accept already wrote the response.
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(wsReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	user := userOf(r)
	log := observe.Logger(ctx).With("user_id", user.ID)

	s.metrics.ActiveConnections.Add(ctx, 1)
	defer s.metrics.ActiveConnections.Add(context.WithoutCancel(ctx), -1)

	outbox := make(chan serverFrame, outboxSize)
	push := func(f serverFrame) {
		select {
		case outbox <- f:
		default:
			log.Warn("httpapi: websocket outbox full, disconnecting")
			cancel()
		}
	}

	unsubscribe, err := s.chat.Open(ctx, user, func(d chat.Delivery) {
		if d.Err != nil {
			push(errorFrame(d.Err))
			return
		}
		v := viewOf(d.Reply)
		push(serverFrame{Type: frameReply, Message: &v})
	})
	if err != nil {
		log.Error("httpapi: open chat", "err", err)
		conn.Close(websocket.StatusInternalError, "Internal server error")
		return
	}
	defer unsubscribe()

	go s.readFrames(ctx, cancel, conn, user, push)

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case f := <-outbox:
			if err := writeFrame(ctx, conn, f); err != nil {
				if !isClosed(err) {
					log.Debug("httpapi: websocket write failed", "err", err)
				}
				return
			}
		}
	}
}

// readFrames consumes client frames until the connection fails, then cancels
// the connection context.
func (s *Server) readFrames(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, user types.User, push func(serverFrame)) {
	defer cancel()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			push(serverFrame{Type: frameError, Code: http.StatusUnsupportedMediaType, Error: "Expected a text frame"})
			continue
		}
		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil || f.Type != frameMessage {
			push(serverFrame{Type: frameError, Code: http.StatusBadRequest, Error: "Invalid frame"})
			continue
		}
		if !s.allow(user.ID) {
			push(serverFrame{Type: frameError, Code: http.StatusTooManyRequests, Error: "Too many messages"})
			continue
		}
		// The ack is queued before the turn can produce a reply frame.
		_, err = s.chat.Submit(ctx, user, f.Text, func(m types.Message) {
			v := viewOf(m)
			push(serverFrame{Type: frameAck, Message: &v})
		})
		if err != nil {
			push(errorFrame(err))
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f serverFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func isClosed(err error) bool {
	return websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled)
}
