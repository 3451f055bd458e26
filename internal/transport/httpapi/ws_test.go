package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/lumi/internal/chat"
	"github.com/MrWong99/lumi/pkg/completion"
	"github.com/MrWong99/lumi/pkg/types"
)

func dial(t *testing.T, f *fixture, u types.User) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/v1/ws?token=" + f.token(t, u)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	select {
	case <-f.chat.opened:
	case <-time.After(5 * time.Second):
		t.Fatal("connection was never subscribed")
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) serverFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f serverFrame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode frame %s: %v", data, err)
	}
	return f
}

func sendFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestWebSocket_MessageAckAndReply(t *testing.T) {
	f := newFixture(t)
	f.chat.reply = "Hello Alice"
	f.chat.replyAfter = true
	conn := dial(t, f, alice)

	sendFrame(t, conn, clientFrame{Type: frameMessage, Text: "hi"})

	// The reply is delivered before Submit returns; the ack still comes first.
	ack := readFrame(t, conn)
	if ack.Type != frameAck || ack.Message == nil || ack.Message.Text != "hi" || ack.Message.ID == "" {
		t.Errorf("first frame = %+v, want ack", ack)
	}
	reply := readFrame(t, conn)
	if reply.Type != frameReply || reply.Message == nil || reply.Message.Text != "Hello Alice" || reply.Message.Role != "assistant" {
		t.Errorf("second frame = %+v, want reply", reply)
	}
}

func TestWebSocket_PushesRepliesOfOtherConnections(t *testing.T) {
	f := newFixture(t)
	conn := dial(t, f, alice)

	f.chat.deliver(chat.Delivery{UserID: alice.ID, Reply: types.Message{ID: "r9", Role: types.RoleAssistant, Text: "pushed"}})
	fr := readFrame(t, conn)
	if fr.Type != frameReply || fr.Message == nil || fr.Message.Text != "pushed" {
		t.Errorf("frame = %+v", fr)
	}

	f.chat.deliver(chat.Delivery{UserID: alice.ID, Err: errors.Join(errors.New("upstream 502"), completion.ErrNoResponse)})
	fr = readFrame(t, conn)
	if fr.Type != frameError || fr.Code != http.StatusInternalServerError || fr.Error != "No AI response" {
		t.Errorf("frame = %+v", fr)
	}
}

func TestWebSocket_InvalidFrames(t *testing.T) {
	f := newFixture(t)
	conn := dial(t, f, alice)

	tests := []struct {
		name     string
		frame    any
		wantCode int
	}{
		{name: "unknown type", frame: map[string]string{"type": "ping"}, wantCode: http.StatusBadRequest},
		{name: "empty text", frame: clientFrame{Type: frameMessage, Text: " "}, wantCode: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sendFrame(t, conn, tt.frame)
			fr := readFrame(t, conn)
			if fr.Type != frameError || fr.Code != tt.wantCode {
				t.Errorf("frame = %+v, want error %d", fr, tt.wantCode)
			}
		})
	}
}

func TestWebSocket_RequiresToken(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/v1/ws"
	_, resp, err := websocket.Dial(ctx, url, nil)
	if err == nil {
		t.Fatal("expected dial to fail without a token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v, want 401", resp)
	}
}
