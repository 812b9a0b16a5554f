package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"recipebox-server/internal/auth"
)

func waitForPrefix(t *testing.T, c *websocket.Conn, prefix string, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		_ = c.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		_, data, err := c.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			t.Fatalf("ReadMessage: %v", err)
		}
		msg := string(data)
		if msg == "2" {
			_ = c.WriteMessage(websocket.TextMessage, []byte("3"))
			continue
		}
		if strings.HasPrefix(msg, prefix) {
			_ = c.SetReadDeadline(time.Time{})
			return msg
		}
	}
	t.Fatalf("timeout waiting for %q", prefix)
	return ""
}

func socketURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket.io/?EIO=4&transport=websocket"
}

// dialConnected opens a socket and completes the CONNECT handshake as userID.
func dialConnected(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(socketURL(srv), nil)
	if err != nil {
		t.Fatalf("Dial(%s): %v", userID, err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	open := waitForPrefix(t, conn, "0{", 2*time.Second)
	if !strings.Contains(open, "\"pingInterval\"") {
		t.Fatalf("unexpected open packet: %s", open)
	}

	tok, err := auth.CreateToken(userID, testTokenConfig)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	authBytes, _ := json.Marshal(map[string]any{"token": tok})
	if err := conn.WriteMessage(websocket.TextMessage, []byte("40"+string(authBytes))); err != nil {
		t.Fatalf("WriteMessage(connect): %v", err)
	}
	_ = waitForPrefix(t, conn, `40{"sid"`, 2*time.Second)
	return conn
}

func register(t *testing.T, conn *websocket.Conn, identity string) string {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`421["register","`+identity+`"]`)); err != nil {
		t.Fatalf("WriteMessage(register): %v", err)
	}
	return waitForPrefix(t, conn, "431", 2*time.Second)
}

func eventArgs(t *testing.T, raw string) []json.RawMessage {
	t.Helper()
	var arr []json.RawMessage
	if err := json.Unmarshal([]byte(raw[2:]), &arr); err != nil {
		t.Fatalf("unmarshal event: %v (%s)", err, raw)
	}
	return arr
}

func TestSocketIOHandshakeAndPingAck(t *testing.T) {
	app, _ := newTestApp(t)
	srv := httptest.NewServer(app.Engine)
	defer srv.Close()

	conn := dialConnected(t, srv, "alice")
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`421["ping"]`)); err != nil {
		t.Fatalf("WriteMessage(ping): %v", err)
	}
	ack := waitForPrefix(t, conn, "431", 2*time.Second)
	if ack != "431[]" {
		t.Fatalf("unexpected ack: %s", ack)
	}
}

func TestSocketIORejectsInvalidToken(t *testing.T) {
	app, _ := newTestApp(t)
	srv := httptest.NewServer(app.Engine)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(socketURL(srv), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	_ = waitForPrefix(t, conn, "0{", 2*time.Second)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`40{"token":"garbage"}`)); err != nil {
		t.Fatalf("WriteMessage(connect): %v", err)
	}
	rej := waitForPrefix(t, conn, "44", 2*time.Second)
	if !strings.Contains(rej, "Invalid authentication token") {
		t.Fatalf("unexpected rejection: %s", rej)
	}
	if app.Registry.Len() != 0 {
		t.Fatalf("expected no registrations, got %d", app.Registry.Len())
	}
}

func TestSocketIORegisterMustMatchToken(t *testing.T) {
	app, _ := newTestApp(t)
	srv := httptest.NewServer(app.Engine)
	defer srv.Close()

	conn := dialConnected(t, srv, "alice")
	ack := register(t, conn, "bob")
	if !strings.Contains(ack, `"ok":false`) {
		t.Fatalf("expected refusal, got %s", ack)
	}
	if _, ok := app.Registry.Lookup("bob"); ok {
		t.Fatalf("bob should not be registered")
	}
}

func TestSocketIOPrivateMessageBetweenOnlineUsers(t *testing.T) {
	app, st := newTestApp(t)
	srv := httptest.NewServer(app.Engine)
	defer srv.Close()

	alice := dialConnected(t, srv, "alice")
	bob := dialConnected(t, srv, "bob")
	if ack := register(t, alice, "alice"); ack != `431[{"ok":true}]` {
		t.Fatalf("unexpected register ack: %s", ack)
	}
	if ack := register(t, bob, "bob"); ack != `431[{"ok":true}]` {
		t.Fatalf("unexpected register ack: %s", ack)
	}

	send := `422["private_message",{"recipientId":"bob","content":"hello bob"}]`
	if err := alice.WriteMessage(websocket.TextMessage, []byte(send)); err != nil {
		t.Fatalf("WriteMessage(private_message): %v", err)
	}

	incoming := eventArgs(t, waitForPrefix(t, bob, `42["private_message"`, 2*time.Second))
	var delivery struct {
		Type           string `json:"type"`
		ConversationID string `json:"conversationId"`
		Message        struct {
			Content string `json:"content"`
			Seq     int64  `json:"seq"`
			Sender  struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"sender"`
		} `json:"message"`
	}
	if len(incoming) != 2 || json.Unmarshal(incoming[1], &delivery) != nil {
		t.Fatalf("unexpected delivery args: %v", incoming)
	}
	if delivery.Type != "private_message" {
		t.Fatalf("unexpected envelope type %q", delivery.Type)
	}
	if delivery.Message.Content != "hello bob" || delivery.Message.Sender.Name != "Alice" || delivery.Message.Seq != 1 {
		t.Fatalf("unexpected delivery: %+v", delivery)
	}

	_ = waitForPrefix(t, alice, `42["private_message_sent"`, 2*time.Second)
	ack := waitForPrefix(t, alice, "432", 2*time.Second)
	if !strings.Contains(ack, `"ok":true`) {
		t.Fatalf("unexpected send ack: %s", ack)
	}

	msgs, err := st.ListMessages(context.Background(), delivery.ConversationID, 0, 10)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("expected one persisted message, got %d (%v)", len(msgs), err)
	}
}

func TestSocketIONotificationOnLike(t *testing.T) {
	app, _ := newTestApp(t)
	srv := httptest.NewServer(app.Engine)
	defer srv.Close()

	bob := dialConnected(t, srv, "bob")
	if ack := register(t, bob, "bob"); ack != `431[{"ok":true}]` {
		t.Fatalf("unexpected register ack: %s", ack)
	}

	body := strings.NewReader(`{"action":"Liked","recipientId":"bob","recipeId":"r1","recipeTitle":"Pasta"}`)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/activity", body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", bearer(t, "alice"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /api/activity: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	args := eventArgs(t, waitForPrefix(t, bob, `42["new_notification"`, 2*time.Second))
	var env map[string]any
	if len(args) != 2 || json.Unmarshal(args[1], &env) != nil {
		t.Fatalf("unexpected notification args: %v", args)
	}
	if env["type"] != "like" || !strings.Contains(env["message"].(string), "Alice") {
		t.Fatalf("unexpected notification: %v", env)
	}
}

func TestSocketIODisconnectDeregisters(t *testing.T) {
	app, _ := newTestApp(t)
	srv := httptest.NewServer(app.Engine)
	defer srv.Close()

	conn := dialConnected(t, srv, "alice")
	_ = register(t, conn, "alice")
	if _, ok := app.Registry.Lookup("alice"); !ok {
		t.Fatalf("expected alice registered")
	}
	_ = conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := app.Registry.Lookup("alice"); !ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("alice still registered after disconnect")
}
