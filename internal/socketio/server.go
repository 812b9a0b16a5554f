// Package socketio serves the realtime endpoint: Engine.IO v4 framing over a
// WebSocket with the Socket.IO packet layer on top.
package socketio

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"recipebox-server/internal/auth"
	"recipebox-server/internal/logger"
	"recipebox-server/internal/model"
	"recipebox-server/internal/session"
)

const (
	maxPayload   int64         = 1000000
	writeTimeout time.Duration = 10 * time.Second
	pingInterval time.Duration = 25 * time.Second
	pingTimeout  time.Duration = 20 * time.Second
	sendTimeout  time.Duration = 10 * time.Second
	sendQueueLen               = 64
)

const (
	EventRegister = "register"
	EventPrivate  = "private_message"
	EventPing     = "ping"
	EventError    = "error"
)

// MessageSender is the chat path a connected client drives.
type MessageSender interface {
	SendMessage(ctx context.Context, sender, recipient, content string) (model.Message, error)
}

type Deps struct {
	Registry    session.Registry
	Messages    MessageSender
	TokenConfig auth.TokenConfig
	Logger      *zap.Logger
	CheckOrigin func(r *http.Request) bool
}

type Server struct {
	registry    session.Registry
	messages    MessageSender
	tokenConfig auth.TokenConfig
	log         *zap.Logger

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*conn]struct{}
}

func NewServer(deps Deps) *Server {
	checkOrigin := deps.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Server{
		registry:    deps.Registry,
		messages:    deps.Messages,
		tokenConfig: deps.TokenConfig,
		log:         logger.OrNop(deps.Logger),
		upgrader:    websocket.Upgrader{CheckOrigin: checkOrigin},
		conns:       make(map[*conn]struct{}),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(maxPayload)

	c := newConn(ws)
	c.binding = session.New(s.registry, c, s.log)
	s.track(c)
	defer s.drop(c)

	go c.writeLoop()

	open := map[string]any{
		"sid":          c.sid,
		"upgrades":     []string{},
		"pingInterval": pingInterval.Milliseconds(),
		"pingTimeout":  pingTimeout.Milliseconds(),
		"maxPayload":   maxPayload,
	}
	openBytes, _ := json.Marshal(open)
	_ = c.send(string(engineOpen) + string(openBytes))

	go c.pingLoop()
	c.readLoop(func(msg string) {
		s.handleMessage(c, msg)
	})
}

// Close tears down every live connection.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

func (s *Server) track(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c] = struct{}{}
}

func (s *Server) drop(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()

	c.binding.Close()
	c.close()
	s.log.Debug("socket closed", zap.String("sid", c.sid), zap.String("user", c.userID))
}

func (s *Server) handleMessage(c *conn, msg string) {
	if msg == "" {
		return
	}

	switch enginePacketType(msg[0]) {
	case enginePong:
		c.markPong()
	case engineMessage:
		s.handleSocketPayload(c, msg[1:])
	case engineClose:
		c.close()
	}
}

type connectAuth struct {
	Token string `json:"token"`
}

func (s *Server) handleSocketPayload(c *conn, payload string) {
	if payload == "" {
		return
	}

	switch socketPacketType(payload[0]) {
	case socketConnect:
		s.handleConnect(c, payload)
	case socketEvent:
		s.handleEvent(c, payload)
	case socketDisconnect:
		c.close()
	}
}

func (s *Server) handleConnect(c *conn, payload string) {
	if c.isConnected() {
		return
	}

	ns, rest := parseOptionalNamespace(payload[1:])
	if rest == "" {
		s.rejectConnect(c, ns, "Missing auth")
		return
	}

	var authObj connectAuth
	if err := json.Unmarshal([]byte(rest), &authObj); err != nil {
		s.rejectConnect(c, ns, "Invalid auth")
		return
	}
	if authObj.Token == "" {
		s.rejectConnect(c, ns, "Missing token")
		return
	}
	claims, err := auth.VerifyToken(authObj.Token, s.tokenConfig)
	if err != nil || claims == nil || claims.UserID == "" {
		s.log.Info("socket auth rejected", zap.String("sid", c.sid), zap.Error(err))
		s.rejectConnect(c, ns, "Invalid authentication token")
		return
	}

	c.markConnected(claims.UserID)
	packet, err := buildSocketConnectPacket(ns, c.sid)
	if err != nil {
		return
	}
	_ = c.send(string(engineMessage) + packet)
	s.log.Debug("socket connected", zap.String("sid", c.sid), zap.String("user", claims.UserID))
}

func (s *Server) rejectConnect(c *conn, namespace, reason string) {
	packet, err := buildSocketConnectErrorPacket(namespace, reason)
	if err != nil {
		c.close()
		return
	}
	c.sendAndClose(string(engineMessage) + packet)
}

func (s *Server) handleEvent(c *conn, payload string) {
	if !c.isConnected() {
		return
	}

	pkt, err := parseSocketEventPacket(payload)
	if err != nil {
		s.log.Debug("bad event packet", zap.String("sid", c.sid), zap.Error(err))
		return
	}

	switch pkt.Event {
	case EventPing:
		s.reply(c, pkt, nil)

	case EventRegister:
		identity, ok := parseIdentity(pkt.Args)
		if !ok {
			s.fail(c, pkt, errors.Wrap(model.ErrValidation, "identity is required"))
			return
		}
		if identity != c.userID {
			s.log.Info("register refused",
				zap.String("sid", c.sid),
				zap.String("user", c.userID),
				zap.String("identity", identity),
			)
			s.fail(c, pkt, errors.New("identity does not match token"))
			return
		}
		if err := c.binding.Bind(identity); err != nil {
			s.fail(c, pkt, err)
			return
		}
		s.reply(c, pkt, gin.H{"ok": true})

	case EventPrivate:
		s.handlePrivateMessage(c, pkt)
	}
}

type privateMessageBody struct {
	RecipientID string `json:"recipientId"`
	Content     string `json:"content"`
}

func (s *Server) handlePrivateMessage(c *conn, pkt socketEventPacket) {
	sender, bound := c.binding.Identity()
	if !bound {
		s.fail(c, pkt, errors.New("register before sending messages"))
		return
	}

	var body privateMessageBody
	if len(pkt.Args) < 1 || json.Unmarshal(pkt.Args[0], &body) != nil {
		s.fail(c, pkt, errors.Wrap(model.ErrValidation, "invalid message payload"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	msg, err := s.messages.SendMessage(ctx, sender, body.RecipientID, body.Content)
	if err != nil {
		s.fail(c, pkt, err)
		return
	}
	s.reply(c, pkt, gin.H{"ok": true, "message": gin.H{
		"id":             msg.ID,
		"conversationId": msg.ConversationID,
		"seq":            msg.Seq,
		"createdAt":      msg.CreatedAt,
	}})
}

// parseIdentity accepts either a bare string or {"identity": "..."}.
func parseIdentity(args []json.RawMessage) (string, bool) {
	if len(args) < 1 {
		return "", false
	}
	var id string
	if err := json.Unmarshal(args[0], &id); err == nil {
		id = strings.TrimSpace(id)
		return id, id != ""
	}
	var body struct {
		Identity string `json:"identity"`
		UserID   string `json:"userId"`
	}
	if err := json.Unmarshal(args[0], &body); err != nil {
		return "", false
	}
	if body.Identity == "" {
		body.Identity = body.UserID
	}
	return body.Identity, body.Identity != ""
}

// reply acks the packet when the client asked for one. A nil resp acks with no arguments.
func (s *Server) reply(c *conn, pkt socketEventPacket, resp any) {
	if pkt.ID == nil {
		return
	}
	var (
		ack string
		err error
	)
	if resp == nil {
		ack, err = buildSocketAckPacket(pkt.Namespace, *pkt.ID)
	} else {
		ack, err = buildSocketAckPacket(pkt.Namespace, *pkt.ID, resp)
	}
	if err != nil {
		return
	}
	_ = c.send(string(engineMessage) + ack)
}

// fail reports err through the ack if there is one, else as an error event.
func (s *Server) fail(c *conn, pkt socketEventPacket, err error) {
	text := clientError(err)
	if pkt.ID != nil {
		s.reply(c, pkt, gin.H{"ok": false, "error": text})
		return
	}
	_ = c.Emit(EventError, gin.H{"message": text, "event": pkt.Event})
}

func clientError(err error) string {
	switch {
	case errors.Is(err, model.ErrPersistence):
		return "message could not be saved"
	case errors.Is(err, model.ErrNotFound):
		return "recipient not found"
	case errors.Is(err, session.ErrClosed):
		return "connection closed"
	default:
		return err.Error()
	}
}
