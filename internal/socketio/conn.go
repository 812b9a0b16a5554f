package socketio

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"recipebox-server/internal/session"
)

var (
	errConnClosed    = errors.New("connection closed")
	errNotConnected  = errors.New("socket.io namespace not connected")
	errSendQueueFull = errors.New("send queue full")
)

type outgoing struct {
	text       string
	closeAfter bool
}

// conn is one Engine.IO client. All socket writes go through out so a slow
// client never blocks the goroutine that emits to it.
type conn struct {
	ws  *websocket.Conn
	sid string

	connected atomic.Bool
	userID    string

	binding *session.Binding

	out       chan outgoing
	done      chan struct{}
	closeOnce sync.Once

	pingMu       sync.Mutex
	awaitingPong bool
	pingSentAt   time.Time
	nextPingAt   time.Time
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		ws:         ws,
		sid:        uuid.NewString(),
		out:        make(chan outgoing, sendQueueLen),
		done:       make(chan struct{}),
		nextPingAt: time.Now().Add(pingInterval),
	}
}

func (c *conn) ID() string { return c.sid }

// Emit queues a Socket.IO event. It never waits on the network.
func (c *conn) Emit(event string, payload any) error {
	if !c.isConnected() {
		return errNotConnected
	}
	packet, err := buildSocketEventPacket("/", nil, event, payload)
	if err != nil {
		return errors.Wrapf(err, "encode %s", event)
	}
	return c.send(string(engineMessage) + packet)
}

// markConnected is called once from the read goroutine before any event is handled.
func (c *conn) markConnected(userID string) {
	c.userID = userID
	c.connected.Store(true)
}

func (c *conn) isConnected() bool {
	return c.connected.Load()
}

func (c *conn) send(msg string) error {
	return c.enqueue(outgoing{text: msg})
}

// sendAndClose flushes msg and then closes the socket.
func (c *conn) sendAndClose(msg string) {
	if err := c.enqueue(outgoing{text: msg, closeAfter: true}); err != nil {
		c.close()
	}
}

func (c *conn) enqueue(o outgoing) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.out <- o:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		return errSendQueueFull
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *conn) writeLoop() {
	defer c.close()
	for {
		select {
		case <-c.done:
			return
		case o := <-c.out:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, []byte(o.text)); err != nil {
				return
			}
			if o.closeAfter {
				return
			}
		}
	}
}

func (c *conn) readLoop(onMessage func(string)) {
	defer c.close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		onMessage(string(data))
	}
}

func (c *conn) pingLoop() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.pingMu.Lock()
			awaiting := c.awaitingPong
			if awaiting && now.Sub(c.pingSentAt) > pingTimeout {
				c.pingMu.Unlock()
				c.close()
				return
			}
			due := !awaiting && !now.Before(c.nextPingAt)
			if due {
				c.awaitingPong = true
				c.pingSentAt = now
				c.nextPingAt = now.Add(pingInterval)
			}
			c.pingMu.Unlock()
			if due {
				_ = c.send(string(enginePing))
			}
		}
	}
}

func (c *conn) markPong() {
	c.pingMu.Lock()
	c.awaitingPong = false
	c.pingMu.Unlock()
}
