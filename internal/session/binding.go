// Package session ties a connection's lifecycle to its registry entry.
package session

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"recipebox-server/internal/logger"
	"recipebox-server/internal/model"
	"recipebox-server/internal/registry"
)

var ErrClosed = errors.New("session closed")

type State int

const (
	Unbound State = iota
	Bound
	Closed
)

func (s State) String() string {
	switch s {
	case Unbound:
		return "unbound"
	case Bound:
		return "bound"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Registry is the part of registry.Registry a binding mutates.
type Registry interface {
	Register(identity string, c registry.Conn)
	Release(identity string, c registry.Conn) bool
}

// Binding tracks the identity one connection registered under.
// Registry calls happen under the binding's own lock so a Close racing a
// Bind can never leave a stale entry behind.
type Binding struct {
	reg  Registry
	conn registry.Conn
	log  *zap.Logger

	mu       sync.Mutex
	state    State
	identity string
}

func New(reg Registry, conn registry.Conn, log *zap.Logger) *Binding {
	return &Binding{reg: reg, conn: conn, log: logger.OrNop(log)}
}

// Bind registers the connection under identity. Binding again with the same
// identity re-registers; a different identity releases the previous one first.
func (b *Binding) Bind(identity string) error {
	if identity == "" {
		return errors.Wrap(model.ErrValidation, "identity is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Closed {
		return ErrClosed
	}
	if b.state == Bound && b.identity != identity {
		b.reg.Release(b.identity, b.conn)
	}
	b.identity = identity
	b.state = Bound
	b.reg.Register(identity, b.conn)

	b.log.Debug("connection bound", zap.String("conn", b.conn.ID()), zap.String("identity", identity))
	return nil
}

func (b *Binding) Identity() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.identity, b.state == Bound
}

func (b *Binding) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Close is terminal and safe to call more than once. Only the first call
// from Bound touches the registry, and only if the entry still points at
// this connection.
func (b *Binding) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Closed {
		return
	}
	prev := b.state
	b.state = Closed
	if prev != Bound {
		return
	}

	released := b.reg.Release(b.identity, b.conn)
	b.log.Debug("connection closed",
		zap.String("conn", b.conn.ID()),
		zap.String("identity", b.identity),
		zap.Bool("released", released),
	)
}
