// Package presence mirrors the in-process connection registry into Redis so
// other processes can ask whether a user is online. The registry stays the
// authority for delivery; the mirror is advisory and best-effort.
package presence

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"recipebox-server/internal/logger"
)

const opTimeout = 2 * time.Second

type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	// NodeID is stored as the value so readers know which process holds the socket.
	NodeID string
}

type RedisMirror struct {
	rdb    *redis.Client
	ttl    time.Duration
	nodeID string
	log    *zap.Logger

	isLocal func(identity string) bool
}

// releaseScript deletes the key only while it still names this node.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func Key(identity string) string { return "recipebox:presence:" + identity }

// Dial connects and pings Redis.
func Dial(ctx context.Context, cfg Config, log *zap.Logger) (*RedisMirror, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "redis ping %s", cfg.Addr)
	}
	return New(rdb, cfg, log), nil
}

func New(rdb *redis.Client, cfg Config, log *zap.Logger) *RedisMirror {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisMirror{rdb: rdb, ttl: ttl, nodeID: cfg.NodeID, log: logger.OrNop(log)}
}

func (m *RedisMirror) Online(identity string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := m.rdb.Set(ctx, Key(identity), m.nodeID, m.ttl).Err(); err != nil {
		m.log.Warn("presence online failed", zap.String("identity", identity), zap.Error(err))
	}
}

// WatchLocal lets Offline see the local registry. Call it before the mirror
// receives events.
func (m *RedisMirror) WatchLocal(isLocal func(identity string) bool) {
	m.isLocal = isLocal
}

// Offline drops the key unless another node owns it. Observer callbacks can
// arrive out of order, so when the identity is bound again locally the key
// is written back.
func (m *RedisMirror) Offline(identity string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := releaseScript.Run(ctx, m.rdb, []string{Key(identity)}, m.nodeID).Err(); err != nil {
		m.log.Warn("presence offline failed", zap.String("identity", identity), zap.Error(err))
		return
	}
	if m.isLocal != nil && m.isLocal(identity) {
		if err := m.rdb.Set(ctx, Key(identity), m.nodeID, m.ttl).Err(); err != nil {
			m.log.Warn("presence restore failed", zap.String("identity", identity), zap.Error(err))
		}
	}
}

// Lookup reports the node holding identity's connection, if any.
func (m *RedisMirror) Lookup(ctx context.Context, identity string) (string, bool, error) {
	val, err := m.rdb.Get(ctx, Key(identity)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "presence lookup")
	}
	return val, true, nil
}

// Refresh rewrites the key of every identity returned by snapshot, once per
// interval, until ctx is done.
func (m *RedisMirror) Refresh(ctx context.Context, interval time.Duration, snapshot func() []string) {
	if interval <= 0 {
		interval = m.ttl / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids := snapshot()
			if len(ids) == 0 {
				continue
			}
			pipe := m.rdb.Pipeline()
			for _, id := range ids {
				pipe.Set(ctx, Key(id), m.nodeID, m.ttl)
			}
			if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.log.Warn("presence refresh failed", zap.Int("identities", len(ids)), zap.Error(err))
			}
		}
	}
}

func (m *RedisMirror) Close() error {
	return m.rdb.Close()
}
