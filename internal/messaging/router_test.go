package messaging

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recipebox-server/internal/metrics"
	"recipebox-server/internal/model"
	"recipebox-server/internal/notify"
	"recipebox-server/internal/registry"
	"recipebox-server/internal/store"
)

type emitted struct {
	event   string
	payload any
}

type fakeConn struct {
	id string

	mu     sync.Mutex
	events []emitted
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Emit(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, emitted{event: event, payload: payload})
	return nil
}

func (c *fakeConn) received() []emitted {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]emitted(nil), c.events...)
}

// failingStore persists nothing.
type failingStore struct {
	store.ChatStore
}

func (failingStore) AppendMessage(context.Context, string, string, string) (model.Message, error) {
	return model.Message{}, errors.Wrap(model.ErrPersistence, "disk full")
}

type fixture struct {
	store   *store.Store
	reg     *registry.Registry
	metrics *metrics.Metrics
	router  *Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.New()
	s.UpsertProfile(model.Profile{ID: "alice", Name: "Alice", Avatar: "/alice.png"})
	s.UpsertProfile(model.Profile{ID: "bob", Name: "Bob"})
	reg := registry.New()
	m := metrics.New()
	return &fixture{
		store:   s,
		reg:     reg,
		metrics: m,
		router: New(Options{
			Store:    s,
			Profiles: s,
			Pusher:   notify.New(reg, nil, m),
			Metrics:  m,
		}),
	}
}

func TestRouter_BothOnline(t *testing.T) {
	f := newFixture(t)
	alice := &fakeConn{id: "c-alice"}
	bob := &fakeConn{id: "c-bob"}
	f.reg.Register("alice", alice)
	f.reg.Register("bob", bob)

	msg, err := f.router.SendMessage(context.Background(), "alice", "bob", "hello")
	require.NoError(t, err)

	got := bob.received()
	require.Len(t, got, 1)
	assert.Equal(t, EventPrivateMessage, got[0].event)
	d, ok := got[0].payload.(Delivery)
	require.True(t, ok)
	assert.Equal(t, msg.ConversationID, d.ConversationID)
	assert.Equal(t, model.EnvelopePrivateMessage, d.Type)
	assert.Equal(t, "/chats?chatId="+msg.ConversationID+"&userId=alice", d.Link)
	assert.Equal(t, "hello", d.Message.Content)
	assert.Equal(t, model.Profile{ID: "alice", Name: "Alice", Avatar: "/alice.png"}, d.Message.Sender)

	sent := alice.received()
	require.Len(t, sent, 1)
	assert.Equal(t, EventMessageSent, sent[0].event)
	assert.Equal(t, d, sent[0].payload)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PersistedCounter()))
}

func TestRouter_OfflineRecipientStillPersisted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg, err := f.router.SendMessage(ctx, "alice", "bob", "hi")
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.EnvelopeCounter(EventPrivateMessage, metrics.ResultOffline)))

	bob := &fakeConn{id: "c-bob"}
	f.reg.Register("bob", bob)
	assert.Empty(t, bob.received())

	convs, err := f.store.ListConversationsFor(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, msg.ConversationID, convs[0].ID)

	history, err := f.router.History(ctx, convs[0].ID, "bob", 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hi", history[0].Message.Content)
	assert.Equal(t, "alice", history[0].Message.Sender.ID)
}

func TestRouter_Validation(t *testing.T) {
	f := newFixture(t)
	alice := &fakeConn{id: "c-alice"}
	f.reg.Register("alice", alice)
	ctx := context.Background()

	_, err := f.router.SendMessage(ctx, "alice", "bob", "  \n")
	assert.True(t, errors.Is(err, model.ErrValidation))
	_, err = f.router.SendMessage(ctx, "alice", "alice", "hi")
	assert.True(t, errors.Is(err, model.ErrValidation))
	_, err = f.router.SendMessage(ctx, "alice", "nobody", "hi")
	assert.True(t, errors.Is(err, model.ErrNotFound))

	convs, _ := f.store.ListConversationsFor(ctx, "alice")
	assert.Empty(t, convs)
	assert.Empty(t, alice.received())
}

func TestRouter_PersistenceFailureDeliversNothing(t *testing.T) {
	s := store.New()
	reg := registry.New()
	alice := &fakeConn{id: "c-alice"}
	bob := &fakeConn{id: "c-bob"}
	reg.Register("alice", alice)
	reg.Register("bob", bob)
	m := metrics.New()
	r := New(Options{Store: failingStore{ChatStore: s}, Pusher: notify.New(reg, nil, m), Metrics: m})

	_, err := r.SendMessage(context.Background(), "alice", "bob", "hello")
	assert.True(t, errors.Is(err, model.ErrPersistence))
	assert.Empty(t, alice.received())
	assert.Empty(t, bob.received())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PersistFailureCounter()))
}

func TestRouter_PostPushesPartnerOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := &fakeConn{id: "c-alice"}
	bob := &fakeConn{id: "c-bob"}
	f.reg.Register("alice", alice)
	f.reg.Register("bob", bob)

	conv, err := f.store.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	_, err = f.router.Post(ctx, conv.ID, "bob", "from rest")
	require.NoError(t, err)
	assert.Empty(t, bob.received())
	got := alice.received()
	require.Len(t, got, 1)
	assert.Equal(t, EventPrivateMessage, got[0].event)

	_, err = f.router.Post(ctx, conv.ID, "carol", "hi")
	assert.True(t, errors.Is(err, model.ErrForbidden))
	_, err = f.router.Post(ctx, "missing", "bob", "hi")
	assert.True(t, errors.Is(err, model.ErrNotFound))
	_, err = f.router.Post(ctx, conv.ID, "bob", "")
	assert.True(t, errors.Is(err, model.ErrValidation))
}

func TestRouter_HistoryRequiresParticipant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg, err := f.router.SendMessage(ctx, "alice", "bob", "hi")
	require.NoError(t, err)

	_, err = f.router.History(ctx, msg.ConversationID, "carol", 0, 10)
	assert.True(t, errors.Is(err, model.ErrForbidden))
}

func TestRouter_UnknownSenderProfileFallsBackToIdentity(t *testing.T) {
	f := newFixture(t)
	f.store.UpsertProfile(model.Profile{ID: "carol"})
	carolConn := &fakeConn{id: "c-carol"}
	f.reg.Register("carol", carolConn)

	_, err := f.router.SendMessage(context.Background(), "dave", "carol", "yo")
	require.NoError(t, err)
	got := carolConn.received()
	require.Len(t, got, 1)
	assert.Equal(t, model.Profile{ID: "dave"}, got[0].payload.(Delivery).Message.Sender)
}
