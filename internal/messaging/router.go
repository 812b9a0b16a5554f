// Package messaging persists private chat messages and pushes them to the
// participants that are online.
package messaging

import (
	"context"
	"net/url"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"recipebox-server/internal/logger"
	"recipebox-server/internal/metrics"
	"recipebox-server/internal/model"
	"recipebox-server/internal/store"
)

const (
	EventPrivateMessage = "private_message"
	EventMessageSent    = "private_message_sent"
)

// Pusher is the best-effort delivery path, normally a *notify.Dispatcher.
type Pusher interface {
	Emit(recipient, event string, payload any) bool
}

type MessageView struct {
	ID        string        `json:"id"`
	Seq       int64         `json:"seq"`
	Sender    model.Profile `json:"sender"`
	Content   string        `json:"content"`
	CreatedAt int64         `json:"createdAt"`
}

// Delivery is the payload of both private_message and private_message_sent.
// Type and Link make it a private_message envelope the client can toast.
type Delivery struct {
	Type           model.EnvelopeType `json:"type"`
	Link           string             `json:"link"`
	ConversationID string             `json:"conversationId"`
	Message        MessageView        `json:"message"`
}

// ChatLink is the client route that opens a conversation with sender.
func ChatLink(conversationID, sender string) string {
	return "/chats?chatId=" + url.QueryEscape(conversationID) + "&userId=" + url.QueryEscape(sender)
}

type Options struct {
	Store    store.ChatStore
	Profiles store.ProfileSource
	Pusher   Pusher
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

type Router struct {
	store    store.ChatStore
	profiles store.ProfileSource
	push     Pusher
	log      *zap.Logger
	metrics  *metrics.Metrics
}

func New(opts Options) *Router {
	return &Router{
		store:    opts.Store,
		profiles: opts.Profiles,
		push:     opts.Pusher,
		log:      logger.OrNop(opts.Logger),
		metrics:  opts.Metrics,
	}
}

// SendMessage appends content to the sender/recipient conversation and only
// then pushes it: private_message to the recipient, private_message_sent to
// the sender. An offline recipient is not an error.
func (r *Router) SendMessage(ctx context.Context, sender, recipient, content string) (model.Message, error) {
	if model.BlankContent(content) {
		return model.Message{}, errors.Wrap(model.ErrValidation, "message content is empty")
	}
	if sender == "" || recipient == "" {
		return model.Message{}, errors.Wrap(model.ErrValidation, "sender and recipient are required")
	}
	if sender == recipient {
		return model.Message{}, errors.Wrap(model.ErrValidation, "cannot message yourself")
	}
	if err := r.checkRecipient(ctx, recipient); err != nil {
		return model.Message{}, err
	}

	conv, err := r.store.GetOrCreateConversation(ctx, sender, recipient)
	if err != nil {
		return model.Message{}, err
	}
	msg, err := r.append(ctx, conv.ID, sender, content)
	if err != nil {
		return model.Message{}, err
	}

	d := r.Present(ctx, msg)
	r.emit(recipient, EventPrivateMessage, d)
	r.emit(sender, EventMessageSent, d)
	return msg, nil
}

// Post is the REST path: the caller names an existing conversation and only
// the other participant is pushed to.
func (r *Router) Post(ctx context.Context, conversationID, sender, content string) (model.Message, error) {
	if model.BlankContent(content) {
		return model.Message{}, errors.Wrap(model.ErrValidation, "message content is empty")
	}
	conv, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return model.Message{}, err
	}
	if !conv.HasParticipant(sender) {
		return model.Message{}, errors.Wrapf(model.ErrForbidden, "%s in conversation %s", sender, conversationID)
	}

	msg, err := r.append(ctx, conv.ID, sender, content)
	if err != nil {
		return model.Message{}, err
	}
	r.emit(conv.Partner(sender), EventPrivateMessage, r.Present(ctx, msg))
	return msg, nil
}

// History returns messages after the cursor for a participant of the conversation.
func (r *Router) History(ctx context.Context, conversationID, identity string, after int64, limit int) ([]Delivery, error) {
	conv, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(identity) {
		return nil, errors.Wrapf(model.ErrForbidden, "%s in conversation %s", identity, conversationID)
	}
	msgs, err := r.store.ListMessages(ctx, conversationID, after, limit)
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]model.Profile, 2)
	out := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		p, ok := profiles[m.Sender]
		if !ok {
			p = r.profile(ctx, m.Sender)
			profiles[m.Sender] = p
		}
		out = append(out, present(m, p))
	}
	return out, nil
}

// Present renders msg with its sender's display attributes.
func (r *Router) Present(ctx context.Context, msg model.Message) Delivery {
	return present(msg, r.profile(ctx, msg.Sender))
}

func present(msg model.Message, sender model.Profile) Delivery {
	return Delivery{
		Type:           model.EnvelopePrivateMessage,
		Link:           ChatLink(msg.ConversationID, msg.Sender),
		ConversationID: msg.ConversationID,
		Message: MessageView{
			ID:        msg.ID,
			Seq:       msg.Seq,
			Sender:    sender,
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt,
		},
	}
}

func (r *Router) append(ctx context.Context, conversationID, sender, content string) (model.Message, error) {
	msg, err := r.store.AppendMessage(ctx, conversationID, sender, content)
	if err != nil {
		if errors.Is(err, model.ErrPersistence) {
			r.metrics.PersistFailed()
			r.log.Error("message append failed",
				zap.String("conversation", conversationID),
				zap.String("sender", sender),
				zap.Error(err),
			)
		}
		return model.Message{}, err
	}
	r.metrics.MessagePersisted()
	return msg, nil
}

func (r *Router) emit(recipient, event string, d Delivery) {
	if r.push == nil || recipient == "" {
		return
	}
	r.push.Emit(recipient, event, d)
}

func (r *Router) checkRecipient(ctx context.Context, recipient string) error {
	if r.profiles == nil {
		return nil
	}
	_, err := r.profiles.Profile(ctx, recipient)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, model.ErrNotFound):
		return errors.Wrapf(model.ErrNotFound, "recipient %s", recipient)
	default:
		// Profile outages do not block chat.
		r.log.Warn("recipient lookup failed", zap.String("recipient", recipient), zap.Error(err))
		return nil
	}
}

// profile falls back to the bare identity when display attributes are unavailable.
func (r *Router) profile(ctx context.Context, identity string) model.Profile {
	if r.profiles == nil {
		return model.Profile{ID: identity}
	}
	p, err := r.profiles.Profile(ctx, identity)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			r.log.Warn("profile lookup failed", zap.String("identity", identity), zap.Error(err))
		}
		return model.Profile{ID: identity}
	}
	if p.ID == "" {
		p.ID = identity
	}
	return p
}
