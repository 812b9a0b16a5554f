package store

import (
	"context"

	"recipebox-server/internal/model"
)

// ChatStore is the durable, append-only log of private conversations.
type ChatStore interface {
	GetOrCreateConversation(ctx context.Context, a, b string) (model.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (model.Conversation, error)
	AppendMessage(ctx context.Context, conversationID, sender, content string) (model.Message, error)
	ListConversationsFor(ctx context.Context, identity string) ([]model.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, after int64, limit int) ([]model.Message, error)
}

// ProfileSource resolves display attributes owned by the user-account service.
type ProfileSource interface {
	Profile(ctx context.Context, identity string) (model.Profile, error)
}

// ActivityStore keeps the activity feed shown on user dashboards.
type ActivityStore interface {
	RecordActivity(ctx context.Context, a model.Activity) (model.Activity, error)
	ListActivities(ctx context.Context, recipient string, limit int) ([]model.Activity, error)
}

const (
	DefaultMessageLimit  = 100
	DefaultActivityLimit = 10
)
