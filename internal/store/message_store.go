package store

import "recipebox-server/internal/model"

// conversationLog is one conversation plus its messages in append order.
// Callers hold Store.mu.
type conversationLog struct {
	conv     model.Conversation
	messages []model.Message
}

func (l *conversationLog) append(msg model.Message) model.Message {
	if n := len(l.messages); n > 0 && msg.CreatedAt < l.messages[n-1].CreatedAt {
		msg.CreatedAt = l.messages[n-1].CreatedAt
	}
	msg.Seq = int64(len(l.messages)) + 1
	l.messages = append(l.messages, msg)

	last := msg
	l.conv.LastMessage = &last
	l.conv.MessageCount = msg.Seq
	l.conv.UpdatedAt = msg.CreatedAt
	return msg
}

func (l *conversationLog) getAfter(after int64, limit int) []model.Message {
	if after < 0 {
		after = 0
	}
	if after >= int64(len(l.messages)) {
		return []model.Message{}
	}
	rest := l.messages[after:]
	if len(rest) > limit {
		rest = rest[:limit]
	}
	result := make([]model.Message, len(rest))
	copy(result, rest)
	return result
}

// snapshot returns the conversation with a copy of LastMessage so callers
// cannot alias store state.
func (l *conversationLog) snapshot() model.Conversation {
	c := l.conv
	if c.LastMessage != nil {
		last := *c.LastMessage
		c.LastMessage = &last
	}
	return c
}
