package model

import (
	"encoding/json"
	"strconv"
	"strings"
)

type Profile struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

type Conversation struct {
	ID           string
	Participants [2]string
	MessageCount int64
	LastMessage  *Message
	CreatedAt    int64
	UpdatedAt    int64
}

// HasParticipant reports whether identity is one of the two members.
func (c Conversation) HasParticipant(identity string) bool {
	return identity != "" && (c.Participants[0] == identity || c.Participants[1] == identity)
}

// Partner returns the other participant, or "" when identity is not a member.
func (c Conversation) Partner(identity string) string {
	switch identity {
	case c.Participants[0]:
		return c.Participants[1]
	case c.Participants[1]:
		return c.Participants[0]
	default:
		return ""
	}
}

type Message struct {
	ID             string
	ConversationID string
	Seq            int64
	Sender         string
	Content        string
	CreatedAt      int64
}

type ActivityAction string

const (
	ActionLiked     ActivityAction = "Liked"
	ActionCommented ActivityAction = "Commented"
	ActionUploaded  ActivityAction = "Uploaded"
	ActionSaved     ActivityAction = "Saved"
)

func (a ActivityAction) Valid() bool {
	switch a {
	case ActionLiked, ActionCommented, ActionUploaded, ActionSaved:
		return true
	}
	return false
}

type Activity struct {
	ID          string
	Recipient   string
	Action      ActivityAction
	RecipeID    string
	RecipeTitle string
	Actor       string
	CommentText string
	CreatedAt   int64
}

type EnvelopeType string

const (
	EnvelopeLike           EnvelopeType = "like"
	EnvelopeComment        EnvelopeType = "comment"
	EnvelopePrivateMessage EnvelopeType = "private_message"
)

// Envelope is a live notification payload. It is never persisted.
type Envelope struct {
	Type    EnvelopeType
	Message string
	Link    string
	Fields  map[string]any
}

// MarshalJSON flattens Fields next to type, message and link. The fixed keys win.
func (e Envelope) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+3)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["type"] = e.Type
	out["message"] = e.Message
	out["link"] = e.Link
	return json.Marshal(out)
}

// PairKey orders two identities canonically so {a,b} and {b,a} share a key.
// The length prefix keeps the key unambiguous whatever the identities contain.
func PairKey(a, b string) (lo, hi string, key string) {
	lo, hi = a, b
	if hi < lo {
		lo, hi = hi, lo
	}
	return lo, hi, strconv.Itoa(len(lo)) + ":" + lo + "|" + hi
}

// BlankContent reports whether a message body is empty or whitespace only.
func BlankContent(content string) bool {
	return strings.TrimSpace(content) == ""
}
