package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"recipebox-server/internal/messaging"
	"recipebox-server/internal/model"
	"recipebox-server/internal/store"
)

type ChatHandler struct {
	Store    store.ChatStore
	Profiles store.ProfileSource
	Router   *messaging.Router
}

type createChatBody struct {
	PartnerID string `json:"partnerId"`
}

type postMessageBody struct {
	Message string `json:"message"`
}

func (h *ChatHandler) GetOrCreate(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var body createChatBody
	if err := c.ShouldBindJSON(&body); err != nil || strings.TrimSpace(body.PartnerID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if body.PartnerID == userID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot chat with yourself."})
		return
	}
	if h.Profiles != nil {
		if _, err := h.Profiles.Profile(c.Request.Context(), body.PartnerID); err != nil {
			writeError(c, err)
			return
		}
	}

	conv, err := h.Store.GetOrCreateConversation(c.Request.Context(), userID, body.PartnerID)
	if err != nil {
		writeError(c, err)
		return
	}
	profiles := newProfileCache(h.Profiles)
	c.JSON(http.StatusOK, gin.H{"chat": h.conversationView(c.Request.Context(), conv, profiles)})
}

// List returns the caller's conversations, most recently active first.
func (h *ChatHandler) List(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	convs, err := h.Store.ListConversationsFor(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}

	profiles := newProfileCache(h.Profiles)
	resp := make([]gin.H, 0, len(convs))
	for _, conv := range convs {
		resp = append(resp, h.conversationView(c.Request.Context(), conv, profiles))
	}
	c.JSON(http.StatusOK, gin.H{"chats": resp})
}

func (h *ChatHandler) Messages(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	after := int64(0)
	if raw := c.Query("after"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cursor format"})
			return
		}
		after = v
	}

	limit := store.DefaultMessageLimit
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		limit = v
	}

	msgs, err := h.Router.History(c.Request.Context(), c.Param("chatId"), userID, after, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *ChatHandler) PostMessage(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var body postMessageBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	msg, err := h.Router.Post(c.Request.Context(), c.Param("chatId"), userID, body.Message)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"message": "Message sent successfully",
		"id":      msg.ID,
		"seq":     msg.Seq,
	})
}

func (h *ChatHandler) conversationView(ctx context.Context, conv model.Conversation, profiles *profileCache) gin.H {
	var last any
	if conv.LastMessage != nil {
		last = messaging.MessageView{
			ID:        conv.LastMessage.ID,
			Seq:       conv.LastMessage.Seq,
			Sender:    profiles.get(ctx, conv.LastMessage.Sender),
			Content:   conv.LastMessage.Content,
			CreatedAt: conv.LastMessage.CreatedAt,
		}
	}
	return gin.H{
		"id": conv.ID,
		"participants": []model.Profile{
			profiles.get(ctx, conv.Participants[0]),
			profiles.get(ctx, conv.Participants[1]),
		},
		"messageCount": conv.MessageCount,
		"lastMessage":  last,
		"createdAt":    conv.CreatedAt,
		"updatedAt":    conv.UpdatedAt,
	}
}

// profileCache memoizes lookups for one request.
type profileCache struct {
	src  store.ProfileSource
	seen map[string]model.Profile
}

func newProfileCache(src store.ProfileSource) *profileCache {
	return &profileCache{src: src, seen: make(map[string]model.Profile)}
}

func (p *profileCache) get(ctx context.Context, identity string) model.Profile {
	if prof, ok := p.seen[identity]; ok {
		return prof
	}
	prof := model.Profile{ID: identity}
	if p.src != nil {
		if found, err := p.src.Profile(ctx, identity); err == nil {
			prof = found
			prof.ID = identity
		} else if !errors.Is(err, model.ErrNotFound) {
			return prof
		}
	}
	p.seen[identity] = prof
	return prof
}
