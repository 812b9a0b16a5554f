package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"recipebox-server/internal/logger"
	"recipebox-server/internal/model"
	"recipebox-server/internal/registry"
	"recipebox-server/internal/store"
)

// RemotePresence answers for identities connected to other nodes.
type RemotePresence interface {
	Lookup(ctx context.Context, identity string) (node string, online bool, err error)
}

type UserHandler struct {
	Profiles store.ProfileSource
	Registry *registry.Registry
	Remote   RemotePresence
	Logger   *zap.Logger
}

// Get returns display attributes plus whether the user has a live connection.
func (h *UserHandler) Get(c *gin.Context) {
	if _, ok := requireUser(c); !ok {
		return
	}

	id := c.Param("id")
	profile := model.Profile{ID: id}
	if h.Profiles != nil {
		p, err := h.Profiles.Profile(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		profile = p
	}

	_, online := h.Registry.Lookup(id)
	if !online && h.Remote != nil {
		_, remote, err := h.Remote.Lookup(c.Request.Context(), id)
		if err != nil {
			logger.OrNop(h.Logger).Warn("remote presence lookup failed", zap.String("identity", id), zap.Error(err))
		}
		online = remote
	}

	c.JSON(http.StatusOK, gin.H{"user": profile, "online": online})
}
