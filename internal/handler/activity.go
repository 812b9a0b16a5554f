package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"recipebox-server/internal/activity"
	"recipebox-server/internal/model"
	"recipebox-server/internal/store"
)

type ActivityHandler struct {
	Publisher *activity.Publisher
}

type activityView struct {
	ID          string               `json:"id"`
	Action      model.ActivityAction `json:"action"`
	RecipeID    string               `json:"recipeId"`
	RecipeTitle string               `json:"recipeTitle,omitempty"`
	Actor       string               `json:"actor,omitempty"`
	CommentText string               `json:"commentText,omitempty"`
	CreatedAt   int64                `json:"createdAt"`
}

func newActivityView(a model.Activity) activityView {
	return activityView{
		ID:          a.ID,
		Action:      a.Action,
		RecipeID:    a.RecipeID,
		RecipeTitle: a.RecipeTitle,
		Actor:       a.Actor,
		CommentText: a.CommentText,
		CreatedAt:   a.CreatedAt,
	}
}

type recordActivityBody struct {
	Action      model.ActivityAction `json:"action"`
	RecipientID string               `json:"recipientId"`
	RecipeID    string               `json:"recipeId"`
	RecipeTitle string               `json:"recipeTitle"`
	CommentText string               `json:"commentText"`
}

// List returns the caller's most recent activity.
func (h *ActivityHandler) List(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	acts, err := h.Publisher.List(c.Request.Context(), userID, store.DefaultActivityLimit)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := make([]activityView, 0, len(acts))
	for _, a := range acts {
		resp = append(resp, newActivityView(a))
	}
	c.JSON(http.StatusOK, gin.H{"activities": resp})
}

// Record is called by the recipe service when the caller likes or comments
// on someone's recipe.
func (h *ActivityHandler) Record(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var body recordActivityBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	rec, err := h.Publisher.Record(c.Request.Context(), model.Activity{
		Recipient:   body.RecipientID,
		Action:      body.Action,
		RecipeID:    body.RecipeID,
		RecipeTitle: body.RecipeTitle,
		Actor:       userID,
		CommentText: body.CommentText,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"activity": newActivityView(rec)})
}
