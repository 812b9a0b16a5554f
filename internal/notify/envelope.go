package notify

import (
	"fmt"

	"recipebox-server/internal/model"
)

// RecipeLink is the client route of a recipe page.
func RecipeLink(recipeID string) string {
	return "/recipe/" + recipeID
}

func actorFields(actor model.Profile, recipeID string) map[string]any {
	return map[string]any{
		"recipeId": recipeID,
		"actor":    actor,
	}
}

func LikeEnvelope(actor model.Profile, recipeID, recipeTitle string) model.Envelope {
	return model.Envelope{
		Type:    model.EnvelopeLike,
		Message: fmt.Sprintf("%s liked your recipe %q.", displayName(actor), recipeTitle),
		Link:    RecipeLink(recipeID),
		Fields:  actorFields(actor, recipeID),
	}
}

func CommentEnvelope(actor model.Profile, recipeID, recipeTitle, comment string) model.Envelope {
	fields := actorFields(actor, recipeID)
	fields["comment"] = comment
	return model.Envelope{
		Type:    model.EnvelopeComment,
		Message: fmt.Sprintf("%s commented on your recipe %q.", displayName(actor), recipeTitle),
		Link:    RecipeLink(recipeID),
		Fields:  fields,
	}
}

func displayName(p model.Profile) string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}
