// Package activity records recipe activity and announces likes and comments
// to the recipe owner.
package activity

import (
	"context"

	"go.uber.org/zap"

	"recipebox-server/internal/logger"
	"recipebox-server/internal/model"
	"recipebox-server/internal/notify"
	"recipebox-server/internal/store"
)

type Notifier interface {
	Notify(recipient string, env model.Envelope)
}

type Publisher struct {
	store    store.ActivityStore
	profiles store.ProfileSource
	notifier Notifier
	log      *zap.Logger
}

func NewPublisher(s store.ActivityStore, profiles store.ProfileSource, n Notifier, log *zap.Logger) *Publisher {
	return &Publisher{store: s, profiles: profiles, notifier: n, log: logger.OrNop(log)}
}

func (p *Publisher) RecipeLiked(ctx context.Context, actor, owner, recipeID, recipeTitle string) (model.Activity, error) {
	return p.Record(ctx, model.Activity{
		Recipient:   owner,
		Action:      model.ActionLiked,
		RecipeID:    recipeID,
		RecipeTitle: recipeTitle,
		Actor:       actor,
	})
}

func (p *Publisher) CommentPosted(ctx context.Context, actor, owner, recipeID, recipeTitle, comment string) (model.Activity, error) {
	return p.Record(ctx, model.Activity{
		Recipient:   owner,
		Action:      model.ActionCommented,
		RecipeID:    recipeID,
		RecipeTitle: recipeTitle,
		Actor:       actor,
		CommentText: comment,
	})
}

// Record stores the activity first and then pushes a live envelope to the
// recipient as a separate step. Nothing is pushed when the actor is the
// recipient, and a failed push never affects the stored record.
func (p *Publisher) Record(ctx context.Context, a model.Activity) (model.Activity, error) {
	rec, err := p.store.RecordActivity(ctx, a)
	if err != nil {
		return model.Activity{}, err
	}
	if rec.Actor == "" || rec.Actor == rec.Recipient || p.notifier == nil {
		return rec, nil
	}

	env, ok := p.envelope(ctx, rec)
	if !ok {
		return rec, nil
	}
	p.notifier.Notify(rec.Recipient, env)
	return rec, nil
}

func (p *Publisher) List(ctx context.Context, recipient string, limit int) ([]model.Activity, error) {
	return p.store.ListActivities(ctx, recipient, limit)
}

func (p *Publisher) envelope(ctx context.Context, a model.Activity) (model.Envelope, bool) {
	switch a.Action {
	case model.ActionLiked:
		return notify.LikeEnvelope(p.actor(ctx, a.Actor), a.RecipeID, a.RecipeTitle), true
	case model.ActionCommented:
		return notify.CommentEnvelope(p.actor(ctx, a.Actor), a.RecipeID, a.RecipeTitle, a.CommentText), true
	default:
		return model.Envelope{}, false
	}
}

func (p *Publisher) actor(ctx context.Context, identity string) model.Profile {
	if p.profiles == nil {
		return model.Profile{ID: identity}
	}
	prof, err := p.profiles.Profile(ctx, identity)
	if err != nil {
		p.log.Debug("actor profile unavailable", zap.String("actor", identity), zap.Error(err))
		return model.Profile{ID: identity}
	}
	return prof
}
