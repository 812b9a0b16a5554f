// Package mongostore keeps chats, activities and user profiles in MongoDB,
// one document per conversation with its messages embedded in append order.
package mongostore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"recipebox-server/internal/logger"
	"recipebox-server/internal/model"
	"recipebox-server/internal/store"
)

type Config struct {
	URI         string
	Database    string
	MaxPoolSize uint64
}

type Store struct {
	client     *mongo.Client
	chats      *mongo.Collection
	users      *mongo.Collection
	activities *mongo.Collection
	log        *zap.Logger
	now        func() time.Time
}

var (
	_ store.ChatStore     = (*Store)(nil)
	_ store.ProfileSource = (*Store)(nil)
	_ store.ActivityStore = (*Store)(nil)
)

// Connect dials MongoDB, pings it and makes sure the indexes exist.
func Connect(ctx context.Context, cfg Config, log *zap.Logger) (*Store, error) {
	if cfg.URI == "" {
		return nil, errors.New("mongo uri is required")
	}
	if cfg.Database == "" {
		cfg.Database = "recipebox"
	}
	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(cfg.MaxPoolSize)
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errors.Wrap(err, "mongo connect")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, errors.Wrap(err, "mongo ping")
	}

	s := New(client.Database(cfg.Database), log)
	s.client = client
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func New(db *mongo.Database, log *zap.Logger) *Store {
	return &Store{
		chats:      db.Collection("chats"),
		users:      db.Collection("users"),
		activities: db.Collection("activities"),
		log:        logger.OrNop(log),
		now:        time.Now,
	}
}

func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.chats.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "pairKey", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "participants", Value: 1}, {Key: "updatedAt", Value: -1}}},
	})
	if err != nil {
		return errors.Wrap(err, "chats indexes")
	}
	_, err = s.activities.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user", Value: 1}, {Key: "createdAt", Value: -1}},
	})
	return errors.Wrap(err, "activities indexes")
}

func (s *Store) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

type chatDoc struct {
	ID           string       `bson:"_id"`
	PairKey      string       `bson:"pairKey"`
	Participants []string     `bson:"participants"`
	Messages     []messageDoc `bson:"messages"`
	MessageCount int64        `bson:"messageCount"`
	CreatedAt    time.Time    `bson:"createdAt"`
	UpdatedAt    time.Time    `bson:"updatedAt"`
}

type messageDoc struct {
	ID        string    `bson:"_id"`
	Sender    string    `bson:"sender"`
	Content   string    `bson:"content"`
	CreatedAt time.Time `bson:"createdAt"`
}

// lastMessageOnly keeps conversation reads from loading the whole history.
var lastMessageOnly = bson.M{"messages": bson.M{"$slice": -1}}

func (d chatDoc) toModel() model.Conversation {
	c := model.Conversation{
		ID:           d.ID,
		MessageCount: d.MessageCount,
		CreatedAt:    d.CreatedAt.UnixMilli(),
		UpdatedAt:    d.UpdatedAt.UnixMilli(),
	}
	if len(d.Participants) == 2 {
		c.Participants = [2]string{d.Participants[0], d.Participants[1]}
	}
	if n := len(d.Messages); n > 0 {
		last := d.Messages[n-1].toModel(d.ID, d.MessageCount)
		c.LastMessage = &last
	}
	return c
}

func (m messageDoc) toModel(conversationID string, seq int64) model.Message {
	return model.Message{
		ID:             m.ID,
		ConversationID: conversationID,
		Seq:            seq,
		Sender:         m.Sender,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt.UnixMilli(),
	}
}

func (s *Store) GetOrCreateConversation(ctx context.Context, a, b string) (model.Conversation, error) {
	if a == "" || b == "" {
		return model.Conversation{}, errors.Wrap(model.ErrValidation, "missing participant")
	}
	if a == b {
		return model.Conversation{}, errors.Wrap(model.ErrValidation, "cannot chat with yourself")
	}
	lo, hi, key := model.PairKey(a, b)

	now := s.now().UTC()
	update := bson.M{"$setOnInsert": bson.M{
		"_id":          uuid.NewString(),
		"participants": []string{lo, hi},
		"messages":     bson.A{},
		"messageCount": int64(0),
		"createdAt":    now,
		"updatedAt":    now,
	}}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After).
		SetProjection(lastMessageOnly)

	var doc chatDoc
	err := s.chats.FindOneAndUpdate(ctx, bson.M{"pairKey": key}, update, opts).Decode(&doc)
	if mongo.IsDuplicateKeyError(err) {
		// Lost an upsert race on the unique pairKey index; the winner's document exists now.
		err = s.chats.FindOne(ctx, bson.M{"pairKey": key}, options.FindOne().SetProjection(lastMessageOnly)).Decode(&doc)
	}
	if err != nil {
		return model.Conversation{}, errors.Wrap(model.ErrPersistence, err.Error())
	}
	return doc.toModel(), nil
}

func (s *Store) GetConversation(ctx context.Context, conversationID string) (model.Conversation, error) {
	var doc chatDoc
	err := s.chats.FindOne(ctx, bson.M{"_id": conversationID}, options.FindOne().SetProjection(lastMessageOnly)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Conversation{}, errors.Wrapf(model.ErrNotFound, "conversation %s", conversationID)
	}
	if err != nil {
		return model.Conversation{}, errors.Wrap(model.ErrPersistence, err.Error())
	}
	return doc.toModel(), nil
}

// AppendMessage pushes and counts in one update so MongoDB's per-document
// atomicity serializes concurrent appends; Seq is the post-increment count.
func (s *Store) AppendMessage(ctx context.Context, conversationID, sender, content string) (model.Message, error) {
	if model.BlankContent(content) {
		return model.Message{}, errors.Wrap(model.ErrValidation, "message content is empty")
	}

	now := s.now().UTC()
	msg := messageDoc{ID: uuid.NewString(), Sender: sender, Content: content, CreatedAt: now}
	filter := bson.M{"_id": conversationID, "participants": sender}
	update := bson.M{
		"$push": bson.M{"messages": msg},
		"$inc":  bson.M{"messageCount": int64(1)},
		"$max":  bson.M{"updatedAt": now},
	}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(bson.M{"messageCount": 1, "messages": bson.M{"$slice": -1}})

	var doc chatDoc
	err := s.chats.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Message{}, s.appendMissReason(ctx, conversationID, sender)
	}
	if err != nil {
		s.log.Error("chat append failed", zap.String("conversation", conversationID), zap.Error(err))
		return model.Message{}, errors.Wrap(model.ErrPersistence, err.Error())
	}
	return msg.toModel(conversationID, doc.MessageCount), nil
}

func (s *Store) appendMissReason(ctx context.Context, conversationID, sender string) error {
	n, err := s.chats.CountDocuments(ctx, bson.M{"_id": conversationID})
	if err != nil {
		return errors.Wrap(model.ErrPersistence, err.Error())
	}
	if n == 0 {
		return errors.Wrapf(model.ErrNotFound, "conversation %s", conversationID)
	}
	return errors.Wrapf(model.ErrForbidden, "%s in conversation %s", sender, conversationID)
}

func (s *Store) ListConversationsFor(ctx context.Context, identity string) ([]model.Conversation, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "updatedAt", Value: -1}, {Key: "_id", Value: 1}}).
		SetProjection(lastMessageOnly)
	cur, err := s.chats.Find(ctx, bson.M{"participants": identity}, opts)
	if err != nil {
		return nil, errors.Wrap(model.ErrPersistence, err.Error())
	}
	var docs []chatDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(model.ErrPersistence, err.Error())
	}

	result := make([]model.Conversation, 0, len(docs))
	for _, d := range docs {
		result = append(result, d.toModel())
	}
	return result, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, after int64, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = store.DefaultMessageLimit
	}
	if after < 0 {
		after = 0
	}

	opts := options.FindOne().SetProjection(bson.M{"messages": bson.M{"$slice": bson.A{after, limit}}})
	var doc chatDoc
	err := s.chats.FindOne(ctx, bson.M{"_id": conversationID}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.Wrapf(model.ErrNotFound, "conversation %s", conversationID)
	}
	if err != nil {
		return nil, errors.Wrap(model.ErrPersistence, err.Error())
	}

	result := make([]model.Message, 0, len(doc.Messages))
	for i, m := range doc.Messages {
		result = append(result, m.toModel(conversationID, after+int64(i)+1))
	}
	return result, nil
}

type userDoc struct {
	Name       string `bson:"name"`
	ProfilePic string `bson:"profilePic"`
}

// Profile reads the account service's users collection. Identities that look
// like ObjectIDs are matched as such, anything else as a plain string _id.
func (s *Store) Profile(ctx context.Context, identity string) (model.Profile, error) {
	var id any = identity
	if oid, err := primitive.ObjectIDFromHex(identity); err == nil {
		id = oid
	}

	var doc userDoc
	opts := options.FindOne().SetProjection(bson.M{"name": 1, "profilePic": 1})
	err := s.users.FindOne(ctx, bson.M{"_id": id}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Profile{}, errors.Wrapf(model.ErrNotFound, "user %s", identity)
	}
	if err != nil {
		return model.Profile{}, errors.Wrap(err, "load user profile")
	}
	return model.Profile{ID: identity, Name: doc.Name, Avatar: doc.ProfilePic}, nil
}

type activityDoc struct {
	ID          string    `bson:"_id"`
	User        string    `bson:"user"`
	Action      string    `bson:"action"`
	Recipe      string    `bson:"recipe"`
	RecipeTitle string    `bson:"recipeTitle,omitempty"`
	Liker       string    `bson:"liker,omitempty"`
	CommentText string    `bson:"commentText,omitempty"`
	CreatedAt   time.Time `bson:"createdAt"`
}

func (s *Store) RecordActivity(ctx context.Context, a model.Activity) (model.Activity, error) {
	if a.Recipient == "" || a.RecipeID == "" || !a.Action.Valid() {
		return model.Activity{}, errors.Wrap(model.ErrValidation, "invalid activity")
	}
	now := s.now().UTC()
	doc := activityDoc{
		ID:          uuid.NewString(),
		User:        a.Recipient,
		Action:      string(a.Action),
		Recipe:      a.RecipeID,
		RecipeTitle: a.RecipeTitle,
		Liker:       a.Actor,
		CommentText: a.CommentText,
		CreatedAt:   now,
	}
	if _, err := s.activities.InsertOne(ctx, doc); err != nil {
		return model.Activity{}, errors.Wrap(model.ErrPersistence, err.Error())
	}
	a.ID = doc.ID
	a.CreatedAt = now.UnixMilli()
	return a, nil
}

func (s *Store) ListActivities(ctx context.Context, recipient string, limit int) ([]model.Activity, error) {
	if limit <= 0 {
		limit = store.DefaultActivityLimit
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit))
	cur, err := s.activities.Find(ctx, bson.M{"user": recipient}, opts)
	if err != nil {
		return nil, errors.Wrap(model.ErrPersistence, err.Error())
	}
	var docs []activityDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(model.ErrPersistence, err.Error())
	}

	result := make([]model.Activity, 0, len(docs))
	for _, d := range docs {
		result = append(result, model.Activity{
			ID:          d.ID,
			Recipient:   d.User,
			Action:      model.ActivityAction(d.Action),
			RecipeID:    d.Recipe,
			RecipeTitle: d.RecipeTitle,
			Actor:       d.Liker,
			CommentText: d.CommentText,
			CreatedAt:   d.CreatedAt.UnixMilli(),
		})
	}
	return result, nil
}
