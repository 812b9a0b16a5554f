package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"recipebox-server/internal/logger"
	"recipebox-server/internal/model"
)

// Store is the in-memory implementation of ChatStore, ProfileSource and
// ActivityStore. With a StateFile every mutation is written to disk before it
// becomes visible, so a failed write leaves the store unchanged.
type Store struct {
	mu sync.RWMutex

	stateFile string
	log       *zap.Logger
	now       func() time.Time

	conversationsByID    map[string]*conversationLog
	conversationIDByPair map[string]string // PairKey -> conversationID

	profilesByID map[string]model.Profile

	activitiesByRecipient map[string][]model.Activity
}

func New() *Store {
	s, _ := NewWithOptions(Options{})
	return s
}

type Options struct {
	StateFile    string
	ProfilesFile string
	Logger       *zap.Logger
	Now          func() time.Time
}

func NewWithOptions(opts Options) (*Store, error) {
	s := &Store{
		stateFile:             opts.StateFile,
		log:                   logger.OrNop(opts.Logger),
		now:                   opts.Now,
		conversationsByID:     make(map[string]*conversationLog),
		conversationIDByPair:  make(map[string]string),
		profilesByID:          make(map[string]model.Profile),
		activitiesByRecipient: make(map[string][]model.Activity),
	}
	if s.now == nil {
		s.now = time.Now
	}

	if opts.ProfilesFile != "" {
		if err := s.loadProfilesFromFile(opts.ProfilesFile); err != nil {
			return nil, errors.Wrapf(err, "load profiles %s", opts.ProfilesFile)
		}
	}
	if s.stateFile != "" {
		if err := s.loadStateFromFile(s.stateFile); err != nil {
			return nil, errors.Wrapf(err, "load state %s", s.stateFile)
		}
	}
	return s, nil
}

func (s *Store) nowMillis() int64 {
	return s.now().UnixMilli()
}

// UpsertProfile seeds or replaces display attributes for an identity.
func (s *Store) UpsertProfile(p model.Profile) {
	if p.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profilesByID[p.ID] = p
}

func (s *Store) Profile(_ context.Context, identity string) (model.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profilesByID[identity]
	if !ok {
		return model.Profile{}, errors.Wrapf(model.ErrNotFound, "user %s", identity)
	}
	return p, nil
}

func (s *Store) GetOrCreateConversation(_ context.Context, a, b string) (model.Conversation, error) {
	if a == "" || b == "" {
		return model.Conversation{}, errors.Wrap(model.ErrValidation, "missing participant")
	}
	if a == b {
		return model.Conversation{}, errors.Wrap(model.ErrValidation, "cannot chat with yourself")
	}

	lo, hi, key := model.PairKey(a, b)

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.conversationIDByPair[key]; ok {
		return s.conversationsByID[id].snapshot(), nil
	}

	now := s.nowMillis()
	l := &conversationLog{conv: model.Conversation{
		ID:           uuid.NewString(),
		Participants: [2]string{lo, hi},
		CreatedAt:    now,
		UpdatedAt:    now,
	}}
	s.conversationsByID[l.conv.ID] = l
	s.conversationIDByPair[key] = l.conv.ID

	if err := s.persistLocked(); err != nil {
		delete(s.conversationsByID, l.conv.ID)
		delete(s.conversationIDByPair, key)
		return model.Conversation{}, err
	}
	return l.snapshot(), nil
}

func (s *Store) GetConversation(_ context.Context, conversationID string) (model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.conversationsByID[conversationID]
	if !ok {
		return model.Conversation{}, errors.Wrapf(model.ErrNotFound, "conversation %s", conversationID)
	}
	return l.snapshot(), nil
}

func (s *Store) AppendMessage(_ context.Context, conversationID, sender, content string) (model.Message, error) {
	if model.BlankContent(content) {
		return model.Message{}, errors.Wrap(model.ErrValidation, "message content is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.conversationsByID[conversationID]
	if !ok {
		return model.Message{}, errors.Wrapf(model.ErrNotFound, "conversation %s", conversationID)
	}
	if !l.conv.HasParticipant(sender) {
		return model.Message{}, errors.Wrapf(model.ErrForbidden, "%s in conversation %s", sender, conversationID)
	}

	prevConv := l.conv
	prevLen := len(l.messages)
	msg := l.append(model.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Sender:         sender,
		Content:        content,
		CreatedAt:      s.nowMillis(),
	})

	if err := s.persistLocked(); err != nil {
		l.messages = l.messages[:prevLen]
		l.conv = prevConv
		return model.Message{}, err
	}
	return msg, nil
}

func (s *Store) ListConversationsFor(_ context.Context, identity string) ([]model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Conversation, 0)
	for _, l := range s.conversationsByID {
		if l.conv.HasParticipant(identity) {
			result = append(result, l.snapshot())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].UpdatedAt == result[j].UpdatedAt {
			return result[i].ID < result[j].ID
		}
		return result[i].UpdatedAt > result[j].UpdatedAt
	})
	return result, nil
}

func (s *Store) ListMessages(_ context.Context, conversationID string, after int64, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.conversationsByID[conversationID]
	if !ok {
		return nil, errors.Wrapf(model.ErrNotFound, "conversation %s", conversationID)
	}
	return l.getAfter(after, limit), nil
}

func (s *Store) RecordActivity(_ context.Context, a model.Activity) (model.Activity, error) {
	if a.Recipient == "" || a.RecipeID == "" || !a.Action.Valid() {
		return model.Activity{}, errors.Wrap(model.ErrValidation, "invalid activity")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a.ID = uuid.NewString()
	a.CreatedAt = s.nowMillis()
	prev := s.activitiesByRecipient[a.Recipient]
	s.activitiesByRecipient[a.Recipient] = append(prev, a)

	if err := s.persistLocked(); err != nil {
		s.activitiesByRecipient[a.Recipient] = prev
		return model.Activity{}, err
	}
	return a, nil
}

func (s *Store) ListActivities(_ context.Context, recipient string, limit int) ([]model.Activity, error) {
	if limit <= 0 {
		limit = DefaultActivityLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.activitiesByRecipient[recipient]
	result := make([]model.Activity, 0, limit)
	for i := len(all) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, all[i])
	}
	return result, nil
}

type persistedState struct {
	Version       int                     `json:"version"`
	Conversations []persistedConversation `json:"conversations"`
	Activities    []persistedActivity     `json:"activities"`
	SavedAt       int64                   `json:"savedAt"`
}

type persistedConversation struct {
	ID           string             `json:"id"`
	Participants [2]string          `json:"participants"`
	CreatedAt    int64              `json:"createdAt"`
	UpdatedAt    int64              `json:"updatedAt"`
	Messages     []persistedMessage `json:"messages"`
}

type persistedMessage struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"createdAt"`
}

type persistedActivity struct {
	ID          string `json:"id"`
	Recipient   string `json:"recipient"`
	Action      string `json:"action"`
	RecipeID    string `json:"recipeId"`
	RecipeTitle string `json:"recipeTitle,omitempty"`
	Actor       string `json:"actor,omitempty"`
	CommentText string `json:"commentText,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
}

func (s *Store) loadProfilesFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var profiles []model.Profile
	if err := json.Unmarshal(data, &profiles); err != nil {
		return err
	}
	for _, p := range profiles {
		if p.ID == "" {
			continue
		}
		s.profilesByID[p.ID] = p
	}
	s.log.Info("profiles loaded", zap.String("file", path), zap.Int("count", len(s.profilesByID)))
	return nil
}

func (s *Store) loadStateFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var file persistedState
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	if file.Version != 1 {
		return errors.New("unsupported state version")
	}

	for _, pc := range file.Conversations {
		if pc.ID == "" || pc.Participants[0] == "" || pc.Participants[1] == "" {
			continue
		}
		_, _, key := model.PairKey(pc.Participants[0], pc.Participants[1])
		l := &conversationLog{conv: model.Conversation{
			ID:           pc.ID,
			Participants: pc.Participants,
			CreatedAt:    pc.CreatedAt,
			UpdatedAt:    pc.UpdatedAt,
		}}
		for _, pm := range pc.Messages {
			l.append(model.Message{
				ID:             pm.ID,
				ConversationID: pc.ID,
				Sender:         pm.Sender,
				Content:        pm.Content,
				CreatedAt:      pm.CreatedAt,
			})
		}
		s.conversationsByID[pc.ID] = l
		s.conversationIDByPair[key] = pc.ID
	}
	for _, pa := range file.Activities {
		s.activitiesByRecipient[pa.Recipient] = append(s.activitiesByRecipient[pa.Recipient], model.Activity{
			ID:          pa.ID,
			Recipient:   pa.Recipient,
			Action:      model.ActivityAction(pa.Action),
			RecipeID:    pa.RecipeID,
			RecipeTitle: pa.RecipeTitle,
			Actor:       pa.Actor,
			CommentText: pa.CommentText,
			CreatedAt:   pa.CreatedAt,
		})
	}
	s.log.Info("chat state loaded", zap.String("file", path), zap.Int("conversations", len(s.conversationsByID)))
	return nil
}

func (s *Store) snapshotLocked() persistedState {
	state := persistedState{Version: 1, SavedAt: s.nowMillis()}
	for _, l := range s.conversationsByID {
		pc := persistedConversation{
			ID:           l.conv.ID,
			Participants: l.conv.Participants,
			CreatedAt:    l.conv.CreatedAt,
			UpdatedAt:    l.conv.UpdatedAt,
			Messages:     make([]persistedMessage, 0, len(l.messages)),
		}
		for _, m := range l.messages {
			pc.Messages = append(pc.Messages, persistedMessage{ID: m.ID, Sender: m.Sender, Content: m.Content, CreatedAt: m.CreatedAt})
		}
		state.Conversations = append(state.Conversations, pc)
	}
	sort.Slice(state.Conversations, func(i, j int) bool { return state.Conversations[i].ID < state.Conversations[j].ID })

	recipients := make([]string, 0, len(s.activitiesByRecipient))
	for r := range s.activitiesByRecipient {
		recipients = append(recipients, r)
	}
	sort.Strings(recipients)
	for _, r := range recipients {
		for _, a := range s.activitiesByRecipient[r] {
			state.Activities = append(state.Activities, persistedActivity{
				ID:          a.ID,
				Recipient:   a.Recipient,
				Action:      string(a.Action),
				RecipeID:    a.RecipeID,
				RecipeTitle: a.RecipeTitle,
				Actor:       a.Actor,
				CommentText: a.CommentText,
				CreatedAt:   a.CreatedAt,
			})
		}
	}
	return state
}

// persistLocked writes the full state atomically (temp file + rename).
// Callers hold s.mu for writing.
func (s *Store) persistLocked() error {
	path := s.stateFile
	if path == "" {
		return nil
	}

	err := writeStateFile(path, s.snapshotLocked())
	if err != nil {
		s.log.Error("chat state persistence failed", zap.String("file", path), zap.Error(err))
		return errors.Wrap(model.ErrPersistence, err.Error())
	}
	return nil
}

func writeStateFile(path string, state persistedState) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrap(err, "mkdir")
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal")
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temp")
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "chmod temp")
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "write temp")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "sync temp")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp")
	}
	return errors.Wrap(os.Rename(tmpName, path), "rename")
}
