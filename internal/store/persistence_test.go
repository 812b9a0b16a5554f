package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"

	"recipebox-server/internal/model"
)

func TestStore_StatePersistence_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	stateFile := filepath.Join(dir, "chat-state.json")
	ctx := context.Background()

	s1, err := NewWithOptions(Options{StateFile: stateFile})
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}
	conv, err := s1.GetOrCreateConversation(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}
	if _, err := s1.AppendMessage(ctx, conv.ID, "alice", "hi"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if _, err := s1.RecordActivity(ctx, model.Activity{Recipient: "bob", Action: model.ActionLiked, RecipeID: "r1", Actor: "alice"}); err != nil {
		t.Fatalf("RecordActivity: %v", err)
	}

	info, err := os.Stat(stateFile)
	if err != nil {
		t.Fatalf("expected state file written: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected state file mode 0600, got %o", info.Mode().Perm())
	}

	s2, err := NewWithOptions(Options{StateFile: stateFile})
	if err != nil {
		t.Fatalf("NewWithOptions(reload): %v", err)
	}
	again, err := s2.GetOrCreateConversation(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}
	if again.ID != conv.ID {
		t.Fatalf("expected reloaded conversation %s, got %s", conv.ID, again.ID)
	}
	msgs, _ := s2.ListMessages(ctx, conv.ID, 0, 10)
	if len(msgs) != 1 || msgs[0].Content != "hi" || msgs[0].Seq != 1 {
		t.Fatalf("unexpected reloaded messages: %+v", msgs)
	}
	acts, _ := s2.ListActivities(ctx, "bob", 10)
	if len(acts) != 1 {
		t.Fatalf("expected 1 activity, got %d", len(acts))
	}
}

func TestStore_StatePersistence_FailureLeavesNoTrace(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s, err := NewWithOptions(Options{StateFile: filepath.Join(dir, "chat-state.json")})
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}
	conv, err := s.GetOrCreateConversation(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}

	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	s.stateFile = filepath.Join(blocker, "chat-state.json")

	_, err = s.AppendMessage(ctx, conv.ID, "alice", "lost")
	if !errors.Is(err, model.ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	msgs, _ := s.ListMessages(ctx, conv.ID, 0, 10)
	if len(msgs) != 0 {
		t.Fatalf("expected failed append to be invisible, got %d messages", len(msgs))
	}
	got, _ := s.GetConversation(ctx, conv.ID)
	if got.MessageCount != 0 || got.LastMessage != nil {
		t.Fatalf("expected conversation summary rolled back, got %+v", got)
	}
}

func TestStore_StatePersistence_RejectsUnknownVersion(t *testing.T) {
	dir := t.TempDir()
	stateFile := filepath.Join(dir, "chat-state.json")
	if err := os.WriteFile(stateFile, []byte(`{"version":9}`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := NewWithOptions(Options{StateFile: stateFile}); err == nil {
		t.Fatalf("expected error")
	}
}
