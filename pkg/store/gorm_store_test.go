package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"flownote/pkg/domain"
)

// openTestGormStore connects to FLOWNOTE_TEST_DATABASE_URL and removes the
// rows written under prefix when the test ends.
func openTestGormStore(t *testing.T) (*GormStore, string) {
	t.Helper()
	dsn := os.Getenv("FLOWNOTE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("FLOWNOTE_TEST_DATABASE_URL not set")
	}
	s, err := NewGormStore(dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	prefix := "t" + uuid.NewString()[:8] + "-"
	t.Cleanup(func() {
		like := prefix + "%"
		s.db.Exec("DELETE FROM conversation_models WHERE id LIKE ?", like)
		s.db.Exec("DELETE FROM user_models WHERE id LIKE ?", like)
		if sqlDB, err := s.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return s, prefix
}

func TestJSONArrayOfEscapes(t *testing.T) {
	if got := jsonArrayOf(`a"b`); got != `["a\"b"]` {
		t.Fatalf("unexpected containment literal: %s", got)
	}
}

func TestGormStoreConversationLifecycle(t *testing.T) {
	s, p := openTestGormStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	alice, bob, carol := p+"alice", p+"bob", p+"carol"
	convID := p + "alice_bob"

	conv := domain.Conversation{ID: convID, Participants: []string{alice, bob}, LastMessageAt: now, CreatedAt: now, UpdatedAt: now}
	created, err := s.CreateConversationIfAbsent(ctx, conv)
	if err != nil || !created {
		t.Fatalf("create conversation: created=%v err=%v", created, err)
	}
	again, err := s.CreateConversationIfAbsent(ctx, conv)
	if err != nil || again {
		t.Fatalf("second create should be a no-op: created=%v err=%v", again, err)
	}

	for i, id := range []string{p + "m1", p + "m2"} {
		msg := domain.Message{
			ID:             id,
			ConversationID: convID,
			SenderID:       alice,
			Content:        "hello",
			Attachments:    []domain.Attachment{},
			ReadBy:         []string{alice},
			CreatedAt:      now.Add(time.Duration(i) * time.Second),
			UpdatedAt:      now,
		}
		if err := s.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}
	got, ok, err := s.GetConversation(ctx, convID)
	if err != nil || !ok {
		t.Fatalf("get conversation: ok=%v err=%v", ok, err)
	}
	if got.LastMessage == nil || got.LastMessage.ID != p+"m2" {
		t.Fatalf("expected last message snapshot m2, got %+v", got.LastMessage)
	}

	orphan := domain.Message{ID: p + "orphan", ConversationID: p + "missing", SenderID: alice, ReadBy: []string{alice}, CreatedAt: now}
	if err := s.AppendMessage(ctx, orphan); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing conversation, got %v", err)
	}

	mine, err := s.ListConversationsByParticipant(ctx, bob)
	if err != nil || len(mine) != 1 || mine[0].ID != convID {
		t.Fatalf("participant lookup: %+v err=%v", mine, err)
	}
	others, err := s.ListConversationsByParticipant(ctx, carol)
	if err != nil || len(others) != 0 {
		t.Fatalf("non-participant should see nothing: %+v err=%v", others, err)
	}

	unread, err := s.CountUnread(ctx, convID, bob)
	if err != nil || unread != 2 {
		t.Fatalf("expected 2 unread for bob, got %d err=%v", unread, err)
	}
	if n, _ := s.CountUnread(ctx, convID, alice); n != 0 {
		t.Fatalf("sender should have no unread, got %d", n)
	}
	marked, err := s.MarkConversationRead(ctx, convID, bob)
	if err != nil || marked != 2 {
		t.Fatalf("mark read: marked=%d err=%v", marked, err)
	}
	if marked, _ := s.MarkConversationRead(ctx, convID, bob); marked != 0 {
		t.Fatalf("second mark read should touch nothing, got %d", marked)
	}
	msgs, err := s.ListConversationMessages(ctx, convID, 0)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("list messages: %+v err=%v", msgs, err)
	}
	for _, msg := range msgs {
		if len(msg.ReadBy) != 2 || !msg.HasReader(bob) || !msg.IsRead {
			t.Fatalf("bob should be recorded once as reader: %+v", msg)
		}
	}
}

func TestGormStoreDuplicateEmail(t *testing.T) {
	s, p := openTestGormStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	email := p + "ann@example.com"

	first := domain.User{ID: p + "1", Email: email, Name: "Ann", Role: domain.RoleTeacher, SchoolID: p + "school", CreatedAt: now, UpdatedAt: now}
	if err := s.SaveUser(ctx, first); err != nil {
		t.Fatalf("save first: %v", err)
	}
	first.Name = "Ann B"
	if err := s.SaveUser(ctx, first); err != nil {
		t.Fatalf("updating the same user should succeed: %v", err)
	}
	second := first
	second.ID = p + "2"
	if err := s.SaveUser(ctx, second); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
	owner, ok, err := s.GetUserByEmail(ctx, email)
	if err != nil || !ok || owner.ID != first.ID || owner.Name != "Ann B" {
		t.Fatalf("email should still belong to the first user: %+v ok=%v err=%v", owner, ok, err)
	}
}
