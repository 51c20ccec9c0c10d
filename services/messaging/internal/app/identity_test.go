package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"flownote/pkg/feed"
)

func TestResolveConversationIDIsOrderIndependent(t *testing.T) {
	ab, err := ResolveConversationID([]string{"alice", "bob"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	ba, err := ResolveConversationID([]string{"bob", " alice "})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ab != "alice_bob" || ba != ab {
		t.Fatalf("expected alice_bob for both orders, got %q and %q", ab, ba)
	}
	again, _ := ResolveConversationID([]string{"alice", "bob"})
	if again != ab {
		t.Fatalf("resolve not stable: %q vs %q", again, ab)
	}
}

func TestResolveConversationIDRejectsBadInput(t *testing.T) {
	cases := map[string][]string{
		"empty list":     nil,
		"blank id":       {"alice", "  "},
		"separator":      {"a_b", "c"},
		"duplicate":      {"alice", "alice"},
		"duplicate trim": {"alice", " alice"},
	}
	for name, ids := range cases {
		if _, err := ResolveConversationID(ids); !errors.Is(err, ErrInvalidParticipant) {
			t.Fatalf("%s: expected ErrInvalidParticipant, got %v", name, err)
		}
	}
}

func TestGetOrCreateConversationIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 8)
	errs := make([]error, 8)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pair := []string{"alice", "bob"}
			if i%2 == 1 {
				pair = []string{"bob", "alice"}
			}
			ids[i], errs[i] = env.app.GetOrCreateConversation(ctx, pair)
		}()
	}
	wg.Wait()
	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("call %d: %v", i, errs[i])
		}
		if ids[i] != "alice_bob" {
			t.Fatalf("call %d: unexpected id %q", i, ids[i])
		}
	}
	if second := env.conversation(t, "bob", "alice"); second != "alice_bob" {
		t.Fatalf("unexpected id %q", second)
	}
	convs, err := env.store.ListConversationsByParticipant(ctx, "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("expected exactly one conversation, got %d", len(convs))
	}
	if convs[0].LastMessage != nil {
		t.Fatalf("new conversation should have no last message")
	}
}

func TestGetOrCreateConversationRequiresPair(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.app.GetOrCreateConversation(context.Background(), []string{"alice"})
	if !errors.Is(err, ErrInvalidParticipant) {
		t.Fatalf("expected ErrInvalidParticipant, got %v", err)
	}
	_, err = env.app.GetOrCreateConversation(context.Background(), []string{"alice", "bob", "carol"})
	if !errors.Is(err, ErrInvalidParticipant) {
		t.Fatalf("expected ErrInvalidParticipant for three ids, got %v", err)
	}
}

func TestGetOrCreateConversationPublishesOnlyOnCreate(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := env.feed.Subscribe(ctx, feed.UserTopic("bob"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	env.conversation(t, "alice", "bob")
	select {
	case change := <-sub.C():
		if change.Kind != feed.KindConversationCreated || change.ConversationID != "alice_bob" {
			t.Fatalf("unexpected change %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a conversation.created change")
	}

	env.conversation(t, "alice", "bob")
	select {
	case change := <-sub.C():
		t.Fatalf("unexpected change on existing conversation: %+v", change)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStartConversation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := Viewer{ID: "alice", Name: "Alice", SchoolID: "s1"}

	id, err := env.app.StartConversation(ctx, alice, "carol")
	if err != nil || id != "alice_carol" {
		t.Fatalf("start: id=%q err=%v", id, err)
	}
	if _, err := env.app.StartConversation(ctx, alice, "alice"); !errors.Is(err, ErrInvalidParticipant) {
		t.Fatalf("expected ErrInvalidParticipant for self, got %v", err)
	}
	if _, err := env.app.StartConversation(ctx, alice, "dave"); !errors.Is(err, ErrParticipantNotFound) {
		t.Fatalf("expected ErrParticipantNotFound across schools, got %v", err)
	}
	if _, err := env.app.StartConversation(ctx, alice, "nobody"); !errors.Is(err, ErrParticipantNotFound) {
		t.Fatalf("expected ErrParticipantNotFound, got %v", err)
	}
}
