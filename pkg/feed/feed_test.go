package feed

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func receive(t *testing.T, sub Subscription) Change {
	t.Helper()
	select {
	case change, ok := <-sub.C():
		if !ok {
			t.Fatalf("subscription closed unexpectedly")
		}
		return change
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for change")
	}
	return Change{}
}

func TestMemoryFeedFanOut(t *testing.T) {
	f := NewMemoryFeed(nil)
	ctx := context.Background()

	alice, err := f.Subscribe(ctx, UserTopic("alice"))
	if err != nil {
		t.Fatalf("subscribe alice: %v", err)
	}
	defer alice.Close()
	both, err := f.Subscribe(ctx, UserTopic("bob"), ConversationTopic("alice_bob"))
	if err != nil {
		t.Fatalf("subscribe bob: %v", err)
	}
	defer both.Close()

	_ = f.Publish(ctx, Change{Topic: ConversationTopic("alice_bob"), Kind: KindMessageCreated, MessageID: "m1"})
	if got := receive(t, both); got.MessageID != "m1" || got.Kind != KindMessageCreated {
		t.Fatalf("unexpected change: %+v", got)
	}
	select {
	case got := <-alice.C():
		t.Fatalf("alice should not see conversation topic: %+v", got)
	default:
	}
}

func TestMemoryFeedReleasesOnCloseAndCancel(t *testing.T) {
	f := NewMemoryFeed(nil)
	topic := UserTopic("alice")

	sub, err := f.Subscribe(context.Background(), topic)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = sub.Close()
	_ = sub.Close()
	if n := f.SubscriberCount(topic); n != 0 {
		t.Fatalf("expected 0 subscribers after close, got %d", n)
	}
	if _, ok := <-sub.C(); ok {
		t.Fatalf("expected closed channel")
	}

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := f.Subscribe(ctx, topic); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	deadline := time.Now().Add(time.Second)
	for f.SubscriberCount(topic) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscription not released on cancel")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestMemoryFeedCloseStopsWatcher(t *testing.T) {
	f := NewMemoryFeed(nil)
	base := runtime.NumGoroutine()
	for i := 0; i < 50; i++ {
		sub, err := f.Subscribe(context.Background(), UserTopic("alice"))
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		_ = sub.Close()
	}
	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > base+5 {
		if time.Now().After(deadline) {
			t.Fatalf("closed subscriptions left %d goroutines behind", runtime.NumGoroutine()-base)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMemoryFeedDropsForSlowSubscriber(t *testing.T) {
	f := NewMemoryFeed(nil)
	ctx := context.Background()
	sub, err := f.Subscribe(ctx, "t")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	for i := 0; i < subscriberBufferSize+10; i++ {
		if err := f.Publish(ctx, Change{Topic: "t"}); err != nil {
			t.Fatalf("publish must not fail: %v", err)
		}
	}
	if got := len(sub.C()); got != subscriberBufferSize {
		t.Fatalf("expected full buffer of %d, got %d", subscriberBufferSize, got)
	}
}

func TestMemoryFeedClose(t *testing.T) {
	f := NewMemoryFeed(nil)
	sub, err := f.Subscribe(context.Background(), "a", "b")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	f.Close()
	if _, ok := <-sub.C(); ok {
		t.Fatalf("expected channel closed by feed close")
	}
	_ = sub.Close()
	if _, err := f.Subscribe(context.Background(), "a"); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestRedisFeedRoundTrip(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	f, err := NewRedisFeed(client, "test:feed:", nil)
	if err != nil {
		t.Fatalf("new redis feed: %v", err)
	}
	ctx := context.Background()
	sub, err := f.Subscribe(ctx, UserTopic("bob"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := f.Publish(ctx, Change{Topic: UserTopic("bob"), Kind: KindMessagesRead, ConversationID: "alice_bob"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := receive(t, sub)
	if got.Topic != UserTopic("bob") || got.ConversationID != "alice_bob" || got.At.IsZero() {
		t.Fatalf("unexpected change: %+v", got)
	}

	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_ = sub.Close()
	for range sub.C() {
	}
}

func TestRedisFeedSubscriptionEndsWithContext(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	f, err := NewRedisFeed(client, "", nil)
	if err != nil {
		t.Fatalf("new redis feed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := f.Subscribe(ctx, ConversationTopic("alice_bob"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatalf("expected channel to close after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription not released on cancel")
	}
}

func TestWatchRefreshesUntilFeedCloses(t *testing.T) {
	f := NewMemoryFeed(nil)
	topic := PrintsTopic("s1")
	refreshed := make(chan struct{}, 8)
	done := make(chan error, 1)
	go func() {
		done <- Watch(context.Background(), f, topic, func(context.Context) error {
			refreshed <- struct{}{}
			return nil
		})
	}()

	wait := func(what string) {
		t.Helper()
		select {
		case <-refreshed:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s refresh", what)
		}
	}
	wait("initial")
	if err := f.Publish(context.Background(), Change{Topic: topic, Kind: KindPrintCreated, SchoolID: "s1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	wait("change")

	f.Close()
	select {
	case err := <-done:
		if err != ErrClosed {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watch did not stop when the feed closed")
	}
}

func TestSchoolTopicsAreDistinct(t *testing.T) {
	if PrintsTopic("s1") == EventsTopic("s1") || PrintsTopic("s1") == PrintsTopic("s2") {
		t.Fatalf("school topics collide: %q %q", PrintsTopic("s1"), EventsTopic("s1"))
	}
}
