package app

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"flownote/pkg/domain"
	"flownote/pkg/queue"
	"flownote/pkg/storage"
	"flownote/pkg/store"
)

func TestSendMessageRecordsSenderAsReader(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conv := env.conversation(t, "alice", "bob")

	msg := env.send(t, conv, "alice", "  hello bob  ")
	if msg.Content != "hello bob" {
		t.Fatalf("content should be trimmed, got %q", msg.Content)
	}
	if len(msg.ReadBy) != 1 || msg.ReadBy[0] != "alice" || msg.IsRead {
		t.Fatalf("unexpected read state: readBy=%v isRead=%v", msg.ReadBy, msg.IsRead)
	}
	if unread, _ := env.app.UnreadCount(ctx, conv, "alice"); unread != 0 {
		t.Fatalf("sender unread should be 0, got %d", unread)
	}
	stored, ok, err := env.store.GetConversation(ctx, conv)
	if err != nil || !ok {
		t.Fatalf("get conversation: ok=%v err=%v", ok, err)
	}
	if stored.LastMessage == nil || stored.LastMessage.ID != msg.ID || !stored.LastMessageAt.Equal(msg.CreatedAt) {
		t.Fatalf("last message not updated: %+v at %v", stored.LastMessage, stored.LastMessageAt)
	}
}

func TestSendMessageRejectsEmptyBeforeIO(t *testing.T) {
	objects := &untouchableObjects{}
	env := newTestEnv(t, func(c *Config) {
		c.Store = untouchableStore{}
		c.Objects = objects
	})
	_, err := env.app.SendMessage(context.Background(), SendInput{
		ConversationID: "alice_bob",
		SenderID:       "alice",
		Content:        "   \n\t ",
	})
	if !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if objects.calls != 0 {
		t.Fatalf("expected no blob calls, got %d", objects.calls)
	}
}

func TestSendMessageValidation(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.MaxAttachments = 1
		c.MaxAttachmentBytes = 4
		c.MaxContentRunes = 5
	})
	conv := env.conversation(t, "alice", "bob")
	file := func(name string, size int) AttachmentUpload {
		return AttachmentUpload{Name: name, Size: int64(size), Body: strings.NewReader(strings.Repeat("x", size))}
	}
	cases := []struct {
		name string
		in   SendInput
		want error
	}{
		{"no conversation", SendInput{SenderID: "alice", Content: "hi"}, ErrInvalidConversation},
		{"no sender", SendInput{ConversationID: conv, Content: "hi"}, ErrInvalidSender},
		{"too long", SendInput{ConversationID: conv, SenderID: "alice", Content: "héllo!"}, ErrMessageTooLong},
		{"too many files", SendInput{ConversationID: conv, SenderID: "alice", Attachments: []AttachmentUpload{file("a", 1), file("b", 1)}}, ErrTooManyAttachments},
		{"declared too large", SendInput{ConversationID: conv, SenderID: "alice", Attachments: []AttachmentUpload{file("a", 5)}}, ErrAttachmentTooLarge},
		{"unknown conversation", SendInput{ConversationID: "alice_zed", SenderID: "alice", Content: "hi"}, ErrConversationNotFound},
		{"outsider", SendInput{ConversationID: conv, SenderID: "carol", Content: "hi"}, ErrConversationForbidden},
	}
	for _, tc := range cases {
		if _, err := env.app.SendMessage(context.Background(), tc.in); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestSendMessageUploadsAttachments(t *testing.T) {
	publisher := &recordingPublisher{}
	env := newTestEnv(t, func(c *Config) { c.Notifier = publisher })
	ctx := context.Background()
	conv := env.conversation(t, "alice", "bob")

	msg, err := env.app.SendMessage(ctx, SendInput{
		ConversationID: conv,
		SenderID:       "alice",
		SenderName:     "Alice",
		Attachments: []AttachmentUpload{
			{Name: "notes.txt", ContentType: "text/plain", Body: strings.NewReader("first")},
			{Name: "../notes.txt", Body: bytes.NewReader([]byte("second"))},
		},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(msg.Attachments) != 2 {
		t.Fatalf("expected 2 attachments, got %d", len(msg.Attachments))
	}
	first, second := msg.Attachments[0], msg.Attachments[1]
	if first.Name != "notes.txt" || second.Name != "notes-2.txt" {
		t.Fatalf("unexpected names %q, %q", first.Name, second.Name)
	}
	wantKey := storage.Key("messages", conv, msg.ID, "notes.txt")
	if first.StorageKey != wantKey || !strings.HasPrefix(first.URL, "memory://"+wantKey) {
		t.Fatalf("unexpected key/url %q %q", first.StorageKey, first.URL)
	}
	if first.Size != 5 || second.Size != 6 || second.Type != "application/octet-stream" {
		t.Fatalf("unexpected attachment metadata: %+v %+v", first, second)
	}
	if obj, ok := env.objects.Get(second.StorageKey); !ok || string(obj.Data) != "second" {
		t.Fatalf("blob not stored: %+v ok=%v", obj, ok)
	}

	listed, err := env.app.ListMessages(ctx, conv, "bob", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 1 || listed[0].Attachments[1].URL == "" {
		t.Fatalf("expected listed message with presigned attachments, got %+v", listed)
	}

	if len(publisher.events) != 1 {
		t.Fatalf("expected one notification, got %d", len(publisher.events))
	}
	event := publisher.events[0]
	if len(event.Recipients) != 1 || event.Recipients[0] != "bob" || event.AttachmentCount != 2 {
		t.Fatalf("unexpected notification %+v", event)
	}
}

func TestSendMessageUploadFailureQueuesCleanup(t *testing.T) {
	cleanup := &recordingQueue{}
	objects := &flakyObjects{MemoryStore: storage.NewMemoryStore(), okPuts: 1}
	env := newTestEnv(t, func(c *Config) {
		c.Objects = objects
		c.Cleanup = cleanup
	})
	ctx := context.Background()
	conv := env.conversation(t, "alice", "bob")

	_, err := env.app.SendMessage(ctx, SendInput{
		ConversationID: conv,
		SenderID:       "alice",
		Content:        "two files",
		Attachments: []AttachmentUpload{
			{Name: "a.txt", Body: strings.NewReader("a")},
			{Name: "b.txt", Body: strings.NewReader("b")},
		},
	})
	if !errors.Is(err, ErrAttachmentUpload) {
		t.Fatalf("expected ErrAttachmentUpload, got %v", err)
	}
	msgs, _ := env.store.ListConversationMessages(ctx, conv, 0)
	if len(msgs) != 0 {
		t.Fatalf("no message should be stored, got %d", len(msgs))
	}
	if len(cleanup.jobs) != 1 || len(cleanup.jobs[0].Keys) != 1 || !strings.HasSuffix(cleanup.jobs[0].Keys[0], "/a.txt") {
		t.Fatalf("expected cleanup of the uploaded blob, got %+v", cleanup.jobs)
	}

	if err := env.app.HandleJob(ctx, queue.Job{Kind: queue.KindBlobCleanup, Payload: []byte(`{"keys":["` + cleanup.jobs[0].Keys[0] + `"]}`)}); err != nil {
		t.Fatalf("handle cleanup: %v", err)
	}
	if keys := objects.Keys(); len(keys) != 0 {
		t.Fatalf("cleanup should remove blobs, left %v", keys)
	}
}

func TestSendMessagePersistFailureDeletesBlobsInline(t *testing.T) {
	mem := store.NewMemoryStore()
	env := newTestEnv(t, func(c *Config) { c.Store = failingAppendStore{MemoryStore: mem} })
	ctx := context.Background()
	if _, err := mem.CreateConversationIfAbsent(ctx, domain.Conversation{ID: "alice_bob", Participants: []string{"alice", "bob"}}); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}

	_, err := env.app.SendMessage(ctx, SendInput{
		ConversationID: "alice_bob",
		SenderID:       "alice",
		Attachments:    []AttachmentUpload{{Name: "a.txt", Body: strings.NewReader("a")}},
	})
	if err == nil {
		t.Fatalf("expected persistence error")
	}
	if keys := env.objects.Keys(); len(keys) != 0 {
		t.Fatalf("orphaned blobs left behind: %v", keys)
	}
}

func TestSendMessageStreamedOversizeAttachment(t *testing.T) {
	cleanup := &recordingQueue{}
	env := newTestEnv(t, func(c *Config) {
		c.MaxAttachmentBytes = 3
		c.Cleanup = cleanup
	})
	conv := env.conversation(t, "alice", "bob")
	_, err := env.app.SendMessage(context.Background(), SendInput{
		ConversationID: conv,
		SenderID:       "alice",
		Attachments:    []AttachmentUpload{{Name: "big.bin", Body: strings.NewReader("0123456789")}},
	})
	if !errors.Is(err, ErrAttachmentTooLarge) {
		t.Fatalf("expected ErrAttachmentTooLarge, got %v", err)
	}
	if keys := env.objects.Keys(); len(keys) != 0 {
		t.Fatalf("oversize blob stored: %v", keys)
	}
}

func TestHandleJobRejectsUnknownKind(t *testing.T) {
	env := newTestEnv(t)
	if err := env.app.HandleJob(context.Background(), queue.Job{Kind: "other"}); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestUniqueName(t *testing.T) {
	seen := map[string]int{}
	got := []string{uniqueName(seen, "a.pdf"), uniqueName(seen, "a.pdf"), uniqueName(seen, "a-2.pdf"), uniqueName(seen, "a.pdf")}
	want := []string{"a.pdf", "a-2.pdf", "a-2-2.pdf", "a-3.pdf"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("name %d: want %q got %q", i, want[i], got[i])
		}
	}
}
