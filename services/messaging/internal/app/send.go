package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"flownote/internal/util"
	"flownote/pkg/domain"
	"flownote/pkg/feed"
	"flownote/pkg/notify"
	"flownote/pkg/queue"
	"flownote/pkg/storage"
)

const cleanupFallbackTimeout = 30 * time.Second

// AttachmentUpload is one file sent alongside a message.
type AttachmentUpload struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

// SendInput describes a message send.
type SendInput struct {
	ConversationID string
	SenderID       string
	SenderName     string
	Content        string
	Attachments    []AttachmentUpload
}

// SendMessage validates, uploads attachments, then persists the message and
// the conversation's last-message snapshot together. Blobs uploaded for a
// send that does not commit are queued for cleanup.
func (a *App) SendMessage(ctx context.Context, in SendInput) (domain.Message, error) {
	in.ConversationID = strings.TrimSpace(in.ConversationID)
	in.SenderID = strings.TrimSpace(in.SenderID)
	content := strings.TrimSpace(in.Content)
	if err := a.validateSend(in, content); err != nil {
		return domain.Message{}, err
	}
	conversation, err := a.conversationFor(ctx, in.ConversationID, in.SenderID)
	if err != nil {
		return domain.Message{}, err
	}

	now := a.now()
	msg := domain.Message{
		ID:             util.NewID(),
		ConversationID: conversation.ID,
		SenderID:       in.SenderID,
		SenderName:     strings.TrimSpace(in.SenderName),
		Content:        content,
		IsRead:         false,
		ReadBy:         []string{in.SenderID},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	attachments, uploaded, err := a.uploadAttachments(ctx, msg, in.Attachments)
	if err != nil {
		a.discardBlobs(ctx, uploaded, "upload failed")
		return domain.Message{}, err
	}
	msg.Attachments = attachments

	if err := a.store.AppendMessage(ctx, msg); err != nil {
		a.discardBlobs(ctx, uploaded, "persist failed")
		return domain.Message{}, fmt.Errorf("append message: %w", err)
	}
	a.logger.Info("message_sent",
		"conversation_id", msg.ConversationID,
		"message_id", msg.ID,
		"sender_id", msg.SenderID,
		"attachments", len(msg.Attachments),
	)

	topics := append([]string{feed.ConversationTopic(conversation.ID)}, userTopics(conversation.Participants)...)
	a.publish(ctx, feed.KindMessageCreated, conversation.ID, msg.ID, msg.SenderID, topics...)
	a.notifyCreated(ctx, conversation, msg)
	return msg, nil
}

func (a *App) validateSend(in SendInput, content string) error {
	if in.ConversationID == "" {
		return ErrInvalidConversation
	}
	if in.SenderID == "" {
		return ErrInvalidSender
	}
	if content == "" && len(in.Attachments) == 0 {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(content) > a.maxContentRunes {
		return fmt.Errorf("%w: limit is %d characters", ErrMessageTooLong, a.maxContentRunes)
	}
	if len(in.Attachments) > a.maxAttachments {
		return fmt.Errorf("%w: limit is %d", ErrTooManyAttachments, a.maxAttachments)
	}
	for _, att := range in.Attachments {
		if att.Body == nil {
			return fmt.Errorf("%w: %q has no body", ErrEmptyMessage, att.Name)
		}
		if att.Size > a.maxAttachmentBytes {
			return fmt.Errorf("%w: %q exceeds %d bytes", ErrAttachmentTooLarge, att.Name, a.maxAttachmentBytes)
		}
	}
	return nil
}

// uploadAttachments stores each file under messages/{conversation}/{message}/
// and returns the recorded attachments plus every key written so far, even
// on error.
func (a *App) uploadAttachments(ctx context.Context, msg domain.Message, uploads []AttachmentUpload) ([]domain.Attachment, []string, error) {
	attachments := make([]domain.Attachment, 0, len(uploads))
	keys := make([]string, 0, len(uploads))
	names := make(map[string]int, len(uploads))
	for i, up := range uploads {
		name := uniqueName(names, storage.SafeName(up.Name, fmt.Sprintf("attachment-%d", i+1)))
		key := storage.Key("messages", msg.ConversationID, msg.ID, name)
		contentType := strings.TrimSpace(up.ContentType)
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		body := &sizeGuard{r: up.Body, max: a.maxAttachmentBytes}
		if err := a.objects.Put(ctx, key, body, up.Size, contentType); err != nil {
			if errors.Is(err, ErrAttachmentTooLarge) {
				keys = append(keys, key)
				return nil, keys, fmt.Errorf("%w: %q exceeds %d bytes", ErrAttachmentTooLarge, up.Name, a.maxAttachmentBytes)
			}
			return nil, keys, fmt.Errorf("%w: %s: %w", ErrAttachmentUpload, name, err)
		}
		keys = append(keys, key)
		url, err := a.objects.PresignGet(ctx, key, a.presignExpiry)
		if err != nil {
			return nil, keys, fmt.Errorf("%w: presign %s: %w", ErrAttachmentUpload, name, err)
		}
		attachments = append(attachments, domain.Attachment{
			ID:         uuid.NewString(),
			URL:        url,
			Name:       name,
			Type:       contentType,
			Size:       body.n,
			StorageKey: key,
		})
	}
	return attachments, keys, nil
}

// uniqueName suffixes repeated names within one message: a.pdf, a-2.pdf.
func uniqueName(seen map[string]int, name string) string {
	seen[name]++
	n := seen[name]
	if n == 1 {
		return name
	}
	ext := path.Ext(name)
	candidate := fmt.Sprintf("%s-%d%s", strings.TrimSuffix(name, ext), n, ext)
	if _, taken := seen[candidate]; taken {
		return uniqueName(seen, candidate)
	}
	seen[candidate] = 1
	return candidate
}

// discardBlobs hands orphaned keys to the cleanup queue, deleting inline when
// no queue is available.
func (a *App) discardBlobs(ctx context.Context, keys []string, reason string) {
	if len(keys) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if a.cleanup != nil {
		job, err := a.cleanup.Enqueue(ctx, queue.KindBlobCleanup, queue.BlobCleanup{Keys: keys, Reason: reason})
		if err == nil {
			a.logger.Info("blob_cleanup_enqueued", "job_id", job.ID, "keys", len(keys), "reason", reason)
			return
		}
		a.logger.Warn("blob_cleanup_enqueue_failed", "err", err, "keys", len(keys))
	}
	ctx, cancel := context.WithTimeout(ctx, cleanupFallbackTimeout)
	defer cancel()
	for _, key := range keys {
		if err := a.objects.Delete(ctx, key); err != nil {
			a.logger.Error("blob_delete_failed", "key", key, "err", err)
		}
	}
}

func (a *App) notifyCreated(ctx context.Context, conversation domain.Conversation, msg domain.Message) {
	recipients := make([]string, 0, len(conversation.Participants))
	for _, id := range conversation.Participants {
		if id != msg.SenderID {
			recipients = append(recipients, id)
		}
	}
	err := a.notifier.Publish(ctx, notify.EventMessageCreated, notify.MessageCreated{
		ConversationID:  msg.ConversationID,
		MessageID:       msg.ID,
		SenderID:        msg.SenderID,
		SenderName:      msg.SenderName,
		Recipients:      recipients,
		Preview:         notify.Preview(msg.Content),
		AttachmentCount: len(msg.Attachments),
	})
	if err != nil {
		a.logger.Warn("notify_publish_failed", "message_id", msg.ID, "err", err)
	}
}

// sizeGuard fails a read once more than max bytes have passed through.
type sizeGuard struct {
	r   io.Reader
	max int64
	n   int64
}

func (g *sizeGuard) Read(p []byte) (int, error) {
	n, err := g.r.Read(p)
	g.n += int64(n)
	if g.n > g.max {
		return n, ErrAttachmentTooLarge
	}
	return n, err
}
