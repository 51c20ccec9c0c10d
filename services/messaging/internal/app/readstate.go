package app

import (
	"context"
	"fmt"

	"flownote/pkg/feed"
)

// MarkAsRead adds viewerID to readBy on every message of the conversation
// that lacks it. A repeat call touches nothing and publishes nothing.
func (a *App) MarkAsRead(ctx context.Context, conversationID, viewerID string) (int64, error) {
	conversation, err := a.conversationFor(ctx, conversationID, viewerID)
	if err != nil {
		return 0, err
	}
	updated, err := a.store.MarkConversationRead(ctx, conversation.ID, viewerID)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	if updated > 0 {
		a.logger.Debug("messages_marked_read", "conversation_id", conversation.ID, "viewer_id", viewerID, "updated", updated)
		topics := append([]string{feed.ConversationTopic(conversation.ID)}, userTopics(conversation.Participants)...)
		a.publish(ctx, feed.KindMessagesRead, conversation.ID, "", viewerID, topics...)
	}
	return updated, nil
}

// UnreadCount is the number of messages in the conversation viewerID has
// not read.
func (a *App) UnreadCount(ctx context.Context, conversationID, viewerID string) (int, error) {
	conversation, err := a.conversationFor(ctx, conversationID, viewerID)
	if err != nil {
		return 0, err
	}
	count, err := a.store.CountUnread(ctx, conversation.ID, viewerID)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}
