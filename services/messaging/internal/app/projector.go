package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"flownote/pkg/domain"
	"flownote/pkg/feed"
)

// ListConversations projects every conversation viewerID takes part in,
// most recent activity first.
func (a *App) ListConversations(ctx context.Context, viewerID string) ([]domain.ConversationSummary, error) {
	viewerID = strings.TrimSpace(viewerID)
	if viewerID == "" {
		return nil, ErrInvalidSender
	}
	conversations, err := a.store.ListConversationsByParticipant(ctx, viewerID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	summaries := make([]domain.ConversationSummary, len(conversations))
	users := newUserCache(a)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.projectionConcurrency)
	for i, conversation := range conversations {
		g.Go(func() error {
			details := make([]domain.User, 0, len(conversation.Participants))
			for _, id := range conversation.Participants {
				user, ok, err := users.get(gctx, id)
				if err != nil {
					return err
				}
				if ok {
					details = append(details, user)
				}
			}
			unread, err := a.store.CountUnread(gctx, conversation.ID, viewerID)
			if err != nil {
				return fmt.Errorf("count unread %s: %w", conversation.ID, err)
			}
			if conversation.LastMessage != nil {
				a.refreshURLs(gctx, conversation.LastMessage.Attachments)
			}
			summaries[i] = domain.ConversationSummary{
				Conversation:       conversation,
				ParticipantDetails: details,
				UnreadCount:        unread,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return summaries, nil
}

// userCache dedupes profile lookups within one projection.
type userCache struct {
	app   *App
	mu    sync.Mutex
	users map[string]cachedUser
}

type cachedUser struct {
	user domain.User
	ok   bool
}

func newUserCache(a *App) *userCache {
	return &userCache{app: a, users: make(map[string]cachedUser)}
}

func (c *userCache) get(ctx context.Context, id string) (domain.User, bool, error) {
	c.mu.Lock()
	cached, hit := c.users[id]
	c.mu.Unlock()
	if hit {
		return cached.user, cached.ok, nil
	}
	user, ok, err := c.app.store.GetUserByID(ctx, id)
	if err != nil {
		return domain.User{}, false, fmt.Errorf("load user %s: %w", id, err)
	}
	c.mu.Lock()
	c.users[id] = cachedUser{user: user, ok: ok}
	c.mu.Unlock()
	return user, ok, nil
}

// ListMessages returns the latest limit messages of a conversation in
// ascending creation order. Attachment URLs are presigned afresh.
func (a *App) ListMessages(ctx context.Context, conversationID, viewerID string, limit int) ([]domain.Message, error) {
	conversation, err := a.conversationFor(ctx, conversationID, viewerID)
	if err != nil {
		return nil, err
	}
	return a.listMessages(ctx, conversation.ID, limit)
}

func (a *App) listMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}
	messages, err := a.store.ListConversationMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	for i := range messages {
		a.refreshURLs(ctx, messages[i].Attachments)
	}
	return messages, nil
}

// refreshURLs re-presigns attachment links; the stored URL is kept when
// presigning fails.
func (a *App) refreshURLs(ctx context.Context, attachments []domain.Attachment) {
	for i := range attachments {
		key := attachments[i].StorageKey
		if key == "" {
			continue
		}
		url, err := a.objects.PresignGet(ctx, key, a.presignExpiry)
		if err != nil {
			a.logger.Warn("attachment_presign_failed", "key", key, "err", err)
			continue
		}
		attachments[i].URL = url
	}
}

// WatchConversations emits the viewer's conversation list now and after
// every change to it, until ctx ends or emit fails.
func (a *App) WatchConversations(ctx context.Context, viewerID string, emit func([]domain.ConversationSummary) error) error {
	viewerID = strings.TrimSpace(viewerID)
	if viewerID == "" {
		return ErrInvalidSender
	}
	return a.watchTopic(ctx, feed.UserTopic(viewerID), func(ctx context.Context) error {
		summaries, err := a.ListConversations(ctx, viewerID)
		if err != nil {
			return err
		}
		return emit(summaries)
	})
}

// WatchMessages emits the message list of one conversation now and after
// every change to it.
func (a *App) WatchMessages(ctx context.Context, conversationID, viewerID string, limit int, emit func([]domain.Message) error) error {
	conversation, err := a.conversationFor(ctx, conversationID, viewerID)
	if err != nil {
		return err
	}
	return a.watchTopic(ctx, feed.ConversationTopic(conversation.ID), func(ctx context.Context) error {
		messages, err := a.listMessages(ctx, conversation.ID, limit)
		if err != nil {
			return err
		}
		return emit(messages)
	})
}

func (a *App) watchTopic(ctx context.Context, topic string, refresh func(context.Context) error) error {
	err := feed.Watch(ctx, a.feed, topic, refresh)
	if errors.Is(err, feed.ErrClosed) {
		return ErrFeedClosed
	}
	return err
}
