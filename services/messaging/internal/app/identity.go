package app

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"flownote/pkg/domain"
	"flownote/pkg/feed"
)

// conversationIDSeparator joins sorted participant ids. Ids containing it are
// rejected so that distinct participant sets can never share an id.
const conversationIDSeparator = "_"

// ResolveConversationID derives the id shared by every ordering of the same
// participants. It never touches the store.
func ResolveConversationID(participantIDs []string) (string, error) {
	ids, err := normalizeParticipants(participantIDs)
	if err != nil {
		return "", err
	}
	return strings.Join(ids, conversationIDSeparator), nil
}

func normalizeParticipants(participantIDs []string) ([]string, error) {
	if len(participantIDs) == 0 {
		return nil, fmt.Errorf("%w: no participants", ErrInvalidParticipant)
	}
	ids := make([]string, 0, len(participantIDs))
	seen := make(map[string]struct{}, len(participantIDs))
	for _, raw := range participantIDs {
		id := strings.TrimSpace(raw)
		if id == "" {
			return nil, fmt.Errorf("%w: empty id", ErrInvalidParticipant)
		}
		if strings.Contains(id, conversationIDSeparator) {
			return nil, fmt.Errorf("%w: %q contains %q", ErrInvalidParticipant, id, conversationIDSeparator)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidParticipant, id)
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// GetOrCreateConversation returns the id of the conversation between exactly
// two participants, creating it on first contact. Concurrent first contact
// from both sides converges on one row.
func (a *App) GetOrCreateConversation(ctx context.Context, participantIDs []string) (string, error) {
	ids, err := normalizeParticipants(participantIDs)
	if err != nil {
		return "", err
	}
	if len(ids) != 2 {
		return "", fmt.Errorf("%w: need exactly 2 participants, got %d", ErrInvalidParticipant, len(ids))
	}
	id := strings.Join(ids, conversationIDSeparator)
	now := a.now()
	created, err := a.store.CreateConversationIfAbsent(ctx, domain.Conversation{
		ID:            id,
		Participants:  ids,
		LastMessageAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	if created {
		a.logger.Info("conversation_created", "conversation_id", id)
		a.publish(ctx, feed.KindConversationCreated, id, "", "", userTopics(ids)...)
	}
	return id, nil
}

// StartConversation opens the conversation between viewer and another user
// of the same school.
func (a *App) StartConversation(ctx context.Context, viewer Viewer, participantID string) (string, error) {
	participantID = strings.TrimSpace(participantID)
	if participantID == "" || participantID == viewer.ID {
		return "", fmt.Errorf("%w: choose another user", ErrInvalidParticipant)
	}
	other, ok, err := a.store.GetUserByID(ctx, participantID)
	if err != nil {
		return "", fmt.Errorf("load participant: %w", err)
	}
	if !ok || (viewer.SchoolID != "" && other.SchoolID != viewer.SchoolID) {
		return "", ErrParticipantNotFound
	}
	return a.GetOrCreateConversation(ctx, []string{viewer.ID, participantID})
}

// conversationFor loads a conversation and checks viewerID takes part in it.
func (a *App) conversationFor(ctx context.Context, conversationID, viewerID string) (domain.Conversation, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return domain.Conversation{}, ErrInvalidConversation
	}
	if strings.TrimSpace(viewerID) == "" {
		return domain.Conversation{}, ErrInvalidSender
	}
	conversation, ok, err := a.store.GetConversation(ctx, conversationID)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	if !ok {
		return domain.Conversation{}, ErrConversationNotFound
	}
	if !conversation.HasParticipant(viewerID) {
		return domain.Conversation{}, ErrConversationForbidden
	}
	return conversation, nil
}

func userTopics(userIDs []string) []string {
	topics := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		topics = append(topics, feed.UserTopic(id))
	}
	return topics
}

// Conversation returns the conversation when viewerID takes part in it.
func (a *App) Conversation(ctx context.Context, conversationID, viewerID string) (domain.Conversation, error) {
	return a.conversationFor(ctx, conversationID, viewerID)
}
