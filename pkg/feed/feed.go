// Package feed carries change notifications between writers and live views.
// A Change says that something under a topic moved; subscribers re-read the
// store rather than trusting the change body, so a dropped or coalesced
// change only delays a view and never corrupts it.
package feed

import (
	"context"
	"time"
)

const (
	KindConversationCreated = "conversation.created"
	KindMessageCreated      = "message.created"
	KindMessagesRead        = "messages.read"

	KindPrintCreated = "print.created"
	KindPrintUpdated = "print.updated"
	KindPrintDeleted = "print.deleted"
	KindEventCreated = "event.created"
	KindEventUpdated = "event.updated"
	KindEventDeleted = "event.deleted"
)

// Change is one notification on a topic.
type Change struct {
	Topic          string    `json:"topic"`
	Kind           string    `json:"kind"`
	ConversationID string    `json:"conversationId,omitempty"`
	MessageID      string    `json:"messageId,omitempty"`
	SchoolID       string    `json:"schoolId,omitempty"`
	ResourceID     string    `json:"resourceId,omitempty"`
	ActorID        string    `json:"actorId,omitempty"`
	At             time.Time `json:"at"`
}

// Subscription is a live handle on one or more topics. Close must be called
// on every exit path; it is safe to call more than once.
type Subscription interface {
	C() <-chan Change
	Close() error
}

// Feed publishes and subscribes to topic changes.
type Feed interface {
	Publish(ctx context.Context, change Change) error
	Subscribe(ctx context.Context, topics ...string) (Subscription, error)
}

// UserTopic carries changes to any conversation the user takes part in.
func UserTopic(userID string) string {
	return "user:" + userID
}

// ConversationTopic carries changes to one conversation's messages.
func ConversationTopic(conversationID string) string {
	return "conversation:" + conversationID
}

// PrintsTopic carries changes to a school's prints.
func PrintsTopic(schoolID string) string {
	return "school:" + schoolID + ":prints"
}

// EventsTopic carries changes to a school's calendar.
func EventsTopic(schoolID string) string {
	return "school:" + schoolID + ":events"
}

// subscriberBufferSize bounds how far a slow subscriber may lag before
// changes for it are dropped.
const subscriberBufferSize = 64
