package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flownote/pkg/domain"
)

// ErrNotFound is returned by writes that target a row that does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicateEmail is returned by SaveUser when another user already holds
// the email.
var ErrDuplicateEmail = errors.New("store: duplicate email")

// DecodeError reports a stored document field that could not be decoded into
// its domain shape.
type DecodeError struct {
	Collection string
	ID         string
	Field      string
	Err        error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s/%s field %s: %v", e.Collection, e.ID, e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// PrintFilter narrows a print listing.
type PrintFilter struct {
	SchoolID string
	Category string
	Limit    int
}

// EventFilter narrows an event listing. Bounds are inclusive; nil means open.
type EventFilter struct {
	SchoolID   string
	From       *time.Time
	To         *time.Time
	Descending bool
	Limit      int
}

// Store defines persistence operations for users, conversations, messages,
// prints, and events.
type Store interface {
	// users
	SaveUser(ctx context.Context, u domain.User) error
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)
	HasUserEmail(ctx context.Context, email string) (bool, error)
	ListUsersBySchool(ctx context.Context, schoolID string, role domain.UserRole) ([]domain.User, error)
	SearchUsersByName(ctx context.Context, schoolID, prefix string, limit int) ([]domain.User, error)

	// conversations
	CreateConversationIfAbsent(ctx context.Context, c domain.Conversation) (bool, error)
	GetConversation(ctx context.Context, id string) (domain.Conversation, bool, error)
	ListConversationsByParticipant(ctx context.Context, userID string) ([]domain.Conversation, error)

	// messages
	AppendMessage(ctx context.Context, msg domain.Message) error
	ListConversationMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
	MarkConversationRead(ctx context.Context, conversationID, userID string) (int64, error)
	CountUnread(ctx context.Context, conversationID, userID string) (int, error)

	// prints
	SavePrint(ctx context.Context, p domain.Print) error
	GetPrint(ctx context.Context, id string) (domain.Print, bool, error)
	ListPrints(ctx context.Context, filter PrintFilter) ([]domain.Print, error)
	ListPrintCategories(ctx context.Context, schoolID string) ([]string, error)
	DeletePrint(ctx context.Context, id string) error

	// events
	SaveEvent(ctx context.Context, e domain.Event) error
	GetEvent(ctx context.Context, id string) (domain.Event, bool, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]domain.Event, error)
	DeleteEvent(ctx context.Context, id string) error
}
