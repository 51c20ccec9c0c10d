package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"flownote/pkg/domain"
)

// MemoryStore keeps every collection in-process. It backs tests and the
// single-process development mode.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]domain.User // key: user ID
	email         map[string]string      // email -> user ID
	conversations map[string]domain.Conversation
	messages      map[string][]domain.Message // key: conversation ID
	prints        map[string]domain.Print
	events        map[string]domain.Event
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]domain.User),
		email:         make(map[string]string),
		conversations: make(map[string]domain.Conversation),
		messages:      make(map[string][]domain.Message),
		prints:        make(map[string]domain.Print),
		events:        make(map[string]domain.Event),
	}
}

// SaveUser registers or updates a user.
func (m *MemoryStore) SaveUser(_ context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.email[u.Email]; ok && owner != u.ID {
		return ErrDuplicateEmail
	}
	if prev, ok := m.users[u.ID]; ok && prev.Email != u.Email {
		delete(m.email, prev.Email)
	}
	m.users[u.ID] = u
	m.email[u.Email] = u.ID
	return nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(_ context.Context, id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// GetUserByEmail looks up a user by email.
func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.email[email]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := m.users[id]
	return u, ok, nil
}

// HasUserEmail checks if email exists.
func (m *MemoryStore) HasUserEmail(_ context.Context, email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.email[email]
	return ok, nil
}

// ListUsersBySchool returns a school's users ordered by name.
func (m *MemoryStore) ListUsersBySchool(_ context.Context, schoolID string, role domain.UserRole) ([]domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.User, 0)
	for _, u := range m.users {
		if u.SchoolID != schoolID {
			continue
		}
		if role != "" && u.Role != role {
			continue
		}
		res = append(res, u)
	}
	sortUsers(res)
	return res, nil
}

// SearchUsersByName matches a case-insensitive name prefix within a school.
func (m *MemoryStore) SearchUsersByName(_ context.Context, schoolID, prefix string, limit int) ([]domain.User, error) {
	if limit <= 0 {
		limit = 20
	}
	prefix = strings.ToLower(prefix)
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.User, 0)
	for _, u := range m.users {
		if u.SchoolID == schoolID && strings.HasPrefix(strings.ToLower(u.Name), prefix) {
			res = append(res, u)
		}
	}
	sortUsers(res)
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// CreateConversationIfAbsent inserts c unless its id is already taken.
func (m *MemoryStore) CreateConversationIfAbsent(_ context.Context, c domain.Conversation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.conversations[c.ID]; exists {
		return false, nil
	}
	m.conversations[c.ID] = copyConversation(c)
	return true, nil
}

// GetConversation returns one conversation by ID.
func (m *MemoryStore) GetConversation(_ context.Context, id string) (domain.Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	if !ok {
		return domain.Conversation{}, false, nil
	}
	return copyConversation(c), true, nil
}

// ListConversationsByParticipant returns userID's conversations, most recent
// activity first.
func (m *MemoryStore) ListConversationsByParticipant(_ context.Context, userID string) ([]domain.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Conversation, 0)
	for _, c := range m.conversations {
		if c.HasParticipant(userID) {
			res = append(res, copyConversation(c))
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].LastMessageAt.Equal(res[j].LastMessageAt) {
			return res[i].LastMessageAt.After(res[j].LastMessageAt)
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

// AppendMessage records msg and refreshes the conversation's last message
// under one lock, so readers never observe one without the other.
func (m *MemoryStore) AppendMessage(_ context.Context, msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[msg.ConversationID]
	if !ok {
		return ErrNotFound
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = msg.CreatedAt
	}
	stored := copyMessage(msg)
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], stored)
	last := copyMessage(msg)
	c.LastMessage = &last
	c.LastMessageAt = msg.CreatedAt
	c.UpdatedAt = time.Now().UTC()
	m.conversations[c.ID] = c
	return nil
}

// ListConversationMessages returns the latest limit messages in chronological
// order. A non-positive limit returns every message.
func (m *MemoryStore) ListConversationMessages(_ context.Context, conversationID string, limit int) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.messages[conversationID]
	res := make([]domain.Message, 0, len(src))
	for _, msg := range src {
		res = append(res, copyMessage(msg))
	}
	sort.SliceStable(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.Before(res[j].CreatedAt)
		}
		return res[i].ID < res[j].ID
	})
	if limit > 0 && len(res) > limit {
		res = res[len(res)-limit:]
	}
	return res, nil
}

// MarkConversationRead adds userID to readBy of every message that lacks it.
func (m *MemoryStore) MarkConversationRead(_ context.Context, conversationID, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[conversationID]
	now := time.Now().UTC()
	var touched int64
	for i := range msgs {
		if msgs[i].HasReader(userID) {
			continue
		}
		msgs[i].ReadBy = append(msgs[i].ReadBy, userID)
		msgs[i].IsRead = true
		msgs[i].UpdatedAt = now
		touched++
	}
	return touched, nil
}

// CountUnread counts messages in a conversation that userID has not read.
func (m *MemoryStore) CountUnread(_ context.Context, conversationID, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, msg := range m.messages[conversationID] {
		if !msg.HasReader(userID) {
			count++
		}
	}
	return count, nil
}

// SavePrint stores or updates a print.
func (m *MemoryStore) SavePrint(_ context.Context, p domain.Print) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prints[p.ID] = p
	return nil
}

// GetPrint retrieves a print.
func (m *MemoryStore) GetPrint(_ context.Context, id string) (domain.Print, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.prints[id]
	return p, ok, nil
}

// ListPrints returns a school's prints, newest first.
func (m *MemoryStore) ListPrints(_ context.Context, filter PrintFilter) ([]domain.Print, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Print, 0)
	for _, p := range m.prints {
		if p.SchoolID != filter.SchoolID {
			continue
		}
		if filter.Category != "" && p.Category != filter.Category {
			continue
		}
		res = append(res, p)
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.After(res[j].CreatedAt)
		}
		return res[i].ID < res[j].ID
	})
	if filter.Limit > 0 && len(res) > filter.Limit {
		res = res[:filter.Limit]
	}
	return res, nil
}

// ListPrintCategories returns the distinct non-empty categories of a school, sorted.
func (m *MemoryStore) ListPrintCategories(_ context.Context, schoolID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	res := make([]string, 0)
	for _, p := range m.prints {
		if p.SchoolID != schoolID || p.Category == "" {
			continue
		}
		if _, ok := seen[p.Category]; ok {
			continue
		}
		seen[p.Category] = struct{}{}
		res = append(res, p.Category)
	}
	sort.Strings(res)
	return res, nil
}

// DeletePrint removes a print.
func (m *MemoryStore) DeletePrint(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.prints, id)
	return nil
}

// SaveEvent stores or updates an event.
func (m *MemoryStore) SaveEvent(_ context.Context, e domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.Date = e.Date.UTC()
	e.Items = append([]string(nil), e.Items...)
	m.events[e.ID] = e
	return nil
}

// GetEvent retrieves an event.
func (m *MemoryStore) GetEvent(_ context.Context, id string) (domain.Event, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.events[id]
	if ok {
		e.Items = append([]string(nil), e.Items...)
	}
	return e, ok, nil
}

// ListEvents returns a school's events within the filter's date range.
func (m *MemoryStore) ListEvents(_ context.Context, filter EventFilter) ([]domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Event, 0)
	for _, e := range m.events {
		if e.SchoolID != filter.SchoolID {
			continue
		}
		if filter.From != nil && e.Date.Before(filter.From.UTC()) {
			continue
		}
		if filter.To != nil && e.Date.After(filter.To.UTC()) {
			continue
		}
		e.Items = append([]string(nil), e.Items...)
		res = append(res, e)
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].Date.Equal(res[j].Date) {
			if filter.Descending {
				return res[i].Date.After(res[j].Date)
			}
			return res[i].Date.Before(res[j].Date)
		}
		return res[i].ID < res[j].ID
	})
	if filter.Limit > 0 && len(res) > filter.Limit {
		res = res[:filter.Limit]
	}
	return res, nil
}

// DeleteEvent removes an event.
func (m *MemoryStore) DeleteEvent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, id)
	return nil
}

func sortUsers(users []domain.User) {
	sort.Slice(users, func(i, j int) bool {
		if users[i].Name != users[j].Name {
			return users[i].Name < users[j].Name
		}
		return users[i].ID < users[j].ID
	})
}

func copyConversation(c domain.Conversation) domain.Conversation {
	c.Participants = append([]string(nil), c.Participants...)
	if c.LastMessage != nil {
		last := copyMessage(*c.LastMessage)
		c.LastMessage = &last
	}
	return c
}

func copyMessage(msg domain.Message) domain.Message {
	msg.ReadBy = append([]string{}, msg.ReadBy...)
	msg.Attachments = append([]domain.Attachment{}, msg.Attachments...)
	return msg
}
