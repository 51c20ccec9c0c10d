package store

import (
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"

	"flownote/pkg/domain"
)

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Email:        u.Email,
		Name:         u.Name,
		PasswordHash: u.PasswordHash,
		Role:         string(u.Role),
		SchoolID:     u.SchoolID,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Email:        m.Email,
		Name:         m.Name,
		PasswordHash: m.PasswordHash,
		Role:         domain.UserRole(m.Role),
		SchoolID:     m.SchoolID,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func usersFromModels(models []UserModel) []domain.User {
	res := make([]domain.User, 0, len(models))
	for _, m := range models {
		res = append(res, userFromModel(m))
	}
	return res
}

func conversationToModel(c domain.Conversation) (ConversationModel, error) {
	participants, err := json.Marshal(nonNilStrings(c.Participants))
	if err != nil {
		return ConversationModel{}, fmt.Errorf("encode participants: %w", err)
	}
	var last datatypes.JSON
	if c.LastMessage != nil {
		raw, err := json.Marshal(snapshotOf(*c.LastMessage))
		if err != nil {
			return ConversationModel{}, fmt.Errorf("encode last message: %w", err)
		}
		last = raw
	}
	return ConversationModel{
		ID:            c.ID,
		Participants:  participants,
		LastMessage:   last,
		LastMessageAt: c.LastMessageAt,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}, nil
}

func conversationFromModel(m ConversationModel) (domain.Conversation, error) {
	var participants []string
	if err := json.Unmarshal(m.Participants, &participants); err != nil {
		return domain.Conversation{}, &DecodeError{Collection: "conversations", ID: m.ID, Field: "participants", Err: err}
	}
	conversation := domain.Conversation{
		ID:            m.ID,
		Participants:  participants,
		LastMessageAt: m.LastMessageAt,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
	if len(m.LastMessage) > 0 && string(m.LastMessage) != "null" {
		var snap messageSnapshot
		if err := json.Unmarshal(m.LastMessage, &snap); err != nil {
			return domain.Conversation{}, &DecodeError{Collection: "conversations", ID: m.ID, Field: "lastMessage", Err: err}
		}
		last := snap.message(m.ID)
		conversation.LastMessage = &last
	}
	return conversation, nil
}

func messageToModel(msg domain.Message) (MessageModel, error) {
	attachments, err := json.Marshal(attachmentRecords(msg.Attachments))
	if err != nil {
		return MessageModel{}, fmt.Errorf("encode attachments: %w", err)
	}
	readBy, err := json.Marshal(nonNilStrings(msg.ReadBy))
	if err != nil {
		return MessageModel{}, fmt.Errorf("encode readBy: %w", err)
	}
	updatedAt := msg.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = msg.CreatedAt
	}
	return MessageModel{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		Content:        msg.Content,
		Attachments:    attachments,
		IsRead:         msg.IsRead,
		ReadBy:         readBy,
		CreatedAt:      msg.CreatedAt,
		UpdatedAt:      updatedAt,
	}, nil
}

func messageFromModel(m MessageModel) (domain.Message, error) {
	var records []attachmentRecord
	if len(m.Attachments) > 0 {
		if err := json.Unmarshal(m.Attachments, &records); err != nil {
			return domain.Message{}, &DecodeError{Collection: "messages", ID: m.ID, Field: "attachments", Err: err}
		}
	}
	var readBy []string
	if err := json.Unmarshal(m.ReadBy, &readBy); err != nil {
		return domain.Message{}, &DecodeError{Collection: "messages", ID: m.ID, Field: "readBy", Err: err}
	}
	return domain.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		Content:        m.Content,
		Attachments:    domainAttachments(records),
		IsRead:         m.IsRead,
		ReadBy:         nonNilStrings(readBy),
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}, nil
}

func printToModel(p domain.Print) PrintModel {
	return PrintModel{
		ID:          p.ID,
		Title:       p.Title,
		Description: p.Description,
		FileName:    p.FileName,
		ContentType: p.ContentType,
		SizeBytes:   p.SizeBytes,
		PageCount:   p.PageCount,
		StorageKey:  p.StorageKey,
		Category:    p.Category,
		SchoolID:    p.SchoolID,
		UploadedBy:  p.UploadedBy,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func printFromModel(m PrintModel) domain.Print {
	return domain.Print{
		ID:          m.ID,
		Title:       m.Title,
		Description: m.Description,
		FileName:    m.FileName,
		ContentType: m.ContentType,
		SizeBytes:   m.SizeBytes,
		PageCount:   m.PageCount,
		StorageKey:  m.StorageKey,
		Category:    m.Category,
		SchoolID:    m.SchoolID,
		UploadedBy:  m.UploadedBy,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func eventToModel(e domain.Event) (EventModel, error) {
	items, err := json.Marshal(nonNilStrings(e.Items))
	if err != nil {
		return EventModel{}, fmt.Errorf("encode items: %w", err)
	}
	return EventModel{
		ID:          e.ID,
		Title:       e.Title,
		Description: e.Description,
		Date:        e.Date.UTC(),
		Location:    e.Location,
		Items:       items,
		SchoolID:    e.SchoolID,
		CreatedBy:   e.CreatedBy,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}, nil
}

func eventFromModel(m EventModel) (domain.Event, error) {
	var items []string
	if len(m.Items) > 0 {
		if err := json.Unmarshal(m.Items, &items); err != nil {
			return domain.Event{}, &DecodeError{Collection: "events", ID: m.ID, Field: "items", Err: err}
		}
	}
	return domain.Event{
		ID:          m.ID,
		Title:       m.Title,
		Description: m.Description,
		Date:        m.Date.UTC(),
		Location:    m.Location,
		Items:       items,
		SchoolID:    m.SchoolID,
		CreatedBy:   m.CreatedBy,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}, nil
}

func snapshotOf(msg domain.Message) messageSnapshot {
	return messageSnapshot{
		ID:          msg.ID,
		SenderID:    msg.SenderID,
		SenderName:  msg.SenderName,
		Content:     msg.Content,
		Attachments: attachmentRecords(msg.Attachments),
		ReadBy:      nonNilStrings(msg.ReadBy),
		CreatedAt:   msg.CreatedAt,
	}
}

func (s messageSnapshot) message(conversationID string) domain.Message {
	return domain.Message{
		ID:             s.ID,
		ConversationID: conversationID,
		SenderID:       s.SenderID,
		SenderName:     s.SenderName,
		Content:        s.Content,
		Attachments:    domainAttachments(s.Attachments),
		ReadBy:         nonNilStrings(s.ReadBy),
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.CreatedAt,
	}
}

func attachmentRecords(items []domain.Attachment) []attachmentRecord {
	res := make([]attachmentRecord, 0, len(items))
	for _, a := range items {
		res = append(res, attachmentRecord{
			ID:         a.ID,
			URL:        a.URL,
			Name:       a.Name,
			Type:       a.Type,
			Size:       a.Size,
			StorageKey: a.StorageKey,
		})
	}
	return res
}

func domainAttachments(records []attachmentRecord) []domain.Attachment {
	res := make([]domain.Attachment, 0, len(records))
	for _, r := range records {
		res = append(res, domain.Attachment{
			ID:         r.ID,
			URL:        r.URL,
			Name:       r.Name,
			Type:       r.Type,
			Size:       r.Size,
			StorageKey: r.StorageKey,
		})
	}
	return res
}

func nonNilStrings(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
