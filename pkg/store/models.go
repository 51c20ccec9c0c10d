package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string    `gorm:"primaryKey"`
	Email        string    `gorm:"uniqueIndex;not null"`
	Name         string    `gorm:"not null;index"`
	PasswordHash string    `gorm:"not null"`
	Role         string    `gorm:"not null"`
	SchoolID     string    `gorm:"not null;index"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

type ConversationModel struct {
	ID            string         `gorm:"primaryKey"`
	Participants  datatypes.JSON `gorm:"type:jsonb;not null"`
	LastMessage   datatypes.JSON `gorm:"type:jsonb"`
	LastMessageAt time.Time      `gorm:"not null;index"`
	CreatedAt     time.Time      `gorm:"not null"`
	UpdatedAt     time.Time      `gorm:"not null"`
}

type MessageModel struct {
	ID             string         `gorm:"primaryKey"`
	ConversationID string         `gorm:"not null;index:idx_message_conversation_created,priority:1"`
	SenderID       string         `gorm:"not null"`
	SenderName     string         `gorm:"not null"`
	Content        string         `gorm:"type:text;not null"`
	Attachments    datatypes.JSON `gorm:"type:jsonb"`
	IsRead         bool           `gorm:"not null;default:false"`
	ReadBy         datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_message_conversation_created,priority:2"`
	UpdatedAt      time.Time      `gorm:"not null"`
}

type PrintModel struct {
	ID          string `gorm:"primaryKey"`
	Title       string `gorm:"not null"`
	Description string `gorm:"type:text"`
	FileName    string `gorm:"not null"`
	ContentType string
	SizeBytes   int64 `gorm:"not null"`
	PageCount   int
	StorageKey  string    `gorm:"not null"`
	Category    string    `gorm:"not null;index"`
	SchoolID    string    `gorm:"not null;index:idx_print_school_created,priority:1"`
	UploadedBy  string    `gorm:"not null;index"`
	CreatedAt   time.Time `gorm:"not null;index:idx_print_school_created,priority:2"`
	UpdatedAt   time.Time `gorm:"not null"`
}

type EventModel struct {
	ID          string    `gorm:"primaryKey"`
	Title       string    `gorm:"not null"`
	Description string    `gorm:"type:text"`
	Date        time.Time `gorm:"not null;index:idx_event_school_date,priority:2"`
	Location    string
	Items       datatypes.JSON `gorm:"type:jsonb"`
	SchoolID    string         `gorm:"not null;index:idx_event_school_date,priority:1"`
	CreatedBy   string         `gorm:"not null"`
	CreatedAt   time.Time      `gorm:"not null"`
	UpdatedAt   time.Time      `gorm:"not null"`
}

// attachmentRecord is the stored shape of an attachment; unlike the domain
// type it keeps the blob storage key.
type attachmentRecord struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	Size       int64  `json:"size"`
	StorageKey string `json:"storageKey,omitempty"`
}

// messageSnapshot is the denormalized last message kept on a conversation.
type messageSnapshot struct {
	ID          string             `json:"id"`
	SenderID    string             `json:"senderId"`
	SenderName  string             `json:"senderName"`
	Content     string             `json:"content"`
	Attachments []attachmentRecord `json:"attachments,omitempty"`
	ReadBy      []string           `json:"readBy"`
	CreatedAt   time.Time          `json:"createdAt"`
}
