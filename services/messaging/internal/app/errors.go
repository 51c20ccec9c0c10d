package app

import "errors"

var (
	ErrInvalidParticipant    = errors.New("invalid participant")
	ErrParticipantNotFound   = errors.New("participant not found")
	ErrInvalidConversation   = errors.New("conversation id required")
	ErrConversationNotFound  = errors.New("conversation not found")
	ErrConversationForbidden = errors.New("conversation forbidden")
	ErrInvalidSender         = errors.New("sender id required")
	ErrEmptyMessage          = errors.New("message has no content or attachments")
	ErrMessageTooLong        = errors.New("message content too long")
	ErrTooManyAttachments    = errors.New("too many attachments")
	ErrAttachmentTooLarge    = errors.New("attachment too large")
	ErrAttachmentUpload      = errors.New("attachment upload failed")
	ErrFeedClosed            = errors.New("change feed closed")
)
