package app

import (
	"errors"

	"flownote/pkg/auth"
)

var (
	// ErrInvalidCredentials is shown to end users and must not reveal which
	// half of the credentials was wrong.
	ErrInvalidCredentials = errors.New("Incorrect email address or password")

	ErrInvalidEmail     = auth.ErrInvalidEmail
	ErrEmailTaken       = errors.New("email already registered")
	ErrPasswordMismatch = errors.New("passwords do not match")
	ErrWeakPassword     = errors.New("password too weak")
	ErrNameRequired     = errors.New("name required")
	ErrInvalidRole      = errors.New("role must be teacher or parent")
	ErrSchoolRequired   = errors.New("school id required")
	ErrUserNotFound     = errors.New("user not found")
	ErrQueryTooShort    = errors.New("search query too short")

	ErrForbidden     = errors.New("forbidden")
	ErrTitleRequired = errors.New("title required")

	ErrPrintNotFound = errors.New("print not found")
	ErrFileRequired  = errors.New("file required")
	ErrFileTooLarge  = errors.New("file too large")
	ErrPrintUpload   = errors.New("print upload failed")

	ErrEventNotFound = errors.New("event not found")
	ErrDateRequired  = errors.New("event date required")
	ErrInvalidRange  = errors.New("invalid date range")
)
