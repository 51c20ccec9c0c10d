package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"flownote/internal/usertoken"
	"flownote/internal/util"
	"flownote/pkg/auth"
	"flownote/pkg/domain"
	"flownote/pkg/store"
)

const (
	minSearchRunes     = 2
	searchResultsLimit = 20
	maxNameRunes       = 100
)

// RegisterInput is a self-service account signup.
type RegisterInput struct {
	Email           string
	Password        string
	ConfirmPassword string
	Name            string
	Role            domain.UserRole
	SchoolID        string
}

// Session is a signed-in user and their access token.
type Session struct {
	User  domain.User `json:"user"`
	Token string      `json:"token"`
}

// Register validates the signup before touching the store, then creates the
// account and signs it in. Admins are seeded, never self-registered.
func (a *App) Register(ctx context.Context, in RegisterInput) (Session, error) {
	email, err := auth.NormalizeEmail(in.Email)
	if err != nil {
		return Session{}, err
	}
	if in.Password != in.ConfirmPassword {
		return Session{}, ErrPasswordMismatch
	}
	if err := auth.ValidatePassword(in.Password); err != nil {
		return Session{}, fmt.Errorf("%w: %w", ErrWeakPassword, err)
	}
	name, err := normalizeName(in.Name)
	if err != nil {
		return Session{}, err
	}
	role := domain.UserRole(strings.ToLower(strings.TrimSpace(string(in.Role))))
	if role != domain.RoleTeacher && role != domain.RoleParent {
		return Session{}, ErrInvalidRole
	}
	schoolID := strings.TrimSpace(in.SchoolID)
	if schoolID == "" {
		return Session{}, ErrSchoolRequired
	}

	exists, err := a.store.HasUserEmail(ctx, email)
	if err != nil {
		return Session{}, fmt.Errorf("check email: %w", err)
	}
	if exists {
		return Session{}, ErrEmailTaken
	}
	passwordHash, err := auth.HashPassword(in.Password)
	if err != nil {
		return Session{}, fmt.Errorf("hash password: %w", err)
	}
	now := a.now()
	user := domain.User{
		ID:           util.NewID(),
		Email:        email,
		Name:         name,
		PasswordHash: passwordHash,
		Role:         role,
		SchoolID:     schoolID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.SaveUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			return Session{}, ErrEmailTaken
		}
		return Session{}, fmt.Errorf("save user: %w", err)
	}
	a.logger.Info("user_registered", "user_id", user.ID, "role", user.Role, "school_id", user.SchoolID)
	return a.session(user)
}

// EnsureAdmin creates the seeded admin account unless its email is already
// registered. It reports whether an account was created.
func (a *App) EnsureAdmin(ctx context.Context, email, password, name, schoolID string) (bool, error) {
	email, err := auth.NormalizeEmail(email)
	if err != nil {
		return false, err
	}
	if err := auth.ValidatePassword(password); err != nil {
		return false, fmt.Errorf("%w: %w", ErrWeakPassword, err)
	}
	name, err = normalizeName(name)
	if err != nil {
		return false, err
	}
	schoolID = strings.TrimSpace(schoolID)
	if schoolID == "" {
		return false, ErrSchoolRequired
	}
	exists, err := a.store.HasUserEmail(ctx, email)
	if err != nil {
		return false, fmt.Errorf("check email: %w", err)
	}
	if exists {
		return false, nil
	}
	passwordHash, err := auth.HashPassword(password)
	if err != nil {
		return false, fmt.Errorf("hash password: %w", err)
	}
	now := a.now()
	user := domain.User{
		ID:           util.NewID(),
		Email:        email,
		Name:         name,
		PasswordHash: passwordHash,
		Role:         domain.RoleAdmin,
		SchoolID:     schoolID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.SaveUser(ctx, user); err != nil {
		// another instance seeded the same admin first
		if errors.Is(err, store.ErrDuplicateEmail) {
			return false, nil
		}
		return false, fmt.Errorf("save user: %w", err)
	}
	a.logger.Info("admin_seeded", "user_id", user.ID, "school_id", schoolID)
	return true, nil
}

// Login checks credentials and issues an access token.
func (a *App) Login(ctx context.Context, email, password string) (Session, error) {
	email, err := auth.NormalizeEmail(email)
	if err != nil || password == "" {
		return Session{}, ErrInvalidCredentials
	}
	user, ok, err := a.store.GetUserByEmail(ctx, email)
	if err != nil {
		return Session{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok || !auth.CheckPassword(password, user.PasswordHash) {
		return Session{}, ErrInvalidCredentials
	}
	return a.session(user)
}

func (a *App) session(user domain.User) (Session, error) {
	token, err := a.tokens.Issue(user)
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}
	return Session{User: user, Token: token}, nil
}

// Logout revokes the presented access token.
func (a *App) Logout(ctx context.Context, id usertoken.Identity) error {
	if err := a.tokens.Revoke(ctx, id); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// Me returns the caller's profile.
func (a *App) Me(ctx context.Context, viewer Viewer) (domain.User, error) {
	user, ok, err := a.store.GetUserByID(ctx, viewer.ID)
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return domain.User{}, ErrUserNotFound
	}
	return user, nil
}

// UpdateProfile renames the caller. Messages already sent keep the sender
// name they were sent with.
func (a *App) UpdateProfile(ctx context.Context, viewer Viewer, name string) (domain.User, error) {
	name, err := normalizeName(name)
	if err != nil {
		return domain.User{}, err
	}
	user, err := a.Me(ctx, viewer)
	if err != nil {
		return domain.User{}, err
	}
	user.Name = name
	user.UpdatedAt = a.now()
	if err := a.store.SaveUser(ctx, user); err != nil {
		return domain.User{}, fmt.Errorf("save user: %w", err)
	}
	return user, nil
}

// SearchUsers finds schoolmates whose name starts with query, excluding the
// caller.
func (a *App) SearchUsers(ctx context.Context, viewer Viewer, query string) ([]domain.User, error) {
	query = strings.TrimSpace(query)
	if utf8.RuneCountInString(query) < minSearchRunes {
		return nil, fmt.Errorf("%w: at least %d characters", ErrQueryTooShort, minSearchRunes)
	}
	users, err := a.store.SearchUsersByName(ctx, viewer.SchoolID, query, searchResultsLimit+1)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	return withoutUser(users, viewer.ID, searchResultsLimit), nil
}

// ListUsers returns the school directory, optionally narrowed to one role.
func (a *App) ListUsers(ctx context.Context, viewer Viewer, role string) ([]domain.User, error) {
	r := domain.UserRole(strings.ToLower(strings.TrimSpace(role)))
	if r != "" && !r.Valid() {
		return nil, ErrInvalidRole
	}
	users, err := a.store.ListUsersBySchool(ctx, viewer.SchoolID, r)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return withoutUser(users, viewer.ID, 0), nil
}

func withoutUser(users []domain.User, id string, limit int) []domain.User {
	out := make([]domain.User, 0, len(users))
	for _, u := range users {
		if u.ID == id {
			continue
		}
		out = append(out, u)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func normalizeName(name string) (string, error) {
	name = strings.Join(strings.Fields(name), " ")
	if name == "" {
		return "", ErrNameRequired
	}
	if utf8.RuneCountInString(name) > maxNameRunes {
		return "", fmt.Errorf("%w: at most %d characters", ErrNameRequired, maxNameRunes)
	}
	return name, nil
}

// IsValidation reports whether err is a caller input error.
func IsValidation(err error) bool {
	for _, target := range []error{
		ErrInvalidEmail, ErrPasswordMismatch, ErrWeakPassword, ErrNameRequired, ErrInvalidRole,
		ErrSchoolRequired, ErrQueryTooShort, ErrTitleRequired, ErrFileRequired, ErrDateRequired, ErrInvalidRange,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
