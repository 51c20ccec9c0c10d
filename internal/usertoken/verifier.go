package usertoken

import (
	"context"
	"errors"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"flownote/internal/util"
	"flownote/pkg/domain"
)

const (
	defaultIssuer   = "flownote-school"
	defaultAudience = "flownote-api"
	defaultLeeway   = 30 * time.Second
	defaultTTL      = 24 * time.Hour
	minSecretLength = 32
)

var (
	// ErrTokenRevoked is returned for a well-formed token that was logged out.
	ErrTokenRevoked = errors.New("token revoked")
)

// Config configures access-token issuing and verification.
type Config struct {
	Secret   string
	Issuer   string
	Audience string
	TTL      time.Duration
	Leeway   time.Duration
	Revoker  Revoker
}

// Identity is the authenticated caller carried by an access token.
type Identity struct {
	UserID    string
	Name      string
	Role      domain.UserRole
	SchoolID  string
	TokenID   string
	ExpiresAt time.Time
}

type claims struct {
	Name     string `json:"name,omitempty"`
	Role     string `json:"role"`
	SchoolID string `json:"school"`
	jwt.RegisteredClaims
}

// Manager issues and validates HS256 user access tokens.
type Manager struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	leeway   time.Duration
	revoker  Revoker
}

// NewManager creates a token manager.
func NewManager(cfg Config) (*Manager, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("token manager requires secret")
	}
	if len(secret) < minSecretLength {
		return nil, errors.New("token secret must be at least 32 bytes")
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = defaultAudience
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}
	revoker := cfg.Revoker
	if revoker == nil {
		revoker = NewMemoryRevoker()
	}
	return &Manager{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		ttl:      ttl,
		leeway:   leeway,
		revoker:  revoker,
	}, nil
}

// Issue signs an access token for u.
func (m *Manager) Issue(u domain.User) (string, error) {
	if strings.TrimSpace(u.ID) == "" {
		return "", errors.New("token subject missing")
	}
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Name:     u.Name,
		Role:     string(u.Role),
		SchoolID: u.SchoolID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        util.NewID(),
			Subject:   u.ID,
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings{m.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Second)),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	})
	return token.SignedString(m.secret)
}

// Verify validates the token and returns the caller identity.
func (m *Manager) Verify(ctx context.Context, token string) (Identity, error) {
	parsed := claims{}
	tok, err := jwt.ParseWithClaims(token, &parsed, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(m.audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(m.leeway),
	)
	if err != nil || !tok.Valid {
		if err == nil {
			err = errors.New("invalid token")
		}
		return Identity{}, err
	}
	subject := strings.TrimSpace(parsed.Subject)
	if subject == "" {
		return Identity{}, errors.New("token subject missing")
	}
	if parsed.ID != "" {
		revoked, err := m.revoker.IsRevoked(ctx, parsed.ID)
		if err != nil {
			return Identity{}, err
		}
		if revoked {
			return Identity{}, ErrTokenRevoked
		}
	}
	id := Identity{
		UserID:   subject,
		Name:     parsed.Name,
		Role:     domain.UserRole(parsed.Role),
		SchoolID: parsed.SchoolID,
		TokenID:  parsed.ID,
	}
	if parsed.ExpiresAt != nil {
		id.ExpiresAt = parsed.ExpiresAt.Time
	}
	return id, nil
}

// Revoke invalidates the token identified by id until it would have expired.
func (m *Manager) Revoke(ctx context.Context, id Identity) error {
	if id.TokenID == "" {
		return nil
	}
	return m.revoker.Revoke(ctx, id.TokenID, time.Until(id.ExpiresAt)+m.leeway)
}
