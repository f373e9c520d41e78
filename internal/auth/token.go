package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/org/medvault/internal/storage"
	"github.com/org/medvault/pkg/models"
)

const tokenPrefix = "mvt_"

// RootPrincipal is the principal bound to the configured root token.
const RootPrincipal models.Principal = "root"

// Errors returned by ValidateToken.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenRevoked = errors.New("token has been revoked")
	ErrTokenExpired = errors.New("token has expired")
)

// TokenStore persists tokens keyed by the hash of their plaintext.
// The durable storage backends implement it.
type TokenStore interface {
	WriteToken(ctx context.Context, token *models.Token, tokenHash string) error
	GetToken(ctx context.Context, tokenHash string) (*models.Token, error)
	RevokeToken(ctx context.Context, tokenID string) error
	RevokeTokenChildren(ctx context.Context, parentID string) error
}

// TokenService resolves bearer tokens to principals and manages their lifecycle.
// Minted tokens go to store; static tokens live only in memory and are re-registered
// from configuration on every start.
type TokenService struct {
	store   TokenStore
	statics *MemoryTokenStore
}

// NewTokenService creates a TokenService backed by the given store.
func NewTokenService(store TokenStore) *TokenService {
	return &TokenService{store: store, statics: NewMemoryTokenStore()}
}

// CreateToken generates a new token for principal and persists it.
// Returns the token model and the plaintext token string (shown once to the caller).
func (s *TokenService) CreateToken(ctx context.Context, principal models.Principal, ttl time.Duration, parentID *string) (*models.Token, string, error) {
	if principal == "" {
		return nil, "", errors.New("principal is required")
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("generating token: %w", err)
	}
	plaintext := tokenPrefix + base64.RawURLEncoding.EncodeToString(raw)

	t, err := s.register(ctx, plaintext, principal, ttl, parentID)
	if err != nil {
		return nil, "", err
	}
	return t, plaintext, nil
}

// RegisterStatic binds an operator-supplied plaintext token to principal without expiry.
// The root principal's token is registered this way at startup. The token ID is derived
// from the plaintext, so children minted under it keep their parent across restarts
// while a rotated plaintext stops validating.
func (s *TokenService) RegisterStatic(ctx context.Context, plaintext string, principal models.Principal) (*models.Token, error) {
	if plaintext == "" {
		return nil, errors.New("empty static token")
	}
	if principal == "" {
		return nil, errors.New("principal is required")
	}
	hash := hashToken(plaintext)
	t := newToken(staticTokenID(hash), principal, 0, nil)
	if err := s.statics.WriteToken(ctx, t, hash); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *TokenService) register(ctx context.Context, plaintext string, principal models.Principal, ttl time.Duration, parentID *string) (*models.Token, error) {
	t := newToken(uuid.NewString(), principal, ttl, parentID)
	if err := s.store.WriteToken(ctx, t, hashToken(plaintext)); err != nil {
		return nil, fmt.Errorf("persisting token: %w", err)
	}
	return t, nil
}

func newToken(id string, principal models.Principal, ttl time.Duration, parentID *string) *models.Token {
	// Microseconds survive every backend, so a reloaded token compares equal.
	now := time.Now().UTC().Truncate(time.Microsecond)
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}
	return &models.Token{
		ID:        id,
		Principal: principal,
		Root:      principal == RootPrincipal,
		TTL:       ttl,
		CreatedAt: now,
		ExpiresAt: expiresAt,
		ParentID:  parentID,
	}
}

func staticTokenID(tokenHash string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("medvault:static:"+tokenHash)).String()
}

// ValidateToken looks up a token by its plaintext value.
// Returns error if not found, expired, or revoked.
func (s *TokenService) ValidateToken(ctx context.Context, plaintext string) (*models.Token, error) {
	hash := hashToken(plaintext)
	token, err := s.statics.GetToken(ctx, hash)
	if errors.Is(err, storage.ErrNotFound) {
		token, err = s.store.GetToken(ctx, hash)
	}
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if token.IsRevoked() {
		return nil, ErrTokenRevoked
	}
	if token.IsExpired() {
		return nil, ErrTokenExpired
	}
	return token, nil
}

// RevokeToken revokes a token and all its children.
func (s *TokenService) RevokeToken(ctx context.Context, tokenID string) error {
	if err := s.statics.RevokeToken(ctx, tokenID); err != nil {
		return err
	}
	if err := s.store.RevokeToken(ctx, tokenID); err != nil {
		return err
	}
	return s.store.RevokeTokenChildren(ctx, tokenID)
}

// hashToken returns the SHA-256 hex digest under which a token is stored.
func hashToken(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}
