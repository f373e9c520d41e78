package models

import "time"

// Token binds a bearer credential to the principal it authenticates.
type Token struct {
	ID        string        `json:"id"`
	Principal Principal     `json:"principal"`
	Root      bool          `json:"root"`
	TTL       time.Duration `json:"ttl"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt time.Time     `json:"expires_at"`
	RevokedAt *time.Time    `json:"revoked_at,omitempty"`
	ParentID  *string       `json:"parent_id,omitempty"`
}

// IsExpired returns true if the token has passed its expiry time.
func (t *Token) IsExpired() bool {
	return !t.ExpiresAt.IsZero() && time.Now().After(t.ExpiresAt)
}

// IsRevoked returns true if the token has been revoked.
func (t *Token) IsRevoked() bool {
	return t.RevokedAt != nil
}
