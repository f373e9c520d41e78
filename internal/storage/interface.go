package storage

import (
	"context"
	"errors"

	"github.com/org/medvault/pkg/models"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// Entry is a persisted record together with its creation sequence number.
// Seq is assigned once at creation and orders each owner's records on reload.
type Entry struct {
	Seq    int64                 `json:"seq"`
	Record *models.MedicalRecord `json:"record"`
}

// Backend defines the durable persistence interface for the record store.
// The in-memory store stays authoritative; a Backend only has to survive restarts.
// Metadata and data are stored as raw bytes and round-trip exactly. Principals and IDs
// are stored as text and must be valid UTF-8 without NUL bytes.
type Backend interface {
	// PutRecord inserts or replaces the entry for e.Record.ID.
	PutRecord(ctx context.Context, e *Entry) error
	// LoadRecords returns every persisted entry in ascending Seq order.
	LoadRecords(ctx context.Context) ([]*Entry, error)
	// Reset removes every persisted record.
	Reset(ctx context.Context) error

	Close() error
}

// TokenBackend persists bearer tokens keyed by the SHA-256 hash of their plaintext.
// Revoked tokens are marked, never removed.
type TokenBackend interface {
	WriteToken(ctx context.Context, token *models.Token, tokenHash string) error
	// GetToken returns ErrNotFound for an unknown hash.
	GetToken(ctx context.Context, tokenHash string) (*models.Token, error)
	RevokeToken(ctx context.Context, tokenID string) error
	RevokeTokenChildren(ctx context.Context, parentID string) error
}
