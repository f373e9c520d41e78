package auth

import (
	"context"
	"sync"
	"time"

	"github.com/org/medvault/internal/storage"
	"github.com/org/medvault/pkg/models"
)

// MemoryTokenStore keeps tokens for the life of the process.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	byHash map[string]*models.Token
	byID   map[string]*models.Token
}

// NewMemoryTokenStore returns an empty MemoryTokenStore.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{
		byHash: map[string]*models.Token{},
		byID:   map[string]*models.Token{},
	}
}

func (m *MemoryTokenStore) WriteToken(_ context.Context, token *models.Token, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byHash[tokenHash] = token
	m.byID[token.ID] = token
	return nil
}

func (m *MemoryTokenStore) GetToken(_ context.Context, tokenHash string) (*models.Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.byHash[tokenHash]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *t
	return &c, nil
}

func (m *MemoryTokenStore) RevokeToken(_ context.Context, tokenID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.byID[tokenID]; ok && t.RevokedAt == nil {
		now := time.Now().UTC()
		t.RevokedAt = &now
	}
	return nil
}

func (m *MemoryTokenStore) RevokeTokenChildren(_ context.Context, parentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, t := range m.byID {
		if t.ParentID != nil && *t.ParentID == parentID && t.RevokedAt == nil {
			t.RevokedAt = &now
		}
	}
	return nil
}
