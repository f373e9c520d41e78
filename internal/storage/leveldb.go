package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/org/medvault/pkg/models"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	recordKeyPrefix  = "record/"
	tokenKeyPrefix   = "token/"
	tokenIDKeyPrefix = "token-id/"
)

// LevelDBBackend stores each record as JSON under "record/<id>", each token under
// "token/<hash>" with a "token-id/<id>" -> hash index.
type LevelDBBackend struct {
	db *leveldb.DB
	// tokenMu serialises token read-modify-write cycles.
	tokenMu sync.Mutex
}

// levelRecord is the stored form of an Entry. Metadata and data are []byte so JSON
// base64-encodes them instead of coercing invalid UTF-8.
type levelRecord struct {
	Seq           int64            `json:"seq"`
	ID            string           `json:"id"`
	Owner         models.Principal `json:"owner"`
	Metadata      []byte           `json:"metadata"`
	Data          []byte           `json:"data"`
	Timestamp     time.Time        `json:"timestamp"`
	AccessControl models.ACL       `json:"access_control"`
}

// NewLevelDBBackend opens (or creates) a LevelDB database in dir.
func NewLevelDBBackend(dir string) (*LevelDBBackend, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %q: %w", dir, err)
	}
	return &LevelDBBackend{db: db}, nil
}

func (l *LevelDBBackend) Close() error {
	return l.db.Close()
}

func (l *LevelDBBackend) PutRecord(_ context.Context, e *Entry) error {
	rec := e.Record
	value, err := json.Marshal(levelRecord{
		Seq:           e.Seq,
		ID:            rec.ID,
		Owner:         rec.Owner,
		Metadata:      []byte(rec.Metadata),
		Data:          []byte(rec.Data),
		Timestamp:     rec.Timestamp,
		AccessControl: rec.AccessControl,
	})
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", rec.ID, err)
	}
	return l.db.Put([]byte(recordKeyPrefix+rec.ID), value, nil)
}

func (l *LevelDBBackend) LoadRecords(_ context.Context) ([]*Entry, error) {
	iter := l.db.NewIterator(util.BytesPrefix([]byte(recordKeyPrefix)), nil)
	defer iter.Release()

	var entries []*Entry
	for iter.Next() {
		var lr levelRecord
		if err := json.Unmarshal(iter.Value(), &lr); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", iter.Key(), err)
		}
		if lr.AccessControl == nil {
			lr.AccessControl = models.ACL{}
		}
		entries = append(entries, &Entry{
			Seq: lr.Seq,
			Record: &models.MedicalRecord{
				ID:            lr.ID,
				Owner:         lr.Owner,
				Metadata:      string(lr.Metadata),
				Data:          string(lr.Data),
				Timestamp:     lr.Timestamp,
				AccessControl: lr.AccessControl,
			},
		})
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	// Keys are ordered by ID; callers need creation order.
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return entries, nil
}

func (l *LevelDBBackend) Reset(_ context.Context) error {
	iter := l.db.NewIterator(util.BytesPrefix([]byte(recordKeyPrefix)), nil)
	batch := new(leveldb.Batch)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}
	return l.db.Write(batch, nil)
}

// --- Tokens ---

func (l *LevelDBBackend) WriteToken(_ context.Context, token *models.Token, tokenHash string) error {
	l.tokenMu.Lock()
	defer l.tokenMu.Unlock()
	return l.putToken(token, tokenHash)
}

func (l *LevelDBBackend) putToken(token *models.Token, tokenHash string) error {
	value, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("encoding token %s: %w", token.ID, err)
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(tokenKeyPrefix+tokenHash), value)
	batch.Put([]byte(tokenIDKeyPrefix+token.ID), []byte(tokenHash))
	return l.db.Write(batch, nil)
}

func (l *LevelDBBackend) GetToken(_ context.Context, tokenHash string) (*models.Token, error) {
	return l.getToken(tokenHash)
}

func (l *LevelDBBackend) getToken(tokenHash string) (*models.Token, error) {
	value, err := l.db.Get([]byte(tokenKeyPrefix+tokenHash), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var t models.Token
	if err := json.Unmarshal(value, &t); err != nil {
		return nil, fmt.Errorf("decoding token: %w", err)
	}
	return &t, nil
}

func (l *LevelDBBackend) RevokeToken(_ context.Context, tokenID string) error {
	l.tokenMu.Lock()
	defer l.tokenMu.Unlock()

	hash, err := l.db.Get([]byte(tokenIDKeyPrefix+tokenID), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	t, err := l.getToken(string(hash))
	if err != nil {
		return err
	}
	if t.RevokedAt != nil {
		return nil
	}
	now := time.Now().UTC()
	t.RevokedAt = &now
	return l.putToken(t, string(hash))
}

func (l *LevelDBBackend) RevokeTokenChildren(_ context.Context, parentID string) error {
	l.tokenMu.Lock()
	defer l.tokenMu.Unlock()

	iter := l.db.NewIterator(util.BytesPrefix([]byte(tokenKeyPrefix)), nil)
	now := time.Now().UTC()
	batch := new(leveldb.Batch)
	for iter.Next() {
		var t models.Token
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			iter.Release()
			return fmt.Errorf("decoding %s: %w", iter.Key(), err)
		}
		if t.ParentID == nil || *t.ParentID != parentID || t.RevokedAt != nil {
			continue
		}
		t.RevokedAt = &now
		value, err := json.Marshal(&t)
		if err != nil {
			iter.Release()
			return fmt.Errorf("encoding token %s: %w", t.ID, err)
		}
		batch.Put(append([]byte(nil), iter.Key()...), value)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}
	return l.db.Write(batch, nil)
}
