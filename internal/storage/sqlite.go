package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/org/medvault/pkg/models"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS medical_records (
	id             TEXT PRIMARY KEY,
	seq            INTEGER NOT NULL UNIQUE,
	owner          TEXT NOT NULL,
	metadata       TEXT NOT NULL,
	data           TEXT NOT NULL,
	updated_at     TEXT NOT NULL,
	access_control TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS medical_records_owner_seq_idx ON medical_records (owner, seq);
CREATE TABLE IF NOT EXISTS tokens (
	id          TEXT PRIMARY KEY,
	token_hash  TEXT NOT NULL UNIQUE,
	principal   TEXT NOT NULL,
	root        INTEGER NOT NULL DEFAULT 0,
	ttl_ns      INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL,
	expires_at  TEXT,
	revoked_at  TEXT,
	parent_id   TEXT
);
CREATE INDEX IF NOT EXISTS tokens_parent_id_idx ON tokens (parent_id);`

// SQLiteBackend is a single-file Backend using the pure-Go SQLite driver.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (or creates) a SQLite database at path.
// Use ":memory:" for a throwaway database.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// One connection: SQLite has a single writer, and ":memory:" is per-connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}

func (s *SQLiteBackend) PutRecord(ctx context.Context, e *Entry) error {
	rec := e.Record
	aclJSON, err := json.Marshal(rec.AccessControl)
	if err != nil {
		return fmt.Errorf("encoding access control: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO medical_records (id, seq, owner, metadata, data, updated_at, access_control)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE
		 SET metadata = excluded.metadata,
		     data = excluded.data,
		     updated_at = excluded.updated_at,
		     access_control = excluded.access_control`,
		rec.ID, e.Seq, string(rec.Owner), rec.Metadata, rec.Data,
		formatTime(rec.Timestamp), string(aclJSON),
	)
	if err != nil {
		return fmt.Errorf("upserting record %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLiteBackend) LoadRecords(ctx context.Context) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, seq, owner, metadata, data, updated_at, access_control
		 FROM medical_records ORDER BY seq`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var (
			rec     models.MedicalRecord
			seq     int64
			owner   string
			ts      string
			aclJSON string
		)
		if err := rows.Scan(&rec.ID, &seq, &owner, &rec.Metadata, &rec.Data, &ts, &aclJSON); err != nil {
			return nil, err
		}
		rec.Owner = models.Principal(owner)
		if rec.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parsing timestamp for %s: %w", rec.ID, err)
		}
		if err := json.Unmarshal([]byte(aclJSON), &rec.AccessControl); err != nil {
			return nil, fmt.Errorf("decoding access control for %s: %w", rec.ID, err)
		}
		if rec.AccessControl == nil {
			rec.AccessControl = models.ACL{}
		}
		entries = append(entries, &Entry{Seq: seq, Record: &rec})
	}
	return entries, rows.Err()
}

func (s *SQLiteBackend) Reset(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM medical_records`)
	return err
}

// --- Tokens ---

func (s *SQLiteBackend) WriteToken(ctx context.Context, token *models.Token, tokenHash string) error {
	var revokedAt time.Time
	if token.RevokedAt != nil {
		revokedAt = *token.RevokedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (id, token_hash, principal, root, ttl_ns, created_at, expires_at, revoked_at, parent_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE
		 SET principal = excluded.principal,
		     root = excluded.root,
		     ttl_ns = excluded.ttl_ns,
		     expires_at = excluded.expires_at,
		     revoked_at = excluded.revoked_at`,
		token.ID, tokenHash, string(token.Principal), token.Root, int64(token.TTL),
		formatTime(token.CreatedAt), nullableText(token.ExpiresAt), nullableText(revokedAt), token.ParentID,
	)
	if err != nil {
		return fmt.Errorf("writing token %s: %w", token.ID, err)
	}
	return nil
}

func (s *SQLiteBackend) GetToken(ctx context.Context, tokenHash string) (*models.Token, error) {
	var (
		t                    models.Token
		principal, created   string
		ttl                  int64
		expiresAt, revokedAt sql.NullString
		parentID             sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, principal, root, ttl_ns, created_at, expires_at, revoked_at, parent_id
		 FROM tokens WHERE token_hash = ?`,
		tokenHash,
	).Scan(&t.ID, &principal, &t.Root, &ttl, &created, &expiresAt, &revokedAt, &parentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Principal = models.Principal(principal)
	t.TTL = time.Duration(ttl)
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("parsing created_at of token %s: %w", t.ID, err)
	}
	if expiresAt.Valid {
		if t.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt.String); err != nil {
			return nil, fmt.Errorf("parsing expires_at of token %s: %w", t.ID, err)
		}
	}
	if revokedAt.Valid {
		ts, err := time.Parse(time.RFC3339Nano, revokedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing revoked_at of token %s: %w", t.ID, err)
		}
		t.RevokedAt = &ts
	}
	if parentID.Valid {
		t.ParentID = &parentID.String
	}
	return &t, nil
}

func (s *SQLiteBackend) RevokeToken(ctx context.Context, tokenID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tokens SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		formatTime(time.Now()), tokenID,
	)
	return err
}

func (s *SQLiteBackend) RevokeTokenChildren(ctx context.Context, parentID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tokens SET revoked_at = ? WHERE parent_id = ? AND revoked_at IS NULL`,
		formatTime(time.Now()), parentID,
	)
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableText(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}
