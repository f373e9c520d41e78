package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/org/medvault/pkg/models"
)

// PostgresBackend is a Backend backed by PostgreSQL.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
// The schema must already exist; see RunMigrations.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresBackend) PutRecord(ctx context.Context, e *Entry) error {
	rec := e.Record
	aclJSON, err := json.Marshal(rec.AccessControl)
	if err != nil {
		return fmt.Errorf("encoding access control: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO medical_records (id, seq, owner, metadata, data, updated_at, access_control)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE
		 SET metadata = EXCLUDED.metadata,
		     data = EXCLUDED.data,
		     updated_at = EXCLUDED.updated_at,
		     access_control = EXCLUDED.access_control`,
		rec.ID, e.Seq, string(rec.Owner), []byte(rec.Metadata), []byte(rec.Data), rec.Timestamp, aclJSON,
	)
	if err != nil {
		return fmt.Errorf("upserting record %s: %w", rec.ID, err)
	}
	return nil
}

func (p *PostgresBackend) LoadRecords(ctx context.Context) ([]*Entry, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, seq, owner, metadata, data, updated_at, access_control
		 FROM medical_records ORDER BY seq`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var (
		rec      models.MedicalRecord
		seq      int64
		owner    string
		metadata []byte
		data     []byte
		ts       time.Time
		aclJSON  []byte
	)
	if err := row.Scan(&rec.ID, &seq, &owner, &metadata, &data, &ts, &aclJSON); err != nil {
		return nil, err
	}
	rec.Owner = models.Principal(owner)
	rec.Metadata = string(metadata)
	rec.Data = string(data)
	rec.Timestamp = ts.UTC()
	if err := json.Unmarshal(aclJSON, &rec.AccessControl); err != nil {
		return nil, fmt.Errorf("decoding access control for %s: %w", rec.ID, err)
	}
	if rec.AccessControl == nil {
		rec.AccessControl = models.ACL{}
	}
	return &Entry{Seq: seq, Record: &rec}, nil
}

func (p *PostgresBackend) Reset(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM medical_records`)
	return err
}


// --- Tokens ---

func (p *PostgresBackend) WriteToken(ctx context.Context, token *models.Token, tokenHash string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO tokens (id, token_hash, principal, root, ttl_ns, created_at, expires_at, revoked_at, parent_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE
		 SET principal = EXCLUDED.principal,
		     root = EXCLUDED.root,
		     ttl_ns = EXCLUDED.ttl_ns,
		     expires_at = EXCLUDED.expires_at,
		     revoked_at = EXCLUDED.revoked_at`,
		token.ID, tokenHash, string(token.Principal), token.Root, int64(token.TTL),
		token.CreatedAt, nullableTime(token.ExpiresAt), token.RevokedAt, token.ParentID,
	)
	if err != nil {
		return fmt.Errorf("writing token %s: %w", token.ID, err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (p *PostgresBackend) GetToken(ctx context.Context, tokenHash string) (*models.Token, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, principal, root, ttl_ns, created_at, expires_at, revoked_at, parent_id
		 FROM tokens WHERE token_hash = $1`,
		tokenHash,
	)
	return scanToken(row)
}

func scanToken(row pgx.Row) (*models.Token, error) {
	var (
		t         models.Token
		principal string
		ttl       int64
		expiresAt *time.Time
	)
	err := row.Scan(&t.ID, &principal, &t.Root, &ttl, &t.CreatedAt, &expiresAt, &t.RevokedAt, &t.ParentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Principal = models.Principal(principal)
	t.TTL = time.Duration(ttl)
	t.CreatedAt = t.CreatedAt.UTC()
	if expiresAt != nil {
		t.ExpiresAt = expiresAt.UTC()
	}
	return &t, nil
}

func (p *PostgresBackend) RevokeToken(ctx context.Context, tokenID string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE tokens SET revoked_at = NOW() WHERE id = $1 AND revoked_at IS NULL`,
		tokenID,
	)
	return err
}

func (p *PostgresBackend) RevokeTokenChildren(ctx context.Context, parentID string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE tokens SET revoked_at = NOW() WHERE parent_id = $1 AND revoked_at IS NULL`,
		parentID,
	)
	return err
}
