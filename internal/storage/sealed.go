package storage

import (
	"context"
	"fmt"

	"github.com/org/medvault/internal/crypto"
)

// SealContext is the HKDF context used to derive the record encryption key.
const SealContext = "medvault-records-v1"

// Sealed wraps a Backend so record metadata and data are encrypted before they are
// written and decrypted after they are loaded. Each ciphertext is bound to its record ID.
type Sealed struct {
	Backend
	sealer *crypto.Sealer
}

// NewSealed wraps inner with encryption under sealer.
func NewSealed(inner Backend, sealer *crypto.Sealer) *Sealed {
	return &Sealed{Backend: inner, sealer: sealer}
}

func (s *Sealed) PutRecord(ctx context.Context, e *Entry) error {
	rec := e.Record.Clone()
	var err error
	if rec.Metadata, err = s.sealer.SealString(rec.Metadata, rec.ID+"/metadata"); err != nil {
		return fmt.Errorf("sealing metadata: %w", err)
	}
	if rec.Data, err = s.sealer.SealString(rec.Data, rec.ID+"/data"); err != nil {
		return fmt.Errorf("sealing data: %w", err)
	}
	return s.Backend.PutRecord(ctx, &Entry{Seq: e.Seq, Record: rec})
}

func (s *Sealed) LoadRecords(ctx context.Context) ([]*Entry, error) {
	entries, err := s.Backend.LoadRecords(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		rec := e.Record
		if rec.Metadata, err = s.sealer.OpenString(rec.Metadata, rec.ID+"/metadata"); err != nil {
			return nil, fmt.Errorf("opening metadata of %s: %w", rec.ID, err)
		}
		if rec.Data, err = s.sealer.OpenString(rec.Data, rec.ID+"/data"); err != nil {
			return nil, fmt.Errorf("opening data of %s: %w", rec.ID, err)
		}
	}
	return entries, nil
}
