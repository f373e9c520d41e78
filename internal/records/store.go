package records

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/org/medvault/internal/access"
	"github.com/org/medvault/internal/storage"
	"github.com/org/medvault/pkg/models"
)

// ErrInvalidLevel is returned by Grant for a level outside the known set.
var ErrInvalidLevel = errors.New("invalid access level")

// Clock supplies record timestamps.
type Clock interface {
	Now() time.Time
}

// systemClock reads wall time at microsecond precision, the finest every backend keeps,
// so a reloaded timestamp is never earlier than the one callers already saw.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

// Options tunes a Store. The zero value gives the reference behaviour.
type Options struct {
	// Clock defaults to the system clock.
	Clock Clock
	// NewID defaults to random (version 4) UUIDs.
	NewID func() string
	// KeepLastAdmin rejects grants and revokes that would leave a record with no admin.
	KeepLastAdmin bool
}

// Store holds medical records and the per-owner creation index. Every method runs
// under one mutex covering both maps and the backend write.
type Store struct {
	mu      sync.Mutex
	records map[string]*models.MedicalRecord
	seqs    map[string]int64
	owners  map[models.Principal][]string
	nextSeq int64

	guard         *access.Guard
	backend       storage.Backend
	clock         Clock
	newID         func() string
	keepLastAdmin bool
}

// NewStore creates an empty Store. backend may be nil, in which case records live
// only as long as the process.
func NewStore(guard *access.Guard, backend storage.Backend, opts Options) *Store {
	s := &Store{
		guard:         guard,
		backend:       backend,
		clock:         opts.Clock,
		newID:         opts.NewID,
		keepLastAdmin: opts.KeepLastAdmin,
	}
	if s.clock == nil {
		s.clock = systemClock{}
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	s.clear()
	return s
}

func (s *Store) clear() {
	s.records = map[string]*models.MedicalRecord{}
	s.seqs = map[string]int64{}
	s.owners = map[models.Principal][]string{}
	s.nextSeq = 0
}

// Load replaces the in-memory state with everything persisted in the backend,
// rebuilding each owner's index in creation order.
func (s *Store) Load(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	entries, err := s.backend.LoadRecords(ctx)
	if err != nil {
		return fmt.Errorf("loading records: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clear()
	for _, e := range entries {
		rec := e.Record
		s.records[rec.ID] = rec
		s.seqs[rec.ID] = e.Seq
		s.owners[rec.Owner] = append(s.owners[rec.Owner], rec.ID)
		if e.Seq > s.nextSeq {
			s.nextSeq = e.Seq
		}
	}
	return nil
}

// Reset empties the store and its backend.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend != nil {
		if err := s.backend.Reset(ctx); err != nil {
			return fmt.Errorf("resetting backend: %w", err)
		}
	}
	s.clear()
	return nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Create stores a new record owned by caller, who becomes its sole admin.
// It returns the new record's ID. An error is only possible from the backend.
func (s *Store) Create(ctx context.Context, caller models.Principal, metadata, data string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.newID()
	for _, taken := s.records[id]; taken; _, taken = s.records[id] {
		id = s.newID()
	}
	rec := &models.MedicalRecord{
		ID:            id,
		Owner:         caller,
		Metadata:      metadata,
		Data:          data,
		Timestamp:     s.clock.Now(),
		AccessControl: models.ACL{caller: models.LevelAdmin},
	}
	seq := s.nextSeq + 1
	if err := s.persist(ctx, seq, rec); err != nil {
		return "", err
	}

	s.nextSeq = seq
	s.records[id] = rec
	s.seqs[id] = seq
	s.owners[caller] = append(s.owners[caller], id)
	return id, nil
}

// Get returns a copy of the record if caller has any entry in its ACL.
// Unknown records and records the caller cannot read both report ok=false.
func (s *Store) Get(caller models.Principal, id string) (rec *models.MedicalRecord, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.authorize(caller, id, access.ActionRead)
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Update overwrites metadata and data and refreshes the timestamp. It reports false,
// without distinguishing why, when the record is unknown or caller may not update it.
func (s *Store) Update(ctx context.Context, caller models.Principal, id, metadata, data string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.authorize(caller, id, access.ActionUpdate)
	if !ok {
		return false, nil
	}
	next := cur.Clone()
	next.Metadata = metadata
	next.Data = data
	if now := s.clock.Now(); now.After(cur.Timestamp) {
		next.Timestamp = now
	}
	return s.commit(ctx, next)
}

// Grant sets target's level on the record, replacing any level it already held.
// Only admins may grant.
func (s *Store) Grant(ctx context.Context, caller models.Principal, id string, target models.Principal, level models.AccessLevel) (bool, error) {
	if !level.Valid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidLevel, level)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.authorize(caller, id, access.ActionGrant)
	if !ok {
		return false, nil
	}
	next := cur.Clone()
	next.AccessControl[target] = level
	if s.keepLastAdmin && !next.AccessControl.HasAdmin() {
		return false, nil
	}
	return s.commit(ctx, next)
}

// Revoke removes target's entry from the record. Removing an absent entry succeeds.
// Only admins may revoke, including their own entry.
func (s *Store) Revoke(ctx context.Context, caller models.Principal, id string, target models.Principal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.authorize(caller, id, access.ActionRevoke)
	if !ok {
		return false, nil
	}
	if _, present := cur.AccessControl[target]; !present {
		return true, nil
	}
	next := cur.Clone()
	delete(next.AccessControl, target)
	if s.keepLastAdmin && !next.AccessControl.HasAdmin() {
		return false, nil
	}
	return s.commit(ctx, next)
}

// ListOwned returns copies of the records caller created, in creation order,
// regardless of caller's current ACL entries.
func (s *Store) ListOwned(caller models.Principal) []*models.MedicalRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.owners[caller]
	out := make([]*models.MedicalRecord, 0, len(ids))
	for _, id := range ids {
		if r, ok := s.records[id]; ok {
			out = append(out, r.Clone())
		}
	}
	return out
}

// authorize must be called with s.mu held.
func (s *Store) authorize(caller models.Principal, id string, action access.Action) (*models.MedicalRecord, bool) {
	r, found := s.records[id]
	if !found || !s.guard.IsAllowed(r.AccessControl, caller, action) {
		return nil, false
	}
	return r, true
}

// commit persists next and then swaps it in. Must be called with s.mu held.
func (s *Store) commit(ctx context.Context, next *models.MedicalRecord) (bool, error) {
	if err := s.persist(ctx, s.seqs[next.ID], next); err != nil {
		return false, err
	}
	s.records[next.ID] = next
	return true, nil
}

func (s *Store) persist(ctx context.Context, seq int64, rec *models.MedicalRecord) error {
	if s.backend == nil {
		return nil
	}
	if err := s.backend.PutRecord(ctx, &storage.Entry{Seq: seq, Record: rec}); err != nil {
		return fmt.Errorf("persisting record %s: %w", rec.ID, err)
	}
	return nil
}
