package records

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/org/medvault/internal/access"
	"github.com/org/medvault/internal/storage"
	"github.com/org/medvault/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice models.Principal = "alice"
	bob   models.Principal = "bob"
	carol models.Principal = "carol"
)

// fakeClock advances by one second on every reading unless frozen.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	frozen bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.frozen {
		c.now = c.now.Add(time.Second)
	}
	return c.now
}

func (c *fakeClock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
	c.frozen = true
}

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.Clock == nil {
		opts.Clock = newFakeClock()
	}
	return NewStore(access.MustGuard(access.DefaultPolicy), nil, opts)
}

func mustCreate(t *testing.T, s *Store, caller models.Principal, metadata, data string) string {
	t.Helper()
	id, err := s.Create(context.Background(), caller, metadata, data)
	require.NoError(t, err)
	return id
}

func TestCreateGrantsSelfAdmin(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	for i, tc := range []struct{ metadata, data string }{
		{"visit1", "bp 120/80"},
		{"", ""},
		{"ünïcødé", "line1\nline2"},
	} {
		id := mustCreate(t, s, alice, tc.metadata, tc.data)
		_, err := uuid.Parse(id)
		require.NoError(t, err, "case %d: id should be a UUID", i)

		rec, ok := s.Get(alice, id)
		require.True(t, ok)
		assert.Equal(t, id, rec.ID)
		assert.Equal(t, alice, rec.Owner)
		assert.Equal(t, tc.metadata, rec.Metadata)
		assert.Equal(t, tc.data, rec.Data)
		assert.Equal(t, models.ACL{alice: models.LevelAdmin}, rec.AccessControl)

		updated, err := s.Update(ctx, alice, id, tc.metadata+"!", tc.data)
		require.NoError(t, err)
		assert.True(t, updated)

		granted, err := s.Grant(ctx, alice, id, bob, models.LevelRead)
		require.NoError(t, err)
		assert.True(t, granted)
	}
}

func TestCreateUniqueIDs(t *testing.T) {
	s := newTestStore(t, Options{})
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		id := mustCreate(t, s, alice, "m", "d")
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Equal(t, 200, s.Len())
}

func TestCreateRetriesCollidingID(t *testing.T) {
	ids := []string{"dup", "dup", "fresh"}
	s := newTestStore(t, Options{NewID: func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}})

	assert.Equal(t, "dup", mustCreate(t, s, alice, "a", ""))
	assert.Equal(t, "fresh", mustCreate(t, s, alice, "b", ""))
}

func TestGetRequiresACLEntry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	id := mustCreate(t, s, alice, "visit1", "data")

	_, ok := s.Get(bob, id)
	assert.False(t, ok, "no entry, no read")

	for _, level := range models.AccessLevels {
		ok, err := s.Grant(ctx, alice, id, bob, level)
		require.NoError(t, err)
		require.True(t, ok)

		rec, readable := s.Get(bob, id)
		assert.True(t, readable, "level %s should read", level)
		assert.Equal(t, "visit1", rec.Metadata)
	}

	ok, err := s.Revoke(ctx, alice, id, bob)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok = s.Get(bob, id)
	assert.False(t, ok)
}

func TestGetReturnsCopy(t *testing.T) {
	s := newTestStore(t, Options{})
	id := mustCreate(t, s, alice, "visit1", "data")

	rec, ok := s.Get(alice, id)
	require.True(t, ok)
	rec.Metadata = "tampered"
	rec.AccessControl[bob] = models.LevelAdmin

	again, _ := s.Get(alice, id)
	assert.Equal(t, "visit1", again.Metadata)
	_, ok = s.Get(bob, id)
	assert.False(t, ok)
}

func TestUpdateWriteGate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	id := mustCreate(t, s, alice, "visit1", "v1")

	cases := []struct {
		level models.AccessLevel
		want  bool
	}{
		{models.LevelRead, false},
		{models.LevelWrite, true},
		{models.LevelAdmin, true},
	}
	for _, tc := range cases {
		_, err := s.Grant(ctx, alice, id, bob, tc.level)
		require.NoError(t, err)

		data := "by bob as " + string(tc.level)
		got, err := s.Update(ctx, bob, id, "visit1", data)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "level %s", tc.level)

		rec, _ := s.Get(alice, id)
		if tc.want {
			assert.Equal(t, data, rec.Data)
		} else {
			assert.NotEqual(t, data, rec.Data)
		}
	}

	got, err := s.Update(ctx, carol, id, "x", "y")
	require.NoError(t, err)
	assert.False(t, got, "no entry, no update")
}

func TestUpdateKeepsIdentityAndACL(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	id := mustCreate(t, s, alice, "visit1", "v1")
	_, err := s.Grant(ctx, alice, id, bob, models.LevelWrite)
	require.NoError(t, err)

	before, _ := s.Get(alice, id)
	ok, err := s.Update(ctx, bob, id, "visit1b", "v2")
	require.NoError(t, err)
	require.True(t, ok)

	after, _ := s.Get(alice, id)
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, before.Owner, after.Owner)
	assert.Equal(t, before.AccessControl, after.AccessControl)
	assert.Equal(t, "visit1b", after.Metadata)
	assert.Equal(t, "v2", after.Data)
	assert.True(t, after.Timestamp.After(before.Timestamp))
}

func TestSystemClockMicrosecondPrecision(t *testing.T) {
	for i := 0; i < 100; i++ {
		now := systemClock{}.Now()
		require.Zero(t, now.Nanosecond()%int(time.Microsecond), "timestamp %s carries sub-microsecond digits", now)
		require.Equal(t, time.UTC, now.Location())
	}
}

func TestUpdateTimestampNeverDecreases(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := newTestStore(t, Options{Clock: clock})
	id := mustCreate(t, s, alice, "visit1", "v1")
	created, _ := s.Get(alice, id)

	clock.set(created.Timestamp.Add(-time.Hour))
	ok, err := s.Update(ctx, alice, id, "visit1", "v2")
	require.NoError(t, err)
	require.True(t, ok)

	rec, _ := s.Get(alice, id)
	assert.Equal(t, "v2", rec.Data)
	assert.True(t, rec.Timestamp.Equal(created.Timestamp), "clock going backwards must not move the timestamp back")
}

func TestAdminGate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	for _, level := range models.AccessLevels {
		id := mustCreate(t, s, alice, "visit1", "v1")
		_, err := s.Grant(ctx, alice, id, bob, level)
		require.NoError(t, err)

		want := level == models.LevelAdmin
		granted, err := s.Grant(ctx, bob, id, carol, models.LevelRead)
		require.NoError(t, err)
		assert.Equal(t, want, granted, "grant as %s", level)

		revoked, err := s.Revoke(ctx, bob, id, alice)
		require.NoError(t, err)
		assert.Equal(t, want, revoked, "revoke as %s", level)
	}
}

func TestGrantLastWriteWins(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	id := mustCreate(t, s, alice, "visit1", "v1")

	_, err := s.Grant(ctx, alice, id, bob, models.LevelAdmin)
	require.NoError(t, err)
	ok, err := s.Grant(ctx, alice, id, bob, models.LevelRead)
	require.NoError(t, err)
	require.True(t, ok)

	rec, _ := s.Get(alice, id)
	assert.Equal(t, models.ACL{alice: models.LevelAdmin, bob: models.LevelRead}, rec.AccessControl)

	granted, err := s.Grant(ctx, bob, id, carol, models.LevelRead)
	require.NoError(t, err)
	assert.False(t, granted, "downgraded admin must lose grant rights")
}

func TestGrantInvalidLevel(t *testing.T) {
	s := newTestStore(t, Options{})
	id := mustCreate(t, s, alice, "visit1", "v1")

	ok, err := s.Grant(context.Background(), alice, id, bob, "owner")
	assert.False(t, ok)
	assert.True(t, errors.Is(err, ErrInvalidLevel))
}

func TestRevokeAbsentEntrySucceeds(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	id := mustCreate(t, s, alice, "visit1", "v1")

	ok, err := s.Revoke(ctx, alice, id, carol)
	require.NoError(t, err)
	assert.True(t, ok)

	rec, _ := s.Get(alice, id)
	assert.Equal(t, models.ACL{alice: models.LevelAdmin}, rec.AccessControl)
}

func TestMissingAndForbiddenIndistinguishable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	id := mustCreate(t, s, alice, "visit1", "v1")
	_, err := s.Grant(ctx, alice, id, bob, models.LevelRead)
	require.NoError(t, err)

	type outcome struct {
		get, update, grant, revoke bool
		updateErr, grantErr, revErr error
	}
	attempt := func(target string) outcome {
		var o outcome
		_, o.get = s.Get(carol, target)
		o.update, o.updateErr = s.Update(ctx, carol, target, "m", "d")
		o.grant, o.grantErr = s.Grant(ctx, carol, target, carol, models.LevelAdmin)
		o.revoke, o.revErr = s.Revoke(ctx, carol, target, alice)
		return o
	}
	assert.Equal(t, attempt("does-not-exist"), attempt(id))

	// A read-only principal sees the same failure as for a missing record.
	upd, err := s.Update(ctx, bob, id, "m", "d")
	require.NoError(t, err)
	updMissing, err := s.Update(ctx, bob, "does-not-exist", "m", "d")
	require.NoError(t, err)
	assert.Equal(t, updMissing, upd)
}

func TestListOwnedStability(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	a1 := mustCreate(t, s, alice, "a1", "")
	b1 := mustCreate(t, s, bob, "b1", "")
	a2 := mustCreate(t, s, alice, "a2", "")

	_, err := s.Grant(ctx, bob, b1, alice, models.LevelAdmin)
	require.NoError(t, err)
	_, err = s.Grant(ctx, alice, a1, bob, models.LevelAdmin)
	require.NoError(t, err)
	_, err = s.Revoke(ctx, bob, a1, alice)
	require.NoError(t, err)

	ids := func(recs []*models.MedicalRecord) []string {
		out := make([]string, len(recs))
		for i, r := range recs {
			out[i] = r.ID
		}
		return out
	}
	assert.Equal(t, []string{a1, a2}, ids(s.ListOwned(alice)))
	assert.Equal(t, []string{b1}, ids(s.ListOwned(bob)))
	assert.Empty(t, s.ListOwned(carol))
}

func TestScenarioShareThenRevoke(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	id := mustCreate(t, s, alice, "visit1", "notes")

	ok, err := s.Grant(ctx, alice, id, bob, models.LevelWrite)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Update(ctx, bob, id, "visit1", "notes + follow-up")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Grant(ctx, bob, id, carol, models.LevelRead)
	require.NoError(t, err)
	assert.False(t, ok, "writer cannot grant")

	ok, err = s.Revoke(ctx, alice, id, bob)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok = s.Get(bob, id)
	assert.False(t, ok)
}

func TestScenarioSelfRevocationOrphans(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	id := mustCreate(t, s, alice, "visit1", "notes")
	ok, err := s.Revoke(ctx, alice, id, alice)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok = s.Get(alice, id)
	assert.False(t, ok)
	ok, err = s.Update(ctx, alice, id, "m", "d")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.Grant(ctx, alice, id, alice, models.LevelAdmin)
	require.NoError(t, err)
	assert.False(t, ok)

	owned := s.ListOwned(alice)
	require.Len(t, owned, 1)
	assert.Equal(t, id, owned[0].ID)
	assert.Empty(t, owned[0].AccessControl)
}

func TestKeepLastAdmin(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{KeepLastAdmin: true})
	id := mustCreate(t, s, alice, "visit1", "notes")

	ok, err := s.Revoke(ctx, alice, id, alice)
	require.NoError(t, err)
	assert.False(t, ok, "sole admin cannot revoke themselves")

	ok, err = s.Grant(ctx, alice, id, alice, models.LevelRead)
	require.NoError(t, err)
	assert.False(t, ok, "sole admin cannot downgrade themselves")

	_, err = s.Grant(ctx, alice, id, bob, models.LevelAdmin)
	require.NoError(t, err)
	ok, err = s.Revoke(ctx, alice, id, alice)
	require.NoError(t, err)
	assert.True(t, ok, "another admin remains")

	rec, ok := s.Get(bob, id)
	require.True(t, ok)
	assert.Equal(t, models.ACL{bob: models.LevelAdmin}, rec.AccessControl)
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	id := mustCreate(t, s, alice, "visit1", "notes")

	require.NoError(t, s.Reset(ctx))
	assert.Equal(t, 0, s.Len())
	_, ok := s.Get(alice, id)
	assert.False(t, ok)
	assert.Empty(t, s.ListOwned(alice))

	mustCreate(t, s, alice, "after reset", "")
	assert.Len(t, s.ListOwned(alice), 1)
}

func TestConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	shared := mustCreate(t, s, alice, "shared", "")
	_, err := s.Grant(ctx, alice, shared, bob, models.LevelWrite)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p := models.Principal(fmt.Sprintf("user-%d", n))
			for j := 0; j < 25; j++ {
				id, err := s.Create(ctx, p, "m", "d")
				assert.NoError(t, err)
				_, _ = s.Grant(ctx, p, id, alice, models.LevelRead)
				_, _ = s.Update(ctx, bob, shared, "shared", fmt.Sprintf("%s-%d", p, j))
				s.Get(alice, id)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 8*25+1, s.Len())
	for i := 0; i < 8; i++ {
		assert.Len(t, s.ListOwned(models.Principal(fmt.Sprintf("user-%d", i))), 25)
	}
}

func TestPersistAndReload(t *testing.T) {
	ctx := context.Background()
	backend, err := storage.NewSQLiteBackend(":memory:")
	require.NoError(t, err)
	defer backend.Close()

	guard := access.MustGuard(access.DefaultPolicy)
	s1 := NewStore(guard, backend, Options{Clock: newFakeClock()})
	a1 := mustCreate(t, s1, alice, "a1", "x")
	b1 := mustCreate(t, s1, bob, "b1", "y")
	a2 := mustCreate(t, s1, alice, "a2", "z")
	_, err = s1.Grant(ctx, alice, a1, bob, models.LevelWrite)
	require.NoError(t, err)
	_, err = s1.Update(ctx, bob, a1, "a1", "x2")
	require.NoError(t, err)

	s2 := NewStore(guard, backend, Options{Clock: newFakeClock()})
	require.NoError(t, s2.Load(ctx))
	assert.Equal(t, 3, s2.Len())

	owned := s2.ListOwned(alice)
	require.Len(t, owned, 2)
	assert.Equal(t, a1, owned[0].ID)
	assert.Equal(t, a2, owned[1].ID)
	assert.Equal(t, "x2", owned[0].Data)
	assert.Equal(t, models.LevelWrite, owned[0].AccessControl[bob])
	assert.Equal(t, b1, s2.ListOwned(bob)[0].ID)

	// New records continue the sequence after reload.
	a3 := mustCreate(t, s2, alice, "a3", "")
	s3 := NewStore(guard, backend, Options{})
	require.NoError(t, s3.Load(ctx))
	owned = s3.ListOwned(alice)
	require.Len(t, owned, 3)
	assert.Equal(t, a3, owned[2].ID)

	require.NoError(t, s3.Reset(ctx))
	entries, err := backend.LoadRecords(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

type failingBackend struct {
	storage.Backend
	fail bool
}

func (f *failingBackend) PutRecord(ctx context.Context, e *storage.Entry) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.Backend.PutRecord(ctx, e)
}

func TestBackendFailureLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	inner, err := storage.NewSQLiteBackend(":memory:")
	require.NoError(t, err)
	defer inner.Close()
	backend := &failingBackend{Backend: inner}

	s := NewStore(access.MustGuard(access.DefaultPolicy), backend, Options{Clock: newFakeClock()})
	id := mustCreate(t, s, alice, "visit1", "v1")

	backend.fail = true
	_, err = s.Create(ctx, alice, "visit2", "v2")
	assert.Error(t, err)
	ok, err := s.Update(ctx, alice, id, "visit1", "v2")
	assert.Error(t, err)
	assert.False(t, ok)
	ok, err = s.Grant(ctx, alice, id, bob, models.LevelRead)
	assert.Error(t, err)
	assert.False(t, ok)

	assert.Equal(t, 1, s.Len())
	assert.Len(t, s.ListOwned(alice), 1)
	rec, _ := s.Get(alice, id)
	assert.Equal(t, "v1", rec.Data)
	_, ok = s.Get(bob, id)
	assert.False(t, ok)
}
