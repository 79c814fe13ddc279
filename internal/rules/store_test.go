package rules

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"execguard/internal/domain"
	"execguard/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var (
	hashA = strings.Repeat("a", 64)
	hashB = strings.Repeat("b", 64)
)

func TestStore_LookupMissing(t *testing.T) {
	s := NewStore(nil, testLogger())
	_, err := s.Lookup(domain.RuleTypeBinary, hashA)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = s.Lookup(domain.RuleTypeUnknown, hashA)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_UpsertNormalizesAndLooksUp(t *testing.T) {
	s := NewStore(nil, testLogger())
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, domain.Rule{
		Type: domain.RuleTypeBinary, State: domain.RuleStateAllow, Identifier: strings.ToUpper(hashA),
	}))
	require.NoError(t, s.Upsert(ctx, domain.Rule{
		Type: domain.RuleTypeTeamID, State: domain.RuleStateBlock, Identifier: "abcde12345",
	}))

	r, err := s.Lookup(domain.RuleTypeBinary, hashA)
	require.NoError(t, err)
	assert.Equal(t, domain.RuleStateAllow, r.State)
	assert.False(t, r.CreatedAt.IsZero())

	r, err = s.Lookup(domain.RuleTypeTeamID, "ABCDE12345")
	require.NoError(t, err)
	assert.Equal(t, domain.RuleStateBlock, r.State)
}

func TestStore_UpsertRejectsInvalid(t *testing.T) {
	s := NewStore(nil, testLogger())
	err := s.Upsert(context.Background(), domain.Rule{
		Type: domain.RuleTypeBinary, State: domain.RuleStateAllow, Identifier: "nothex",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidRule)
	assert.Empty(t, s.List(Filter{}))
}

func TestStore_RemoveStateDeletes(t *testing.T) {
	s := NewStore(nil, testLogger())
	ctx := context.Background()

	rule := domain.Rule{Type: domain.RuleTypeBinary, State: domain.RuleStateAllow, Identifier: hashA}
	require.NoError(t, s.Upsert(ctx, rule))

	rule.State = domain.RuleStateRemove
	require.NoError(t, s.Upsert(ctx, rule))
	_, err := s.Lookup(domain.RuleTypeBinary, hashA)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// Removing again is a no-op.
	require.NoError(t, s.Remove(ctx, domain.RuleTypeBinary, hashA))
}

func TestStore_SnapshotIsolation(t *testing.T) {
	s := NewStore(nil, testLogger())
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, domain.Rule{Type: domain.RuleTypeBinary, State: domain.RuleStateAllow, Identifier: hashA}))
	snap := s.Snapshot()

	require.NoError(t, s.Upsert(ctx, domain.Rule{Type: domain.RuleTypeBinary, State: domain.RuleStateBlock, Identifier: hashA}))
	require.NoError(t, s.Upsert(ctx, domain.Rule{Type: domain.RuleTypeBinary, State: domain.RuleStateAllow, Identifier: hashB}))

	r, err := snap.Lookup(domain.RuleTypeBinary, hashA)
	require.NoError(t, err)
	assert.Equal(t, domain.RuleStateAllow, r.State, "snapshot must not see later writes")
	_, err = snap.Lookup(domain.RuleTypeBinary, hashB)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	r, err = s.Lookup(domain.RuleTypeBinary, hashA)
	require.NoError(t, err)
	assert.Equal(t, domain.RuleStateBlock, r.State)
}

func TestStore_ListOrderAndFilter(t *testing.T) {
	s := NewStore(nil, testLogger())
	require.NoError(t, s.Apply(context.Background(), []domain.Rule{
		{Type: domain.RuleTypeTeamID, State: domain.RuleStateBlock, Identifier: "ZZZZZ12345"},
		{Type: domain.RuleTypeBinary, State: domain.RuleStateAllow, Identifier: hashB},
		{Type: domain.RuleTypeBinary, State: domain.RuleStateBlock, Identifier: hashA},
		{Type: domain.RuleTypeCDHash, State: domain.RuleStateAllow, Identifier: strings.Repeat("c", 40)},
	}))

	all := s.List(Filter{})
	require.Len(t, all, 4)
	assert.Equal(t, domain.RuleTypeCDHash, all[0].Type)
	assert.Equal(t, hashA, all[1].Identifier)
	assert.Equal(t, hashB, all[2].Identifier)
	assert.Equal(t, domain.RuleTypeTeamID, all[3].Type)

	blocks := s.List(Filter{State: domain.RuleStateBlock})
	assert.Len(t, blocks, 2)

	counts := s.Counts()
	assert.Equal(t, 2, counts[domain.RuleTypeBinary])
	assert.Equal(t, 0, counts[domain.RuleTypeSigningID])
}

func TestStore_CleanupNonTransitive(t *testing.T) {
	s := NewStore(nil, testLogger())
	ctx := context.Background()
	require.NoError(t, s.Apply(ctx, []domain.Rule{
		{Type: domain.RuleTypeBinary, State: domain.RuleStateAllowTransitive, Identifier: hashA},
		{Type: domain.RuleTypeBinary, State: domain.RuleStateAllow, Identifier: hashB},
		{Type: domain.RuleTypeTeamID, State: domain.RuleStateBlock, Identifier: "ABCDE12345"},
	}))

	n, err := s.Cleanup(ctx, domain.RuleCleanupNonTransitive)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	left := s.List(Filter{})
	require.Len(t, left, 1)
	assert.Equal(t, domain.RuleStateAllowTransitive, left[0].State)

	n, err = s.Cleanup(ctx, domain.RuleCleanupAll)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, s.List(Filter{}))
}

func TestStore_OnChange(t *testing.T) {
	s := NewStore(nil, testLogger())
	var calls atomic.Int32
	s.OnChange(func(changed []domain.Rule) {
		calls.Add(1)
		assert.Len(t, changed, 1)
	})
	require.NoError(t, s.Upsert(context.Background(), domain.Rule{Type: domain.RuleTypeBinary, State: domain.RuleStateAllow, Identifier: hashA}))
	assert.Equal(t, int32(1), calls.Load())
}

type failingPersister struct{}

func (failingPersister) SaveRules(context.Context, []domain.Rule) error { return errors.New("disk full") }
func (failingPersister) DeleteRules(context.Context, []domain.Rule) error {
	return errors.New("disk full")
}
func (failingPersister) LoadRules(context.Context) ([]domain.Rule, error) { return nil, nil }

func TestStore_PersistFailureLeavesMemoryUntouched(t *testing.T) {
	s := NewStore(failingPersister{}, testLogger())
	err := s.Upsert(context.Background(), domain.Rule{Type: domain.RuleTypeBinary, State: domain.RuleStateAllow, Identifier: hashA})
	require.Error(t, err)
	_, err = s.Lookup(domain.RuleTypeBinary, hashA)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_PersistAndReload(t *testing.T) {
	db, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "rules.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()

	s := NewStore(db, testLogger())
	require.NoError(t, s.Upsert(ctx, domain.Rule{Type: domain.RuleTypeBinary, State: domain.RuleStateSilentBlock, Identifier: hashA}))
	require.NoError(t, s.Upsert(ctx, domain.Rule{Type: domain.RuleTypeTeamID, State: domain.RuleStateAllow, Identifier: "ABCDE12345"}))
	require.NoError(t, s.Remove(ctx, domain.RuleTypeTeamID, "ABCDE12345"))

	reloaded := NewStore(db, testLogger())
	require.NoError(t, reloaded.Load(ctx))

	r, err := reloaded.Lookup(domain.RuleTypeBinary, hashA)
	require.NoError(t, err)
	assert.Equal(t, domain.RuleStateSilentBlock, r.State)
	_, err = reloaded.Lookup(domain.RuleTypeTeamID, "ABCDE12345")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_ConcurrentReadersDuringWrites(t *testing.T) {
	s := NewStore(nil, testLogger())
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, domain.Rule{Type: domain.RuleTypeBinary, State: domain.RuleStateAllow, Identifier: hashA}))

	var g errgroup.Group
	g.Go(func() error {
		for i := 0; i < 200; i++ {
			state := domain.RuleStateAllow
			if i%2 == 0 {
				state = domain.RuleStateBlock
			}
			if err := s.Upsert(ctx, domain.Rule{Type: domain.RuleTypeBinary, State: state, Identifier: hashA}); err != nil {
				return err
			}
		}
		return nil
	})
	for w := 0; w < 8; w++ {
		g.Go(func() error {
			for i := 0; i < 500; i++ {
				r, err := s.Lookup(domain.RuleTypeBinary, hashA)
				if err != nil {
					return err
				}
				if r.State != domain.RuleStateAllow && r.State != domain.RuleStateBlock {
					return errors.New("torn rule observed")
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}
