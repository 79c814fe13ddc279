// Package rules holds the in-memory rule table used for decisions, backed by
// an optional persister.
//
// Reads never take a lock: each rule type keeps an immutable map behind an
// atomic pointer, and writers publish a fresh copy. A lookup therefore sees
// either the old or the new rule for a key, never a partial record, and
// administrative writes never stall in-flight decisions.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"execguard/internal/domain"
)

// Persister stores rules durably. storage.SQLiteStore implements it.
type Persister interface {
	SaveRules(ctx context.Context, rules []domain.Rule) error
	DeleteRules(ctx context.Context, rules []domain.Rule) error
	LoadRules(ctx context.Context) ([]domain.Rule, error)
}

type table map[string]domain.Rule

// Store is the authoritative rule set.
type Store struct {
	tables map[domain.RuleType]*atomic.Pointer[table]

	// wmu serializes writers; readers never touch it.
	wmu       sync.Mutex
	persister Persister
	logger    *slog.Logger

	lmu       sync.RWMutex
	listeners []func([]domain.Rule)
}

// NewStore creates an empty store. persister may be nil for a memory-only
// store.
func NewStore(persister Persister, logger *slog.Logger) *Store {
	s := &Store{
		tables:    make(map[domain.RuleType]*atomic.Pointer[table], len(domain.RulePrecedence)),
		persister: persister,
		logger:    logger,
	}
	for _, t := range domain.RulePrecedence {
		p := &atomic.Pointer[table]{}
		empty := table{}
		p.Store(&empty)
		s.tables[t] = p
	}
	return s
}

// Load replaces the in-memory rules with the persisted ones.
func (s *Store) Load(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	rules, err := s.persister.LoadRules(ctx)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	fresh := make(map[domain.RuleType]table, len(s.tables))
	for t := range s.tables {
		fresh[t] = table{}
	}
	skipped := 0
	for _, r := range rules {
		tbl, ok := fresh[r.Type]
		if !ok || r.State == domain.RuleStateRemove {
			skipped++
			continue
		}
		tbl[r.Identifier] = r
	}
	for t, tbl := range fresh {
		tbl := tbl
		s.tables[t].Store(&tbl)
	}
	s.logger.Info("rules loaded", "count", len(rules)-skipped, "skipped", skipped)
	return nil
}

// Lookup returns the rule for (t, identifier), or domain.ErrNotFound.
func (s *Store) Lookup(t domain.RuleType, identifier string) (domain.Rule, error) {
	p, ok := s.tables[t]
	if !ok {
		return domain.Rule{}, domain.ErrNotFound
	}
	r, ok := (*p.Load())[domain.NormalizeIdentifier(t, identifier)]
	if !ok {
		return domain.Rule{}, domain.ErrNotFound
	}
	return r, nil
}

// Upsert adds or replaces a single rule. A rule in the Remove state deletes
// the key instead.
func (s *Store) Upsert(ctx context.Context, r domain.Rule) error {
	return s.Apply(ctx, []domain.Rule{r})
}

// Remove deletes the rule for (t, identifier). Removing a missing rule is not
// an error.
func (s *Store) Remove(ctx context.Context, t domain.RuleType, identifier string) error {
	return s.Apply(ctx, []domain.Rule{{Type: t, State: domain.RuleStateRemove, Identifier: identifier}})
}

// Apply validates and applies a batch of rules atomically per rule type. The
// batch is persisted before it becomes visible to lookups.
func (s *Store) Apply(ctx context.Context, batch []domain.Rule) error {
	if len(batch) == 0 {
		return nil
	}

	type key struct {
		t  domain.RuleType
		id string
	}
	// The last entry for a key wins.
	final := make(map[key]int, len(batch))
	normalized := make([]domain.Rule, 0, len(batch))
	now := time.Now()
	for _, r := range batch {
		r.Identifier = domain.NormalizeIdentifier(r.Type, r.Identifier)
		if r.State == domain.RuleStateRemove {
			if _, ok := s.tables[r.Type]; !ok {
				return fmt.Errorf("%w: unknown rule type %d", domain.ErrInvalidRule, r.Type)
			}
		} else if err := r.Validate(); err != nil {
			return err
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		k := key{r.Type, r.Identifier}
		if i, ok := final[k]; ok {
			normalized[i] = r
			continue
		}
		final[k] = len(normalized)
		normalized = append(normalized, r)
	}

	var upserts, removes []domain.Rule
	for _, r := range normalized {
		if r.State == domain.RuleStateRemove {
			removes = append(removes, r)
		} else {
			upserts = append(upserts, r)
		}
	}

	if err := s.publish(ctx, normalized, upserts, removes); err != nil {
		return err
	}
	s.logger.Debug("rules applied", "upserts", len(upserts), "removes", len(removes))
	s.notify(normalized)
	return nil
}

// publish persists the batch and swaps in the new tables. Listeners run after
// the writer lock is released so they may write rules themselves.
func (s *Store) publish(ctx context.Context, normalized, upserts, removes []domain.Rule) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if s.persister != nil {
		if len(upserts) > 0 {
			if err := s.persister.SaveRules(ctx, upserts); err != nil {
				return fmt.Errorf("persist rules: %w", err)
			}
		}
		if len(removes) > 0 {
			if err := s.persister.DeleteRules(ctx, removes); err != nil {
				return fmt.Errorf("delete rules: %w", err)
			}
		}
	}

	byType := make(map[domain.RuleType][]domain.Rule)
	for _, r := range normalized {
		byType[r.Type] = append(byType[r.Type], r)
	}
	for t, rs := range byType {
		p := s.tables[t]
		cur := *p.Load()
		next := make(table, len(cur)+len(rs))
		for k, v := range cur {
			next[k] = v
		}
		for _, r := range rs {
			if r.State == domain.RuleStateRemove {
				delete(next, r.Identifier)
			} else {
				next[r.Identifier] = r
			}
		}
		p.Store(&next)
	}
	return nil
}

// Cleanup removes rules ahead of a clean sync.
func (s *Store) Cleanup(ctx context.Context, mode domain.RuleCleanup) (int, error) {
	if mode == domain.RuleCleanupNone {
		return 0, nil
	}
	var doomed []domain.Rule
	for _, r := range s.List(Filter{}) {
		if mode == domain.RuleCleanupNonTransitive && r.State == domain.RuleStateAllowTransitive {
			continue
		}
		r.State = domain.RuleStateRemove
		doomed = append(doomed, r)
	}
	if err := s.Apply(ctx, doomed); err != nil {
		return 0, err
	}
	return len(doomed), nil
}

// OnChange registers fn to run after every applied batch.
func (s *Store) OnChange(fn func([]domain.Rule)) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) notify(changed []domain.Rule) {
	s.lmu.RLock()
	listeners := append([]func([]domain.Rule){}, s.listeners...)
	s.lmu.RUnlock()
	for _, fn := range listeners {
		fn(changed)
	}
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Type  domain.RuleType
	State domain.RuleState
}

// List returns matching rules ordered by precedence, then identifier.
func (s *Store) List(f Filter) []domain.Rule {
	var out []domain.Rule
	for _, t := range domain.RulePrecedence {
		if f.Type != domain.RuleTypeUnknown && f.Type != t {
			continue
		}
		for _, r := range *s.tables[t].Load() {
			if f.State != domain.RuleStateUnknown && f.State != r.State {
				continue
			}
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].Type.Precedence(), out[j].Type.Precedence()
		if pi != pj {
			return pi < pj
		}
		return out[i].Identifier < out[j].Identifier
	})
	return out
}

// Counts returns the number of rules per type.
func (s *Store) Counts() map[domain.RuleType]int {
	counts := make(map[domain.RuleType]int, len(s.tables))
	for t, p := range s.tables {
		counts[t] = len(*p.Load())
	}
	return counts
}

// Snapshot captures the current rule set. Later writes are not visible
// through it.
func (s *Store) Snapshot() Snapshot {
	snap := Snapshot{tables: make(map[domain.RuleType]table, len(s.tables))}
	for t, p := range s.tables {
		snap.tables[t] = *p.Load()
	}
	return snap
}

// Snapshot is an immutable, point-in-time view of a Store.
type Snapshot struct {
	tables map[domain.RuleType]table
}

func (s Snapshot) Lookup(t domain.RuleType, identifier string) (domain.Rule, error) {
	r, ok := s.tables[t][domain.NormalizeIdentifier(t, identifier)]
	if !ok {
		return domain.Rule{}, domain.ErrNotFound
	}
	return r, nil
}
