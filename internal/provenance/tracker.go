// Package provenance tracks files written by trusted compilers so they can be
// granted transitive trust.
package provenance

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"execguard/internal/domain"
)

// State is the resolution state of a written file.
type State int

const (
	StateNone State = iota
	StatePending
	StateConfirmed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConfirmed:
		return "confirmed"
	default:
		return "none"
	}
}

// Record is one tracked output file.
type Record struct {
	Hash      string
	Compiler  string
	State     State
	UpdatedAt time.Time
}

// Source answers provenance questions for the evaluator.
type Source interface {
	Lookup(hash string) State
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]Record
	logger  *slog.Logger
	now     func() time.Time

	hmu       sync.RWMutex
	onConfirm []func(Record)
	onReject  []func(Record)
}

func NewTracker(logger *slog.Logger) *Tracker {
	return &Tracker{
		records: make(map[string]Record),
		logger:  logger,
		now:     time.Now,
	}
}

// RecordWrite marks hash as written by compiler and pending confirmation.
// A confirmed record is left alone.
func (t *Tracker) RecordWrite(hash, compiler string) {
	hash = domain.NormalizeIdentifier(domain.RuleTypeBinary, hash)
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.records[hash]; ok && r.State == StateConfirmed {
		return
	}
	t.records[hash] = Record{Hash: hash, Compiler: compiler, State: StatePending, UpdatedAt: t.now()}
	t.logger.Debug("compiler output recorded", "sha256", hash, "compiler", compiler)
}

// Confirm resolves a pending record. Hooks run after the record is updated.
func (t *Tracker) Confirm(hash string) error {
	hash = domain.NormalizeIdentifier(domain.RuleTypeBinary, hash)
	t.mu.Lock()
	r, ok := t.records[hash]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: no provenance record for %s", domain.ErrNotFound, hash)
	}
	alreadyConfirmed := r.State == StateConfirmed
	r.State = StateConfirmed
	r.UpdatedAt = t.now()
	t.records[hash] = r
	t.mu.Unlock()

	if alreadyConfirmed {
		return nil
	}
	t.logger.Info("transitive provenance confirmed", "sha256", hash, "compiler", r.Compiler)
	t.hmu.RLock()
	hooks := append([]func(Record){}, t.onConfirm...)
	t.hmu.RUnlock()
	for _, fn := range hooks {
		fn(r)
	}
	return nil
}

// Reject drops the record for hash.
func (t *Tracker) Reject(hash string) error {
	hash = domain.NormalizeIdentifier(domain.RuleTypeBinary, hash)
	t.mu.Lock()
	r, ok := t.records[hash]
	if ok {
		delete(t.records, hash)
	}
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no provenance record for %s", domain.ErrNotFound, hash)
	}

	t.logger.Info("transitive provenance rejected", "sha256", hash, "compiler", r.Compiler)
	t.rejected(r)
	return nil
}

func (t *Tracker) rejected(records ...Record) {
	t.hmu.RLock()
	hooks := append([]func(Record){}, t.onReject...)
	t.hmu.RUnlock()
	for _, r := range records {
		for _, fn := range hooks {
			fn(r)
		}
	}
}

func (t *Tracker) Lookup(hash string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.records[domain.NormalizeIdentifier(domain.RuleTypeBinary, hash)].State
}

// OnConfirm registers fn to run when a record is confirmed.
func (t *Tracker) OnConfirm(fn func(Record)) {
	t.hmu.Lock()
	defer t.hmu.Unlock()
	t.onConfirm = append(t.onConfirm, fn)
}

// OnReject registers fn to run when a record is rejected.
func (t *Tracker) OnReject(fn func(Record)) {
	t.hmu.Lock()
	defer t.hmu.Unlock()
	t.onReject = append(t.onReject, fn)
}

// Prune drops pending records older than maxAge and returns how many were
// dropped. Confirmed records are kept. Dropped records are reported to the
// reject hooks.
func (t *Tracker) Prune(maxAge time.Duration) int {
	cutoff := t.now().Add(-maxAge)
	var expired []Record
	t.mu.Lock()
	for h, r := range t.records {
		if r.State == StatePending && r.UpdatedAt.Before(cutoff) {
			delete(t.records, h)
			expired = append(expired, r)
		}
	}
	t.mu.Unlock()

	t.rejected(expired...)
	return len(expired)
}

// Counts returns the number of pending and confirmed records.
func (t *Tracker) Counts() (pending, confirmed int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, r := range t.records {
		if r.State == StateConfirmed {
			confirmed++
		} else {
			pending++
		}
	}
	return pending, confirmed
}

// Snapshot copies the current records.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := make(Snapshot, len(t.records))
	for h, r := range t.records {
		s[h] = r.State
	}
	return s
}

// Snapshot is an immutable view of a Tracker.
type Snapshot map[string]State

func (s Snapshot) Lookup(hash string) State {
	return s[domain.NormalizeIdentifier(domain.RuleTypeBinary, hash)]
}
