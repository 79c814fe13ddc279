package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"execguard/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists rules and decision events.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// DB exposes the underlying handle for diagnostics.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// SaveRules upserts rules in one transaction.
func (s *SQLiteStore) SaveRules(ctx context.Context, rules []domain.Rule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO rules (type, identifier, state, custom_msg, cel_expr, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(type, identifier) DO UPDATE SET
		   state=excluded.state, custom_msg=excluded.custom_msg, cel_expr=excluded.cel_expr`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, r := range rules {
		created := r.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := stmt.ExecContext(ctx, int(r.Type), r.Identifier, int(r.State), r.CustomMsg, r.CELExpr, created); err != nil {
			tx.Rollback()
			return fmt.Errorf("save %s rule %s: %w", r.Type, r.Identifier, err)
		}
	}
	return tx.Commit()
}

// DeleteRules removes the rules matching each (type, identifier) pair.
func (s *SQLiteStore) DeleteRules(ctx context.Context, rules []domain.Rule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	for _, r := range rules {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM rules WHERE type = ? AND identifier = ?`, int(r.Type), r.Identifier,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("delete %s rule %s: %w", r.Type, r.Identifier, err)
		}
	}
	return tx.Commit()
}

// LoadRules returns every persisted rule.
func (s *SQLiteStore) LoadRules(ctx context.Context) ([]domain.Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT type, identifier, state, custom_msg, cel_expr, created_at FROM rules ORDER BY type, identifier`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []domain.Rule
	for rows.Next() {
		var r domain.Rule
		var typ, state int
		var msg, expr sql.NullString
		if err := rows.Scan(&typ, &r.Identifier, &state, &msg, &expr, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Type = domain.RuleType(typ)
		r.State = domain.RuleState(state)
		r.CustomMsg = msg.String
		r.CELExpr = expr.String
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// EventRecord is one persisted decision.
type EventRecord struct {
	ID         int64
	RequestID  string
	PID        int
	Path       string
	SHA256     string
	SigningID  string
	TeamID     string
	Mode       string
	Action     string
	EventState domain.EventState
	Silent     bool
	CreatedAt  time.Time
}

func (s *SQLiteStore) InsertEvent(ctx context.Context, ev EventRecord) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (request_id, pid, path, sha256, signing_id, team_id, mode, action, event_state, silent, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.RequestID, ev.PID, ev.Path, ev.SHA256, ev.SigningID, ev.TeamID, ev.Mode, ev.Action,
		int64(ev.EventState), ev.Silent, ev.CreatedAt,
	)
	return err
}

// RecentEvents returns the newest events first.
func (s *SQLiteStore) RecentEvents(ctx context.Context, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, pid, path, sha256, signing_id, team_id, mode, action, event_state, silent, created_at
		 FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRecord
	for rows.Next() {
		var ev EventRecord
		var state int64
		var requestID, signingID, teamID sql.NullString
		if err := rows.Scan(&ev.ID, &requestID, &ev.PID, &ev.Path, &ev.SHA256, &signingID, &teamID,
			&ev.Mode, &ev.Action, &state, &ev.Silent, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.RequestID = requestID.String
		ev.SigningID = signingID.String
		ev.TeamID = teamID.String
		ev.EventState = domain.EventState(uint64(state))
		events = append(events, ev)
	}
	return events, rows.Err()
}

// PruneEvents deletes events older than the retention window.
func (s *SQLiteStore) PruneEvents(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, time.Now().Add(-retention))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isDuplicateError reports errors SQLite raises when a migration step was
// already applied.
func isDuplicateError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}
