// Package history persists action records, the duplicate-action ledger,
// channel summaries and short-term memory snapshots in SQLite.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotScheduled is returned when completing an action that is not in the
// scheduled state.
var ErrNotScheduled = errors.New("history: action is not scheduled")

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open history db: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error {
	return s.db.Close()
}

// RecordAction inserts a new action record. ActionID must be unique.
func (s *Store) RecordAction(ctx context.Context, rec *ActionRecord) error {
	if rec.ActionID == "" {
		return errors.New("history: action id is required")
	}
	params, err := json.Marshal(rec.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	var runAt sql.NullInt64
	if rec.RunAt != nil {
		runAt = sql.NullInt64{Int64: rec.RunAt.UnixMilli(), Valid: true}
	}
	var finishedAt sql.NullTime
	if rec.FinishedAt != nil {
		finishedAt = sql.NullTime{Time: rec.FinishedAt.UTC(), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO action_records (action_id, capability, parameters, status, message,
			error_kind, error_text, channel, turn_id, trace_id, context, run_at_ms,
			started_at, finished_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ActionID, rec.Capability, string(params), rec.Status, rec.Message,
		rec.ErrorKind, rec.ErrorText, rec.Channel, rec.TurnID, rec.TraceID, string(rec.Context), runAt,
		rec.StartedAt.UTC(), finishedAt, rec.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("insert action record: %w", err)
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

// CompleteScheduled performs the single permitted mutation of an action
// record: scheduled -> success/failure.
func (s *Store) CompleteScheduled(ctx context.Context, rec *ActionRecord) error {
	if rec.Status != StatusSuccess && rec.Status != StatusFailure {
		return fmt.Errorf("history: invalid completion status %q", rec.Status)
	}
	finished := time.Now()
	if rec.FinishedAt != nil {
		finished = *rec.FinishedAt
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE action_records
		SET status = ?, message = ?, error_kind = ?, error_text = ?, finished_at = ?, duration_ms = ?
		WHERE action_id = ? AND status = ?`,
		rec.Status, rec.Message, rec.ErrorKind, rec.ErrorText, finished.UTC(), rec.DurationMs,
		rec.ActionID, StatusScheduled,
	)
	if err != nil {
		return fmt.Errorf("complete scheduled action: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotScheduled
	}
	return nil
}

const actionColumns = `id, action_id, capability, parameters, status, COALESCE(message,''),
	COALESCE(error_kind,''), COALESCE(error_text,''), COALESCE(channel,''), COALESCE(turn_id,''),
	COALESCE(trace_id,''), COALESCE(context,''), run_at_ms, started_at, finished_at, duration_ms, created_at`

// GetAction returns the record for actionID, or nil when not found.
func (s *Store) GetAction(ctx context.Context, actionID string) (*ActionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+actionColumns+` FROM action_records WHERE action_id = ?`, actionID)
	if err != nil {
		return nil, fmt.Errorf("get action: %w", err)
	}
	recs, err := scanActions(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

// ListActions returns records newest first.
func (s *Store) ListActions(ctx context.Context, filter ActionFilter) ([]ActionRecord, error) {
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Channel != "" {
		where = append(where, "channel = ?")
		args = append(args, filter.Channel)
	}
	if filter.Capability != "" {
		where = append(where, "capability = ?")
		args = append(args, filter.Capability)
	}
	query := `SELECT ` + actionColumns + ` FROM action_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	return scanActions(rows)
}

// ListDue returns scheduled actions whose run time is at or before now,
// oldest first.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]ActionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+actionColumns+` FROM action_records
		WHERE status = ? AND run_at_ms IS NOT NULL AND run_at_ms <= ?
		ORDER BY run_at_ms ASC, id ASC LIMIT ?`,
		StatusScheduled, now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("list due actions: %w", err)
	}
	return scanActions(rows)
}

func scanActions(rows *sql.Rows) ([]ActionRecord, error) {
	defer rows.Close()
	var out []ActionRecord
	for rows.Next() {
		var r ActionRecord
		var params, actx string
		var runAt sql.NullInt64
		var finishedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.ActionID, &r.Capability, &params, &r.Status, &r.Message,
			&r.ErrorKind, &r.ErrorText, &r.Channel, &r.TurnID,
			&r.TraceID, &actx, &runAt, &r.StartedAt, &finishedAt, &r.DurationMs, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		if params != "" && params != "null" {
			_ = json.Unmarshal([]byte(params), &r.Parameters)
		}
		if actx != "" {
			r.Context = json.RawMessage(actx)
		}
		if runAt.Valid {
			t := time.UnixMilli(runAt.Int64)
			r.RunAt = &t
		}
		if finishedAt.Valid {
			r.FinishedAt = &finishedAt.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountByStatus returns the number of records per status.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM action_records GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count actions: %w", err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// HasEffect reports whether action has already been done for target.
func (s *Store) HasEffect(ctx context.Context, action, target string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM effects WHERE action = ? AND target = ?`, action, target).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup effect: %w", err)
	}
	return n > 0, nil
}

// RecordEffect marks action as done for target. Recording an existing effect
// is a no-op.
func (s *Store) RecordEffect(ctx context.Context, e Effect) error {
	if e.Source == "" {
		e.Source = EffectSourceLocal
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO effects (action, target, action_id, source, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(action, target) DO NOTHING`,
		e.Action, e.Target, e.ActionID, e.Source, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record effect: %w", err)
	}
	return nil
}

// GetSummary returns the channel summary, or "" when none exists.
func (s *Store) GetSummary(ctx context.Context, channel string) (string, error) {
	var summary string
	err := s.db.QueryRowContext(ctx, `SELECT summary FROM summaries WHERE channel = ?`, channel).Scan(&summary)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get summary: %w", err)
	}
	return summary, nil
}

func (s *Store) SaveSummary(ctx context.Context, channel, summary string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO summaries (channel, summary, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(channel) DO UPDATE SET summary = excluded.summary, updated_at = excluded.updated_at`,
		channel, summary, time.Now().UTC())
	return err
}

func (s *Store) SaveMemorySnapshot(ctx context.Context, snap MemorySnapshot) error {
	entries := string(snap.Entries)
	if entries == "" {
		entries = "[]"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_snapshots (channel, entries, turns_since_summary, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(channel) DO UPDATE SET entries = excluded.entries,
			turns_since_summary = excluded.turns_since_summary, updated_at = excluded.updated_at`,
		snap.Channel, entries, snap.TurnsSinceSummary, time.Now().UTC())
	return err
}

// LoadMemorySnapshots returns every persisted short-term memory.
func (s *Store) LoadMemorySnapshots(ctx context.Context) ([]MemorySnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT channel, entries, turns_since_summary, updated_at FROM memory_snapshots ORDER BY channel`)
	if err != nil {
		return nil, fmt.Errorf("load memory snapshots: %w", err)
	}
	defer rows.Close()
	var out []MemorySnapshot
	for rows.Next() {
		var snap MemorySnapshot
		var entries string
		if err := rows.Scan(&snap.Channel, &entries, &snap.TurnsSinceSummary, &snap.UpdatedAt); err != nil {
			return nil, err
		}
		snap.Entries = json.RawMessage(entries)
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *Store) GetSetting(key string) (string, error) {
	var val string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&val)
	if err != nil {
		return "", err
	}
	return val, nil
}

func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, datetime('now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value)
	return err
}
