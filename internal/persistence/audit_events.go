package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// AuditEvent is one stored row of the audit chain. Timestamp and Payload are
// kept as the exact strings that were hashed.
type AuditEvent struct {
	ID        int64  `json:"id"`
	Timestamp string `json:"timestamp"`
	Actor     string `json:"actor"`
	Action    string `json:"action"`
	Payload   string `json:"payload"`
	Result    string `json:"result"`
	PrevHash  string `json:"prev_hash"`
	EventHash string `json:"event_hash"`
}

const auditColumns = `id, timestamp, actor, action, payload, result, prev_hash, event_hash`

// LastAuditHash returns the event_hash of the newest event, or "" when the
// chain is empty.
func (s *Store) LastAuditHash(ctx context.Context) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT event_hash FROM audit_events ORDER BY id DESC LIMIT 1;`).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read audit tail: %w", err)
	}
	return hash, nil
}

// AppendAuditEvent reads the chain tail and inserts the event built from it
// in one write transaction, so appenders in different processes sharing the
// database file cannot link two events to the same predecessor. build
// receives the tail's event_hash, or "" for an empty chain, and must fill in
// both hashes.
func (s *Store) AppendAuditEvent(ctx context.Context, build func(prevHash string) AuditEvent) (AuditEvent, error) {
	var ev AuditEvent
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var prev string
		err = tx.QueryRowContext(ctx, `SELECT event_hash FROM audit_events ORDER BY id DESC LIMIT 1;`).Scan(&prev)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		ev = build(prev)
		res, err := tx.ExecContext(ctx, `
			INSERT INTO audit_events (timestamp, actor, action, payload, result, prev_hash, event_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, ev.Timestamp, ev.Actor, ev.Action, ev.Payload, ev.Result, ev.PrevHash, ev.EventHash)
		if err != nil {
			return err
		}
		if ev.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return AuditEvent{}, fmt.Errorf("append audit event: %w", err)
	}
	return ev, nil
}

// InsertAuditEvent writes ev verbatim and returns its assigned id. It does
// not link ev to the tail; AppendAuditEvent does.
func (s *Store) InsertAuditEvent(ctx context.Context, ev AuditEvent) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO audit_events (timestamp, actor, action, payload, result, prev_hash, event_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, ev.Timestamp, ev.Actor, ev.Action, ev.Payload, ev.Result, ev.PrevHash, ev.EventHash)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("insert audit event: %w", err)
	}
	return id, nil
}

// ListAuditEvents returns the whole chain in insertion order.
func (s *Store) ListAuditEvents(ctx context.Context) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+auditColumns+` FROM audit_events ORDER BY id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return scanAuditRows(rows)
}

// RecentAuditEvents returns up to limit events, newest first.
func (s *Store) RecentAuditEvents(ctx context.Context, limit int) ([]AuditEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+auditColumns+` FROM audit_events ORDER BY id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent audit events: %w", err)
	}
	return scanAuditRows(rows)
}

func scanAuditRows(rows *sql.Rows) ([]AuditEvent, error) {
	defer rows.Close()
	var out []AuditEvent
	for rows.Next() {
		var ev AuditEvent
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.Actor, &ev.Action, &ev.Payload, &ev.Result, &ev.PrevHash, &ev.EventHash); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit rows: %w", err)
	}
	return out, nil
}
