package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

type Session struct {
	ID          string    `json:"session_id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
	LastActive  time.Time `json:"last_active"`
}

// Interaction is one user input and the reply it produced.
type Interaction struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	TaskID    string    `json:"task_id,omitempty"`
	UserText  string    `json:"user_text"`
	BotText   string    `json:"bot_text,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TouchSession creates the session on first use and bumps last_active.
func (s *Store) TouchSession(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("touch session: empty session_id")
	}
	return retryOnBusy(ctx, 5, func() error {
		return touchSession(ctx, s.db, sessionID, nowUTC())
	})
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func touchSession(ctx context.Context, db execer, sessionID string, now time.Time) error {
	if _, err := db.ExecContext(ctx, `
		INSERT INTO sessions (id, display_name, created_at, last_active)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_active = excluded.last_active;
	`, sessionID, sessionID, now, now); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// RecordInteraction stores one exchange and touches its session in the same
// transaction.
func (s *Store) RecordInteraction(ctx context.Context, in Interaction) (int64, error) {
	in.SessionID = strings.TrimSpace(in.SessionID)
	if in.SessionID == "" {
		return 0, fmt.Errorf("record interaction: empty session_id")
	}
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		now := nowUTC()
		if err := touchSession(ctx, tx, in.SessionID, now); err != nil {
			return err
		}
		var bot any
		if in.BotText != "" {
			bot = in.BotText
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO interactions (session_id, task_id, user_text, bot_text, created_at)
			VALUES (?, ?, ?, ?, ?);
		`, in.SessionID, in.TaskID, in.UserText, bot, now)
		if err != nil {
			return err
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, fmt.Errorf("record interaction: %w", err)
	}
	return id, nil
}

// RecentInteractions returns up to limit interactions, newest first. An
// empty sessionID spans all sessions.
func (s *Store) RecentInteractions(ctx context.Context, sessionID string, limit int) ([]Interaction, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if sessionID != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, session_id, task_id, user_text, COALESCE(bot_text, ''), created_at
			FROM interactions WHERE session_id = ?
			ORDER BY id DESC LIMIT ?;
		`, sessionID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, session_id, task_id, user_text, COALESCE(bot_text, ''), created_at
			FROM interactions
			ORDER BY id DESC LIMIT ?;
		`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query interactions: %w", err)
	}
	defer rows.Close()

	var out []Interaction
	for rows.Next() {
		var in Interaction
		if err := rows.Scan(&in.ID, &in.SessionID, &in.TaskID, &in.UserText, &in.BotText, &in.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("interaction rows: %w", err)
	}
	return out, nil
}

// ListSessions returns sessions ordered by most recent activity.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, created_at, last_active
		FROM sessions
		ORDER BY last_active DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.DisplayName, &sess.CreatedAt, &sess.LastActive); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sessions rows: %w", err)
	}
	return out, nil
}
