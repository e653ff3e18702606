// Package audit keeps the hash-chained ledger of state-changing actions.
//
// Each event stores the hash of its predecessor (or Genesis for the first),
// and its own hash covers its fields plus that link, so editing, deleting or
// reordering any stored event is detected by Verify.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/basket/ontoti/internal/persistence"
	"github.com/basket/ontoti/internal/shared"
)

// Genesis is the prev_hash of the first event in a chain.
const Genesis = "GENESIS"

// Results recorded by the runtime.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultBlocked = "blocked"
)

// Store is the persistence surface the ledger needs.
type Store interface {
	AppendAuditEvent(ctx context.Context, build func(prevHash string) persistence.AuditEvent) (persistence.AuditEvent, error)
	ListAuditEvents(ctx context.Context) ([]persistence.AuditEvent, error)
	RecentAuditEvents(ctx context.Context, limit int) ([]persistence.AuditEvent, error)
}

type Config struct {
	Store Store
	// MirrorDir, when set, receives a logs/audit.jsonl copy of every event.
	MirrorDir string
	Logger    *slog.Logger
	Now       func() time.Time
}

// Ledger appends and verifies audit events. The store links each event to
// the tail inside one write transaction; mu only orders mirror writes.
type Ledger struct {
	mu     sync.Mutex
	store  Store
	mirror *os.File
	logger *slog.Logger
	now    func() time.Time
}

func New(cfg Config) (*Ledger, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("audit: store is required")
	}
	l := &Ledger{store: cfg.Store, logger: cfg.Logger, now: cfg.Now}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.now == nil {
		l.now = time.Now
	}
	if cfg.MirrorDir != "" {
		logDir := filepath.Join(cfg.MirrorDir, "logs")
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, fmt.Errorf("audit: create mirror dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("audit: open mirror: %w", err)
		}
		l.mirror = f
	}
	return l, nil
}

func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.mirror == nil {
		return nil
	}
	err := l.mirror.Close()
	l.mirror = nil
	return err
}

// HashEvent returns the hex SHA-256 of the pipe-joined event fields.
func HashEvent(timestamp, actor, action, payload, result, prevHash string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{timestamp, actor, action, payload, result, prevHash}, "|")))
	return hex.EncodeToString(sum[:])
}

// Append records one event. payload is JSON-encoded (map keys sorted) and
// secret-redacted before it is hashed.
func (l *Ledger) Append(ctx context.Context, actor, action string, payload any, result string) (persistence.AuditEvent, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return persistence.AuditEvent{}, fmt.Errorf("audit: encode payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ts := l.now().UTC().Format(time.RFC3339Nano)
	redacted := shared.Redact(string(raw))
	ev, err := l.store.AppendAuditEvent(ctx, func(prev string) persistence.AuditEvent {
		if prev == "" {
			prev = Genesis
		}
		return persistence.AuditEvent{
			Timestamp: ts,
			Actor:     actor,
			Action:    action,
			Payload:   redacted,
			Result:    result,
			PrevHash:  prev,
			EventHash: HashEvent(ts, actor, action, redacted, result, prev),
		}
	})
	if err != nil {
		return persistence.AuditEvent{}, fmt.Errorf("audit: %w", err)
	}
	l.writeMirror(ev)
	l.logger.DebugContext(ctx, "audit: appended", "id", ev.ID, "actor", actor, "action", action, "result", result)
	return ev, nil
}

func (l *Ledger) writeMirror(ev persistence.AuditEvent) {
	if l.mirror == nil {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if _, err := l.mirror.Write(append(b, '\n')); err != nil {
		l.logger.Warn("audit: mirror write failed", "error", err)
	}
}

// VerifyResult is the outcome of walking the chain. On success Count holds
// the number of events; on failure BrokenAt holds the first bad id.
type VerifyResult struct {
	OK       bool  `json:"ok"`
	Count    int   `json:"count,omitempty"`
	BrokenAt int64 `json:"broken_at,omitempty"`
}

// IntegrityError reports a broken chain. It is never repaired automatically.
type IntegrityError struct {
	BrokenAt int64
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("audit chain broken at event %d", e.BrokenAt)
}

// Err returns an *IntegrityError when the chain did not verify.
func (r VerifyResult) Err() error {
	if r.OK {
		return nil
	}
	return &IntegrityError{BrokenAt: r.BrokenAt}
}

// Verify recomputes every hash in insertion order and checks each link.
func (l *Ledger) Verify(ctx context.Context) (VerifyResult, error) {
	events, err := l.store.ListAuditEvents(ctx)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("audit: %w", err)
	}
	return VerifyChain(events), nil
}

// VerifyChain checks events, which must be in insertion order.
func VerifyChain(events []persistence.AuditEvent) VerifyResult {
	prev := Genesis
	for _, ev := range events {
		if ev.PrevHash != prev {
			return VerifyResult{BrokenAt: ev.ID}
		}
		if HashEvent(ev.Timestamp, ev.Actor, ev.Action, ev.Payload, ev.Result, ev.PrevHash) != ev.EventHash {
			return VerifyResult{BrokenAt: ev.ID}
		}
		prev = ev.EventHash
	}
	return VerifyResult{OK: true, Count: len(events)}
}

// Recent returns up to limit events, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]persistence.AuditEvent, error) {
	events, err := l.store.RecentAuditEvents(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	return events, nil
}
