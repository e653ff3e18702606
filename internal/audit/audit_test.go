package audit_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/basket/ontoti/internal/audit"
	"github.com/basket/ontoti/internal/persistence"
)

func openLedger(t *testing.T) (*audit.Ledger, *persistence.Store, string) {
	t.Helper()
	home := t.TempDir()
	store, err := persistence.Open(filepath.Join(home, "ontoti.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ledger, err := audit.New(audit.Config{Store: store, MirrorDir: home})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	t.Cleanup(func() { _ = ledger.Close() })
	return ledger, store, home
}

func TestLedger_VerifyCountsAppends(t *testing.T) {
	ledger, _, _ := openLedger(t)
	ctx := context.Background()

	res, err := ledger.Verify(ctx)
	if err != nil {
		t.Fatalf("verify empty: %v", err)
	}
	if !res.OK || res.Count != 0 {
		t.Fatalf("expected ok empty chain, got %+v", res)
	}

	for i := 0; i < 7; i++ {
		if _, err := ledger.Append(ctx, "orchestrator", "process_message", map[string]any{"i": i}, audit.ResultOK); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	res, err = ledger.Verify(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.OK || res.Count != 7 {
		t.Fatalf("expected ok count=7, got %+v", res)
	}
	if res.Err() != nil {
		t.Fatalf("expected nil Err for ok result")
	}
}

func TestLedger_FirstEventLinksToGenesis(t *testing.T) {
	ledger, _, _ := openLedger(t)
	ctx := context.Background()

	a, err := ledger.Append(ctx, "user", "chat", nil, audit.ResultOK)
	if err != nil {
		t.Fatalf("append a: %v", err)
	}
	b, err := ledger.Append(ctx, "scheduler", "heartbeat", nil, audit.ResultOK)
	if err != nil {
		t.Fatalf("append b: %v", err)
	}
	if a.PrevHash != audit.Genesis {
		t.Fatalf("expected genesis prev hash, got %q", a.PrevHash)
	}
	if b.PrevHash != a.EventHash {
		t.Fatalf("expected b to link to a: %q != %q", b.PrevHash, a.EventHash)
	}
	want := audit.HashEvent(a.Timestamp, a.Actor, a.Action, a.Payload, a.Result, a.PrevHash)
	if a.EventHash != want || len(a.EventHash) != 64 {
		t.Fatalf("unexpected hash %q (want %q)", a.EventHash, want)
	}
	if a.Payload != "{}" {
		t.Fatalf("expected empty payload object, got %q", a.Payload)
	}
}

func TestLedger_TamperedResultBreaksAtThatEvent(t *testing.T) {
	ledger, store, _ := openLedger(t)
	ctx := context.Background()

	if _, err := ledger.Append(ctx, "user", "chat", map[string]any{}, audit.ResultOK); err != nil {
		t.Fatalf("append A: %v", err)
	}
	b, err := ledger.Append(ctx, "scheduler", "heartbeat", map[string]any{}, audit.ResultOK)
	if err != nil {
		t.Fatalf("append B: %v", err)
	}

	res, err := ledger.Verify(ctx)
	if err != nil || !res.OK || res.Count != 2 {
		t.Fatalf("expected {ok:true count:2}, got %+v %v", res, err)
	}

	if _, err := store.DB().Exec(`UPDATE audit_events SET result = 'error' WHERE id = ?;`, b.ID); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	res, err = ledger.Verify(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.OK || res.BrokenAt != b.ID {
		t.Fatalf("expected broken_at=%d, got %+v", b.ID, res)
	}
	var integrity *audit.IntegrityError
	if !errors.As(res.Err(), &integrity) || integrity.BrokenAt != b.ID {
		t.Fatalf("expected IntegrityError at %d, got %v", b.ID, res.Err())
	}
}

func TestLedger_ReportsSmallestAlteredEvent(t *testing.T) {
	ledger, store, _ := openLedger(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 5; i++ {
		ev, err := ledger.Append(ctx, "orchestrator", "step", map[string]int{"n": i}, audit.ResultOK)
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		ids = append(ids, ev.ID)
	}

	if _, err := store.DB().Exec(`UPDATE audit_events SET actor = 'mallory' WHERE id = ?;`, ids[3]); err != nil {
		t.Fatalf("tamper 3: %v", err)
	}
	if _, err := store.DB().Exec(`UPDATE audit_events SET payload = '{"n":99}' WHERE id = ?;`, ids[1]); err != nil {
		t.Fatalf("tamper 1: %v", err)
	}

	res, err := ledger.Verify(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.OK || res.BrokenAt != ids[1] {
		t.Fatalf("expected broken_at=%d, got %+v", ids[1], res)
	}
}

func TestLedger_DeletedEventIsDetected(t *testing.T) {
	ledger, store, _ := openLedger(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 3; i++ {
		ev, err := ledger.Append(ctx, "orchestrator", "step", nil, audit.ResultOK)
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		ids = append(ids, ev.ID)
	}
	if _, err := store.DB().Exec(`DELETE FROM audit_events WHERE id = ?;`, ids[1]); err != nil {
		t.Fatalf("delete: %v", err)
	}
	res, err := ledger.Verify(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.OK || res.BrokenAt != ids[2] {
		t.Fatalf("expected broken_at=%d after gap, got %+v", ids[2], res)
	}
}

func TestLedger_ConcurrentAppendsKeepChainIntact(t *testing.T) {
	ledger, _, _ := openLedger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if _, err := ledger.Append(ctx, "worker", "tick", map[string]int{"w": w, "i": i}, audit.ResultOK); err != nil {
					t.Errorf("append: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	res, err := ledger.Verify(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.OK || res.Count != 40 {
		t.Fatalf("expected ok count=40, got %+v", res)
	}
}

func TestLedger_SeparateStoresOnOneFileShareTheChain(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ontoti.db")

	ledgers := make([]*audit.Ledger, 2)
	for i := range ledgers {
		store, err := persistence.Open(path)
		if err != nil {
			t.Fatalf("open store %d: %v", i, err)
		}
		t.Cleanup(func() { _ = store.Close() })
		ledger, err := audit.New(audit.Config{Store: store})
		if err != nil {
			t.Fatalf("new ledger %d: %v", i, err)
		}
		ledgers[i] = ledger
	}

	var wg sync.WaitGroup
	for i, ledger := range ledgers {
		wg.Add(1)
		go func(i int, ledger *audit.Ledger) {
			defer wg.Done()
			for n := 0; n < 100; n++ {
				if _, err := ledger.Append(ctx, "process", "tick", map[string]int{"p": i, "n": n}, audit.ResultOK); err != nil {
					t.Errorf("append from store %d: %v", i, err)
					return
				}
			}
		}(i, ledger)
	}
	wg.Wait()

	for i, ledger := range ledgers {
		res, err := ledger.Verify(ctx)
		if err != nil {
			t.Fatalf("verify via store %d: %v", i, err)
		}
		if !res.OK || res.Count != 200 {
			t.Fatalf("store %d sees %+v, want ok count=200", i, res)
		}
	}
}

func TestLedger_RedactsPayloadAndMirrors(t *testing.T) {
	ledger, _, home := openLedger(t)
	ctx := context.Background()

	ev, err := ledger.Append(ctx, "scheduler", "execute_job",
		map[string]string{"error": "provider said: api_key=abcdef1234567890abcdef"}, audit.ResultError)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if strings.Contains(ev.Payload, "abcdef1234567890abcdef") {
		t.Fatalf("expected redacted payload, got %q", ev.Payload)
	}

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read mirror: %v", err)
	}
	var mirrored persistence.AuditEvent
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(raw))), &mirrored); err != nil {
		t.Fatalf("unmarshal mirror: %v", err)
	}
	if mirrored.EventHash != ev.EventHash || mirrored.ID != ev.ID {
		t.Fatalf("mirror mismatch: %+v vs %+v", mirrored, ev)
	}

	recent, err := ledger.Recent(ctx, 5)
	if err != nil || len(recent) != 1 || recent[0].Result != audit.ResultError {
		t.Fatalf("unexpected recent: %+v %v", recent, err)
	}
}
