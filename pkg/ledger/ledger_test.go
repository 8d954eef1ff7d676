package ledger

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pario-ai/profilequota/pkg/models"
)

func newTestLedger(t *testing.T) *SQLiteLedger {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	l, err := New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestEnsureInitializedIdempotent(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	if err := l.EnsureInitialized(ctx, "alice", "standard", 10, t0); err != nil {
		t.Fatal(err)
	}
	if err := l.EnsureInitialized(ctx, "alice", "standard", 99, t0.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	rec, err := l.Record(ctx, "alice", "standard")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Count != 10 {
		t.Errorf("expected 10, got %v", rec.Count)
	}
	if !rec.LastAdd.Equal(t0) {
		t.Errorf("expected last_add %v, got %v", t0, rec.LastAdd)
	}
}

func TestBalanceMissingIsZero(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	b, err := l.Balance(ctx, "nobody", "standard")
	if err != nil {
		t.Fatal(err)
	}
	if b != 0 {
		t.Errorf("expected 0, got %v", b)
	}

	if _, err := l.Record(ctx, "nobody", "standard"); !errors.Is(err, ErrNoBalance) {
		t.Errorf("expected ErrNoBalance, got %v", err)
	}
}

func TestAccrue(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_ = l.EnsureInitialized(ctx, "alice", "standard", 10, t0)

	b, err := l.Accrue(ctx, "alice", "standard", 1.0, 20, t0.Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if b != 12 {
		t.Errorf("expected 12, got %v", b)
	}

	rec, _ := l.Record(ctx, "alice", "standard")
	if !rec.LastAdd.Equal(t0.Add(2 * time.Hour)) {
		t.Errorf("last_add not advanced: %v", rec.LastAdd)
	}
}

func TestAccrueClampsToMax(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_ = l.EnsureInitialized(ctx, "alice", "standard", 10, t0)

	// 10 + 48 * 1.0 would be 58.
	b, err := l.Accrue(ctx, "alice", "standard", 1.0, 20, t0.Add(48*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if b != 20 {
		t.Errorf("expected clamp to 20, got %v", b)
	}
}

func TestAccrueUnlimitedMax(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_ = l.EnsureInitialized(ctx, "alice", "standard", 0, t0)

	b, err := l.Accrue(ctx, "alice", "standard", 0.5, math.Inf(1), t0.Add(30*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if b != 0.25 {
		t.Errorf("expected 0.25, got %v", b)
	}
}

func TestAccrueIgnoresClockSkew(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_ = l.EnsureInitialized(ctx, "alice", "standard", 5, t0)

	b, err := l.Accrue(ctx, "alice", "standard", 1.0, 20, t0.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if b != 5 {
		t.Errorf("expected 5, got %v", b)
	}

	rec, err := l.Record(ctx, "alice", "standard")
	if err != nil {
		t.Fatal(err)
	}
	if !rec.LastAdd.Equal(t0) {
		t.Errorf("last_add moved backwards to %v", rec.LastAdd)
	}
}

func TestAccrueMissing(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.Accrue(context.Background(), "nobody", "standard", 1, 10, t0)
	if !errors.Is(err, ErrNoBalance) {
		t.Errorf("expected ErrNoBalance, got %v", err)
	}
}

func TestConcurrentAccrueCountsIntervalOnce(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_ = l.EnsureInitialized(ctx, "alice", "standard", 0, t0)

	now := t0.Add(time.Hour)
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Accrue(ctx, "alice", "standard", 3.0, math.Inf(1), now); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	b, _ := l.Balance(ctx, "alice", "standard")
	if b != 3 {
		t.Errorf("expected the hour to be counted once (3), got %v", b)
	}
}

func TestChargeGoesNegative(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_ = l.EnsureInitialized(ctx, "alice", "standard", 1, t0)

	b, err := l.Charge(ctx, "alice", "standard", 1.5)
	if err != nil {
		t.Fatal(err)
	}
	if b != -0.5 {
		t.Errorf("expected -0.5, got %v", b)
	}

	if _, err := l.Charge(ctx, "nobody", "standard", 1); !errors.Is(err, ErrNoBalance) {
		t.Errorf("expected ErrNoBalance, got %v", err)
	}
}

func TestUsageLog(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	for i, slug := range []string{"standard", "gpu", "standard"} {
		err := l.AppendUsage(ctx, models.UsageEntry{
			User: "alice", ProfileSlug: slug,
			Date:  t0.Add(time.Duration(i) * time.Minute),
			Hours: 0.25, Tokens: 0.125,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	_ = l.AppendUsage(ctx, models.UsageEntry{User: "bob", ProfileSlug: "standard", Date: t0, Hours: 1, Tokens: 2})

	entries, err := l.Usage(ctx, models.UsageQuery{User: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if !entries[0].Date.Equal(t0.Add(2 * time.Minute)) {
		t.Errorf("expected newest first, got %v", entries[0].Date)
	}
	if entries[0].Hours != 0.25 || entries[0].Tokens != 0.125 {
		t.Errorf("unexpected entry %+v", entries[0])
	}

	entries, _ = l.Usage(ctx, models.UsageQuery{User: "alice", ProfileSlug: "standard", Limit: 1})
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	entries, _ = l.Usage(ctx, models.UsageQuery{Since: t0.Add(time.Minute)})
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries since t0+1m, got %d", len(entries))
	}

	summaries, err := l.UsageSummary(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(summaries) != 3 {
		t.Fatalf("expected 3 summaries, got %d", len(summaries))
	}
	// alice/gpu, alice/standard, bob/standard
	if summaries[1].Charges != 2 || summaries[1].Hours != 0.5 || summaries[1].Tokens != 0.25 {
		t.Errorf("unexpected alice/standard summary %+v", summaries[1])
	}
}

func TestBalances(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_ = l.EnsureInitialized(ctx, "alice", "standard", 1, t0)
	_ = l.EnsureInitialized(ctx, "alice", "gpu", 2, t0)
	_ = l.EnsureInitialized(ctx, "bob", "standard", 3, t0)

	all, err := l.Balances(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}

	alice, _ := l.Balances(ctx, "alice")
	if len(alice) != 2 || alice[0].ProfileSlug != "gpu" {
		t.Errorf("unexpected records for alice: %+v", alice)
	}
}

func TestMigrationIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	l1, err := New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	_ = l1.EnsureInitialized(context.Background(), "alice", "standard", 4, t0)
	_ = l1.Close()

	l2, err := New(dbPath)
	if err != nil {
		t.Fatal("second New() failed:", err)
	}
	defer l2.Close()

	b, _ := l2.Balance(context.Background(), "alice", "standard")
	if b != 4 {
		t.Errorf("balance lost across reopen: %v", b)
	}
}

func TestAccrued(t *testing.T) {
	tests := []struct {
		name    string
		count   float64
		elapsed time.Duration
		rate    float64
		max     float64
		want    float64
	}{
		{"no time", 5, 0, 2, 10, 5},
		{"linear", 5, 90 * time.Minute, 2, 10, 8},
		{"clamped", 5, 10 * time.Hour, 2, 10, 10},
		{"above max already", 15, 0, 0, 10, 10},
		{"negative stays negative", -3, time.Hour, 1, 10, -2},
		{"unlimited", 0, time.Hour, 0, math.Inf(1), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Accrued(tt.count, tt.elapsed, tt.rate, tt.max); got != tt.want {
				t.Errorf("Accrued() = %v, want %v", got, tt.want)
			}
		})
	}
}
