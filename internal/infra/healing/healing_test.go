package healing

import (
	"context"
	"testing"
	"time"

	"github.com/lnmt-project/lnmt/internal/domain"
	"github.com/lnmt-project/lnmt/internal/infra/sqlite"
)

func mustDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func record(t *testing.T, db *sqlite.DB, probeID string, at time.Time, status domain.SelfHealOutcome) {
	t.Helper()
	if err := db.RecordSelfHeal(context.Background(), domain.SelfHealLog{
		At:     at,
		Module: probeID,
		Action: "restart_service",
		Status: status,
	}); err != nil {
		t.Fatalf("RecordSelfHeal: %v", err)
	}
}

func TestGuard_AllowsUpToMaxAttempts(t *testing.T) {
	db := mustDB(t)
	g := NewGuard(Config{MaxAttempts: 3, Window: time.Hour})
	now := time.Now()
	g.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		allowed, err := g.Allow(context.Background(), db, "probe-1")
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !allowed {
			t.Fatalf("attempt %d: expected allowed", i+1)
		}
		record(t, db, "probe-1", now, domain.SelfHealFailed)
	}

	// third attempt still allowed — it is the one that reaches the cap
	allowed, err := g.Allow(context.Background(), db, "probe-1")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if !allowed {
		t.Fatal("third attempt should still be allowed")
	}
	record(t, db, "probe-1", now, domain.SelfHealFailed)
}

func TestGuard_EscalatesAfterCapExceeded(t *testing.T) {
	db := mustDB(t)
	g := NewGuard(Config{MaxAttempts: 3, Window: time.Hour})
	now := time.Now()
	g.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		allowed, err := g.Allow(context.Background(), db, "probe-1")
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !allowed {
			t.Fatalf("attempt %d: expected allowed before cap", i+1)
		}
		record(t, db, "probe-1", now, domain.SelfHealFailed)
	}

	if g.Notified("probe-1") {
		t.Fatal("should not be notified until a 4th breach is attempted")
	}

	allowed, err := g.Allow(context.Background(), db, "probe-1")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if allowed {
		t.Fatal("4th attempt should be suppressed")
	}
	if !g.Notified("probe-1") {
		t.Fatal("probe should be escalated to NOTIFIED")
	}

	// suppressed even though the window hasn't rolled
	allowed, err = g.Allow(context.Background(), db, "probe-1")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if allowed {
		t.Fatal("subsequent attempts should remain suppressed while NOTIFIED")
	}
}

func TestGuard_ClearOnSuccessResetsEscalation(t *testing.T) {
	g := NewGuard(DefaultConfig())
	g.notified["probe-1"] = true

	g.ClearOnSuccess("probe-1")

	if g.Notified("probe-1") {
		t.Fatal("ClearOnSuccess should clear NOTIFIED state")
	}
}

func TestGuard_ManualResetClearsEscalation(t *testing.T) {
	g := NewGuard(DefaultConfig())
	g.notified["probe-1"] = true

	g.ManualReset("probe-1")

	if g.Notified("probe-1") {
		t.Fatal("ManualReset should clear NOTIFIED state")
	}
}

func TestGuard_WindowRollsOffOldAttempts(t *testing.T) {
	db := mustDB(t)
	g := NewGuard(Config{MaxAttempts: 3, Window: time.Hour})
	now := time.Now()
	g.now = func() time.Time { return now }

	old := now.Add(-2 * time.Hour)
	record(t, db, "probe-1", old, domain.SelfHealFailed)
	record(t, db, "probe-1", old, domain.SelfHealFailed)
	record(t, db, "probe-1", old, domain.SelfHealFailed)

	allowed, err := g.Allow(context.Background(), db, "probe-1")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if !allowed {
		t.Fatal("attempts outside the window should not count toward the cap")
	}
}

func TestGuard_ProbesAreIndependent(t *testing.T) {
	db := mustDB(t)
	g := NewGuard(Config{MaxAttempts: 1, Window: time.Hour})
	now := time.Now()
	g.now = func() time.Time { return now }

	g.Allow(context.Background(), db, "probe-1")
	record(t, db, "probe-1", now, domain.SelfHealFailed)
	g.Allow(context.Background(), db, "probe-1") // trips probe-1

	allowed, err := g.Allow(context.Background(), db, "probe-2")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if !allowed {
		t.Fatal("probe-2 should be unaffected by probe-1's escalation")
	}
}
