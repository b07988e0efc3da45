// Package healing implements the self-heal attempt guard: a recovery
// action is submitted on probe breach, but attempts are capped per probe
// to avoid flapping a broken recovery job forever.
//
// Escalation:
//   - up to 3 attempts within 1 hour (tunable) are allowed
//   - a 4th breach within the window escalates the probe to NOTIFIED and
//     suppresses further attempts
//   - an ok sample, or a manual reset, clears the NOTIFIED state
package healing

import (
	"context"
	"sync"
	"time"

	"github.com/lnmt-project/lnmt/internal/domain"
)

// Config tunes the attempt cap.
type Config struct {
	MaxAttempts int           // attempts allowed within Window before escalating (default 3)
	Window      time.Duration // rolling window for the attempt count (default 1h)
}

// DefaultConfig returns the cap named in the self-heal responsibility.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Window:      1 * time.Hour,
	}
}

// Guard tracks per-probe NOTIFIED escalation. The attempt count itself is
// read from the self_heal_log via domain.HealthRepository.SelfHealAttemptsSince;
// Guard only remembers which probes have been escalated, since escalation
// must persist even after the counting window rolls past the breaching
// attempts.
type Guard struct {
	mu       sync.Mutex
	cfg      Config
	notified map[string]bool
	now      func() time.Time
}

// NewGuard creates an attempt guard with the given config.
func NewGuard(cfg Config) *Guard {
	return &Guard{
		cfg:      cfg,
		notified: make(map[string]bool),
		now:      time.Now,
	}
}

// Notified reports whether a probe is currently escalated and suppressed.
func (g *Guard) Notified(probeID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.notified[probeID]
}

// ClearOnSuccess clears escalation for a probe after an ok sample, per the
// "ok sample clears the counter" rule.
func (g *Guard) ClearOnSuccess(probeID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.notified, probeID)
}

// ManualReset clears escalation for a probe via operator action.
func (g *Guard) ManualReset(probeID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.notified, probeID)
}

// Allow decides whether a recovery attempt may proceed for probeID, checking
// both the current NOTIFIED state and the rolling attempt count. The attempt
// that brings the count up to the cap is still allowed to run; once the
// count has already reached the cap, the probe is escalated to NOTIFIED and
// this call returns false.
func (g *Guard) Allow(ctx context.Context, repo domain.HealthRepository, probeID string) (bool, error) {
	g.mu.Lock()
	if g.notified[probeID] {
		g.mu.Unlock()
		return false, nil
	}
	g.mu.Unlock()

	since := g.now().Add(-g.cfg.Window).Unix()
	count, err := repo.SelfHealAttemptsSince(ctx, probeID, since)
	if err != nil {
		return false, err
	}
	if count >= g.cfg.MaxAttempts {
		g.mu.Lock()
		g.notified[probeID] = true
		g.mu.Unlock()
		return false, nil
	}
	return true, nil
}
