// Package health implements the probe scheduler described for the health
// monitor and self-heal controller: periodic HealthProbes, recorded
// HealthSamples, and bounded automatic recovery on sustained failure.
package health

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/lnmt-project/lnmt/internal/domain"
	"github.com/lnmt-project/lnmt/internal/infra/healing"
	"github.com/lnmt-project/lnmt/internal/infra/metrics"
)

// JobRunner is the slice of the scheduler a Checker needs to submit
// recovery actions. Declared locally — not imported from
// internal/infra/scheduler — so the health package never depends on the
// scheduler package; *scheduler.Scheduler already satisfies this shape.
type JobRunner interface {
	RunNow(ctx context.Context, jobID string) (*domain.JobRun, error)
}

// Notifier delivers an escalation message through a configured channel
// (email, webhook, etc). The default Checker uses a log-only Notifier.
type Notifier interface {
	Notify(ctx context.Context, probeID, message string) error
}

// LogNotifier writes escalations to the standard logger.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, probeID, message string) error {
	log.Printf("[health] NOTIFIED probe=%s: %s", probeID, message)
	return nil
}

// Checker runs every configured HealthProbe on its own interval, records
// samples, and submits bounded recovery attempts on sustained failure.
type Checker struct {
	repo     domain.HealthRepository
	runner   JobRunner
	guard    *healing.Guard
	notifier Notifier

	mu     sync.RWMutex
	custom map[string]CustomCheck

	now        func() time.Time
	httpClient *http.Client

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewChecker creates a health checker bound to a repository and job
// runner. guardCfg tunes the self-heal attempt cap; pass healing.DefaultConfig()
// for the documented "3 within 1 hour" default.
func NewChecker(repo domain.HealthRepository, runner JobRunner, guardCfg healing.Config) *Checker {
	return &Checker{
		repo:       repo,
		runner:     runner,
		guard:      healing.NewGuard(guardCfg),
		notifier:   LogNotifier{},
		custom:     make(map[string]CustomCheck),
		now:        time.Now,
		httpClient: &http.Client{},
	}
}

// SetNotifier overrides the escalation notifier.
func (c *Checker) SetNotifier(n Notifier) { c.notifier = n }

// ResetProbe clears a probe's NOTIFIED escalation by operator action,
// re-arming recovery attempts before the next ok sample.
func (c *Checker) ResetProbe(probeID string) { c.guard.ManualReset(probeID) }

// RegisterCustom binds a CustomCheck to the registry key used by a
// domain.ProbeCustom probe's Target.
func (c *Checker) RegisterCustom(key string, fn CustomCheck) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.custom[key] = fn
}

// Start loads the configured probes and spawns one ticking task per probe,
// each on its own IntervalS bucket.
func (c *Checker) Start(ctx context.Context) error {
	probes, err := c.repo.ListProbes(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	for _, p := range probes {
		p := p
		interval := time.Duration(p.IntervalS) * time.Second
		if interval <= 0 {
			interval = 60 * time.Second
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.runLoop(runCtx, p, interval)
		}()
	}
	return nil
}

// Stop signals all probe loops to exit and waits for them to finish.
func (c *Checker) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Checker) runLoop(ctx context.Context, p domain.HealthProbe, interval time.Duration) {
	c.runOnce(ctx, p)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runOnce(ctx, p)
		}
	}
}

// runOnce executes one probe, records its sample, and — on a breach of
// FailureThreshold consecutive fail samples — submits a bounded recovery
// attempt.
func (c *Checker) runOnce(ctx context.Context, p domain.HealthProbe) {
	status, detail := c.runProbe(ctx, p)
	metrics.ProbeSamples.WithLabelValues(p.ID, string(status)).Inc()

	if err := c.repo.RecordSample(ctx, domain.HealthSample{
		ProbeID: p.ID,
		At:      c.now(),
		Status:  status,
		Detail:  detail,
	}); err != nil {
		log.Printf("[health] probe=%s: record sample: %v", p.ID, err)
	}

	if status == domain.SampleOK {
		c.guard.ClearOnSuccess(p.ID)
		return
	}
	if status != domain.SampleFail || p.RecoveryAction == "" {
		return
	}

	fails, err := c.repo.ConsecutiveFailures(ctx, p.ID)
	if err != nil {
		log.Printf("[health] probe=%s: consecutive failures: %v", p.ID, err)
		return
	}
	if fails < p.FailureThreshold {
		return
	}

	c.attemptRecovery(ctx, p)
}

func (c *Checker) attemptRecovery(ctx context.Context, p domain.HealthProbe) {
	allowed, err := c.guard.Allow(ctx, c.repo, p.ID)
	if err != nil {
		log.Printf("[health] probe=%s: attempt guard: %v", p.ID, err)
		return
	}

	entry := domain.SelfHealLog{
		At:     c.now(),
		Module: p.ID,
		Action: p.RecoveryAction,
	}

	if !allowed {
		entry.Status = domain.SelfHealSuppressed
		entry.Notified = c.guard.Notified(p.ID)
		if err := c.repo.RecordSelfHeal(ctx, entry); err != nil {
			log.Printf("[health] probe=%s: record self-heal: %v", p.ID, err)
		}
		if entry.Notified {
			if err := c.notifier.Notify(ctx, p.ID, "recovery attempts exceeded cap, suppressing until ok or manual reset"); err != nil {
				log.Printf("[health] probe=%s: notify: %v", p.ID, err)
			}
		}
		return
	}

	_, runErr := c.runner.RunNow(ctx, p.RecoveryAction)
	attempts, countErr := c.repo.SelfHealAttemptsSince(ctx, p.ID, c.now().Add(-time.Hour).Unix())
	if countErr == nil {
		entry.Attempts = attempts + 1
	}
	if runErr != nil {
		entry.Status = domain.SelfHealFailed
		entry.Error = runErr.Error()
	} else {
		entry.Status = domain.SelfHealSucceeded
	}

	metrics.SelfHealAttempts.WithLabelValues(string(entry.Status)).Inc()
	if err := c.repo.RecordSelfHeal(ctx, entry); err != nil {
		log.Printf("[health] probe=%s: record self-heal: %v", p.ID, err)
	}
}
