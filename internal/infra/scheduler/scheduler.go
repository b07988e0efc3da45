// Package scheduler implements the cron-driven, dependency-aware,
// retry-capable job runner: the heart of LNMT's periodic work.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lnmt-project/lnmt/internal/domain"
	"github.com/lnmt-project/lnmt/internal/infra/metrics"
)

// Config controls the scheduler's worker pool and tick cadence.
type Config struct {
	MaxWorkers int
	Now        func() time.Time // injectable clock for tests
}

// DefaultConfig uses the documented default of 5 workers.
func DefaultConfig() Config {
	return Config{MaxWorkers: 5, Now: time.Now}
}

// Scheduler maintains registered Jobs and dispatches them at minute
// boundaries with bounded concurrency.
type Scheduler struct {
	repo     domain.JobRepository
	registry *FuncRegistry
	cfg      Config

	mu         sync.Mutex
	crons      map[string]*CronSchedule // jobID -> parsed schedule
	lastFired  map[string]int64         // jobID -> unix minute last dispatched, dedupes DST double-fire
	running    bool
	inFlight   int
	queued     map[domain.Priority]int // admitted-but-undispatched at the last tick
	sem        chan struct{}
	cancelFunc context.CancelFunc
}

// New creates a Scheduler bound to a repository and function registry.
func New(repo domain.JobRepository, registry *FuncRegistry, cfg Config) *Scheduler {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 5
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		repo:      repo,
		registry:  registry,
		cfg:       cfg,
		crons:     make(map[string]*CronSchedule),
		lastFired: make(map[string]int64),
		queued:    make(map[domain.Priority]int),
		sem:       make(chan struct{}, cfg.MaxWorkers),
	}
}

// Register validates and persists a new Job. Fails with ErrInvalidSchedule,
// ErrDuplicateID, ErrCycleDetected, or ErrUnknownDependency.
func (s *Scheduler) Register(ctx context.Context, j domain.Job) error {
	if j.TimeoutS <= 0 {
		return fmt.Errorf("timeout_s must be > 0: %w", domain.ErrInvalidSchedule)
	}
	if j.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0: %w", domain.ErrInvalidSchedule)
	}
	if j.Target == "__main__" {
		return domain.ErrMainModuleBound
	}

	cron, err := ParseCron(j.Schedule)
	if err != nil {
		return err
	}

	existing, err := s.repo.ListJobs(ctx)
	if err != nil {
		return err
	}
	for _, e := range existing {
		if e.ID == j.ID {
			return fmt.Errorf("job %q: %w", j.ID, domain.ErrDuplicateID)
		}
	}

	byID := make(map[string]domain.Job, len(existing)+1)
	for _, e := range existing {
		byID[e.ID] = e
	}
	byID[j.ID] = j

	for _, dep := range j.Dependencies {
		if _, ok := byID[dep]; !ok {
			return fmt.Errorf("dependency %q: %w", dep, domain.ErrUnknownDependency)
		}
	}
	if err := detectCycle(byID); err != nil {
		return err
	}

	if err := s.repo.InsertJob(ctx, j); err != nil {
		return err
	}

	s.mu.Lock()
	s.crons[j.ID] = cron
	s.mu.Unlock()
	return nil
}

// detectCycle runs a topological sort over the adjacency map restricted to
// enabled jobs.
func detectCycle(byID map[string]domain.Job) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(byID))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return domain.ErrCycleDetected
		}
		color[id] = gray
		j, ok := byID[id]
		if ok && j.Enabled {
			for _, dep := range j.Dependencies {
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	for id := range byID {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// Unregister removes a Job. History is retained; fails if a run is
// in-flight.
func (s *Scheduler) Unregister(ctx context.Context, jobID string) error {
	j, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j == nil {
		return domain.ErrUnknownJob
	}
	running, err := s.repo.HasRunningRun(ctx, jobID)
	if err != nil {
		return err
	}
	if running {
		return domain.ErrJobHasInFlightRun
	}
	if err := s.repo.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.crons, jobID)
	delete(s.lastFired, jobID)
	s.mu.Unlock()
	return nil
}

// Enable turns scheduling on for a Job.
func (s *Scheduler) Enable(ctx context.Context, jobID string) error {
	return s.setEnabled(ctx, jobID, true)
}

// Disable turns scheduling off; a RUNNING run is not cancelled.
func (s *Scheduler) Disable(ctx context.Context, jobID string) error {
	return s.setEnabled(ctx, jobID, false)
}

func (s *Scheduler) setEnabled(ctx context.Context, jobID string, enabled bool) error {
	j, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j == nil {
		return domain.ErrUnknownJob
	}
	j.Enabled = enabled
	j.UpdatedAt = s.cfg.Now()
	return s.repo.UpdateJob(ctx, *j)
}

// ListJobs returns every registered Job.
func (s *Scheduler) ListJobs(ctx context.Context) ([]domain.Job, error) {
	return s.repo.ListJobs(ctx)
}

// History returns the most recent runs for a job, most recent first.
func (s *Scheduler) History(ctx context.Context, jobID string, limit int) ([]domain.JobRun, error) {
	return s.repo.History(ctx, jobID, limit)
}

// Status reports whether the scheduler is running, the next tick time,
// in-flight run count, and per-priority queue depths.
func (s *Scheduler) Status() domain.SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	depths := make(map[domain.Priority]int, len(s.queued))
	for p, n := range s.queued {
		depths[p] = n
	}
	return domain.SchedulerStatus{
		Running:         s.running,
		NextTick:        nextMinuteBoundary(s.cfg.Now()),
		InFlightRuns:    s.inFlight,
		QueueDepthByPri: depths,
	}
}

func nextMinuteBoundary(t time.Time) time.Time {
	return t.Truncate(time.Minute).Add(time.Minute)
}

// RunNow synchronously enqueues a manual run and returns its JobRun row.
// Manual runs do not transitively trigger dependencies: they fail with
// ErrDependencyUnsatisfied unless every dependency completed recently.
func (s *Scheduler) RunNow(ctx context.Context, jobID string) (*domain.JobRun, error) {
	j, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, domain.ErrUnknownJob
	}
	running, err := s.repo.HasRunningRun(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if running {
		return nil, domain.ErrAlreadyRunning
	}
	satisfied, err := s.dependenciesSatisfied(ctx, *j, s.cfg.Now())
	if err != nil {
		return nil, err
	}
	if !satisfied {
		return nil, domain.ErrDependencyUnsatisfied
	}

	run := domain.JobRun{
		RunID:     uuid.NewString(),
		JobID:     jobID,
		Status:    domain.JobRunRunning,
		StartedAt: s.cfg.Now(),
		Trigger:   domain.TriggerManual,
	}
	ok, err := s.repo.TryStartRun(ctx, jobID, run.RunID, run.StartedAt.Unix())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrAlreadyRunning
	}
	if err := s.repo.InsertRun(ctx, run); err != nil {
		return nil, err
	}

	// Manual runs bypass the worker pool; the pool bounds scheduled work.
	go s.execute(context.Background(), *j, run)
	return &run, nil
}

func (s *Scheduler) dependenciesSatisfied(ctx context.Context, j domain.Job, at time.Time) (bool, error) {
	windowStart := at.Truncate(time.Minute).Add(-time.Minute).Unix()
	for _, dep := range j.Dependencies {
		completed, err := s.repo.LatestCompletedSince(ctx, dep, windowStart)
		if err != nil {
			return false, err
		}
		if completed == nil {
			return false, nil
		}
	}
	return true, nil
}

// Start runs the minute-boundary tick loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.running = true
	s.cancelFunc = cancel
	s.mu.Unlock()

	for {
		next := nextMinuteBoundary(s.cfg.Now())
		timer := time.NewTimer(next.Sub(s.cfg.Now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return
		case tick := <-timer.C:
			s.onTick(ctx, tick)
		}
	}
}

// Stop signals graceful shutdown.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancelFunc
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Drain waits up to grace for in-flight runs to finish, then marks the
// survivors CANCELLED. Called after Stop during daemon shutdown; no new
// dispatches happen once the tick loop has exited.
func (s *Scheduler) Drain(ctx context.Context, grace time.Duration) {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		n := s.inFlight
		s.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	jobs, err := s.repo.ListJobs(ctx)
	if err != nil {
		log.Printf("[scheduler] drain: list jobs: %v", err)
		return
	}
	now := s.cfg.Now()
	for _, j := range jobs {
		runs, err := s.repo.History(ctx, j.ID, 10)
		if err != nil {
			continue
		}
		for _, r := range runs {
			if r.Status != domain.JobRunRunning {
				continue
			}
			r.Status = domain.JobRunCancelled
			r.EndedAt = now
			if err := s.repo.UpdateRun(ctx, r); err != nil {
				log.Printf("[scheduler] drain: cancel run %s: %v", r.RunID, err)
			}
		}
	}
}

type admitted struct {
	job domain.Job
}

func (s *Scheduler) onTick(ctx context.Context, tick time.Time) {
	minute := tick.Truncate(time.Minute).Unix()

	jobs, err := s.repo.ListJobs(ctx)
	if err != nil {
		log.Printf("[scheduler] list jobs: %v", err)
		return
	}

	var candidates []admitted
	s.mu.Lock()
	for _, j := range jobs {
		if !j.Enabled {
			continue
		}
		cron, ok := s.crons[j.ID]
		if !ok {
			cron, err = ParseCron(j.Schedule)
			if err != nil {
				continue
			}
			s.crons[j.ID] = cron
		}
		if !cron.Matches(tick) {
			continue
		}
		if s.lastFired[j.ID] == minute {
			continue // DST doubled-minute: fires once
		}
		candidates = append(candidates, admitted{job: j})
	}
	s.mu.Unlock()

	var ready []domain.Job
	for _, c := range candidates {
		running, err := s.repo.HasRunningRun(ctx, c.job.ID)
		if err != nil || running {
			continue
		}
		ok, err := s.dependenciesSatisfied(ctx, c.job, tick)
		if err != nil || !ok {
			continue
		}
		ready = append(ready, c.job)
	}

	sort.Slice(ready, func(i, k int) bool {
		if ready[i].Priority != ready[k].Priority {
			return ready[i].Priority > ready[k].Priority
		}
		return ready[i].ID < ready[k].ID
	})

	s.mu.Lock()
	s.queued = make(map[domain.Priority]int)
	s.mu.Unlock()

	for _, j := range ready {
		select {
		case s.sem <- struct{}{}:
		default:
			// Pool saturated: not queued, re-evaluated next tick. The skip
			// is still visible in status() as queue depth.
			s.mu.Lock()
			s.queued[j.Priority]++
			s.mu.Unlock()
			continue
		}

		s.mu.Lock()
		s.lastFired[j.ID] = minute
		s.mu.Unlock()

		run := domain.JobRun{
			RunID:     uuid.NewString(),
			JobID:     j.ID,
			Status:    domain.JobRunRunning,
			StartedAt: s.cfg.Now(),
			Trigger:   domain.TriggerSchedule,
		}
		ok, err := s.repo.TryStartRun(ctx, j.ID, run.RunID, run.StartedAt.Unix())
		if err != nil || !ok {
			<-s.sem
			continue
		}
		if err := s.repo.InsertRun(ctx, run); err != nil {
			log.Printf("[scheduler] insert run: %v", err)
		}

		go func(j domain.Job, run domain.JobRun) {
			defer func() { <-s.sem }()
			s.execute(context.Background(), j, run)
		}(j, run)
	}
}

// execute invokes the job's registered function, enforcing the configured
// timeout and capturing panics as run errors. Worker-pool slots are managed
// by the dispatch sites; execute only tracks in-flight accounting.
func (s *Scheduler) execute(ctx context.Context, j domain.Job, run domain.JobRun) {
	s.mu.Lock()
	s.inFlight++
	s.mu.Unlock()
	metrics.JobsInFlight.Inc()
	defer func() {
		metrics.JobsInFlight.Dec()
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	fn, ok := s.registry.Lookup(j.Target)
	if !ok {
		s.finish(ctx, j, run, fmt.Errorf("%w: %s", domain.ErrUnregisteredTarget, j.Target))
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(j.TimeoutS)*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("panic: %v", r)
			}
		}()
		errCh <- fn(runCtx, j.Args, j.Kwargs)
	}()

	select {
	case err := <-errCh:
		s.finish(ctx, j, run, err)
	case <-runCtx.Done():
		s.finish(ctx, j, run, fmt.Errorf("timeout"))
	}
}

func (s *Scheduler) finish(ctx context.Context, j domain.Job, run domain.JobRun, runErr error) {
	now := s.cfg.Now()
	run.EndedAt = now

	if runErr == nil {
		run.Status = domain.JobRunCompleted
		metrics.JobRunsTotal.WithLabelValues(string(run.Status)).Inc()
		if err := s.repo.UpdateRun(ctx, run); err != nil {
			log.Printf("[scheduler] update run: %v", err)
		}
		return
	}

	run.Error = runErr.Error()
	run.Status = domain.JobRunFailed
	metrics.JobRunsTotal.WithLabelValues(string(run.Status)).Inc()
	if err := s.repo.UpdateRun(ctx, run); err != nil {
		log.Printf("[scheduler] update run: %v", err)
	}

	if run.RetryCount >= j.MaxRetries {
		return
	}

	delay := time.Duration(j.RetryDelayS) * time.Second * time.Duration(int64(1)<<uint(run.RetryCount))
	capDelay := time.Duration(j.TimeoutS) * time.Second
	if delay > capDelay {
		delay = capDelay
	}

	time.AfterFunc(delay, func() {
		select {
		case s.sem <- struct{}{}:
		default:
			return // pool saturated at retry time: drop, next schedule tick may re-admit
		}
		defer func() { <-s.sem }()

		retryRun := domain.JobRun{
			RunID:      uuid.NewString(),
			JobID:      j.ID,
			Status:     domain.JobRunRunning,
			StartedAt:  s.cfg.Now(),
			RetryCount: run.RetryCount + 1,
			Trigger:    run.Trigger,
		}
		ok, err := s.repo.TryStartRun(context.Background(), j.ID, retryRun.RunID, retryRun.StartedAt.Unix())
		if err != nil || !ok {
			return
		}
		if err := s.repo.InsertRun(context.Background(), retryRun); err != nil {
			log.Printf("[scheduler] insert retry run: %v", err)
		}
		s.execute(context.Background(), j, retryRun)
	})
}
