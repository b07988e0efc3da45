package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lnmt-project/lnmt/internal/domain"
)

// fakeRepo is an in-memory domain.JobRepository for scheduler tests.
type fakeRepo struct {
	mu   sync.Mutex
	jobs map[string]domain.Job
	runs map[string]domain.JobRun // runID -> run
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{jobs: make(map[string]domain.Job), runs: make(map[string]domain.JobRun)}
}

func (f *fakeRepo) InsertJob(ctx context.Context, j domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[j.ID] = j
	return nil
}

func (f *fakeRepo) UpdateJob(ctx context.Context, j domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[j.ID] = j
	return nil
}

func (f *fakeRepo) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, nil
	}
	return &j, nil
}

func (f *fakeRepo) ListJobs(ctx context.Context) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Job, 0, len(f.jobs))
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (f *fakeRepo) DeleteJob(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, id)
	return nil
}

func (f *fakeRepo) InsertRun(ctx context.Context, r domain.JobRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[r.RunID] = r
	return nil
}

func (f *fakeRepo) TryStartRun(ctx context.Context, jobID, runID string, startedAt int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.runs {
		if r.JobID == jobID && r.Status == domain.JobRunRunning {
			return false, nil
		}
	}
	return true, nil
}

func (f *fakeRepo) UpdateRun(ctx context.Context, r domain.JobRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[r.RunID] = r
	return nil
}

func (f *fakeRepo) GetRun(ctx context.Context, runID string) (*domain.JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (f *fakeRepo) HasRunningRun(ctx context.Context, jobID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.runs {
		if r.JobID == jobID && r.Status == domain.JobRunRunning {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRepo) History(ctx context.Context, jobID string, limit int) ([]domain.JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.JobRun
	for _, r := range f.runs {
		if r.JobID == jobID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRepo) LatestCompletedSince(ctx context.Context, jobID string, since int64) (*domain.JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.runs {
		if r.JobID == jobID && r.Status == domain.JobRunCompleted && r.EndedAt.Unix() >= since {
			rr := r
			return &rr, nil
		}
	}
	return nil, nil
}

func baseJob(id string) domain.Job {
	return domain.Job{
		ID:         id,
		Name:       id,
		Target:     "noop",
		Schedule:   "*/2 * * * *",
		Priority:   domain.PriorityNormal,
		MaxRetries: 0,
		TimeoutS:   30,
		Enabled:    true,
	}
}

func TestRegisterDuplicateID(t *testing.T) {
	repo := newFakeRepo()
	reg := NewFuncRegistry()
	s := New(repo, reg, DefaultConfig())
	ctx := context.Background()

	if err := s.Register(ctx, baseJob("j1")); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := s.Register(ctx, baseJob("j1"))
	if !errors.Is(err, domain.ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
}

func TestRegisterCycleDetected(t *testing.T) {
	repo := newFakeRepo()
	reg := NewFuncRegistry()
	s := New(repo, reg, DefaultConfig())
	ctx := context.Background()

	// Dependencies must already be registered, so the only cycle Register
	// can be handed is a job that depends on itself.
	j1 := baseJob("j1")
	j1.Dependencies = []string{"j1"}

	err := s.Register(ctx, j1)
	if !errors.Is(err, domain.ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}
}

func TestRegisterUnknownDependency(t *testing.T) {
	repo := newFakeRepo()
	reg := NewFuncRegistry()
	s := New(repo, reg, DefaultConfig())
	j := baseJob("j1")
	j.Dependencies = []string{"ghost"}
	err := s.Register(context.Background(), j)
	if !errors.Is(err, domain.ErrUnknownDependency) {
		t.Fatalf("expected ErrUnknownDependency, got %v", err)
	}
}

func TestRegisterRejectsMainModule(t *testing.T) {
	repo := newFakeRepo()
	reg := NewFuncRegistry()
	s := New(repo, reg, DefaultConfig())
	j := baseJob("j1")
	j.Target = "__main__"
	err := s.Register(context.Background(), j)
	if !errors.Is(err, domain.ErrMainModuleBound) {
		t.Fatalf("expected ErrMainModuleBound, got %v", err)
	}
}

func TestRunNowDependencyUnsatisfied(t *testing.T) {
	repo := newFakeRepo()
	reg := NewFuncRegistry()
	reg.Register("noop", func(ctx context.Context, args []any, kwargs map[string]any) error { return nil })
	s := New(repo, reg, DefaultConfig())
	ctx := context.Background()

	j1 := baseJob("j1")
	j3 := baseJob("j3")
	j3.Dependencies = []string{"j1"}
	if err := s.Register(ctx, j1); err != nil {
		t.Fatalf("register j1: %v", err)
	}
	if err := s.Register(ctx, j3); err != nil {
		t.Fatalf("register j3: %v", err)
	}

	_, err := s.RunNow(ctx, "j3")
	if !errors.Is(err, domain.ErrDependencyUnsatisfied) {
		t.Fatalf("expected ErrDependencyUnsatisfied, got %v", err)
	}
}

func TestRunNowAlreadyRunning(t *testing.T) {
	repo := newFakeRepo()
	reg := NewFuncRegistry()
	block := make(chan struct{})
	reg.Register("noop", func(ctx context.Context, args []any, kwargs map[string]any) error {
		<-block
		return nil
	})
	s := New(repo, reg, DefaultConfig())
	ctx := context.Background()
	j := baseJob("j1")
	if err := s.Register(ctx, j); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := s.RunNow(ctx, "j1"); err != nil {
		t.Fatalf("first run_now: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	_, err := s.RunNow(ctx, "j1")
	if !errors.Is(err, domain.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	close(block)
}

func TestRunNowUnknownJob(t *testing.T) {
	repo := newFakeRepo()
	reg := NewFuncRegistry()
	s := New(repo, reg, DefaultConfig())
	_, err := s.RunNow(context.Background(), "ghost")
	if !errors.Is(err, domain.ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}
}

func TestUnregisterInFlight(t *testing.T) {
	repo := newFakeRepo()
	reg := NewFuncRegistry()
	block := make(chan struct{})
	reg.Register("noop", func(ctx context.Context, args []any, kwargs map[string]any) error {
		<-block
		return nil
	})
	s := New(repo, reg, DefaultConfig())
	ctx := context.Background()
	j := baseJob("j1")
	if err := s.Register(ctx, j); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := s.RunNow(ctx, "j1"); err != nil {
		t.Fatalf("run_now: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	err := s.Unregister(ctx, "j1")
	if !errors.Is(err, domain.ErrJobHasInFlightRun) {
		t.Fatalf("expected ErrJobHasInFlightRun, got %v", err)
	}
	close(block)
}

func TestRetryWithBackoff(t *testing.T) {
	repo := newFakeRepo()
	reg := NewFuncRegistry()
	var attempt int
	var mu sync.Mutex
	done := make(chan struct{})
	reg.Register("flaky", func(ctx context.Context, args []any, kwargs map[string]any) error {
		mu.Lock()
		attempt++
		n := attempt
		mu.Unlock()
		if n < 3 {
			return errors.New("boom")
		}
		close(done)
		return nil
	})

	cfg := DefaultConfig()
	s := New(repo, reg, cfg)
	j := baseJob("j2")
	j.Target = "flaky"
	j.MaxRetries = 2
	j.RetryDelayS = 0 // keep test fast; backoff shape covered by AfterFunc delay math
	if err := s.Register(context.Background(), j); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := s.RunNow(context.Background(), "j2"); err != nil {
		t.Fatalf("run_now: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for third attempt to succeed")
	}

	time.Sleep(20 * time.Millisecond)
	history, err := s.History(context.Background(), "j2", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(history))
	}
	var completed, failed int
	for _, r := range history {
		switch r.Status {
		case domain.JobRunCompleted:
			completed++
		case domain.JobRunFailed:
			failed++
		}
	}
	if completed != 1 || failed != 2 {
		t.Fatalf("expected 1 completed + 2 failed, got completed=%d failed=%d", completed, failed)
	}
}
