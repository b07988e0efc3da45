package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lnmt-project/lnmt/internal/domain"
)

// jobView is the wire shape of a Job definition.
type jobView struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Target       string         `json:"target"`
	Schedule     string         `json:"schedule"`
	Priority     string         `json:"priority"`
	MaxRetries   int            `json:"max_retries"`
	RetryDelayS  int            `json:"retry_delay_s"`
	TimeoutS     int            `json:"timeout_s"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Enabled      bool           `json:"enabled"`
	Args         []any          `json:"args,omitempty"`
	Kwargs       map[string]any `json:"kwargs,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func viewJob(j domain.Job) jobView {
	return jobView{
		ID:           j.ID,
		Name:         j.Name,
		Target:       j.Target,
		Schedule:     j.Schedule,
		Priority:     j.Priority.String(),
		MaxRetries:   j.MaxRetries,
		RetryDelayS:  j.RetryDelayS,
		TimeoutS:     j.TimeoutS,
		Dependencies: j.Dependencies,
		Enabled:      j.Enabled,
		Args:         j.Args,
		Kwargs:       j.Kwargs,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}

type runView struct {
	RunID      string     `json:"run_id"`
	JobID      string     `json:"job_id"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	RetryCount int        `json:"retry_count"`
	Error      string     `json:"error,omitempty"`
	Output     string     `json:"output,omitempty"`
	Trigger    string     `json:"trigger"`
}

func viewRun(r domain.JobRun) runView {
	v := runView{
		RunID:      r.RunID,
		JobID:      r.JobID,
		Status:     string(r.Status),
		StartedAt:  r.StartedAt,
		RetryCount: r.RetryCount,
		Error:      r.Error,
		Output:     r.Output,
		Trigger:    string(r.Trigger),
	}
	if !r.EndedAt.IsZero() {
		ended := r.EndedAt
		v.EndedAt = &ended
	}
	return v
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.sched.ListJobs(r.Context())
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, viewJob(j))
	}
	writeData(w, http.StatusOK, views)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var v jobView
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		writeErr(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if v.ID == "" || v.Target == "" || v.Schedule == "" {
		writeErr(w, http.StatusBadRequest, "bad_request", "id, target, and schedule are required")
		return
	}
	prio, ok := domain.ParsePriority(v.Priority)
	if !ok {
		writeErr(w, http.StatusBadRequest, "bad_request", "unknown priority "+v.Priority)
		return
	}

	now := time.Now()
	j := domain.Job{
		ID:           v.ID,
		Name:         v.Name,
		Target:       v.Target,
		Schedule:     v.Schedule,
		Priority:     prio,
		MaxRetries:   v.MaxRetries,
		RetryDelayS:  v.RetryDelayS,
		TimeoutS:     v.TimeoutS,
		Dependencies: v.Dependencies,
		Enabled:      v.Enabled,
		Args:         v.Args,
		Kwargs:       v.Kwargs,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.sched.Register(r.Context(), j); err != nil {
		writeDomainErr(w, err)
		return
	}
	writeData(w, http.StatusCreated, viewJob(j))
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.Unregister(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	run, err := s.sched.RunNow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeData(w, http.StatusAccepted, viewRun(*run))
}

func (s *Server) handleEnableJob(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.Enable(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"enabled": true})
}

func (s *Server) handleDisableJob(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.Disable(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"disabled": true})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			writeErr(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := s.sched.History(r.Context(), jobID, limit)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	views := make([]runView, 0, len(runs))
	for _, run := range runs {
		views = append(views, viewRun(run))
	}
	writeData(w, http.StatusOK, views)
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	st := s.sched.Status()
	writeData(w, http.StatusOK, map[string]any{
		"running":        st.Running,
		"next_tick":      st.NextTick,
		"in_flight_runs": st.InFlightRuns,
	})
}
