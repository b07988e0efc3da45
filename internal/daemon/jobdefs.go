package daemon

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lnmt-project/lnmt/internal/domain"
)

// JobDef is one entry of the job-definitions file: a keyed object of Job
// config fields. The key is the job id.
type JobDef struct {
	Name         string         `yaml:"name,omitempty"`
	Target       string         `yaml:"target"`
	Schedule     string         `yaml:"schedule"`
	Priority     string         `yaml:"priority,omitempty"`
	MaxRetries   int            `yaml:"max_retries,omitempty"`
	RetryDelayS  int            `yaml:"retry_delay_s,omitempty"`
	TimeoutS     int            `yaml:"timeout_s"`
	Dependencies []string       `yaml:"dependencies,omitempty"`
	Enabled      *bool          `yaml:"enabled,omitempty"` // nil means enabled
	Args         []any          `yaml:"args,omitempty"`
	Kwargs       map[string]any `yaml:"kwargs,omitempty"`
}

// JobDefs maps job id to definition.
type JobDefs map[string]JobDef

// ParseJobDefs decodes a job-definitions document.
func ParseJobDefs(data []byte) (JobDefs, error) {
	var defs JobDefs
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("parse job definitions: %w", err)
	}
	return defs, nil
}

// LoadJobDefs reads a job-definitions file.
func LoadJobDefs(path string) (JobDefs, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job definitions: %w", err)
	}
	return ParseJobDefs(data)
}

// Jobs converts definitions to domain Jobs, in stable id order.
func (defs JobDefs) Jobs(now time.Time) ([]domain.Job, error) {
	ids := make([]string, 0, len(defs))
	for id := range defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	jobs := make([]domain.Job, 0, len(ids))
	for _, id := range ids {
		def := defs[id]
		prio, ok := domain.ParsePriority(def.Priority)
		if !ok {
			return nil, fmt.Errorf("job %q: unknown priority %q", id, def.Priority)
		}
		enabled := true
		if def.Enabled != nil {
			enabled = *def.Enabled
		}
		name := def.Name
		if name == "" {
			name = id
		}
		jobs = append(jobs, domain.Job{
			ID:           id,
			Name:         name,
			Target:       def.Target,
			Schedule:     def.Schedule,
			Priority:     prio,
			MaxRetries:   def.MaxRetries,
			RetryDelayS:  def.RetryDelayS,
			TimeoutS:     def.TimeoutS,
			Dependencies: def.Dependencies,
			Enabled:      enabled,
			Args:         def.Args,
			Kwargs:       def.Kwargs,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	return jobs, nil
}

// ExportJobDefs renders Jobs back to the job-definitions document shape, so
// that register → export → re-import round-trips field-wise.
func ExportJobDefs(jobs []domain.Job) ([]byte, error) {
	defs := make(JobDefs, len(jobs))
	for _, j := range jobs {
		enabled := j.Enabled
		defs[j.ID] = JobDef{
			Name:         j.Name,
			Target:       j.Target,
			Schedule:     j.Schedule,
			Priority:     j.Priority.String(),
			MaxRetries:   j.MaxRetries,
			RetryDelayS:  j.RetryDelayS,
			TimeoutS:     j.TimeoutS,
			Dependencies: j.Dependencies,
			Enabled:      &enabled,
			Args:         j.Args,
			Kwargs:       j.Kwargs,
		}
	}
	return yaml.Marshal(defs)
}
