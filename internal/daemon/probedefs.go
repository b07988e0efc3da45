package daemon

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/lnmt-project/lnmt/internal/domain"
)

// ProbeDef is one entry of the probes-definitions file: a keyed object of
// HealthProbe config fields. The key is the probe id.
type ProbeDef struct {
	Kind             string `yaml:"kind"` // process, port, http, disk, custom
	Target           string `yaml:"target"`
	IntervalS        int    `yaml:"interval_s,omitempty"`
	FailureThreshold int    `yaml:"failure_threshold,omitempty"`
	RecoveryAction   string `yaml:"recovery_action,omitempty"` // scheduler job id
}

// ProbeDefs maps probe id to definition.
type ProbeDefs map[string]ProbeDef

// ParseProbeDefs decodes a probes-definitions document.
func ParseProbeDefs(data []byte) (ProbeDefs, error) {
	var defs ProbeDefs
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("parse probe definitions: %w", err)
	}
	return defs, nil
}

// LoadProbeDefs reads a probes-definitions file.
func LoadProbeDefs(path string) (ProbeDefs, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read probe definitions: %w", err)
	}
	return ParseProbeDefs(data)
}

// Probes converts definitions to HealthProbes, in stable id order, with
// defaults of a 60s interval and a 3-sample failure threshold.
func (defs ProbeDefs) Probes() ([]domain.HealthProbe, error) {
	ids := make([]string, 0, len(defs))
	for id := range defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	probes := make([]domain.HealthProbe, 0, len(ids))
	for _, id := range ids {
		def := defs[id]
		kind := domain.ProbeKind(def.Kind)
		switch kind {
		case domain.ProbeProcess, domain.ProbePort, domain.ProbeHTTP, domain.ProbeDisk, domain.ProbeCustom:
		default:
			return nil, fmt.Errorf("probe %q: unknown kind %q", id, def.Kind)
		}
		if def.Target == "" {
			return nil, fmt.Errorf("probe %q: target is required", id)
		}
		interval := def.IntervalS
		if interval <= 0 {
			interval = 60
		}
		threshold := def.FailureThreshold
		if threshold <= 0 {
			threshold = 3
		}
		probes = append(probes, domain.HealthProbe{
			ID:               id,
			Kind:             kind,
			Target:           def.Target,
			IntervalS:        interval,
			FailureThreshold: threshold,
			RecoveryAction:   def.RecoveryAction,
		})
	}
	return probes, nil
}
