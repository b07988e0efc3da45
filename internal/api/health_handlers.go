package api

import (
	"net/http"
	"time"

	"github.com/lnmt-project/lnmt/internal/domain"
)

type probeStatusView struct {
	ProbeID string     `json:"probe_id"`
	Kind    string     `json:"kind"`
	Target  string     `json:"target"`
	Status  string     `json:"status"`
	Detail  string     `json:"detail,omitempty"`
	At      *time.Time `json:"at,omitempty"`
}

// handleHealth reports overall status plus the latest sample per probe.
// Overall is "fail" if any probe's latest sample is fail, otherwise "warn"
// if any is warn, otherwise "ok".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	probes, err := s.healthRepo.ListProbes(r.Context())
	if err != nil {
		writeDomainErr(w, err)
		return
	}

	overall := "ok"
	views := make([]probeStatusView, 0, len(probes))
	for _, p := range probes {
		v := probeStatusView{
			ProbeID: p.ID,
			Kind:    string(p.Kind),
			Target:  p.Target,
			Status:  "unknown",
		}
		samples, err := s.healthRepo.RecentSamples(r.Context(), p.ID, 1)
		if err == nil && len(samples) > 0 {
			latest := samples[0]
			v.Status = string(latest.Status)
			v.Detail = latest.Detail
			at := latest.At
			v.At = &at
			if latest.Status == domain.SampleFail {
				overall = "fail"
			} else if latest.Status == domain.SampleWarn && overall == "ok" {
				overall = "warn"
			}
		}
		views = append(views, v)
	}

	writeData(w, http.StatusOK, map[string]any{
		"status": overall,
		"probes": views,
	})
}
