package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lnmt-project/lnmt/internal/domain"
)

type deviceView struct {
	MAC       string    `json:"mac"`
	IP        string    `json:"ip"`
	Hostname  string    `json:"hostname"`
	VlanID    int       `json:"vlan_id,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Reserved  bool      `json:"reserved"`
}

func viewDevice(d domain.Device) deviceView {
	return deviceView{
		MAC:       d.MAC,
		IP:        d.IP,
		Hostname:  d.Hostname,
		VlanID:    d.VlanID,
		FirstSeen: d.FirstSeen,
		LastSeen:  d.LastSeen,
		Reserved:  d.Reservation != nil,
	}
}

type sessionView struct {
	ID          string     `json:"id"`
	VlanID      int        `json:"vlan_id,omitempty"`
	MAC         string     `json:"mac"`
	IP          string     `json:"ip"`
	Hostname    string     `json:"hostname"`
	AppCategory string     `json:"app_category,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	SecondsUsed int64      `json:"seconds_used"`
}

func viewSession(s domain.UsageSession) sessionView {
	v := sessionView{
		ID:          s.ID,
		VlanID:      s.VlanID,
		MAC:         s.MAC,
		IP:          s.IP,
		Hostname:    s.Hostname,
		AppCategory: s.AppCategory,
		StartedAt:   s.StartedAt,
		SecondsUsed: s.SecondsUsed,
	}
	if !s.EndedAt.IsZero() {
		ended := s.EndedAt
		v.EndedAt = &ended
	}
	return v
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.tracker.ListDevices(r.Context())
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, viewDevice(d))
	}
	writeData(w, http.StatusOK, views)
}

func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			writeErr(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		limit = n
	}
	sessions, err := s.tracker.History(r.Context(), chi.URLParam(r, "mac"), limit)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, viewSession(sess))
	}
	writeData(w, http.StatusOK, views)
}

func (s *Server) handleDeviceAlerts(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.tracker.Alerts())
}

type reservationRequest struct {
	HostID   string `json:"host_id"`
	Hostname string `json:"hostname"`
	VlanID   int    `json:"vlan_id"`
}

func (s *Server) handleSetReservation(w http.ResponseWriter, r *http.Request) {
	var req reservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.HostID == "" || req.Hostname == "" {
		writeErr(w, http.StatusBadRequest, "bad_request", "host_id and hostname are required")
		return
	}
	actor := "api"
	if u := requestUser(r); u != nil {
		actor = u.Username
	}
	d, err := s.tracker.SetReservation(r.Context(), actor, chi.URLParam(r, "mac"), &domain.Reservation{
		HostID:          req.HostID,
		DesiredHostname: req.Hostname,
		VlanID:          req.VlanID,
	})
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeData(w, http.StatusOK, viewDevice(*d))
}

func (s *Server) handleClearReservation(w http.ResponseWriter, r *http.Request) {
	actor := "api"
	if u := requestUser(r); u != nil {
		actor = u.Username
	}
	d, err := s.tracker.SetReservation(r.Context(), actor, chi.URLParam(r, "mac"), nil)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeData(w, http.StatusOK, viewDevice(*d))
}

type thresholdView struct {
	VlanID           int   `json:"vlan_id"`
	ThresholdKbps    int64 `json:"threshold_kbps"`
	TimeWindowSecs   int64 `json:"time_window_secs"`
	SessionLimitSecs int64 `json:"session_limit_secs"`
}

func (s *Server) handleListVlanThresholds(w http.ResponseWriter, r *http.Request) {
	thresholds, err := s.tracker.ListVlanThresholds(r.Context())
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	views := make([]thresholdView, 0, len(thresholds))
	for _, t := range thresholds {
		views = append(views, thresholdView{
			VlanID:           t.VlanID,
			ThresholdKbps:    t.ThresholdKbps,
			TimeWindowSecs:   t.TimeWindowSecs,
			SessionLimitSecs: t.SessionLimitSecs,
		})
	}
	writeData(w, http.StatusOK, views)
}

func (s *Server) handleSetVlanThreshold(w http.ResponseWriter, r *http.Request) {
	vlanID, err := strconv.Atoi(chi.URLParam(r, "vlan"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "bad_request", "vlan must be an integer")
		return
	}
	var v thresholdView
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		writeErr(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	actor := "api"
	if u := requestUser(r); u != nil {
		actor = u.Username
	}
	th := domain.VlanThreshold{
		VlanID:           vlanID,
		ThresholdKbps:    v.ThresholdKbps,
		TimeWindowSecs:   v.TimeWindowSecs,
		SessionLimitSecs: v.SessionLimitSecs,
	}
	if err := s.tracker.SetVlanThreshold(r.Context(), actor, th); err != nil {
		writeDomainErr(w, err)
		return
	}
	writeData(w, http.StatusOK, thresholdView{
		VlanID:           th.VlanID,
		ThresholdKbps:    th.ThresholdKbps,
		TimeWindowSecs:   th.TimeWindowSecs,
		SessionLimitSecs: th.SessionLimitSecs,
	})
}
