package tracker

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lnmt-project/lnmt/internal/domain"
	"github.com/lnmt-project/lnmt/internal/infra/metrics"
)

// TrafficSource reads per-MAC byte counters. Counters are cumulative; the
// tracker derives deltas between polls. A read failure for one MAC marks
// that sample inactive and the cycle proceeds.
type TrafficSource interface {
	Counters(ctx context.Context, mac string) (bytesIn, bytesOut int64, err error)
}

// Pinger probes a device address, answering within the detection window.
type Pinger interface {
	Ping(ctx context.Context, ip string, window time.Duration) bool
}

// DNSLog exposes the DNS query log keyed by client IP, used for app
// classification of usage sessions.
type DNSLog interface {
	QueriesSince(ctx context.Context, ip string, since time.Time) ([]string, error)
}

// Alert is one vlan_threshold_breach event, kept for the alerts() read side
// and consumed by blacklist/QoS tooling.
type Alert struct {
	At            time.Time `json:"at"`
	VlanID        int       `json:"vlan_id"`
	Kbps          int64     `json:"kbps"`
	ThresholdKbps int64     `json:"threshold_kbps"`
}

// Config wires the tracker's inputs and thresholds.
type Config struct {
	LeaseFile string
	Detection domain.DetectionSettings
	Now       func() time.Time
}

// deviceState is the tracker's in-memory per-MAC correlation state. The
// store owns the durable rows; this only carries what presence detection
// and session accounting need between polls.
type deviceState struct {
	prevBytesIn  int64
	prevBytesOut int64
	hasCounters  bool
	lastSample   time.Time
	lastActive   time.Time
	online       bool

	sessionID      string
	sessionStart   time.Time
	sessionSeconds int64
	classified     bool
}

// vlanWindow accumulates byte deltas for trailing-window bandwidth checks.
type vlanWindow struct {
	samples []vlanSample
}

type vlanSample struct {
	at    time.Time
	bytes int64
}

// Tracker ingests DHCP leases, derives device presence, and correlates
// usage sessions, one full cycle per PollOnce call.
type Tracker struct {
	repo    domain.DeviceRepository
	audit   domain.AuditRepository
	traffic TrafficSource
	pinger  Pinger
	dns     DNSLog
	cfg     Config

	mu     sync.Mutex
	state  map[string]*deviceState
	vlans  map[int]*vlanWindow
	alerts []Alert

	patternCache map[string]*regexp.Regexp
}

// New creates a Tracker. traffic, pinger, and dns may be nil; the
// corresponding signal is then simply absent (samples fall back to the
// remaining signals, classification is skipped).
func New(repo domain.DeviceRepository, audit domain.AuditRepository, traffic TrafficSource, pinger Pinger, dns DNSLog, cfg Config) *Tracker {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Detection == (domain.DetectionSettings{}) {
		cfg.Detection = domain.DefaultDetectionSettings()
	}
	return &Tracker{
		repo:         repo,
		audit:        audit,
		traffic:      traffic,
		pinger:       pinger,
		dns:          dns,
		cfg:          cfg,
		state:        make(map[string]*deviceState),
		vlans:        make(map[int]*vlanWindow),
		patternCache: make(map[string]*regexp.Regexp),
	}
}

// PollOnce runs one full cycle: read leases, reconcile devices, sample
// presence, update sessions. A missing lease file is a hard error for the
// cycle and leaves devices untouched.
func (t *Tracker) PollOnce(ctx context.Context) (domain.PollSummary, error) {
	now := t.cfg.Now()
	var summary domain.PollSummary

	leases, malformed, err := parseLeaseFile(t.cfg.LeaseFile, now, filepath.Base(t.cfg.LeaseFile))
	if err != nil {
		return summary, err
	}
	for _, m := range malformed {
		t.warn(ctx, "lease_parse", fmt.Sprintf("%s: %s", m.Reason, m.Line))
	}

	// Lease reconciliation: later observations supersede earlier ones for
	// the same MAC within a single file read.
	byMAC := make(map[string]domain.LeaseRecord, len(leases))
	for _, l := range leases {
		byMAC[l.MAC] = l
	}

	devices := make([]domain.Device, 0, len(byMAC))
	for _, l := range byMAC {
		if err := t.repo.InsertLease(ctx, l); err != nil {
			log.Printf("[tracker] insert lease %s: %v", l.MAC, err)
		}
		d, isNew, err := t.reconcile(ctx, l, now)
		if err != nil {
			log.Printf("[tracker] reconcile %s: %v", l.MAC, err)
			continue
		}
		if isNew {
			summary.NewDevices++
		}
		devices = append(devices, d)
	}
	summary.DevicesSeen = len(devices)

	// Stable order keeps per-poll work deterministic.
	sort.Slice(devices, func(i, k int) bool { return devices[i].MAC < devices[k].MAC })

	online := 0
	for _, d := range devices {
		sample := t.sample(ctx, d, now)
		opened, closed := t.updateSession(ctx, d, sample, now)
		summary.SessionsOpened += opened
		summary.SessionsClosed += closed
		if sample.Active {
			online++
		}
	}

	t.checkVlanThresholds(ctx, now)

	metrics.DevicesKnown.Set(float64(len(devices)))
	metrics.DevicesOnline.Set(float64(online))
	t.mu.Lock()
	open := 0
	for _, st := range t.state {
		if st.sessionID != "" {
			open++
		}
	}
	t.mu.Unlock()
	metrics.SessionsOpen.Set(float64(open))

	return summary, nil
}

// reconcile creates or updates the Device row for one lease. A reservation
// pins hostname and VLAN; lease hostname drift does not overwrite them.
func (t *Tracker) reconcile(ctx context.Context, l domain.LeaseRecord, now time.Time) (domain.Device, bool, error) {
	existing, err := t.repo.GetDevice(ctx, l.MAC)
	if err != nil {
		return domain.Device{}, false, err
	}

	var d domain.Device
	isNew := existing == nil
	if isNew {
		d = domain.Device{
			MAC:       l.MAC,
			FirstSeen: now,
		}
	} else {
		d = *existing
	}
	d.IP = l.IP
	d.Hostname = l.Hostname
	d.LastSeen = now
	if d.Reservation != nil {
		d.Hostname = d.Reservation.DesiredHostname
		d.VlanID = d.Reservation.VlanID
	}
	if err := t.repo.UpsertDevice(ctx, d); err != nil {
		return domain.Device{}, false, err
	}
	return d, isNew, nil
}

// sample takes one presence observation for a device: traffic deltas plus
// an optional ping probe, folded through the detection thresholds.
func (t *Tracker) sample(ctx context.Context, d domain.Device, now time.Time) domain.PresenceSample {
	s := domain.PresenceSample{MAC: d.MAC, ObservedAt: now}

	t.mu.Lock()
	st, ok := t.state[d.MAC]
	if !ok {
		st = &deviceState{}
		t.state[d.MAC] = st
	}
	t.mu.Unlock()

	counterFailed := false
	if t.traffic != nil {
		in, out, err := t.traffic.Counters(ctx, d.MAC)
		if err != nil {
			// Counter read failure: this sample is inactive, cycle proceeds.
			log.Printf("[tracker] counters %s: %v", d.MAC, err)
			counterFailed = true
		} else {
			if st.hasCounters {
				s.BytesInDelta = in - st.prevBytesIn
				s.BytesOutDelta = out - st.prevBytesOut
				if s.BytesInDelta < 0 {
					s.BytesInDelta = in // counter reset
				}
				if s.BytesOutDelta < 0 {
					s.BytesOutDelta = out
				}
			}
			st.prevBytesIn = in
			st.prevBytesOut = out
			st.hasCounters = true
		}
	}

	if t.pinger != nil && d.IP != "" {
		window := time.Duration(t.cfg.Detection.PingWindowS) * time.Second
		s.PingResponded = t.pinger.Ping(ctx, d.IP, window)
	}

	s.Active = !counterFailed && t.cfg.Detection.IsActive(s.PingResponded, s.BytesInDelta, s.BytesOutDelta)

	if s.Active && d.VlanID != 0 {
		t.accumulateVlan(d.VlanID, now, s.BytesInDelta+s.BytesOutDelta)
	}
	return s
}

// updateSession applies the session lifecycle to one sample: open on
// online-transition, accumulate during active samples, close on offline
// transition, idle gap, or session limit.
func (t *Tracker) updateSession(ctx context.Context, d domain.Device, s domain.PresenceSample, now time.Time) (opened, closed int) {
	t.mu.Lock()
	st := t.state[d.MAC]
	t.mu.Unlock()

	limit := t.threshold(ctx, d.VlanID)

	if s.Active {
		if st.sessionID == "" {
			// Online transition: open a fresh session. A session row may
			// linger open in the store from a previous process; adopt it so
			// restarts do not double-open.
			if existing, err := t.repo.OpenSessionForMAC(ctx, d.MAC); err == nil && existing != nil {
				st.sessionID = existing.ID
				st.sessionStart = existing.StartedAt
				st.sessionSeconds = existing.SecondsUsed
				st.classified = existing.AppCategory != ""
			} else {
				sess := domain.UsageSession{
					ID:        uuid.NewString(),
					VlanID:    d.VlanID,
					MAC:       d.MAC,
					IP:        d.IP,
					Hostname:  d.Hostname,
					StartedAt: now,
				}
				if err := t.repo.OpenSession(ctx, sess); err != nil {
					log.Printf("[tracker] open session %s: %v", d.MAC, err)
					return 0, 0
				}
				st.sessionID = sess.ID
				st.sessionStart = now
				st.sessionSeconds = 0
				st.classified = false
				opened = 1
			}
		} else if !st.lastActive.IsZero() {
			// Accumulate only across active-sample intervals.
			st.sessionSeconds += int64(now.Sub(st.lastSample).Seconds())
			if err := t.repo.ExtendSession(ctx, st.sessionID, st.sessionSeconds); err != nil {
				log.Printf("[tracker] extend session %s: %v", d.MAC, err)
			}
		}
		st.lastActive = now
		st.online = true

		t.classify(ctx, d, st)

		if limit != nil && limit.SessionLimitSecs > 0 && st.sessionSeconds >= limit.SessionLimitSecs {
			closed += t.closeSession(ctx, d.MAC, st, now)
		}
	} else {
		// One full sample interval with no activity means offline; the
		// offline transition closes any open session.
		st.online = false
		if st.sessionID != "" {
			closed += t.closeSession(ctx, d.MAC, st, now)
		}
	}

	st.lastSample = now
	return opened, closed
}

func (t *Tracker) closeSession(ctx context.Context, mac string, st *deviceState, now time.Time) int {
	if st.sessionID == "" {
		return 0
	}
	if err := t.repo.CloseSession(ctx, st.sessionID, now.Unix(), st.sessionSeconds); err != nil {
		log.Printf("[tracker] close session %s: %v", mac, err)
		return 0
	}
	st.sessionID = ""
	st.sessionSeconds = 0
	st.classified = false
	return 1
}

// classify assigns the session's app category from the first app_pattern
// matching a non-whitelisted DNS query by the device's IP, stable by
// pattern id.
func (t *Tracker) classify(ctx context.Context, d domain.Device, st *deviceState) {
	if t.dns == nil || st.classified || st.sessionID == "" || d.IP == "" {
		return
	}
	queries, err := t.dns.QueriesSince(ctx, d.IP, st.sessionStart)
	if err != nil || len(queries) == 0 {
		return
	}
	whitelist, err := t.repo.ListDnsWhitelist(ctx)
	if err != nil {
		return
	}
	patterns, err := t.repo.ListAppPatterns(ctx)
	if err != nil {
		return
	}
	sort.Slice(patterns, func(i, k int) bool { return patterns[i].ID < patterns[k].ID })

	for _, q := range queries {
		if t.whitelisted(whitelist, q) {
			continue
		}
		for _, p := range patterns {
			re := t.compile(p.Pattern)
			if re == nil {
				continue
			}
			if re.MatchString(q) {
				if err := t.repo.SetSessionCategory(ctx, st.sessionID, p.Category); err != nil {
					log.Printf("[tracker] set category %s: %v", d.MAC, err)
					return
				}
				st.classified = true
				return
			}
		}
	}
}

func (t *Tracker) whitelisted(whitelist []domain.DnsWhitelist, query string) bool {
	for _, w := range whitelist {
		re := t.compile(w.Pattern)
		if re != nil && re.MatchString(query) {
			return true
		}
	}
	return false
}

func (t *Tracker) compile(pattern string) *regexp.Regexp {
	t.mu.Lock()
	defer t.mu.Unlock()
	if re, ok := t.patternCache[pattern]; ok {
		return re
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		log.Printf("[tracker] bad pattern %q: %v", pattern, err)
		t.patternCache[pattern] = nil
		return nil
	}
	t.patternCache[pattern] = re
	return re
}

func (t *Tracker) threshold(ctx context.Context, vlanID int) *domain.VlanThreshold {
	if vlanID == 0 {
		return nil
	}
	th, err := t.repo.GetVlanThreshold(ctx, vlanID)
	if err != nil {
		return nil
	}
	return th
}

func (t *Tracker) accumulateVlan(vlanID int, at time.Time, bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.vlans[vlanID]
	if !ok {
		w = &vlanWindow{}
		t.vlans[vlanID] = w
	}
	w.samples = append(w.samples, vlanSample{at: at, bytes: bytes})
}

// checkVlanThresholds emits a vlan_threshold_breach alert when a VLAN's
// aggregate bandwidth over its trailing window exceeds threshold_kbps.
// Independent of session closing.
func (t *Tracker) checkVlanThresholds(ctx context.Context, now time.Time) {
	thresholds, err := t.repo.ListVlanThresholds(ctx)
	if err != nil {
		log.Printf("[tracker] list vlan thresholds: %v", err)
		return
	}
	for _, th := range thresholds {
		window := time.Duration(th.TimeWindowSecs) * time.Second
		cutoff := now.Add(-window)

		t.mu.Lock()
		w := t.vlans[th.VlanID]
		var total int64
		if w != nil {
			kept := w.samples[:0]
			for _, s := range w.samples {
				if s.at.After(cutoff) {
					kept = append(kept, s)
					total += s.bytes
				}
			}
			w.samples = kept
		}
		t.mu.Unlock()

		if th.TimeWindowSecs == 0 {
			continue
		}
		kbps := total * 8 / 1000 / th.TimeWindowSecs
		if kbps > th.ThresholdKbps {
			alert := Alert{At: now, VlanID: th.VlanID, Kbps: kbps, ThresholdKbps: th.ThresholdKbps}
			t.mu.Lock()
			t.alerts = append(t.alerts, alert)
			if len(t.alerts) > maxAlerts {
				t.alerts = t.alerts[len(t.alerts)-maxAlerts:]
			}
			t.mu.Unlock()
			metrics.ThresholdBreaches.WithLabelValues(fmt.Sprintf("%d", th.VlanID)).Inc()
			t.warn(ctx, "vlan_threshold_breach",
				fmt.Sprintf("vlan %d at %d kbps exceeds %d kbps", th.VlanID, kbps, th.ThresholdKbps))
		}
	}
}

const maxAlerts = 256

// ListDevices is the read-side device listing for CLI and API.
func (t *Tracker) ListDevices(ctx context.Context) ([]domain.Device, error) {
	return t.repo.ListDevices(ctx)
}

// SetReservation pins a hostname/VLAN assignment for a MAC. The device row
// is created if the MAC has never been seen, so reservations can be
// provisioned ahead of the first lease. Passing nil clears the reservation.
// The change is audited with the acting operator.
func (t *Tracker) SetReservation(ctx context.Context, actor, mac string, r *domain.Reservation) (*domain.Device, error) {
	canonical := NormalizeMAC(mac)
	if canonical == "" {
		return nil, fmt.Errorf("%q: %w", mac, domain.ErrUnknownDevice)
	}
	now := t.cfg.Now()

	existing, err := t.repo.GetDevice(ctx, canonical)
	if err != nil {
		return nil, err
	}
	var d domain.Device
	if existing == nil {
		if r == nil {
			return nil, fmt.Errorf("%q: %w", mac, domain.ErrUnknownDevice)
		}
		d = domain.Device{MAC: canonical, FirstSeen: now, LastSeen: now}
	} else {
		d = *existing
	}
	d.Reservation = r
	if r != nil {
		d.Hostname = r.DesiredHostname
		d.VlanID = r.VlanID
	}
	if err := t.repo.UpsertDevice(ctx, d); err != nil {
		return nil, err
	}

	action := "reservation_set"
	if r == nil {
		action = "reservation_cleared"
	}
	t.audited(ctx, actor, action, canonical)
	return &d, nil
}

// SetVlanThreshold validates and persists a VlanThreshold; the change is
// audited with the acting operator.
func (t *Tracker) SetVlanThreshold(ctx context.Context, actor string, th domain.VlanThreshold) error {
	if th.VlanID <= 0 || th.ThresholdKbps <= 0 || th.TimeWindowSecs <= 0 || th.SessionLimitSecs <= 0 {
		return domain.ErrInvalidThreshold
	}
	return t.repo.SetVlanThreshold(ctx, actor, th)
}

// ListVlanThresholds returns the configured per-VLAN thresholds.
func (t *Tracker) ListVlanThresholds(ctx context.Context) ([]domain.VlanThreshold, error) {
	return t.repo.ListVlanThresholds(ctx)
}

// audited writes a successful configuration-change audit row.
func (t *Tracker) audited(ctx context.Context, actor, action, target string) {
	if t.audit == nil {
		return
	}
	err := t.audit.Record(ctx, domain.AuditEvent{
		ID:      uuid.NewString(),
		At:      t.cfg.Now(),
		Actor:   actor,
		Action:  action,
		Target:  target,
		Success: true,
	})
	if err != nil {
		log.Printf("[tracker] audit %s: %v", action, err)
	}
}

// History returns a device's recent usage sessions, most recent first.
func (t *Tracker) History(ctx context.Context, mac string, limit int) ([]domain.UsageSession, error) {
	canonical := NormalizeMAC(mac)
	if canonical == "" {
		return nil, fmt.Errorf("%q: %w", mac, domain.ErrUnknownDevice)
	}
	return t.repo.SessionHistory(ctx, canonical, limit)
}

// Alerts returns recent vlan_threshold_breach events, newest last.
func (t *Tracker) Alerts() []Alert {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Alert, len(t.alerts))
	copy(out, t.alerts)
	return out
}

// Run executes PollOnce on the configured interval until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 120 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.PollOnce(ctx); err != nil {
				log.Printf("[tracker] poll: %v", err)
			}
		}
	}
}

// warn writes one WARN-grade audit row for a skipped or anomalous unit.
func (t *Tracker) warn(ctx context.Context, action, details string) {
	if t.audit == nil {
		return
	}
	err := t.audit.Record(ctx, domain.AuditEvent{
		ID:      uuid.NewString(),
		At:      t.cfg.Now(),
		Actor:   "tracker",
		Action:  action,
		Success: false,
		Details: details,
	})
	if err != nil {
		log.Printf("[tracker] audit %s: %v", action, err)
	}
}
