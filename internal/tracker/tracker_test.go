package tracker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lnmt-project/lnmt/internal/domain"
)

// fakeDeviceRepo is an in-memory domain.DeviceRepository.
type fakeDeviceRepo struct {
	mu         sync.Mutex
	devices    map[string]domain.Device
	leases     []domain.LeaseRecord
	sessions   map[string]*domain.UsageSession
	patterns   []domain.AppPattern
	whitelist  []domain.DnsWhitelist
	thresholds map[int]domain.VlanThreshold
}

func newFakeDeviceRepo() *fakeDeviceRepo {
	return &fakeDeviceRepo{
		devices:    make(map[string]domain.Device),
		sessions:   make(map[string]*domain.UsageSession),
		thresholds: make(map[int]domain.VlanThreshold),
	}
}

func (f *fakeDeviceRepo) UpsertDevice(ctx context.Context, d domain.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[d.MAC] = d
	return nil
}

func (f *fakeDeviceRepo) GetDevice(ctx context.Context, mac string) (*domain.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[mac]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (f *fakeDeviceRepo) ListDevices(ctx context.Context) ([]domain.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Device
	for _, d := range f.devices {
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeDeviceRepo) InsertLease(ctx context.Context, l domain.LeaseRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leases = append(f.leases, l)
	return nil
}

func (f *fakeDeviceRepo) OpenSession(ctx context.Context, s domain.UsageSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := s
	f.sessions[s.ID] = &copied
	return nil
}

func (f *fakeDeviceRepo) CloseSession(ctx context.Context, id string, endedAt int64, secondsUsed int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	s.EndedAt = time.Unix(endedAt, 0)
	s.SecondsUsed = secondsUsed
	return nil
}

func (f *fakeDeviceRepo) ExtendSession(ctx context.Context, id string, secondsUsed int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	s.SecondsUsed = secondsUsed
	return nil
}

func (f *fakeDeviceRepo) OpenSessionForMAC(ctx context.Context, mac string) (*domain.UsageSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.MAC == mac && s.EndedAt.IsZero() {
			copied := *s
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeDeviceRepo) SessionHistory(ctx context.Context, mac string, limit int) ([]domain.UsageSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.UsageSession
	for _, s := range f.sessions {
		if s.MAC == mac {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeDeviceRepo) SetSessionCategory(ctx context.Context, id, category string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	s.AppCategory = category
	return nil
}

func (f *fakeDeviceRepo) ListAppPatterns(ctx context.Context) ([]domain.AppPattern, error) {
	return f.patterns, nil
}

func (f *fakeDeviceRepo) ListDnsWhitelist(ctx context.Context) ([]domain.DnsWhitelist, error) {
	return f.whitelist, nil
}

func (f *fakeDeviceRepo) GetVlanThreshold(ctx context.Context, vlanID int) (*domain.VlanThreshold, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.thresholds[vlanID]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (f *fakeDeviceRepo) ListVlanThresholds(ctx context.Context) ([]domain.VlanThreshold, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.VlanThreshold
	for _, t := range f.thresholds {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeDeviceRepo) SetVlanThreshold(ctx context.Context, actor string, t domain.VlanThreshold) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.thresholds[t.VlanID] = t
	return nil
}

// fakeTraffic serves scripted cumulative counters per MAC.
type fakeTraffic struct {
	mu       sync.Mutex
	counters map[string][2]int64
	fail     map[string]bool
}

func (f *fakeTraffic) set(mac string, in, out int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counters == nil {
		f.counters = make(map[string][2]int64)
	}
	f.counters[mac] = [2]int64{in, out}
}

func (f *fakeTraffic) Counters(ctx context.Context, mac string) (int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[mac] {
		return 0, 0, errors.New("counter read failed")
	}
	c := f.counters[mac]
	return c[0], c[1], nil
}

type fakePinger struct{ up map[string]bool }

func (f *fakePinger) Ping(ctx context.Context, ip string, window time.Duration) bool {
	return f.up[ip]
}

type fakeDNS struct{ queries map[string][]string }

func (f *fakeDNS) QueriesSince(ctx context.Context, ip string, since time.Time) ([]string, error) {
	return f.queries[ip], nil
}

func writeLeaseFile(t *testing.T, lines string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "dnsmasq.leases")
	if err := os.WriteFile(path, []byte(lines), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// fixedClock steps time manually between polls.
type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTracker(repo *fakeDeviceRepo, leaseFile string, traffic TrafficSource, pinger Pinger, dns DNSLog, clock *fixedClock) *Tracker {
	return New(repo, nil, traffic, pinger, dns, Config{
		LeaseFile: leaseFile,
		Detection: domain.DefaultDetectionSettings(),
		Now:       clock.now,
	})
}

func TestPollOnceMissingLeaseFileIsHardError(t *testing.T) {
	repo := newFakeDeviceRepo()
	clock := &fixedClock{t: time.Unix(1722500000, 0)}
	tr := newTracker(repo, "/nonexistent/leases", nil, nil, nil, clock)

	_, err := tr.PollOnce(context.Background())
	if !errors.Is(err, domain.ErrLeaseFileMissing) {
		t.Fatalf("expected ErrLeaseFileMissing, got %v", err)
	}
	if len(repo.devices) != 0 {
		t.Error("devices must be untouched on a failed cycle")
	}
}

func TestReservationOverridesLeaseHostname(t *testing.T) {
	repo := newFakeDeviceRepo()
	clock := &fixedClock{t: time.Unix(1722500000, 0)}

	repo.devices["aa:bb:cc:dd:ee:01"] = domain.Device{
		MAC:       "aa:bb:cc:dd:ee:01",
		FirstSeen: clock.now().Add(-time.Hour),
		LastSeen:  clock.now().Add(-time.Hour),
		Reservation: &domain.Reservation{
			HostID:          "livingroom-tv",
			DesiredHostname: "tv",
			VlanID:          10,
		},
	}

	path := writeLeaseFile(t, "1722503600 aa:bb:cc:dd:ee:01 192.168.1.55 android-1234\n")
	tr := newTracker(repo, path, nil, nil, nil, clock)

	summary, err := tr.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if summary.DevicesSeen != 1 || summary.NewDevices != 0 {
		t.Errorf("unexpected summary: %+v", summary)
	}

	d := repo.devices["aa:bb:cc:dd:ee:01"]
	if d.Hostname != "tv" {
		t.Errorf("hostname = %q, want reserved %q", d.Hostname, "tv")
	}
	if d.VlanID != 10 {
		t.Errorf("vlan_id = %d, want 10", d.VlanID)
	}
	if d.IP != "192.168.1.55" {
		t.Errorf("ip = %q, want lease-reported ip", d.IP)
	}
}

func TestNewDeviceCreatedWithFirstSeen(t *testing.T) {
	repo := newFakeDeviceRepo()
	clock := &fixedClock{t: time.Unix(1722500000, 0)}
	path := writeLeaseFile(t, "1722503600 aa:bb:cc:dd:ee:02 192.168.1.60 phone\n")
	tr := newTracker(repo, path, nil, nil, nil, clock)

	summary, err := tr.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if summary.NewDevices != 1 {
		t.Fatalf("new_devices = %d, want 1", summary.NewDevices)
	}
	d := repo.devices["aa:bb:cc:dd:ee:02"]
	if !d.FirstSeen.Equal(clock.now()) || !d.LastSeen.Equal(clock.now()) {
		t.Errorf("first_seen/last_seen not set to poll instant: %+v", d)
	}
}

func TestOnlineDetectionThresholds(t *testing.T) {
	s := domain.DefaultDetectionSettings()
	cases := []struct {
		in, out int64
		ping    bool
		want    bool
	}{
		{2000, 500, false, false},
		{2000, 2000, false, true},
		{0, 0, true, true},
		{1024, 1024, false, true},
		{1023, 2000, false, false},
	}
	for _, c := range cases {
		if got := s.IsActive(c.ping, c.in, c.out); got != c.want {
			t.Errorf("IsActive(ping=%v, in=%d, out=%d) = %v, want %v", c.ping, c.in, c.out, got, c.want)
		}
	}
}

func TestSessionLifecycle(t *testing.T) {
	repo := newFakeDeviceRepo()
	clock := &fixedClock{t: time.Unix(1722500000, 0)}
	traffic := &fakeTraffic{}
	path := writeLeaseFile(t, "1722503600 aa:bb:cc:dd:ee:03 192.168.1.61 tablet\n")
	tr := newTracker(repo, path, traffic, nil, nil, clock)
	ctx := context.Background()

	// Poll 1: first counter observation, no deltas yet, device inactive.
	traffic.set("aa:bb:cc:dd:ee:03", 10_000, 10_000)
	sum, err := tr.PollOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.SessionsOpened != 0 {
		t.Fatalf("no session should open without deltas, got %d", sum.SessionsOpened)
	}

	// Poll 2: deltas above both minima — online transition opens a session.
	clock.advance(120 * time.Second)
	traffic.set("aa:bb:cc:dd:ee:03", 20_000, 20_000)
	sum, err = tr.PollOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.SessionsOpened != 1 {
		t.Fatalf("sessions_opened = %d, want 1", sum.SessionsOpened)
	}

	// Poll 3: still active — seconds accumulate by the sampled interval.
	clock.advance(120 * time.Second)
	traffic.set("aa:bb:cc:dd:ee:03", 30_000, 30_000)
	if _, err = tr.PollOnce(ctx); err != nil {
		t.Fatal(err)
	}

	// Poll 4: no traffic — offline transition closes the session.
	clock.advance(120 * time.Second)
	sum, err = tr.PollOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.SessionsClosed != 1 {
		t.Fatalf("sessions_closed = %d, want 1", sum.SessionsClosed)
	}

	sessions, _ := repo.SessionHistory(ctx, "aa:bb:cc:dd:ee:03", 10)
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	s := sessions[0]
	if s.EndedAt.IsZero() {
		t.Fatal("session not closed")
	}
	// One active interval of 120s between polls 2 and 3.
	if s.SecondsUsed != 120 {
		t.Errorf("seconds_used = %d, want 120", s.SecondsUsed)
	}
	wall := s.EndedAt.Sub(s.StartedAt)
	if time.Duration(s.SecondsUsed)*time.Second > wall {
		t.Errorf("seconds_used %ds exceeds wall-clock duration %v", s.SecondsUsed, wall)
	}
}

func TestSessionLimitCloses(t *testing.T) {
	repo := newFakeDeviceRepo()
	repo.thresholds[10] = domain.VlanThreshold{
		VlanID: 10, ThresholdKbps: 1_000_000, TimeWindowSecs: 600, SessionLimitSecs: 100,
	}
	clock := &fixedClock{t: time.Unix(1722500000, 0)}
	traffic := &fakeTraffic{}
	path := writeLeaseFile(t, "1722503600 aa:bb:cc:dd:ee:04 192.168.1.62 console\n")
	tr := newTracker(repo, path, traffic, nil, nil, clock)
	ctx := context.Background()

	repo.devices["aa:bb:cc:dd:ee:04"] = domain.Device{
		MAC:         "aa:bb:cc:dd:ee:04",
		FirstSeen:   clock.now(),
		LastSeen:    clock.now(),
		Reservation: &domain.Reservation{HostID: "console", DesiredHostname: "console", VlanID: 10},
	}

	counters := int64(10_000)
	traffic.set("aa:bb:cc:dd:ee:04", counters, counters)
	if _, err := tr.PollOnce(ctx); err != nil {
		t.Fatal(err)
	}

	var closed int
	for i := 0; i < 3; i++ {
		clock.advance(120 * time.Second)
		counters += 10_000
		traffic.set("aa:bb:cc:dd:ee:04", counters, counters)
		sum, err := tr.PollOnce(ctx)
		if err != nil {
			t.Fatal(err)
		}
		closed += sum.SessionsClosed
	}
	// 120s accumulated on the second active poll exceeds the 100s limit.
	if closed == 0 {
		t.Fatal("session should close once seconds_used reaches session_limit_secs")
	}
}

func TestCounterFailureIsIsolated(t *testing.T) {
	repo := newFakeDeviceRepo()
	clock := &fixedClock{t: time.Unix(1722500000, 0)}
	traffic := &fakeTraffic{fail: map[string]bool{"aa:bb:cc:dd:ee:05": true}}
	traffic.set("aa:bb:cc:dd:ee:06", 0, 0)
	path := writeLeaseFile(t,
		"1722503600 aa:bb:cc:dd:ee:05 192.168.1.63 cam\n"+
			"1722503600 aa:bb:cc:dd:ee:06 192.168.1.64 doorbell\n")
	tr := newTracker(repo, path, traffic, nil, nil, clock)

	sum, err := tr.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("cycle must proceed past a single counter failure: %v", err)
	}
	if sum.DevicesSeen != 2 {
		t.Errorf("devices_seen = %d, want 2", sum.DevicesSeen)
	}
}

func TestClassification(t *testing.T) {
	repo := newFakeDeviceRepo()
	repo.patterns = []domain.AppPattern{
		{ID: 2, Pattern: `(^|\.)video\.example\.com$`, Category: "streaming"},
		{ID: 1, Pattern: `(^|\.)game\.example\.com$`, Category: "gaming"},
	}
	repo.whitelist = []domain.DnsWhitelist{
		{ID: 1, Pattern: `(^|\.)ntp\.org$`},
	}
	clock := &fixedClock{t: time.Unix(1722500000, 0)}
	traffic := &fakeTraffic{}
	dns := &fakeDNS{queries: map[string][]string{
		"192.168.1.65": {"pool.ntp.org", "cdn.video.example.com"},
	}}
	path := writeLeaseFile(t, "1722503600 aa:bb:cc:dd:ee:07 192.168.1.65 tv\n")
	tr := newTracker(repo, path, traffic, nil, dns, clock)
	ctx := context.Background()

	traffic.set("aa:bb:cc:dd:ee:07", 0, 0)
	if _, err := tr.PollOnce(ctx); err != nil {
		t.Fatal(err)
	}
	clock.advance(120 * time.Second)
	traffic.set("aa:bb:cc:dd:ee:07", 5000, 5000)
	if _, err := tr.PollOnce(ctx); err != nil {
		t.Fatal(err)
	}

	sessions, _ := repo.SessionHistory(ctx, "aa:bb:cc:dd:ee:07", 10)
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	// The whitelisted ntp query is skipped; the video query classifies.
	if sessions[0].AppCategory != "streaming" {
		t.Errorf("app_category = %q, want streaming", sessions[0].AppCategory)
	}
}

func TestSetReservationAppliesOnNextPoll(t *testing.T) {
	repo := newFakeDeviceRepo()
	clock := &fixedClock{t: time.Unix(1722500000, 0)}
	path := writeLeaseFile(t, "1722503600 aa:bb:cc:dd:ee:01 192.168.1.55 android-1234\n")
	tr := newTracker(repo, path, nil, nil, nil, clock)
	ctx := context.Background()

	// Reservation provisioned ahead of the first lease; MAC input is
	// normalized.
	d, err := tr.SetReservation(ctx, "admin", "AA-BB-CC-DD-EE-01", &domain.Reservation{
		HostID:          "livingroom-tv",
		DesiredHostname: "tv",
		VlanID:          10,
	})
	if err != nil {
		t.Fatalf("set reservation: %v", err)
	}
	if d.MAC != "aa:bb:cc:dd:ee:01" || d.Hostname != "tv" || d.VlanID != 10 {
		t.Fatalf("unexpected device after reserve: %+v", d)
	}

	if _, err := tr.PollOnce(ctx); err != nil {
		t.Fatal(err)
	}
	got := repo.devices["aa:bb:cc:dd:ee:01"]
	if got.Hostname != "tv" || got.VlanID != 10 || got.IP != "192.168.1.55" {
		t.Errorf("reservation did not pin hostname/vlan: %+v", got)
	}

	// Clearing the reservation lets lease hostnames through again.
	if _, err := tr.SetReservation(ctx, "admin", "aa:bb:cc:dd:ee:01", nil); err != nil {
		t.Fatalf("clear reservation: %v", err)
	}
	if _, err := tr.PollOnce(ctx); err != nil {
		t.Fatal(err)
	}
	got = repo.devices["aa:bb:cc:dd:ee:01"]
	if got.Hostname != "android-1234" {
		t.Errorf("hostname = %q after unreserve, want lease-reported", got.Hostname)
	}
}

func TestSetVlanThresholdValidation(t *testing.T) {
	repo := newFakeDeviceRepo()
	clock := &fixedClock{t: time.Unix(1722500000, 0)}
	tr := newTracker(repo, "/nonexistent", nil, nil, nil, clock)
	ctx := context.Background()

	bad := []domain.VlanThreshold{
		{VlanID: 0, ThresholdKbps: 1, TimeWindowSecs: 1, SessionLimitSecs: 1},
		{VlanID: 1, ThresholdKbps: 0, TimeWindowSecs: 1, SessionLimitSecs: 1},
		{VlanID: 1, ThresholdKbps: 1, TimeWindowSecs: 0, SessionLimitSecs: 1},
		{VlanID: 1, ThresholdKbps: 1, TimeWindowSecs: 1, SessionLimitSecs: 0},
	}
	for _, th := range bad {
		if err := tr.SetVlanThreshold(ctx, "op", th); !errors.Is(err, domain.ErrInvalidThreshold) {
			t.Errorf("SetVlanThreshold(%+v) = %v, want ErrInvalidThreshold", th, err)
		}
	}

	good := domain.VlanThreshold{VlanID: 10, ThresholdKbps: 5000, TimeWindowSecs: 600, SessionLimitSecs: 3600}
	if err := tr.SetVlanThreshold(ctx, "op", good); err != nil {
		t.Fatalf("SetVlanThreshold: %v", err)
	}
	listed, err := tr.ListVlanThresholds(ctx)
	if err != nil || len(listed) != 1 || listed[0] != good {
		t.Errorf("ListVlanThresholds = %+v, %v", listed, err)
	}
}

func TestVlanThresholdBreach(t *testing.T) {
	repo := newFakeDeviceRepo()
	repo.thresholds[20] = domain.VlanThreshold{
		VlanID: 20, ThresholdKbps: 1, TimeWindowSecs: 600, SessionLimitSecs: 86400,
	}
	clock := &fixedClock{t: time.Unix(1722500000, 0)}
	traffic := &fakeTraffic{}
	path := writeLeaseFile(t, "1722503600 aa:bb:cc:dd:ee:08 192.168.1.66 nas\n")
	tr := newTracker(repo, path, traffic, nil, nil, clock)
	ctx := context.Background()

	repo.devices["aa:bb:cc:dd:ee:08"] = domain.Device{
		MAC:         "aa:bb:cc:dd:ee:08",
		FirstSeen:   clock.now(),
		LastSeen:    clock.now(),
		Reservation: &domain.Reservation{HostID: "nas", DesiredHostname: "nas", VlanID: 20},
	}

	traffic.set("aa:bb:cc:dd:ee:08", 0, 0)
	if _, err := tr.PollOnce(ctx); err != nil {
		t.Fatal(err)
	}
	clock.advance(120 * time.Second)
	// ~80 Mbit in the window, far over the 1 kbps threshold.
	traffic.set("aa:bb:cc:dd:ee:08", 5_000_000, 5_000_000)
	if _, err := tr.PollOnce(ctx); err != nil {
		t.Fatal(err)
	}

	alerts := tr.Alerts()
	if len(alerts) == 0 {
		t.Fatal("expected a vlan_threshold_breach alert")
	}
	if alerts[0].VlanID != 20 {
		t.Errorf("alert vlan = %d, want 20", alerts[0].VlanID)
	}
}
