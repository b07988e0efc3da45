package domain

import "time"

// Reservation pins a Device's hostname/VLAN assignment across lease churn.
type Reservation struct {
	HostID          string
	DesiredHostname string
	VlanID          int
}

// Device is the authoritative record for one physical/virtual network host,
// keyed by normalized MAC address.
type Device struct {
	MAC         string // canonical form: lowercase, colon-separated
	IP          string
	Hostname    string
	VlanID      int // 0 means unset/nil
	FirstSeen   time.Time
	LastSeen    time.Time
	Reservation *Reservation
}

// LeaseRecord is a raw DHCP lease observation, not authoritative on its own.
// Later observations for the same MAC supersede earlier ones.
type LeaseRecord struct {
	MAC         string
	IP          string
	Hostname    string
	LeaseExpiry time.Time
	SourceFile  string
	ObservedAt  time.Time
}

// PresenceSample is one point-in-time activity observation for a Device.
type PresenceSample struct {
	MAC            string
	ObservedAt     time.Time
	BytesInDelta   int64
	BytesOutDelta  int64
	PingResponded  bool
	Active         bool // derived by DetectionSettings.IsActive
}

// DetectionSettings holds the tunable presence-detection thresholds.
type DetectionSettings struct {
	PingWindowS int64
	MinBytesIn  int64
	MinBytesOut int64
}

// DefaultDetectionSettings returns the documented defaults.
func DefaultDetectionSettings() DetectionSettings {
	return DetectionSettings{
		PingWindowS: 3,
		MinBytesIn:  1024,
		MinBytesOut: 1024,
	}
}

// IsActive decides whether a sample counts as activity: ping success OR
// both byte deltas meeting their minima.
func (d DetectionSettings) IsActive(pingResponded bool, bytesIn, bytesOut int64) bool {
	if pingResponded {
		return true
	}
	return bytesIn >= d.MinBytesIn && bytesOut >= d.MinBytesOut
}

// UsageSession is a bounded online interval for a Device, optionally
// classified by application category.
type UsageSession struct {
	ID          string
	VlanID      int
	MAC         string
	IP          string
	Hostname    string
	AppCategory string // empty until classified
	StartedAt   time.Time
	EndedAt     time.Time // zero while open
	SecondsUsed int64
}

// AppPattern matches DNS query hostnames to an app category by regex.
type AppPattern struct {
	ID       int64
	Pattern  string // regex against queried hostname
	Category string
}

// DnsWhitelist entries are excluded from usage attribution entirely.
type DnsWhitelist struct {
	ID      int64
	Pattern string
}

// VlanThreshold bounds bandwidth and session length per VLAN.
type VlanThreshold struct {
	VlanID           int
	ThresholdKbps    int64
	TimeWindowSecs   int64
	SessionLimitSecs int64
}

// VlanThresholdAudit records a change to a VlanThreshold.
type VlanThresholdAudit struct {
	At     time.Time
	Actor  string
	VlanID int
	Before VlanThreshold
	After  VlanThreshold
}

// PollSummary is the result of one Device Tracker poll_once() cycle.
type PollSummary struct {
	DevicesSeen    int
	NewDevices     int
	SessionsOpened int
	SessionsClosed int
}
