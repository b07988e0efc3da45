package domain

import "time"

// ProbeKind selects the health check strategy for a HealthProbe.
type ProbeKind string

const (
	ProbeProcess ProbeKind = "process"
	ProbePort    ProbeKind = "port"
	ProbeHTTP    ProbeKind = "http"
	ProbeDisk    ProbeKind = "disk"
	ProbeCustom  ProbeKind = "custom"
)

// HealthProbe is the configuration of one periodic check.
type HealthProbe struct {
	ID               string
	Kind             ProbeKind
	Target           string // process name, host:port, URL, path, or registry key
	IntervalS        int
	FailureThreshold int
	RecoveryAction   string // scheduler job id run on breach, empty if no auto-recovery
}

// SampleStatus is the outcome of one HealthSample.
type SampleStatus string

const (
	SampleOK   SampleStatus = "ok"
	SampleWarn SampleStatus = "warn"
	SampleFail SampleStatus = "fail"
)

// HealthSample is one observation of a HealthProbe.
type HealthSample struct {
	ProbeID string
	At      time.Time
	Status  SampleStatus
	Detail  string
}

// SelfHealOutcome is the result of one recovery attempt.
type SelfHealOutcome string

const (
	SelfHealSucceeded SelfHealOutcome = "succeeded"
	SelfHealFailed    SelfHealOutcome = "failed"
	SelfHealSuppressed SelfHealOutcome = "suppressed"
)

// SelfHealLog is one row of the self-heal audit trail — exactly one per
// recovery attempt, regardless of outcome.
type SelfHealLog struct {
	At       time.Time
	Module   string // probe id
	Action   string // recovery action (scheduler job id)
	Status   SelfHealOutcome
	Attempts int
	Error    string
	Notified bool
}
