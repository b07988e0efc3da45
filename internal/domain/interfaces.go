package domain

import "context"

// JobRepository persists Job definitions and JobRun history. Implementations
// must enforce "at most one RUNNING run per job_id" with a conditional
// update at the storage layer, never an application-level lock.
type JobRepository interface {
	InsertJob(ctx context.Context, j Job) error
	UpdateJob(ctx context.Context, j Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context) ([]Job, error)
	DeleteJob(ctx context.Context, id string) error

	InsertRun(ctx context.Context, r JobRun) error
	// TryStartRun atomically transitions a run to RUNNING only if no other
	// run for the same job is currently RUNNING; ok is false otherwise.
	TryStartRun(ctx context.Context, jobID, runID string, startedAt int64) (ok bool, err error)
	UpdateRun(ctx context.Context, r JobRun) error
	GetRun(ctx context.Context, runID string) (*JobRun, error)
	HasRunningRun(ctx context.Context, jobID string) (bool, error)
	History(ctx context.Context, jobID string, limit int) ([]JobRun, error)
	LatestCompletedSince(ctx context.Context, jobID string, since int64) (*JobRun, error)
}

// DeviceRepository persists Device, LeaseRecord, UsageSession, and
// classification/threshold configuration.
type DeviceRepository interface {
	UpsertDevice(ctx context.Context, d Device) error
	GetDevice(ctx context.Context, mac string) (*Device, error)
	ListDevices(ctx context.Context) ([]Device, error)

	InsertLease(ctx context.Context, l LeaseRecord) error

	OpenSession(ctx context.Context, s UsageSession) error
	CloseSession(ctx context.Context, id string, endedAt int64, secondsUsed int64) error
	ExtendSession(ctx context.Context, id string, secondsUsed int64) error
	OpenSessionForMAC(ctx context.Context, mac string) (*UsageSession, error)
	SessionHistory(ctx context.Context, mac string, limit int) ([]UsageSession, error)
	SetSessionCategory(ctx context.Context, id, category string) error

	ListAppPatterns(ctx context.Context) ([]AppPattern, error)
	ListDnsWhitelist(ctx context.Context) ([]DnsWhitelist, error)

	GetVlanThreshold(ctx context.Context, vlanID int) (*VlanThreshold, error)
	ListVlanThresholds(ctx context.Context) ([]VlanThreshold, error)
	SetVlanThreshold(ctx context.Context, actor string, t VlanThreshold) error
}

// HealthRepository persists HealthProbe configuration, HealthSamples, and
// the self-heal attempt log.
type HealthRepository interface {
	ListProbes(ctx context.Context) ([]HealthProbe, error)
	GetProbe(ctx context.Context, id string) (*HealthProbe, error)

	RecordSample(ctx context.Context, s HealthSample) error
	RecentSamples(ctx context.Context, probeID string, limit int) ([]HealthSample, error)
	ConsecutiveFailures(ctx context.Context, probeID string) (int, error)

	RecordSelfHeal(ctx context.Context, l SelfHealLog) error
	SelfHealAttemptsSince(ctx context.Context, probeID string, since int64) (int, error)
}

// AuthRepository persists Users and Sessions.
type AuthRepository interface {
	CreateUser(ctx context.Context, u User) error
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUser(ctx context.Context, id string) (*User, error)
	UpdateUser(ctx context.Context, u User) error

	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, token string) (*Session, error)
	// TouchSession slides a session's expiry forward (sliding idle timeout).
	TouchSession(ctx context.Context, token string, expiresAt int64) error
	RevokeSession(ctx context.Context, token string) error
}

// AuditRepository persists the append-only AuditEvent trail. This is the
// canonical operational-tier entity: large, append-heavy, eligible for
// offload to the pgx-backed store.
type AuditRepository interface {
	Record(ctx context.Context, e AuditEvent) error
	Recent(ctx context.Context, limit int) ([]AuditEvent, error)
}

// JobFunc is the signature every registry entry must satisfy. Jobs invoke
// work through a process-wide function registry keyed by stable name, not
// dynamic dispatch.
type JobFunc func(ctx context.Context, args []any, kwargs map[string]any) error

// Registry is the job-function lookup table the scheduler resolves job
// targets against. Health recovery actions name scheduler jobs and run
// through the scheduler's RunNow; they do not look up this table.
type Registry interface {
	Register(name string, fn JobFunc) error
	Lookup(name string) (JobFunc, bool)
}
