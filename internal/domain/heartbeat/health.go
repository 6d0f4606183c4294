package heartbeat

import (
	"time"

	"github.com/Strob0t/TenantForge/internal/domain/tenant"
)

// Level is the outcome of a health sub-check.
type Level string

const (
	LevelHealthy Level = "healthy"
	LevelUnknown Level = "unknown"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

var severity = map[Level]int{
	LevelHealthy: 0,
	LevelUnknown: 1,
	LevelWarning: 2,
	LevelError:   3,
}

// Worst returns the most severe of the given levels. An empty list is unknown.
func Worst(levels ...Level) Level {
	if len(levels) == 0 {
		return LevelUnknown
	}
	worst := LevelHealthy
	for _, l := range levels {
		if severity[l] > severity[worst] {
			worst = l
		}
	}
	return worst
}

// QueueThresholds classify queue depth. Depth above Error is an error,
// above Warning a warning.
type QueueThresholds struct {
	Warning int
	Error   int
}

// ClassifyQueueDepth maps the latest reported queue depth onto a check result.
// A missing snapshot or depth is unknown.
func ClassifyQueueDepth(snap *tenant.HealthSnapshot, th QueueThresholds) CheckResult {
	if snap == nil || snap.QueueDepth == nil {
		return CheckResult{Status: LevelUnknown, Message: "no queue data reported"}
	}
	depth := *snap.QueueDepth
	res := CheckResult{Status: LevelHealthy, QueueDepth: &depth}
	switch {
	case depth > th.Error:
		res.Status = LevelError
		res.Message = "queue backlog critical"
	case depth > th.Warning:
		res.Status = LevelWarning
		res.Message = "queue backlog elevated"
	}
	return res
}

// CheckResult is the outcome of one sub-check.
type CheckResult struct {
	Status         Level    `json:"status"`
	Message        string   `json:"message,omitempty"`
	ResponseTimeMS *float64 `json:"response_time_ms,omitempty"`
	StatusCode     int      `json:"status_code,omitempty"`
	QueueDepth     *int     `json:"queue_depth,omitempty"`
}

// Report is the result of an on-demand health check.
type Report struct {
	TenantID  int64       `json:"tenant_id"`
	App       CheckResult `json:"app"`
	Database  CheckResult `json:"database"`
	Queue     CheckResult `json:"queue"`
	Overall   Level       `json:"overall"`
	CheckedAt time.Time   `json:"checked_at"`
}

// Finalize computes Overall: healthy only when every sub-check is healthy,
// otherwise the most severe sub-check level.
func (r *Report) Finalize() {
	r.Overall = Worst(r.App.Status, r.Database.Status, r.Queue.Status)
}

// IssueType names a platform-level problem.
type IssueType string

const (
	IssueProvisioningFailed IssueType = "provisioning_failed"
	IssueOfflineTooLong     IssueType = "offline_too_long"
)

// Issue is one entry of the platform summary's issue list.
type Issue struct {
	Type            IssueType  `json:"type"`
	TenantID        int64      `json:"tenant_id"`
	Slug            string     `json:"slug"`
	Message         string     `json:"message"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
}

// PlatformSummary aggregates tenant counts and open issues.
type PlatformSummary struct {
	Total          int                               `json:"total"`
	ByStatus       map[tenant.Status]int             `json:"by_status"`
	ByProvisioning map[tenant.ProvisioningStatus]int `json:"by_provisioning"`
	Online         int                               `json:"online"`
	Issues         []Issue                           `json:"issues"`
	GeneratedAt    time.Time                         `json:"generated_at"`
}
