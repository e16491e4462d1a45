package group

// AuditKind discriminates executor audit events.
type AuditKind string

const (
	AuditFirstFailure     AuditKind = "first_failure"
	AuditStateChange      AuditKind = "group_state"
	AuditRescueAttempt    AuditKind = "rescue_attempt"
	AuditEmergencyAttempt AuditKind = "emergency_attempt"
	AuditHedgeFallback    AuditKind = "hedge_fallback"
	AuditNakedExposure    AuditKind = "naked_exposure"
	AuditChurnBlacklist   AuditKind = "churn_blacklist"
)

// AuditEvent is one auditable executor occurrence. Events flow to the audit
// projection over a non-blocking channel; a full channel drops the event and
// the projection rebuilds from the status surface.
type AuditEvent struct {
	Kind          AuditKind `json:"kind"`
	GroupID       string    `json:"group_id,omitempty"`
	Instrument    string    `json:"instrument,omitempty"`
	Detail        string    `json:"detail,omitempty"`
	ExposureSteps int64     `json:"exposure_steps,omitempty"`
	Attempt       int       `json:"attempt,omitempty"`
	TimestampUs   int64     `json:"timestamp_us"`
}
