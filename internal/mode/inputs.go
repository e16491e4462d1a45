package mode

import "time"

// Snapshot metric names consumed by the resolver. Producers publish under
// these keys; the rule table reads them with per-metric freshness bounds.
const (
	InputDiskUsagePct       = "disk.usage_pct"
	InputMarginUtilization  = "margin.utilization"
	InputSessionTerminated  = "session.terminated"
	InputSessionDisconnect  = "session.transport_down" // corroborator
	InputWatchdogAgeMs      = "watchdog.heartbeat_age_ms"
	InputWatchdogPeerAgeMs  = "watchdog.peer_heartbeat_age_ms" // corroborator
	InputVolShockKill       = "vol.shock_kill"
	InputLiqShockKill       = "liq.shock_kill"
	InputCertBindingOK      = "cert.binding_ok"
	InputCertStatus         = "cert.status" // valid | missing | stale | failed
	InputPolicyVersion      = "policy.version"
	InputPolicyExpired      = "policy.expired"
	InputFeeModelVersion    = "fees.model_version"
	InputNetworkJitterMs    = "net.jitter_ms"
	InputClockDriftMs       = "clock.drift_ms"
	InputLatchEngaged       = "latch.engaged"
	InputBasisBreach        = "basis.breach"
	InputLiqRealityBreach   = "liqreality.breach"
	InputEvidenceHealthy    = "evidence.healthy"
	InputForceReduceUntilUs = "operator.force_reduce_only_until_us"
	InputOverrideReason     = "override.reason"
)

// Params holds the thresholds and freshness bounds the rule table evaluates
// against. All fields have safe defaults from DefaultParams.
type Params struct {
	DiskKillPct          float64
	MarginKillUtil       float64
	MarginReduceOnlyUtil float64
	WatchdogMaxAgeMs     float64
	NetworkBunkerMs      float64
	ClockDriftMaxMs      float64

	// Freshness bounds per input. Inputs older than their bound are treated
	// as worst-case (fail closed).
	DiskMaxAge     time.Duration
	MarginMaxAge   time.Duration
	SessionMaxAge  time.Duration
	WatchdogMaxAge time.Duration
	ShockMaxAge    time.Duration
	CertMaxAge     time.Duration
	PolicyMaxAge   time.Duration
	FeeModelMaxAge time.Duration
	NetworkMaxAge  time.Duration
	ClockMaxAge    time.Duration
	EvidenceMaxAge time.Duration
	BreachMaxAge   time.Duration
}

func DefaultParams() Params {
	return Params{
		DiskKillPct:          95.0,
		MarginKillUtil:       0.90,
		MarginReduceOnlyUtil: 0.75,
		WatchdogMaxAgeMs:     5_000,
		NetworkBunkerMs:      250,
		ClockDriftMaxMs:      150,

		DiskMaxAge:     60 * time.Second,
		MarginMaxAge:   10 * time.Second,
		SessionMaxAge:  10 * time.Second,
		WatchdogMaxAge: 10 * time.Second,
		ShockMaxAge:    10 * time.Second,
		CertMaxAge:     5 * time.Minute,
		PolicyMaxAge:   15 * time.Minute,
		FeeModelMaxAge: 30 * time.Minute,
		NetworkMaxAge:  10 * time.Second,
		ClockMaxAge:    30 * time.Second,
		EvidenceMaxAge: 60 * time.Second,
		BreachMaxAge:   10 * time.Second,
	}
}

// Family groups optional input families for enforcement-profile isolation.
type Family int

const (
	FamilyCore Family = iota
	FamilyCertification
	FamilyEvidence
	FamilyGovernance
)

// Profile selects which optional input families participate in evaluation.
// Excluded families have zero influence on the computed Mode, including
// their fail-closed defaults.
type Profile struct {
	Name     string
	families map[Family]bool
}

// StandardProfile enables every input family.
func StandardProfile() Profile {
	return Profile{
		Name: "standard",
		families: map[Family]bool{
			FamilyCore:          true,
			FamilyCertification: true,
			FamilyEvidence:      true,
			FamilyGovernance:    true,
		},
	}
}

// MinimalProfile enables only the core and certification families;
// evidence/replay/governance inputs are excluded entirely.
func MinimalProfile() Profile {
	return Profile{
		Name: "minimal",
		families: map[Family]bool{
			FamilyCore:          true,
			FamilyCertification: true,
		},
	}
}

// ProfileByName resolves a profile from config; unknown names fall back to
// the standard (most restrictive input set) profile.
func ProfileByName(name string) Profile {
	if name == "minimal" {
		return MinimalProfile()
	}
	return StandardProfile()
}

// Includes reports whether a family participates under this profile.
func (p Profile) Includes(f Family) bool {
	return p.families[f]
}
