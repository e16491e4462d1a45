package mode

// Mode is the top-level operating state governing whether new risk may be
// opened. Severity is strictly ordered: Kill > ReduceOnly > Active.
type Mode int

const (
	Active Mode = iota
	ReduceOnly
	Kill
)

func (m Mode) String() string {
	switch m {
	case Active:
		return "active"
	case ReduceOnly:
		return "reduce_only"
	case Kill:
		return "kill"
	default:
		return "unknown"
	}
}

// MoreSevere reports whether m is strictly more severe than other.
func (m Mode) MoreSevere(other Mode) bool {
	return m > other
}

// Tier is the severity tier a rule belongs to. Reason lists are tier-pure:
// a Kill result carries only Kill-tier reasons.
type Tier int

const (
	TierReduceOnly Tier = iota
	TierKill
)

func (t Tier) String() string {
	if t == TierKill {
		return "kill"
	}
	return "reduce_only"
}

// ReasonCode is an element of the closed mode-reason vocabulary. An
// unrecognized code anywhere in the pipeline is a schema violation and itself
// forces Kill.
type ReasonCode string

// Kill-tier reasons.
const (
	ReasonDiskUsageKill        ReasonCode = "disk-usage-kill"
	ReasonMarginUtilKill       ReasonCode = "margin-util-kill"
	ReasonSessionTerminated    ReasonCode = "session-terminated"
	ReasonWatchdogLost         ReasonCode = "watchdog-heartbeat-lost"
	ReasonVolatilityShockKill  ReasonCode = "volatility-shock-kill"
	ReasonLiquidityShockKill   ReasonCode = "liquidity-shock-kill"
	ReasonCertBindingMismatch  ReasonCode = "cert-binding-mismatch"
	ReasonSchemaViolation      ReasonCode = "schema-violation"
)

// ReduceOnly-tier reasons.
const (
	ReasonPolicyStale             ReasonCode = "policy-stale"
	ReasonPolicyExpired           ReasonCode = "policy-expired"
	ReasonMarginUtilReduceOnly    ReasonCode = "margin-util-reduce-only"
	ReasonCertMissing             ReasonCode = "cert-missing"
	ReasonCertStale               ReasonCode = "cert-stale"
	ReasonCertFailed              ReasonCode = "cert-failed"
	ReasonEvidenceDegraded        ReasonCode = "evidence-pipeline-degraded"
	ReasonFeeModelStale           ReasonCode = "fee-model-stale"
	ReasonNetworkBunker           ReasonCode = "network-jitter-bunker"
	ReasonClockDriftExceeded      ReasonCode = "clock-drift-exceeded"
	ReasonOpenPermissionLatched   ReasonCode = "open-permission-latched"
	ReasonBasisBreach             ReasonCode = "basis-breach"
	ReasonLiqRealityBreach        ReasonCode = "liquidation-reality-breach"
	ReasonSessionUnconfirmed      ReasonCode = "session-terminated-unconfirmed"
	ReasonWatchdogUnconfirmed     ReasonCode = "watchdog-heartbeat-unconfirmed"
	ReasonOperatorForceReduceOnly ReasonCode = "operator-force-reduce-only"
	ReasonInputsMissingOrStale    ReasonCode = "inputs-missing-or-stale"
)

// reasonTiers is the authoritative vocabulary. Membership doubles as the
// schema check: codes absent from this map are violations.
var reasonTiers = map[ReasonCode]Tier{
	ReasonDiskUsageKill:       TierKill,
	ReasonMarginUtilKill:      TierKill,
	ReasonSessionTerminated:   TierKill,
	ReasonWatchdogLost:        TierKill,
	ReasonVolatilityShockKill: TierKill,
	ReasonLiquidityShockKill:  TierKill,
	ReasonCertBindingMismatch: TierKill,
	ReasonSchemaViolation:     TierKill,

	ReasonPolicyStale:             TierReduceOnly,
	ReasonPolicyExpired:           TierReduceOnly,
	ReasonMarginUtilReduceOnly:    TierReduceOnly,
	ReasonCertMissing:             TierReduceOnly,
	ReasonCertStale:               TierReduceOnly,
	ReasonCertFailed:              TierReduceOnly,
	ReasonEvidenceDegraded:        TierReduceOnly,
	ReasonFeeModelStale:           TierReduceOnly,
	ReasonNetworkBunker:           TierReduceOnly,
	ReasonClockDriftExceeded:      TierReduceOnly,
	ReasonOpenPermissionLatched:   TierReduceOnly,
	ReasonBasisBreach:             TierReduceOnly,
	ReasonLiqRealityBreach:        TierReduceOnly,
	ReasonSessionUnconfirmed:      TierReduceOnly,
	ReasonWatchdogUnconfirmed:     TierReduceOnly,
	ReasonOperatorForceReduceOnly: TierReduceOnly,
	ReasonInputsMissingOrStale:    TierReduceOnly,
}

// KnownReason reports whether rc belongs to the closed vocabulary.
func KnownReason(rc ReasonCode) bool {
	_, ok := reasonTiers[rc]
	return ok
}

// ReasonTier returns the tier a known reason belongs to.
func ReasonTier(rc ReasonCode) (Tier, bool) {
	t, ok := reasonTiers[rc]
	return t, ok
}
