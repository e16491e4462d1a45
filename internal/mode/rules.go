package mode

import (
	"time"

	"PerpGuard/internal/snapshot"
)

// Verdict is the outcome of evaluating one rule against a snapshot.
// BadInput marks a missing/invalid/stale input the rule could not judge;
// the resolver folds all BadInput verdicts into the generic
// inputs-missing-or-stale reason so the result can never drift toward Active.
type Verdict struct {
	Fired    bool
	BadInput bool
}

// Rule is one row of the fixed precedence table: a predicate, the tier it
// escalates to, and the reason it attaches. Row order is the deterministic
// reason order.
type Rule struct {
	Reason ReasonCode
	Tier   Tier
	Family Family
	Eval   func(snap *snapshot.Snapshot, p Params) Verdict
}

func ruleTable() []Rule {
	return []Rule{
		// --- Kill tier ---
		{
			Reason: ReasonDiskUsageKill, Tier: TierKill, Family: FamilyCore,
			Eval: func(s *snapshot.Snapshot, p Params) Verdict {
				v, obs := s.Float(InputDiskUsagePct, p.DiskMaxAge)
				if obs != snapshot.ObsOK {
					return Verdict{BadInput: true}
				}
				return Verdict{Fired: v >= p.DiskKillPct}
			},
		},
		{
			Reason: ReasonMarginUtilKill, Tier: TierKill, Family: FamilyCore,
			Eval: func(s *snapshot.Snapshot, p Params) Verdict {
				v, obs := s.Float(InputMarginUtilization, p.MarginMaxAge)
				if obs != snapshot.ObsOK {
					return Verdict{BadInput: true}
				}
				return Verdict{Fired: v >= p.MarginKillUtil}
			},
		},
		{
			Reason: ReasonSessionTerminated, Tier: TierKill, Family: FamilyCore,
			Eval: func(s *snapshot.Snapshot, p Params) Verdict {
				trig, obs := s.Bool(InputSessionTerminated, p.SessionMaxAge)
				if obs != snapshot.ObsOK {
					return Verdict{BadInput: true}
				}
				if !trig {
					return Verdict{}
				}
				return Verdict{Fired: corroborates(s, InputSessionDisconnect, p.SessionMaxAge)}
			},
		},
		{
			Reason: ReasonWatchdogLost, Tier: TierKill, Family: FamilyCore,
			Eval: func(s *snapshot.Snapshot, p Params) Verdict {
				if !watchdogTripped(s, p) {
					return Verdict{}
				}
				return Verdict{Fired: peerCorroborates(s, p)}
			},
		},
		{
			Reason: ReasonVolatilityShockKill, Tier: TierKill, Family: FamilyCore,
			Eval: func(s *snapshot.Snapshot, p Params) Verdict {
				v, obs := s.Bool(InputVolShockKill, p.ShockMaxAge)
				if obs != snapshot.ObsOK {
					return Verdict{BadInput: true}
				}
				return Verdict{Fired: v}
			},
		},
		{
			Reason: ReasonLiquidityShockKill, Tier: TierKill, Family: FamilyCore,
			Eval: func(s *snapshot.Snapshot, p Params) Verdict {
				v, obs := s.Bool(InputLiqShockKill, p.ShockMaxAge)
				if obs != snapshot.ObsOK {
					return Verdict{BadInput: true}
				}
				return Verdict{Fired: v}
			},
		},
		{
			Reason: ReasonCertBindingMismatch, Tier: TierKill, Family: FamilyCertification,
			Eval: func(s *snapshot.Snapshot, p Params) Verdict {
				ok, obs := s.Bool(InputCertBindingOK, p.CertMaxAge)
				if obs != snapshot.ObsOK {
					return Verdict{BadInput: true}
				}
				return Verdict{Fired: !ok}
			},
		},
		{
			Reason: ReasonSchemaViolation, Tier: TierKill, Family: FamilyCore,
			Eval: func(s *snapshot.Snapshot, p Params) Verdict {
				// External override codes must come from the closed vocabulary.
				// Staleness is irrelevant here: a malformed code is fatal
				// whenever it was written.
				raw, obs := s.Str(InputOverrideReason, 0)
				if obs == snapshot.ObsMissing {
					return Verdict{}
				}
				if obs == snapshot.ObsInvalid {
					return Verdict{Fired: true}
				}
				return Verdict{Fired: raw != "" && !KnownReason(ReasonCode(raw))}
			},
		},

		// --- ReduceOnly tier ---
		{
			Reason: ReasonPolicyStale, Tier: TierReduceOnly, Family: FamilyCore,
			Eval: func(s *snapshot.Snapshot, p Params) Verdict {
				// This rule is about freshness itself: a missing or aged-out
				// policy version fires directly instead of degrading to the
				// generic reason.
				_, obs := s.Int(InputPolicyVersion, p.PolicyMaxAge)
				return Verdict{Fired: obs != snapshot.ObsOK}
			},
		},
		{
			Reason: ReasonPolicyExpired, Tier: TierReduceOnly, Family: FamilyCore,
			Eval: func(s *snapshot.Snapshot, p Params) Verdict {
				v, obs := s.Bool(InputPolicyExpired, 0)
				if obs == snapshot.ObsMissing {
					return Verdict{}
				}
				if obs != snapshot.ObsOK {
					return Verdict{BadInput: true}
				}
				return Verdict{Fired: v}
			},
		},
		{
			Reason: ReasonMarginUtilReduceOnly, Tier: TierReduceOnly, Family: FamilyCore,
			Eval: func(s *snapshot.Snapshot, p Params) Verdict {
				v, obs := s.Float(InputMarginUtilization, p.MarginMaxAge)
				if obs != snapshot.ObsOK {
					return Verdict{BadInput: true}
				}
				return Verdict{Fired: v >= p.MarginReduceOnlyUtil && v < p.MarginKillUtil}
			},
		},
		{
			Reason: ReasonCertMissing, Tier: TierReduceOnly, Family: FamilyCertification,
			Eval: func(s *snapshot.Snapshot, p Params) Verdict {
				st, obs := s.Str(InputCertStatus, p.CertMaxAge)
				if obs == snapshot.ObsMissing || obs == snapshot.ObsInvalid {
					return Verdict{Fired: true}
				}
				return Verdict{Fired: obs == snapshot.ObsOK && st == "missing"}
			},
		},
		{
			Reason: ReasonCertStale, Tier: TierReduceOnly, Family: FamilyCertification,
			Eval: func(s *snapshot.Snapshot, p Params) Verdict {
				st, obs := s.Str(InputCertStatus, p.CertMaxAge)
				if obs == snapshot.ObsStale {
					return Verdict{Fired: true}
				}
				return Verdict{Fired: obs == snapshot.ObsOK && st == "stale"}
			},
		},
		{
			Reason: ReasonCertFailed, Tier: TierReduceOnly, Family: FamilyCertification,
			Eval: func(s *snapshot.Snapshot, p Params) Verdict {
				st, obs := s.Str(InputCertStatus, p.CertMaxAge)
				return Verdict{Fired: obs == snapshot.ObsOK && st == "failed"}
			},
		},
		{
			Reason: ReasonEvidenceDegraded, Tier: TierReduceOnly, Family: FamilyEvidence,
			Eval: func(s *snapshot.Snapshot, p Params) Verdict {
				healthy, obs := s.Bool(InputEvidenceHealthy, p.EvidenceMaxAge)
				if obs != snapshot.ObsOK {
					return Verdict{Fired: true}
				}
				return Verdict{Fired: !healthy}
			},
		},
		{
			Reason: ReasonFeeModelStale, Tier: TierReduceOnly, Family: FamilyCore,
			Eval: func(s *snapshot.Snapshot, p Params) Verdict {
				_, obs := s.Int(InputFeeModelVersion, p.FeeModelMaxAge)
				return Verdict{Fired: obs != snapshot.ObsOK}
			},
		},
		{
			Reason: ReasonNetworkBunker, Tier: TierReduceOnly, Family: FamilyCore,
			Eval: func(s *snapshot.Snapshot, p Params) Verdict {
				v, obs := s.Float(InputNetworkJitterMs, p.NetworkMaxAge)
				if obs != snapshot.ObsOK {
					return Verdict{BadInput: true}
				}
				return Verdict{Fired: v >= p.NetworkBunkerMs}
			},
		},
		{
			Reason: ReasonClockDriftExceeded, Tier: TierReduceOnly, Family: FamilyCore,
			Eval: func(s *snapshot.Snapshot, p Params) Verdict {
				v, obs := s.Float(InputClockDriftMs, p.ClockMaxAge)
				if obs != snapshot.ObsOK {
					return Verdict{BadInput: true}
				}
				return Verdict{Fired: v >= p.ClockDriftMaxMs || v <= -p.ClockDriftMaxMs}
			},
		},
		{
			Reason: ReasonOpenPermissionLatched, Tier: TierReduceOnly, Family: FamilyCore,
			Eval: func(s *snapshot.Snapshot, p Params) Verdict {
				engaged, obs := s.Bool(InputLatchEngaged, 0)
				if obs != snapshot.ObsOK {
					// The latch initializes engaged; before the first publish
					// the restrictive reading is also the correct one.
					return Verdict{Fired: true}
				}
				return Verdict{Fired: engaged}
			},
		},
		{
			Reason: ReasonBasisBreach, Tier: TierReduceOnly, Family: FamilyCore,
			Eval: func(s *snapshot.Snapshot, p Params) Verdict {
				v, obs := s.Bool(InputBasisBreach, p.BreachMaxAge)
				if obs != snapshot.ObsOK {
					return Verdict{BadInput: true}
				}
				return Verdict{Fired: v}
			},
		},
		{
			Reason: ReasonLiqRealityBreach, Tier: TierReduceOnly, Family: FamilyCore,
			Eval: func(s *snapshot.Snapshot, p Params) Verdict {
				v, obs := s.Bool(InputLiqRealityBreach, p.BreachMaxAge)
				if obs != snapshot.ObsOK {
					return Verdict{BadInput: true}
				}
				return Verdict{Fired: v}
			},
		},
		{
			Reason: ReasonSessionUnconfirmed, Tier: TierReduceOnly, Family: FamilyCore,
			Eval: func(s *snapshot.Snapshot, p Params) Verdict {
				trig, obs := s.Bool(InputSessionTerminated, p.SessionMaxAge)
				if obs != snapshot.ObsOK || !trig {
					return Verdict{}
				}
				return Verdict{Fired: !corroborates(s, InputSessionDisconnect, p.SessionMaxAge)}
			},
		},
		{
			Reason: ReasonWatchdogUnconfirmed, Tier: TierReduceOnly, Family: FamilyCore,
			Eval: func(s *snapshot.Snapshot, p Params) Verdict {
				if !watchdogTripped(s, p) {
					return Verdict{}
				}
				return Verdict{Fired: !peerCorroborates(s, p)}
			},
		},
		{
			Reason: ReasonOperatorForceReduceOnly, Tier: TierReduceOnly, Family: FamilyCore,
			Eval: func(s *snapshot.Snapshot, p Params) Verdict {
				until, obs := s.Int(InputForceReduceUntilUs, 0)
				if obs != snapshot.ObsOK {
					return Verdict{}
				}
				return Verdict{Fired: s.TakenAt.UnixMicro() < until}
			},
		},
	}
}

// corroborates implements the confirmation half of the corroboration
// pattern: a fresh agreeing signal confirms; a signal that is present but
// aged out cannot vouch against the trigger, so it is taken at its
// worst-case value and also confirms. Only a missing, unparseable, or
// fresh-disagreeing corroborator withholds confirmation (the trigger then
// surfaces as an unconfirmed ReduceOnly reason instead of Kill).
func corroborates(s *snapshot.Snapshot, name string, maxAge time.Duration) bool {
	v, obs := s.Bool(name, maxAge)
	switch obs {
	case snapshot.ObsOK:
		return v
	case snapshot.ObsStale:
		return true
	default:
		return false
	}
}

// watchdogTripped is the raw watchdog trigger: a fresh heartbeat age above
// the bound, or a heartbeat monitor that stopped reporting at all.
func watchdogTripped(s *snapshot.Snapshot, p Params) bool {
	age, obs := s.Float(InputWatchdogAgeMs, p.WatchdogMaxAge)
	if obs == snapshot.ObsOK {
		return age >= p.WatchdogMaxAgeMs
	}
	return true
}

// peerCorroborates checks the independent peer watchdog. Same stale
// semantics as corroborates.
func peerCorroborates(s *snapshot.Snapshot, p Params) bool {
	age, obs := s.Float(InputWatchdogPeerAgeMs, p.WatchdogMaxAge)
	switch obs {
	case snapshot.ObsOK:
		return age >= p.WatchdogMaxAgeMs
	case snapshot.ObsStale:
		return true
	default:
		return false
	}
}
