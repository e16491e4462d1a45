// Package gate implements the intent chokepoint: the single path through
// which every candidate order is built, gated, durably recorded, and only
// then dispatched. No other code path may reach the dispatcher.
package gate

import (
	"fmt"
	"time"

	"PerpGuard/internal/intent"
	"PerpGuard/internal/mode"
	"PerpGuard/internal/snapshot"
)

// RejectReason is the pre-dispatch rejection vocabulary. A rejected intent
// never leaves the process and is never retried automatically; the caller
// must resubmit a corrected intent.
type RejectReason string

const (
	RejectNone              RejectReason = ""
	RejectModeKill          RejectReason = "mode-kill"
	RejectModeReduceOnly    RejectReason = "mode-reduce-only"
	RejectLatched           RejectReason = "open-permission-latched"
	RejectRiskIncrease      RejectReason = "replace-increases-risk"
	RejectMetadataMissing   RejectReason = "instrument-metadata-missing"
	RejectTooSmall          RejectReason = "too-small-after-quantization"
	RejectLabelTooLong      RejectReason = "label-too-long"
	RejectInconsistent      RejectReason = "dispatch-inconsistency"
	RejectFeeModelStale     RejectReason = "fee-model-stale"
	RejectLiquidity         RejectReason = "insufficient-liquidity"
	RejectNetEdge           RejectReason = "negative-net-edge"
	RejectPriceUnavailable  RejectReason = "price-source-unavailable"
	RejectPriceOutOfBand    RejectReason = "price-out-of-band"
	RejectChurnBlacklist    RejectReason = "churn-blacklisted"
	RejectDurabilityBlocked RejectReason = "wal-queue-saturated"
	RejectDuplicateSent     RejectReason = "duplicate-already-sent"
)

// Params are the gate thresholds.
type Params struct {
	FeeModelMaxAge time.Duration
	MinEdgeBps     float64
	// Max allowed deviation of the limit price from mark, in ticks per
	// thousand ticks of mark price.
	PriceBandPerMille int64
}

func DefaultParams() Params {
	return Params{
		FeeModelMaxAge:    30 * time.Minute,
		MinEdgeBps:        0.5,
		PriceBandPerMille: 50,
	}
}

// Snapshot metric keys the gates read. Per-instrument inputs are keyed by
// instrument name.
func LiquidityKey(instrument string) string { return fmt.Sprintf("liquidity.%s.ok", instrument) }
func EdgeKey(instrument string) string      { return fmt.Sprintf("edge.%s.bps", instrument) }
func MarkTicksKey(instrument string) string { return fmt.Sprintf("mark.%s.ticks", instrument) }
func IndexTicksKey(instrument string) string {
	return fmt.Sprintf("index.%s.ticks", instrument)
}

// Blacklist is consulted before opening on an instrument. The churn guard
// in the group executor implements it.
type Blacklist interface {
	Blocked(instrument string, now time.Time) bool
}

// checkMode enforces the mode gate. Cancels always pass: cancellation
// reduces risk in every mode. Risk-reducing classes pass below Kill.
// Only Open requires Active.
func checkMode(m mode.Mode, class intent.Class) RejectReason {
	if class == intent.Cancel {
		return RejectNone
	}
	switch m {
	case mode.Kill:
		return RejectModeKill
	case mode.ReduceOnly:
		if class == intent.Open {
			return RejectModeReduceOnly
		}
		return RejectNone
	default:
		return RejectNone
	}
}

// checkConsistency rejects structurally impossible intents before they can
// reach the wire.
func checkConsistency(it *intent.Intent) RejectReason {
	if it.QtySteps <= 0 {
		return RejectInconsistent
	}
	if it.PriceTicks <= 0 && it.Class != intent.Cancel {
		return RejectInconsistent
	}
	if it.LegIdx > 1 {
		return RejectInconsistent
	}
	if it.Class == intent.Hedge && !it.ReduceOnly {
		return RejectInconsistent
	}
	return RejectNone
}

// checkEconomics runs the profitability and liquidity gates. Only
// risk-increasing intents are subject to them; containment is never blocked
// by the gates that block opens.
func checkEconomics(it *intent.Intent, snap *snapshot.Snapshot, p Params) RejectReason {
	if snap == nil {
		return RejectFeeModelStale
	}

	if _, obs := snap.Int("fees.model_version", p.FeeModelMaxAge); obs != snapshot.ObsOK {
		return RejectFeeModelStale
	}

	ok, obs := snap.Bool(LiquidityKey(it.Instrument), 0)
	if obs != snapshot.ObsOK || !ok {
		return RejectLiquidity
	}

	edge, obs := snap.Float(EdgeKey(it.Instrument), 0)
	if obs != snapshot.ObsOK || edge < p.MinEdgeBps {
		return RejectNetEdge
	}

	return RejectNone
}

// checkPrice verifies the limit price against the mark price band, falling
// back to the index price when mark is unavailable. No usable price source
// at all rejects the intent.
func checkPrice(it *intent.Intent, snap *snapshot.Snapshot, p Params) RejectReason {
	if it.Class == intent.Cancel {
		return RejectNone
	}
	if snap == nil {
		return RejectPriceUnavailable
	}

	ref, obs := snap.Int(MarkTicksKey(it.Instrument), 0)
	if obs != snapshot.ObsOK || ref <= 0 {
		ref, obs = snap.Int(IndexTicksKey(it.Instrument), 0)
		if obs != snapshot.ObsOK || ref <= 0 {
			return RejectPriceUnavailable
		}
	}

	band := ref * p.PriceBandPerMille / 1000
	diff := it.PriceTicks - ref
	if diff < 0 {
		diff = -diff
	}
	if diff > band {
		return RejectPriceOutOfBand
	}
	return RejectNone
}
