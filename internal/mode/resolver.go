package mode

import (
	"fmt"

	"PerpGuard/internal/snapshot"
)

// Resolver computes the operating mode from a snapshot. Evaluate is a pure
// function: no state is carried between cycles beyond the snapshot itself,
// and identical snapshots always yield identical results.
type Resolver struct {
	profile Profile
	params  Params
	rules   []Rule
}

func NewResolver(profile Profile, params Params) *Resolver {
	rules := ruleTable()

	// Construction-time schema check: every row must name a known reason and
	// sit in that reason's tier. A mismatch is a programming error, not a
	// runtime condition.
	for _, r := range rules {
		tier, ok := ReasonTier(r.Reason)
		if !ok {
			panic(fmt.Sprintf("FATAL: rule references unknown reason code %q", r.Reason))
		}
		if tier != r.Tier {
			panic(fmt.Sprintf("FATAL: rule %q declared in tier %s but vocabulary places it in %s",
				r.Reason, r.Tier, tier))
		}
	}

	return &Resolver{
		profile: profile,
		params:  params,
		rules:   rules,
	}
}

// Evaluate runs the two-pass precedence table.
//
// Pass 1 collects every matching Kill-tier reason; any hit short-circuits to
// Kill with a tier-pure reason list. Pass 2 does the same for ReduceOnly.
// Otherwise the result is Active with an empty list. Bad inputs encountered
// in either pass fold into the generic inputs-missing-or-stale reason, so a
// degraded snapshot can never read as Active.
//
// A nil snapshot means a consistent view could not be obtained this cycle;
// the resolver fails closed without touching any rule.
func (r *Resolver) Evaluate(snap *snapshot.Snapshot) (Mode, []ReasonCode) {
	if snap == nil {
		return ReduceOnly, []ReasonCode{ReasonInputsMissingOrStale}
	}

	var killReasons []ReasonCode
	var reduceReasons []ReasonCode
	badInput := false

	for _, rule := range r.rules {
		if !r.profile.Includes(rule.Family) {
			continue
		}
		if rule.Tier != TierKill {
			continue
		}
		v := rule.Eval(snap, r.params)
		if v.Fired {
			killReasons = append(killReasons, rule.Reason)
		}
		if v.BadInput {
			badInput = true
		}
	}

	if len(killReasons) > 0 {
		return Kill, killReasons
	}

	for _, rule := range r.rules {
		if !r.profile.Includes(rule.Family) {
			continue
		}
		if rule.Tier != TierReduceOnly {
			continue
		}
		v := rule.Eval(snap, r.params)
		if v.Fired {
			reduceReasons = append(reduceReasons, rule.Reason)
		}
		if v.BadInput {
			badInput = true
		}
	}

	if badInput {
		reduceReasons = append(reduceReasons, ReasonInputsMissingOrStale)
	}

	if len(reduceReasons) > 0 {
		return ReduceOnly, reduceReasons
	}

	return Active, nil
}

// Profile returns the enforcement profile the resolver was built with.
func (r *Resolver) Profile() Profile {
	return r.profile
}

// Params returns the thresholds the resolver evaluates against.
func (r *Resolver) Params() Params {
	return r.params
}
