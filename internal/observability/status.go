package observability

import (
	"encoding/json"
	"net/http"
)

// Status is the operator-facing point-in-time summary served on the ops
// mux. Every field is also available as a metric; the JSON form exists so
// a human can see the whole picture in one request.
type Status struct {
	Mode             string   `json:"mode"`
	ModeReasons      []string `json:"mode_reasons"`
	LatchBlocked     bool     `json:"latch_blocked"`
	LatchReasons     []string `json:"latch_reason_codes"`
	LatchAgeSeconds  float64  `json:"latch_age_seconds"`
	PolicyAgeSeconds float64  `json:"policy_age_seconds"`
	SnapshotVersion  int64    `json:"snapshot_version"`
	GroupsLive       int      `json:"groups_live"`
	WALSequence      int64    `json:"wal_sequence"`
	InFlightIntents  int      `json:"in_flight_intents"`
	Ready            bool     `json:"ready"`
}

// StatusHandler serves the current status from a provider. The provider is
// called per request; it must be cheap and lock-light.
func StatusHandler(provider func() Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(provider())
	}
}
