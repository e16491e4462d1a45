package query

// IntentView is the reduced read model for one intent: the immutable
// identity fields from its first WAL row plus the latest lifecycle state.
type IntentView struct {
	HashHex     string `json:"intent_hash"`
	GroupID     string `json:"group_id"`
	LegIdx      int32  `json:"leg_idx"`
	Instrument  string `json:"instrument"`
	Side        string `json:"side"`
	Class       string `json:"class"`
	QtySteps    int64  `json:"qty_steps"`
	PriceTicks  int64  `json:"price_ticks"`
	Label       string `json:"label"`
	State       string `json:"state"`
	FilledSteps int64  `json:"filled_steps"`
	ExchangeID  string `json:"exchange_id,omitempty"`
	Anomaly     string `json:"anomaly,omitempty"`
	RecordedUs  int64  `json:"recorded_us"`
	UpdatedUs   int64  `json:"updated_us"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// GroupEventRow is one WAL row scoped to a group, for audit drill-down.
type GroupEventRow struct {
	Sequence    int64  `json:"sequence"`
	Kind        string `json:"kind"`
	HashHex     string `json:"intent_hash"`
	Label       string `json:"label"`
	State       string `json:"state,omitempty"`
	FilledSteps int64  `json:"filled_steps"`
	ExchangeID  string `json:"exchange_id,omitempty"`
	Anomaly     string `json:"anomaly,omitempty"`
	TimestampUs int64  `json:"timestamp_us"`
}

// TradeRecord is one persisted trade-registry row.
type TradeRecord struct {
	TradeID     string `json:"trade_id"`
	GroupID     string `json:"group_id,omitempty"`
	LegIdx      int32  `json:"leg_idx"`
	QtySteps    int64  `json:"qty_steps"`
	PriceTicks  int64  `json:"price_ticks"`
	TimestampUs int64  `json:"timestamp_us"`
}

// IntegrityReport is the result of the persisted-chain verification.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	EventsChecked   int64   `json:"events_checked"`
	AsOfSequence    int64   `json:"as_of_sequence"`
}
