package venue

import "PerpGuard/internal/intent"

// Reconciliation inputs: point-in-time reports fetched from the venue's
// query surface, as opposed to the streamed events above.

// OpenOrder is one venue-reported resting order.
type OpenOrder struct {
	ExchangeID string
	Label      string
	Market     string
	Side       intent.Side
	QtySteps   int64
	PriceTicks int64
}

// Position is one venue-reported net position.
type Position struct {
	Market   string
	NetSteps int64 // signed: positive long, negative short
}

// Trade is one venue-reported historical execution inside the reconcile
// lookback window.
type Trade struct {
	TradeID     string
	Market      string
	Side        intent.Side
	QtySteps    int64
	PriceTicks  int64
	TimestampUs int64
}

// AccountReport bundles the three reconcile queries taken together.
type AccountReport struct {
	OpenOrders []OpenOrder
	Positions  []Position
	Trades     []Trade
	// Complete is false when any of the three queries failed; an incomplete
	// report can never clear the latch.
	Complete bool
}
