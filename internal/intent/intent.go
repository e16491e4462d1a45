// Package intent defines the order-intent data model: classification,
// fixed-point quantization, the economic identity hash, and the compact
// label schema used to recover intents from venue-reported orders.
package intent

import (
	"fmt"

	"github.com/google/uuid"
)

// Side of an order.
type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Sell {
		return "sell"
	}
	return "buy"
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Class is the risk classification of an intent. Only Open increases
// exposure; everything else reduces or is neutral, and is gated accordingly.
type Class int

const (
	Open Class = iota
	Close
	Hedge
	Cancel
	CancelReplace
)

func (c Class) String() string {
	switch c {
	case Open:
		return "open"
	case Close:
		return "close"
	case Hedge:
		return "hedge"
	case Cancel:
		return "cancel"
	case CancelReplace:
		return "cancel_replace"
	default:
		return "unknown"
	}
}

// RiskReducing reports whether the class can only shrink exposure.
func (c Class) RiskReducing() bool {
	return c == Close || c == Hedge || c == Cancel
}

// ParseSide parses the persisted side string.
func ParseSide(s string) (Side, error) {
	switch s {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	default:
		return Buy, fmt.Errorf("unknown side %q", s)
	}
}

// ParseClass parses the persisted class string.
func ParseClass(s string) (Class, error) {
	switch s {
	case "open":
		return Open, nil
	case "close":
		return Close, nil
	case "hedge":
		return Hedge, nil
	case "cancel":
		return Cancel, nil
	case "cancel_replace":
		return CancelReplace, nil
	default:
		return Open, fmt.Errorf("unknown class %q", s)
	}
}

// TimeInForce for dispatch.
type TimeInForce int

const (
	GTC TimeInForce = iota
	IOC
)

func (t TimeInForce) String() string {
	if t == IOC {
		return "ioc"
	}
	return "gtc"
}

// Intent is one candidate order after quantization. Quantity and price are
// held as step/tick counts so the identity hash is exact and wall-clock
// free.
type Intent struct {
	Instrument string
	Side       Side
	Class      Class
	QtySteps   int64
	PriceTicks int64
	GroupID    uuid.UUID
	LegIdx     uint32
	TIF        TimeInForce
	ReduceOnly bool
	Label      string
	Hash       uint64
}

// IH16 returns the 16-hex rendering of the intent hash.
func (i *Intent) IH16() string {
	return FormatIH16(i.Hash)
}
