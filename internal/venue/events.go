// Package venue holds the typed events received from the exchange-event
// listeners. The wire protocol itself lives outside this system; by the time
// an event reaches here it is parsed, typed, and timestamped.
package venue

import (
	"fmt"

	"PerpGuard/internal/intent"
)

// EventType discriminator for venue event payloads.
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeOrderAck
	EventTypeOrderReject
	EventTypeFill
	EventTypeCancelAck
	EventTypeSessionNotice
	EventTypeInstrumentUpdate
)

func (et EventType) String() string {
	switch et {
	case EventTypeOrderAck:
		return "OrderAck"
	case EventTypeOrderReject:
		return "OrderReject"
	case EventTypeFill:
		return "Fill"
	case EventTypeCancelAck:
		return "CancelAck"
	case EventTypeSessionNotice:
		return "SessionNotice"
	case EventTypeInstrumentUpdate:
		return "InstrumentUpdate"
	default:
		return "Unknown"
	}
}

// Event is the interface all venue event payloads implement.
type Event interface {
	// IdempotencyKey returns the stable dedup key for redundant delivery.
	IdempotencyKey() string

	// EventType returns the discriminator.
	EventType() EventType

	// Instrument returns the instrument context (empty for session events).
	Instrument() string

	// SourceSequence returns the per-channel ordering key.
	SourceSequence() int64
}

// OrderAck acknowledges that the venue accepted an order.
type OrderAck struct {
	Label       string
	ExchangeID  string
	Market      string
	Sequence    int64
	TimestampUs int64
}

func (e *OrderAck) IdempotencyKey() string { return fmt.Sprintf("ack:%s:%s", e.Label, e.ExchangeID) }
func (e *OrderAck) EventType() EventType   { return EventTypeOrderAck }
func (e *OrderAck) Instrument() string     { return e.Market }
func (e *OrderAck) SourceSequence() int64  { return e.Sequence }

// OrderReject reports that the venue refused an order.
type OrderReject struct {
	Label       string
	Market      string
	Reason      string
	Sequence    int64
	TimestampUs int64
}

func (e *OrderReject) IdempotencyKey() string {
	return fmt.Sprintf("reject:%s:%d", e.Label, e.Sequence)
}
func (e *OrderReject) EventType() EventType  { return EventTypeOrderReject }
func (e *OrderReject) Instrument() string    { return e.Market }
func (e *OrderReject) SourceSequence() int64 { return e.Sequence }

// Fill reports an execution. TradeID is the venue-assigned id used for
// exactly-once application via the trade-id registry.
type Fill struct {
	TradeID     string
	ExchangeID  string
	Label       string
	Market      string
	Side        intent.Side
	QtySteps    int64
	PriceTicks  int64
	Sequence    int64
	TimestampUs int64
}

func (e *Fill) IdempotencyKey() string { return fmt.Sprintf("fill:%s", e.TradeID) }
func (e *Fill) EventType() EventType   { return EventTypeFill }
func (e *Fill) Instrument() string     { return e.Market }
func (e *Fill) SourceSequence() int64  { return e.Sequence }

// CancelAck confirms a cancellation.
type CancelAck struct {
	Label       string
	ExchangeID  string
	Market      string
	Sequence    int64
	TimestampUs int64
}

func (e *CancelAck) IdempotencyKey() string {
	return fmt.Sprintf("cancel:%s:%d", e.Label, e.Sequence)
}
func (e *CancelAck) EventType() EventType  { return EventTypeCancelAck }
func (e *CancelAck) Instrument() string    { return e.Market }
func (e *CancelAck) SourceSequence() int64 { return e.Sequence }

// SessionNotice carries venue session lifecycle signals. Terminated is the
// raw kill trigger; TransportDown is the independent corroborator published
// by the transport layer.
type SessionNotice struct {
	Terminated    bool
	TransportDown bool
	Detail        string
	Sequence      int64
	TimestampUs   int64
}

func (e *SessionNotice) IdempotencyKey() string {
	return fmt.Sprintf("session:%d", e.Sequence)
}
func (e *SessionNotice) EventType() EventType  { return EventTypeSessionNotice }
func (e *SessionNotice) Instrument() string    { return "" }
func (e *SessionNotice) SourceSequence() int64 { return e.Sequence }

// InstrumentUpdate refreshes contract specs.
type InstrumentUpdate struct {
	Market      string
	TickSize    int64
	LotSize     int64
	MinQtySteps int64
	Sequence    int64
	TimestampUs int64
}

func (e *InstrumentUpdate) IdempotencyKey() string {
	return fmt.Sprintf("instrument:%s:%d", e.Market, e.Sequence)
}
func (e *InstrumentUpdate) EventType() EventType  { return EventTypeInstrumentUpdate }
func (e *InstrumentUpdate) Instrument() string    { return e.Market }
func (e *InstrumentUpdate) SourceSequence() int64 { return e.Sequence }
