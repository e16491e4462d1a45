package ingestion

import (
	"encoding/json"
	"fmt"

	"PerpGuard/internal/intent"
	"PerpGuard/internal/venue"

	"github.com/google/uuid"
)

// TelemetrySample is one health-plane input destined for the snapshot
// builder. Exactly one of the value fields is meaningful, selected by Kind.
type TelemetrySample struct {
	Metric      string
	Kind        string // "float", "int", "bool", "string"
	FloatVal    float64
	IntVal      int64
	BoolVal     bool
	StrVal      string
	Invalid     bool
	Sequence    int64
	TimestampUs int64
}

// PriceUpdate carries mark and index prices for one market.
type PriceUpdate struct {
	Market      string
	MarkTicks   int64
	IndexTicks  int64
	Sequence    int64
	TimestampUs int64
}

// OperatorCommand is a governance action from the ops surface.
type OperatorCommand struct {
	Command     string // "force-reduce-only", "clear-force-reduce-only"
	UntilUs     int64
	Reason      string
	TimestampUs int64
}

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a
// typed payload: a venue.Event, TelemetrySample, PriceUpdate, or
// OperatorCommand.
func ParseRawEvent(raw RawEvent, eventType string) (interface{}, error) {
	switch eventType {
	case "OrderAck":
		return parseOrderAck(raw.Data)
	case "OrderReject":
		return parseOrderReject(raw.Data)
	case "Fill":
		return parseFill(raw.Data)
	case "CancelAck":
		return parseCancelAck(raw.Data)
	case "SessionNotice":
		return parseSessionNotice(raw.Data)
	case "InstrumentUpdate":
		return parseInstrumentUpdate(raw.Data)
	case "PriceUpdate":
		return parsePriceUpdate(raw.Data)
	case "TelemetrySample":
		return parseTelemetrySample(raw.Data)
	case "OperatorCommand":
		return parseOperatorCommand(raw.Data)
	case "IntentRequest":
		return parseIntentRequest(raw.Data)
	case "AccountReport":
		return parseAccountReport(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

type orderAckJSON struct {
	Label       string `json:"label"`
	ExchangeID  string `json:"exchange_id"`
	Market      string `json:"market"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseOrderAck(data []byte) (*venue.OrderAck, error) {
	var j orderAckJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse OrderAck: %w", err)
	}
	if j.Label == "" {
		return nil, fmt.Errorf("parse OrderAck: empty label")
	}
	return &venue.OrderAck{
		Label:       j.Label,
		ExchangeID:  j.ExchangeID,
		Market:      j.Market,
		Sequence:    j.Sequence,
		TimestampUs: j.TimestampUs,
	}, nil
}

type orderRejectJSON struct {
	Label       string `json:"label"`
	Market      string `json:"market"`
	Reason      string `json:"reason"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseOrderReject(data []byte) (*venue.OrderReject, error) {
	var j orderRejectJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse OrderReject: %w", err)
	}
	if j.Label == "" {
		return nil, fmt.Errorf("parse OrderReject: empty label")
	}
	return &venue.OrderReject{
		Label:       j.Label,
		Market:      j.Market,
		Reason:      j.Reason,
		Sequence:    j.Sequence,
		TimestampUs: j.TimestampUs,
	}, nil
}

type fillJSON struct {
	TradeID     string `json:"trade_id"`
	ExchangeID  string `json:"exchange_id"`
	Label       string `json:"label"`
	Market      string `json:"market"`
	Side        string `json:"side"` // "buy" or "sell"
	QtySteps    int64  `json:"qty_steps"`
	PriceTicks  int64  `json:"price_ticks"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseFill(data []byte) (*venue.Fill, error) {
	var j fillJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Fill: %w", err)
	}
	if j.TradeID == "" {
		return nil, fmt.Errorf("parse Fill: empty trade_id")
	}
	side, err := intent.ParseSide(j.Side)
	if err != nil {
		return nil, fmt.Errorf("parse Fill side: %w", err)
	}
	if j.QtySteps <= 0 {
		return nil, fmt.Errorf("parse Fill: non-positive qty_steps %d", j.QtySteps)
	}
	return &venue.Fill{
		TradeID:     j.TradeID,
		ExchangeID:  j.ExchangeID,
		Label:       j.Label,
		Market:      j.Market,
		Side:        side,
		QtySteps:    j.QtySteps,
		PriceTicks:  j.PriceTicks,
		Sequence:    j.Sequence,
		TimestampUs: j.TimestampUs,
	}, nil
}

type cancelAckJSON struct {
	Label       string `json:"label"`
	ExchangeID  string `json:"exchange_id"`
	Market      string `json:"market"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseCancelAck(data []byte) (*venue.CancelAck, error) {
	var j cancelAckJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CancelAck: %w", err)
	}
	if j.Label == "" {
		return nil, fmt.Errorf("parse CancelAck: empty label")
	}
	return &venue.CancelAck{
		Label:       j.Label,
		ExchangeID:  j.ExchangeID,
		Market:      j.Market,
		Sequence:    j.Sequence,
		TimestampUs: j.TimestampUs,
	}, nil
}

type sessionNoticeJSON struct {
	Terminated    bool   `json:"terminated"`
	TransportDown bool   `json:"transport_down"`
	Detail        string `json:"detail,omitempty"`
	Sequence      int64  `json:"sequence"`
	TimestampUs   int64  `json:"timestamp_us"`
}

func parseSessionNotice(data []byte) (*venue.SessionNotice, error) {
	var j sessionNoticeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SessionNotice: %w", err)
	}
	return &venue.SessionNotice{
		Terminated:    j.Terminated,
		TransportDown: j.TransportDown,
		Detail:        j.Detail,
		Sequence:      j.Sequence,
		TimestampUs:   j.TimestampUs,
	}, nil
}

type instrumentUpdateJSON struct {
	Market      string `json:"market"`
	TickSize    int64  `json:"tick_size"`
	LotSize     int64  `json:"lot_size"`
	MinQtySteps int64  `json:"min_qty_steps"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseInstrumentUpdate(data []byte) (*venue.InstrumentUpdate, error) {
	var j instrumentUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse InstrumentUpdate: %w", err)
	}
	if j.TickSize <= 0 || j.LotSize <= 0 {
		return nil, fmt.Errorf("parse InstrumentUpdate: non-positive tick or lot size for %s", j.Market)
	}
	return &venue.InstrumentUpdate{
		Market:      j.Market,
		TickSize:    j.TickSize,
		LotSize:     j.LotSize,
		MinQtySteps: j.MinQtySteps,
		Sequence:    j.Sequence,
		TimestampUs: j.TimestampUs,
	}, nil
}

type priceUpdateJSON struct {
	Market      string `json:"market"`
	MarkTicks   int64  `json:"mark_ticks"`
	IndexTicks  int64  `json:"index_ticks"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parsePriceUpdate(data []byte) (*PriceUpdate, error) {
	var j priceUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PriceUpdate: %w", err)
	}
	if j.Market == "" {
		return nil, fmt.Errorf("parse PriceUpdate: empty market")
	}
	return &PriceUpdate{
		Market:      j.Market,
		MarkTicks:   j.MarkTicks,
		IndexTicks:  j.IndexTicks,
		Sequence:    j.Sequence,
		TimestampUs: j.TimestampUs,
	}, nil
}

type telemetrySampleJSON struct {
	Metric      string   `json:"metric"`
	Kind        string   `json:"kind"`
	FloatVal    *float64 `json:"float_val,omitempty"`
	IntVal      *int64   `json:"int_val,omitempty"`
	BoolVal     *bool    `json:"bool_val,omitempty"`
	StrVal      *string  `json:"str_val,omitempty"`
	Invalid     bool     `json:"invalid,omitempty"`
	Sequence    int64    `json:"sequence"`
	TimestampUs int64    `json:"timestamp_us"`
}

func parseTelemetrySample(data []byte) (*TelemetrySample, error) {
	var j telemetrySampleJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse TelemetrySample: %w", err)
	}
	if j.Metric == "" {
		return nil, fmt.Errorf("parse TelemetrySample: empty metric")
	}

	s := &TelemetrySample{
		Metric:      j.Metric,
		Kind:        j.Kind,
		Invalid:     j.Invalid,
		Sequence:    j.Sequence,
		TimestampUs: j.TimestampUs,
	}
	switch j.Kind {
	case "float":
		if j.FloatVal == nil {
			s.Invalid = true
		} else {
			s.FloatVal = *j.FloatVal
		}
	case "int":
		if j.IntVal == nil {
			s.Invalid = true
		} else {
			s.IntVal = *j.IntVal
		}
	case "bool":
		if j.BoolVal == nil {
			s.Invalid = true
		} else {
			s.BoolVal = *j.BoolVal
		}
	case "string":
		if j.StrVal == nil {
			s.Invalid = true
		} else {
			s.StrVal = *j.StrVal
		}
	default:
		return nil, fmt.Errorf("parse TelemetrySample: unknown kind %q", j.Kind)
	}
	return s, nil
}

type operatorCommandJSON struct {
	Command     string `json:"command"`
	UntilUs     int64  `json:"until_us,omitempty"`
	Reason      string `json:"reason,omitempty"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseOperatorCommand(data []byte) (*OperatorCommand, error) {
	var j operatorCommandJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse OperatorCommand: %w", err)
	}
	if j.Command == "" {
		return nil, fmt.Errorf("parse OperatorCommand: empty command")
	}
	return &OperatorCommand{
		Command:     j.Command,
		UntilUs:     j.UntilUs,
		Reason:      j.Reason,
		TimestampUs: j.TimestampUs,
	}, nil
}

type intentRequestJSON struct {
	Instrument string `json:"instrument"`
	Side       string `json:"side"`
	Class      string `json:"class"`
	RawQty     int64  `json:"raw_qty"`
	RawPrice   int64  `json:"raw_price"`
	GroupID    string `json:"group_id"`
	LegIdx     uint32 `json:"leg_idx"`
	TIF        string `json:"tif"`
	ReduceOnly bool   `json:"reduce_only"`
}

func parseIntentRequest(data []byte) (*intent.Request, error) {
	var j intentRequestJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse IntentRequest: %w", err)
	}
	side, err := intent.ParseSide(j.Side)
	if err != nil {
		return nil, fmt.Errorf("parse IntentRequest side: %w", err)
	}
	class, err := intent.ParseClass(j.Class)
	if err != nil {
		return nil, fmt.Errorf("parse IntentRequest class: %w", err)
	}
	groupID, err := uuid.Parse(j.GroupID)
	if err != nil {
		return nil, fmt.Errorf("parse IntentRequest group_id: %w", err)
	}
	tif := intent.GTC
	if j.TIF == "ioc" {
		tif = intent.IOC
	}
	return &intent.Request{
		Instrument: j.Instrument,
		Side:       side,
		Class:      class,
		RawQty:     j.RawQty,
		RawPrice:   j.RawPrice,
		GroupID:    groupID,
		LegIdx:     j.LegIdx,
		TIF:        tif,
		ReduceOnly: j.ReduceOnly,
	}, nil
}

type accountReportJSON struct {
	OpenOrders []struct {
		ExchangeID string `json:"exchange_id"`
		Label      string `json:"label"`
		Market     string `json:"market"`
		Side       string `json:"side"`
		QtySteps   int64  `json:"qty_steps"`
		PriceTicks int64  `json:"price_ticks"`
	} `json:"open_orders"`
	Positions []struct {
		Market   string `json:"market"`
		NetSteps int64  `json:"net_steps"`
	} `json:"positions"`
	Trades []struct {
		TradeID     string `json:"trade_id"`
		Market      string `json:"market"`
		Side        string `json:"side"`
		QtySteps    int64  `json:"qty_steps"`
		PriceTicks  int64  `json:"price_ticks"`
		TimestampUs int64  `json:"timestamp_us"`
	} `json:"trades"`
	Complete bool `json:"complete"`
}

func parseAccountReport(data []byte) (*venue.AccountReport, error) {
	var j accountReportJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse AccountReport: %w", err)
	}

	report := &venue.AccountReport{Complete: j.Complete}

	for _, o := range j.OpenOrders {
		side, err := intent.ParseSide(o.Side)
		if err != nil {
			return nil, fmt.Errorf("parse AccountReport order side: %w", err)
		}
		report.OpenOrders = append(report.OpenOrders, venue.OpenOrder{
			ExchangeID: o.ExchangeID,
			Label:      o.Label,
			Market:     o.Market,
			Side:       side,
			QtySteps:   o.QtySteps,
			PriceTicks: o.PriceTicks,
		})
	}
	for _, p := range j.Positions {
		report.Positions = append(report.Positions, venue.Position{
			Market:   p.Market,
			NetSteps: p.NetSteps,
		})
	}
	for _, t := range j.Trades {
		side, err := intent.ParseSide(t.Side)
		if err != nil {
			return nil, fmt.Errorf("parse AccountReport trade side: %w", err)
		}
		report.Trades = append(report.Trades, venue.Trade{
			TradeID:     t.TradeID,
			Market:      t.Market,
			Side:        side,
			QtySteps:    t.QtySteps,
			PriceTicks:  t.PriceTicks,
			TimestampUs: t.TimestampUs,
		})
	}
	return report, nil
}
