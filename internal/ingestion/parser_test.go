package ingestion

import (
	"testing"

	"PerpGuard/internal/intent"
	"PerpGuard/internal/venue"
)

func parse(t *testing.T, eventType, payload string) interface{} {
	t.Helper()
	v, err := ParseRawEvent(RawEvent{Data: []byte(payload)}, eventType)
	if err != nil {
		t.Fatalf("ParseRawEvent(%s): %v", eventType, err)
	}
	return v
}

func TestParseOrderAck(t *testing.T) {
	v := parse(t, "OrderAck", `{"label":"s4:aabbccdd:123456781234:0:00000000deadbeef","exchange_id":"EX-9","market":"BTC-PERP","sequence":41,"timestamp_us":1700000000000000}`)

	ack, ok := v.(*venue.OrderAck)
	if !ok {
		t.Fatalf("payload type = %T, want *venue.OrderAck", v)
	}
	if ack.ExchangeID != "EX-9" || ack.Sequence != 41 {
		t.Errorf("ack = %+v", ack)
	}

	if _, err := ParseRawEvent(RawEvent{Data: []byte(`{"market":"BTC-PERP"}`)}, "OrderAck"); err == nil {
		t.Error("ack without label accepted")
	}
}

func TestParseFill(t *testing.T) {
	v := parse(t, "Fill", `{"trade_id":"t-77","exchange_id":"EX-9","label":"s4:aabbccdd:123456781234:0:00000000deadbeef","market":"BTC-PERP","side":"sell","qty_steps":3,"price_ticks":998,"sequence":42,"timestamp_us":1700000000000001}`)

	fill, ok := v.(*venue.Fill)
	if !ok {
		t.Fatalf("payload type = %T, want *venue.Fill", v)
	}
	if fill.TradeID != "t-77" || fill.Side != intent.Sell || fill.QtySteps != 3 {
		t.Errorf("fill = %+v", fill)
	}

	bad := []struct {
		name    string
		payload string
	}{
		{"missing trade id", `{"label":"x","market":"BTC-PERP","side":"buy","qty_steps":1}`},
		{"unknown side", `{"trade_id":"t-1","side":"short","qty_steps":1}`},
		{"zero quantity", `{"trade_id":"t-1","side":"buy","qty_steps":0}`},
		{"negative quantity", `{"trade_id":"t-1","side":"buy","qty_steps":-2}`},
	}
	for _, tt := range bad {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseRawEvent(RawEvent{Data: []byte(tt.payload)}, "Fill"); err == nil {
				t.Error("malformed fill accepted")
			}
		})
	}
}

func TestParseInstrumentUpdate(t *testing.T) {
	v := parse(t, "InstrumentUpdate", `{"market":"BTC-PERP","tick_size":50,"lot_size":100,"min_qty_steps":1,"sequence":5}`)

	upd, ok := v.(*venue.InstrumentUpdate)
	if !ok {
		t.Fatalf("payload type = %T, want *venue.InstrumentUpdate", v)
	}
	if upd.TickSize != 50 || upd.LotSize != 100 {
		t.Errorf("update = %+v", upd)
	}

	if _, err := ParseRawEvent(RawEvent{Data: []byte(`{"market":"BTC-PERP","tick_size":0,"lot_size":100}`)}, "InstrumentUpdate"); err == nil {
		t.Error("zero tick size accepted")
	}
}

func TestParseSessionNotice(t *testing.T) {
	v := parse(t, "SessionNotice", `{"terminated":true,"transport_down":false,"detail":"admin disconnect","sequence":9}`)

	notice, ok := v.(*venue.SessionNotice)
	if !ok {
		t.Fatalf("payload type = %T, want *venue.SessionNotice", v)
	}
	if !notice.Terminated || notice.Detail != "admin disconnect" {
		t.Errorf("notice = %+v", notice)
	}
}

func TestParsePriceUpdate(t *testing.T) {
	v := parse(t, "PriceUpdate", `{"market":"BTC-PERP","mark_ticks":1000,"index_ticks":1001,"sequence":12}`)

	price, ok := v.(*PriceUpdate)
	if !ok {
		t.Fatalf("payload type = %T, want *PriceUpdate", v)
	}
	if price.MarkTicks != 1000 || price.IndexTicks != 1001 {
		t.Errorf("price = %+v", price)
	}

	if _, err := ParseRawEvent(RawEvent{Data: []byte(`{"mark_ticks":1000}`)}, "PriceUpdate"); err == nil {
		t.Error("price update without market accepted")
	}
}

func TestParseTelemetrySample(t *testing.T) {
	v := parse(t, "TelemetrySample", `{"metric":"margin.util_frac","kind":"float","float_val":0.42,"sequence":3}`)
	s := v.(*TelemetrySample)
	if s.Invalid || s.FloatVal != 0.42 {
		t.Errorf("sample = %+v", s)
	}

	// A kind with no matching value is an invalid observation, not a parse
	// error: it must reach the snapshot as fail-closed evidence.
	v = parse(t, "TelemetrySample", `{"metric":"margin.util_frac","kind":"float"}`)
	if s := v.(*TelemetrySample); !s.Invalid {
		t.Error("missing value did not mark the sample invalid")
	}

	if _, err := ParseRawEvent(RawEvent{Data: []byte(`{"metric":"m","kind":"decimal"}`)}, "TelemetrySample"); err == nil {
		t.Error("unknown telemetry kind accepted")
	}
	if _, err := ParseRawEvent(RawEvent{Data: []byte(`{"kind":"float","float_val":1}`)}, "TelemetrySample"); err == nil {
		t.Error("telemetry without metric name accepted")
	}
}

func TestParseOperatorCommand(t *testing.T) {
	v := parse(t, "OperatorCommand", `{"command":"force-reduce-only","until_us":1700000900000000,"reason":"deploy window"}`)
	cmd := v.(*OperatorCommand)
	if cmd.Command != "force-reduce-only" || cmd.UntilUs != 1700000900000000 {
		t.Errorf("cmd = %+v", cmd)
	}

	if _, err := ParseRawEvent(RawEvent{Data: []byte(`{"until_us":1}`)}, "OperatorCommand"); err == nil {
		t.Error("empty command accepted")
	}
}

func TestParseIntentRequest(t *testing.T) {
	v := parse(t, "IntentRequest", `{"instrument":"BTC-PERP","side":"buy","class":"open","raw_qty":200,"raw_price":50000,"group_id":"12345678-1234-1234-1234-123456789abc","leg_idx":1,"tif":"ioc","reduce_only":false}`)

	req, ok := v.(*intent.Request)
	if !ok {
		t.Fatalf("payload type = %T, want *intent.Request", v)
	}
	if req.Class != intent.Open || req.TIF != intent.IOC || req.LegIdx != 1 {
		t.Errorf("request = %+v", req)
	}

	bad := []string{
		`{"instrument":"BTC-PERP","side":"buy","class":"liquidate","group_id":"12345678-1234-1234-1234-123456789abc"}`,
		`{"instrument":"BTC-PERP","side":"buy","class":"open","group_id":"not-a-uuid"}`,
	}
	for _, payload := range bad {
		if _, err := ParseRawEvent(RawEvent{Data: []byte(payload)}, "IntentRequest"); err == nil {
			t.Errorf("malformed request accepted: %s", payload)
		}
	}
}

func TestParseAccountReport(t *testing.T) {
	v := parse(t, "AccountReport", `{
		"open_orders":[{"exchange_id":"EX-1","label":"s4:aabbccdd:123456781234:0:00000000deadbeef","market":"BTC-PERP","side":"buy","qty_steps":2,"price_ticks":1000}],
		"positions":[{"market":"BTC-PERP","net_steps":-4}],
		"trades":[{"trade_id":"t-1","market":"BTC-PERP","side":"sell","qty_steps":4,"price_ticks":999,"timestamp_us":1700000000000000}],
		"complete":true
	}`)

	report, ok := v.(*venue.AccountReport)
	if !ok {
		t.Fatalf("payload type = %T, want *venue.AccountReport", v)
	}
	if !report.Complete || len(report.OpenOrders) != 1 || len(report.Trades) != 1 {
		t.Fatalf("report = %+v", report)
	}
	if report.Positions[0].NetSteps != -4 {
		t.Errorf("position = %+v, want short 4 steps", report.Positions[0])
	}
}

func TestParseUnknownEventType(t *testing.T) {
	if _, err := ParseRawEvent(RawEvent{Data: []byte(`{}`)}, "FundingUpdate"); err == nil {
		t.Error("unknown event type accepted")
	}
}

func TestParseMalformedJSON(t *testing.T) {
	for _, eventType := range []string{"OrderAck", "Fill", "AccountReport"} {
		if _, err := ParseRawEvent(RawEvent{Data: []byte(`{"label":`)}, eventType); err == nil {
			t.Errorf("%s: truncated JSON accepted", eventType)
		}
	}
}
