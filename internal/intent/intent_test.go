package intent

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func testMeta() *InstrumentMeta {
	return &InstrumentMeta{
		Name:        "BTC-PERP",
		TickSize:    50,
		LotSize:     100,
		MinQtySteps: 1,
	}
}

func TestQuantizeQuantityFloors(t *testing.T) {
	meta := testMeta()

	qty, _, err := Quantize(meta, Buy, 350, 1000)
	if err != nil {
		t.Fatalf("Quantize: %v", err)
	}
	if qty != 3 {
		t.Errorf("qtySteps = %d, want 3 (350/100 floored)", qty)
	}
}

func TestQuantizePriceNeverCrossesTowardAggression(t *testing.T) {
	meta := testMeta()

	// 1,230 raw sits between ticks 24 and 25.
	_, buyTicks, err := Quantize(meta, Buy, 100, 1230)
	if err != nil {
		t.Fatalf("Quantize buy: %v", err)
	}
	if buyTicks != 24 {
		t.Errorf("buy ticks = %d, want 24 (floored)", buyTicks)
	}

	_, sellTicks, err := Quantize(meta, Sell, 100, 1230)
	if err != nil {
		t.Fatalf("Quantize sell: %v", err)
	}
	if sellTicks != 25 {
		t.Errorf("sell ticks = %d, want 25 (ceiled)", sellTicks)
	}

	// Exactly on a tick, both sides land on it.
	_, onTick, _ := Quantize(meta, Sell, 100, 1250)
	if onTick != 25 {
		t.Errorf("on-tick sell = %d, want 25", onTick)
	}
}

func TestQuantizeRejectsDust(t *testing.T) {
	meta := testMeta()
	meta.MinQtySteps = 5

	if _, _, err := Quantize(meta, Buy, 99, 1000); !errors.Is(err, ErrTooSmallAfterQuantization) {
		t.Errorf("sub-lot qty: err = %v, want ErrTooSmallAfterQuantization", err)
	}
	if _, _, err := Quantize(meta, Buy, 400, 1000); !errors.Is(err, ErrTooSmallAfterQuantization) {
		t.Errorf("below min steps: err = %v, want ErrTooSmallAfterQuantization", err)
	}
}

func TestQuantizeRejectsBadMeta(t *testing.T) {
	if _, _, err := Quantize(nil, Buy, 100, 1000); !errors.Is(err, ErrMissingMetadata) {
		t.Errorf("nil meta: err = %v, want ErrMissingMetadata", err)
	}

	meta := testMeta()
	meta.TickSize = 0
	if _, _, err := Quantize(meta, Buy, 100, 1000); !errors.Is(err, ErrMissingMetadata) {
		t.Errorf("zero tick: err = %v, want ErrMissingMetadata", err)
	}
}

func TestQuantizeRejectsNegativeInputs(t *testing.T) {
	if _, _, err := Quantize(testMeta(), Buy, -100, 1000); err == nil {
		t.Error("negative quantity accepted")
	}
	if _, _, err := Quantize(testMeta(), Sell, 100, -1); err == nil {
		t.Error("negative price accepted")
	}
}

func TestComputeHashIsEconomicIdentity(t *testing.T) {
	gid := uuid.MustParse("12345678-1234-1234-1234-123456789abc")

	h1 := ComputeHash("BTC-PERP", Buy, 3, 24, gid, 0)
	h2 := ComputeHash("BTC-PERP", Buy, 3, 24, gid, 0)
	if h1 != h2 {
		t.Fatal("identical economic fields hashed differently")
	}

	variants := map[string]uint64{
		"instrument": ComputeHash("ETH-PERP", Buy, 3, 24, gid, 0),
		"side":       ComputeHash("BTC-PERP", Sell, 3, 24, gid, 0),
		"qty":        ComputeHash("BTC-PERP", Buy, 4, 24, gid, 0),
		"price":      ComputeHash("BTC-PERP", Buy, 3, 25, gid, 0),
		"group":      ComputeHash("BTC-PERP", Buy, 3, 24, uuid.MustParse("87654321-4321-4321-4321-cba987654321"), 0),
		"leg":        ComputeHash("BTC-PERP", Buy, 3, 24, gid, 1),
	}
	for field, h := range variants {
		if h == h1 {
			t.Errorf("changing %s did not change the hash", field)
		}
	}
}

func TestIH16RoundTrip(t *testing.T) {
	h := ComputeHash("BTC-PERP", Buy, 3, 24, uuid.New(), 0)

	s := FormatIH16(h)
	if len(s) != 16 {
		t.Fatalf("ih16 len = %d, want 16", len(s))
	}
	if s != strings.ToLower(s) {
		t.Errorf("ih16 %q not lowercase", s)
	}

	back, err := ParseIH16(s)
	if err != nil {
		t.Fatalf("ParseIH16: %v", err)
	}
	if back != h {
		t.Errorf("round trip = %016x, want %016x", back, h)
	}

	if _, err := ParseIH16("abc"); err == nil {
		t.Error("short ih16 accepted")
	}
	if _, err := ParseIH16("zzzzzzzzzzzzzzzz"); err == nil {
		t.Error("non-hex ih16 accepted")
	}
}

func TestLabelRoundTrip(t *testing.T) {
	gid := uuid.MustParse("12345678-1234-1234-1234-123456789abc")
	sid8 := DeriveSID8("guard0001")
	gid12 := DeriveGID12(gid)

	if len(sid8) != 8 {
		t.Fatalf("sid8 len = %d, want 8", len(sid8))
	}
	if gid12 != "123456781234" {
		t.Fatalf("gid12 = %q, want dashless 12-char prefix", gid12)
	}

	label, err := EncodeLabel(sid8, gid12, 2, "00000000deadbeef")
	if err != nil {
		t.Fatalf("EncodeLabel: %v", err)
	}
	if len(label) > LabelMaxLen {
		t.Fatalf("label len = %d, exceeds cap", len(label))
	}

	parsed, err := ParseLabel(label)
	if err != nil {
		t.Fatalf("ParseLabel: %v", err)
	}
	if parsed.SID8 != sid8 || parsed.GID12 != gid12 || parsed.LegIdx != 2 || parsed.IH16 != "00000000deadbeef" {
		t.Errorf("parsed = %+v, segments do not round trip", parsed)
	}
}

func TestEncodeLabelRejectsOverlong(t *testing.T) {
	// Inflated sid segment pushes past 64 chars; the label must be rejected,
	// never truncated.
	if _, err := EncodeLabel(strings.Repeat("a", 40), "123456781234", 0, "00000000deadbeef"); !errors.Is(err, ErrLabelTooLong) {
		t.Errorf("err = %v, want ErrLabelTooLong", err)
	}
}

func TestParseLabelRejectsMalformed(t *testing.T) {
	tests := []struct {
		name  string
		label string
		want  error
	}{
		{"wrong prefix", "s3:aabbccdd:123456781234:0:00000000deadbeef", ErrLabelBadPrefix},
		{"missing segment", "s4:aabbccdd:123456781234:0", ErrLabelSegmentCount},
		{"extra segment", "s4:aabbccdd:123456781234:0:00000000deadbeef:x", ErrLabelSegmentCount},
		{"bad leg idx", "s4:aabbccdd:123456781234:x:00000000deadbeef", ErrLabelInvalidLegIdx},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseLabel(tt.label); !errors.Is(err, tt.want) {
				t.Errorf("ParseLabel(%q) err = %v, want %v", tt.label, err, tt.want)
			}
		})
	}
}

func TestBuilderBuild(t *testing.T) {
	b := NewBuilder("guard0001")
	b.SetMeta(testMeta())
	gid := uuid.New()

	it, err := b.Build(Request{
		Instrument: "BTC-PERP",
		Side:       Sell,
		Class:      Close,
		RawQty:     350,
		RawPrice:   1230,
		GroupID:    gid,
		LegIdx:     1,
		TIF:        IOC,
		ReduceOnly: true,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if it.QtySteps != 3 || it.PriceTicks != 25 {
		t.Errorf("quantized to qty=%d price=%d, want 3/25", it.QtySteps, it.PriceTicks)
	}
	if it.Hash != ComputeHash("BTC-PERP", Sell, 3, 25, gid, 1) {
		t.Error("intent hash does not match its quantized fields")
	}

	parsed, err := ParseLabel(it.Label)
	if err != nil {
		t.Fatalf("ParseLabel: %v", err)
	}
	if parsed.IH16 != it.IH16() {
		t.Errorf("label ih16 = %q, want %q", parsed.IH16, it.IH16())
	}
	if parsed.SID8 != b.SID8() {
		t.Errorf("label sid8 = %q, want %q", parsed.SID8, b.SID8())
	}
}

func TestBuilderRejectsUnknownInstrument(t *testing.T) {
	b := NewBuilder("guard0001")

	_, err := b.Build(Request{Instrument: "DOGE-PERP", RawQty: 100, RawPrice: 50})
	if !errors.Is(err, ErrMissingMetadata) {
		t.Errorf("err = %v, want ErrMissingMetadata", err)
	}
}

func TestClassRiskReducing(t *testing.T) {
	tests := []struct {
		class Class
		want  bool
	}{
		{Open, false},
		{Close, true},
		{Hedge, true},
		{Cancel, true},
		{CancelReplace, false},
	}
	for _, tt := range tests {
		if got := tt.class.RiskReducing(); got != tt.want {
			t.Errorf("%s.RiskReducing() = %v, want %v", tt.class, got, tt.want)
		}
	}
}

func TestSideAndClassParseRoundTrip(t *testing.T) {
	for _, s := range []Side{Buy, Sell} {
		got, err := ParseSide(s.String())
		if err != nil || got != s {
			t.Errorf("ParseSide(%q) = %v, %v", s.String(), got, err)
		}
	}
	for _, c := range []Class{Open, Close, Hedge, Cancel, CancelReplace} {
		got, err := ParseClass(c.String())
		if err != nil || got != c {
			t.Errorf("ParseClass(%q) = %v, %v", c.String(), got, err)
		}
	}
	if _, err := ParseSide("short"); err == nil {
		t.Error("unknown side accepted")
	}
	if _, err := ParseClass("liquidate"); err == nil {
		t.Error("unknown class accepted")
	}
}
