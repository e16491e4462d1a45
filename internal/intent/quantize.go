package intent

import (
	"errors"
	"fmt"
)

// InstrumentMeta is the venue contract spec needed to quantize an intent.
// TickSize and LotSize are in the same fixed-point scale as raw prices and
// quantities.
type InstrumentMeta struct {
	Name        string
	TickSize    int64
	LotSize     int64
	MinQtySteps int64
}

var (
	// ErrTooSmallAfterQuantization: flooring the quantity to lot steps left
	// nothing to trade. The intent is rejected pre-dispatch, never rounded up.
	ErrTooSmallAfterQuantization = errors.New("quantity too small after quantization")

	// ErrMissingMetadata: no contract spec for the instrument. Fail closed.
	ErrMissingMetadata = errors.New("instrument metadata missing")
)

// Quantize converts raw fixed-point quantity and price into step/tick
// counts. Quantity always floors. Price rounding never crosses toward
// aggression: buys floor to the tick, sells ceil.
func Quantize(meta *InstrumentMeta, side Side, rawQty, rawPrice int64) (qtySteps, priceTicks int64, err error) {
	if meta == nil || meta.TickSize <= 0 || meta.LotSize <= 0 {
		return 0, 0, ErrMissingMetadata
	}
	if rawQty < 0 || rawPrice < 0 {
		return 0, 0, fmt.Errorf("negative quantity or price (qty=%d price=%d)", rawQty, rawPrice)
	}

	qtySteps = rawQty / meta.LotSize
	if qtySteps <= 0 || qtySteps < meta.MinQtySteps {
		return 0, 0, ErrTooSmallAfterQuantization
	}

	if side == Buy {
		priceTicks = rawPrice / meta.TickSize
	} else {
		priceTicks = (rawPrice + meta.TickSize - 1) / meta.TickSize
	}

	return qtySteps, priceTicks, nil
}

// StepsToRaw converts step counts back to raw fixed-point units.
func StepsToRaw(meta *InstrumentMeta, qtySteps int64) int64 {
	return qtySteps * meta.LotSize
}

// TicksToRaw converts tick counts back to raw fixed-point units.
func TicksToRaw(meta *InstrumentMeta, priceTicks int64) int64 {
	return priceTicks * meta.TickSize
}
