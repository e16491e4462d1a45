package intent

import (
	"fmt"

	"github.com/google/uuid"
)

// Builder constructs fully quantized, hashed, labeled intents from raw
// fixed-point requests. It owns the instrument metadata cache and the
// strategy label prefix.
type Builder struct {
	sid8  string
	metas map[string]*InstrumentMeta
}

func NewBuilder(strategyID string) *Builder {
	return &Builder{
		sid8:  DeriveSID8(strategyID),
		metas: make(map[string]*InstrumentMeta),
	}
}

// SetMeta installs or replaces the contract spec for an instrument.
func (b *Builder) SetMeta(meta *InstrumentMeta) {
	b.metas[meta.Name] = meta
}

// Meta returns the contract spec for an instrument, if known.
func (b *Builder) Meta(instrument string) (*InstrumentMeta, bool) {
	m, ok := b.metas[instrument]
	return m, ok
}

// Request is a raw order request before quantization.
type Request struct {
	Instrument string
	Side       Side
	Class      Class
	RawQty     int64
	RawPrice   int64
	GroupID    uuid.UUID
	LegIdx     uint32
	TIF        TimeInForce
	ReduceOnly bool
}

// Build quantizes, hashes, and labels a request. Any failure rejects the
// intent before it exists anywhere outside this call.
func (b *Builder) Build(req Request) (*Intent, error) {
	meta, ok := b.metas[req.Instrument]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingMetadata, req.Instrument)
	}

	qtySteps, priceTicks, err := Quantize(meta, req.Side, req.RawQty, req.RawPrice)
	if err != nil {
		return nil, err
	}

	hash := ComputeHash(req.Instrument, req.Side, qtySteps, priceTicks, req.GroupID, req.LegIdx)

	label, err := EncodeLabel(b.sid8, DeriveGID12(req.GroupID), req.LegIdx, FormatIH16(hash))
	if err != nil {
		return nil, err
	}

	return &Intent{
		Instrument: req.Instrument,
		Side:       req.Side,
		Class:      req.Class,
		QtySteps:   qtySteps,
		PriceTicks: priceTicks,
		GroupID:    req.GroupID,
		LegIdx:     req.LegIdx,
		TIF:        req.TIF,
		ReduceOnly: req.ReduceOnly,
		Label:      label,
		Hash:       hash,
	}, nil
}

// SID8 returns the strategy label prefix this builder stamps on labels.
func (b *Builder) SID8() string {
	return b.sid8
}
