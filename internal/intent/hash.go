package intent

import (
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// hashSep separates fields in the hash input. 0xFF cannot appear in any of
// the encoded fields, so no two distinct field tuples share an encoding.
const hashSep = 0xFF

// ComputeHash derives the 64-bit economic identity of an intent. Inputs are
// exactly the quantized economic fields; wall-clock time is excluded so two
// independent construction paths for the same action hash identically.
func ComputeHash(instrument string, side Side, qtySteps, priceTicks int64, groupID uuid.UUID, legIdx uint32) uint64 {
	d := xxhash.New()

	d.WriteString(instrument)
	d.Write([]byte{hashSep})
	d.WriteString(side.String())
	d.Write([]byte{hashSep})
	d.WriteString(strconv.FormatInt(qtySteps, 10))
	d.Write([]byte{hashSep})
	d.WriteString(strconv.FormatInt(priceTicks, 10))
	d.Write([]byte{hashSep})
	d.WriteString(groupID.String())
	d.Write([]byte{hashSep})
	d.WriteString(strconv.FormatUint(uint64(legIdx), 10))

	return d.Sum64()
}

// FormatIH16 renders a hash as 16 lowercase hex chars, the form persisted
// in the ledger and embedded in labels.
func FormatIH16(h uint64) string {
	return fmt.Sprintf("%016x", h)
}

// ParseIH16 parses the 16-hex rendering back to the hash value.
func ParseIH16(s string) (uint64, error) {
	if len(s) != 16 {
		return 0, fmt.Errorf("ih16 must be 16 hex chars, got %d", len(s))
	}
	return strconv.ParseUint(s, 16, 64)
}
