package intent

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Outbound order labels use the compact form
//
//	s4:{sid8}:{gid12}:{li}:{ih16}
//
// sid8 is an 8-hex prefix of the strategy-id hash, gid12 the first 12 chars
// of the dashless group UUID, li the leg index, ih16 the intent hash. The
// venue caps labels at 64 chars; an overlong label is rejected outright,
// never truncated, because recovery matching depends on every segment.

// LabelMaxLen is the venue's hard label length cap.
const LabelMaxLen = 64

var (
	ErrLabelTooLong       = errors.New("label exceeds 64 chars")
	ErrLabelBadPrefix     = errors.New("label missing s4 prefix")
	ErrLabelSegmentCount  = errors.New("label has wrong segment count")
	ErrLabelInvalidLegIdx = errors.New("label leg index not an integer")
)

// ParsedLabel holds the decoded segments of an s4 label.
type ParsedLabel struct {
	SID8   string
	GID12  string
	LegIdx uint32
	IH16   string
}

// DeriveSID8 hashes a strategy id to its 8-hex label prefix.
func DeriveSID8(strategyID string) string {
	h := xxhash.Sum64String(strategyID)
	return fmt.Sprintf("%016x", h)[:8]
}

// DeriveGID12 strips dashes from a group UUID and keeps the first 12 chars.
func DeriveGID12(groupID uuid.UUID) string {
	return strings.ReplaceAll(groupID.String(), "-", "")[:12]
}

// EncodeLabel builds the canonical outbound label.
func EncodeLabel(sid8, gid12 string, legIdx uint32, ih16 string) (string, error) {
	label := fmt.Sprintf("s4:%s:%s:%d:%s", sid8, gid12, legIdx, ih16)
	if len(label) > LabelMaxLen {
		return "", fmt.Errorf("%w: %d chars", ErrLabelTooLong, len(label))
	}
	return label, nil
}

// ParseLabel decodes an s4 label into its segments.
func ParseLabel(label string) (*ParsedLabel, error) {
	if !strings.HasPrefix(label, "s4:") {
		return nil, ErrLabelBadPrefix
	}
	parts := strings.Split(label, ":")
	if len(parts) != 5 {
		return nil, fmt.Errorf("%w: got %d", ErrLabelSegmentCount, len(parts))
	}
	legIdx, err := strconv.ParseUint(parts[3], 10, 32)
	if err != nil {
		return nil, ErrLabelInvalidLegIdx
	}
	return &ParsedLabel{
		SID8:   parts[1],
		GID12:  parts[2],
		LegIdx: uint32(legIdx),
		IH16:   parts[4],
	}, nil
}
