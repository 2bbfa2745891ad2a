package engine

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	blockIDPrefix = "blk"
	blockIDDigits = 10

	scopeWidth     = 12
	scopeSeparator = "-"
)

// MaxBlockOrdinal is the largest ordinal a block id can carry on this
// platform.
const MaxBlockOrdinal = min(9_999_999_999, math.MaxInt)

// ErrInvalidBlockID is returned for ids not produced by BlockID.
var ErrInvalidBlockID = errors.New("invalid block id")

// BlockID encodes a block ordinal as a fixed-width id, so ids sort in
// ordinal order and have equal length.
func BlockID(ordinal int) string {
	return fmt.Sprintf("%s%0*d", blockIDPrefix, blockIDDigits, ordinal)
}

// NewStagingScope returns a random fixed-width token. Blocks staged under
// different scopes never collide, even for the same object.
func NewStagingScope() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:scopeWidth]
}

// ScopedBlockID is BlockID(ordinal) prefixed with a staging scope. All ids
// of one scope have equal length.
func ScopedBlockID(scope string, ordinal int) string {
	return scope + scopeSeparator + BlockID(ordinal)
}

// ParseBlockID recovers the ordinal from a plain or scoped block id.
func ParseBlockID(id string) (int, error) {
	raw := id
	if scope, rest, ok := strings.Cut(id, scopeSeparator); ok {
		if len(scope) != scopeWidth {
			return 0, fmt.Errorf("%w: %q", ErrInvalidBlockID, raw)
		}
		id = rest
	}
	digits, ok := strings.CutPrefix(id, blockIDPrefix)
	if !ok || len(digits) != blockIDDigits {
		return 0, fmt.Errorf("%w: %q", ErrInvalidBlockID, raw)
	}
	n, err := strconv.ParseUint(digits, 10, 64)
	if err != nil || n > MaxBlockOrdinal {
		return 0, fmt.Errorf("%w: %q", ErrInvalidBlockID, raw)
	}
	return int(n), nil
}

// VerifyBlockList checks that ids decode to 0..len(ids)-1 in order.
func VerifyBlockList(ids []string) error {
	for i, id := range ids {
		n, err := ParseBlockID(id)
		if err != nil {
			return err
		}
		if n != i {
			return fmt.Errorf("block list out of order: position %d holds block %d", i, n)
		}
	}
	return nil
}
