package msr

import (
	"fmt"
	"strings"

	"github.com/davidr/tptune/pkg/hwerr"
)

// TurboRatioCount is the number of active-core tiers in MSR_TURBO_RATIO_LIMIT
const TurboRatioCount = 8

// TurboRatioLimit holds the maximum multiplier per number of active cores: index i
// applies when exactly i+1 cores are active. The hardware does not require the
// values to be monotonic.
//
//	63    56 55    48 47    40 39    32 31    24 23    16 15     8 7      0
//	[ 8 core][ 7 core][ 6 core][ 5 core][ 4 core][ 3 core][ 2 core][ 1 core]
type TurboRatioLimit [TurboRatioCount]int

func (t TurboRatioLimit) String() string {
	parts := make([]string, len(t))
	for i, r := range t {
		parts[i] = fmt.Sprintf("%dC:%dx", i+1, r)
	}
	return strings.Join(parts, " ")
}

// DecodeTurboRatioLimit unpacks all eight 8-bit ratio fields
func DecodeTurboRatioLimit(raw uint64) TurboRatioLimit {
	var t TurboRatioLimit
	for i := range t {
		lo := uint(i * 8)
		t[i] = int(Bits(raw, lo+7, lo))
	}
	return t
}

// EncodeTurboRatioLimit packs all eight ratios into one register value. A ratio that
// does not fit in 8 bits fails with hwerr.ErrFieldOverflow rather than being truncated.
func EncodeTurboRatioLimit(t TurboRatioLimit) (uint64, error) {
	var raw uint64
	for i, r := range t {
		if r < 0 || r > 0xff {
			return 0, fmt.Errorf("%d-core ratio %d: %w", i+1, r, hwerr.ErrFieldOverflow)
		}
		lo := uint(i * 8)
		raw = SetBits(raw, lo+7, lo, uint64(r))
	}
	return raw, nil
}
