package msr

import (
	"fmt"
	"math"

	"github.com/davidr/tptune/pkg/hwerr"
)

// A RAPL time window field is 7 bits: Y in bits 4:0 and Z in bits 6:5, and the
// window is 2^Y * (1 + Z/4) time units. Ordered by (Y, Z) the encodings are strictly
// increasing in value, so neighbouring encodings are neighbouring windows.
const timeFieldMax = 0x7f

func decodeTimeWindow(field uint64, unit float64) float64 {
	y := int(field & 0x1f)
	z := float64((field >> 5) & 0x3)
	return math.Ldexp(1+z/4, y) * unit
}

func timeField(y, z int) uint64 {
	return uint64(y) | uint64(z)<<5
}

func timeFieldNext(field uint64) uint64 {
	y, z := int(field&0x1f), int((field>>5)&0x3)
	if z < 3 {
		return timeField(y, z+1)
	}
	return timeField(y+1, 0)
}

func timeFieldPrev(field uint64) uint64 {
	y, z := int(field&0x1f), int((field>>5)&0x3)
	if z > 0 {
		return timeField(y, z-1)
	}
	return timeField(y-1, 3)
}

// encodeTimeWindow returns the field whose window is nearest to seconds. On a tie the
// shorter window wins, so the result never exceeds the request by more than half a
// quantization step.
func encodeTimeWindow(seconds float64, unit float64) (uint64, error) {
	if seconds < 0 || math.IsNaN(seconds) {
		return 0, fmt.Errorf("time window %gs: %w", seconds, hwerr.ErrFieldOverflow)
	}
	if limit := decodeTimeWindow(timeFieldMax, unit); seconds > limit {
		return 0, fmt.Errorf("time window %gs exceeds %gs: %w", seconds, limit, hwerr.ErrFieldOverflow)
	}

	best := timeField(0, 0)
	bestDiff := math.Abs(decodeTimeWindow(best, unit) - seconds)
	for y := 0; y <= 0x1f; y++ {
		for z := 0; z <= 3; z++ {
			f := timeField(y, z)
			if diff := math.Abs(decodeTimeWindow(f, unit) - seconds); diff < bestDiff {
				best, bestDiff = f, diff
			}
		}
	}
	return best, nil
}
