package msr

import (
	"fmt"
	"math"

	"github.com/davidr/tptune/pkg/hwerr"
)

// PowerUnits are the scale factors from MSR_RAPL_POWER_UNIT
type PowerUnits struct {
	Watts   float64 // W per LSB of a power field
	Joules  float64 // J per LSB of an energy counter
	Seconds float64 // s per LSB of a time window
}

// DecodePowerUnits extracts the actual units in Watts, Joules and seconds from the
// 0x606 MSR register
func DecodePowerUnits(raw uint64) PowerUnits {
	// For power-related info, the units are (2^p)^-1 W where p is the uint from 3:0
	// in the powerLimitUnits MSR. Energy is bits 12:8, time is bits 19:16.
	return PowerUnits{
		Watts:   1 / math.Pow(2, float64(Bits(raw, 3, 0))),
		Joules:  1 / math.Pow(2, float64(Bits(raw, 12, 8))),
		Seconds: 1 / math.Pow(2, float64(Bits(raw, 19, 16))),
	}
}

// PowerWindow is one of the two limits in the PKG RAPL Power Limit Control MSR
type PowerWindow struct {
	Watts   float64 // package power limit in W
	Seconds float64 // window of time (in s) over which the limit is averaged
	Enabled bool
	Clamp   bool // allow the limit to push the package below OS-requested P-states
}

func (w PowerWindow) String() string {
	return fmt.Sprintf("%.3fW over %.6fs enabled:%t clamping:%t", w.Watts, w.Seconds, w.Enabled, w.Clamp)
}

// PackagePowerLimit corresponds to the PKG RAPL Power Limit Control MSR. PL1 is the
// sustained limit, PL2 the short-term one.
type PackagePowerLimit struct {
	PL1    PowerWindow
	PL2    PowerWindow
	Locked bool // b63, register ignores writes until reset
}

const (
	powerFieldMax = 0x7fff // 15-bit fixed point power
	lockBit       = 63
	pl2Offset     = 32

	// bits 23:0 and 55:32 carry the two windows; everything else is reserved or lock
	powerLimitFieldMask = uint64(0x00ffffff) | uint64(0x00ffffff)<<pl2Offset
)

// DecodePackagePowerLimit unpacks both windows of MSR_PKG_POWER_LIMIT
func DecodePackagePowerLimit(raw uint64, units PowerUnits) PackagePowerLimit {
	return PackagePowerLimit{
		PL1:    decodeWindow(raw, 0, units),
		PL2:    decodeWindow(raw, pl2Offset, units),
		Locked: Bits(raw, lockBit, lockBit) == 1,
	}
}

func decodeWindow(raw uint64, off uint, units PowerUnits) PowerWindow {
	// bits 14:0 power, 15 enable, 16 clamp, 23:17 time window
	return PowerWindow{
		Watts:   float64(Bits(raw, off+14, off)) * units.Watts,
		Enabled: Bits(raw, off+15, off+15) == 1,
		Clamp:   Bits(raw, off+16, off+16) == 1,
		Seconds: decodeTimeWindow(Bits(raw, off+23, off+17), units.Seconds),
	}
}

// EncodePackagePowerLimit packs both windows. Power is rounded to the nearest power
// unit and the time window to the nearest representable value; anything beyond the
// field widths fails with hwerr.ErrFieldOverflow. The lock bit is never set.
func EncodePackagePowerLimit(pl PackagePowerLimit, units PowerUnits) (uint64, error) {
	var raw uint64
	for _, w := range []struct {
		name string
		off  uint
		win  PowerWindow
	}{{"PL1", 0, pl.PL1}, {"PL2", pl2Offset, pl.PL2}} {
		power, err := encodePower(w.win.Watts, units)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", w.name, err)
		}
		window, err := encodeTimeWindow(w.win.Seconds, units.Seconds)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", w.name, err)
		}

		raw = SetBits(raw, w.off+14, w.off, power)
		raw = SetBits(raw, w.off+15, w.off+15, boolBit(w.win.Enabled))
		raw = SetBits(raw, w.off+16, w.off+16, boolBit(w.win.Clamp))
		raw = SetBits(raw, w.off+23, w.off+17, window)
	}
	return raw, nil
}

// MergePackagePowerLimit replaces the window fields of prev with those of encoded,
// keeping prev's reserved bits and clearing the lock bit.
func MergePackagePowerLimit(prev, encoded uint64) uint64 {
	keep := ^(powerLimitFieldMask | 1<<lockBit)
	return (prev & keep) | (encoded & powerLimitFieldMask)
}

// Within reports whether w and o are the same limit to within one quantization step
func (w PowerWindow) Within(o PowerWindow, units PowerUnits) bool {
	if w.Enabled != o.Enabled || w.Clamp != o.Clamp {
		return false
	}
	if math.Abs(w.Watts-o.Watts) > units.Watts*(1+1e-9) {
		return false
	}
	step := TimeWindowStep(math.Max(w.Seconds, o.Seconds), units)
	return math.Abs(w.Seconds-o.Seconds) <= step*(1+1e-9)
}

// Within reports whether both windows of p and o match to within one quantization
// step. The lock bit is not compared.
func (p PackagePowerLimit) Within(o PackagePowerLimit, units PowerUnits) bool {
	return p.PL1.Within(o.PL1, units) && p.PL2.Within(o.PL2, units)
}

// QuantizePower returns the wattage that would actually be programmed for watts
func QuantizePower(watts float64, units PowerUnits) (float64, error) {
	raw, err := encodePower(watts, units)
	if err != nil {
		return 0, err
	}
	return float64(raw) * units.Watts, nil
}

// QuantizeTimeWindow returns the window that would actually be programmed for seconds
func QuantizeTimeWindow(seconds float64, units PowerUnits) (float64, error) {
	field, err := encodeTimeWindow(seconds, units.Seconds)
	if err != nil {
		return 0, err
	}
	return decodeTimeWindow(field, units.Seconds), nil
}

// MaxTimeWindow is the largest window the 7-bit field can express
func MaxTimeWindow(units PowerUnits) float64 {
	return decodeTimeWindow(timeFieldMax, units.Seconds)
}

// MaxPower is the largest wattage the 15-bit field can express
func MaxPower(units PowerUnits) float64 {
	return powerFieldMax * units.Watts
}

// TimeWindowStep is the distance from the representable window nearest seconds to
// the next representable window above it (or below it, at the top of the range).
func TimeWindowStep(seconds float64, units PowerUnits) float64 {
	field, err := encodeTimeWindow(seconds, units.Seconds)
	if err != nil {
		field = timeFieldMax
	}
	cur := decodeTimeWindow(field, units.Seconds)
	if field == timeFieldMax {
		return cur - decodeTimeWindow(timeFieldPrev(field), units.Seconds)
	}
	return decodeTimeWindow(timeFieldNext(field), units.Seconds) - cur
}

func encodePower(watts float64, units PowerUnits) (uint64, error) {
	if watts < 0 || math.IsNaN(watts) {
		return 0, fmt.Errorf("power %gW: %w", watts, hwerr.ErrFieldOverflow)
	}
	raw := math.Round(watts / units.Watts)
	if raw > powerFieldMax {
		return 0, fmt.Errorf("power %gW exceeds %gW: %w", watts, MaxPower(units), hwerr.ErrFieldOverflow)
	}
	return uint64(raw), nil
}

func boolBit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
