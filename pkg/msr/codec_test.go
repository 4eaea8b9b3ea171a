package msr

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidr/tptune/pkg/hwerr"
)

// Ivy Bridge mobile: 1/8 W, 1/65536 J, 1/1024 s
const ivbPowerUnit = 0x000a1003

func TestTurboRatioLimitLayout(t *testing.T) {
	ratios := TurboRatioLimit{40, 40, 38, 38, 36, 36, 34, 34}

	raw, err := EncodeTurboRatioLimit(ratios)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x2222242426262828), raw, "got %#016x", raw)
	assert.Equal(t, ratios, DecodeTurboRatioLimit(raw))
}

func TestTurboRatioLimitRoundTrip(t *testing.T) {
	tests := []TurboRatioLimit{
		{},
		{8, 8, 8, 8, 8, 8, 8, 8},
		{42, 41, 40, 39, 0, 0, 0, 0},
		// hardware accepts non-monotonic tables
		{30, 45, 31, 44, 32, 43, 33, 42},
		{255, 255, 255, 255, 255, 255, 255, 255},
	}

	for _, want := range tests {
		raw, err := EncodeTurboRatioLimit(want)
		require.NoError(t, err)
		assert.Equal(t, want, DecodeTurboRatioLimit(raw), "raw %#016x", raw)
	}
}

func TestTurboRatioLimitOverflow(t *testing.T) {
	for _, bad := range []TurboRatioLimit{
		{256, 40, 40, 40, 40, 40, 40, 40},
		{40, 40, 40, 40, 40, 40, 40, -1},
	} {
		_, err := EncodeTurboRatioLimit(bad)
		assert.ErrorIs(t, err, hwerr.ErrFieldOverflow)
	}
}

func TestDecodePowerUnits(t *testing.T) {
	units := DecodePowerUnits(ivbPowerUnit)
	assert.Equal(t, 0.125, units.Watts)
	assert.Equal(t, 1.0/65536, units.Joules)
	assert.Equal(t, 1.0/1024, units.Seconds)
}

func TestPackagePowerLimitLayout(t *testing.T) {
	units := DecodePowerUnits(ivbPowerUnit)
	pl := PackagePowerLimit{
		PL1: PowerWindow{Watts: 55, Seconds: 28, Enabled: true},
		PL2: PowerWindow{Watts: 65, Seconds: 0.01, Enabled: true},
	}

	raw, err := EncodePackagePowerLimit(pl, units)
	require.NoError(t, err)
	// PL1: 440 units, enabled, window Y=14 Z=3 (28 s)
	// PL2: 520 units, enabled, window Y=3 Z=1 (10/1024 s)
	assert.Equal(t, uint64(0x0046820800dc81b8), raw, "got %#016x", raw)

	got := DecodePackagePowerLimit(raw, units)
	assert.Equal(t, 55.0, got.PL1.Watts)
	assert.Equal(t, 28.0, got.PL1.Seconds)
	assert.Equal(t, 65.0, got.PL2.Watts)
	assert.Equal(t, 10.0/1024, got.PL2.Seconds)
	assert.True(t, got.PL1.Enabled)
	assert.True(t, got.PL2.Enabled)
	assert.False(t, got.Locked)
	assert.True(t, got.Within(pl, units))
}

func TestDecodePackagePowerLimitFlags(t *testing.T) {
	units := DecodePowerUnits(ivbPowerUnit)
	// lock, PL2 clamp, PL1 clamp
	raw := uint64(1)<<63 | uint64(1)<<48 | uint64(1)<<16
	got := DecodePackagePowerLimit(raw, units)
	assert.True(t, got.Locked)
	assert.True(t, got.PL1.Clamp)
	assert.True(t, got.PL2.Clamp)
	assert.False(t, got.PL1.Enabled)
	assert.False(t, got.PL2.Enabled)
}

func TestPowerQuantization(t *testing.T) {
	units := DecodePowerUnits(ivbPowerUnit)

	tests := []struct {
		watts float64
		want  float64
	}{
		{55, 55},
		{55.06, 55},
		{55.07, 55.125},
		{0.05, 0},
		{4095.875, 4095.875},
	}

	for _, tt := range tests {
		got, err := QuantizePower(tt.watts, units)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%gW", tt.watts)
	}

	_, err := QuantizePower(4096, units)
	assert.ErrorIs(t, err, hwerr.ErrFieldOverflow)
	_, err = QuantizePower(-1, units)
	assert.ErrorIs(t, err, hwerr.ErrFieldOverflow)
}

func TestTimeWindowQuantization(t *testing.T) {
	units := DecodePowerUnits(ivbPowerUnit)

	tests := []struct {
		seconds float64
		want    float64
	}{
		{28, 28},
		{0.01, 10.0 / 1024},
		{1, 1},
		{0, 1.0 / 1024},
		// 2^13 * 1.25 units
		{10, 10},
		{8.9, 8},
		{9.1, 10},
	}

	for _, tt := range tests {
		got, err := QuantizeTimeWindow(tt.seconds, units)
		require.NoError(t, err)
		assert.InDelta(t, tt.want, got, 1e-12, "%gs", tt.seconds)
	}

	_, err := QuantizeTimeWindow(MaxTimeWindow(units)*2, units)
	assert.ErrorIs(t, err, hwerr.ErrFieldOverflow)
	_, err = QuantizeTimeWindow(-0.5, units)
	assert.ErrorIs(t, err, hwerr.ErrFieldOverflow)
}

func TestTimeWindowTie(t *testing.T) {
	units := PowerUnits{Watts: 0.125, Seconds: 1}
	// 9 s is equidistant from 8 s and 10 s; the shorter window wins
	got, err := QuantizeTimeWindow(9, units)
	require.NoError(t, err)
	assert.Equal(t, 8.0, got)
}

func TestPackagePowerLimitRoundTrip(t *testing.T) {
	units := DecodePowerUnits(ivbPowerUnit)

	for watts := 0.0; watts <= MaxPower(units); watts += 13.37 {
		for seconds := units.Seconds; seconds <= 3600; seconds *= 1.7 {
			pl := PackagePowerLimit{
				PL1: PowerWindow{Watts: watts, Seconds: seconds, Enabled: true},
				PL2: PowerWindow{Watts: watts / 2, Seconds: seconds/3 + units.Seconds, Enabled: true, Clamp: true},
			}
			raw, err := EncodePackagePowerLimit(pl, units)
			require.NoError(t, err)

			got := DecodePackagePowerLimit(raw, units)
			for _, pair := range [][2]PowerWindow{{pl.PL1, got.PL1}, {pl.PL2, got.PL2}} {
				want, have := pair[0], pair[1]
				assert.LessOrEqual(t, math.Abs(want.Watts-have.Watts), units.Watts/2+1e-9)
				assert.LessOrEqual(t, math.Abs(want.Seconds-have.Seconds), TimeWindowStep(want.Seconds, units)+1e-12)
				assert.Equal(t, want.Enabled, have.Enabled)
				assert.Equal(t, want.Clamp, have.Clamp)
			}
			assert.True(t, got.Within(pl, units))
		}
	}
}

func TestMergePackagePowerLimit(t *testing.T) {
	// lock bit and reserved bits 31:24 / 62:56 set in the live value
	prev := uint64(1)<<63 | uint64(0x7f)<<56 | uint64(0xab)<<24 | 0x00ffffff
	encoded := uint64(0x0046820800dc81b8)

	merged := MergePackagePowerLimit(prev, encoded)
	assert.Equal(t, uint64(0x7f)<<56|uint64(0xab)<<24|encoded, merged, "got %#016x", merged)
	assert.Zero(t, Bits(merged, 63, 63), "lock bit must never be written")
}

func TestPowerWindowWithin(t *testing.T) {
	units := DecodePowerUnits(ivbPowerUnit)
	base := PowerWindow{Watts: 55, Seconds: 28, Enabled: true}

	assert.True(t, base.Within(PowerWindow{Watts: 55.125, Seconds: 28, Enabled: true}, units))
	assert.False(t, base.Within(PowerWindow{Watts: 45, Seconds: 28, Enabled: true}, units))
	assert.False(t, base.Within(PowerWindow{Watts: 55, Seconds: 28}, units))
	assert.False(t, base.Within(PowerWindow{Watts: 55, Seconds: 64, Enabled: true}, units))
}

func TestTurboRatioLimitString(t *testing.T) {
	assert.Equal(t, "1C:40x 2C:40x 3C:38x 4C:38x 5C:0x 6C:0x 7C:0x 8C:0x",
		TurboRatioLimit{40, 40, 38, 38}.String())
}
