package msr

// https://software.intel.com/sites/default/files/managed/22/0d/335592-sdm-vol-4.pdf
//
// Register addresses below are for Sandy Bridge / Ivy Bridge client parts. The turbo
// ratio and package power limit registers are package scoped on these parts, while
// IA32_MISC_ENABLE and IA32_PERF_STATUS are read per thread.
const (
	RegPlatformInfo      = 0xce  // MSR_PLATFORM_INFO (R/O)
	RegPerfStatus        = 0x198 // IA32_PERF_STATUS, b15:8 current ratio
	RegMiscEnable        = 0x1a0 // IA32_MISC_ENABLE, b38 turbo disable
	RegTemperatureTarget = 0x1a2 // b23:16 TjMax, b29:24 offset
	RegTurboRatioLimit   = 0x1ad // MSR_TURBO_RATIO_LIMIT, 8 x 8-bit ratios
	RegRAPLPowerUnit     = 0x606 // Definition of units for 0x610 and 0x614
	RegPkgPowerLimit     = 0x610 // PKG RAPL Power Limit Control (R/W)
	RegPkgPowerInfo      = 0x614 // PKG RAPL Parameters (R/O)
)

// BaseClockMHz is the fixed reference clock that ratios multiply on Sandy/Ivy Bridge
const BaseClockMHz = 100

// PlatformInfoFields holds the fused ratio information from MSR_PLATFORM_INFO
type PlatformInfoFields struct {
	MaxNonTurboRatio       int  // b15:8
	RatioLimitProgrammable bool // b28, MSR_TURBO_RATIO_LIMIT is writable
	TDPLimitProgrammable   bool // b29, MSR_PKG_POWER_LIMIT is writable
	MaxEfficiencyRatio     int  // b47:40, lowest supported ratio
}

// DecodePlatformInfo unpacks MSR_PLATFORM_INFO
func DecodePlatformInfo(raw uint64) PlatformInfoFields {
	return PlatformInfoFields{
		MaxNonTurboRatio:       int(Bits(raw, 15, 8)),
		RatioLimitProgrammable: Bits(raw, 28, 28) == 1,
		TDPLimitProgrammable:   Bits(raw, 29, 29) == 1,
		MaxEfficiencyRatio:     int(Bits(raw, 47, 40)),
	}
}

// PowerInfo holds the package's thermal design power and the allowed limit ranges
// from MSR_PKG_POWER_INFO, already scaled by the RAPL units. Zero means the
// processor does not report that value.
type PowerInfo struct {
	TDP           float64 // W, b14:0
	MinPower      float64 // W, b30:16
	MaxPower      float64 // W, b46:32
	MaxTimeWindow float64 // s, b53:48
}

// DecodePowerInfo unpacks MSR_PKG_POWER_INFO using units from MSR_RAPL_POWER_UNIT
func DecodePowerInfo(raw uint64, units PowerUnits) PowerInfo {
	info := PowerInfo{
		TDP:      float64(Bits(raw, 14, 0)) * units.Watts,
		MinPower: float64(Bits(raw, 30, 16)) * units.Watts,
		MaxPower: float64(Bits(raw, 46, 32)) * units.Watts,
	}
	// same Y/Z encoding as the limit windows, one bit shorter
	if window := Bits(raw, 53, 48); window != 0 {
		info.MaxTimeWindow = decodeTimeWindow(window, units.Seconds)
	}
	return info
}

const turboDisableBit = 38

// TurboDisabled reports whether IA32_MISC_ENABLE has the turbo disable bit set
func TurboDisabled(miscEnable uint64) bool {
	return Bits(miscEnable, turboDisableBit, turboDisableBit) == 1
}

// SetTurboDisabled returns miscEnable with only the turbo disable bit changed
func SetTurboDisabled(miscEnable uint64, disabled bool) uint64 {
	var v uint64
	if disabled {
		v = 1
	}
	return SetBits(miscEnable, turboDisableBit, turboDisableBit, v)
}

// DecodePerfStatus returns the ratio the core is currently running at
func DecodePerfStatus(raw uint64) int {
	return int(Bits(raw, 15, 8))
}

// RatioToMHz converts a multiplier into a frequency
func RatioToMHz(ratio int) int {
	return ratio * BaseClockMHz
}
