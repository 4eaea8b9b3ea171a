package msr

// TemperatureTargetFields corresponds to the TEMPERATURE_TARGET MSR for an
// individual CPU
type TemperatureTargetFields struct {
	Target int // default thermal throttling activation temperature (TjMax) in degrees C
	Offset int // offset below Target at which throttling starts, in degrees C
}

// ThrottleTemp returns the throttle temperature calculated from the target and offset
func (t TemperatureTargetFields) ThrottleTemp() int {
	return t.Target - t.Offset
}

// DecodeTemperatureTarget unpacks MSR 0x1a2.
//
//	63    56 55    48 47    40 39    32 31    24 23    16 15     8 7      0
//	00000000 00000000 00000000 00000000 00010100 01100100 00000000 00000000
//	                                      offset   target
//
// The offset is bits 29:24 and the target is bits 23:16.
func DecodeTemperatureTarget(raw uint64) TemperatureTargetFields {
	return TemperatureTargetFields{
		Target: int(Bits(raw, 23, 16)),
		Offset: int(Bits(raw, 29, 24)),
	}
}
