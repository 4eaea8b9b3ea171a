package msr

// Bits returns bits hi:lo (inclusive) of v, shifted down to bit 0
func Bits(v uint64, hi, lo uint) uint64 {
	return (v >> lo) & mask(hi, lo)
}

// SetBits returns v with bits hi:lo replaced by field. Bits of field above the
// width of hi:lo are discarded.
func SetBits(v uint64, hi, lo uint, field uint64) uint64 {
	m := mask(hi, lo) << lo
	return (v &^ m) | ((field << lo) & m)
}

func mask(hi, lo uint) uint64 {
	width := hi - lo + 1
	if width >= 64 {
		return ^uint64(0)
	}
	return (1 << width) - 1
}
