package speedtest

// MegabitsToBits converts Mbit/s to bit/s.
//
// NOTE: This truncates (Go's float-to-int conversion rounds toward zero),
// because fractional bits would constitute a logic error. NaN/Inf inputs
// follow Go's implementation-defined conversion behavior; upstream data is
// assumed well-formed.
func MegabitsToBits(megabits float64) int64 {
	return int64(megabits * 1e6)
}
