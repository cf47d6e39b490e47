package presence

import "math"

// Bounds of the controller's rssi value used for the percentage scale.
const (
	rssiFloor   = 5
	rssiCeiling = 45
	noiseFloor  = 95 // Offset converting the controller's rssi to dBm.
)

// SignalPercent converts a controller rssi value (signal above the noise
// floor) to a 0-99 quality percentage.
func SignalPercent(rawRSSI float64) int {
	clamped := math.Min(rssiCeiling, math.Max(rawRSSI, rssiFloor))
	return int(math.Floor((clamped - rssiFloor) / (rssiCeiling - rssiFloor) * 99))
}

// ReportedRSSI converts a controller rssi value to dBm: the value is
// rounded to two significant digits, then the fractional part dropped.
// rawRSSI=24 yields -71.
func ReportedRSSI(rawRSSI float64) int {
	return int(math.Trunc(roundSignificant(rawRSSI-noiseFloor, 2)))
}

// roundSignificant rounds v to n significant digits, halves away from zero.
func roundSignificant(v float64, n int) float64 {
	if v == 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	exp := int(math.Floor(math.Log10(math.Abs(v)))) - n + 1
	if exp < 0 {
		// Multiply by an exact power of ten so small values stay exact.
		scale := math.Pow10(-exp)
		return math.Round(v*scale) / scale
	}
	scale := math.Pow10(exp)
	return math.Round(v/scale) * scale
}
