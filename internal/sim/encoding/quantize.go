package encoding

import "math"

// MaxLevel is the highest pressure level; larger values are reserved for
// tile markers.
const MaxLevel = 0xFFF0

// QuantizePressure maps kPa onto levels of step kPa. Any positive pressure
// maps to at least level 1 so trace gas stays visible.
func QuantizePressure(kpa, step float32) uint16 {
	if step <= 0 || kpa <= 0 || math.IsNaN(float64(kpa)) {
		return 0
	}
	lv := math.Round(float64(kpa) / float64(step))
	if lv < 1 {
		return 1
	}
	if lv > MaxLevel {
		return MaxLevel
	}
	return uint16(lv)
}

// Level returns the representative pressure of a quantized level.
func Level(lv uint16, step float32) float32 {
	if lv > MaxLevel {
		return 0
	}
	return float32(lv) * step
}
