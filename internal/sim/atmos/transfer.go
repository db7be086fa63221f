package atmos

// PumpGasTo moves gas from src into dst until dst reaches targetPressure,
// regardless of which side is at higher pressure. It reports false and
// changes nothing when dst is already at or above the target or src is empty.
func PumpGasTo(src, dst *GasMixture, targetPressure float32) bool {
	if src == nil || dst == nil || src.inert || dst.inert {
		return false
	}
	out := dst.Pressure()
	if out >= targetPressure {
		return false
	}
	if src.TotalMoles() <= 0 || src.temperature <= 0 {
		return false
	}
	transfer := float64(targetPressure-out) * float64(dst.volume) / (float64(src.temperature) * R)
	if transfer <= 0 {
		return false
	}
	dst.Merge(src.Remove(float32(transfer)))
	return true
}

// ReleaseGasTo is the passive form of PumpGasTo: gas only flows down the
// pressure gradient and never past the point where both sides are equal.
func ReleaseGasTo(src, dst *GasMixture, targetPressure float32) bool {
	if src == nil || dst == nil || src.inert || dst.inert {
		return false
	}
	in := src.Pressure()
	out := dst.Pressure()
	if out >= targetPressure || in <= out {
		return false
	}
	delta := targetPressure - out
	if half := (in - out) / 2; half < delta {
		delta = half
	}
	if src.temperature <= 0 {
		return false
	}
	transfer := float64(delta) * float64(dst.volume) / (float64(src.temperature) * R)
	if transfer <= 0 {
		return false
	}
	dst.Merge(src.Remove(float32(transfer)))
	return true
}

// Equalize pools a and b and splits the result by volume share so both end
// at the same pressure and temperature. Mass and energy are conserved.
func Equalize(a, b *GasMixture) {
	if a == nil || b == nil || a == b || a.inert || b.inert {
		return
	}
	total := a.volume + b.volume
	pool := NewMixtureWithTable(a.table, total)
	pool.Merge(a)
	pool.Merge(b)
	a.Merge(pool.RemoveRatio(a.volume / total))
	b.Merge(pool)
}

// IsBreathable reports whether a crew member can survive unassisted in m.
func IsBreathable(m *GasMixture) bool {
	if m == nil || m.inert {
		return false
	}
	p := m.Pressure()
	if p < HazardLowPressure || p > HazardHighPressure {
		return false
	}
	if m.temperature < HazardColdTemperature || m.temperature > HazardHotTemperature {
		return false
	}
	return m.PartialPressure(Oxygen) >= SafeOxygenPartialPressure
}

// Readout is the gauge/analyzer view of a mixture.
type Readout struct {
	Pressure    float32            `json:"pressure_kpa"`
	Temperature float32            `json:"temperature_k"`
	Volume      float32            `json:"volume_l"`
	TotalMoles  float32            `json:"total_moles"`
	Moles       map[string]float32 `json:"moles,omitempty"`
	Breathable  bool               `json:"breathable"`
}

func ReadoutOf(m *GasMixture) Readout {
	if m == nil {
		return Readout{}
	}
	r := Readout{
		Pressure:    m.Pressure(),
		Temperature: m.temperature,
		Volume:      m.volume,
		TotalMoles:  m.TotalMoles(),
		Breathable:  IsBreathable(m),
	}
	for i, v := range m.moles {
		if v <= 0 {
			continue
		}
		if r.Moles == nil {
			r.Moles = map[string]float32{}
		}
		r.Moles[Gas(i).String()] = v
	}
	return r
}
