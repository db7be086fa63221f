package atmos

import "math"

// GasMixture is a fixed-volume body of gas: per-species moles plus a
// temperature. Moles never go negative; the volume never changes after
// construction. A mixture built with an invalid volume is inert: it holds no
// gas and ignores every mutation.
type GasMixture struct {
	moles       [NumGases]float32
	temperature float32
	volume      float32
	table       *Table
	inert       bool
}

func NewMixture(volume float32) *GasMixture { return NewMixtureWithTable(nil, volume) }

func NewMixtureWithTable(t *Table, volume float32) *GasMixture {
	if t == nil {
		t = defaultTable
	}
	m := &GasMixture{temperature: T20C, volume: volume, table: t}
	if !positiveFinite(volume) {
		m.volume = 0
		m.inert = true
	}
	return m
}

// RestoreMixture rebuilds a mixture from persisted values without any
// rounding so save data round-trips exactly. Negative or NaN amounts are
// dropped to zero.
func RestoreMixture(t *Table, volume, temperature float32, moles [NumGases]float32) *GasMixture {
	m := NewMixtureWithTable(t, volume)
	if m.inert {
		return m
	}
	for i, v := range moles {
		if v > 0 && !math.IsInf(float64(v), 0) {
			m.moles[i] = v
		}
	}
	m.SetTemperature(temperature)
	return m
}

// StandardAir is a mixture of the given volume filled with station air at
// one atmosphere and 20C.
func StandardAir(t *Table, volume float32) *GasMixture {
	m := NewMixtureWithTable(t, volume)
	if m.inert {
		return m
	}
	total := float32(MolesCellStandard * float64(volume) / CellVolume)
	m.SetMoles(Oxygen, total*OxygenStandard)
	m.SetMoles(Nitrogen, total*NitrogenStandard)
	m.temperature = T20C
	return m
}

func (m *GasMixture) Volume() float32 { return m.volume }
func (m *GasMixture) Inert() bool     { return m.inert }
func (m *GasMixture) Table() *Table   { return m.table }

func (m *GasMixture) Moles(g Gas) float32 {
	if !g.Valid() {
		return 0
	}
	return m.moles[g]
}

// MolesArray returns a copy of the mole vector.
func (m *GasMixture) MolesArray() [NumGases]float32 { return m.moles }

func (m *GasMixture) SetMoles(g Gas, v float32) {
	if m.inert || !g.Valid() {
		return
	}
	m.moles[g] = clampMoles(float64(v))
}

func (m *GasMixture) AdjustMoles(g Gas, delta float32) {
	if m.inert || !g.Valid() {
		return
	}
	m.moles[g] = clampMoles(float64(m.moles[g]) + float64(delta))
}

func (m *GasMixture) TotalMoles() float32 {
	var sum float64
	for _, v := range m.moles {
		sum += float64(v)
	}
	return float32(sum)
}

func (m *GasMixture) HeatCapacity() float32 { return float32(m.heatCapacity()) }

func (m *GasMixture) heatCapacity() float64 {
	var c float64
	for i, v := range m.moles {
		c += float64(v) * float64(m.table.defs[i].SpecificHeat)
	}
	return c
}

// ThermalEnergy is sum(moles_i * c_i) * T.
func (m *GasMixture) ThermalEnergy() float64 {
	return m.heatCapacity() * float64(m.temperature)
}

// Mass in grams.
func (m *GasMixture) Mass() float64 {
	var sum float64
	for i, v := range m.moles {
		sum += float64(v) * float64(m.table.defs[i].MolarMass)
	}
	return sum
}

func (m *GasMixture) Temperature() float32 { return m.temperature }

func (m *GasMixture) SetTemperature(t float32) {
	if m.inert {
		return
	}
	if math.IsNaN(float64(t)) || t < TCMB {
		t = TCMB
	}
	m.temperature = t
}

// Pressure is derived on every call and never cached.
func (m *GasMixture) Pressure() float32 {
	if m.inert || m.volume <= 0 {
		return 0
	}
	return float32(float64(m.TotalMoles()) * R * float64(m.temperature) / float64(m.volume))
}

func (m *GasMixture) PartialPressure(g Gas) float32 {
	if m.inert || m.volume <= 0 || !g.Valid() {
		return 0
	}
	return float32(float64(m.moles[g]) * R * float64(m.temperature) / float64(m.volume))
}

// Merge mixes other into m and empties other. Thermal energy is summed and the
// temperature re-derived from the combined heat capacity.
func (m *GasMixture) Merge(other *GasMixture) {
	if other == nil || other == m || m.inert || other.inert {
		return
	}
	selfC := m.heatCapacity()
	otherC := other.heatCapacity()
	energy := selfC*float64(m.temperature) + otherC*float64(other.temperature)

	for i := range m.moles {
		m.moles[i] = clampMoles(float64(m.moles[i]) + float64(other.moles[i]))
		other.moles[i] = 0
	}

	switch c := selfC + otherC; {
	case c > MinimumHeatCapacity:
		m.SetTemperature(float32(energy / c))
	case selfC <= MinimumHeatCapacity && otherC > 0:
		m.SetTemperature(other.temperature)
	}
}

// RemoveRatio takes ratio (clamped to [0,1]) of every species out of m and
// returns it as a new mixture of the same volume and temperature. Residues
// under GasMinMoles follow the bulk so nothing is lost to flooring.
func (m *GasMixture) RemoveRatio(ratio float32) *GasMixture {
	out := NewMixtureWithTable(m.table, m.volume)
	out.temperature = m.temperature
	if m.inert || math.IsNaN(float64(ratio)) || ratio <= 0 {
		return out
	}
	if ratio > 1 {
		ratio = 1
	}
	for i, v := range m.moles {
		if v == 0 {
			continue
		}
		taken := float64(v) * float64(ratio)
		left := float64(v) - taken
		if left < GasMinMoles {
			taken, left = float64(v), 0
		}
		if taken < GasMinMoles {
			continue
		}
		out.moles[i] = float32(taken)
		m.moles[i] = float32(left)
	}
	return out
}

// Remove takes roughly amount moles, spread across species by their share.
func (m *GasMixture) Remove(amount float32) *GasMixture {
	total := m.TotalMoles()
	if total <= 0 || amount <= 0 {
		return m.RemoveRatio(0)
	}
	return m.RemoveRatio(amount / total)
}

// RemoveSpecies extracts every mole of the listed species.
func (m *GasMixture) RemoveSpecies(gases ...Gas) *GasMixture {
	out := NewMixtureWithTable(m.table, m.volume)
	out.temperature = m.temperature
	if m.inert {
		return out
	}
	for _, g := range gases {
		if !g.Valid() {
			continue
		}
		out.moles[g] += m.moles[g]
		m.moles[g] = 0
	}
	return out
}

func (m *GasMixture) Clone() *GasMixture {
	c := *m
	return &c
}

func (m *GasMixture) Clear() {
	if m.inert {
		return
	}
	m.moles = [NumGases]float32{}
}

func (m *GasMixture) Empty() bool { return m.TotalMoles() <= 0 }

func clampMoles(v float64) float32 {
	if math.IsNaN(v) || v < GasMinMoles {
		return 0
	}
	if v > math.MaxFloat32 {
		return math.MaxFloat32
	}
	return float32(v)
}
