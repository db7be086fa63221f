package atmos

import (
	"math"
	"testing"
)

func approx(a, b, rel float64) bool {
	d := math.Abs(a - b)
	if d <= 1e-9 {
		return true
	}
	return d <= rel*math.Max(math.Abs(a), math.Abs(b))
}

func TestMixture_SetMolesClamps(t *testing.T) {
	m := NewMixture(100)
	m.SetMoles(Oxygen, -3)
	if got := m.Moles(Oxygen); got != 0 {
		t.Fatalf("negative moles: got %v want 0", got)
	}
	m.SetMoles(Oxygen, float32(math.NaN()))
	if got := m.Moles(Oxygen); got != 0 {
		t.Fatalf("NaN moles: got %v want 0", got)
	}
	m.SetMoles(Oxygen, GasMinMoles/10)
	if got := m.Moles(Oxygen); got != 0 {
		t.Fatalf("sub-threshold moles: got %v want 0", got)
	}
	m.SetMoles(Nitrogen, 4)
	m.AdjustMoles(Nitrogen, -10)
	if got := m.Moles(Nitrogen); got != 0 {
		t.Fatalf("adjust below zero: got %v want 0", got)
	}
	if got := m.Moles(Gas(99)); got != 0 {
		t.Fatalf("unknown gas: got %v", got)
	}
}

func TestMixture_PressureDerived(t *testing.T) {
	m := StandardAir(nil, CellVolume)
	p := float64(m.Pressure())
	if !approx(p, OneAtmosphere, 1e-4) {
		t.Fatalf("standard air pressure: got %v want %v", p, OneAtmosphere)
	}
	m.SetTemperature(2 * T20C)
	if !approx(float64(m.Pressure()), 2*OneAtmosphere, 1e-4) {
		t.Fatalf("doubling temperature should double pressure, got %v", m.Pressure())
	}
}

func TestMixture_MergeConservesMassAndEnergy(t *testing.T) {
	a := NewMixture(200)
	a.SetMoles(Oxygen, 10)
	a.SetTemperature(300)
	b := NewMixture(100)
	b.SetMoles(Plasma, 2)
	b.SetMoles(Nitrogen, 5)
	b.SetTemperature(900)

	mass := a.Mass() + b.Mass()
	energy := a.ThermalEnergy() + b.ThermalEnergy()
	a.Merge(b)

	if !b.Empty() {
		t.Fatalf("merged mixture not emptied: %v", b.TotalMoles())
	}
	if !approx(a.Mass(), mass, 1e-6) {
		t.Fatalf("mass: got %v want %v", a.Mass(), mass)
	}
	if !approx(a.ThermalEnergy(), energy, 1e-5) {
		t.Fatalf("energy: got %v want %v", a.ThermalEnergy(), energy)
	}
	if a.Volume() != 200 {
		t.Fatalf("volume changed: %v", a.Volume())
	}
	if tt := a.Temperature(); tt <= 300 || tt >= 900 {
		t.Fatalf("merged temperature out of range: %v", tt)
	}
}

func TestMixture_MergeSelfAndNil(t *testing.T) {
	a := NewMixture(100)
	a.SetMoles(Oxygen, 3)
	a.Merge(a)
	a.Merge(nil)
	if got := a.Moles(Oxygen); got != 3 {
		t.Fatalf("got %v want 3", got)
	}
}

func TestMixture_MergeIntoEmptyTakesTemperature(t *testing.T) {
	a := NewMixture(100)
	b := NewMixture(100)
	b.SetMoles(Oxygen, 1)
	b.SetTemperature(500)
	a.Merge(b)
	if !approx(float64(a.Temperature()), 500, 1e-5) {
		t.Fatalf("temperature: got %v want 500", a.Temperature())
	}
}

func TestMixture_RemoveRatioZeroMutatesNothing(t *testing.T) {
	m := NewMixture(100)
	m.SetMoles(Oxygen, 7)
	m.SetTemperature(350)
	out := m.RemoveRatio(0)
	if !out.Empty() {
		t.Fatalf("ratio 0 removed %v moles", out.TotalMoles())
	}
	if m.Moles(Oxygen) != 7 {
		t.Fatalf("source mutated: %v", m.Moles(Oxygen))
	}
	if out.Volume() != m.Volume() || out.Temperature() != m.Temperature() {
		t.Fatalf("removed mixture should share volume and temperature")
	}
	if out := m.RemoveRatio(float32(math.NaN())); !out.Empty() {
		t.Fatalf("NaN ratio removed gas")
	}
}

func TestMixture_RemoveRatioClamped(t *testing.T) {
	m := NewMixture(100)
	m.SetMoles(Oxygen, 4)
	m.SetMoles(Nitrogen, 6)
	out := m.RemoveRatio(3)
	if !m.Empty() {
		t.Fatalf("ratio > 1 left %v moles", m.TotalMoles())
	}
	if out.Moles(Oxygen) != 4 || out.Moles(Nitrogen) != 6 {
		t.Fatalf("removed %v/%v", out.Moles(Oxygen), out.Moles(Nitrogen))
	}

	m = NewMixture(100)
	m.SetMoles(Oxygen, 8)
	half := m.RemoveRatio(0.25)
	if half.Moles(Oxygen) != 2 || m.Moles(Oxygen) != 6 {
		t.Fatalf("quarter split: took %v left %v", half.Moles(Oxygen), m.Moles(Oxygen))
	}
}

func TestMixture_RemoveSpecies(t *testing.T) {
	m := StandardAir(nil, 1000)
	m.SetMoles(CarbonDioxide, 3)
	out := m.RemoveSpecies(CarbonDioxide, Plasma)
	if out.Moles(CarbonDioxide) != 3 || m.Moles(CarbonDioxide) != 0 {
		t.Fatalf("co2 not moved: %v/%v", out.Moles(CarbonDioxide), m.Moles(CarbonDioxide))
	}
	if out.Moles(Oxygen) != 0 {
		t.Fatalf("oxygen should stay")
	}
}

func TestMixture_InvalidVolumeIsInert(t *testing.T) {
	for _, v := range []float32{0, -5, float32(math.NaN()), float32(math.Inf(1))} {
		m := NewMixture(v)
		if !m.Inert() || m.Volume() != 0 {
			t.Fatalf("volume %v: expected inert", v)
		}
		m.SetMoles(Oxygen, 5)
		m.SetTemperature(500)
		if m.TotalMoles() != 0 || m.Pressure() != 0 {
			t.Fatalf("volume %v: inert mixture mutated", v)
		}
		other := StandardAir(nil, 100)
		m.Merge(other)
		if other.Empty() {
			t.Fatalf("volume %v: inert mixture consumed gas", v)
		}
	}
}

func TestMixture_SetTemperatureFloor(t *testing.T) {
	m := NewMixture(10)
	m.SetTemperature(-40)
	if m.Temperature() != TCMB {
		t.Fatalf("got %v want %v", m.Temperature(), TCMB)
	}
}

func TestPumpGasTo(t *testing.T) {
	src := StandardAir(nil, 1000)
	dst := NewMixture(1000)
	if !PumpGasTo(src, dst, OneAtmosphere/2) {
		t.Fatalf("pump should move gas")
	}
	if !approx(float64(dst.Pressure()), OneAtmosphere/2, 1e-3) {
		t.Fatalf("dst pressure: got %v", dst.Pressure())
	}
	if PumpGasTo(src, dst, OneAtmosphere/4) {
		t.Fatalf("pump into saturated dst should be a no-op")
	}
	empty := NewMixture(100)
	if PumpGasTo(empty, dst, 10*OneAtmosphere) {
		t.Fatalf("pump from empty src should be a no-op")
	}
}

func TestReleaseGasTo_StopsAtEquilibrium(t *testing.T) {
	src := StandardAir(nil, 1000)
	dst := NewMixture(1000)
	for i := 0; i < 40; i++ {
		ReleaseGasTo(src, dst, 10*OneAtmosphere)
	}
	if dst.Pressure() > src.Pressure()+0.01 {
		t.Fatalf("passive release overshot: src=%v dst=%v", src.Pressure(), dst.Pressure())
	}
	if ReleaseGasTo(dst, src, 10*OneAtmosphere) && dst.Pressure() > src.Pressure()+0.01 {
		t.Fatalf("gas flowed uphill")
	}
}

func TestEqualize(t *testing.T) {
	a := NewMixture(300)
	a.SetMoles(Oxygen, 12)
	a.SetTemperature(400)
	b := NewMixture(100)
	b.SetTemperature(200)
	energy := a.ThermalEnergy() + b.ThermalEnergy()

	Equalize(a, b)
	if !approx(float64(a.Moles(Oxygen)), 9, 1e-5) || !approx(float64(b.Moles(Oxygen)), 3, 1e-5) {
		t.Fatalf("split %v/%v, want 9/3", a.Moles(Oxygen), b.Moles(Oxygen))
	}
	if !approx(float64(a.Pressure()), float64(b.Pressure()), 1e-4) {
		t.Fatalf("pressures differ: %v vs %v", a.Pressure(), b.Pressure())
	}
	if !approx(a.ThermalEnergy()+b.ThermalEnergy(), energy, 1e-5) {
		t.Fatalf("energy not conserved")
	}
}

func TestIsBreathable(t *testing.T) {
	if !IsBreathable(StandardAir(nil, CellVolume)) {
		t.Fatalf("station air should be breathable")
	}
	if IsBreathable(NewMixture(CellVolume)) {
		t.Fatalf("vacuum should not be breathable")
	}
	if IsBreathable(nil) {
		t.Fatalf("space should not be breathable")
	}
	hot := StandardAir(nil, CellVolume)
	hot.SetTemperature(500)
	if IsBreathable(hot) {
		t.Fatalf("500K air should not be breathable")
	}
	n2 := NewMixture(CellVolume)
	n2.SetMoles(Nitrogen, float32(MolesCellStandard))
	if IsBreathable(n2) {
		t.Fatalf("pure nitrogen should not be breathable")
	}
}

func TestReadoutOf(t *testing.T) {
	r := ReadoutOf(StandardAir(nil, CellVolume))
	if !r.Breathable || len(r.Moles) != 2 {
		t.Fatalf("readout: %+v", r)
	}
	if _, ok := r.Moles["O2"]; !ok {
		t.Fatalf("readout missing O2: %+v", r.Moles)
	}
}

func TestNewTable_Validation(t *testing.T) {
	defs := make([]SpeciesDef, 0, NumGases)
	for _, g := range AllGases() {
		defs = append(defs, DefaultTable().Def(g))
	}
	if _, err := NewTable(defs); err != nil {
		t.Fatalf("default defs rejected: %v", err)
	}
	bad := append([]SpeciesDef(nil), defs...)
	bad[2].SpecificHeat = -1
	if _, err := NewTable(bad); err == nil {
		t.Fatalf("negative specific heat accepted")
	}
	dup := append([]SpeciesDef(nil), defs...)
	dup[1] = dup[0]
	if _, err := NewTable(dup); err == nil {
		t.Fatalf("duplicate species accepted")
	}
	if _, err := NewTable(defs[:3]); err == nil {
		t.Fatalf("short table accepted")
	}
}

func TestDirection_Rotate(t *testing.T) {
	if got := North.Rotate(1); got != East {
		t.Fatalf("N+1: got %v", got)
	}
	if got := (North | East).Rotate(2); got != South|West {
		t.Fatalf("NE+2: got %v", got)
	}
	if got := West.Rotate(-1); got != South {
		t.Fatalf("W-1: got %v", got)
	}
	if got := (North | West).Opposite(); got != South|East {
		t.Fatalf("opposite: got %v", got)
	}
	if got := ParseDirections("ns"); got != North|South {
		t.Fatalf("parse: got %v", got)
	}
}
