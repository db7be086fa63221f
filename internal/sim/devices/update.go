package devices

import (
	"math"

	"stationcraft.ai/internal/sim/atmos"
	"stationcraft.ai/internal/sim/pipenet"
)

// Env resolves the mixtures a device touches. Both lookups return nil when
// the target does not exist this tick. TileMixture reports space as
// (nil, true).
type Env interface {
	NodeMixture(id pipenet.NodeID) *atmos.GasMixture
	TileMixture(grid atmos.GridID, pos atmos.Vec2i) (*atmos.GasMixture, bool)
	InvalidateTile(grid atmos.GridID, pos atmos.Vec2i)
}

type Outcome uint8

const (
	Idle Outcome = iota
	Transferred
	Disabled
)

func (o Outcome) String() string {
	switch o {
	case Transferred:
		return "transferred"
	case Disabled:
		return "disabled"
	}
	return "idle"
}

// Result is the outcome of one device update. Created and Vented count
// moles crossing the simulation boundary.
type Result struct {
	Outcome Outcome
	Created float64
	Vented  float64
}

// Update runs one device for one tick.
func Update(env Env, d Device) Result {
	if !d.common().Enabled {
		return Result{}
	}
	switch v := d.(type) {
	case *PressurePump:
		return updatePressurePump(env, v)
	case *VolumePump:
		return updateVolumePump(env, v)
	case *Filter:
		return updateFilter(env, v)
	case *Mixer:
		return updateMixer(env, v)
	case *Canister:
		return updateCanister(env, v)
	case *Vent:
		return updateVent(env, v)
	case *Scrubber:
		return updateScrubber(env, v)
	case *Generator:
		return updateGenerator(env, v)
	}
	return Result{Outcome: Disabled}
}

var (
	idle        = Result{Outcome: Idle}
	disabled    = Result{Outcome: Disabled}
	transferred = Result{Outcome: Transferred}
)

func saturated(m *atmos.GasMixture) bool { return m.Pressure() >= atmos.MaxOutputPressure }

func clampTarget(p float32) float32 {
	if p > atmos.MaxOutputPressure {
		return atmos.MaxOutputPressure
	}
	return p
}

// nodes resolves every id or reports false when any is missing.
func nodes(env Env, ids ...pipenet.NodeID) ([]*atmos.GasMixture, bool) {
	out := make([]*atmos.GasMixture, len(ids))
	for i, id := range ids {
		if id == 0 {
			return nil, false
		}
		m := env.NodeMixture(id)
		if m == nil {
			return nil, false
		}
		out[i] = m
	}
	return out, true
}

func updatePressurePump(env Env, p *PressurePump) Result {
	m, ok := nodes(env, p.Inlet, p.Outlet)
	if !ok {
		return disabled
	}
	in, out := m[0], m[1]
	if in == out || saturated(out) {
		return idle
	}
	if atmos.PumpGasTo(in, out, clampTarget(p.TargetPressure)) {
		return transferred
	}
	return idle
}

func updateVolumePump(env Env, p *VolumePump) Result {
	m, ok := nodes(env, p.Inlet, p.Outlet)
	if !ok {
		return disabled
	}
	in, out := m[0], m[1]
	if in == out || saturated(out) || in.Empty() || p.TransferRate <= 0 {
		return idle
	}
	out.Merge(in.RemoveRatio(p.TransferRate / in.Volume()))
	return transferred
}

func updateFilter(env Env, f *Filter) Result {
	m, ok := nodes(env, f.Inlet, f.Outlet, f.Side)
	if !ok {
		return disabled
	}
	in, out, side := m[0], m[1], m[2]
	if in == out || saturated(out) || in.Empty() || f.TransferRate <= 0 {
		return idle
	}
	ratio := f.TransferRate / in.Volume()
	if ratio > 1 {
		ratio = 1
	}
	removed := in.RemoveRatio(ratio)
	if removed.Empty() {
		return idle
	}
	filtered := removed.RemoveSpecies(f.Gases...)
	if !filtered.Empty() {
		if side != in && !saturated(side) {
			side.Merge(filtered)
		} else {
			removed.Merge(filtered)
		}
	}
	out.Merge(removed)
	return transferred
}

func updateMixer(env Env, mx *Mixer) Result {
	m, ok := nodes(env, mx.InletOne, mx.InletTwo, mx.Outlet)
	if !ok {
		return disabled
	}
	in1, in2, out := m[0], m[1], m[2]
	if out == in1 || out == in2 {
		return idle
	}
	target := clampTarget(mx.TargetPressure)
	start := out.Pressure()
	if start >= target {
		return idle
	}
	c1 := float64(mx.InletOneConcentration)
	if math.IsNaN(c1) || c1 < 0 {
		c1 = 0
	}
	if c1 > 1 {
		c1 = 1
	}
	c2 := 1 - c1

	delta := float64(target - start)
	vol := float64(out.Volume())
	var one, two float64
	if c1 > 0 {
		if in1.Temperature() <= 0 {
			return idle
		}
		one = c1 * delta * vol / (float64(in1.Temperature()) * atmos.R)
	}
	if c2 > 0 {
		if in2.Temperature() <= 0 {
			return idle
		}
		two = c2 * delta * vol / (float64(in2.Temperature()) * atmos.R)
	}

	// Scale both streams together when either inlet runs short so the
	// outlet never drifts off the configured ratio.
	scale := 1.0
	if one > 0 {
		if have := float64(in1.TotalMoles()); have < one {
			scale = math.Min(scale, have/one)
		}
	}
	if two > 0 {
		if have := float64(in2.TotalMoles()); have < two {
			scale = math.Min(scale, have/two)
		}
	}
	one *= scale
	two *= scale
	if one <= 0 && two <= 0 {
		return idle
	}
	if one > 0 {
		out.Merge(in1.Remove(float32(one)))
	}
	if two > 0 {
		out.Merge(in2.Remove(float32(two)))
	}
	return transferred
}

func updateCanister(env Env, c *Canister) Result {
	if c.Mixture == nil {
		return disabled
	}
	res := idle
	if c.Port != 0 {
		port := env.NodeMixture(c.Port)
		if port == nil {
			return disabled
		}
		if port != c.Mixture {
			atmos.Equalize(c.Mixture, port)
			res = transferred
		}
	}
	if !c.ReleaseOpen {
		return res
	}
	tile, ok := env.TileMixture(c.Grid, c.Pos)
	if !ok {
		return disabled
	}
	if tile == nil {
		vented := releaseToSpace(c.Mixture, c.ReleasePressure)
		if vented > 0 {
			res = transferred
			res.Vented = vented
		}
		return res
	}
	if atmos.ReleaseGasTo(c.Mixture, tile, clampTarget(c.ReleasePressure)) {
		env.InvalidateTile(c.Grid, c.Pos)
		res = transferred
	}
	return res
}

// releaseToSpace releases src as if into an empty tile and discards the gas.
func releaseToSpace(src *atmos.GasMixture, target float32) float64 {
	sink := atmos.NewMixtureWithTable(src.Table(), atmos.CellVolume)
	if !atmos.ReleaseGasTo(src, sink, clampTarget(target)) {
		return 0
	}
	return float64(sink.TotalMoles())
}

func updateVent(env Env, v *Vent) Result {
	node := env.NodeMixture(v.Node)
	if v.Node == 0 || node == nil {
		return disabled
	}
	tile, ok := env.TileMixture(v.Grid, v.Pos)
	if !ok {
		return disabled
	}

	switch v.Mode {
	case VentRelease:
		if node.Empty() {
			return idle
		}
		if tile == nil {
			vented := releaseToSpace(node, v.ExternalPressureBound)
			if vented <= 0 {
				return idle
			}
			return Result{Outcome: Transferred, Vented: vented}
		}
		tp := tile.Pressure()
		target := clampTarget(v.ExternalPressureBound)
		if tp >= target || node.Temperature() <= 0 {
			return idle
		}
		moles := float64(target-tp) * float64(tile.Volume()) / (float64(node.Temperature()) * atmos.R)
		if v.InternalPressureBound > 0 {
			spare := float64(node.Pressure()-v.InternalPressureBound) * float64(node.Volume()) / (float64(node.Temperature()) * atmos.R)
			moles = math.Min(moles, spare)
		}
		if moles <= 0 {
			return idle
		}
		tile.Merge(node.Remove(float32(moles)))
		env.InvalidateTile(v.Grid, v.Pos)
		return transferred

	case VentSiphon:
		if tile == nil || tile.Empty() || saturated(node) {
			return idle
		}
		np := node.Pressure()
		target := clampTarget(v.InternalPressureBound)
		if np >= target || tile.Temperature() <= 0 {
			return idle
		}
		moles := float64(target-np) * float64(node.Volume()) / (float64(tile.Temperature()) * atmos.R)
		if v.ExternalPressureBound > 0 {
			spare := float64(tile.Pressure()-v.ExternalPressureBound) * float64(tile.Volume()) / (float64(tile.Temperature()) * atmos.R)
			moles = math.Min(moles, spare)
		}
		if moles <= 0 {
			return idle
		}
		node.Merge(tile.Remove(float32(moles)))
		env.InvalidateTile(v.Grid, v.Pos)
		return transferred
	}
	return disabled
}

func updateScrubber(env Env, s *Scrubber) Result {
	node := env.NodeMixture(s.Node)
	if s.Node == 0 || node == nil {
		return disabled
	}
	tile, ok := env.TileMixture(s.Grid, s.Pos)
	if !ok {
		return disabled
	}
	if tile == nil || tile.Empty() || saturated(node) || s.VolumeRate <= 0 {
		return idle
	}
	ratio := s.VolumeRate / tile.Volume()
	if ratio > 1 {
		ratio = 1
	}
	removed := tile.RemoveRatio(ratio)
	switch s.Mode {
	case ScrubberSiphon:
		node.Merge(removed)
	default:
		node.Merge(removed.RemoveSpecies(s.Gases...))
		tile.Merge(removed)
	}
	env.InvalidateTile(s.Grid, s.Pos)
	return transferred
}

func updateGenerator(env Env, g *Generator) Result {
	node := env.NodeMixture(g.Node)
	if g.Node == 0 || node == nil {
		return disabled
	}
	maxP := g.MaxPressure
	if maxP <= 0 {
		maxP = atmos.MaxOutputPressure
	}
	maxP = clampTarget(maxP)
	if node.Pressure() >= maxP || g.MolesPerTick <= 0 || !g.Gas.Valid() {
		return idle
	}
	add := atmos.NewMixtureWithTable(node.Table(), node.Volume())
	add.SetMoles(g.Gas, g.MolesPerTick)
	t := g.Temperature
	if t <= 0 {
		t = atmos.T20C
	}
	add.SetTemperature(t)
	created := float64(add.TotalMoles())
	node.Merge(add)
	return Result{Outcome: Transferred, Created: created}
}
