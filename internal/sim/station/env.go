package station

import (
	"stationcraft.ai/internal/sim/atmos"
	"stationcraft.ai/internal/sim/pipenet"
)

// env exposes live station state to device updates.
type env struct{ s *Station }

func (e env) NodeMixture(id pipenet.NodeID) *atmos.GasMixture {
	m, err := e.s.net.Mixture(id)
	if err != nil {
		return nil
	}
	return m
}

// TileMixture reports space as (nil, true). Absent, walled-off or
// out-of-bounds tiles are missing.
func (e env) TileMixture(grid atmos.GridID, pos atmos.Vec2i) (*atmos.GasMixture, bool) {
	g, ok := e.s.grids[grid]
	if !ok {
		return nil, false
	}
	t, ok := g.Tile(pos)
	if !ok || t.Blocked {
		return nil, false
	}
	if t.Space() {
		return nil, true
	}
	if t.Mixture.Inert() {
		return nil, false
	}
	return t.Mixture, true
}

func (e env) InvalidateTile(grid atmos.GridID, pos atmos.Vec2i) {
	if g, ok := e.s.grids[grid]; ok {
		g.Invalidate(pos)
	}
}
