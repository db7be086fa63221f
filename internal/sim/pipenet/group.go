package pipenet

import (
	"sort"

	"stationcraft.ai/internal/sim/atmos"
)

// Group is one pipe network: a connected component of anchored nodes sharing
// a single mixture whose volume is the sum of member volumes.
type Group struct {
	id      GroupID
	members map[NodeID]struct{}
	volume  float32
	mix     *atmos.GasMixture
}

func (g *Group) ID() GroupID                { return g.id }
func (g *Group) Len() int                   { return len(g.members) }
func (g *Group) Volume() float32            { return g.volume }
func (g *Group) Mixture() *atmos.GasMixture { return g.mix }

func (g *Group) Has(id NodeID) bool {
	_, ok := g.members[id]
	return ok
}

// Members returns node ids in ascending order.
func (g *Group) Members() []NodeID {
	out := make([]NodeID, 0, len(g.members))
	for id := range g.members {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// resize rebuilds the shared mixture at a new volume, keeping every mole and
// the temperature.
func (g *Group) resize(volume float32) {
	g.volume = volume
	g.mix = withVolume(g.mix, volume)
}

func withVolume(m *atmos.GasMixture, volume float32) *atmos.GasMixture {
	return atmos.RestoreMixture(m.Table(), volume, m.Temperature(), m.MolesArray())
}

// larger reports whether a should absorb b when merging.
func larger(a, b *Group) bool {
	if len(a.members) != len(b.members) {
		return len(a.members) > len(b.members)
	}
	return a.id < b.id
}
