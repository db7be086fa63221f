package pipenet

import (
	"math"
	"sort"

	"stationcraft.ai/internal/sim/atmos"
)

// Revalidate checks node and group references after a tick that changed
// topology. Inconsistent components are rebuilt by flood fill: their gas is
// pooled and redistributed by volume share. It returns the number of nodes
// that had to be rebuilt.
func (n *Network) Revalidate() int {
	if !n.dirty {
		return 0
	}
	n.dirty = false

	var bad []NodeID
	for _, gid := range n.GroupIDs() {
		g := n.groups[gid]
		broken := len(g.members) == 0
		for id := range g.members {
			nd := n.nodes[id]
			if nd == nil || !nd.Anchored || nd.group != gid {
				broken = true
				break
			}
		}
		if !broken && math.Abs(float64(n.memberVolume(g)-g.volume)) > 1e-3*float64(g.volume) {
			broken = true
		}
		if !broken && g.mix.Volume() != g.volume {
			broken = true
		}
		if broken {
			for id := range g.members {
				bad = append(bad, id)
			}
			if len(g.members) == 0 {
				n.logf("[pipenet] dropping empty group %d", gid)
				delete(n.groups, gid)
			}
		}
	}
	for _, id := range n.NodeIDs() {
		nd := n.nodes[id]
		if !nd.Anchored {
			continue
		}
		g, ok := n.groups[nd.group]
		if !ok || !g.Has(id) {
			bad = append(bad, id)
			continue
		}
		if !nd.MovementSensitive {
			continue
		}
		for _, o := range n.neighbors(nd) {
			if o.group != nd.group {
				bad = append(bad, id, o.ID)
			}
		}
	}
	if len(bad) == 0 {
		return 0
	}
	n.logf("[pipenet] revalidate: %d inconsistent node references, rebuilding", len(bad))
	return n.rebuild(bad)
}

// rebuild re-derives the groups of every component reachable from seeds.
func (n *Network) rebuild(seeds []NodeID) int {
	n.stats.Rebuilds++

	affected := map[NodeID]bool{}
	groups := map[GroupID]*Group{}
	queue := append([]NodeID(nil), seeds...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		nd := n.nodes[id]
		if nd == nil || affected[id] {
			continue
		}
		affected[id] = true
		if g, ok := n.groups[nd.group]; ok && groups[g.id] == nil {
			groups[g.id] = g
			queue = append(queue, g.Members()...)
		}
		for _, o := range n.neighbors(nd) {
			queue = append(queue, o.ID)
		}
	}

	gids := make([]GroupID, 0, len(groups))
	for gid := range groups {
		gids = append(gids, gid)
	}
	sort.Slice(gids, func(i, j int) bool { return gids[i] < gids[j] })

	pool := atmos.NewMixtureWithTable(n.table, 1)
	for _, gid := range gids {
		pool.Merge(n.groups[gid].mix)
		delete(n.groups, gid)
	}

	ids := make([]NodeID, 0, len(affected))
	for id := range affected {
		ids = append(ids, id)
		n.nodes[id].group = 0
	}
	sortIDs(ids)

	var comps [][]NodeID
	var vols []float64
	var total float64
	seen := map[NodeID]bool{}
	for _, s := range ids {
		if seen[s] || !n.nodes[s].Anchored {
			continue
		}
		var comp []NodeID
		var vol float64
		q := []NodeID{s}
		seen[s] = true
		for len(q) > 0 {
			id := q[0]
			q = q[1:]
			comp = append(comp, id)
			vol += float64(n.nodes[id].Volume)
			for _, o := range n.neighbors(n.nodes[id]) {
				if !seen[o.ID] {
					seen[o.ID] = true
					q = append(q, o.ID)
				}
			}
		}
		comps = append(comps, comp)
		vols = append(vols, vol)
		total += vol
	}

	if len(comps) == 0 {
		if !pool.Empty() {
			n.logf("[pipenet] rebuild lost %.3f moles with no anchored nodes left", pool.TotalMoles())
		}
		return len(ids)
	}

	remaining := total
	for i, comp := range comps {
		var g *Group
		if i < len(gids) {
			g = &Group{id: gids[i], members: map[NodeID]struct{}{}}
			n.groups[g.id] = g
		} else {
			g = n.newGroup()
		}
		for _, id := range comp {
			g.members[id] = struct{}{}
			n.nodes[id].group = g.id
		}
		var part *atmos.GasMixture
		if i == len(comps)-1 {
			part = pool
		} else {
			part = pool.RemoveRatio(float32(vols[i] / remaining))
		}
		remaining -= vols[i]
		g.volume = float32(vols[i])
		g.mix = withVolume(part, g.volume)
	}
	return len(ids)
}
