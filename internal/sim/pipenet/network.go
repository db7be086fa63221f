package pipenet

import (
	"fmt"
	"log"
	"math"
	"sort"

	"stationcraft.ai/internal/sim/atmos"
)

// Network keeps the partition of anchored pipe nodes into groups consistent
// with their physical connectivity. It is owned by the station loop and is
// not safe for concurrent use.
type Network struct {
	table  *atmos.Table
	logger *log.Logger

	nodes  map[NodeID]*Node
	groups map[GroupID]*Group
	at     map[cell][]NodeID

	nextGroup GroupID
	dirty     bool

	stats Stats
}

// Stats counts maintenance work since the network was created.
type Stats struct {
	Merges   int
	Splits   int
	Rebuilds int
	Heals    int
}

func New(table *atmos.Table, logger *log.Logger) *Network {
	if table == nil {
		table = atmos.DefaultTable()
	}
	return &Network{
		table:     table,
		logger:    logger,
		nodes:     map[NodeID]*Node{},
		groups:    map[GroupID]*Group{},
		at:        map[cell][]NodeID{},
		nextGroup: 1,
	}
}

func (n *Network) logf(format string, args ...any) {
	if n.logger != nil {
		n.logger.Printf(format, args...)
	}
}

func (n *Network) Stats() Stats    { return n.stats }
func (n *Network) NodeCount() int  { return len(n.nodes) }
func (n *Network) GroupCount() int { return len(n.groups) }
func (n *Network) Dirty() bool     { return n.dirty }

// Node returns a copy of the node.
func (n *Network) Node(id NodeID) (Node, bool) {
	nd, ok := n.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *nd, true
}

// NodeIDs lists every node in ascending order.
func (n *Network) NodeIDs() []NodeID {
	out := make([]NodeID, 0, len(n.nodes))
	for id := range n.nodes {
		out = append(out, id)
	}
	sortIDs(out)
	return out
}

// GroupIDs lists every group in ascending order.
func (n *Network) GroupIDs() []GroupID {
	out := make([]GroupID, 0, len(n.groups))
	for id := range n.groups {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (n *Network) GroupByID(id GroupID) (*Group, bool) {
	g, ok := n.groups[id]
	return g, ok
}

// Group returns the group of an anchored node. A dangling or inconsistent
// group reference is repaired before answering.
func (n *Network) Group(id NodeID) (*Group, error) {
	nd, ok := n.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	if !nd.Anchored {
		return nil, nil
	}
	if g, ok := n.groups[nd.group]; ok && g.Has(id) {
		return g, nil
	}
	n.stats.Heals++
	n.logf("[pipenet] node %d has a dangling group %d, rebuilding", id, nd.group)
	n.rebuild([]NodeID{id})
	return n.groups[nd.group], nil
}

// Mixture returns the shared mixture of the node's group, or nil when the
// node is unanchored.
func (n *Network) Mixture(id NodeID) (*atmos.GasMixture, error) {
	g, err := n.Group(id)
	if err != nil || g == nil {
		return nil, err
	}
	return g.mix, nil
}

// AddNode registers a node and joins it to the network when anchored.
// Invalid volumes fall back to the default pipe volume.
func (n *Network) AddNode(node Node) error {
	if node.ID == 0 {
		return fmt.Errorf("%w: zero id", ErrInvalidNode)
	}
	if _, ok := n.nodes[node.ID]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateNode, node.ID)
	}
	if v := float64(node.Volume); v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		n.logf("[pipenet] node %d has invalid volume %v, using %v", node.ID, node.Volume, atmos.DefaultPipeVolume)
		node.Volume = atmos.DefaultPipeVolume
	}
	node.Directions &= atmos.AllDirections
	node.group = 0
	nd := &node
	n.nodes[nd.ID] = nd
	n.index(nd)
	if nd.Anchored {
		n.attach(nd)
	}
	n.dirty = true
	return nil
}

// RemoveNode deletes a node. When its group is left empty the group's gas
// is returned as orphaned for the caller to vent.
func (n *Network) RemoveNode(id NodeID) (*atmos.GasMixture, error) {
	nd, ok := n.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	var orphan *atmos.GasMixture
	if nd.Anchored {
		orphan = n.detach(nd)
	}
	n.unindex(nd)
	delete(n.nodes, id)
	n.dirty = true
	return orphan, nil
}

// SetAnchored attaches or detaches a node. Unanchoring the last member of a
// group returns its gas as orphaned.
func (n *Network) SetAnchored(id NodeID, anchored bool) (*atmos.GasMixture, error) {
	nd, ok := n.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	if nd.Anchored == anchored {
		return nil, nil
	}
	n.dirty = true
	if anchored {
		nd.Anchored = true
		n.attach(nd)
		return nil, nil
	}
	orphan := n.detach(nd)
	nd.Anchored = false
	return orphan, nil
}

// Move translates a node. Only movement-sensitive nodes re-derive their
// connections; others keep their group.
func (n *Network) Move(id NodeID, grid atmos.GridID, pos atmos.Vec2i) error {
	nd, ok := n.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	if nd.Grid == grid && nd.Pos == pos {
		return nil
	}
	n.reevaluate(nd, nd.MovementSensitive, func() {
		nd.Grid = grid
		nd.Pos = pos
	})
	return nil
}

// Rotate sets the rotation in quarter turns. Nodes re-derive their
// connections only when both movement and rotation sensitive.
func (n *Network) Rotate(id NodeID, rotation int) error {
	nd, ok := n.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	rotation = ((rotation % 4) + 4) % 4
	if nd.Rotation == rotation {
		return nil
	}
	n.reevaluate(nd, nd.MovementSensitive && nd.RotationSensitive, func() {
		nd.Rotation = rotation
	})
	return nil
}

// reevaluate applies change to nd, detaching and re-attaching it when
// sensitive. A lone node keeps its gas across the move.
func (n *Network) reevaluate(nd *Node, sensitive bool, change func()) {
	if !sensitive || !nd.Anchored {
		n.unindex(nd)
		change()
		n.index(nd)
		return
	}
	orphan := n.detach(nd)
	n.unindex(nd)
	change()
	n.index(nd)
	n.attach(nd)
	if orphan != nil {
		n.groups[nd.group].mix.Merge(orphan)
	}
	n.dirty = true
}

// neighbors lists the nodes nd connects to, in N, E, S, W then id order.
func (n *Network) neighbors(nd *Node) []*Node {
	if !nd.Anchored {
		return nil
	}
	var out []*Node
	for _, dir := range atmos.Cardinals {
		if !nd.Connects().Has(dir) {
			continue
		}
		c := cell{grid: nd.Grid, pos: nd.Pos.Add(dir.Offset())}
		for _, oid := range n.at[c] {
			other := n.nodes[oid]
			if other != nil && other != nd && joins(nd, other, dir) {
				out = append(out, other)
			}
		}
	}
	return out
}

// attach joins an anchored node to the group of its neighbors, folding every
// adjacent group into the largest one.
func (n *Network) attach(nd *Node) {
	var adj []*Group
	seen := map[GroupID]bool{}
	for _, o := range n.neighbors(nd) {
		g, ok := n.groups[o.group]
		if !ok || !g.Has(o.ID) || seen[g.id] {
			continue
		}
		seen[g.id] = true
		adj = append(adj, g)
	}

	if len(adj) == 0 {
		g := n.newGroup()
		g.members[nd.ID] = struct{}{}
		nd.group = g.id
		g.resize(nd.Volume)
		return
	}

	target := adj[0]
	for _, g := range adj[1:] {
		if larger(g, target) {
			target = g
		}
	}
	for _, g := range adj {
		if g != target {
			n.fold(target, g)
		}
	}
	target.members[nd.ID] = struct{}{}
	nd.group = target.id
	target.resize(n.memberVolume(target))
}

// fold merges src into dst and destroys src.
func (n *Network) fold(dst, src *Group) {
	for id := range src.members {
		dst.members[id] = struct{}{}
		if nd := n.nodes[id]; nd != nil {
			nd.group = dst.id
		}
	}
	gas := src.mix
	delete(n.groups, src.id)
	dst.resize(n.memberVolume(dst))
	dst.mix.Merge(gas)
	n.stats.Merges++
}

// detach removes an anchored node from its group, splitting the group when
// the node was a bridge. The group keeps all of its gas.
func (n *Network) detach(nd *Node) *atmos.GasMixture {
	g, ok := n.groups[nd.group]
	if !ok || !g.Has(nd.ID) {
		nd.group = 0
		n.dirty = true
		return nil
	}
	former := n.neighbors(nd)
	delete(g.members, nd.ID)
	nd.group = 0

	if len(g.members) == 0 {
		delete(n.groups, g.id)
		return g.mix
	}

	seeds := make([]NodeID, 0, len(former)+len(g.members))
	for _, o := range former {
		if g.Has(o.ID) {
			seeds = append(seeds, o.ID)
		}
	}
	seeds = append(seeds, g.Members()...)
	comps := n.components(g, seeds)

	g.resize(n.memberVolume(g))
	if len(comps) == 1 {
		return nil
	}
	n.split(g, comps)
	return nil
}

// components partitions the group's members by physical adjacency,
// flooding from seeds in order.
func (n *Network) components(g *Group, seeds []NodeID) [][]NodeID {
	visited := map[NodeID]bool{}
	var comps [][]NodeID
	for _, s := range seeds {
		if visited[s] || !g.Has(s) {
			continue
		}
		var comp []NodeID
		queue := []NodeID{s}
		visited[s] = true
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			comp = append(comp, id)
			for _, o := range n.neighbors(n.nodes[id]) {
				if visited[o.ID] || !g.Has(o.ID) {
					continue
				}
				visited[o.ID] = true
				queue = append(queue, o.ID)
			}
		}
		comps = append(comps, comp)
	}
	return comps
}

// split keeps comps[0] in g and moves every further component into a new
// group carrying its volume share of the gas.
func (n *Network) split(g *Group, comps [][]NodeID) {
	pool := g.mix
	remaining := float64(g.volume)
	for _, comp := range comps[1:] {
		ng := n.newGroup()
		var vol float64
		for _, id := range comp {
			delete(g.members, id)
			ng.members[id] = struct{}{}
			n.nodes[id].group = ng.id
			vol += float64(n.nodes[id].Volume)
		}
		part := pool.RemoveRatio(float32(vol / remaining))
		remaining -= vol
		ng.volume = float32(vol)
		ng.mix = withVolume(part, ng.volume)
		n.stats.Splits++
	}
	g.resize(n.memberVolume(g))
}

func (n *Network) newGroup() *Group {
	g := &Group{
		id:      n.nextGroup,
		members: map[NodeID]struct{}{},
		mix:     atmos.NewMixtureWithTable(n.table, atmos.DefaultPipeVolume),
	}
	n.nextGroup++
	n.groups[g.id] = g
	return g
}

func (n *Network) memberVolume(g *Group) float32 {
	var v float64
	for id := range g.members {
		if nd := n.nodes[id]; nd != nil {
			v += float64(nd.Volume)
		}
	}
	return float32(v)
}

func (n *Network) index(nd *Node) {
	c := nd.cell()
	ids := append(n.at[c], nd.ID)
	sortIDs(ids)
	n.at[c] = ids
}

func (n *Network) unindex(nd *Node) {
	c := nd.cell()
	ids := n.at[c]
	for i, id := range ids {
		if id == nd.ID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(n.at, c)
		return
	}
	n.at[c] = ids
}

func sortIDs(ids []NodeID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
