package pipenet

import (
	"fmt"
	"log"

	"stationcraft.ai/internal/sim/atmos"
)

type NodeState struct {
	Node  Node
	Group GroupID
}

type GroupState struct {
	ID          GroupID
	Members     []NodeID
	Temperature float32
	Moles       [atmos.NumGases]float32
}

// State is the persisted form of a network, in id order.
type State struct {
	Nodes     []NodeState
	Groups    []GroupState
	NextGroup GroupID
}

func (n *Network) Export() State {
	st := State{NextGroup: n.nextGroup}
	for _, id := range n.NodeIDs() {
		nd := n.nodes[id]
		st.Nodes = append(st.Nodes, NodeState{Node: *nd, Group: nd.group})
	}
	for _, gid := range n.GroupIDs() {
		g := n.groups[gid]
		st.Groups = append(st.Groups, GroupState{
			ID:          gid,
			Members:     g.Members(),
			Temperature: g.mix.Temperature(),
			Moles:       g.mix.MolesArray(),
		})
	}
	return st
}

// Restore rebuilds a network exactly as exported. The result is marked
// dirty so the next Revalidate checks it.
func Restore(table *atmos.Table, logger *log.Logger, st State) (*Network, error) {
	n := New(table, logger)
	for _, ns := range st.Nodes {
		nd := ns.Node
		if nd.ID == 0 {
			return nil, fmt.Errorf("%w: zero id", ErrInvalidNode)
		}
		if _, ok := n.nodes[nd.ID]; ok {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateNode, nd.ID)
		}
		nd.group = ns.Group
		p := &nd
		n.nodes[p.ID] = p
		n.index(p)
	}
	for _, gs := range st.Groups {
		g := &Group{id: gs.ID, members: map[NodeID]struct{}{}}
		for _, id := range gs.Members {
			if _, ok := n.nodes[id]; !ok {
				return nil, fmt.Errorf("%w: group %d member %d", ErrUnknownNode, gs.ID, id)
			}
			g.members[id] = struct{}{}
		}
		g.volume = n.memberVolume(g)
		g.mix = atmos.RestoreMixture(n.table, g.volume, gs.Temperature, gs.Moles)
		n.groups[g.id] = g
		if gs.ID >= n.nextGroup {
			n.nextGroup = gs.ID + 1
		}
	}
	if st.NextGroup > n.nextGroup {
		n.nextGroup = st.NextGroup
	}
	n.dirty = true
	return n, nil
}
