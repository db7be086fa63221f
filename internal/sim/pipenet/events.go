package pipenet

import (
	"fmt"

	"stationcraft.ai/internal/sim/atmos"
)

// Event is a topology change. The set is closed.
type Event interface{ isEvent() }

type NodeAdded struct{ Node Node }
type NodeRemoved struct{ ID NodeID }
type NodeMoved struct {
	ID   NodeID
	Grid atmos.GridID
	Pos  atmos.Vec2i
}
type NodeRotated struct {
	ID       NodeID
	Rotation int
}
type NodeAnchorChanged struct {
	ID       NodeID
	Anchored bool
}

func (NodeAdded) isEvent()         {}
func (NodeRemoved) isEvent()       {}
func (NodeMoved) isEvent()         {}
func (NodeRotated) isEvent()       {}
func (NodeAnchorChanged) isEvent() {}

// Orphan is gas left without a network, located where its last node was.
type Orphan struct {
	Grid atmos.GridID
	Pos  atmos.Vec2i
	Gas  *atmos.GasMixture
}

// Apply consumes one topology event. The returned orphan is nil unless a
// group lost its last member.
func (n *Network) Apply(ev Event) (*Orphan, error) {
	switch e := ev.(type) {
	case NodeAdded:
		return nil, n.AddNode(e.Node)
	case NodeRemoved:
		nd, ok := n.nodes[e.ID]
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownNode, e.ID)
		}
		grid, pos := nd.Grid, nd.Pos
		gas, err := n.RemoveNode(e.ID)
		return orphanAt(grid, pos, gas), err
	case NodeMoved:
		return nil, n.Move(e.ID, e.Grid, e.Pos)
	case NodeRotated:
		return nil, n.Rotate(e.ID, e.Rotation)
	case NodeAnchorChanged:
		nd, ok := n.nodes[e.ID]
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownNode, e.ID)
		}
		gas, err := n.SetAnchored(e.ID, e.Anchored)
		return orphanAt(nd.Grid, nd.Pos, gas), err
	default:
		return nil, fmt.Errorf("pipenet: unsupported event %T", ev)
	}
}

func orphanAt(grid atmos.GridID, pos atmos.Vec2i, gas *atmos.GasMixture) *Orphan {
	if gas == nil {
		return nil
	}
	return &Orphan{Grid: grid, Pos: pos, Gas: gas}
}
