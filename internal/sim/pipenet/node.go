package pipenet

import (
	"errors"

	"stationcraft.ai/internal/sim/atmos"
)

var (
	ErrUnknownNode   = errors.New("pipenet: unknown node")
	ErrDuplicateNode = errors.New("pipenet: duplicate node")
	ErrInvalidNode   = errors.New("pipenet: invalid node")
)

type NodeID uint64
type GroupID uint64

// Node is one pipe segment or device port. Its group is held by id and
// resolved through the network registry.
type Node struct {
	ID    NodeID       `json:"id"`
	Owner string       `json:"owner,omitempty"`
	Grid  atmos.GridID `json:"grid"`
	Pos   atmos.Vec2i  `json:"pos"`

	// Rotation is in clockwise quarter turns; Directions is in the node's
	// local frame.
	Rotation   int             `json:"rotation,omitempty"`
	Directions atmos.Direction `json:"directions"`
	Volume     float32         `json:"volume"`
	Anchored   bool            `json:"anchored"`

	MovementSensitive bool `json:"movement_sensitive,omitempty"`
	RotationSensitive bool `json:"rotation_sensitive,omitempty"`

	group GroupID
}

// Connects returns the world-frame directions the node can connect through.
func (n *Node) Connects() atmos.Direction { return n.Directions.Rotate(n.Rotation) }

func (n *Node) GroupID() GroupID { return n.group }

type cell struct {
	grid atmos.GridID
	pos  atmos.Vec2i
}

func (n *Node) cell() cell { return cell{grid: n.Grid, pos: n.Pos} }

// joins reports whether a and b face each other through dir (from a).
func joins(a, b *Node, dir atmos.Direction) bool {
	return a.Anchored && b.Anchored &&
		a.Grid == b.Grid &&
		a.Connects().Has(dir) &&
		b.Connects().Has(dir.Opposite()) &&
		b.Pos == a.Pos.Add(dir.Offset())
}
