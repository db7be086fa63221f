package devices

import (
	"errors"

	"stationcraft.ai/internal/sim/atmos"
	"stationcraft.ai/internal/sim/pipenet"
)

var (
	ErrDuplicateDevice = errors.New("devices: duplicate device")
	ErrUnknownDevice   = errors.New("devices: unknown device")
	ErrInvalidDevice   = errors.New("devices: invalid device")
)

type ID uint64

type Kind string

const (
	KindPressurePump Kind = "pressure_pump"
	KindVolumePump   Kind = "volume_pump"
	KindFilter       Kind = "filter"
	KindMixer        Kind = "mixer"
	KindCanister     Kind = "canister"
	KindVent         Kind = "vent"
	KindScrubber     Kind = "scrubber"
	KindGenerator    Kind = "generator"
)

// Common is the state every device carries. Grid and Pos locate the tile
// the device exchanges with, if any.
type Common struct {
	ID      ID
	Enabled bool
	Grid    atmos.GridID
	Pos     atmos.Vec2i
}

func (c *Common) common() *Common { return c }

// Device is one of the variants below. The set is closed; Update dispatches
// on the concrete type.
type Device interface {
	common() *Common
}

func Base(d Device) *Common { return d.common() }

// PressurePump drives the outlet toward TargetPressure regardless of the
// inlet pressure.
type PressurePump struct {
	Common
	Inlet, Outlet  pipenet.NodeID
	TargetPressure float32
}

// VolumePump moves TransferRate liters of inlet gas per tick.
type VolumePump struct {
	Common
	Inlet, Outlet pipenet.NodeID
	TransferRate  float32
}

// Filter routes Gases from the inlet to Side and everything else to Outlet.
type Filter struct {
	Common
	Inlet, Outlet, Side pipenet.NodeID
	Gases               []atmos.Gas
	TransferRate        float32
}

// Mixer feeds two inlets into the outlet at InletOneConcentration (molar
// share of the first inlet) until the outlet reaches TargetPressure.
type Mixer struct {
	Common
	InletOne, InletTwo, Outlet pipenet.NodeID
	InletOneConcentration      float32
	TargetPressure             float32
}

// Canister owns a tank. A non-zero Port equalizes the tank with that
// network; an open release valve feeds the tile up to ReleasePressure.
type Canister struct {
	Common
	Port            pipenet.NodeID
	Mixture         *atmos.GasMixture
	ReleasePressure float32
	ReleaseOpen     bool
}

type VentMode uint8

const (
	VentRelease VentMode = iota
	VentSiphon
)

// Vent exchanges between its node and tile. Release pumps out until the
// tile reaches ExternalPressureBound without drawing the node below
// InternalPressureBound; Siphon is the reverse.
type Vent struct {
	Common
	Node                  pipenet.NodeID
	Mode                  VentMode
	ExternalPressureBound float32
	InternalPressureBound float32
}

type ScrubberMode uint8

const (
	ScrubberScrub ScrubberMode = iota
	ScrubberSiphon
)

// Scrubber pulls VolumeRate liters of tile gas per tick and keeps Gases
// (or everything when siphoning) in its node.
type Scrubber struct {
	Common
	Node       pipenet.NodeID
	Mode       ScrubberMode
	Gases      []atmos.Gas
	VolumeRate float32
}

// Generator creates MolesPerTick of Gas in its node until MaxPressure.
type Generator struct {
	Common
	Node         pipenet.NodeID
	Gas          atmos.Gas
	MolesPerTick float32
	Temperature  float32
	MaxPressure  float32
}

// KindOf names the variant of d.
func KindOf(d Device) Kind {
	switch d.(type) {
	case *PressurePump:
		return KindPressurePump
	case *VolumePump:
		return KindVolumePump
	case *Filter:
		return KindFilter
	case *Mixer:
		return KindMixer
	case *Canister:
		return KindCanister
	case *Vent:
		return KindVent
	case *Scrubber:
		return KindScrubber
	case *Generator:
		return KindGenerator
	}
	return ""
}

// Nodes lists the pipe nodes the device reads or writes, zero ids omitted.
func Nodes(d Device) []pipenet.NodeID {
	var ids []pipenet.NodeID
	switch v := d.(type) {
	case *PressurePump:
		ids = []pipenet.NodeID{v.Inlet, v.Outlet}
	case *VolumePump:
		ids = []pipenet.NodeID{v.Inlet, v.Outlet}
	case *Filter:
		ids = []pipenet.NodeID{v.Inlet, v.Outlet, v.Side}
	case *Mixer:
		ids = []pipenet.NodeID{v.InletOne, v.InletTwo, v.Outlet}
	case *Canister:
		ids = []pipenet.NodeID{v.Port}
	case *Vent:
		ids = []pipenet.NodeID{v.Node}
	case *Scrubber:
		ids = []pipenet.NodeID{v.Node}
	case *Generator:
		ids = []pipenet.NodeID{v.Node}
	}
	out := ids[:0]
	for _, id := range ids {
		if id != 0 {
			out = append(out, id)
		}
	}
	return out
}
