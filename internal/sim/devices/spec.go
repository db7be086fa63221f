package devices

import (
	"fmt"
	"strings"

	"stationcraft.ai/internal/sim/atmos"
	"stationcraft.ai/internal/sim/pipenet"
)

// Spec is the flat, serializable description of any device. Map files and
// snapshots both use it; fields a kind does not need stay zero.
type Spec struct {
	Kind     Kind   `yaml:"kind" json:"kind"`
	ID       ID     `yaml:"id" json:"id"`
	Disabled bool   `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	Grid     string `yaml:"grid,omitempty" json:"grid,omitempty"`
	X        int    `yaml:"x" json:"x"`
	Y        int    `yaml:"y" json:"y"`

	Inlet  uint64 `yaml:"inlet,omitempty" json:"inlet,omitempty"`
	Outlet uint64 `yaml:"outlet,omitempty" json:"outlet,omitempty"`
	// Side is the filter output or the second mixer inlet.
	Side uint64 `yaml:"side,omitempty" json:"side,omitempty"`
	// Node is the single node of vents, scrubbers, generators and canister ports.
	Node uint64 `yaml:"node,omitempty" json:"node,omitempty"`

	Mode  string   `yaml:"mode,omitempty" json:"mode,omitempty"`
	Gases []string `yaml:"gases,omitempty" json:"gases,omitempty"`

	TargetPressure  float32 `yaml:"target_pressure,omitempty" json:"target_pressure,omitempty"`
	TransferRate    float32 `yaml:"transfer_rate,omitempty" json:"transfer_rate,omitempty"`
	Concentration   float32 `yaml:"concentration,omitempty" json:"concentration,omitempty"`
	ExternalBound   float32 `yaml:"external_bound,omitempty" json:"external_bound,omitempty"`
	InternalBound   float32 `yaml:"internal_bound,omitempty" json:"internal_bound,omitempty"`
	ReleasePressure float32 `yaml:"release_pressure,omitempty" json:"release_pressure,omitempty"`
	ReleaseOpen     bool    `yaml:"release_open,omitempty" json:"release_open,omitempty"`
	MaxPressure     float32 `yaml:"max_pressure,omitempty" json:"max_pressure,omitempty"`
	MolesPerTick    float32 `yaml:"moles_per_tick,omitempty" json:"moles_per_tick,omitempty"`
	Temperature     float32 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	// Volume is the canister tank volume; Fill the gas it starts with.
	Volume float32            `yaml:"volume,omitempty" json:"volume,omitempty"`
	Fill   map[string]float32 `yaml:"fill,omitempty" json:"fill,omitempty"`
}

// Build turns a spec into a device. table is used for canister tanks.
func Build(s Spec, table *atmos.Table) (Device, error) {
	if s.ID == 0 {
		return nil, fmt.Errorf("%w: zero id", ErrInvalidDevice)
	}
	c := Common{
		ID:      s.ID,
		Enabled: !s.Disabled,
		Grid:    atmos.GridID(s.Grid),
		Pos:     atmos.Vec2i{X: s.X, Y: s.Y},
	}
	gases, err := parseGases(s.Gases)
	if err != nil {
		return nil, fmt.Errorf("device %d: %w", s.ID, err)
	}

	switch s.Kind {
	case KindPressurePump:
		return &PressurePump{Common: c, Inlet: pipenet.NodeID(s.Inlet), Outlet: pipenet.NodeID(s.Outlet), TargetPressure: s.TargetPressure}, nil
	case KindVolumePump:
		return &VolumePump{Common: c, Inlet: pipenet.NodeID(s.Inlet), Outlet: pipenet.NodeID(s.Outlet), TransferRate: s.TransferRate}, nil
	case KindFilter:
		return &Filter{Common: c, Inlet: pipenet.NodeID(s.Inlet), Outlet: pipenet.NodeID(s.Outlet), Side: pipenet.NodeID(s.Side), Gases: gases, TransferRate: s.TransferRate}, nil
	case KindMixer:
		return &Mixer{Common: c, InletOne: pipenet.NodeID(s.Inlet), InletTwo: pipenet.NodeID(s.Side), Outlet: pipenet.NodeID(s.Outlet),
			InletOneConcentration: s.Concentration, TargetPressure: s.TargetPressure}, nil
	case KindCanister:
		vol := s.Volume
		if vol <= 0 {
			vol = atmos.DefaultTankVolume
		}
		mix := atmos.NewMixtureWithTable(table, vol)
		if s.Temperature > 0 {
			mix.SetTemperature(s.Temperature)
		}
		for id, moles := range s.Fill {
			g, err := atmos.ParseGas(id)
			if err != nil {
				return nil, fmt.Errorf("device %d: %w", s.ID, err)
			}
			mix.SetMoles(g, moles)
		}
		return &Canister{Common: c, Port: pipenet.NodeID(s.Node), Mixture: mix, ReleasePressure: s.ReleasePressure, ReleaseOpen: s.ReleaseOpen}, nil
	case KindVent:
		mode := VentRelease
		switch strings.ToLower(s.Mode) {
		case "", "release":
		case "siphon":
			mode = VentSiphon
		default:
			return nil, fmt.Errorf("%w: device %d: vent mode %q", ErrInvalidDevice, s.ID, s.Mode)
		}
		return &Vent{Common: c, Node: pipenet.NodeID(s.Node), Mode: mode, ExternalPressureBound: s.ExternalBound, InternalPressureBound: s.InternalBound}, nil
	case KindScrubber:
		mode := ScrubberScrub
		switch strings.ToLower(s.Mode) {
		case "", "scrub":
		case "siphon":
			mode = ScrubberSiphon
		default:
			return nil, fmt.Errorf("%w: device %d: scrubber mode %q", ErrInvalidDevice, s.ID, s.Mode)
		}
		return &Scrubber{Common: c, Node: pipenet.NodeID(s.Node), Mode: mode, Gases: gases, VolumeRate: s.TransferRate}, nil
	case KindGenerator:
		if len(gases) != 1 {
			return nil, fmt.Errorf("%w: device %d: generator needs exactly one gas", ErrInvalidDevice, s.ID)
		}
		return &Generator{Common: c, Node: pipenet.NodeID(s.Node), Gas: gases[0], MolesPerTick: s.MolesPerTick,
			Temperature: s.Temperature, MaxPressure: s.MaxPressure}, nil
	}
	return nil, fmt.Errorf("%w: device %d: unknown kind %q", ErrInvalidDevice, s.ID, s.Kind)
}

// SpecOf is the inverse of Build. Canister tank contents are not included;
// snapshots persist them separately.
func SpecOf(d Device) Spec {
	c := d.common()
	s := Spec{
		Kind:     KindOf(d),
		ID:       c.ID,
		Disabled: !c.Enabled,
		Grid:     string(c.Grid),
		X:        c.Pos.X,
		Y:        c.Pos.Y,
	}
	switch v := d.(type) {
	case *PressurePump:
		s.Inlet, s.Outlet, s.TargetPressure = uint64(v.Inlet), uint64(v.Outlet), v.TargetPressure
	case *VolumePump:
		s.Inlet, s.Outlet, s.TransferRate = uint64(v.Inlet), uint64(v.Outlet), v.TransferRate
	case *Filter:
		s.Inlet, s.Outlet, s.Side = uint64(v.Inlet), uint64(v.Outlet), uint64(v.Side)
		s.Gases = gasNames(v.Gases)
		s.TransferRate = v.TransferRate
	case *Mixer:
		s.Inlet, s.Side, s.Outlet = uint64(v.InletOne), uint64(v.InletTwo), uint64(v.Outlet)
		s.Concentration, s.TargetPressure = v.InletOneConcentration, v.TargetPressure
	case *Canister:
		s.Node = uint64(v.Port)
		s.ReleasePressure, s.ReleaseOpen = v.ReleasePressure, v.ReleaseOpen
		if v.Mixture != nil {
			s.Volume = v.Mixture.Volume()
		}
	case *Vent:
		s.Node = uint64(v.Node)
		s.Mode = "release"
		if v.Mode == VentSiphon {
			s.Mode = "siphon"
		}
		s.ExternalBound, s.InternalBound = v.ExternalPressureBound, v.InternalPressureBound
	case *Scrubber:
		s.Node = uint64(v.Node)
		s.Mode = "scrub"
		if v.Mode == ScrubberSiphon {
			s.Mode = "siphon"
		}
		s.Gases = gasNames(v.Gases)
		s.TransferRate = v.VolumeRate
	case *Generator:
		s.Node = uint64(v.Node)
		s.Gases = []string{v.Gas.String()}
		s.MolesPerTick, s.Temperature, s.MaxPressure = v.MolesPerTick, v.Temperature, v.MaxPressure
	}
	return s
}

func parseGases(ids []string) ([]atmos.Gas, error) {
	var out []atmos.Gas
	for _, id := range ids {
		g, err := atmos.ParseGas(id)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

func gasNames(gases []atmos.Gas) []string {
	if len(gases) == 0 {
		return nil
	}
	out := make([]string, len(gases))
	for i, g := range gases {
		out[i] = g.String()
	}
	return out
}
