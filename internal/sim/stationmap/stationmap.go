package stationmap

import (
	"fmt"
	"log"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"stationcraft.ai/internal/sim/atmos"
	"stationcraft.ai/internal/sim/devices"
	"stationcraft.ai/internal/sim/pipenet"
	"stationcraft.ai/internal/sim/station"
	"stationcraft.ai/internal/sim/tuning"
)

// Map is the authored layout of a station: grids, pipes and devices.
type Map struct {
	StationID string         `yaml:"station_id"`
	Grids     []GridSpec     `yaml:"grids"`
	Pipes     []PipeSpec     `yaml:"pipes,omitempty"`
	Devices   []devices.Spec `yaml:"devices,omitempty"`
}

// GridSpec is one grid drawn with atmos layout runes.
type GridSpec struct {
	ID   string   `yaml:"id"`
	Rows []string `yaml:"rows"`
}

type PipeSpec struct {
	ID       uint64  `yaml:"id"`
	Owner    string  `yaml:"owner,omitempty"`
	Grid     string  `yaml:"grid,omitempty"`
	X        int     `yaml:"x"`
	Y        int     `yaml:"y"`
	Dirs     string  `yaml:"dirs"`
	Rotation int     `yaml:"rotation,omitempty"`
	Volume   float32 `yaml:"volume,omitempty"`
	// Loose pipes are placed unanchored.
	Loose             bool `yaml:"loose,omitempty"`
	MovementSensitive bool `yaml:"movement_sensitive,omitempty"`
	RotationSensitive bool `yaml:"rotation_sensitive,omitempty"`
}

func Load(path string) (Map, error) {
	m := defaults()
	if strings.TrimSpace(path) == "" {
		m.Normalize()
		return m, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	m = Map{}
	if err := yaml.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("station.yaml: %w", err)
	}
	m.Normalize()
	if err := m.Validate(); err != nil {
		return m, fmt.Errorf("station.yaml: %w", err)
	}
	return m, nil
}

// defaults is a single pressurized room with an air canister on a vent.
func defaults() Map {
	return Map{
		StationID: "station",
		Grids: []GridSpec{{
			ID: "main",
			Rows: []string{
				"#########",
				"#.......#",
				"#.......#",
				"#.......#",
				"#########",
			},
		}},
		Pipes: []PipeSpec{
			{ID: 1, X: 1, Y: 2, Dirs: "E"},
			{ID: 2, X: 2, Y: 2, Dirs: "EW"},
			{ID: 3, X: 3, Y: 2, Dirs: "W"},
			{ID: 4, X: 7, Y: 2, Dirs: ""},
		},
		Devices: []devices.Spec{
			{Kind: devices.KindCanister, ID: 1, X: 1, Y: 2, Node: 1, Volume: 1000, Fill: map[string]float32{"O2": 100, "N2": 380}},
			{Kind: devices.KindVent, ID: 2, X: 3, Y: 2, Node: 3, ExternalBound: atmos.OneAtmosphere},
			{Kind: devices.KindScrubber, ID: 3, X: 7, Y: 2, Node: 4, Gases: []string{"CO2", "PLASMA", "TRITIUM"}, TransferRate: 200},
		},
	}
}

// Normalize fills omitted grid references and volumes.
func (m *Map) Normalize() {
	if m == nil {
		return
	}
	m.StationID = strings.TrimSpace(m.StationID)
	if m.StationID == "" {
		m.StationID = "station"
	}
	first := ""
	if len(m.Grids) > 0 {
		first = m.Grids[0].ID
	}
	for i := range m.Pipes {
		if strings.TrimSpace(m.Pipes[i].Grid) == "" {
			m.Pipes[i].Grid = first
		}
		if m.Pipes[i].Volume <= 0 {
			m.Pipes[i].Volume = atmos.DefaultPipeVolume
		}
	}
	for i := range m.Devices {
		if strings.TrimSpace(m.Devices[i].Grid) == "" {
			m.Devices[i].Grid = first
		}
	}
}

func (m Map) Validate() error {
	m.Normalize()
	if len(m.Grids) == 0 {
		return fmt.Errorf("grids must not be empty")
	}
	bounds := map[string]atmos.Layout{}
	for _, g := range m.Grids {
		if strings.TrimSpace(g.ID) == "" {
			return fmt.Errorf("grid id must not be empty")
		}
		if _, dup := bounds[g.ID]; dup {
			return fmt.Errorf("duplicate grid id: %s", g.ID)
		}
		l, err := atmos.ParseLayout(g.Rows)
		if err != nil {
			return fmt.Errorf("grid %s: %w", g.ID, err)
		}
		bounds[g.ID] = l
	}
	inside := func(grid string, x, y int) error {
		l, ok := bounds[grid]
		if !ok {
			return fmt.Errorf("unknown grid %q", grid)
		}
		if x < 0 || y < 0 || x >= l.Width || y >= l.Height {
			return fmt.Errorf("(%d,%d) outside grid %s", x, y, grid)
		}
		return nil
	}

	nodes := map[uint64]bool{}
	for _, p := range m.Pipes {
		if p.ID == 0 {
			return fmt.Errorf("pipe id must be > 0")
		}
		if nodes[p.ID] {
			return fmt.Errorf("duplicate pipe id: %d", p.ID)
		}
		nodes[p.ID] = true
		if err := inside(p.Grid, p.X, p.Y); err != nil {
			return fmt.Errorf("pipe %d: %w", p.ID, err)
		}
		if strings.Trim(strings.ToUpper(p.Dirs), "NESW") != "" {
			return fmt.Errorf("pipe %d: dirs %q must use N, E, S, W", p.ID, p.Dirs)
		}
	}

	ids := map[devices.ID]bool{}
	for _, d := range m.Devices {
		if ids[d.ID] {
			return fmt.Errorf("duplicate device id: %d", d.ID)
		}
		ids[d.ID] = true
		if _, err := devices.Build(d, nil); err != nil {
			return err
		}
		if err := inside(d.Grid, d.X, d.Y); err != nil {
			return fmt.Errorf("device %d: %w", d.ID, err)
		}
		for _, n := range []uint64{d.Inlet, d.Outlet, d.Side, d.Node} {
			if n != 0 && !nodes[n] {
				return fmt.Errorf("device %d: unknown pipe %d", d.ID, n)
			}
		}
	}
	return nil
}

// ApplyDeviceDefaults fills per-device limits the map leaves unset.
func (m *Map) ApplyDeviceDefaults(d tuning.Devices) {
	for i := range m.Devices {
		if m.Devices[i].Kind == devices.KindGenerator && m.Devices[i].MaxPressure <= 0 {
			m.Devices[i].MaxPressure = d.GeneratorMaxPressure
		}
	}
}

// Events lists the station events that build the map, grids first.
func (m Map) Events() []station.Event {
	out := make([]station.Event, 0, len(m.Grids)+len(m.Pipes)+len(m.Devices))
	for _, g := range m.Grids {
		out = append(out, station.GridCreated{ID: atmos.GridID(g.ID), Rows: append([]string(nil), g.Rows...)})
	}
	for _, p := range m.Pipes {
		out = append(out, station.NodeAdded{Node: pipenet.Node{
			ID:                pipenet.NodeID(p.ID),
			Owner:             p.Owner,
			Grid:              atmos.GridID(p.Grid),
			Pos:               atmos.Vec2i{X: p.X, Y: p.Y},
			Rotation:          p.Rotation,
			Directions:        atmos.ParseDirections(p.Dirs),
			Volume:            p.Volume,
			Anchored:          !p.Loose,
			MovementSensitive: p.MovementSensitive,
			RotationSensitive: p.RotationSensitive,
		}})
	}
	for _, d := range m.Devices {
		out = append(out, station.DeviceAdded{Spec: d})
	}
	return out
}

// Build creates a station seeded with the map. The station id comes from
// the map when cfg leaves it empty.
func Build(m Map, cfg station.Config, table *atmos.Table, logger *log.Logger) (*station.Station, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	m.Normalize()
	if cfg.ID == "" {
		cfg.ID = m.StationID
	}
	s := station.New(cfg, table, logger)
	if err := s.Seed(m.Events()); err != nil {
		return nil, fmt.Errorf("station %s: %w", cfg.ID, err)
	}
	return s, nil
}
