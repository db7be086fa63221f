package station

import (
	"fmt"

	"stationcraft.ai/internal/sim/atmos"
	"stationcraft.ai/internal/sim/devices"
	"stationcraft.ai/internal/sim/pipenet"
)

// Event is an inbound world change applied at the next tick boundary.
type Event interface{ eventName() string }

// GridCreated adds a grid. Rows, when present, is an ASCII layout (see
// atmos.ParseLayout) and overrides Width and Height.
type GridCreated struct {
	ID     atmos.GridID `json:"id"`
	Width  int          `json:"width,omitempty"`
	Height int          `json:"height,omitempty"`
	Rows   []string     `json:"rows,omitempty"`
}

type GridRemoved struct {
	ID atmos.GridID `json:"id"`
}

type TileBlockedChanged struct {
	Grid    atmos.GridID `json:"grid"`
	Pos     atmos.Vec2i  `json:"pos"`
	Blocked bool         `json:"blocked"`
}

type TileSpaced struct {
	Grid atmos.GridID `json:"grid"`
	Pos  atmos.Vec2i  `json:"pos"`
}

// TileAdded places a floor tile, filled with standard air unless Vacuum.
type TileAdded struct {
	Grid   atmos.GridID `json:"grid"`
	Pos    atmos.Vec2i  `json:"pos"`
	Vacuum bool         `json:"vacuum,omitempty"`
}

type TileRemoved struct {
	Grid atmos.GridID `json:"grid"`
	Pos  atmos.Vec2i  `json:"pos"`
}

type NodeAdded struct {
	Node pipenet.Node `json:"node"`
}

type NodeRemoved struct {
	ID pipenet.NodeID `json:"id"`
}

type NodeMoved struct {
	ID   pipenet.NodeID `json:"id"`
	Grid atmos.GridID   `json:"grid"`
	Pos  atmos.Vec2i    `json:"pos"`
}

type NodeRotated struct {
	ID       pipenet.NodeID `json:"id"`
	Rotation int            `json:"rotation"`
}

type NodeAnchorChanged struct {
	ID       pipenet.NodeID `json:"id"`
	Anchored bool           `json:"anchored"`
}

type DeviceAdded struct {
	Spec devices.Spec `json:"spec"`
}

type DeviceRemoved struct {
	ID devices.ID `json:"id"`
}

type DeviceToggled struct {
	ID      devices.ID `json:"id"`
	Enabled bool       `json:"enabled"`
}

type GasInjected struct {
	Grid        atmos.GridID `json:"grid"`
	Pos         atmos.Vec2i  `json:"pos"`
	Gas         atmos.Gas    `json:"gas"`
	Moles       float32      `json:"moles"`
	Temperature float32      `json:"temperature"`
}

type GasRemoved struct {
	Grid  atmos.GridID `json:"grid"`
	Pos   atmos.Vec2i  `json:"pos"`
	Ratio float32      `json:"ratio"`
}

func (GridCreated) eventName() string        { return "grid_created" }
func (GridRemoved) eventName() string        { return "grid_removed" }
func (TileBlockedChanged) eventName() string { return "tile_blocked_changed" }
func (TileSpaced) eventName() string         { return "tile_spaced" }
func (TileAdded) eventName() string          { return "tile_added" }
func (TileRemoved) eventName() string        { return "tile_removed" }
func (NodeAdded) eventName() string          { return "node_added" }
func (NodeRemoved) eventName() string        { return "node_removed" }
func (NodeMoved) eventName() string          { return "node_moved" }
func (NodeRotated) eventName() string        { return "node_rotated" }
func (NodeAnchorChanged) eventName() string  { return "node_anchor_changed" }
func (DeviceAdded) eventName() string        { return "device_added" }
func (DeviceRemoved) eventName() string      { return "device_removed" }
func (DeviceToggled) eventName() string      { return "device_toggled" }
func (GasInjected) eventName() string        { return "gas_injected" }
func (GasRemoved) eventName() string         { return "gas_removed" }

// EventName is the stable log name of ev.
func EventName(ev Event) string {
	if ev == nil {
		return ""
	}
	return ev.eventName()
}

// Seed applies events immediately, outside any tick, and stops at the first
// rejection. Use it to build a station before Run.
func (s *Station) Seed(events []Event) error {
	for i, ev := range events {
		if ev == nil {
			continue
		}
		if err := s.apply(ev); err != nil {
			return fmt.Errorf("event %d (%s): %w", i, ev.eventName(), err)
		}
	}
	return nil
}

// apply mutates the station for one event. A rejected event leaves the
// station unchanged.
func (s *Station) apply(ev Event) error {
	switch e := ev.(type) {
	case GridCreated:
		return s.createGrid(e)
	case GridRemoved:
		return s.removeGrid(e.ID)

	case TileBlockedChanged:
		g, err := s.grid(e.Grid)
		if err != nil {
			return err
		}
		return g.SetBlocked(e.Pos, e.Blocked)
	case TileSpaced:
		g, err := s.grid(e.Grid)
		if err != nil {
			return err
		}
		lost, err := g.SetSpace(e.Pos)
		if err != nil {
			return err
		}
		s.vent(lost)
		return nil
	case TileAdded:
		g, err := s.grid(e.Grid)
		if err != nil {
			return err
		}
		if _, ok := g.Tile(e.Pos); ok {
			return fmt.Errorf("station: tile %s %v already exists", e.Grid, e.Pos)
		}
		mix := atmos.NewMixtureWithTable(s.table, g.Config().TileVolume)
		if !e.Vacuum {
			mix = atmos.StandardAir(s.table, g.Config().TileVolume)
		}
		if err := g.SetTile(e.Pos, mix, false); err != nil {
			return err
		}
		s.created += float64(mix.TotalMoles())
		return nil
	case TileRemoved:
		g, err := s.grid(e.Grid)
		if err != nil {
			return err
		}
		lost, err := g.RemoveTile(e.Pos)
		if err != nil {
			return err
		}
		s.vent(lost)
		return nil

	case NodeAdded:
		_, err := s.net.Apply(pipenet.NodeAdded{Node: e.Node})
		return err
	case NodeRemoved:
		return s.applyNet(pipenet.NodeRemoved{ID: e.ID})
	case NodeMoved:
		return s.applyNet(pipenet.NodeMoved{ID: e.ID, Grid: e.Grid, Pos: e.Pos})
	case NodeRotated:
		return s.applyNet(pipenet.NodeRotated{ID: e.ID, Rotation: e.Rotation})
	case NodeAnchorChanged:
		return s.applyNet(pipenet.NodeAnchorChanged{ID: e.ID, Anchored: e.Anchored})

	case DeviceAdded:
		d, err := devices.Build(e.Spec, s.table)
		if err != nil {
			return err
		}
		if err := s.devs.Add(d); err != nil {
			return err
		}
		if c, ok := d.(*devices.Canister); ok {
			s.created += float64(c.Mixture.TotalMoles())
		}
		return nil
	case DeviceRemoved:
		d, err := s.devs.Remove(e.ID)
		if err != nil {
			return err
		}
		if c, ok := d.(*devices.Canister); ok && c.Mixture != nil {
			s.release(c.Grid, c.Pos, c.Mixture)
		}
		return nil
	case DeviceToggled:
		return s.devs.SetEnabled(e.ID, e.Enabled)

	case GasInjected:
		g, err := s.grid(e.Grid)
		if err != nil {
			return err
		}
		mix, err := g.TileMixture(e.Pos)
		if err != nil {
			return err
		}
		if err := g.InjectGas(e.Pos, e.Gas, e.Moles, e.Temperature); err != nil {
			return err
		}
		if mix != nil && e.Moles > 0 {
			s.created += float64(e.Moles)
		}
		return nil
	case GasRemoved:
		g, err := s.grid(e.Grid)
		if err != nil {
			return err
		}
		removed, err := g.RemoveGas(e.Pos, e.Ratio)
		if err != nil {
			return err
		}
		s.vent(removed)
		return nil
	}
	return fmt.Errorf("station: unsupported event %T", ev)
}

func (s *Station) createGrid(e GridCreated) error {
	if e.ID == "" {
		return fmt.Errorf("%w: empty grid id", atmos.ErrInvalidGrid)
	}
	if _, ok := s.grids[e.ID]; ok {
		return fmt.Errorf("%w: grid %s already exists", atmos.ErrInvalidGrid, e.ID)
	}
	var (
		g   *atmos.Grid
		err error
	)
	if len(e.Rows) > 0 {
		g, err = atmos.NewGridFromLayout(e.ID, e.Rows, s.cfg.Atmos, s.table, s.logger)
	} else {
		g, err = atmos.NewGrid(e.ID, e.Width, e.Height, s.cfg.Atmos, s.table, s.logger)
	}
	if err != nil {
		return err
	}
	s.grids[e.ID] = g
	for _, v := range g.TotalMoles() {
		s.created += v
	}
	return nil
}

// removeGrid tears down a grid with everything placed on it. Tile gas,
// pipe gas and canister tanks on the grid are vented.
func (s *Station) removeGrid(id atmos.GridID) error {
	g, err := s.grid(id)
	if err != nil {
		return err
	}
	g.ForEachTile(func(t *atmos.Tile) {
		s.vent(t.Mixture)
	})
	delete(s.grids, id)

	for _, d := range s.devs.Devices() {
		if atmos.GridID(devices.SpecOf(d).Grid) != id {
			continue
		}
		removed, err := s.devs.Remove(devices.SpecOf(d).ID)
		if err != nil {
			continue
		}
		if c, ok := removed.(*devices.Canister); ok {
			s.vent(c.Mixture)
		}
	}
	for _, nid := range s.net.NodeIDs() {
		nd, ok := s.net.Node(nid)
		if !ok || nd.Grid != id {
			continue
		}
		orphan, err := s.net.RemoveNode(nid)
		if err != nil {
			continue
		}
		s.vent(orphan)
	}
	return nil
}

func (s *Station) applyNet(ev pipenet.Event) error {
	orphan, err := s.net.Apply(ev)
	if orphan != nil {
		s.release(orphan.Grid, orphan.Pos, orphan.Gas)
	}
	return err
}

// release dumps gas onto an open tile. Gas with nowhere to go is vented.
func (s *Station) release(grid atmos.GridID, pos atmos.Vec2i, gas *atmos.GasMixture) {
	if gas == nil || gas.Empty() {
		return
	}
	if g, ok := s.grids[grid]; ok {
		if t, ok := g.Tile(pos); ok && !t.Blocked && t.Mixture != nil && !t.Mixture.Inert() {
			t.Mixture.Merge(gas)
			g.Invalidate(pos)
			return
		}
	}
	s.vent(gas)
}

func (s *Station) vent(gas *atmos.GasMixture) {
	if gas == nil {
		return
	}
	s.vented += float64(gas.TotalMoles())
}
