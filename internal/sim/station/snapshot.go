package station

import (
	"fmt"
	"log"
	"time"

	"stationcraft.ai/internal/persistence/snapshot"
	"stationcraft.ai/internal/sim/atmos"
	"stationcraft.ai/internal/sim/devices"
	"stationcraft.ai/internal/sim/pipenet"
)

// ExportSnapshot captures the state after tick nowTick. Loop goroutine only.
func (s *Station) ExportSnapshot(nowTick uint64) snapshot.SnapshotV1 {
	a := s.cfg.Atmos
	snap := snapshot.SnapshotV1{
		Header:             snapshot.Header{Version: snapshot.Version, StationID: s.cfg.ID, Tick: nowTick},
		TickRate:           s.cfg.TickRateHz,
		SnapshotEveryTicks: s.cfg.SnapshotEveryTicks,
		Atmos: snapshot.AtmosV1{
			DiffusionRate:       a.DiffusionRate,
			HeatExchangeRate:    a.HeatExchangeRate,
			SpaceBleedRate:      a.SpaceBleedRate,
			MinMolesDelta:       a.MinMolesDelta,
			MinTemperatureDelta: a.MinTemperatureDelta,
			MaxTilesPerTick:     a.MaxTilesPerTick,
			TickBudgetMicros:    a.TickBudget.Microseconds(),
			TileVolume:          a.TileVolume,
		},
	}

	for _, id := range s.GridIDs() {
		g := s.grids[id]
		gv := snapshot.GridV1{ID: string(id), Width: g.Width(), Height: g.Height(), Cursor: g.Cursor()}
		g.ForEachTile(func(t *atmos.Tile) {
			gv.Tiles = append(gv.Tiles, snapshot.TileV1{
				X:       t.Pos.X,
				Y:       t.Pos.Y,
				Blocked: t.Blocked,
				Active:  t.Active,
				Mixture: mixtureV1(t.Mixture),
			})
		})
		snap.Grids = append(snap.Grids, gv)
	}

	st := s.net.Export()
	for _, ns := range st.Nodes {
		n := ns.Node
		snap.Nodes = append(snap.Nodes, snapshot.NodeV1{
			ID:                uint64(n.ID),
			Owner:             n.Owner,
			Grid:              string(n.Grid),
			X:                 n.Pos.X,
			Y:                 n.Pos.Y,
			Rotation:          n.Rotation,
			Directions:        uint8(n.Directions),
			Volume:            n.Volume,
			Anchored:          n.Anchored,
			MovementSensitive: n.MovementSensitive,
			RotationSensitive: n.RotationSensitive,
			Group:             uint64(ns.Group),
		})
	}
	for _, gs := range st.Groups {
		members := make([]uint64, len(gs.Members))
		for i, m := range gs.Members {
			members[i] = uint64(m)
		}
		snap.Groups = append(snap.Groups, snapshot.GroupV1{
			ID:          uint64(gs.ID),
			Members:     members,
			Temperature: gs.Temperature,
			Moles:       append([]float32(nil), gs.Moles[:]...),
		})
	}

	for _, d := range s.devs.Devices() {
		dv := snapshot.DeviceV1{Spec: devices.SpecOf(d)}
		if c, ok := d.(*devices.Canister); ok {
			dv.Tank = mixtureV1(c.Mixture)
		}
		snap.Devices = append(snap.Devices, dv)
	}

	snap.Counters = snapshot.CountersV1{NextGroup: uint64(st.NextGroup), Vented: s.vented, Created: s.created}
	return snap
}

func mixtureV1(m *atmos.GasMixture) *snapshot.MixtureV1 {
	if m == nil {
		return nil
	}
	moles := m.MolesArray()
	return &snapshot.MixtureV1{
		Volume:      m.Volume(),
		Temperature: m.Temperature(),
		Moles:       append([]float32(nil), moles[:]...),
	}
}

func restoreMixture(table *atmos.Table, m *snapshot.MixtureV1) (*atmos.GasMixture, error) {
	if m == nil {
		return nil, nil
	}
	moles, err := molesArray(m.Moles)
	if err != nil {
		return nil, err
	}
	return atmos.RestoreMixture(table, m.Volume, m.Temperature, moles), nil
}

func molesArray(v []float32) ([atmos.NumGases]float32, error) {
	var out [atmos.NumGases]float32
	if len(v) != atmos.NumGases {
		return out, fmt.Errorf("snapshot: want %d species, got %d", atmos.NumGases, len(v))
	}
	copy(out[:], v)
	return out, nil
}

// ConfigFromSnapshot recovers the station config a snapshot was taken with.
func ConfigFromSnapshot(snap snapshot.SnapshotV1) Config {
	a := snap.Atmos
	return Config{
		ID:                 snap.Header.StationID,
		TickRateHz:         snap.TickRate,
		SnapshotEveryTicks: snap.SnapshotEveryTicks,
		Atmos: atmos.Config{
			DiffusionRate:       a.DiffusionRate,
			HeatExchangeRate:    a.HeatExchangeRate,
			SpaceBleedRate:      a.SpaceBleedRate,
			MinMolesDelta:       a.MinMolesDelta,
			MinTemperatureDelta: a.MinTemperatureDelta,
			MaxTilesPerTick:     a.MaxTilesPerTick,
			TickBudget:          time.Duration(a.TickBudgetMicros) * time.Microsecond,
			TileVolume:          a.TileVolume,
		},
	}
}

// FromSnapshot builds a station that resumes right after the snapshot tick.
func FromSnapshot(snap snapshot.SnapshotV1, table *atmos.Table, logger *log.Logger) (*Station, error) {
	s := New(ConfigFromSnapshot(snap), table, logger)
	if err := s.ImportSnapshot(snap); err != nil {
		return nil, err
	}
	return s, nil
}

// ImportSnapshot replaces all simulation state. On error the station is
// left unchanged. Loop goroutine only.
func (s *Station) ImportSnapshot(snap snapshot.SnapshotV1) error {
	if snap.Header.Version != snapshot.Version {
		return fmt.Errorf("snapshot: unsupported version %d", snap.Header.Version)
	}

	grids := map[atmos.GridID]*atmos.Grid{}
	for _, gv := range snap.Grids {
		id := atmos.GridID(gv.ID)
		if _, dup := grids[id]; dup {
			return fmt.Errorf("snapshot: duplicate grid %s", id)
		}
		g, err := atmos.NewGrid(id, gv.Width, gv.Height, s.cfg.Atmos, s.table, s.logger)
		if err != nil {
			return fmt.Errorf("snapshot: grid %s: %w", id, err)
		}
		for _, tv := range gv.Tiles {
			mix, err := restoreMixture(s.table, tv.Mixture)
			if err != nil {
				return fmt.Errorf("snapshot: grid %s tile (%d,%d): %w", id, tv.X, tv.Y, err)
			}
			if err := g.Restore(atmos.Vec2i{X: tv.X, Y: tv.Y}, mix, tv.Blocked, tv.Active); err != nil {
				return fmt.Errorf("snapshot: grid %s: %w", id, err)
			}
		}
		g.RestoreCursor(gv.Cursor)
		grids[id] = g
	}

	st := pipenet.State{NextGroup: pipenet.GroupID(snap.Counters.NextGroup)}
	for _, nv := range snap.Nodes {
		st.Nodes = append(st.Nodes, pipenet.NodeState{
			Node: pipenet.Node{
				ID:                pipenet.NodeID(nv.ID),
				Owner:             nv.Owner,
				Grid:              atmos.GridID(nv.Grid),
				Pos:               atmos.Vec2i{X: nv.X, Y: nv.Y},
				Rotation:          nv.Rotation,
				Directions:        atmos.Direction(nv.Directions),
				Volume:            nv.Volume,
				Anchored:          nv.Anchored,
				MovementSensitive: nv.MovementSensitive,
				RotationSensitive: nv.RotationSensitive,
			},
			Group: pipenet.GroupID(nv.Group),
		})
	}
	for _, gv := range snap.Groups {
		moles, err := molesArray(gv.Moles)
		if err != nil {
			return fmt.Errorf("snapshot: group %d: %w", gv.ID, err)
		}
		members := make([]pipenet.NodeID, len(gv.Members))
		for i, m := range gv.Members {
			members[i] = pipenet.NodeID(m)
		}
		st.Groups = append(st.Groups, pipenet.GroupState{
			ID:          pipenet.GroupID(gv.ID),
			Members:     members,
			Temperature: gv.Temperature,
			Moles:       moles,
		})
	}
	net, err := pipenet.Restore(s.table, s.logger, st)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}

	sched := devices.NewScheduler(s.logger)
	for _, dv := range snap.Devices {
		d, err := devices.Build(dv.Spec, s.table)
		if err != nil {
			return fmt.Errorf("snapshot: %w", err)
		}
		if c, ok := d.(*devices.Canister); ok && dv.Tank != nil {
			tank, err := restoreMixture(s.table, dv.Tank)
			if err != nil {
				return fmt.Errorf("snapshot: canister %d: %w", dv.Spec.ID, err)
			}
			c.Mixture = tank
		}
		if err := sched.Add(d); err != nil {
			return fmt.Errorf("snapshot: %w", err)
		}
	}

	s.grids = grids
	s.net = net
	s.devs = sched
	s.vented = snap.Counters.Vented
	s.created = snap.Counters.Created
	s.tick.Store(snap.Header.Tick + 1)
	s.lastDigest = ""
	return nil
}
