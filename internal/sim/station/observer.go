package station

import (
	"encoding/json"
	"sort"

	"stationcraft.ai/internal/observerproto"
	"stationcraft.ai/internal/sim/atmos"
	simenc "stationcraft.ai/internal/sim/encoding"
)

// ObserverJoinRequest registers a read-only frame stream. Out is owned by
// the station from now on and closed when the session leaves.
type ObserverJoinRequest struct {
	SessionID  string
	Out        chan []byte
	GridID     string
	EveryTicks int
}

// ObserverSubscribeRequest updates an existing observer session.
type ObserverSubscribeRequest struct {
	SessionID  string
	GridID     string
	EveryTicks int
}

type observerClient struct {
	id    string
	out   chan []byte
	grid  atmos.GridID
	every int
}

func clampEvery(v, def int) int {
	if v <= 0 {
		return def
	}
	if v > 600 {
		return 600
	}
	return v
}

func (s *Station) handleObserverJoin(req ObserverJoinRequest) {
	if req.SessionID == "" || req.Out == nil {
		return
	}
	// Replace existing session id if any.
	if old := s.observers[req.SessionID]; old != nil {
		close(old.out)
	}
	s.observers[req.SessionID] = &observerClient{
		id:    req.SessionID,
		out:   req.Out,
		grid:  atmos.GridID(req.GridID),
		every: clampEvery(req.EveryTicks, 1),
	}
}

func (s *Station) handleObserverSubscribe(req ObserverSubscribeRequest) {
	c := s.observers[req.SessionID]
	if c == nil {
		return
	}
	if req.GridID != "" {
		c.grid = atmos.GridID(req.GridID)
	}
	c.every = clampEvery(req.EveryTicks, c.every)
}

func (s *Station) handleObserverLeave(sessionID string) {
	c := s.observers[sessionID]
	if c == nil {
		return
	}
	delete(s.observers, sessionID)
	close(c.out)
}

func (s *Station) stepObservers(nowTick uint64, digest string) {
	if len(s.observers) == 0 {
		return
	}
	ids := make([]string, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	// Sessions watching the same grid share one encoded frame. An empty
	// grid id follows the first grid.
	var first atmos.GridID
	if gids := s.GridIDs(); len(gids) > 0 {
		first = gids[0]
	}
	frames := map[atmos.GridID][]byte{}
	for _, id := range ids {
		c := s.observers[id]
		if nowTick%uint64(c.every) != 0 {
			continue
		}
		grid := c.grid
		if grid == "" {
			grid = first
		}
		b, ok := frames[grid]
		if !ok {
			msg, found := s.AtmosFrame(grid, nowTick, digest)
			if found {
				b, _ = json.Marshal(msg)
			}
			frames[grid] = b
		}
		if b != nil {
			sendLatest(c.out, b)
		}
	}
}

// AtmosFrame renders the pressure map of one grid. Loop goroutine only.
func (s *Station) AtmosFrame(id atmos.GridID, nowTick uint64, digest string) (observerproto.AtmosFrameMsg, bool) {
	g, ok := s.grids[id]
	if !ok {
		return observerproto.AtmosFrameMsg{}, false
	}
	w, h := g.Width(), g.Height()
	levels := make([]uint16, 0, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			t, ok := g.Tile(atmos.Vec2i{X: x, Y: y})
			switch {
			case !ok:
				levels = append(levels, observerproto.NoTile)
			case t.Blocked:
				levels = append(levels, observerproto.Wall)
			case t.Mixture == nil:
				levels = append(levels, 0)
			default:
				levels = append(levels, simenc.QuantizePressure(t.Mixture.Pressure(), s.cfg.PressureStep))
			}
		}
	}
	totals := g.TotalMoles()
	byGas := make(map[string]float64, atmos.NumGases)
	for _, gas := range atmos.AllGases() {
		byGas[gas.String()] = totals[gas]
	}
	return observerproto.AtmosFrameMsg{
		Type:            "ATMOS_FRAME",
		ProtocolVersion: observerproto.Version,
		Tick:            nowTick,
		GridID:          string(id),
		Width:           w,
		Height:          h,
		Encoding:        "LEVEL16_RLE",
		Data:            simenc.EncodeRLE(levels),
		ActiveTiles:     g.ActiveCount(),
		TotalMoles:      byGas,
		Digest:          digest,
	}, true
}

// Bootstrap describes the station for observer clients. It reads only
// immutable config and published metrics, so any goroutine may call it.
func (s *Station) Bootstrap() observerproto.BootstrapResponse {
	m := s.Metrics()
	resp := observerproto.BootstrapResponse{
		ProtocolVersion: observerproto.Version,
		StationID:       s.cfg.ID,
		Tick:            s.CurrentTick(),
		TickRateHz:      s.cfg.TickRateHz,
		PressureStep:    s.cfg.PressureStep,
	}
	for _, gas := range atmos.AllGases() {
		def := s.table.Def(gas)
		resp.Species = append(resp.Species, observerproto.SpeciesInfo{ID: def.ID, Name: def.Name, MolarMass: def.MolarMass})
	}
	for _, g := range m.Grids {
		resp.Grids = append(resp.Grids, observerproto.GridInfo{ID: g.ID, Width: g.Width, Height: g.Height})
	}
	return resp
}

func sendLatest(ch chan []byte, b []byte) {
	select {
	case ch <- b:
		return
	default:
	}
	// Drop one.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
}
