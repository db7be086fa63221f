package station

import (
	"context"
	"errors"

	"stationcraft.ai/internal/sim/atmos"
	"stationcraft.ai/internal/sim/pipenet"
)

// TileMixture returns a copy of the gas on a tile, or nil for space.
// Loop goroutine only; other goroutines use RequestReadout.
func (s *Station) TileMixture(grid atmos.GridID, pos atmos.Vec2i) (*atmos.GasMixture, error) {
	g, err := s.grid(grid)
	if err != nil {
		return nil, err
	}
	mix, err := g.TileMixture(pos)
	if err != nil || mix == nil {
		return nil, err
	}
	return mix.Clone(), nil
}

// NodeGroupMixture returns a copy of the gas shared by the node's group,
// or nil when the node is not anchored.
func (s *Station) NodeGroupMixture(id pipenet.NodeID) (*atmos.GasMixture, error) {
	mix, err := s.net.Mixture(id)
	if err != nil || mix == nil {
		return nil, err
	}
	return mix.Clone(), nil
}

func (s *Station) Readout(grid atmos.GridID, pos atmos.Vec2i) (atmos.Readout, error) {
	mix, err := s.TileMixture(grid, pos)
	if err != nil {
		return atmos.Readout{}, err
	}
	return atmos.ReadoutOf(mix), nil
}

func (s *Station) IsBreathable(grid atmos.GridID, pos atmos.Vec2i) (bool, error) {
	mix, err := s.TileMixture(grid, pos)
	if err != nil {
		return false, err
	}
	return atmos.IsBreathable(mix), nil
}

// ReadoutQuery selects a tile, or a pipe node when Node is non-zero.
type ReadoutQuery struct {
	Grid atmos.GridID
	Pos  atmos.Vec2i
	Node pipenet.NodeID
}

type readoutReq struct {
	Query ReadoutQuery
	Resp  chan readoutResp
}

type readoutResp struct {
	Readout atmos.Readout
	Err     error
}

// RequestReadout asks the station loop goroutine for a gauge reading.
// It is safe to call from other goroutines (e.g. HTTP handlers).
func (s *Station) RequestReadout(ctx context.Context, q ReadoutQuery) (atmos.Readout, error) {
	if s == nil || s.readouts == nil {
		return atmos.Readout{}, errors.New("readout not available")
	}
	resp := make(chan readoutResp, 1)
	select {
	case s.readouts <- readoutReq{Query: q, Resp: resp}:
	case <-ctx.Done():
		return atmos.Readout{}, ctx.Err()
	}
	select {
	case r := <-resp:
		return r.Readout, r.Err
	case <-ctx.Done():
		return atmos.Readout{}, ctx.Err()
	}
}

func (s *Station) handleReadout(req readoutReq) {
	var r readoutResp
	if req.Query.Node != 0 {
		mix, err := s.NodeGroupMixture(req.Query.Node)
		r = readoutResp{Readout: atmos.ReadoutOf(mix), Err: err}
	} else {
		r.Readout, r.Err = s.Readout(req.Query.Grid, req.Query.Pos)
	}
	select {
	case req.Resp <- r:
	default:
		// Caller gave up; don't block the loop.
	}
}
