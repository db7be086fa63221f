package station

import (
	"context"
	"errors"
	"time"
)

func (s *Station) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(s.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pendingEvents []Event
	var pendingAdmin []adminSnapshotReq

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return nil
		case ev := <-s.inbox:
			pendingEvents = append(pendingEvents, ev)
		case req := <-s.readouts:
			s.handleReadout(req)
		case req := <-s.admin:
			pendingAdmin = append(pendingAdmin, req)
		case req := <-s.observerJoin:
			s.handleObserverJoin(req)
		case req := <-s.observerSub:
			s.handleObserverSubscribe(req)
		case id := <-s.observerLeave:
			s.handleObserverLeave(id)
		case <-ticker.C:
			s.step(pendingEvents)
			s.handleAdminSnapshotRequests(pendingAdmin)
			pendingEvents = pendingEvents[:0]
			pendingAdmin = pendingAdmin[:0]
		}
	}
}

func (s *Station) Stop() { s.stopOnce.Do(func() { close(s.stop) }) }

// Submit queues an event for the next tick boundary. It is safe to call
// from other goroutines.
func (s *Station) Submit(ctx context.Context, ev Event) error {
	if ev == nil {
		return errors.New("nil event")
	}
	select {
	case s.inbox <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type adminSnapshotReq struct {
	Resp chan adminSnapshotResp
}

type adminSnapshotResp struct {
	Tick uint64
	Err  string
}

// RequestSnapshot asks the station loop goroutine to enqueue a snapshot.
// It is safe to call from other goroutines (e.g. HTTP handlers).
func (s *Station) RequestSnapshot(ctx context.Context) (tick uint64, err error) {
	if s == nil || s.admin == nil {
		return 0, errors.New("admin snapshot not available")
	}
	resp := make(chan adminSnapshotResp, 1)
	select {
	case s.admin <- adminSnapshotReq{Resp: resp}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case r := <-resp:
		if r.Err != "" {
			return r.Tick, errors.New(r.Err)
		}
		return r.Tick, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (s *Station) handleAdminSnapshotRequests(reqs []adminSnapshotReq) {
	if len(reqs) == 0 {
		return
	}
	cur := s.tick.Load()
	snapTick := uint64(0)
	if cur > 0 {
		snapTick = cur - 1
	}

	errStr := ""
	if s.snapshotSink == nil {
		errStr = "snapshot sink not configured"
	} else {
		snap := s.ExportSnapshot(snapTick)
		select {
		case s.snapshotSink <- snap:
		default:
			errStr = "snapshot sink backpressure"
		}
	}

	resp := adminSnapshotResp{Tick: snapTick, Err: errStr}
	for _, r := range reqs {
		if r.Resp == nil {
			continue
		}
		select {
		case r.Resp <- resp:
		default:
			// Client timed out; don't block the sim loop.
		}
	}
}
