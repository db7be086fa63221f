package station

import (
	"time"

	"stationcraft.ai/internal/sim/atmos"
)

// TickLogEntry is the per-tick record written by the tick logger.
type TickLogEntry struct {
	Tick     uint64        `json:"tick"`
	Events   []EventRecord `json:"events,omitempty"`
	Rejected int           `json:"rejected,omitempty"`

	ProcessedTiles int `json:"processed_tiles"`
	DeferredTiles  int `json:"deferred_tiles,omitempty"`
	ActiveTiles    int `json:"active_tiles"`
	SkippedGrids   int `json:"skipped_grids,omitempty"`

	DevicesTransferred int `json:"devices_transferred,omitempty"`
	DevicesDisabled    int `json:"devices_disabled,omitempty"`
	NodesRebuilt       int `json:"nodes_rebuilt,omitempty"`

	Vented  float64 `json:"vented,omitempty"`
	Created float64 `json:"created,omitempty"`
	Digest  string  `json:"digest"`
}

// StepOnce advances the station by a single tick using the same ordering
// semantics as Run. It is intended for deterministic replays and tests.
func (s *Station) StepOnce(events []Event) (tick uint64, digest string) {
	tick = s.tick.Load()
	s.step(events)
	return tick, s.lastDigest
}

func (s *Station) step(events []Event) {
	stepStart := time.Now()
	nowTick := s.tick.Load()
	entry := TickLogEntry{Tick: nowTick}

	// Events apply at the tick boundary, in arrival order.
	for _, ev := range events {
		if ev == nil {
			continue
		}
		name := ev.eventName()
		if err := s.apply(ev); err != nil {
			entry.Rejected++
			s.logf("[station] tick %d: %s rejected: %v", nowTick, name, err)
			s.audit(AuditEntry{Tick: nowTick, Event: name, Reason: err.Error()})
			continue
		}
		rec, err := EncodeEvent(ev)
		if err != nil {
			s.logf("[station] tick %d: %v", nowTick, err)
		}
		entry.Events = append(entry.Events, rec)
	}

	// Grids are independent; a failing grid skips only its own tick.
	ventedBefore, createdBefore := s.vented, s.created
	var settled int
	for _, id := range s.GridIDs() {
		st, err := s.grids[id].Tick()
		if err != nil {
			entry.SkippedGrids++
			s.logf("[station] tick %d: grid %s skipped: %v", nowTick, id, err)
			continue
		}
		entry.ProcessedTiles += st.Processed
		entry.DeferredTiles += st.Deferred
		entry.ActiveTiles += st.Active
		settled += st.Settled
		s.vented += st.Vented
	}

	ds := s.devs.Update(env{s})
	s.vented += ds.Vented
	s.created += ds.Created
	entry.DevicesTransferred = ds.Transferred
	entry.DevicesDisabled = ds.Disabled

	entry.NodesRebuilt = s.net.Revalidate()
	if entry.NodesRebuilt > 0 {
		s.logf("[station] tick %d: rebuilt %d pipe nodes", nowTick, entry.NodesRebuilt)
	}

	entry.Vented = s.vented - ventedBefore
	entry.Created = s.created - createdBefore
	digest := s.stateDigest(nowTick)
	s.lastDigest = digest
	entry.Digest = digest
	if s.tickLogger != nil {
		if err := s.tickLogger.WriteTick(entry); err != nil {
			s.logf("[station] tick log: %v", err)
		}
	}

	s.stepObservers(nowTick, digest)

	// Snapshot every N ticks, starting after tick 0.
	if s.snapshotSink != nil && nowTick != 0 && s.cfg.SnapshotEveryTicks > 0 {
		if nowTick%uint64(s.cfg.SnapshotEveryTicks) == 0 {
			snap := s.ExportSnapshot(nowTick)
			select {
			case s.snapshotSink <- snap:
			default:
				// Drop snapshot if sink is backed up.
			}
		}
	}

	stepMS := float64(time.Since(stepStart).Microseconds()) / 1000.0
	nextTick := s.tick.Add(1)
	s.storeMetrics(nextTick, entry, settled, stepMS)
}

// AuditEntry records an event the station refused.
type AuditEntry struct {
	Tick   uint64 `json:"tick"`
	Event  string `json:"event"`
	Reason string `json:"reason"`
}

func (s *Station) audit(e AuditEntry) {
	if s.auditLogger == nil {
		return
	}
	if err := s.auditLogger.WriteAudit(e); err != nil {
		s.logf("[station] audit log: %v", err)
	}
}

func (s *Station) storeMetrics(nextTick uint64, entry TickLogEntry, settled int, stepMS float64) {
	totals := s.TotalMoles()
	byGas := make(map[string]float64, atmos.NumGases)
	for _, g := range atmos.AllGases() {
		byGas[g.String()] = totals[g]
	}
	grids := make([]GridMetrics, 0, len(s.grids))
	for _, id := range s.GridIDs() {
		g := s.grids[id]
		grids = append(grids, GridMetrics{ID: string(id), Width: g.Width(), Height: g.Height(), ActiveTiles: g.ActiveCount()})
	}
	transferred, disabled := entry.DevicesTransferred, entry.DevicesDisabled
	s.metrics.Store(Metrics{
		Tick:               nextTick,
		Grids:              grids,
		ActiveTiles:        entry.ActiveTiles,
		ProcessedTiles:     entry.ProcessedTiles,
		DeferredTiles:      entry.DeferredTiles,
		SettledTiles:       settled,
		SkippedGrids:       entry.SkippedGrids,
		PipeNodes:          s.net.NodeCount(),
		PipeGroups:         s.net.GroupCount(),
		Devices:            s.devs.Len(),
		DevicesTransferred: transferred,
		DevicesDisabled:    disabled,
		RejectedEvents:     entry.Rejected,
		Observers:          len(s.observers),
		QueueDepths: QueueDepths{
			Inbox:    len(s.inbox),
			Readouts: len(s.readouts),
			Admin:    len(s.admin),
		},
		StepMS:     stepMS,
		TotalMoles: byGas,
		Vented:     s.vented,
		Created:    s.created,
		Digest:     entry.Digest,
	})
}
