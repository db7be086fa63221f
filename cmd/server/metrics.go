package main

import (
	"github.com/prometheus/client_golang/prometheus"

	"stationcraft.ai/internal/persistence/s3mirror"
	"stationcraft.ai/internal/sim/station"
)

// stationCollector exports the station's published metrics at scrape time.
// It reads only the atomic metrics view, never loop-owned state.
type stationCollector struct {
	st     *station.Station
	mirror *mirrorRuntime
	idx    runtimeIndex

	tick        *prometheus.Desc
	activeTiles *prometheus.Desc
	gridActive  *prometheus.Desc
	processed   *prometheus.Desc
	deferred    *prometheus.Desc
	skipped     *prometheus.Desc
	pipeNodes   *prometheus.Desc
	pipeGroups  *prometheus.Desc
	devices     *prometheus.Desc
	disabled    *prometheus.Desc
	rejected    *prometheus.Desc
	observers   *prometheus.Desc
	queueDepth  *prometheus.Desc
	stepMS      *prometheus.Desc
	moles       *prometheus.Desc
	boundary    *prometheus.Desc

	mirrorQueue   *prometheus.Desc
	mirrorTotals  *prometheus.Desc
	mirrorLastSec *prometheus.Desc
	indexQueue    *prometheus.Desc
	indexDrops    *prometheus.Desc
}

func newStationCollector(st *station.Station, mirror *mirrorRuntime, idx runtimeIndex) *stationCollector {
	labels := prometheus.Labels{"station": st.ID()}
	d := func(name, help string, vars ...string) *prometheus.Desc {
		return prometheus.NewDesc("stationcraft_"+name, help, vars, labels)
	}
	return &stationCollector{
		st:     st,
		mirror: mirror,
		idx:    idx,

		tick:        d("tick", "Current station tick."),
		activeTiles: d("active_tiles", "Tiles on the active list after the last tick."),
		gridActive:  d("grid_active_tiles", "Active tiles per grid.", "grid"),
		processed:   d("processed_tiles", "Tiles processed in the last tick."),
		deferred:    d("deferred_tiles", "Tiles deferred by the tick budget in the last tick."),
		skipped:     d("skipped_grids", "Grids skipped in the last tick."),
		pipeNodes:   d("pipe_nodes", "Pipe nodes in the network."),
		pipeGroups:  d("pipe_groups", "Pipe node groups in the network."),
		devices:     d("devices", "Registered devices."),
		disabled:    d("devices_disabled", "Devices that could not run in the last tick."),
		rejected:    d("rejected_events", "Events rejected in the last tick."),
		observers:   d("observers", "Connected observer sessions."),
		queueDepth:  d("queue_depth", "Channel backlog depth.", "queue"),
		stepMS:      d("step_ms", "Last tick step duration in milliseconds."),
		moles:       d("total_moles", "Moles per species across grids, pipes and canisters.", "gas"),
		boundary:    d("boundary_moles", "Cumulative moles that crossed the station boundary.", "direction"),

		mirrorQueue:   d("mirror_queue", "S3 mirror lane depth and capacity.", "lane"),
		mirrorTotals:  d("mirror_total", "S3 mirror counters per file kind.", "kind", "event"),
		mirrorLastSec: d("mirror_last_unix", "Unix time of the last mirror upload outcome.", "outcome"),
		indexQueue:    d("index_queue", "Index writer queue depth and capacity.", "kind"),
		indexDrops:    d("index_dropped_total", "Index rows dropped because the queue was full.", "row"),
	}
}

func (c *stationCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.tick, c.activeTiles, c.gridActive, c.processed, c.deferred, c.skipped,
		c.pipeNodes, c.pipeGroups, c.devices, c.disabled, c.rejected, c.observers,
		c.queueDepth, c.stepMS, c.moles, c.boundary,
		c.mirrorQueue, c.mirrorTotals, c.mirrorLastSec, c.indexQueue, c.indexDrops,
	} {
		ch <- d
	}
}

func (c *stationCollector) Collect(ch chan<- prometheus.Metric) {
	m := c.st.Metrics()
	tick := c.st.CurrentTick()
	if m.Tick != 0 {
		tick = m.Tick
	}
	gauge := func(d *prometheus.Desc, v float64, lvs ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, lvs...)
	}
	counter := func(d *prometheus.Desc, v float64, lvs ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, lvs...)
	}

	gauge(c.tick, float64(tick))
	gauge(c.activeTiles, float64(m.ActiveTiles))
	for _, g := range m.Grids {
		gauge(c.gridActive, float64(g.ActiveTiles), g.ID)
	}
	gauge(c.processed, float64(m.ProcessedTiles))
	gauge(c.deferred, float64(m.DeferredTiles))
	gauge(c.skipped, float64(m.SkippedGrids))
	gauge(c.pipeNodes, float64(m.PipeNodes))
	gauge(c.pipeGroups, float64(m.PipeGroups))
	gauge(c.devices, float64(m.Devices))
	gauge(c.disabled, float64(m.DevicesDisabled))
	gauge(c.rejected, float64(m.RejectedEvents))
	gauge(c.observers, float64(m.Observers))
	gauge(c.queueDepth, float64(m.QueueDepths.Inbox), "inbox")
	gauge(c.queueDepth, float64(m.QueueDepths.Readouts), "readouts")
	gauge(c.queueDepth, float64(m.QueueDepths.Admin), "admin")
	gauge(c.stepMS, m.StepMS)
	for gas, v := range m.TotalMoles {
		gauge(c.moles, v, gas)
	}
	counter(c.boundary, m.Vented, "vented")
	counter(c.boundary, m.Created, "created")

	if s, ok := c.mirror.Stats(); ok {
		gauge(c.mirrorQueue, float64(s.PriorityDepth), "priority")
		gauge(c.mirrorQueue, float64(s.BulkDepth), "bulk")
		gauge(c.mirrorQueue, float64(s.LaneCapacity), "capacity")
		for _, k := range s3mirror.Kinds() {
			ks := s.ByKind[k]
			counter(c.mirrorTotals, float64(ks.Enqueued), k.String(), "enqueued")
			counter(c.mirrorTotals, float64(ks.Dropped), k.String(), "dropped")
			counter(c.mirrorTotals, float64(ks.Uploaded), k.String(), "uploaded")
			counter(c.mirrorTotals, float64(ks.Failed), k.String(), "failed")
		}
		counter(c.mirrorTotals, float64(s.Rejected), "unknown", "rejected")
		gauge(c.mirrorLastSec, float64(s.LastSuccessUnix), "success")
		gauge(c.mirrorLastSec, float64(s.LastErrorUnix), "error")
	}
	if c.idx != nil {
		s := c.idx.Stats()
		gauge(c.indexQueue, float64(s.QueueDepth), "depth")
		gauge(c.indexQueue, float64(s.QueueCapacity), "capacity")
		counter(c.indexDrops, float64(s.DropTickTotal), "tick")
		counter(c.indexDrops, float64(s.DropAuditTotal), "audit")
		counter(c.indexDrops, float64(s.DropSnapshotTotal), "snapshot")
		counter(c.indexDrops, float64(s.DropSnapshotStateTotal), "snapshot_state")
	}
}
