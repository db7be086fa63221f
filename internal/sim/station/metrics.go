package station

// Metrics is a thread-safe read-only view of key station runtime signals.
// It is updated from the station loop goroutine and read from HTTP handlers
// and tests.
type Metrics struct {
	Tick uint64 `json:"tick"`

	Grids          []GridMetrics `json:"grids"`
	ActiveTiles    int           `json:"active_tiles"`
	ProcessedTiles int           `json:"processed_tiles"`
	DeferredTiles  int           `json:"deferred_tiles"`
	SettledTiles   int           `json:"settled_tiles"`
	SkippedGrids   int           `json:"skipped_grids"`

	PipeNodes  int `json:"pipe_nodes"`
	PipeGroups int `json:"pipe_groups"`

	Devices            int `json:"devices"`
	DevicesTransferred int `json:"devices_transferred"`
	DevicesDisabled    int `json:"devices_disabled"`

	RejectedEvents int         `json:"rejected_events"`
	Observers      int         `json:"observers"`
	QueueDepths    QueueDepths `json:"queue_depths"`

	StepMS float64 `json:"step_ms"`

	TotalMoles map[string]float64 `json:"total_moles"`
	Vented     float64            `json:"vented"`
	Created    float64            `json:"created"`
	Digest     string             `json:"digest"`
}

type GridMetrics struct {
	ID          string `json:"id"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	ActiveTiles int    `json:"active_tiles"`
}

type QueueDepths struct {
	Inbox    int `json:"inbox"`
	Readouts int `json:"readouts"`
	Admin    int `json:"admin"`
}

func (s *Station) Metrics() Metrics {
	if s == nil {
		return Metrics{}
	}
	v := s.metrics.Load()
	if v == nil {
		return Metrics{}
	}
	m, ok := v.(Metrics)
	if !ok {
		return Metrics{}
	}
	return m
}
