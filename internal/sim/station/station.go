package station

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"stationcraft.ai/internal/persistence/snapshot"
	"stationcraft.ai/internal/sim/atmos"
	"stationcraft.ai/internal/sim/devices"
	"stationcraft.ai/internal/sim/pipenet"
)

type Config struct {
	ID                 string
	TickRateHz         int
	SnapshotEveryTicks int
	// PressureStep is the kPa width of one observer frame level.
	PressureStep float32
	Atmos        atmos.Config
}

func (c *Config) applyDefaults() {
	if c.ID == "" {
		c.ID = "station"
	}
	if c.TickRateHz <= 0 {
		c.TickRateHz = 5
	}
	if c.SnapshotEveryTicks < 0 {
		c.SnapshotEveryTicks = 0
	}
	if c.PressureStep <= 0 {
		c.PressureStep = 1
	}
	if c.Atmos == (atmos.Config{}) {
		c.Atmos = atmos.DefaultConfig()
	}
}

// Station is a single-threaded authoritative atmospherics simulation:
// a set of grids, one pipe network spanning them, and the device scheduler.
// All state must be accessed only from the station loop goroutine.
type Station struct {
	cfg    Config
	table  *atmos.Table
	logger *log.Logger

	tick atomic.Uint64

	grids map[atmos.GridID]*atmos.Grid
	net   *pipenet.Network
	devs  *devices.Scheduler

	inbox         chan Event
	readouts      chan readoutReq
	admin         chan adminSnapshotReq
	observerJoin  chan ObserverJoinRequest
	observerSub   chan ObserverSubscribeRequest
	observerLeave chan string
	stop          chan struct{}
	stopOnce      sync.Once

	observers map[string]*observerClient

	// Optional sinks (may be nil). Implemented in internal/persistence/*.
	tickLogger   TickLogger
	auditLogger  AuditLogger
	snapshotSink chan<- snapshot.SnapshotV1

	// Moles that crossed the simulation boundary since creation.
	vented  float64
	created float64

	lastDigest string
	metrics    atomic.Value
}

type TickLogger interface {
	WriteTick(entry TickLogEntry) error
}

type AuditLogger interface {
	WriteAudit(entry AuditEntry) error
}

// New creates an empty station. table may be nil for the built-in species
// properties.
func New(cfg Config, table *atmos.Table, logger *log.Logger) *Station {
	cfg.applyDefaults()
	if table == nil {
		table = atmos.DefaultTable()
	}
	s := &Station{
		cfg:           cfg,
		table:         table,
		logger:        logger,
		grids:         map[atmos.GridID]*atmos.Grid{},
		net:           pipenet.New(table, logger),
		devs:          devices.NewScheduler(logger),
		inbox:         make(chan Event, 1024),
		readouts:      make(chan readoutReq, 64),
		admin:         make(chan adminSnapshotReq, 16),
		observerJoin:  make(chan ObserverJoinRequest, 16),
		observerSub:   make(chan ObserverSubscribeRequest, 64),
		observerLeave: make(chan string, 16),
		stop:          make(chan struct{}),
		observers:     map[string]*observerClient{},
	}
	s.metrics.Store(Metrics{})
	return s
}

func (s *Station) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func (s *Station) ID() string {
	if s == nil {
		return ""
	}
	return s.cfg.ID
}

func (s *Station) Config() Config              { return s.cfg }
func (s *Station) Table() *atmos.Table         { return s.table }
func (s *Station) CurrentTick() uint64         { return s.tick.Load() }
func (s *Station) Network() *pipenet.Network   { return s.net }
func (s *Station) Devices() *devices.Scheduler { return s.devs }

func (s *Station) SetTickLogger(l TickLogger)                    { s.tickLogger = l }
func (s *Station) SetAuditLogger(l AuditLogger)                  { s.auditLogger = l }
func (s *Station) SetSnapshotSink(ch chan<- snapshot.SnapshotV1) { s.snapshotSink = ch }

func (s *Station) Inbox() chan<- Event                                { return s.inbox }
func (s *Station) ObserverJoin() chan<- ObserverJoinRequest           { return s.observerJoin }
func (s *Station) ObserverSubscribe() chan<- ObserverSubscribeRequest { return s.observerSub }
func (s *Station) ObserverLeave() chan<- string                       { return s.observerLeave }

// SetAtmosConfig retunes every grid, including grids created later.
func (s *Station) SetAtmosConfig(cfg atmos.Config) {
	s.cfg.Atmos = cfg
	for _, g := range s.grids {
		g.SetConfig(cfg)
	}
}

// Grid returns the live grid. Loop goroutine only.
func (s *Station) Grid(id atmos.GridID) (*atmos.Grid, bool) {
	g, ok := s.grids[id]
	return g, ok
}

// GridIDs returns grid ids in sorted order, the order grids tick in.
func (s *Station) GridIDs() []atmos.GridID {
	ids := make([]atmos.GridID, 0, len(s.grids))
	for id := range s.grids {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// AddGrid installs a prebuilt grid, for example one parsed from a layout.
func (s *Station) AddGrid(g *atmos.Grid) error {
	if g == nil {
		return fmt.Errorf("%w: nil grid", atmos.ErrInvalidGrid)
	}
	if _, ok := s.grids[g.ID()]; ok {
		return fmt.Errorf("%w: grid %s already exists", atmos.ErrInvalidGrid, g.ID())
	}
	g.SetConfig(s.cfg.Atmos)
	s.grids[g.ID()] = g
	return nil
}

func (s *Station) grid(id atmos.GridID) (*atmos.Grid, error) {
	g, ok := s.grids[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", atmos.ErrUnknownGrid, id)
	}
	return g, nil
}

// TotalMoles sums every species over tiles, pipe groups and canister tanks.
func (s *Station) TotalMoles() [atmos.NumGases]float64 {
	var out [atmos.NumGases]float64
	for _, g := range s.grids {
		t := g.TotalMoles()
		for i := range out {
			out[i] += t[i]
		}
	}
	add := func(m *atmos.GasMixture) {
		if m == nil {
			return
		}
		for i, v := range m.MolesArray() {
			out[i] += float64(v)
		}
	}
	for _, gid := range s.net.GroupIDs() {
		if g, ok := s.net.GroupByID(gid); ok {
			add(g.Mixture())
		}
	}
	for _, d := range s.devs.Devices() {
		if c, ok := d.(*devices.Canister); ok {
			add(c.Mixture)
		}
	}
	return out
}

// Boundary returns cumulative moles vented to space and created by
// generators or injections.
func (s *Station) Boundary() (vented, created float64) { return s.vented, s.created }
