package atmos

import (
	"fmt"
	"log"
	"math"
	"sort"
	"time"
)

type GridID string

// maxGridTiles bounds a single grid arena.
const maxGridTiles = 1 << 22

// Config holds the diffusion tuning for one grid. Zero fields take defaults.
type Config struct {
	// DiffusionRate is the fraction of the per-species gradient equalized
	// across one edge per tick. Capped at 0.25 so four outgoing edges can
	// never drain a tile below zero.
	DiffusionRate    float32
	HeatExchangeRate float32
	// SpaceBleedRate is the fraction of every species lost per space edge.
	SpaceBleedRate      float32
	MinMolesDelta       float32
	MinTemperatureDelta float32

	// MaxTilesPerTick and TickBudget limit the work per tick; 0 = unlimited.
	MaxTilesPerTick int
	TickBudget      time.Duration

	TileVolume float32
}

const maxRate = 0.25

func DefaultConfig() Config {
	return Config{
		DiffusionRate:       0.125,
		HeatExchangeRate:    0.1,
		SpaceBleedRate:      0.2,
		MinMolesDelta:       0.005,
		MinTemperatureDelta: 0.5,
		TileVolume:          CellVolume,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if !positiveFinite(c.DiffusionRate) {
		c.DiffusionRate = d.DiffusionRate
	}
	if c.DiffusionRate > maxRate {
		c.DiffusionRate = maxRate
	}
	if !positiveFinite(c.HeatExchangeRate) {
		c.HeatExchangeRate = d.HeatExchangeRate
	}
	if c.HeatExchangeRate > maxRate {
		c.HeatExchangeRate = maxRate
	}
	if !positiveFinite(c.SpaceBleedRate) {
		c.SpaceBleedRate = d.SpaceBleedRate
	}
	if c.SpaceBleedRate > maxRate {
		c.SpaceBleedRate = maxRate
	}
	if !positiveFinite(c.MinMolesDelta) {
		c.MinMolesDelta = d.MinMolesDelta
	}
	if !positiveFinite(c.MinTemperatureDelta) {
		c.MinTemperatureDelta = d.MinTemperatureDelta
	}
	if c.MaxTilesPerTick < 0 {
		c.MaxTilesPerTick = 0
	}
	if c.TickBudget < 0 {
		c.TickBudget = 0
	}
	if !positiveFinite(c.TileVolume) {
		c.TileVolume = d.TileVolume
	}
}

// Grid owns the tile arena of one station grid and its diffusion worklist.
// It is not safe for concurrent use; the station loop is its only caller.
type Grid struct {
	id     GridID
	width  int
	height int
	cfg    Config
	table  *Table
	logger *log.Logger

	// tiles is indexed by y*width+x. A nil entry is an absent tile.
	tiles  []*Tile
	active map[int]struct{}
	cursor int

	// warned holds malformed tile indices that have already been logged.
	warned map[int]bool
}

func NewGrid(id GridID, width, height int, cfg Config, table *Table, logger *log.Logger) (*Grid, error) {
	if width <= 0 || height <= 0 || width*height > maxGridTiles {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidGrid, width, height)
	}
	if table == nil {
		table = defaultTable
	}
	cfg.applyDefaults()
	return &Grid{
		id:     id,
		width:  width,
		height: height,
		cfg:    cfg,
		table:  table,
		logger: logger,
		tiles:  make([]*Tile, width*height),
		active: map[int]struct{}{},
		warned: map[int]bool{},
	}, nil
}

func (g *Grid) ID() GridID     { return g.id }
func (g *Grid) Width() int     { return g.width }
func (g *Grid) Height() int    { return g.height }
func (g *Grid) Config() Config { return g.cfg }
func (g *Grid) Table() *Table  { return g.table }

// SetConfig swaps the tuning; rates are re-clamped.
func (g *Grid) SetConfig(cfg Config) {
	cfg.applyDefaults()
	g.cfg = cfg
}

func (g *Grid) InBounds(p Vec2i) bool {
	return p.X >= 0 && p.Y >= 0 && p.X < g.width && p.Y < g.height
}

func (g *Grid) index(p Vec2i) int { return p.Y*g.width + p.X }

func (g *Grid) pos(idx int) Vec2i { return Vec2i{X: idx % g.width, Y: idx / g.width} }

func (g *Grid) lookup(p Vec2i) (int, error) {
	if !g.InBounds(p) {
		return 0, fmt.Errorf("%w: grid %s %v", ErrOutOfBounds, g.id, p)
	}
	return g.index(p), nil
}

func (g *Grid) logf(format string, args ...any) {
	if g.logger != nil {
		g.logger.Printf(format, args...)
	}
}

// Tile returns the live tile at p. Callers must not keep it across ticks.
func (g *Grid) Tile(p Vec2i) (*Tile, bool) {
	if !g.InBounds(p) {
		return nil, false
	}
	t := g.tiles[g.index(p)]
	return t, t != nil
}

// TileMixture returns the live mixture at p, or nil for space.
func (g *Grid) TileMixture(p Vec2i) (*GasMixture, error) {
	idx, err := g.lookup(p)
	if err != nil {
		return nil, err
	}
	t := g.tiles[idx]
	if t == nil {
		return nil, fmt.Errorf("%w: grid %s %v", ErrNoTile, g.id, p)
	}
	return t.Mixture, nil
}

// SetTile creates or replaces the tile at p and wakes it and its neighbors.
// The grid takes ownership of mix; nil makes the tile space.
func (g *Grid) SetTile(p Vec2i, mix *GasMixture, blocked bool) error {
	idx, err := g.lookup(p)
	if err != nil {
		return err
	}
	g.tiles[idx] = &Tile{Pos: p, Mixture: mix, Blocked: blocked}
	delete(g.warned, idx)
	g.wake(idx)
	return nil
}

// RemoveTile deletes the tile at p, returning whatever gas it held.
func (g *Grid) RemoveTile(p Vec2i) (*GasMixture, error) {
	idx, err := g.lookup(p)
	if err != nil {
		return nil, err
	}
	t := g.tiles[idx]
	if t == nil {
		return nil, fmt.Errorf("%w: grid %s %v", ErrNoTile, g.id, p)
	}
	g.tiles[idx] = nil
	delete(g.active, idx)
	delete(g.warned, idx)
	g.wakeNeighbors(idx)
	return t.Mixture, nil
}

// SetBlocked re-derives airtightness after a wall or door change. A newly
// unblocked tile without a mixture becomes a vacuum floor tile.
func (g *Grid) SetBlocked(p Vec2i, blocked bool) error {
	idx, err := g.lookup(p)
	if err != nil {
		return err
	}
	t := g.tiles[idx]
	if t == nil {
		return fmt.Errorf("%w: grid %s %v", ErrNoTile, g.id, p)
	}
	if t.Blocked == blocked {
		return nil
	}
	t.Blocked = blocked
	if !blocked && t.Mixture == nil {
		t.Mixture = NewMixtureWithTable(g.table, g.cfg.TileVolume)
	}
	g.wake(idx)
	return nil
}

// SetSpace opens the tile to space, returning the gas it held.
func (g *Grid) SetSpace(p Vec2i) (*GasMixture, error) {
	idx, err := g.lookup(p)
	if err != nil {
		return nil, err
	}
	t := g.tiles[idx]
	if t == nil {
		g.tiles[idx] = &Tile{Pos: p}
		g.wakeNeighbors(idx)
		return nil, nil
	}
	old := t.Mixture
	t.Mixture = nil
	t.Blocked = false
	g.wake(idx)
	return old, nil
}

// Invalidate puts the tile and its neighbors back on the worklist.
func (g *Grid) Invalidate(p Vec2i) {
	if !g.InBounds(p) {
		return
	}
	g.wake(g.index(p))
}

// InjectGas adds moles of gas at temperature to the tile at p.
func (g *Grid) InjectGas(p Vec2i, gas Gas, moles, temperature float32) error {
	if !gas.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownGas, int(gas))
	}
	mix, err := g.TileMixture(p)
	if err != nil {
		return err
	}
	if mix == nil {
		// Gas released into space is gone.
		return nil
	}
	if moles <= 0 || math.IsNaN(float64(moles)) {
		return nil
	}
	add := NewMixtureWithTable(g.table, mix.volume)
	add.SetMoles(gas, moles)
	add.SetTemperature(temperature)
	mix.Merge(add)
	g.Invalidate(p)
	return nil
}

// RemoveGas takes ratio of the tile's gas out of the simulation.
func (g *Grid) RemoveGas(p Vec2i, ratio float32) (*GasMixture, error) {
	mix, err := g.TileMixture(p)
	if err != nil {
		return nil, err
	}
	if mix == nil {
		return nil, nil
	}
	out := mix.RemoveRatio(ratio)
	g.Invalidate(p)
	return out, nil
}

func (g *Grid) wake(idx int) {
	g.activate(idx)
	g.wakeNeighbors(idx)
}

func (g *Grid) wakeNeighbors(idx int) {
	p := g.pos(idx)
	for _, d := range Cardinals {
		n := p.Add(d.Offset())
		if g.InBounds(n) {
			g.activate(g.index(n))
		}
	}
}

// activate adds idx to the worklist when it holds a tile that can diffuse.
func (g *Grid) activate(idx int) {
	t := g.tiles[idx]
	if !t.canExchange() {
		if t != nil {
			t.Active = false
		}
		delete(g.active, idx)
		return
	}
	t.Active = true
	g.active[idx] = struct{}{}
}

func (g *Grid) deactivate(idx int) {
	if t := g.tiles[idx]; t != nil {
		t.Active = false
	}
	delete(g.active, idx)
}

func (g *Grid) ActiveCount() int { return len(g.active) }

// ActiveIndices returns the worklist in ascending index order.
func (g *Grid) ActiveIndices() []int {
	out := make([]int, 0, len(g.active))
	for idx := range g.active {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

func (g *Grid) Cursor() int { return g.cursor }

// ForEachTile visits present tiles in index order.
func (g *Grid) ForEachTile(fn func(t *Tile)) {
	for _, t := range g.tiles {
		if t != nil {
			fn(t)
		}
	}
}

// TotalMoles sums every tile's moles per species.
func (g *Grid) TotalMoles() [NumGases]float64 {
	var out [NumGases]float64
	for _, t := range g.tiles {
		if t == nil || t.Mixture == nil {
			continue
		}
		for i, v := range t.Mixture.moles {
			out[i] += float64(v)
		}
	}
	return out
}

func (g *Grid) TotalEnergy() float64 {
	var e float64
	for _, t := range g.tiles {
		if t == nil || t.Mixture == nil {
			continue
		}
		e += t.Mixture.ThermalEnergy()
	}
	return e
}

func (g *Grid) TotalMass() float64 {
	var m float64
	for _, t := range g.tiles {
		if t == nil || t.Mixture == nil {
			continue
		}
		m += t.Mixture.Mass()
	}
	return m
}

// Restore installs a persisted tile without waking anything.
func (g *Grid) Restore(p Vec2i, mix *GasMixture, blocked, active bool) error {
	idx, err := g.lookup(p)
	if err != nil {
		return err
	}
	t := &Tile{Pos: p, Mixture: mix, Blocked: blocked}
	g.tiles[idx] = t
	if active && t.canExchange() {
		t.Active = true
		g.active[idx] = struct{}{}
	}
	return nil
}

func (g *Grid) RestoreCursor(c int) {
	if c < 0 || c >= len(g.tiles) {
		c = 0
	}
	g.cursor = c
}
