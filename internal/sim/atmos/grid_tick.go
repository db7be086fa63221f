package atmos

import (
	"fmt"
	"math"
	"sort"
	"time"
)

type TickStats struct {
	Processed int
	Deferred  int
	Settled   int
	Skipped   int
	Active    int
	// Vented is the moles lost to space this tick.
	Vented   float64
	Duration time.Duration
}

// tileDelta accumulates one tile's pending change during the flux phase.
type tileDelta struct {
	moles  [NumGases]float64
	energy float64
}

type neighborKind uint8

const (
	neighborSkip neighborKind = iota
	neighborSpace
	neighborGas
)

// Tick advances diffusion by one step.
//
// Fluxes are computed from the start-of-tick state into per-tile deltas and
// applied only after every planned tile has been visited, so visit order
// never biases the result. Each unordered edge is evaluated once, by
// whichever endpoint is visited first. Tiles left over by the budget stay
// active and are visited first next tick.
func (g *Grid) Tick() (TickStats, error) {
	start := time.Now()
	var st TickStats
	if len(g.tiles) != g.width*g.height {
		return st, fmt.Errorf("%w: grid %s arena has %d tiles, want %d", ErrCorruptGrid, g.id, len(g.tiles), g.width*g.height)
	}

	plan, pending := g.planOrder()
	if len(plan) == 0 {
		return st, nil
	}

	deltas := map[int]*tileDelta{}
	visited := make(map[int]struct{}, len(plan))
	significant := map[int]struct{}{}
	drain := map[int]struct{}{}

	deltaFor := func(idx int) *tileDelta {
		d := deltas[idx]
		if d == nil {
			d = &tileDelta{}
			deltas[idx] = d
		}
		return d
	}

	var deadline time.Time
	if g.cfg.TickBudget > 0 {
		deadline = start.Add(g.cfg.TickBudget)
	}
	last := -1

	for i, idx := range plan {
		if i > 0 && !deadline.IsZero() && time.Now().After(deadline) {
			break
		}
		last = idx
		st.Processed++
		visited[idx] = struct{}{}

		t := g.tiles[idx]
		if t == nil {
			delete(g.active, idx)
			continue
		}
		if t.malformed() || t.Pos != g.pos(idx) {
			if !g.warned[idx] {
				g.warned[idx] = true
				g.logf("[atmos] grid %s: skipping malformed tile %d at %v", g.id, idx, t.Pos)
			}
			st.Skipped++
			g.deactivate(idx)
			continue
		}
		if !t.canExchange() {
			g.deactivate(idx)
			continue
		}

		a := t.Mixture
		spaceEdges := 0
		for _, dir := range Cardinals {
			nidx, kind := g.neighbor(t.Pos, dir)
			switch kind {
			case neighborSpace:
				spaceEdges++
			case neighborGas:
				if _, done := visited[nidx]; done {
					continue
				}
				b := g.tiles[nidx].Mixture
				if g.exchange(a, b, deltaFor, idx, nidx) {
					significant[idx] = struct{}{}
					significant[nidx] = struct{}{}
				}
			}
		}
		if spaceEdges > 0 && !a.Empty() {
			if g.bleed(a, spaceEdges, deltaFor(idx), &st) {
				significant[idx] = struct{}{}
			} else {
				drain[idx] = struct{}{}
			}
		}
	}

	// Edges of visited tiles are final for this tick; everything else in the
	// worklist waits for the next one.
	st.Deferred = pending - st.Processed
	if st.Deferred > 0 && last >= 0 {
		g.cursor = last + 1
		if g.cursor >= len(g.tiles) {
			g.cursor = 0
		}
	} else {
		g.cursor = 0
	}

	// Apply phase: indices in order keeps float summation deterministic.
	touched := make([]int, 0, len(deltas))
	for idx := range deltas {
		if _, ok := significant[idx]; ok {
			touched = append(touched, idx)
		}
	}
	sort.Ints(touched)
	for _, idx := range touched {
		g.apply(g.tiles[idx].Mixture, deltas[idx])
	}

	for idx := range drain {
		if _, ok := significant[idx]; ok {
			continue
		}
		m := g.tiles[idx].Mixture
		st.Vented += float64(m.TotalMoles())
		m.Clear()
	}

	for idx := range visited {
		if _, ok := significant[idx]; ok {
			continue
		}
		if _, ok := g.active[idx]; ok {
			st.Settled++
		}
		g.deactivate(idx)
	}
	for idx := range significant {
		g.activate(idx)
	}

	st.Active = len(g.active)
	st.Duration = time.Since(start)
	return st, nil
}

// planOrder lists the worklist in index order rotated to the carry cursor,
// truncated to MaxTilesPerTick. pending is the untruncated worklist size.
func (g *Grid) planOrder() (plan []int, pending int) {
	if len(g.active) == 0 {
		return nil, 0
	}
	sorted := g.ActiveIndices()
	k := sort.SearchInts(sorted, g.cursor)
	plan = make([]int, 0, len(sorted))
	plan = append(plan, sorted[k:]...)
	plan = append(plan, sorted[:k]...)
	pending = len(plan)
	if limit := g.cfg.MaxTilesPerTick; limit > 0 && len(plan) > limit {
		plan = plan[:limit]
	}
	return plan, pending
}

func (g *Grid) neighbor(p Vec2i, dir Direction) (int, neighborKind) {
	n := p.Add(dir.Offset())
	if !g.InBounds(n) {
		return -1, neighborSpace
	}
	idx := g.index(n)
	t := g.tiles[idx]
	switch {
	case t == nil || t.Mixture == nil:
		return idx, neighborSpace
	case t.Blocked || t.malformed():
		return idx, neighborSkip
	}
	return idx, neighborGas
}

// exchange computes the flux between a and b from their current state and
// records it when the edge is significant.
func (g *Grid) exchange(a, b *GasMixture, deltaFor func(int) *tileDelta, ai, bi int) bool {
	va, vb := float64(a.volume), float64(b.volume)
	ta, tb := float64(a.temperature), float64(b.temperature)
	rate := float64(g.cfg.DiffusionRate)

	var flux [NumGases]float64
	var maxFlux float64
	for i := 0; i < NumGases; i++ {
		na, nb := float64(a.moles[i]), float64(b.moles[i])
		if na == 0 && nb == 0 {
			continue
		}
		f := rate * (na*vb - nb*va) / (va + vb)
		flux[i] = f
		if af := math.Abs(f); af > maxFlux {
			maxFlux = af
		}
	}

	ca, cb := a.heatCapacity(), b.heatCapacity()
	var heat float64
	thermal := ca > MinimumHeatCapacity && cb > MinimumHeatCapacity
	if thermal {
		heat = float64(g.cfg.HeatExchangeRate) * (ta - tb) * ca * cb / (ca + cb)
	}

	if maxFlux <= float64(g.cfg.MinMolesDelta) && !(thermal && math.Abs(ta-tb) > float64(g.cfg.MinTemperatureDelta)) {
		return false
	}

	da, db := deltaFor(ai), deltaFor(bi)
	for i, f := range flux {
		if f == 0 {
			continue
		}
		src := ta
		if f < 0 {
			src = tb
		}
		e := f * float64(a.table.defs[i].SpecificHeat) * src
		da.moles[i] -= f
		db.moles[i] += f
		da.energy -= e
		db.energy += e
	}
	da.energy -= heat
	db.energy += heat
	return true
}

// bleed records the loss of a to space through edges space edges. It reports
// false when the loss would be below the significance threshold, in which
// case the caller drains the tile outright.
func (g *Grid) bleed(a *GasMixture, edges int, d *tileDelta, st *TickStats) bool {
	frac := float64(g.cfg.SpaceBleedRate) * float64(edges)
	if frac > 1 {
		frac = 1
	}
	var maxFlux float64
	for _, v := range a.moles {
		if f := frac * float64(v); f > maxFlux {
			maxFlux = f
		}
	}
	if maxFlux <= float64(g.cfg.MinMolesDelta) {
		return false
	}
	ta := float64(a.temperature)
	for i, v := range a.moles {
		f := frac * float64(v)
		if f == 0 {
			continue
		}
		d.moles[i] -= f
		d.energy -= f * float64(a.table.defs[i].SpecificHeat) * ta
		st.Vented += f
	}
	return true
}

func (g *Grid) apply(m *GasMixture, d *tileDelta) {
	e := m.ThermalEnergy() + d.energy
	var c float64
	for i := range m.moles {
		m.moles[i] = clampMoles(float64(m.moles[i]) + d.moles[i])
		c += float64(m.moles[i]) * float64(m.table.defs[i].SpecificHeat)
	}
	if c > MinimumHeatCapacity && e > 0 {
		m.SetTemperature(float32(e / c))
	}
}
