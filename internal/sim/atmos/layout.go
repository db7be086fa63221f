package atmos

import (
	"errors"
	"fmt"
	"log"
	"strings"
)

var ErrInvalidLayout = errors.New("atmos: invalid layout")

type TileKind uint8

const (
	KindAbsent TileKind = iota
	KindSpace
	KindWall
	KindFloor
	KindVacuum
)

// Layout is a parsed ASCII grid:
//
//	#  wall (blocked, empty mixture)
//	.  floor with standard air
//	o  floor under vacuum
//	~  space (space bar works too)
//	_  no tile
//
// Short rows are padded with absent tiles.
type Layout struct {
	Width  int
	Height int
	Kinds  []TileKind
}

func ParseLayout(rows []string) (Layout, error) {
	var l Layout
	l.Height = len(rows)
	for _, r := range rows {
		if n := len([]rune(r)); n > l.Width {
			l.Width = n
		}
	}
	if l.Width == 0 || l.Height == 0 {
		return Layout{}, fmt.Errorf("%w: empty", ErrInvalidLayout)
	}
	l.Kinds = make([]TileKind, l.Width*l.Height)
	for y, row := range rows {
		for x, r := range []rune(row) {
			k, ok := kindOf(r)
			if !ok {
				return Layout{}, fmt.Errorf("%w: row %d col %d: unknown rune %q", ErrInvalidLayout, y, x, r)
			}
			l.Kinds[y*l.Width+x] = k
		}
	}
	return l, nil
}

func kindOf(r rune) (TileKind, bool) {
	switch r {
	case '#':
		return KindWall, true
	case '.':
		return KindFloor, true
	case 'o':
		return KindVacuum, true
	case ' ', '~':
		return KindSpace, true
	case '_':
		return KindAbsent, true
	}
	return 0, false
}

func (l Layout) At(p Vec2i) TileKind {
	if p.X < 0 || p.Y < 0 || p.X >= l.Width || p.Y >= l.Height {
		return KindAbsent
	}
	return l.Kinds[p.Y*l.Width+p.X]
}

// Build creates a grid from the layout. Every floor tile starts active.
func (l Layout) Build(id GridID, cfg Config, table *Table, logger *log.Logger) (*Grid, error) {
	g, err := NewGrid(id, l.Width, l.Height, cfg, table, logger)
	if err != nil {
		return nil, err
	}
	vol := g.cfg.TileVolume
	for i, k := range l.Kinds {
		p := g.pos(i)
		var mix *GasMixture
		blocked := false
		switch k {
		case KindAbsent:
			continue
		case KindSpace:
		case KindWall:
			mix = NewMixtureWithTable(g.table, vol)
			blocked = true
		case KindFloor:
			mix = StandardAir(g.table, vol)
		case KindVacuum:
			mix = NewMixtureWithTable(g.table, vol)
		}
		if err := g.SetTile(p, mix, blocked); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// NewGridFromLayout parses rows and builds the grid in one step.
func NewGridFromLayout(id GridID, rows []string, cfg Config, table *Table, logger *log.Logger) (*Grid, error) {
	l, err := ParseLayout(rows)
	if err != nil {
		return nil, err
	}
	return l.Build(id, cfg, table, logger)
}

// Render draws the grid back as layout runes; air tiles below one tenth of an
// atmosphere are drawn as vacuum.
func (g *Grid) Render() []string {
	rows := make([]string, g.height)
	for y := 0; y < g.height; y++ {
		var b strings.Builder
		for x := 0; x < g.width; x++ {
			t := g.tiles[y*g.width+x]
			switch {
			case t == nil:
				b.WriteByte('_')
			case t.Mixture == nil:
				b.WriteByte('~')
			case t.Blocked:
				b.WriteByte('#')
			case t.Mixture.Pressure() < OneAtmosphere/10:
				b.WriteByte('o')
			default:
				b.WriteByte('.')
			}
		}
		rows[y] = b.String()
	}
	return rows
}
