package atmos

type Vec2i struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (v Vec2i) Add(o Vec2i) Vec2i { return Vec2i{X: v.X + o.X, Y: v.Y + o.Y} }

func (v Vec2i) ToArray() [2]int { return [2]int{v.X, v.Y} }

// Direction is a cardinal direction bitmask. Y grows southwards.
type Direction uint8

const (
	North Direction = 1 << iota
	East
	South
	West

	AllDirections = North | East | South | West
)

// Cardinals is the fixed neighbor visiting order.
var Cardinals = [4]Direction{North, East, South, West}

func (d Direction) Offset() Vec2i {
	switch d {
	case North:
		return Vec2i{Y: -1}
	case East:
		return Vec2i{X: 1}
	case South:
		return Vec2i{Y: 1}
	case West:
		return Vec2i{X: -1}
	}
	return Vec2i{}
}

func (d Direction) Opposite() Direction {
	var out Direction
	if d&North != 0 {
		out |= South
	}
	if d&South != 0 {
		out |= North
	}
	if d&East != 0 {
		out |= West
	}
	if d&West != 0 {
		out |= East
	}
	return out
}

// Rotate turns every set direction clockwise by quarter turns.
func (d Direction) Rotate(quarters int) Direction {
	quarters = ((quarters % 4) + 4) % 4
	out := d & AllDirections
	for i := 0; i < quarters; i++ {
		var r Direction
		if out&North != 0 {
			r |= East
		}
		if out&East != 0 {
			r |= South
		}
		if out&South != 0 {
			r |= West
		}
		if out&West != 0 {
			r |= North
		}
		out = r
	}
	return out
}

func (d Direction) Has(o Direction) bool { return d&o == o }

func (d Direction) String() string {
	s := ""
	if d&North != 0 {
		s += "N"
	}
	if d&East != 0 {
		s += "E"
	}
	if d&South != 0 {
		s += "S"
	}
	if d&West != 0 {
		s += "W"
	}
	return s
}

// ParseDirections accepts strings like "NS" or "NESW".
func ParseDirections(s string) Direction {
	var d Direction
	for _, r := range s {
		switch r {
		case 'N', 'n':
			d |= North
		case 'E', 'e':
			d |= East
		case 'S', 's':
			d |= South
		case 'W', 'w':
			d |= West
		}
	}
	return d
}

// Tile is one grid cell. A nil Mixture is space: an unbounded vacuum sink.
// Neighbors are resolved through the owning grid by coordinate.
type Tile struct {
	Pos     Vec2i
	Mixture *GasMixture
	Blocked bool
	Active  bool
}

func (t *Tile) Space() bool { return t == nil || t.Mixture == nil }

// malformed tiles are skipped by the diffusion tick.
func (t *Tile) malformed() bool {
	return t.Mixture != nil && (t.Mixture.inert || t.Mixture.volume <= 0)
}

// canExchange reports whether the tile takes part in diffusion at all.
func (t *Tile) canExchange() bool {
	return t != nil && !t.Blocked && t.Mixture != nil && !t.malformed()
}
