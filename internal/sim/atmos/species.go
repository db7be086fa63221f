package atmos

import (
	"fmt"
	"math"
	"strings"
)

type Gas int

const (
	Oxygen Gas = iota
	Nitrogen
	CarbonDioxide
	Plasma
	Tritium
	WaterVapor
)

// NumGases is the fixed length of every mixture's mole vector.
const NumGases = 6

var gasIDs = [NumGases]string{"O2", "N2", "CO2", "PLASMA", "TRITIUM", "H2O"}

func (g Gas) String() string {
	if g < 0 || int(g) >= NumGases {
		return fmt.Sprintf("GAS(%d)", int(g))
	}
	return gasIDs[g]
}

func (g Gas) Valid() bool { return g >= 0 && int(g) < NumGases }

// ParseGas maps a catalog id (case-insensitive) to its Gas.
func ParseGas(id string) (Gas, error) {
	id = strings.ToUpper(strings.TrimSpace(id))
	for i, s := range gasIDs {
		if s == id {
			return Gas(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownGas, id)
}

// AllGases lists every species in index order.
func AllGases() []Gas {
	out := make([]Gas, NumGases)
	for i := range out {
		out[i] = Gas(i)
	}
	return out
}

type SpeciesDef struct {
	ID           string
	Name         string
	MolarMass    float32 // g/mol
	SpecificHeat float32 // J/(mol*K)
}

// Table is the immutable per-species property set shared by mixtures.
type Table struct {
	defs [NumGases]SpeciesDef
}

var defaultTable = &Table{defs: [NumGases]SpeciesDef{
	{ID: "O2", Name: "Oxygen", MolarMass: 32, SpecificHeat: 20},
	{ID: "N2", Name: "Nitrogen", MolarMass: 28, SpecificHeat: 30},
	{ID: "CO2", Name: "Carbon Dioxide", MolarMass: 44, SpecificHeat: 30},
	{ID: "PLASMA", Name: "Plasma", MolarMass: 120, SpecificHeat: 200},
	{ID: "TRITIUM", Name: "Tritium", MolarMass: 6, SpecificHeat: 10},
	{ID: "H2O", Name: "Water Vapor", MolarMass: 18, SpecificHeat: 40},
}}

func DefaultTable() *Table { return defaultTable }

// NewTable builds a table from catalog definitions. Every gas must be defined
// exactly once with positive, finite properties.
func NewTable(defs []SpeciesDef) (*Table, error) {
	if len(defs) != NumGases {
		return nil, fmt.Errorf("%w: want %d species, got %d", ErrInvalidTable, NumGases, len(defs))
	}
	var t Table
	var seen [NumGases]bool
	for _, d := range defs {
		g, err := ParseGas(d.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTable, err)
		}
		if seen[g] {
			return nil, fmt.Errorf("%w: duplicate species %s", ErrInvalidTable, g)
		}
		if !positiveFinite(d.MolarMass) || !positiveFinite(d.SpecificHeat) {
			return nil, fmt.Errorf("%w: species %s needs positive molar mass and specific heat", ErrInvalidTable, g)
		}
		seen[g] = true
		d.ID = g.String()
		t.defs[g] = d
	}
	return &t, nil
}

func (t *Table) Def(g Gas) SpeciesDef {
	if t == nil {
		t = defaultTable
	}
	if !g.Valid() {
		return SpeciesDef{}
	}
	return t.defs[g]
}

func (t *Table) SpecificHeat(g Gas) float32 { return t.Def(g).SpecificHeat }
func (t *Table) MolarMass(g Gas) float32    { return t.Def(g).MolarMass }

func positiveFinite(v float32) bool {
	f := float64(v)
	return f > 0 && !math.IsNaN(f) && !math.IsInf(f, 0)
}
