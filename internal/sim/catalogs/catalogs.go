package catalogs

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"stationcraft.ai/internal/sim/atmos"
)

//go:embed gases.schema.json
var gasesSchemaJSON string

type Catalogs struct {
	Gases GasCatalog
}

type GasCatalog struct {
	Defs   []GasDef
	Table  *atmos.Table
	Digest string
}

type GasDef struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	MolarMass    float32 `json:"molar_mass"`
	SpecificHeat float32 `json:"specific_heat"`
}

// Load reads every catalog under configDir.
func Load(configDir string) (*Catalogs, error) {
	var c Catalogs
	if err := loadGases(filepath.Join(configDir, "gases.json"), &c.Gases); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default is the built-in catalog matching atmos.DefaultTable.
func Default() *Catalogs {
	t := atmos.DefaultTable()
	defs := make([]GasDef, 0, atmos.NumGases)
	for _, g := range atmos.AllGases() {
		d := t.Def(g)
		defs = append(defs, GasDef{ID: d.ID, Name: d.Name, MolarMass: d.MolarMass, SpecificHeat: d.SpecificHeat})
	}
	raw, _ := json.Marshal(defs)
	return &Catalogs{Gases: GasCatalog{Defs: defs, Table: t, Digest: sha256Hex(raw)}}
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func gasesSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("gases.schema.json", strings.NewReader(gasesSchemaJSON)); err != nil {
		return nil, err
	}
	return c.Compile("gases.schema.json")
}

func loadGases(path string, out *GasCatalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return parseGases(raw, out)
}

func parseGases(raw []byte, out *GasCatalog) error {
	out.Digest = sha256Hex(raw)

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("gases.json: %w", err)
	}
	schema, err := gasesSchema()
	if err != nil {
		return fmt.Errorf("gases schema: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("gases.json: %w", err)
	}

	var defs []GasDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("gases.json: %w", err)
	}
	species := make([]atmos.SpeciesDef, 0, len(defs))
	for _, d := range defs {
		species = append(species, atmos.SpeciesDef{ID: d.ID, Name: d.Name, MolarMass: d.MolarMass, SpecificHeat: d.SpecificHeat})
	}
	table, err := atmos.NewTable(species)
	if err != nil {
		return fmt.Errorf("gases.json: %w", err)
	}
	out.Defs = defs
	out.Table = table
	return nil
}
