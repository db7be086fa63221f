package tuning

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"stationcraft.ai/internal/sim/atmos"
	"stationcraft.ai/internal/sim/station"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	TickRateHz         int     `yaml:"tick_rate_hz"`
	SnapshotEveryTicks int     `yaml:"snapshot_every_ticks"`
	PressureStepKPa    float32 `yaml:"pressure_step_kpa"`

	Atmos   Atmos   `yaml:"atmos"`
	Devices Devices `yaml:"devices"`
}

type Atmos struct {
	DiffusionRate       float32 `yaml:"diffusion_rate"`
	HeatExchangeRate    float32 `yaml:"heat_exchange_rate"`
	SpaceBleedRate      float32 `yaml:"space_bleed_rate"`
	MinMolesDelta       float32 `yaml:"min_moles_delta"`
	MinTemperatureDelta float32 `yaml:"min_temperature_delta"`
	MaxTilesPerTick     int     `yaml:"max_tiles_per_tick"`
	TickBudgetMs        float64 `yaml:"tick_budget_ms"`
	TileVolume          float32 `yaml:"tile_volume"`
}

type Devices struct {
	// GeneratorMaxPressure applies to generators that set no limit of their own.
	GeneratorMaxPressure float32 `yaml:"generator_max_pressure"`
}

func Defaults() Tuning {
	a := atmos.DefaultConfig()
	return Tuning{
		ProtocolVersion:    "0.1",
		TickRateHz:         5,
		SnapshotEveryTicks: 3000,
		PressureStepKPa:    1,
		Atmos: Atmos{
			DiffusionRate:       a.DiffusionRate,
			HeatExchangeRate:    a.HeatExchangeRate,
			SpaceBleedRate:      a.SpaceBleedRate,
			MinMolesDelta:       a.MinMolesDelta,
			MinTemperatureDelta: a.MinTemperatureDelta,
			MaxTilesPerTick:     a.MaxTilesPerTick,
			TickBudgetMs:        float64(a.TickBudget) / float64(time.Millisecond),
			TileVolume:          a.TileVolume,
		},
		Devices: Devices{GeneratorMaxPressure: atmos.MaxOutputPressure},
	}
}

// Load overlays tuning.yaml on Defaults. Unknown keys are rejected.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil && !errors.Is(err, io.EOF) {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	if t.TickRateHz <= 0 || t.TickRateHz > 1000 {
		return fmt.Errorf("tick_rate_hz must be in [1,1000], got %d", t.TickRateHz)
	}
	if t.SnapshotEveryTicks < 0 {
		return fmt.Errorf("snapshot_every_ticks must be >= 0")
	}
	if !positive(t.PressureStepKPa) {
		return fmt.Errorf("pressure_step_kpa must be > 0")
	}
	a := t.Atmos
	if !positive(a.DiffusionRate) || a.DiffusionRate > 0.25 {
		return fmt.Errorf("atmos.diffusion_rate must be in (0,0.25], got %v", a.DiffusionRate)
	}
	if !fraction(a.HeatExchangeRate) {
		return fmt.Errorf("atmos.heat_exchange_rate must be in [0,1], got %v", a.HeatExchangeRate)
	}
	if !fraction(a.SpaceBleedRate) || a.SpaceBleedRate > 0.25 {
		return fmt.Errorf("atmos.space_bleed_rate must be in [0,0.25], got %v", a.SpaceBleedRate)
	}
	if !positive(a.MinMolesDelta) || !positive(a.MinTemperatureDelta) {
		return fmt.Errorf("atmos thresholds must be > 0")
	}
	if a.MaxTilesPerTick < 0 || a.TickBudgetMs < 0 || math.IsNaN(a.TickBudgetMs) {
		return fmt.Errorf("atmos budgets must be >= 0")
	}
	if !positive(a.TileVolume) {
		return fmt.Errorf("atmos.tile_volume must be > 0")
	}
	if !positive(t.Devices.GeneratorMaxPressure) {
		return fmt.Errorf("devices.generator_max_pressure must be > 0")
	}
	return nil
}

func (t Tuning) AtmosConfig() atmos.Config {
	a := t.Atmos
	return atmos.Config{
		DiffusionRate:       a.DiffusionRate,
		HeatExchangeRate:    a.HeatExchangeRate,
		SpaceBleedRate:      a.SpaceBleedRate,
		MinMolesDelta:       a.MinMolesDelta,
		MinTemperatureDelta: a.MinTemperatureDelta,
		MaxTilesPerTick:     a.MaxTilesPerTick,
		TickBudget:          time.Duration(a.TickBudgetMs * float64(time.Millisecond)),
		TileVolume:          a.TileVolume,
	}
}

func (t Tuning) StationConfig(id string) station.Config {
	return station.Config{
		ID:                 id,
		TickRateHz:         t.TickRateHz,
		SnapshotEveryTicks: t.SnapshotEveryTicks,
		PressureStep:       t.PressureStepKPa,
		Atmos:              t.AtmosConfig(),
	}
}

func positive(v float32) bool {
	f := float64(v)
	return f > 0 && !math.IsInf(f, 0)
}

func fraction(v float32) bool { return v >= 0 && v <= 1 }
