package atmos

import "errors"

// Units: pressure kPa, volume liters, temperature kelvin, energy joules.
const (
	// R is the ideal gas constant in J/(mol*K). With volumes in liters,
	// nRT/V comes out in kPa.
	R = 8.314462618

	TCMB          = 2.7
	T0C           = 273.15
	T20C          = 293.15
	OneAtmosphere = 101.325

	// CellVolume is the gas volume of one station tile.
	CellVolume = 2500

	// MolesCellStandard is one tile of air at one atmosphere and 20C.
	MolesCellStandard = OneAtmosphere * CellVolume / (T20C * R)

	OxygenStandard   = 0.21
	NitrogenStandard = 0.79

	// GasMinMoles is the floor below which a species amount is exactly zero.
	GasMinMoles = 0.00000005

	MinimumHeatCapacity = 0.0003

	HazardHighPressure        = 550
	WarningHighPressure       = 385
	WarningLowPressure        = 50
	HazardLowPressure         = 20
	SafeOxygenPartialPressure = 16
	HazardColdTemperature     = 260
	HazardHotTemperature      = 360

	DefaultPipeVolume = 200
	MaxOutputPressure = 4500
	DefaultTankVolume = 1000
)

var (
	ErrCorruptGrid  = errors.New("atmos: corrupt grid")
	ErrOutOfBounds  = errors.New("atmos: coordinates out of bounds")
	ErrNoTile       = errors.New("atmos: no tile at coordinates")
	ErrUnknownGrid  = errors.New("atmos: unknown grid")
	ErrInvalidGrid  = errors.New("atmos: invalid grid dimensions")
	ErrInvalidTable = errors.New("atmos: invalid species table")
	ErrUnknownGas   = errors.New("atmos: unknown gas")
)
