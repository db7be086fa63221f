package observerproto

// Version is the observer protocol version.
const Version = "0.1"

// Client -> Server. First message on the observer WS connection, and can be
// re-sent to switch grids or change the frame cadence.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	GridID          string `json:"grid_id"`
	EveryTicks      int    `json:"every_ticks"`
}

// HTTP response for GET /admin/v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string        `json:"protocol_version"`
	StationID       string        `json:"station_id"`
	Tick            uint64        `json:"tick"`
	TickRateHz      int           `json:"tick_rate_hz"`
	Species         []SpeciesInfo `json:"species"`
	Grids           []GridInfo    `json:"grids"`
	// PressureStep is the kPa width of one quantized pressure level.
	PressureStep float32 `json:"pressure_step_kpa"`
}

type SpeciesInfo struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	MolarMass float32 `json:"molar_mass"`
}

type GridInfo struct {
	ID     string `json:"id"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Server -> Client. Pressure map of the subscribed grid.
//
// Data holds one quantized level per tile in row-major order, RLE-encoded.
// Level 0 is "no gas or space"; NoTile marks absent tiles and Wall blocked
// ones.
type AtmosFrameMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`
	GridID          string `json:"grid_id"`
	Width           int    `json:"width"`
	Height          int    `json:"height"`
	Encoding        string `json:"encoding"`
	Data            string `json:"data"`

	ActiveTiles int                `json:"active_tiles"`
	TotalMoles  map[string]float64 `json:"total_moles"`
	Digest      string             `json:"digest"`
}

const (
	NoTile uint16 = 0xFFFF
	Wall   uint16 = 0xFFFE
)
