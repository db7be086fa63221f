package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"stationcraft.ai/internal/sim/devices"
)

const Version = 1

type Header struct {
	Version   int    `json:"version"`
	StationID string `json:"station_id"`
	Tick      uint64 `json:"tick"`
}

// SnapshotV1 is the complete persisted state of a station. Floats are kept
// at their in-memory float32 precision so a round trip is exact.
type SnapshotV1 struct {
	Header Header `json:"header"`

	TickRate           int     `json:"tick_rate_hz"`
	SnapshotEveryTicks int     `json:"snapshot_every_ticks,omitempty"`
	Atmos              AtmosV1 `json:"atmos"`

	Grids   []GridV1   `json:"grids"`
	Nodes   []NodeV1   `json:"nodes"`
	Groups  []GroupV1  `json:"groups"`
	Devices []DeviceV1 `json:"devices"`

	Counters CountersV1 `json:"counters"`
}

// AtmosV1 mirrors the diffusion tuning in effect when the snapshot was taken.
type AtmosV1 struct {
	DiffusionRate       float32 `json:"diffusion_rate"`
	HeatExchangeRate    float32 `json:"heat_exchange_rate"`
	SpaceBleedRate      float32 `json:"space_bleed_rate"`
	MinMolesDelta       float32 `json:"min_moles_delta"`
	MinTemperatureDelta float32 `json:"min_temperature_delta"`
	MaxTilesPerTick     int     `json:"max_tiles_per_tick,omitempty"`
	TickBudgetMicros    int64   `json:"tick_budget_us,omitempty"`
	TileVolume          float32 `json:"tile_volume"`
}

type GridV1 struct {
	ID     string   `json:"id"`
	Width  int      `json:"width"`
	Height int      `json:"height"`
	Cursor int      `json:"cursor,omitempty"`
	Tiles  []TileV1 `json:"tiles"`
}

// TileV1 is one present tile. Space tiles carry no mixture.
type TileV1 struct {
	X       int        `json:"x"`
	Y       int        `json:"y"`
	Blocked bool       `json:"blocked,omitempty"`
	Active  bool       `json:"active,omitempty"`
	Mixture *MixtureV1 `json:"mixture,omitempty"`
}

type MixtureV1 struct {
	Volume      float32   `json:"volume"`
	Temperature float32   `json:"temperature"`
	Moles       []float32 `json:"moles"`
}

type NodeV1 struct {
	ID                uint64  `json:"id"`
	Owner             string  `json:"owner,omitempty"`
	Grid              string  `json:"grid"`
	X                 int     `json:"x"`
	Y                 int     `json:"y"`
	Rotation          int     `json:"rotation,omitempty"`
	Directions        uint8   `json:"directions"`
	Volume            float32 `json:"volume"`
	Anchored          bool    `json:"anchored"`
	MovementSensitive bool    `json:"movement_sensitive,omitempty"`
	RotationSensitive bool    `json:"rotation_sensitive,omitempty"`
	Group             uint64  `json:"group,omitempty"`
}

type GroupV1 struct {
	ID          uint64    `json:"id"`
	Members     []uint64  `json:"members"`
	Temperature float32   `json:"temperature"`
	Moles       []float32 `json:"moles"`
}

// DeviceV1 is a device in registration order. Tank holds canister contents.
type DeviceV1 struct {
	Spec devices.Spec `json:"spec"`
	Tank *MixtureV1   `json:"tank,omitempty"`
}

type CountersV1 struct {
	NextGroup uint64  `json:"next_group"`
	Vented    float64 `json:"vented"`
	Created   float64 `json:"created"`
}

// WriteSnapshot writes zstd(json header line + gob body) to path atomically
// via a temp file in the same directory.
func WriteSnapshot(path string, snap SnapshotV1) error {
	if snap.Header.Version == 0 {
		snap.Header.Version = Version
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := encode(f, snap); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func encode(f *os.File, snap SnapshotV1) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		_ = enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		_ = enc.Close()
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		_ = enc.Close()
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// The gob body repeats the header.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}

// ReadHeader decodes only the leading header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}
