package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"stationcraft.ai/internal/persistence/snapshot"
)

// ShiftMeta is written next to each archived snapshot.
type ShiftMeta struct {
	Shift      int     `json:"shift"`
	StationID  string  `json:"station_id"`
	EndTick    uint64  `json:"end_tick"`
	ShiftTicks int     `json:"shift_ticks"`
	Snapshot   string  `json:"snapshot"`
	CreatedAt  string  `json:"created_at"`
	Grids      int     `json:"grids"`
	Devices    int     `json:"devices"`
	TotalMoles float64 `json:"total_moles"`
	Vented     float64 `json:"vented"`
	Created    float64 `json:"created"`
}

// ShiftOf reports which shift ends at tick. Shift k ends at tick
// shiftTicks*k, so only cadences that are multiples of the snapshot cadence
// ever see a shift end.
func ShiftOf(tick uint64, shiftTicks int) (int, bool) {
	if shiftTicks <= 0 || tick == 0 {
		return 0, false
	}
	n := uint64(shiftTicks)
	if tick%n != 0 {
		return 0, false
	}
	return int(tick / n), true
}

// ArchiveShiftSnapshot copies a shift-end snapshot into
// stationDir/archives/shift_<NNN>/. Other snapshots are ignored.
func ArchiveShiftSnapshot(stationDir, snapshotPath string, snap snapshot.SnapshotV1, shiftTicks int) (shift int, archivedPath string, archived bool, err error) {
	shift, ok := ShiftOf(snap.Header.Tick, shiftTicks)
	if !ok {
		return 0, "", false, nil
	}

	dir := filepath.Join(stationDir, "archives", fmt.Sprintf("shift_%03d", shift))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, "", false, err
	}
	dst := filepath.Join(dir, filepath.Base(snapshotPath))
	if err := copyFile(snapshotPath, dst); err != nil {
		return 0, "", false, err
	}

	meta := ShiftMeta{
		Shift:      shift,
		StationID:  snap.Header.StationID,
		EndTick:    snap.Header.Tick,
		ShiftTicks: shiftTicks,
		Snapshot:   filepath.Base(dst),
		CreatedAt:  time.Now().UTC().Format(time.RFC3339Nano),
		Grids:      len(snap.Grids),
		Devices:    len(snap.Devices),
		TotalMoles: totalMoles(snap),
		Vented:     snap.Counters.Vented,
		Created:    snap.Counters.Created,
	}
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return 0, "", false, err
	}
	if err := os.WriteFile(filepath.Join(dir, "meta.json"), b, 0o644); err != nil {
		return 0, "", false, err
	}
	return shift, dst, true, nil
}

// ReadShiftMeta loads the meta.json of one archived shift.
func ReadShiftMeta(stationDir string, shift int) (ShiftMeta, error) {
	var m ShiftMeta
	b, err := os.ReadFile(filepath.Join(stationDir, "archives", fmt.Sprintf("shift_%03d", shift), "meta.json"))
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(b, &m)
	return m, err
}

// totalMoles sums tile, pipe group and canister gas.
func totalMoles(snap snapshot.SnapshotV1) float64 {
	var sum float64
	add := func(moles []float32) {
		for _, v := range moles {
			sum += float64(v)
		}
	}
	for _, g := range snap.Grids {
		for _, t := range g.Tiles {
			if t.Mixture != nil {
				add(t.Mixture.Moles)
			}
		}
	}
	for _, g := range snap.Groups {
		add(g.Moles)
	}
	for _, d := range snap.Devices {
		if d.Tank != nil {
			add(d.Tank.Moles)
		}
	}
	return sum
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
