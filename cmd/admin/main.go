package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"stationcraft.ai/internal/persistence/archive"
	persistlog "stationcraft.ai/internal/persistence/log"
	"stationcraft.ai/internal/sim/station"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "audit":
			auditCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		case "readout":
			readoutCmd(os.Args[2:])
			return
		case "shifts":
			shiftsCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	stationID := fs.String("station", "", "station id (optional)")
	_ = fs.Parse(args)

	base := filepath.Join(*dataDir, "stations")
	if *stationID != "" {
		base = filepath.Join(base, *stationID)
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		fmt.Println(e.Name())
	}
}

func auditCmd(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	stationID := fs.String("station", "", "station id")
	sinceTick := fs.Uint64("since_tick", 0, "first tick (inclusive)")
	toTick := fs.Uint64("to_tick", 0, "last tick (inclusive, optional)")
	event := fs.String("event", "", "event name filter, e.g. tile_added (optional)")
	limit := fs.Int("limit", 0, "stop after this many entries (optional)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*stationID) == "" {
		fmt.Fprintln(os.Stderr, "missing -station")
		os.Exit(2)
	}
	dir := filepath.Join(*dataDir, "stations", *stationID, "audit")
	f := auditFilter{Since: *sinceTick, To: *toTick, Event: strings.TrimSpace(*event), Limit: *limit}
	n, err := writeAudits(os.Stdout, dir, f)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read audit:", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "%d entries\n", n)
}

type auditFilter struct {
	Since uint64
	To    uint64
	Event string
	Limit int
}

func (f auditFilter) match(e station.AuditEntry) bool {
	if e.Tick < f.Since || (f.To != 0 && e.Tick > f.To) {
		return false
	}
	return f.Event == "" || e.Event == f.Event
}

var errLimit = errors.New("limit reached")

// writeAudits prints matching audit entries as JSON lines, oldest first.
func writeAudits(w io.Writer, dir string, f auditFilter) (int, error) {
	files, err := persistlog.ListFiles(dir, "audit")
	if err != nil {
		return 0, err
	}
	sort.Strings(files)
	n := 0
	for _, path := range files {
		err := persistlog.ReadAudits(path, func(e station.AuditEntry) error {
			if !f.match(e) {
				return nil
			}
			writeJSON(w, e)
			n++
			if f.Limit > 0 && n >= f.Limit {
				return errLimit
			}
			return nil
		})
		if errors.Is(err, errLimit) {
			break
		}
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func shiftsCmd(args []string) {
	fs := flag.NewFlagSet("shifts", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	stationID := fs.String("station", "", "station id")
	_ = fs.Parse(args)

	if strings.TrimSpace(*stationID) == "" {
		fmt.Fprintln(os.Stderr, "missing -station")
		os.Exit(2)
	}
	if err := writeShifts(os.Stdout, filepath.Join(*dataDir, "stations", *stationID)); err != nil {
		fmt.Fprintln(os.Stderr, "shifts:", err)
		os.Exit(1)
	}
}

// writeShifts prints the meta of every archived shift, oldest first.
func writeShifts(w io.Writer, stationDir string) error {
	entries, err := os.ReadDir(filepath.Join(stationDir, "archives"))
	if err != nil {
		return err
	}
	var shifts []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(e.Name(), "shift_%d", &n); err == nil && n > 0 {
			shifts = append(shifts, n)
		}
	}
	sort.Ints(shifts)
	for _, n := range shifts {
		m, err := archive.ReadShiftMeta(stationDir, n)
		if err != nil {
			return err
		}
		writeJSON(w, m)
	}
	return nil
}
