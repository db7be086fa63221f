package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	stationID := fs.String("station", "", "station id (required unless -db)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	tick := fs.Uint64("tick", 0, "snapshot tick (optional; defaults to latest)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "snapshots"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		if strings.TrimSpace(*stationID) == "" {
			fmt.Fprintln(os.Stderr, "missing -station or -db")
			os.Exit(2)
		}
		path = filepath.Join(*dataDir, "stations", *stationID, "index", "station.sqlite")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := runQuery(os.Stdout, db, q, *tick, *limit); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runQuery prints one JSON object per row. grids and devices read the
// state tables of one snapshot tick (latest when tick is 0).
func runQuery(w io.Writer, db *sql.DB, q string, tick uint64, limit int) error {
	if limit <= 0 {
		limit = 20
	}
	if q == "grids" || q == "devices" {
		if tick == 0 {
			lt, err := latestSnapshotTick(db)
			if err != nil {
				return fmt.Errorf("latest tick: %w", err)
			}
			if lt == 0 {
				return fmt.Errorf("no snapshots found")
			}
			tick = lt
		}
	}

	switch q {
	case "snapshots":
		return queryRows(w, db, func() any { return &snapshotRow{} }, func(r any) []any {
			x := r.(*snapshotRow)
			return []any{&x.Tick, &x.Path, &x.Station, &x.Grids, &x.Tiles, &x.Nodes, &x.Groups, &x.Devices, &x.Vented, &x.Created}
		}, `SELECT tick,path,station,grids,tiles,nodes,groups_count,devices,vented,created FROM snapshots ORDER BY tick DESC LIMIT ?`, limit)

	case "ticks":
		return queryRows(w, db, func() any { return &tickRow{} }, func(r any) []any {
			x := r.(*tickRow)
			return []any{&x.Tick, &x.Digest, &x.Events, &x.Rejected, &x.ActiveTiles, &x.ProcessedTiles, &x.Vented, &x.Created}
		}, `SELECT tick,digest,events,rejected,active_tiles,processed_tiles,vented,created FROM ticks ORDER BY tick DESC LIMIT ?`, limit)

	case "events":
		return queryRows(w, db, func() any { return &eventRow{} }, func(r any) []any {
			x := r.(*eventRow)
			return []any{&x.Tick, &x.Seq, &x.Type, &x.Data}
		}, `SELECT tick,seq,type,data_json FROM events ORDER BY tick DESC, seq DESC LIMIT ?`, limit)

	case "audits":
		return queryRows(w, db, func() any { return &auditRow{} }, func(r any) []any {
			x := r.(*auditRow)
			return []any{&x.Tick, &x.Seq, &x.Event, &x.Reason}
		}, `SELECT tick,seq,event,reason FROM audits ORDER BY tick DESC, seq DESC LIMIT ?`, limit)

	case "grids":
		return queryRows(w, db, func() any { return &gridRow{} }, func(r any) []any {
			x := r.(*gridRow)
			return []any{&x.Tick, &x.Grid, &x.Width, &x.Height, &x.Tiles, &x.Blocked, &x.Space, &x.Active, &x.TotalMoles}
		}, `SELECT tick,grid,width,height,tiles,blocked,space,active,total_moles FROM grid_state WHERE tick=? ORDER BY grid LIMIT ?`, int64(tick), limit)

	case "devices":
		return queryRows(w, db, func() any { return &deviceRow{} }, func(r any) []any {
			x := r.(*deviceRow)
			return []any{&x.Tick, &x.DeviceID, &x.Kind, &x.Grid, &x.X, &x.Y, &x.Disabled, &x.TankMoles, &x.Spec}
		}, `SELECT tick,device_id,kind,grid,x,y,disabled,tank_moles,spec_json FROM device_state WHERE tick=? ORDER BY device_id LIMIT ?`, int64(tick), limit)

	case "catalogs":
		return queryRows(w, db, func() any { return &catalogRow{} }, func(r any) []any {
			x := r.(*catalogRow)
			return []any{&x.Name, &x.Digest, &x.UpdatedAt}
		}, `SELECT name,digest,updated_at FROM catalogs ORDER BY name LIMIT ?`, limit)
	}
	return fmt.Errorf("unknown query %q (snapshots|ticks|events|audits|grids|devices|catalogs)", q)
}

type snapshotRow struct {
	Tick    int64   `json:"tick"`
	Path    string  `json:"path"`
	Station string  `json:"station"`
	Grids   int     `json:"grids"`
	Tiles   int     `json:"tiles"`
	Nodes   int     `json:"nodes"`
	Groups  int     `json:"groups"`
	Devices int     `json:"devices"`
	Vented  float64 `json:"vented"`
	Created float64 `json:"created"`
}

type tickRow struct {
	Tick           int64   `json:"tick"`
	Digest         string  `json:"digest"`
	Events         int     `json:"events"`
	Rejected       int     `json:"rejected"`
	ActiveTiles    int     `json:"active_tiles"`
	ProcessedTiles int     `json:"processed_tiles"`
	Vented         float64 `json:"vented"`
	Created        float64 `json:"created"`
}

type eventRow struct {
	Tick int64    `json:"tick"`
	Seq  int      `json:"seq"`
	Type string   `json:"type"`
	Data jsonText `json:"data"`
}

type auditRow struct {
	Tick   int64  `json:"tick"`
	Seq    int    `json:"seq"`
	Event  string `json:"event"`
	Reason string `json:"reason"`
}

type gridRow struct {
	Tick       int64   `json:"tick"`
	Grid       string  `json:"grid"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Tiles      int     `json:"tiles"`
	Blocked    int     `json:"blocked"`
	Space      int     `json:"space"`
	Active     int     `json:"active"`
	TotalMoles float64 `json:"total_moles"`
}

type deviceRow struct {
	Tick      int64    `json:"tick"`
	DeviceID  int64    `json:"device_id"`
	Kind      string   `json:"kind"`
	Grid      string   `json:"grid"`
	X         int      `json:"x"`
	Y         int      `json:"y"`
	Disabled  bool     `json:"disabled"`
	TankMoles float64  `json:"tank_moles"`
	Spec      jsonText `json:"spec"`
}

type catalogRow struct {
	Name      string `json:"name"`
	Digest    string `json:"digest"`
	UpdatedAt string `json:"updated_at"`
}

// jsonText scans a TEXT column holding JSON and emits it verbatim.
type jsonText []byte

func (j *jsonText) Scan(src any) error {
	switch v := src.(type) {
	case string:
		*j = jsonText(v)
	case []byte:
		*j = append((*j)[:0], v...)
	case nil:
		*j = nil
	default:
		return fmt.Errorf("jsonText: unsupported type %T", src)
	}
	return nil
}

func (j jsonText) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return []byte(j), nil
}

func queryRows(w io.Writer, db *sql.DB, newRow func() any, fields func(any) []any, query string, args ...any) error {
	rows, err := db.Query(query, args...)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		r := newRow()
		if err := rows.Scan(fields(r)...); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		writeJSON(w, r)
	}
	return rows.Err()
}

func latestSnapshotTick(db *sql.DB) (uint64, error) {
	var t sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(tick) FROM snapshots`).Scan(&t); err != nil {
		return 0, err
	}
	if !t.Valid || t.Int64 < 0 {
		return 0, nil
	}
	return uint64(t.Int64), nil
}

func writeJSON(w io.Writer, v any) {
	b, _ := json.Marshal(v)
	fmt.Fprintln(w, string(b))
}
