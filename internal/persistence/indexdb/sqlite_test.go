package indexdb

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"stationcraft.ai/internal/persistence/snapshot"
	"stationcraft.ai/internal/sim/catalogs"
	"stationcraft.ai/internal/sim/devices"
	"stationcraft.ai/internal/sim/station"
	"stationcraft.ai/internal/sim/tuning"
)

func openRaw(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func count(t *testing.T, db *sql.DB, q string, args ...any) int {
	t.Helper()
	var n int
	if err := db.QueryRow(q, args...).Scan(&n); err != nil {
		t.Fatalf("%s: %v", q, err)
	}
	return n
}

func TestSQLiteIndex_TicksEventsAudits(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index.sqlite")
	idx, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	rec, err := station.EncodeEvent(station.GridRemoved{ID: "aft"})
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}
	_ = idx.WriteTick(station.TickLogEntry{Tick: 7, Digest: "abc", Events: []station.EventRecord{rec, rec}, Rejected: 1, ActiveTiles: 3, Vented: 1.5})
	_ = idx.WriteTick(station.TickLogEntry{Tick: 8, Digest: "def"})
	_ = idx.WriteAudit(station.AuditEntry{Tick: 7, Event: "tile_added", Reason: "exists"})
	_ = idx.WriteAudit(station.AuditEntry{Tick: 7, Event: "node_removed", Reason: "unknown node"})
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db := openRaw(t, dbPath)
	if n := count(t, db, `SELECT COUNT(*) FROM ticks`); n != 2 {
		t.Fatalf("ticks=%d", n)
	}
	var digest string
	var events, rejected int
	var vented float64
	if err := db.QueryRow(`SELECT digest, events, rejected, vented FROM ticks WHERE tick=7`).Scan(&digest, &events, &rejected, &vented); err != nil {
		t.Fatalf("tick row: %v", err)
	}
	if digest != "abc" || events != 2 || rejected != 1 || vented != 1.5 {
		t.Fatalf("tick row: digest=%s events=%d rejected=%d vented=%v", digest, events, rejected, vented)
	}
	if n := count(t, db, `SELECT COUNT(*) FROM events WHERE tick=7 AND type='grid_removed'`); n != 2 {
		t.Fatalf("events=%d", n)
	}
	if n := count(t, db, `SELECT COUNT(*) FROM audits WHERE tick=7`); n != 2 {
		t.Fatalf("audits=%d", n)
	}
	var reason string
	if err := db.QueryRow(`SELECT reason FROM audits WHERE tick=7 AND seq=1`).Scan(&reason); err != nil || reason != "unknown node" {
		t.Fatalf("audit seq 1: reason=%q err=%v", reason, err)
	}
}

func testSnapshot() snapshot.SnapshotV1 {
	air := &snapshot.MixtureV1{Volume: 2500, Temperature: 293.15, Moles: []float32{21, 79, 0, 0, 0, 0}}
	return snapshot.SnapshotV1{
		Header: snapshot.Header{Version: snapshot.Version, StationID: "outpost", Tick: 3000},
		Grids: []snapshot.GridV1{{
			ID: "main", Width: 3, Height: 1,
			Tiles: []snapshot.TileV1{
				{X: 0, Y: 0, Blocked: true},
				{X: 1, Y: 0, Active: true, Mixture: air},
				{X: 2, Y: 0},
			},
		}},
		Devices: []snapshot.DeviceV1{
			{Spec: devices.Spec{Kind: devices.KindVent, ID: 1, Grid: "main", X: 1, Node: 4}},
			{Spec: devices.Spec{Kind: devices.KindCanister, ID: 2, Grid: "main", X: 1, Disabled: true}, Tank: air},
		},
		Counters: snapshot.CountersV1{Vented: 4, Created: 10},
	}
}

func TestSQLiteIndex_RecordSnapshotAndState(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index.sqlite")
	idx, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	snap := testSnapshot()
	idx.RecordSnapshot("/data/outpost/snapshots/3000.snap.zst", snap)
	idx.RecordSnapshotState(snap)
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	tick, path, ok, err := reopened.LatestSnapshot(context.Background())
	if err != nil || !ok || tick != 3000 || path != "/data/outpost/snapshots/3000.snap.zst" {
		t.Fatalf("LatestSnapshot: tick=%d path=%q ok=%v err=%v", tick, path, ok, err)
	}

	db := openRaw(t, dbPath)
	var tiles, blocked, space, active int
	var moles float64
	if err := db.QueryRow(`SELECT tiles, blocked, space, active, total_moles FROM grid_state WHERE tick=3000 AND grid='main'`).Scan(&tiles, &blocked, &space, &active, &moles); err != nil {
		t.Fatalf("grid_state: %v", err)
	}
	if tiles != 3 || blocked != 1 || space != 1 || active != 1 || moles != 100 {
		t.Fatalf("grid_state: tiles=%d blocked=%d space=%d active=%d moles=%v", tiles, blocked, space, active, moles)
	}
	var kind string
	var disabled int
	var tank float64
	if err := db.QueryRow(`SELECT kind, disabled, tank_moles FROM device_state WHERE tick=3000 AND device_id=2`).Scan(&kind, &disabled, &tank); err != nil {
		t.Fatalf("device_state: %v", err)
	}
	if kind != "canister" || disabled != 1 || tank != 100 {
		t.Fatalf("device_state: kind=%s disabled=%d tank=%v", kind, disabled, tank)
	}
}

func TestSQLiteIndex_LatestSnapshotEmpty(t *testing.T) {
	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "index.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer idx.Close()
	if _, _, ok, err := idx.LatestSnapshot(context.Background()); ok || err != nil {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
}

func TestSQLiteIndex_UpsertCatalogs(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index.sqlite")
	idx, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	cats := catalogs.Default()
	if err := idx.UpsertCatalogs("", cats, tuning.Defaults()); err != nil {
		t.Fatalf("UpsertCatalogs: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db := openRaw(t, dbPath)
	var digest string
	if err := db.QueryRow(`SELECT digest FROM catalogs WHERE name='gases'`).Scan(&digest); err != nil {
		t.Fatalf("gases row: %v", err)
	}
	if digest != cats.Gases.Digest {
		t.Fatalf("digest=%s want %s", digest, cats.Gases.Digest)
	}
	if n := count(t, db, `SELECT COUNT(*) FROM catalogs WHERE name='tuning'`); n != 1 {
		t.Fatalf("tuning rows=%d", n)
	}
}
