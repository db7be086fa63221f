package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"stationcraft.ai/internal/persistence/snapshot"
	"stationcraft.ai/internal/sim/catalogs"
	"stationcraft.ai/internal/sim/station"
	"stationcraft.ai/internal/sim/tuning"
)

// SQLiteIndex is a queryable secondary index over the tick and audit logs
// and the snapshot stream. Writes are queued and applied by one goroutine;
// the JSONL logs stay the source of truth, so a full queue drops rows.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTick          atomic.Uint64
	dropAudit         atomic.Uint64
	dropSnapshot      atomic.Uint64
	dropSnapshotState atomic.Uint64
}

type Stats struct {
	QueueDepth             int
	QueueCapacity          int
	DropTickTotal          uint64
	DropAuditTotal         uint64
	DropSnapshotTotal      uint64
	DropSnapshotStateTotal uint64
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqAudit
	reqSnapshot
	reqSnapshotState
)

type req struct {
	kind reqKind

	tick     station.TickLogEntry
	audit    station.AuditEntry
	snapshot snapshotRow
	state    snapshot.SnapshotV1
}

type snapshotRow struct {
	Tick    uint64
	Path    string
	Station string
	Grids   int
	Tiles   int
	Nodes   int
	Groups  int
	Devices int
	Vented  float64
	Created float64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, 65536)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL suits the append-only workload.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			tick INTEGER PRIMARY KEY,
			digest TEXT NOT NULL,
			events INTEGER NOT NULL,
			rejected INTEGER NOT NULL,
			active_tiles INTEGER NOT NULL,
			processed_tiles INTEGER NOT NULL,
			vented REAL NOT NULL,
			created REAL NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			data_json TEXT NOT NULL,
			PRIMARY KEY (tick, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_type_tick ON events(type, tick);`,
		`CREATE TABLE IF NOT EXISTS audits (
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			event TEXT NOT NULL,
			reason TEXT NOT NULL,
			PRIMARY KEY (tick, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			tick INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			station TEXT NOT NULL,
			grids INTEGER NOT NULL,
			tiles INTEGER NOT NULL,
			nodes INTEGER NOT NULL,
			groups_count INTEGER NOT NULL,
			devices INTEGER NOT NULL,
			vented REAL NOT NULL,
			created REAL NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS grid_state (
			tick INTEGER NOT NULL,
			grid TEXT NOT NULL,
			width INTEGER NOT NULL,
			height INTEGER NOT NULL,
			tiles INTEGER NOT NULL,
			blocked INTEGER NOT NULL,
			space INTEGER NOT NULL,
			active INTEGER NOT NULL,
			total_moles REAL NOT NULL,
			PRIMARY KEY (tick, grid)
		);`,
		`CREATE TABLE IF NOT EXISTS device_state (
			tick INTEGER NOT NULL,
			device_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			grid TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			disabled INTEGER NOT NULL,
			tank_moles REAL NOT NULL,
			spec_json TEXT NOT NULL,
			PRIMARY KEY (tick, device_id)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:             len(s.ch),
		QueueCapacity:          cap(s.ch),
		DropTickTotal:          s.dropTick.Load(),
		DropAuditTotal:         s.dropAudit.Load(),
		DropSnapshotTotal:      s.dropSnapshot.Load(),
		DropSnapshotStateTotal: s.dropSnapshotState.Load(),
	}
}

func (s *SQLiteIndex) enqueue(r req, drops *atomic.Uint64) {
	select {
	case s.ch <- r:
	default:
		drops.Add(1)
	}
}

func (s *SQLiteIndex) WriteTick(entry station.TickLogEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	s.enqueue(req{kind: reqTick, tick: entry}, &s.dropTick)
	return nil
}

func (s *SQLiteIndex) WriteAudit(entry station.AuditEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	s.enqueue(req{kind: reqAudit, audit: entry}, &s.dropAudit)
	return nil
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	if s == nil || s.closed.Load() {
		return
	}
	r := snapshotRow{
		Tick:    snap.Header.Tick,
		Path:    path,
		Station: snap.Header.StationID,
		Grids:   len(snap.Grids),
		Nodes:   len(snap.Nodes),
		Groups:  len(snap.Groups),
		Devices: len(snap.Devices),
		Vented:  snap.Counters.Vented,
		Created: snap.Counters.Created,
	}
	for _, g := range snap.Grids {
		r.Tiles += len(g.Tiles)
	}
	s.enqueue(req{kind: reqSnapshot, snapshot: r}, &s.dropSnapshot)
}

// RecordSnapshotState stores per-grid and per-device summaries of snap.
func (s *SQLiteIndex) RecordSnapshotState(snap snapshot.SnapshotV1) {
	if s == nil || s.closed.Load() {
		return
	}
	s.enqueue(req{kind: reqSnapshotState, state: snap}, &s.dropSnapshotState)
}

// LatestSnapshot returns the newest recorded snapshot path.
func (s *SQLiteIndex) LatestSnapshot(ctx context.Context) (uint64, string, bool, error) {
	var (
		tick int64
		path string
	)
	err := s.db.QueryRowContext(ctx, `SELECT tick, path FROM snapshots ORDER BY tick DESC LIMIT 1`).Scan(&tick, &path)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", false, nil
	}
	if err != nil {
		return 0, "", false, err
	}
	return uint64(tick), path, true, nil
}

func (s *SQLiteIndex) UpsertCatalogs(configDir string, cats *catalogs.Catalogs, tune tuning.Tuning) error {
	if s == nil {
		return nil
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	type kv struct {
		name   string
		digest string
		json   []byte
	}
	var rows []kv
	if configDir != "" {
		if b, err := os.ReadFile(filepath.Join(configDir, "gases.json")); err == nil {
			rows = append(rows, kv{name: "gases_raw", digest: digestOf(b), json: b})
		}
	}
	if cats != nil {
		if b, _ := json.Marshal(cats.Gases.Defs); len(b) > 0 {
			rows = append(rows, kv{name: "gases", digest: cats.Gases.Digest, json: b})
		}
	}
	// Tuning: the values actually applied, as canonical JSON.
	if b, _ := json.Marshal(tune); len(b) > 0 {
		rows = append(rows, kv{name: "tuning", digest: digestOf(b), json: b})
	}

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if r.name == "" || r.digest == "" || len(r.json) == 0 {
			continue
		}
		if _, err := stmt.Exec(r.name, r.digest, string(r.json), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func digestOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(tick,digest,events,rejected,active_tiles,processed_tiles,vented,created,raw_json) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertEvent, _ := s.db.Prepare(`INSERT OR REPLACE INTO events(tick,seq,type,data_json) VALUES(?,?,?,?)`)
	insertAudit, _ := s.db.Prepare(`INSERT OR REPLACE INTO audits(tick,seq,event,reason) VALUES(?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(tick,path,station,grids,tiles,nodes,groups_count,devices,vented,created) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	insertGrid, _ := s.db.Prepare(`INSERT OR REPLACE INTO grid_state(tick,grid,width,height,tiles,blocked,space,active,total_moles) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertDevice, _ := s.db.Prepare(`INSERT OR REPLACE INTO device_state(tick,device_id,kind,grid,x,y,disabled,tank_moles,spec_json) VALUES(?,?,?,?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertTick, insertEvent, insertAudit, insertSnapshot, insertGrid, insertDevice} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second

		lastAuditTick uint64
		auditSeq      int
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) bool {
		if st == nil || tx == nil {
			return false
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return false
		}
		opCount++
		return true
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqTick:
			t := r.tick
			b, _ := json.Marshal(t)
			if !exec(insertTick, int64(t.Tick), t.Digest, len(t.Events), t.Rejected, t.ActiveTiles, t.ProcessedTiles, t.Vented, t.Created, string(b)) {
				continue
			}
			for i, ev := range t.Events {
				if !exec(insertEvent, int64(t.Tick), i, ev.Type, string(ev.Data)) {
					break
				}
			}

		case reqAudit:
			a := r.audit
			if a.Tick != lastAuditTick {
				lastAuditTick = a.Tick
				auditSeq = 0
			}
			seq := auditSeq
			auditSeq++
			exec(insertAudit, int64(a.Tick), seq, a.Event, a.Reason)

		case reqSnapshot:
			sn := r.snapshot
			exec(insertSnapshot, int64(sn.Tick), sn.Path, sn.Station, sn.Grids, sn.Tiles, sn.Nodes, sn.Groups, sn.Devices, sn.Vented, sn.Created)

		case reqSnapshotState:
			s.writeState(r.state, exec, insertGrid, insertDevice)
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}

func (s *SQLiteIndex) writeState(snap snapshot.SnapshotV1, exec func(*sql.Stmt, ...any) bool, insertGrid, insertDevice *sql.Stmt) {
	tick := int64(snap.Header.Tick)
	for _, g := range snap.Grids {
		var blocked, space, active int
		var moles float64
		for _, t := range g.Tiles {
			switch {
			case t.Blocked:
				blocked++
			case t.Mixture == nil:
				space++
			}
			if t.Active {
				active++
			}
			moles += mixtureMoles(t.Mixture)
		}
		if !exec(insertGrid, tick, g.ID, g.Width, g.Height, len(g.Tiles), blocked, space, active, moles) {
			return
		}
	}
	for _, d := range snap.Devices {
		spec, _ := json.Marshal(d.Spec)
		if !exec(insertDevice, tick, int64(d.Spec.ID), string(d.Spec.Kind), d.Spec.Grid, d.Spec.X, d.Spec.Y, boolInt(d.Spec.Disabled), mixtureMoles(d.Tank), string(spec)) {
			return
		}
	}
}

func mixtureMoles(m *snapshot.MixtureV1) float64 {
	if m == nil {
		return 0
	}
	var sum float64
	for _, v := range m.Moles {
		sum += float64(v)
	}
	return sum
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
