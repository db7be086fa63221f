package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"stationcraft.ai/internal/persistence/snapshot"
	"stationcraft.ai/internal/sim/catalogs"
	"stationcraft.ai/internal/sim/station"
	"stationcraft.ai/internal/sim/stationmap"
	"stationcraft.ai/internal/sim/tuning"
)

func buildTestStation(t *testing.T) (*station.Station, *catalogs.Catalogs) {
	t.Helper()
	m, err := stationmap.Load("")
	if err != nil {
		t.Fatalf("stationmap.Load: %v", err)
	}
	cats := catalogs.Default()
	tune := tuning.Defaults()
	m.ApplyDeviceDefaults(tune.Devices)
	st, err := stationmap.Build(m, tune.StationConfig("alpha"), cats.Gases.Table, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return st, cats
}

func TestLatestSnapshot_PicksHighestTick(t *testing.T) {
	dir := t.TempDir()
	snaps := filepath.Join(dir, "snapshots")
	if err := os.MkdirAll(snaps, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, name := range []string{"90.snap.zst", "1200.snap.zst", "300.snap.zst", "junk.snap.zst", "1500.snap.zst.tmp"} {
		if err := os.WriteFile(filepath.Join(snaps, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if got := latestSnapshot(dir); filepath.Base(got) != "1200.snap.zst" {
		t.Fatalf("latestSnapshot=%q", got)
	}
	if got := latestSnapshot(t.TempDir()); got != "" {
		t.Fatalf("empty dir: %q", got)
	}
}

func TestResumeStation_ContinuesAfterSnapshotTick(t *testing.T) {
	st, cats := buildTestStation(t)
	var digest string
	for i := 0; i < 10; i++ {
		_, digest = st.StepOnce(nil)
	}
	snap := st.ExportSnapshot(9)

	dir := t.TempDir()
	path, err := writeSnapshot(dir, snap)
	if err != nil {
		t.Fatalf("writeSnapshot: %v", err)
	}
	if latestSnapshot(dir) != path {
		t.Fatalf("latestSnapshot did not find %s", path)
	}

	tune := tuning.Defaults()
	resumed, err := resumeStation(path, "alpha", tune, cats, nil)
	if err != nil {
		t.Fatalf("resumeStation: %v", err)
	}
	if resumed.CurrentTick() != 10 {
		t.Fatalf("tick=%d want 10", resumed.CurrentTick())
	}
	_, a := st.StepOnce(nil)
	_, b := resumed.StepOnce(nil)
	if a != b {
		t.Fatalf("digest diverged after resume: %s vs %s (pre %s)", a, b, digest)
	}

	if _, err := resumeStation(path, "beta", tune, cats, nil); err == nil {
		t.Fatalf("expected station id mismatch")
	}
}

func TestAdminEndpoints_LoopbackOnly(t *testing.T) {
	st, _ := buildTestStation(t)
	mux := http.NewServeMux()
	registerAdmin(mux, st, nil)

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/state", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("remote state: code=%d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/v1/state", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("local state: code=%d", rr.Code)
	}
	var body struct {
		StationID string `json:"station_id"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil || body.StationID != "alpha" {
		t.Fatalf("state body=%s err=%v", rr.Body.String(), err)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/v1/snapshot", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("snapshot GET: code=%d", rr.Code)
	}
}

func TestStationCollector_ExportsGauges(t *testing.T) {
	st, _ := buildTestStation(t)
	st.StepOnce(nil)

	reg := prometheus.NewRegistry()
	reg.MustRegister(newStationCollector(st, &mirrorRuntime{}, nil))
	fams, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	byName := map[string]int{}
	var tick float64
	for _, f := range fams {
		byName[f.GetName()] = len(f.GetMetric())
		if f.GetName() == "stationcraft_tick" {
			tick = f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	if tick != 1 {
		t.Fatalf("tick=%v want 1", tick)
	}
	if byName["stationcraft_boundary_moles"] != 2 {
		t.Fatalf("boundary series=%d", byName["stationcraft_boundary_moles"])
	}
	if byName["stationcraft_total_moles"] == 0 {
		t.Fatalf("missing total_moles")
	}
	if _, ok := byName["stationcraft_mirror_queue"]; ok {
		t.Fatalf("mirror metrics exported while disabled")
	}
}

type countingTickLogger struct{ n int }

func (c *countingTickLogger) WriteTick(station.TickLogEntry) error { c.n++; return nil }

func TestMultiTickLogger_FansOut(t *testing.T) {
	a, b := &countingTickLogger{}, &countingTickLogger{}
	m := multiTickLogger{a: a, b: b}
	_ = m.WriteTick(station.TickLogEntry{Tick: 1})
	_ = multiTickLogger{a: a}.WriteTick(station.TickLogEntry{Tick: 2})
	if a.n != 2 || b.n != 1 {
		t.Fatalf("a=%d b=%d", a.n, b.n)
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("SC_TEST_BOOL", "true")
	t.Setenv("SC_TEST_INT", "-3")
	if !envBool("SC_TEST_BOOL", false) || envBool("SC_TEST_MISSING", false) {
		t.Fatalf("envBool")
	}
	if envInt("SC_TEST_INT", 7) != 7 || envInt("SC_TEST_MISSING", 5) != 5 {
		t.Fatalf("envInt")
	}
	t.Setenv("DEPLOY_ENV", "production")
	if defaultEnableAdminHTTP() {
		t.Fatalf("admin should be off in production")
	}
}

func TestOpenRuntimeIndex_Backends(t *testing.T) {
	dir := t.TempDir()
	if idx, err := openRuntimeIndex(dir, true); idx != nil || err != nil {
		t.Fatalf("disabled: idx=%v err=%v", idx, err)
	}
	t.Setenv("SC_INDEX_BACKEND", "bogus")
	if _, err := openRuntimeIndex(dir, false); err == nil {
		t.Fatalf("expected unsupported backend error")
	}
	t.Setenv("SC_INDEX_BACKEND", "sqlite")
	idx, err := openRuntimeIndex(dir, false)
	if err != nil || idx == nil {
		t.Fatalf("sqlite: idx=%v err=%v", idx, err)
	}
	defer idx.Close()
	idx.RecordSnapshot("x", snapshot.SnapshotV1{})
}

func TestBuildMirrorRuntime_DisabledAndMisconfigured(t *testing.T) {
	t.Setenv("SC_S3_MIRROR", "")
	r, err := buildMirrorRuntime(t.Context(), t.TempDir(), nil)
	if err != nil || r.enabled {
		t.Fatalf("disabled: r=%+v err=%v", r, err)
	}
	r.Enqueue("anything")
	r.Close()

	t.Setenv("SC_S3_MIRROR", "true")
	t.Setenv("SC_S3_BUCKET", "")
	if _, err := buildMirrorRuntime(t.Context(), t.TempDir(), nil); err == nil {
		t.Fatalf("expected missing bucket error")
	}
}
