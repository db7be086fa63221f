package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stationcraft.ai/internal/persistence/archive"
	persistlog "stationcraft.ai/internal/persistence/log"
	"stationcraft.ai/internal/persistence/snapshot"
	"stationcraft.ai/internal/sim/catalogs"
	"stationcraft.ai/internal/sim/station"
	"stationcraft.ai/internal/sim/stationmap"
	"stationcraft.ai/internal/sim/tuning"
	"stationcraft.ai/internal/transport/observer"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		stationID  = flag.String("station", "", "station id (default: station_id from the map)")
		configDir  = flag.String("configs", "./configs", "config directory")
		mapPath    = flag.String("map", "", "path to station.yaml (default: <configs>/station.yaml)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		disableDB  = flag.Bool("disable_db", false, "disable indexing (tick/audit + catalogs + snapshot metadata)")

		snapPath   = flag.String("snapshot", "", "path to snapshot to load (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "load latest snapshot from data dir if present (when -snapshot is empty)")
		shiftTicks = flag.Int("archive_shift_ticks", 0, "copy the snapshot ending every N ticks into archives/ (0 disables; must be a multiple of the snapshot cadence)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cats, err := catalogs.Load(*configDir)
	if err != nil {
		logger.Fatalf("load catalogs: %v", err)
	}

	mp := strings.TrimSpace(*mapPath)
	if mp == "" {
		mp = filepath.Join(*configDir, "station.yaml")
	}
	smap, err := stationmap.Load(mp)
	if err != nil {
		logger.Fatalf("load station map: %v", err)
	}
	id := strings.TrimSpace(*stationID)
	if id == "" {
		id = smap.StationID
	}

	stationDir := filepath.Join(*dataDir, "stations", id)
	_ = os.MkdirAll(stationDir, 0o755)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}

	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" && *loadLatest {
		snapshotToLoad = latestSnapshot(stationDir)
	}

	// Tuning is required for a fresh station; a resume carries its own.
	tune, tuneErr := tuning.Load(tp)
	if tuneErr != nil {
		if snapshotToLoad == "" || !os.IsNotExist(tuneErr) {
			logger.Fatalf("load tuning: %v", tuneErr)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}

	idx, err := openRuntimeIndex(stationDir, *disableDB)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.UpsertCatalogs(*configDir, cats, tune); err != nil {
			logger.Printf("index backend: upsert catalogs: %v", err)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	mirror, err := buildMirrorRuntime(ctx, *dataDir, logger)
	if err != nil {
		logger.Fatalf("init s3 mirror: %v", err)
	}
	defer mirror.Close()

	simLogger := log.New(os.Stdout, "[station] ", log.LstdFlags|log.Lmicroseconds)
	var st *station.Station
	if snapshotToLoad != "" {
		st, err = resumeStation(snapshotToLoad, id, tune, cats, simLogger)
		if err != nil {
			logger.Fatalf("resume: %v", err)
		}
		logger.Printf("resumed from snapshot=%s tick=%d", filepath.Base(snapshotToLoad), st.CurrentTick())
	} else {
		smap.ApplyDeviceDefaults(tune.Devices)
		st, err = stationmap.Build(smap, tune.StationConfig(id), cats.Gases.Table, simLogger)
		if err != nil {
			logger.Fatalf("build station: %v", err)
		}
		logger.Printf("fresh station=%s grids=%d devices=%d", id, len(smap.Grids), len(smap.Devices))
	}

	if every := st.Config().SnapshotEveryTicks; *shiftTicks > 0 && (every <= 0 || *shiftTicks%every != 0) {
		logger.Printf("archive_shift_ticks=%d is not a multiple of snapshot_every_ticks=%d; shifts will not be archived", *shiftTicks, every)
	}

	logOpts := persistlog.LoggerOptions{}
	if mirror.enabled {
		logOpts.RotateLayout = mirror.rotateLayout
		logOpts.OnClose = mirror.Enqueue
	}
	tickLog := persistlog.NewTickLoggerWithOptions(stationDir, logOpts)
	auditLog := persistlog.NewAuditLoggerWithOptions(stationDir, logOpts)
	defer tickLog.Close()
	defer auditLog.Close()
	st.SetTickLogger(multiTickLogger{a: tickLog, b: indexTickLogger(idx)})
	st.SetAuditLogger(multiAuditLogger{a: auditLog, b: indexAuditLogger(idx)})

	// Snapshot writer.
	snapCh := make(chan snapshot.SnapshotV1, 2)
	st.SetSnapshotSink(snapCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case snap := <-snapCh:
				path, err := writeSnapshot(stationDir, snap)
				if err != nil {
					logger.Printf("snapshot write: %v", err)
					continue
				}
				mirror.Enqueue(path)
				if shift, archived, ok, err := archive.ArchiveShiftSnapshot(stationDir, path, snap, *shiftTicks); err != nil {
					logger.Printf("archive shift: %v", err)
				} else if ok {
					logger.Printf("archived shift=%d tick=%d path=%s", shift, snap.Header.Tick, archived)
					mirror.Enqueue(archived)
					mirror.Enqueue(filepath.Join(filepath.Dir(archived), "meta.json"))
				}
				if idx != nil {
					idx.RecordSnapshot(path, snap)
					idx.RecordSnapshotState(snap)
				}
			}
		}
	}()

	go func() {
		if err := st.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("station stopped: %v", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(newStationCollector(st, mirror, idx))

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	enableAdminHTTP := envBool("SC_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("SC_ENABLE_PPROF_HTTP", false)
	if enableAdminHTTP {
		registerAdmin(mux, st, logger)
	} else {
		logger.Printf("admin endpoints disabled (SC_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (SC_ENABLE_PPROF_HTTP=false)")
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

// resumeStation restores a station from a snapshot file. The atmos tuning
// comes from the snapshot; only presentation settings come from tune.
func resumeStation(path, id string, tune tuning.Tuning, cats *catalogs.Catalogs, logger *log.Logger) (*station.Station, error) {
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if snap.Header.StationID != "" && snap.Header.StationID != id {
		return nil, fmt.Errorf("snapshot station id mismatch: want=%s snap=%s", id, snap.Header.StationID)
	}
	cfg := station.ConfigFromSnapshot(snap)
	cfg.ID = id
	cfg.PressureStep = tune.PressureStepKPa
	st := station.New(cfg, cats.Gases.Table, logger)
	if err := st.ImportSnapshot(snap); err != nil {
		return nil, fmt.Errorf("import snapshot: %w", err)
	}
	return st, nil
}

func writeSnapshot(stationDir string, snap snapshot.SnapshotV1) (string, error) {
	path := filepath.Join(stationDir, "snapshots", fmt.Sprintf("%d.snap.zst", snap.Header.Tick))
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		return "", err
	}
	return path, nil
}

// registerAdmin mounts local-only endpoints. None of them mutate the
// simulation except through its request channels.
func registerAdmin(mux *http.ServeMux, st *station.Station, logger *log.Logger) {
	mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		resp := struct {
			StationID string          `json:"station_id"`
			Tick      uint64          `json:"tick"`
			Metrics   station.Metrics `json:"metrics"`
		}{
			StationID: st.ID(),
			Tick:      st.CurrentTick(),
			Metrics:   st.Metrics(),
		}
		_ = json.NewEncoder(rw).Encode(resp)
	})
	mux.HandleFunc("/admin/v1/snapshot", func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		ctx2, cancel2 := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel2()
		tick, err := st.RequestSnapshot(ctx2)
		rw.Header().Set("Content-Type", "application/json")
		if err != nil {
			rw.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "tick": tick, "error": err.Error()})
			return
		}
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "tick": tick})
	})

	obsSrv := observer.NewServer(st, logger)
	mux.HandleFunc("/admin/v1/observer/bootstrap", obsSrv.BootstrapHandler())
	mux.HandleFunc("/admin/v1/observer/readout", obsSrv.ReadoutHandler())
	mux.HandleFunc("/admin/v1/observer/ws", obsSrv.WSHandler())
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func latestSnapshot(stationDir string) string {
	dir := filepath.Join(stationDir, "snapshots")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestTick uint64
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		tick, err := strconv.ParseUint(strings.TrimSuffix(name, ".snap.zst"), 10, 64)
		if err != nil {
			continue
		}
		if best == "" || tick > bestTick {
			bestTick = tick
			best = filepath.Join(dir, name)
		}
	}
	return best
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

type multiTickLogger struct {
	a station.TickLogger
	b station.TickLogger
}

func (m multiTickLogger) WriteTick(entry station.TickLogEntry) error {
	if m.a != nil {
		_ = m.a.WriteTick(entry)
	}
	if m.b != nil {
		_ = m.b.WriteTick(entry)
	}
	return nil
}

type multiAuditLogger struct {
	a station.AuditLogger
	b station.AuditLogger
}

func (m multiAuditLogger) WriteAudit(entry station.AuditEntry) error {
	if m.a != nil {
		_ = m.a.WriteAudit(entry)
	}
	if m.b != nil {
		_ = m.b.WriteAudit(entry)
	}
	return nil
}
