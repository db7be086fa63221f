package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"stationcraft.ai/internal/persistence/indexdb"
	"stationcraft.ai/internal/persistence/snapshot"
	"stationcraft.ai/internal/sim/catalogs"
	"stationcraft.ai/internal/sim/station"
	"stationcraft.ai/internal/sim/tuning"
)

type runtimeIndex interface {
	station.TickLogger
	station.AuditLogger
	Close() error
	Stats() indexdb.Stats
	UpsertCatalogs(configDir string, cats *catalogs.Catalogs, tune tuning.Tuning) error
	RecordSnapshot(path string, snap snapshot.SnapshotV1)
	RecordSnapshotState(snap snapshot.SnapshotV1)
}

func openRuntimeIndex(stationDir string, disableDB bool) (runtimeIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("SC_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		return indexdb.OpenSQLite(filepath.Join(stationDir, "index", "station.sqlite"))
	default:
		return nil, fmt.Errorf("unsupported SC_INDEX_BACKEND: %s", backend)
	}
}

// indexTickLogger avoids storing a typed nil in the interface.
func indexTickLogger(idx runtimeIndex) station.TickLogger {
	if idx == nil {
		return nil
	}
	return idx
}

func indexAuditLogger(idx runtimeIndex) station.AuditLogger {
	if idx == nil {
		return nil
	}
	return idx
}
