package log

import (
	"path/filepath"
	"testing"
	"time"

	"stationcraft.ai/internal/sim/station"
)

func TestTickLogger_RotatesAndReadsBack(t *testing.T) {
	dir := t.TempDir()
	l := NewTickLogger(dir)
	clock := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	l.w.now = func() time.Time { return clock }

	for tick := uint64(0); tick < 6; tick++ {
		if tick == 3 {
			clock = clock.Add(2 * time.Minute)
		}
		entry := station.TickLogEntry{Tick: tick, ActiveTiles: int(tick), Digest: "d"}
		if tick == 1 {
			rec, err := station.EncodeEvent(station.GridRemoved{ID: "aft"})
			if err != nil {
				t.Fatalf("EncodeEvent: %v", err)
			}
			entry.Events = []station.EventRecord{rec}
		}
		if err := l.WriteTick(entry); err != nil {
			t.Fatalf("WriteTick: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	files, err := ListFiles(filepath.Join(dir, "ticks"), "ticks")
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 2 || filepath.Base(files[0]) != "ticks-2026-03-01-10.jsonl.zst" {
		t.Fatalf("files=%v", files)
	}

	var got []station.TickLogEntry
	for _, f := range files {
		if err := ReadTicks(f, func(e station.TickLogEntry) error {
			got = append(got, e)
			return nil
		}); err != nil {
			t.Fatalf("ReadTicks: %v", err)
		}
	}
	if len(got) != 6 {
		t.Fatalf("entries=%d want 6", len(got))
	}
	for i, e := range got {
		if e.Tick != uint64(i) || e.ActiveTiles != i {
			t.Fatalf("entry %d=%+v", i, e)
		}
	}
	ev, err := station.DecodeEvent(got[1].Events[0])
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if rm, ok := ev.(station.GridRemoved); !ok || rm.ID != "aft" {
		t.Fatalf("event=%#v", ev)
	}
}

func TestAuditLogger_Writes(t *testing.T) {
	dir := t.TempDir()
	l := NewAuditLogger(dir)
	if err := l.WriteAudit(station.AuditEntry{Tick: 4, Event: "tile_added", Reason: "exists"}); err != nil {
		t.Fatalf("WriteAudit: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	files, err := ListFiles(filepath.Join(dir, "audit"), "audit")
	if err != nil || len(files) != 1 {
		t.Fatalf("files=%v err=%v", files, err)
	}
}

func TestTickLogger_OnCloseReportsSegments(t *testing.T) {
	dir := t.TempDir()
	var closed []string
	l := NewTickLoggerWithOptions(dir, LoggerOptions{
		RotateLayout: "2006-01-02-15-04",
		OnClose:      func(p string) { closed = append(closed, filepath.Base(p)) },
	})
	clock := time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)
	l.w.now = func() time.Time { return clock }

	for tick := uint64(0); tick < 4; tick++ {
		if err := l.WriteTick(station.TickLogEntry{Tick: tick}); err != nil {
			t.Fatalf("WriteTick: %v", err)
		}
		clock = clock.Add(time.Minute)
	}
	if len(closed) != 3 {
		t.Fatalf("closed before Close=%v", closed)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(closed) != 4 || closed[0] != "ticks-2026-03-01-10-00.jsonl.zst" || closed[3] != "ticks-2026-03-01-10-03.jsonl.zst" {
		t.Fatalf("closed=%v", closed)
	}
}
