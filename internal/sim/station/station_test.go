package station

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"math"
	"reflect"
	"strings"
	"testing"
	"time"

	"stationcraft.ai/internal/observerproto"
	"stationcraft.ai/internal/sim/atmos"
	"stationcraft.ai/internal/sim/devices"
	simenc "stationcraft.ai/internal/sim/encoding"
	"stationcraft.ai/internal/sim/pipenet"
)

var roomRows = []string{
	"#######",
	"#.....#",
	"#.....#",
	"#..o..#",
	"#######",
}

func pipe(id pipenet.NodeID, x, y int, dirs string) pipenet.Node {
	return pipenet.Node{
		ID: id, Grid: "main", Pos: atmos.Vec2i{X: x, Y: y},
		Directions: atmos.ParseDirections(dirs), Volume: 200, Anchored: true, MovementSensitive: true,
	}
}

// plumbedEvents builds a room with a plasma canister feeding a pipe run
// that vents into the room, and a scrubber pulling plasma back out.
func plumbedEvents() []Event {
	return []Event{
		GridCreated{ID: "main", Rows: roomRows},
		NodeAdded{Node: pipe(1, 1, 1, "E")},
		NodeAdded{Node: pipe(2, 2, 1, "EW")},
		NodeAdded{Node: pipe(3, 3, 1, "W")},
		NodeAdded{Node: pipe(4, 5, 2, "")},
		DeviceAdded{Spec: devices.Spec{
			Kind: devices.KindCanister, ID: 10, Grid: "main", X: 1, Y: 1, Node: 1,
			Volume: 1000, Fill: map[string]float32{"PLASMA": 200},
		}},
		DeviceAdded{Spec: devices.Spec{
			Kind: devices.KindVent, ID: 11, Grid: "main", X: 3, Y: 1, Node: 3,
			Mode: "release", ExternalBound: 150,
		}},
		DeviceAdded{Spec: devices.Spec{
			Kind: devices.KindScrubber, ID: 12, Grid: "main", X: 5, Y: 2, Node: 4,
			Gases: []string{"PLASMA"}, TransferRate: 200,
		}},
	}
}

func newTestStation(logger *log.Logger) *Station {
	return New(Config{ID: "test", TickRateHz: 50}, nil, logger)
}

func sum(v [atmos.NumGases]float64) float64 {
	var t float64
	for _, x := range v {
		t += x
	}
	return t
}

// balance is conserved: what exists plus what left minus what was created.
func balance(s *Station) float64 {
	vented, created := s.Boundary()
	return sum(s.TotalMoles()) + vented - created
}

// tolerance scales rel by every mole the station has ever held.
func tolerance(s *Station, rel float64) float64 {
	_, created := s.Boundary()
	return rel * math.Max(created, 1)
}

func TestStation_EventsBuildState(t *testing.T) {
	s := newTestStation(nil)
	s.StepOnce(plumbedEvents())

	if _, ok := s.Grid("main"); !ok {
		t.Fatalf("grid not created")
	}
	if got := s.Network().GroupCount(); got != 2 {
		t.Fatalf("groups=%d want 2", got)
	}
	if got := s.Devices().Len(); got != 3 {
		t.Fatalf("devices=%d want 3", got)
	}
	m := s.Metrics()
	if m.Tick != 1 || m.PipeNodes != 4 || m.Devices != 3 || len(m.Grids) != 1 {
		t.Fatalf("metrics=%+v", m)
	}
	if m.Digest == "" {
		t.Fatalf("missing digest")
	}
}

func TestStation_RejectedEventIsLoggedAndSkipped(t *testing.T) {
	var buf bytes.Buffer
	s := newTestStation(log.New(&buf, "", 0))
	s.StepOnce([]Event{
		GridRemoved{ID: "nope"},
		GridCreated{ID: "main", Rows: roomRows},
		TileAdded{Grid: "main", Pos: atmos.Vec2i{X: 1, Y: 1}},
	})
	if got := s.Metrics().RejectedEvents; got != 2 {
		t.Fatalf("rejected=%d want 2", got)
	}
	if !strings.Contains(buf.String(), "grid_removed rejected") {
		t.Fatalf("log=%q", buf.String())
	}
	if _, ok := s.Grid("main"); !ok {
		t.Fatalf("valid event after a rejected one was not applied")
	}
}

func TestStation_ConservationWithDevices(t *testing.T) {
	s := newTestStation(nil)
	s.StepOnce(plumbedEvents())
	want := balance(s)
	for i := 0; i < 200; i++ {
		s.StepOnce(nil)
	}
	got := balance(s)
	if math.Abs(got-want) > tolerance(s, 1e-4) {
		t.Fatalf("moles not conserved: got %v want %v", got, want)
	}

	room, _ := s.Grid("main")
	plasma := room.TotalMoles()[atmos.Plasma]
	if plasma <= 0 {
		t.Fatalf("vent never released plasma into the room")
	}
	scrubbed, err := s.NodeGroupMixture(4)
	if err != nil {
		t.Fatalf("NodeGroupMixture: %v", err)
	}
	if scrubbed.Moles(atmos.Plasma) <= 0 {
		t.Fatalf("scrubber collected nothing")
	}
}

func TestStation_Determinism(t *testing.T) {
	a := newTestStation(nil)
	b := newTestStation(nil)
	events := plumbedEvents()
	for i := 0; i < 60; i++ {
		var evs []Event
		switch i {
		case 0:
			evs = events
		case 20:
			evs = []Event{TileSpaced{Grid: "main", Pos: atmos.Vec2i{X: 6, Y: 2}}}
		case 30:
			evs = []Event{NodeRemoved{ID: 2}, DeviceToggled{ID: 12, Enabled: false}}
		}
		ta, da := a.StepOnce(evs)
		tb, db := b.StepOnce(evs)
		if ta != tb || da != db {
			t.Fatalf("tick %d diverged: %s vs %s", ta, da, db)
		}
	}
}

func TestStation_SnapshotRoundTrip(t *testing.T) {
	a := newTestStation(nil)
	a.StepOnce(plumbedEvents())
	for i := 0; i < 25; i++ {
		a.StepOnce(nil)
	}
	snapTick := a.CurrentTick() - 1
	snap := a.ExportSnapshot(snapTick)

	b, err := FromSnapshot(snap, nil, nil)
	if err != nil {
		t.Fatalf("FromSnapshot: %v", err)
	}
	if b.CurrentTick() != a.CurrentTick() {
		t.Fatalf("tick %d want %d", b.CurrentTick(), a.CurrentTick())
	}
	if again := b.ExportSnapshot(snapTick); !reflect.DeepEqual(again, snap) {
		t.Fatalf("re-export differs")
	}
	if a.stateDigest(snapTick) != b.stateDigest(snapTick) {
		t.Fatalf("digest differs after import")
	}

	for i := 0; i < 10; i++ {
		var evs []Event
		if i == 3 {
			evs = []Event{GasInjected{Grid: "main", Pos: atmos.Vec2i{X: 2, Y: 2}, Gas: atmos.CarbonDioxide, Moles: 30, Temperature: 400}}
		}
		_, da := a.StepOnce(evs)
		_, db := b.StepOnce(evs)
		if da != db {
			t.Fatalf("step %d after import diverged", i)
		}
	}
}

func TestStation_ImportRejectsBadSnapshot(t *testing.T) {
	s := newTestStation(nil)
	s.StepOnce(plumbedEvents())
	snap := s.ExportSnapshot(0)
	snap.Groups[0].Moles = snap.Groups[0].Moles[:2]

	other := newTestStation(nil)
	if err := other.ImportSnapshot(snap); err == nil {
		t.Fatalf("expected error for truncated moles")
	}
	if len(other.GridIDs()) != 0 {
		t.Fatalf("failed import mutated the station")
	}
}

func TestStation_OrphanedGasVentsOntoTile(t *testing.T) {
	s := newTestStation(nil)
	s.StepOnce([]Event{
		GridCreated{ID: "main", Rows: roomRows},
		NodeAdded{Node: pipe(1, 2, 2, "")},
	})
	mix, err := s.Network().Mixture(1)
	if err != nil || mix == nil {
		t.Fatalf("Mixture: %v", err)
	}
	mix.SetMoles(atmos.Tritium, 7)
	before := balance(s)

	s.StepOnce([]Event{NodeRemoved{ID: 1}})
	room, _ := s.Grid("main")
	if got := room.TotalMoles()[atmos.Tritium]; math.Abs(got-7) > 1e-3 {
		t.Fatalf("tritium on tiles=%v want 7", got)
	}
	if math.Abs(balance(s)-before) > tolerance(s, 1e-5) {
		t.Fatalf("orphan release lost gas")
	}
}

func TestStation_SpacingVentsRoom(t *testing.T) {
	s := newTestStation(nil)
	s.StepOnce([]Event{GridCreated{ID: "main", Rows: roomRows}})
	start, full := balance(s), sum(s.TotalMoles())
	s.StepOnce([]Event{TileSpaced{Grid: "main", Pos: atmos.Vec2i{X: 0, Y: 2}}})
	for i := 0; i < 1500; i++ {
		s.StepOnce(nil)
	}
	room, _ := s.Grid("main")
	if left := sum(room.TotalMoles()); left > full*0.1 {
		t.Fatalf("room still holds %v of %v moles", left, full)
	}
	vented, _ := s.Boundary()
	if math.Abs(balance(s)-start) > tolerance(s, 1e-4) || vented <= 0 {
		t.Fatalf("vented=%v balance=%v start=%v", vented, balance(s), start)
	}
}

func TestStation_Queries(t *testing.T) {
	s := newTestStation(nil)
	if err := s.apply(GridCreated{ID: "main", Rows: []string{"#.~o"}}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	ok, err := s.IsBreathable("main", atmos.Vec2i{X: 1, Y: 0})
	if err != nil || !ok {
		t.Fatalf("floor breathable=%v err=%v", ok, err)
	}
	if ok, _ := s.IsBreathable("main", atmos.Vec2i{X: 2, Y: 0}); ok {
		t.Fatalf("space reported breathable")
	}
	r, err := s.Readout("main", atmos.Vec2i{X: 1, Y: 0})
	if err != nil || r.Pressure < 50 || r.Moles["O2"] <= 0 {
		t.Fatalf("readout=%+v err=%v", r, err)
	}
	if _, err := s.Readout("other", atmos.Vec2i{}); !errors.Is(err, atmos.ErrUnknownGrid) {
		t.Fatalf("err=%v want ErrUnknownGrid", err)
	}

	mix, _ := s.TileMixture("main", atmos.Vec2i{X: 1, Y: 0})
	mix.Clear()
	if again, _ := s.TileMixture("main", atmos.Vec2i{X: 1, Y: 0}); again.Empty() {
		t.Fatalf("TileMixture returned live state")
	}
}

func TestStation_ObserverFrame(t *testing.T) {
	s := newTestStation(nil)
	out := make(chan []byte, 4)
	s.handleObserverJoin(ObserverJoinRequest{SessionID: "O1", Out: out, GridID: "main", EveryTicks: 1})
	s.StepOnce([]Event{GridCreated{ID: "main", Rows: []string{"#.~_"}}})

	var msg observerproto.AtmosFrameMsg
	select {
	case b := <-out:
		if err := json.Unmarshal(b, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
	default:
		t.Fatalf("no frame sent")
	}
	if msg.Type != "ATMOS_FRAME" || msg.Width != 4 || msg.Height != 1 {
		t.Fatalf("frame=%+v", msg)
	}
	levels, err := simenc.DecodeRLE(msg.Data)
	if err != nil {
		t.Fatalf("DecodeRLE: %v", err)
	}
	if len(levels) != 4 || levels[0] != observerproto.Wall || levels[1] == 0 || levels[2] != 0 || levels[3] != observerproto.NoTile {
		t.Fatalf("levels=%v", levels)
	}

	s.handleObserverLeave("O1")
	if _, open := <-out; open {
		t.Fatalf("leave did not close the observer channel")
	}
}

func TestStation_RunLoop(t *testing.T) {
	s := newTestStation(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	if err := s.Submit(ctx, GridCreated{ID: "main", Rows: roomRows}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	var r atmos.Readout
	for {
		var err error
		r, err = s.RequestReadout(ctx, ReadoutQuery{Grid: "main", Pos: atmos.Vec2i{X: 1, Y: 1}})
		if err == nil {
			break
		}
		if !errors.Is(err, atmos.ErrUnknownGrid) {
			t.Fatalf("RequestReadout: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !r.Breathable {
		t.Fatalf("readout=%+v", r)
	}
	if _, err := s.RequestSnapshot(ctx); err == nil {
		t.Fatalf("expected error without a snapshot sink")
	}

	s.Stop()
	s.Stop()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

type memTickLog struct{ entries []TickLogEntry }

func (m *memTickLog) WriteTick(e TickLogEntry) error {
	m.entries = append(m.entries, e)
	return nil
}

func TestStation_TickLogReplays(t *testing.T) {
	logged := &memTickLog{}
	a := newTestStation(nil)
	a.SetTickLogger(logged)
	for i := 0; i < 40; i++ {
		var evs []Event
		switch i {
		case 0:
			evs = append(plumbedEvents(), GridRemoved{ID: "nope"})
		case 15:
			evs = []Event{
				GasInjected{Grid: "main", Pos: atmos.Vec2i{X: 4, Y: 2}, Gas: atmos.WaterVapor, Moles: 12.5, Temperature: 310},
				NodeRotated{ID: 3, Rotation: 1},
			}
		case 25:
			evs = []Event{TileRemoved{Grid: "main", Pos: atmos.Vec2i{X: 5, Y: 3}}}
		}
		a.StepOnce(evs)
	}
	if logged.entries[0].Rejected != 1 || len(logged.entries[0].Events) != len(plumbedEvents()) {
		t.Fatalf("first entry=%+v", logged.entries[0])
	}

	b := newTestStation(nil)
	for _, e := range logged.entries {
		raw, err := json.Marshal(e)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var back TickLogEntry
		if err := json.Unmarshal(raw, &back); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		evs := make([]Event, 0, len(back.Events))
		for _, rec := range back.Events {
			ev, err := DecodeEvent(rec)
			if err != nil {
				t.Fatalf("DecodeEvent: %v", err)
			}
			evs = append(evs, ev)
		}
		tick, digest := b.StepOnce(evs)
		if tick != e.Tick || digest != e.Digest {
			t.Fatalf("tick %d replay digest %s want %s", tick, digest, e.Digest)
		}
	}
}

func TestDecodeEvent_Unknown(t *testing.T) {
	if _, err := DecodeEvent(EventRecord{Type: "teleport", Data: json.RawMessage(`{}`)}); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := DecodeEvent(EventRecord{Type: "grid_removed"}); err == nil {
		t.Fatalf("expected error for missing data")
	}
}

func TestStation_GridRemovedVentsEverythingOnIt(t *testing.T) {
	s := newTestStation(nil)
	s.StepOnce(append(plumbedEvents(), GridCreated{ID: "aux", Rows: []string{"###", "#.#", "###"}}))
	for i := 0; i < 5; i++ {
		s.StepOnce(nil)
	}
	before := balance(s)
	aux, _ := s.Grid("aux")
	keep := sum(aux.TotalMoles())

	s.StepOnce([]Event{GridRemoved{ID: "main"}})
	if _, ok := s.Grid("main"); ok {
		t.Fatalf("grid still present")
	}
	if n, g, d := s.Network().NodeCount(), s.Network().GroupCount(), s.Devices().Len(); n != 0 || g != 0 || d != 0 {
		t.Fatalf("left behind nodes=%d groups=%d devices=%d", n, g, d)
	}
	if got := sum(s.TotalMoles()); math.Abs(got-keep) > tolerance(s, 1e-5) {
		t.Fatalf("total=%v want only aux grid %v", got, keep)
	}
	if vented, _ := s.Boundary(); vented <= 0 {
		t.Fatalf("nothing vented")
	}
	if math.Abs(balance(s)-before) > tolerance(s, 1e-5) {
		t.Fatalf("balance moved: %v -> %v", before, balance(s))
	}
}

func TestStation_TileAddAndRemoveKeepBalance(t *testing.T) {
	s := newTestStation(nil)
	s.StepOnce([]Event{GridCreated{ID: "a", Rows: []string{
		"#####",
		"#._.#",
		"#####",
	}}})
	before := balance(s)
	_, createdBefore := s.Boundary()

	s.StepOnce([]Event{TileAdded{Grid: "a", Pos: atmos.Vec2i{X: 2, Y: 1}}})
	mix, err := s.TileMixture("a", atmos.Vec2i{X: 2, Y: 1})
	if err != nil || mix == nil {
		t.Fatalf("added tile: mix=%v err=%v", mix, err)
	}
	if _, created := s.Boundary(); created <= createdBefore {
		t.Fatalf("standard air not counted as created")
	}
	if math.Abs(balance(s)-before) > tolerance(s, 1e-5) {
		t.Fatalf("TileAdded moved balance: %v -> %v", before, balance(s))
	}

	s.StepOnce([]Event{TileRemoved{Grid: "a", Pos: atmos.Vec2i{X: 1, Y: 1}}})
	if math.Abs(balance(s)-before) > tolerance(s, 1e-5) {
		t.Fatalf("TileRemoved moved balance: %v -> %v", before, balance(s))
	}

	vacuum := TileAdded{Grid: "a", Pos: atmos.Vec2i{X: 1, Y: 1}, Vacuum: true}
	_, createdBefore = s.Boundary()
	s.StepOnce([]Event{vacuum})
	if _, created := s.Boundary(); created != createdBefore {
		t.Fatalf("vacuum tile counted as created: %v -> %v", createdBefore, created)
	}
}
