package observer

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"stationcraft.ai/internal/observerproto"
	"stationcraft.ai/internal/sim/atmos"
	simenc "stationcraft.ai/internal/sim/encoding"
	"stationcraft.ai/internal/sim/station"
)

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("could not find repo root from %s", dir)
		}
		dir = parent
	}
}

func compileSchema(t *testing.T, name string) *jsonschema.Schema {
	t.Helper()
	s, err := jsonschema.Compile(filepath.Join(findRepoRoot(t), "schemas", name))
	if err != nil {
		t.Fatalf("compile %s: %v", name, err)
	}
	return s
}

func startStation(t *testing.T) (*station.Station, *httptest.Server) {
	t.Helper()
	st := station.New(station.Config{ID: "test_station", TickRateHz: 50}, nil, nil)
	if err := st.Seed([]station.Event{station.GridCreated{ID: "main", Rows: []string{
		"######",
		"#....#",
		"#..o.#",
		"######",
	}}}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = st.Run(ctx) }()

	srv := NewServer(st, log.New(io.Discard, "", 0))
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/v1/observer/bootstrap", srv.BootstrapHandler())
	mux.HandleFunc("/admin/v1/observer/ws", srv.WSHandler())
	mux.HandleFunc("/admin/v1/readout", srv.ReadoutHandler())
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return st, ts
}

func TestObserver_StreamsFrames(t *testing.T) {
	_, ts := startStation(t)
	schema := compileSchema(t, "atmos_frame.schema.json")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/admin/v1/observer/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	sub := observerproto.SubscribeMsg{Type: "SUBSCRIBE", ProtocolVersion: observerproto.Version, GridID: "main", EveryTicks: 1}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := schema.Validate(doc); err != nil {
		t.Fatalf("frame does not match schema: %v", err)
	}

	var frame observerproto.AtmosFrameMsg
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	levels, err := simenc.DecodeRLE(frame.Data)
	if err != nil {
		t.Fatalf("DecodeRLE: %v", err)
	}
	if len(levels) != frame.Width*frame.Height || frame.Width != 6 || frame.Height != 4 {
		t.Fatalf("frame %dx%d with %d levels", frame.Width, frame.Height, len(levels))
	}
	if levels[0] != observerproto.Wall || levels[1*6+1] == 0 {
		t.Fatalf("levels=%v", levels)
	}
}

func TestObserver_RejectsBadSubscribe(t *testing.T) {
	_, ts := startStation(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/admin/v1/observer/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"type": "HELLO", "protocol_version": observerproto.Version}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err=%v want policy violation close", err)
	}
}

func TestBootstrapHandler(t *testing.T) {
	_, ts := startStation(t)
	schema := compileSchema(t, "bootstrap.schema.json")

	resp, err := http.Get(ts.URL + "/admin/v1/observer/bootstrap")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	var doc any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := schema.Validate(doc); err != nil {
		t.Fatalf("bootstrap does not match schema: %v", err)
	}
	if doc.(map[string]any)["station_id"] != "test_station" {
		t.Fatalf("bootstrap=%v", doc)
	}
}

func TestReadoutHandler(t *testing.T) {
	_, ts := startStation(t)

	resp, err := http.Get(ts.URL + "/admin/v1/readout?grid=main&x=1&y=1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	var r atmos.Readout
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r.Pressure <= 0 || r.Moles["N2"] <= 0 {
		t.Fatalf("readout=%+v", r)
	}

	for path, want := range map[string]int{
		"/admin/v1/readout?grid=aft&x=1&y=1": http.StatusNotFound,
		"/admin/v1/readout?grid=main&x=a":    http.StatusBadRequest,
		"/admin/v1/readout?node=0":           http.StatusBadRequest,
		"/admin/v1/readout":                  http.StatusBadRequest,
	} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("%s status=%d want %d", path, resp.StatusCode, want)
		}
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:5000": true,
		"[::1]:80":       true,
		"10.0.0.4:443":   false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackRemote(addr); got != want {
			t.Fatalf("%s: got %v want %v", addr, got, want)
		}
	}
}
