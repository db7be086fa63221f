package s3mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeS3 accepts path-style PUTs and remembers bodies by key.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	fails   int // respond 403 this many times first
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return &http.Response{StatusCode: http.StatusForbidden, Body: io.NopCloser(strings.NewReader("")), Header: http.Header{}, Request: req}, nil
	}
	if req.Method != http.MethodPut {
		return &http.Response{StatusCode: http.StatusMethodNotAllowed, Body: io.NopCloser(strings.NewReader("")), Header: http.Header{}, Request: req}, nil
	}
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
	}
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[key] = body
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{"Etag": {"\"etag123\""}}, Request: req}, nil
}

func (f *fakeS3) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.objects))
	for k := range f.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func newTestClient(t *testing.T, rt http.RoundTripper) *Client {
	t.Helper()
	c, err := New(context.Background(), Config{
		Region:          "us-east-1",
		Bucket:          "station-archive",
		Endpoint:        "https://mock.s3.local",
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
		PathStyle:       true,
		HTTPClient:      &http.Client{Transport: rt},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestMirror_UploadsUnderPrefix(t *testing.T) {
	dir := t.TempDir()
	station := filepath.Join(dir, "stations", "outpost")
	snap := filepath.Join(station, "snapshots", "3000.snap.zst")
	ticks := filepath.Join(station, "ticks", "ticks-2026-10-18-09-05.jsonl.zst")
	shift := filepath.Join(station, "archives", "shift_002", "3000.snap.zst")
	writeFile(t, snap, "snapshot-bytes")
	writeFile(t, ticks, "tick-bytes")
	writeFile(t, shift, "snapshot-bytes")

	rt := &fakeS3{}
	m := NewMirror(newTestClient(t, rt), dir, Options{Prefix: "/backups/", Workers: 2, LaneCapacity: 8}, nil)
	m.Enqueue(snap)
	m.Enqueue(ticks)
	m.Enqueue(shift)
	m.Close()

	got := rt.keys()
	want := []string{
		"backups/outpost/archives/shift_002/3000.snap.zst",
		"backups/outpost/logs/ticks/2026-10-18/ticks-2026-10-18-09-05.jsonl.zst",
		"backups/outpost/snapshots/3000.snap.zst",
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("keys: got %v want %v", got, want)
	}
	if !bytes.Contains(rt.objects[want[2]], []byte("snapshot-bytes")) {
		t.Fatalf("snapshot body not uploaded: %q", rt.objects[want[2]])
	}
	st := m.Stats()
	for _, k := range Kinds() {
		if ks := st.ByKind[k]; ks.Enqueued != 1 || ks.Uploaded != 1 || ks.Failed != 0 {
			t.Fatalf("%s stats: %+v", k, ks)
		}
	}
	if st.LastSuccessUnix == 0 {
		t.Fatalf("expected last success time")
	}
}

func TestMirror_Classify(t *testing.T) {
	dir := t.TempDir()
	m := &Mirror{dataDir: dir, opts: Options{Prefix: "p"}}
	cases := []struct {
		rel  string
		kind Kind
		key  string
	}{
		{"stations/s1/snapshots/60.snap.zst", KindSnapshot, "p/s1/snapshots/60.snap.zst"},
		{"stations/s1/archives/shift_001/meta.json", KindArchive, "p/s1/archives/shift_001/meta.json"},
		{"stations/s1/audit/audit-2026-10-18-23.jsonl.zst", KindLog, "p/s1/logs/audit/2026-10-18/audit-2026-10-18-23.jsonl.zst"},
	}
	for _, c := range cases {
		j, err := m.classify(filepath.Join(dir, filepath.FromSlash(c.rel)))
		if err != nil {
			t.Fatalf("%s: %v", c.rel, err)
		}
		if j.kind != c.kind || j.key != c.key {
			t.Fatalf("%s: got %s %q want %s %q", c.rel, j.kind, j.key, c.kind, c.key)
		}
	}
	for _, rel := range []string{
		"a.snap.zst",
		"stations/s1/snapshots/60.json",
		"stations/s1/ticks/notes.jsonl.zst",
		"stations/s1/index/index.sqlite",
		"stations/s1/archives/meta.json",
	} {
		if _, err := m.classify(filepath.Join(dir, filepath.FromSlash(rel))); err == nil {
			t.Fatalf("%s: expected rejection", rel)
		}
	}
}

type flakyUploader struct {
	mu    sync.Mutex
	fails int
	calls int
	keys  []string
}

func (u *flakyUploader) PutFile(_ context.Context, key, _ string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	if u.fails > 0 {
		u.fails--
		return errors.New("boom")
	}
	u.keys = append(u.keys, key)
	return nil
}

func TestMirror_RetriesThenSucceeds(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "stations", "s1", "snapshots", "60.snap.zst")
	writeFile(t, p, "x")

	up := &flakyUploader{fails: 2}
	m := NewMirror(up, dir, Options{Backoff: time.Millisecond}, nil)
	m.Enqueue(p)
	m.Close()

	if up.calls != 3 || len(up.keys) != 1 || up.keys[0] != "s1/snapshots/60.snap.zst" {
		t.Fatalf("calls=%d keys=%v", up.calls, up.keys)
	}
	if ks := m.Stats().ByKind[KindSnapshot]; ks.Uploaded != 1 || ks.Failed != 0 {
		t.Fatalf("stats: %+v", ks)
	}
}

func TestMirror_RetryBudgetPerKind(t *testing.T) {
	dir := t.TempDir()
	snap := filepath.Join(dir, "stations", "s1", "snapshots", "60.snap.zst")
	seg := filepath.Join(dir, "stations", "s1", "ticks", "ticks-2026-10-18-09-05.jsonl.zst")
	writeFile(t, snap, "x")
	writeFile(t, seg, "x")

	up := &flakyUploader{fails: 100}
	m := NewMirror(up, dir, Options{Backoff: time.Millisecond}, nil)
	m.Enqueue(snap)
	m.Close()
	if up.calls != 4 {
		t.Fatalf("snapshot calls: got %d want 4", up.calls)
	}

	up = &flakyUploader{fails: 100}
	m = NewMirror(up, dir, Options{Backoff: time.Millisecond}, nil)
	m.Enqueue(seg)
	m.Close()
	if up.calls != 2 {
		t.Fatalf("log calls: got %d want 2", up.calls)
	}
	st := m.Stats()
	if st.ByKind[KindLog].Failed != 1 || st.LastErrorUnix == 0 {
		t.Fatalf("stats: %+v", st)
	}
}

// gatedUploader holds its first upload until release is closed.
type gatedUploader struct {
	mu      sync.Mutex
	keys    []string
	started chan struct{}
	release chan struct{}
}

func (u *gatedUploader) PutFile(_ context.Context, key, _ string) error {
	u.mu.Lock()
	first := len(u.keys) == 0
	u.keys = append(u.keys, key)
	u.mu.Unlock()
	if first {
		close(u.started)
		<-u.release
	}
	return nil
}

func TestMirror_SnapshotsJumpBacklogOfLogSegments(t *testing.T) {
	dir := t.TempDir()
	seg := func(minute int) string {
		return filepath.Join(dir, "stations", "s1", "ticks", fmt.Sprintf("ticks-2026-10-18-09-%02d.jsonl.zst", minute))
	}
	snap := func(tick int) string {
		return filepath.Join(dir, "stations", "s1", "snapshots", fmt.Sprintf("%d.snap.zst", tick))
	}

	up := &gatedUploader{started: make(chan struct{}), release: make(chan struct{})}
	m := NewMirror(up, dir, Options{Workers: 1, LaneCapacity: 1, EnqueueWait: 5 * time.Millisecond}, nil)

	m.Enqueue(seg(1))
	<-up.started
	m.Enqueue(seg(2))     // fills the bulk lane
	m.Enqueue(seg(3))     // dropped at once
	m.Enqueue(snap(600))  // priority lane is separate
	m.Enqueue(snap(1200)) // priority lane full, dropped after the wait
	close(up.release)
	m.Close()

	want := []string{
		"s1/logs/ticks/2026-10-18/ticks-2026-10-18-09-01.jsonl.zst",
		"s1/snapshots/600.snap.zst",
		"s1/logs/ticks/2026-10-18/ticks-2026-10-18-09-02.jsonl.zst",
	}
	if strings.Join(up.keys, ",") != strings.Join(want, ",") {
		t.Fatalf("upload order: got %v want %v", up.keys, want)
	}
	st := m.Stats()
	if ks := st.ByKind[KindLog]; ks.Enqueued != 3 || ks.Dropped != 1 || ks.Uploaded != 2 {
		t.Fatalf("log stats: %+v", ks)
	}
	if ks := st.ByKind[KindSnapshot]; ks.Enqueued != 2 || ks.Dropped != 1 || ks.Uploaded != 1 {
		t.Fatalf("snapshot stats: %+v", ks)
	}
}

func TestMirror_RejectsOutsideStationLayout(t *testing.T) {
	dir := t.TempDir()
	other := filepath.Join(t.TempDir(), "stations", "s1", "snapshots", "60.snap.zst")
	writeFile(t, other, "x")

	up := &flakyUploader{}
	m := NewMirror(up, dir, Options{}, nil)
	m.Enqueue(other)
	m.Enqueue(filepath.Join(dir, "stray.snap.zst"))
	m.Close()
	if up.calls != 0 {
		t.Fatalf("expected no upload, got %d calls", up.calls)
	}
	if st := m.Stats(); st.Rejected != 2 {
		t.Fatalf("rejected: got %d want 2", st.Rejected)
	}
}

func TestClient_PutErrorSurfaces(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.snap.zst")
	writeFile(t, p, "x")

	c := newTestClient(t, &fakeS3{fails: 100})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.PutFile(ctx, "a.snap.zst", p); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNormalizeObjectKey(t *testing.T) {
	cases := map[string]string{
		"/a/b.zst":    "a/b.zst",
		`a\b\c.zst`:   "a/b/c.zst",
		"a/./b/../c":  "a/c",
		"   ":         "",
		"../escape":   "escape",
		"a/../../etc": "etc",
	}
	for in, want := range cases {
		if got := normalizeObjectKey(in); got != want {
			t.Fatalf("normalizeObjectKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNew_RequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{Region: "auto"}); err == nil {
		t.Fatalf("expected bucket error")
	}
	if _, err := New(context.Background(), Config{Bucket: "b", AccessKeyID: "only"}); err == nil {
		t.Fatalf("expected credential pair error")
	}
}
