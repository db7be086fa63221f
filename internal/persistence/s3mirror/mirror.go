package s3mirror

import (
	"context"
	"fmt"
	"log"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Kind is the class of a station file. It decides the object key layout,
// the queue lane and the retry budget.
type Kind int

const (
	KindSnapshot Kind = iota
	KindArchive
	KindLog
	numKinds
)

func (k Kind) String() string {
	switch k {
	case KindSnapshot:
		return "snapshot"
	case KindArchive:
		return "archive"
	case KindLog:
		return "log"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Kinds lists every upload kind in stats order.
func Kinds() []Kind { return []Kind{KindSnapshot, KindArchive, KindLog} }

// attempts per kind. A lost log segment is recoverable from the next
// snapshot; a lost snapshot is not.
var attempts = [numKinds]int{KindSnapshot: 4, KindArchive: 4, KindLog: 2}

type KindStats struct {
	Enqueued uint64
	Dropped  uint64
	Uploaded uint64
	Failed   uint64
}

type Stats struct {
	// Snapshots and archives share the priority lane; log segments use the
	// bulk lane.
	PriorityDepth int
	BulkDepth     int
	LaneCapacity  int
	Rejected      uint64
	ByKind        [numKinds]KindStats

	LastSuccessUnix int64
	LastErrorUnix   int64
}

// Uploader puts one local file under an object key.
type Uploader interface {
	PutFile(ctx context.Context, objectKey, localPath string) error
}

type Options struct {
	Prefix        string
	Workers       int
	LaneCapacity  int
	EnqueueWait   time.Duration
	Backoff       time.Duration
	UploadTimeout time.Duration
}

type job struct {
	kind  Kind
	key   string
	local string
}

type kindCounters struct {
	enqueued, dropped, uploaded, failed atomic.Uint64
}

// Mirror uploads station files from <dataDir>/stations/<id>/ in the
// background. Workers always drain the priority lane first, and a full bulk
// lane drops log segments without waiting so log rotation never stalls a tick.
type Mirror struct {
	client  Uploader
	dataDir string
	opts    Options
	logger  *log.Logger

	priority chan job
	bulk     chan job
	wg       sync.WaitGroup

	rejected    atomic.Uint64
	counters    [numKinds]kindCounters
	lastSuccess atomic.Int64
	lastError   atomic.Int64
}

func NewMirror(client Uploader, dataDir string, opts Options, logger *log.Logger) *Mirror {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.LaneCapacity <= 0 {
		opts.LaneCapacity = 256
	}
	if opts.EnqueueWait <= 0 {
		opts.EnqueueWait = 25 * time.Millisecond
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = 2 * time.Minute
	}
	opts.Prefix = strings.Trim(strings.ReplaceAll(opts.Prefix, "\\", "/"), "/")

	m := &Mirror{
		client:   client,
		dataDir:  dataDir,
		opts:     opts,
		logger:   logger,
		priority: make(chan job, opts.LaneCapacity),
		bulk:     make(chan job, opts.LaneCapacity),
	}
	for i := 0; i < opts.Workers; i++ {
		m.wg.Add(1)
		go m.work()
	}
	return m
}

// Enqueue schedules localPath for upload. Files outside the station layout
// are rejected.
func (m *Mirror) Enqueue(localPath string) {
	if m == nil || m.client == nil {
		return
	}
	j, err := m.classify(localPath)
	if err != nil {
		m.rejected.Add(1)
		m.printf("[mirror] reject local=%s err=%v", localPath, err)
		return
	}
	c := &m.counters[j.kind]
	c.enqueued.Add(1)

	if j.kind == KindLog {
		select {
		case m.bulk <- j:
		default:
			c.dropped.Add(1)
			m.printf("[mirror] drop %s key=%s reason=bulk_lane_full", j.kind, j.key)
		}
		return
	}

	select {
	case m.priority <- j:
		return
	default:
	}
	timer := time.NewTimer(m.opts.EnqueueWait)
	defer timer.Stop()
	select {
	case m.priority <- j:
	case <-timer.C:
		c.dropped.Add(1)
		m.printf("[mirror] drop %s key=%s reason=priority_lane_full wait_ms=%d", j.kind, j.key, m.opts.EnqueueWait.Milliseconds())
	}
}

// Close stops accepting work and waits for queued uploads to finish.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	close(m.priority)
	close(m.bulk)
	m.wg.Wait()
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	s := Stats{
		PriorityDepth:   len(m.priority),
		BulkDepth:       len(m.bulk),
		LaneCapacity:    m.opts.LaneCapacity,
		Rejected:        m.rejected.Load(),
		LastSuccessUnix: m.lastSuccess.Load(),
		LastErrorUnix:   m.lastError.Load(),
	}
	for k := range m.counters {
		c := &m.counters[k]
		s.ByKind[k] = KindStats{
			Enqueued: c.enqueued.Load(),
			Dropped:  c.dropped.Load(),
			Uploaded: c.uploaded.Load(),
			Failed:   c.failed.Load(),
		}
	}
	return s
}

func (m *Mirror) work() {
	defer m.wg.Done()
	priority, bulk := m.priority, m.bulk
	for priority != nil || bulk != nil {
		select {
		case j, ok := <-priority:
			if !ok {
				priority = nil
				continue
			}
			m.upload(j)
			continue
		default:
		}
		select {
		case j, ok := <-priority:
			if !ok {
				priority = nil
				continue
			}
			m.upload(j)
		case j, ok := <-bulk:
			if !ok {
				bulk = nil
				continue
			}
			m.upload(j)
		}
	}
}

func (m *Mirror) upload(j job) {
	c := &m.counters[j.kind]
	var err error
	for attempt := 1; attempt <= attempts[j.kind]; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.UploadTimeout)
		err = m.client.PutFile(ctx, j.key, j.local)
		cancel()
		if err == nil {
			c.uploaded.Add(1)
			m.lastSuccess.Store(time.Now().UTC().Unix())
			m.printf("[mirror] uploaded %s key=%s attempts=%d", j.kind, j.key, attempt)
			return
		}
		if attempt < attempts[j.kind] {
			time.Sleep(time.Duration(attempt*attempt) * m.opts.Backoff)
		}
	}
	c.failed.Add(1)
	m.lastError.Store(time.Now().UTC().Unix())
	m.printf("[mirror] upload failed %s key=%s local=%s err=%v", j.kind, j.key, j.local, err)
}

// classify maps a station file to its kind and object key:
//
//	stations/<id>/snapshots/<tick>.snap.zst    -> <prefix>/<id>/snapshots/<tick>.snap.zst
//	stations/<id>/archives/shift_<N>/<file>    -> <prefix>/<id>/archives/shift_<N>/<file>
//	stations/<id>/{ticks,audit}/<s>-<date>-... -> <prefix>/<id>/logs/<s>/<date>/<file>
func (m *Mirror) classify(localPath string) (job, error) {
	if localPath == "" {
		return job{}, fmt.Errorf("empty local path")
	}
	base, err := filepath.Abs(m.dataDir)
	if err != nil {
		return job{}, err
	}
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return job{}, err
	}
	rel, err := filepath.Rel(base, abs)
	if err != nil {
		return job{}, err
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 4 || parts[0] != "stations" || parts[1] == "" {
		return job{}, fmt.Errorf("not a station file under %s", base)
	}
	station, dir, name := parts[1], parts[2], parts[len(parts)-1]

	j := job{local: abs}
	switch {
	case dir == "snapshots" && len(parts) == 4 && strings.HasSuffix(name, ".snap.zst"):
		j.kind = KindSnapshot
		j.key = path.Join(m.opts.Prefix, station, "snapshots", name)
	case dir == "archives" && len(parts) == 5 && strings.HasPrefix(parts[3], "shift_"):
		j.kind = KindArchive
		j.key = path.Join(m.opts.Prefix, station, "archives", parts[3], name)
	case (dir == "ticks" || dir == "audit") && len(parts) == 4 && strings.HasSuffix(name, ".jsonl.zst"):
		stamp := strings.TrimPrefix(name, dir+"-")
		if len(stamp) < len("2006-01-02") || stamp == name {
			return job{}, fmt.Errorf("log segment %s has no date", name)
		}
		j.kind = KindLog
		j.key = path.Join(m.opts.Prefix, station, "logs", dir, stamp[:len("2006-01-02")], name)
	default:
		return job{}, fmt.Errorf("unrecognized station file %s", rel)
	}
	return j, nil
}

func (m *Mirror) printf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}
