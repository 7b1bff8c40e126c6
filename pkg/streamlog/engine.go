package streamlog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/streamlogio/streamlog/pkg/core"
	"github.com/streamlogio/streamlog/pkg/core/concurrency"
	otelobs "github.com/streamlogio/streamlog/pkg/observability/otel"
)

var engineTracer = otelobs.Tracer("streamlog.engine")

// SegmentRecorder is notified after a segment seal durably completes, so a
// secondary index (pkg/catalog) can record it. Optional; the engine's
// correctness never depends on it.
type SegmentRecorder interface {
	Record(path string, entryBegin, entryEnd EntryID, streamCount int, byteSize int64) error
}

// EngineConfig configures the storage engine's directories and rotation
// thresholds.
type EngineConfig struct {
	WALDir       string
	SegmentDir   string
	MaxTableSize int64 // freeze the active table once it exceeds this
	MaxWALSize   int64 // WAL file rotation threshold
}

// DefaultEngineConfig returns conservative defaults for the given data root.
func DefaultEngineConfig(walDir, segmentDir string) EngineConfig {
	return EngineConfig{
		WALDir:       walDir,
		SegmentDir:   segmentDir,
		MaxTableSize: 64 << 20,
		MaxWALSize:   64 << 20,
	}
}

// StreamReader is a cheap cloneable cursor over one stream.
type StreamReader struct {
	Stream StreamID
	Offset uint64
}

// Engine is the storage engine: it glues the memory table, WAL, and
// segment store together behind append/read.
type Engine struct {
	cfg      EngineConfig
	logger   core.Logger
	recorder SegmentRecorder

	wal      *WAL
	watchers *WatcherRegistry

	mu          sync.Mutex
	active      *MemoryTable
	frozen      []*MemoryTable
	segments    []*Segment // copy-on-write; readers snapshot under mu then operate lock-free
	nextEntryID EntryID

	// sealPool runs segment seals (WriteSegment + reopen) off the append
	// path's goroutine; sealWG still tracks completion for Close, whether
	// a seal ran on the pool or (pool saturated) its inline fallback.
	sealPool concurrency.WorkerPool
	sealWG   sync.WaitGroup

	unhealthy atomic.Bool
}

// NewEngine opens (or recovers) the storage engine rooted at cfg's
// directories.
func NewEngine(cfg EngineConfig, logger core.Logger) (*Engine, error) {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	if cfg.MaxTableSize <= 0 {
		cfg.MaxTableSize = 64 << 20
	}

	segPaths, err := ListSegmentFiles(cfg.SegmentDir)
	if err != nil {
		return nil, fmt.Errorf("streamlog: listing segments: %w", err)
	}
	var segments []*Segment
	var segmentTip EntryID
	for _, p := range segPaths {
		seg, err := OpenSegment(p)
		if err != nil {
			return nil, fmt.Errorf("streamlog: opening segment %s: %w", p, err)
		}
		segments = append(segments, seg)
		_, end := seg.EntryIndex()
		if end > segmentTip {
			segmentTip = end
		}
	}

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		watchers: NewWatcherRegistry(),
		segments: segments,
	}

	e.sealPool = concurrency.NewWorkerPool(context.Background(), concurrency.DefaultWorkerPoolConfig())
	if err := e.sealPool.Start(); err != nil {
		return nil, fmt.Errorf("streamlog: starting seal worker pool: %w", err)
	}

	wal, replay, err := OpenWAL(cfg.WALDir, cfg.MaxWALSize, segmentTip, e.onWALFatal)
	if err != nil {
		return nil, fmt.Errorf("streamlog: opening wal: %w", err)
	}
	e.wal = wal

	e.active = NewMemoryTable(e.baseOffsetFor)
	var maxEntryID EntryID
	for _, entry := range replay {
		e.installIntoActive(entry)
		if entry.EntryID > maxEntryID {
			maxEntryID = entry.EntryID
		}
		if uint64(e.active.TotalBytes()) > uint64(cfg.MaxTableSize) {
			e.frozen = append(e.frozen, e.active)
			e.active = NewMemoryTable(e.baseOffsetFor)
		}
	}
	if segmentTip > maxEntryID {
		maxEntryID = segmentTip
	}
	e.nextEntryID = maxEntryID + 1

	// Seed watchers from recovered coverage so a tail session started
	// immediately after recovery sees the correct tail offsets.
	for stream := range e.streamCoverageSnapshot() {
		_, end := e.streamRangeLocked(stream)
		e.watchers.Notify(stream, end)
	}

	return e, nil
}

func (e *Engine) onWALFatal(err error) {
	e.unhealthy.Store(true)
	e.logger.Errorf("streamlog: wal writer failed, engine is now unhealthy: %v", err)
}

// SetSegmentRecorder installs an optional secondary index notified after
// each segment seal (see SegmentRecorder).
func (e *Engine) SetSegmentRecorder(r SegmentRecorder) {
	e.recorder = r
}

// installIntoActive installs a replayed WAL entry into the active table.
// The payload is opaque bytes to the engine; record framing is the
// caller's concern, not the memory table's.
func (e *Engine) installIntoActive(entry Entry) {
	e.active.Append(entry.StreamID, entry.EntryID, entry.Payload)
}

// baseOffsetFor returns a stream's current published offset: the union of
// segment + frozen-table coverage, used to seed a new active table.
func (e *Engine) baseOffsetFor(stream StreamID) uint64 {
	// The active table is not consulted: this runs inside its own Append,
	// with its mutex held.
	var end uint64
	for _, seg := range e.segments {
		if _, e2, ok := seg.GetStreamRange(stream); ok {
			end = e2
		}
	}
	for _, ft := range e.frozen {
		if _, e2, ok := ft.Range(stream); ok {
			end = e2
		}
	}
	return end
}

// streamRangeLocked computes (begin, end) for stream across
// segments -> frozen -> active, assuming e.mu is already held by the
// caller or the engine is still single-threaded during recovery.
func (e *Engine) streamRangeLocked(stream StreamID) (begin, end uint64) {
	haveAny := false
	for _, seg := range e.segments {
		if b, e2, ok := seg.GetStreamRange(stream); ok {
			if !haveAny {
				begin = b
				haveAny = true
			}
			end = e2
		}
	}
	for _, ft := range e.frozen {
		if b, e2, ok := ft.Range(stream); ok {
			if !haveAny {
				begin = b
				haveAny = true
			}
			end = e2
		}
	}
	if b, e2, ok := e.active.Range(stream); ok {
		if !haveAny {
			begin = b
			haveAny = true
		}
		end = e2
	}
	return begin, end
}

func (e *Engine) streamCoverageSnapshot() map[StreamID]struct{} {
	out := make(map[StreamID]struct{})
	for _, seg := range e.segments {
		// Segment exposes no stream enumeration API beyond GetStreamRange by
		// id, so coverage discovery at recovery time comes from frozen/active
		// tables (which were just replayed) rather than segments directly.
		_ = seg
	}
	for _, ft := range e.frozen {
		for _, s := range ft.Streams() {
			out[s] = struct{}{}
		}
	}
	for _, s := range e.active.Streams() {
		out[s] = struct{}{}
	}
	return out
}

// GetStreamRange returns the union of stream's coverage across segments,
// frozen tables, and the active table.
func (e *Engine) GetStreamRange(stream StreamID) (begin, end uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.streamRangeLocked(stream)
}

// NewStreamReader returns a cursor positioned at offset 0 for stream.
func (e *Engine) NewStreamReader(stream StreamID) *StreamReader {
	return &StreamReader{Stream: stream}
}

// Read reads from whichever layer currently owns reader.Offset,
// transparently advancing across layer boundaries, filling buf as far as
// contiguous data allows. Returns 0 when at the tip.
func (e *Engine) Read(reader *StreamReader, buf []byte) (int, error) {
	e.mu.Lock()
	segments := make([]*Segment, len(e.segments))
	copy(segments, e.segments)
	frozen := make([]*MemoryTable, len(e.frozen))
	copy(frozen, e.frozen)
	active := e.active
	e.mu.Unlock()

	total := 0
	for total < len(buf) {
		n, advanced := e.readOneLayer(segments, frozen, active, reader.Stream, reader.Offset, buf[total:])
		total += n
		reader.Offset += uint64(n)
		if !advanced || n == 0 {
			break
		}
	}
	return total, nil
}

func (e *Engine) readOneLayer(segments []*Segment, frozen []*MemoryTable, active *MemoryTable, stream StreamID, offset uint64, buf []byte) (int, bool) {
	for _, seg := range segments {
		if begin, end, ok := seg.GetStreamRange(stream); ok && offset >= begin && offset < end {
			n, err := seg.Read(stream, offset, buf)
			if err != nil {
				return 0, false
			}
			return n, true
		}
	}
	for _, ft := range frozen {
		if begin, end, ok := ft.Range(stream); ok && offset >= begin && offset < end {
			return ft.Read(stream, offset, buf), true
		}
	}
	if begin, end, ok := active.Range(stream); ok && offset >= begin && offset < end {
		return active.Read(stream, offset, buf), true
	}
	return 0, false
}

// Append durably persists bytes to stream and returns the new tail
// offset. Blocks until the WAL batch is durable.
func (e *Engine) Append(ctx context.Context, stream StreamID, data []byte) (uint64, error) {
	return e.AppendAsync(ctx, stream, data)
}

// AppendAsync is the entry point the RPC layer uses. Semantics identical
// to Append; named distinctly to mirror the two append entry points even
// though Go's goroutines make the two calls equivalent here.
func (e *Engine) AppendAsync(ctx context.Context, stream StreamID, data []byte) (uint64, error) {
	if len(data) == 0 {
		return 0, ErrDataEmpty
	}
	if e.unhealthy.Load() {
		return 0, newErr(KindInternal, "streamlog: engine is unhealthy after a wal failure", nil)
	}

	e.mu.Lock()
	entryID := e.nextEntryID
	e.nextEntryID++
	e.mu.Unlock()

	if err := e.wal.Append(Entry{EntryID: entryID, StreamID: stream, Payload: data}); err != nil {
		e.unhealthy.Store(true)
		return 0, newErr(KindInternal, "streamlog: wal append failed", err)
	}

	e.mu.Lock()
	newOffset := e.active.Append(stream, entryID, data)
	needsSeal := e.active.TotalBytes() > uint64(e.cfg.MaxTableSize)
	var toSeal *MemoryTable
	if needsSeal {
		toSeal = e.active
		e.frozen = append(e.frozen, toSeal)
		e.active = NewMemoryTable(e.baseOffsetFor)
	}
	e.mu.Unlock()

	e.watchers.Notify(stream, newOffset)

	if toSeal != nil {
		e.sealWG.Add(1)
		task := concurrency.TaskFunc(func(ctx context.Context) error {
			e.sealTable(toSeal)
			return nil
		})
		if err := e.sealPool.Submit(task); err != nil {
			e.logger.Warnf("streamlog: seal pool saturated, sealing inline: %v", err)
			go func() { _ = task.Execute(context.Background()) }()
		}
	}

	return newOffset, nil
}

func (e *Engine) sealTable(mt *MemoryTable) {
	defer e.sealWG.Done()

	_, span := engineTracer.Start(context.Background(), "engine.seal_segment")
	defer span.End()

	first, last, ok := mt.EntryRange()
	if !ok {
		return
	}
	path := SegmentPath(e.cfg.SegmentDir, first)
	if err := WriteSegment(path, mt, first, last); err != nil {
		e.logger.Errorf("streamlog: sealing segment %s failed: %v", path, err)
		return
	}
	seg, err := OpenSegment(path)
	if err != nil {
		e.logger.Errorf("streamlog: reopening sealed segment %s failed: %v", path, err)
		return
	}

	e.mu.Lock()
	e.segments = append(e.segments, seg)
	for i, ft := range e.frozen {
		if ft == mt {
			e.frozen = append(e.frozen[:i], e.frozen[i+1:]...)
			break
		}
	}
	e.mu.Unlock()

	if e.recorder != nil {
		if err := e.recorder.Record(path, first, last, len(mt.Streams()), int64(mt.TotalBytes())); err != nil {
			e.logger.Warnf("streamlog: segment catalog record failed for %s: %v", path, err)
		}
	}

	if err := e.wal.GC(last); err != nil {
		e.logger.Warnf("streamlog: wal gc up to entry %d failed: %v", last, err)
	}
}

// Watchers exposes the tail watcher registry to the RPC layer.
func (e *Engine) Watchers() *WatcherRegistry { return e.watchers }

// Healthy reports whether the engine's write path is still usable.
func (e *Engine) Healthy() bool { return !e.unhealthy.Load() }

// Close waits for outstanding segment seals, stops the seal worker pool,
// and closes the WAL.
func (e *Engine) Close() error {
	e.sealWG.Wait()
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.sealPool.Stop(stopCtx); err != nil {
		e.logger.Warnf("streamlog: seal worker pool stop: %v", err)
	}
	return e.wal.Close()
}
