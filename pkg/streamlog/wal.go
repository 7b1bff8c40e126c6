package streamlog

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	otelobs "github.com/streamlogio/streamlog/pkg/observability/otel"
)

// walTracer traces the one operation worth seeing in a distributed
// trace: the fsync a slow disk can stall on. Before otel.Initialize is
// called this is a no-op tracer, so the span is free.
var walTracer = otelobs.Tracer("streamlog.wal")

// entryHeaderSize is the fixed portion of an on-disk WAL entry:
// version(1) + entry_id(8) + stream_id(8) + payload_len(4).
const entryHeaderSize = 1 + 8 + 8 + 4

const entryVersion = 1

// maxBatchEntries bounds one WAL write_all+fsync batch: block for one
// entry, then greedily drain without blocking until the batch holds this
// many entries in total.
const maxBatchEntries = 128

// Entry is the unit written to the WAL: one accepted append plus its
// ordering metadata. payload is an already-framed record; the WAL never
// inspects it.
type Entry struct {
	EntryID  EntryID
	StreamID StreamID
	Payload  []byte
}

func encodeEntry(dst []byte, e Entry) []byte {
	var hdr [entryHeaderSize]byte
	hdr[0] = entryVersion
	binary.LittleEndian.PutUint64(hdr[1:9], uint64(e.EntryID))
	binary.LittleEndian.PutUint64(hdr[9:17], uint64(e.StreamID))
	binary.LittleEndian.PutUint32(hdr[17:21], uint32(len(e.Payload)))
	dst = append(dst, hdr[:]...)
	dst = append(dst, e.Payload...)
	return dst
}

// decodeEntry reads one entry from r. Returns io.EOF at a clean
// file boundary, io.ErrUnexpectedEOF on a truncated trailing record.
func decodeEntry(r io.Reader) (Entry, error) {
	var hdr [entryHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Entry{}, io.EOF
		}
		return Entry{}, io.ErrUnexpectedEOF
	}
	entryID := EntryID(binary.LittleEndian.Uint64(hdr[1:9]))
	streamID := StreamID(binary.LittleEndian.Uint64(hdr[9:17]))
	payloadLen := binary.LittleEndian.Uint32(hdr[17:21])

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Entry{}, io.ErrUnexpectedEOF
	}
	return Entry{EntryID: entryID, StreamID: streamID, Payload: payload}, nil
}

// ErrorHandler is installed by the caller to observe a fatal WAL write
// failure. The write goroutine exits after calling it; further appends
// fail fast with the same error.
type ErrorHandler func(err error)

type walRequest struct {
	entry Entry
	done  chan error
}

// WAL is the durable, ordered, single-writer record of every accepted
// append. It rotates at a size threshold and garbage-collects sealed
// files once their content is redundant with a sealed segment.
type WAL struct {
	dir     string
	maxSize int64
	onFatal ErrorHandler

	mu          sync.Mutex
	sealed      map[EntryID]string // last entry id in file -> path
	current     *os.File
	buf         *bufio.Writer
	size        int64
	lastWritten EntryID

	requests chan walRequest

	fatalMu  sync.Mutex
	fatalErr error

	closedMu sync.RWMutex
	closed   bool

	wg sync.WaitGroup
}

// RecoveredEntry is a WAL entry returned by OpenWAL for replay, in
// entry-id order.
type RecoveredEntry = Entry

// OpenWAL discovers existing *.wal files, replays every entry whose id is
// greater than segmentTip (segments already cover everything ≤ segmentTip),
// and returns a ready-to-append WAL plus the ordered entries to replay
// into memory tables.
func OpenWAL(dir string, maxSize int64, segmentTip EntryID, onFatal ErrorHandler) (*WAL, []RecoveredEntry, error) {
	if maxSize <= 0 {
		maxSize = 64 << 20
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, err
	}

	paths, err := walFiles(dir)
	if err != nil {
		return nil, nil, err
	}

	type fileInfo struct {
		path     string
		firstID  EntryID
		lastID   EntryID
		entries  []Entry
		hadEntry bool
	}
	var infos []fileInfo
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, nil, err
		}
		var fi fileInfo
		fi.path = p
		r := bufio.NewReader(f)
		var goodOffset int64
		for {
			e, derr := decodeEntry(r)
			if derr == io.EOF {
				break
			}
			if derr == io.ErrUnexpectedEOF {
				// A torn trailing record: the process crashed mid-write, before
				// fsync. Stop replaying here; goodOffset below discards the
				// partial bytes from disk so a later append can't leave them
				// sitting in the middle of the file.
				break
			}
			if !fi.hadEntry {
				fi.firstID = e.EntryID
				fi.hadEntry = true
			}
			fi.lastID = e.EntryID
			fi.entries = append(fi.entries, e)
			goodOffset += int64(entryHeaderSize + len(e.Payload))
		}
		f.Close()

		if !fi.hadEntry {
			os.Remove(p)
			continue
		}
		if st, statErr := os.Stat(p); statErr == nil && st.Size() > goodOffset {
			if err := os.Truncate(p, goodOffset); err != nil {
				return nil, nil, err
			}
		}
		infos = append(infos, fi)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].firstID < infos[j].firstID })

	w := &WAL{
		dir:      dir,
		maxSize:  maxSize,
		onFatal:  onFatal,
		sealed:   make(map[EntryID]string),
		requests: make(chan walRequest, 4096),
	}

	var replay []RecoveredEntry
	var maxSeen EntryID
	var survivingPath string
	var survivingLast EntryID

	for i, fi := range infos {
		if fi.lastID > maxSeen {
			maxSeen = fi.lastID
		}
		if fi.lastID <= segmentTip {
			// Fully redundant with sealed segment data.
			os.Remove(fi.path)
			continue
		}
		for _, e := range fi.entries {
			if e.EntryID > segmentTip {
				replay = append(replay, e)
			}
		}
		isLast := i == len(infos)-1
		if isLast {
			survivingPath = fi.path
			survivingLast = fi.lastID
		} else {
			w.sealed[fi.lastID] = fi.path
		}
	}

	if survivingPath != "" {
		f, err := os.OpenFile(survivingPath, os.O_RDWR|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, nil, err
		}
		w.current = f
		w.size = st.Size()
		w.buf = bufio.NewWriter(f)
		_ = survivingLast
	} else {
		next := maxSeen + 1
		if maxSeen == 0 && segmentTip > 0 {
			next = segmentTip + 1
		}
		if err := w.openNewFile(next); err != nil {
			return nil, nil, err
		}
	}

	w.wg.Add(1)
	go w.writeLoop()

	return w, replay, nil
}

func walFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".wal") {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	return out, nil
}

func (w *WAL) openNewFile(firstID EntryID) error {
	path := filepath.Join(w.dir, fmt.Sprintf("%d.wal", uint64(firstID)))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.current = f
	w.buf = bufio.NewWriter(f)
	w.size = 0
	return nil
}

// Append enqueues entry for durable write and blocks until the batch
// containing it has been fsync'd, or returns the WAL's fatal error if
// the write goroutine has died.
func (w *WAL) Append(e Entry) error {
	if err := w.FatalError(); err != nil {
		return err
	}
	w.closedMu.RLock()
	defer w.closedMu.RUnlock()
	if w.closed {
		return errors.New("streamlog: wal is closed")
	}
	done := make(chan error, 1)
	w.requests <- walRequest{entry: e, done: done}
	return <-done
}

// FatalError returns the error that killed the write goroutine, if any.
func (w *WAL) FatalError() error {
	w.fatalMu.Lock()
	defer w.fatalMu.Unlock()
	return w.fatalErr
}

func (w *WAL) setFatal(err error) {
	w.fatalMu.Lock()
	w.fatalErr = err
	w.fatalMu.Unlock()
	if w.onFatal != nil {
		w.onFatal(err)
	}
}

func (w *WAL) writeLoop() {
	defer w.wg.Done()

	for first := range w.requests {
		batch := []walRequest{first}
	drain:
		for len(batch) < maxBatchEntries {
			select {
			case req, ok := <-w.requests:
				if !ok {
					break drain
				}
				batch = append(batch, req)
			default:
				break drain
			}
		}

		err := w.writeBatch(batch)
		for _, req := range batch {
			req.done <- err
		}
		if err != nil {
			w.setFatal(err)
			return
		}
	}
}

func (w *WAL) writeBatch(batch []walRequest) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var pending []byte
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if _, err := w.buf.Write(pending); err != nil {
			return err
		}
		pending = nil
		return w.buf.Flush()
	}

	for _, req := range batch {
		if w.size > 0 && w.size >= w.maxSize {
			if err := flush(); err != nil {
				return err
			}
			if err := w.rotateLocked(req.entry.EntryID); err != nil {
				return err
			}
		}
		pending = encodeEntry(pending, req.entry)
		w.size += int64(entryHeaderSize + len(req.entry.Payload))
		w.lastWritten = req.entry.EntryID
	}

	if err := flush(); err != nil {
		return err
	}

	_, span := walTracer.Start(context.Background(), "wal.fsync")
	err := w.current.Sync()
	span.End()
	return err
}

func (w *WAL) rotateLocked(nextEntryID EntryID) error {
	if err := w.current.Sync(); err != nil {
		return err
	}
	path := w.current.Name()
	if err := w.current.Close(); err != nil {
		return err
	}
	w.sealed[w.lastWritten] = path

	return w.openNewFile(nextEntryID)
}

// GC deletes every sealed WAL file whose content is entirely covered by a
// durable segment reaching up to lastEntryID.
func (w *WAL) GC(lastEntryID EntryID) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for key, path := range w.sealed {
		last, err := lastEntryIDInFile(path)
		if err != nil {
			continue
		}
		if last <= lastEntryID {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return err
			}
			delete(w.sealed, key)
		}
	}
	return nil
}

func lastEntryIDInFile(path string) (EntryID, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var last EntryID
	r := bufio.NewReader(f)
	for {
		e, err := decodeEntry(r)
		if err != nil {
			break
		}
		last = e.EntryID
	}
	return last, nil
}

// Close stops the write goroutine and closes the active file.
func (w *WAL) Close() error {
	w.closedMu.Lock()
	if w.closed {
		w.closedMu.Unlock()
		return nil
	}
	w.closed = true
	w.closedMu.Unlock()

	close(w.requests)
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf != nil {
		w.buf.Flush()
	}
	if w.current != nil {
		return w.current.Close()
	}
	return nil
}
