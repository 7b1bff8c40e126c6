package streamlog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc64"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// segmentMagic tags the footer so OpenSegment can sanity-check the file.
const segmentMagic = uint32(0x53534c47) // "SSLG"

var crc64Table = crc64.MakeTable(crc64.ECMA)

// streamIndexEntry describes one stream's byte region within a segment file.
type streamIndexEntry struct {
	streamID    StreamID
	fileOffset  uint64
	fileLen     uint64
	streamBegin uint64
	streamEnd   uint64
	crc         uint64
}

// Segment is an immutable on-disk materialization of one frozen memory
// table, produced by WriteSegment and opened read-only by OpenSegment.
type Segment struct {
	path       string
	entryBegin EntryID
	entryEnd   EntryID
	index      map[StreamID]streamIndexEntry
}

// WriteSegment seals mt to path, recording entryBegin/entryEnd and, per
// stream, its byte region, stream offset range, and CRC64.
func WriteSegment(path string, mt *MemoryTable, entryBegin, entryEnd EntryID) (err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	w := bufio.NewWriter(f)
	var fileOffset uint64
	streams := mt.Streams()
	sort.Slice(streams, func(i, j int) bool { return streams[i] < streams[j] })

	entries := make([]streamIndexEntry, 0, len(streams))
	for _, sid := range streams {
		st, ok := mt.StreamTableFor(sid)
		if !ok {
			continue
		}
		begin, end := st.Range()
		buf := make([]byte, end-begin)
		n := st.Read(begin, buf)
		buf = buf[:n]

		crc := crc64.Checksum(buf, crc64Table)
		if _, werr := w.Write(buf); werr != nil {
			return werr
		}
		entries = append(entries, streamIndexEntry{
			streamID:    sid,
			fileOffset:  fileOffset,
			fileLen:     uint64(len(buf)),
			streamBegin: begin,
			streamEnd:   end,
			crc:         crc,
		})
		fileOffset += uint64(len(buf))
	}

	footerOffset := fileOffset
	if err := writeFooter(w, entryBegin, entryEnd, entries); err != nil {
		return err
	}

	var ptr [8]byte
	binary.LittleEndian.PutUint64(ptr[:], footerOffset)
	if _, err := w.Write(ptr[:]); err != nil {
		return err
	}

	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

// writeFooter emits magic + entry-id range + stream count + one fixed-size
// record per stream (streamID, fileOffset, fileLen, streamBegin, streamEnd, crc64).
func writeFooter(w *bufio.Writer, entryBegin, entryEnd EntryID, entries []streamIndexEntry) error {
	var hdr [20]byte
	binary.LittleEndian.PutUint32(hdr[0:4], segmentMagic)
	binary.LittleEndian.PutUint64(hdr[4:12], uint64(entryBegin))
	binary.LittleEndian.PutUint64(hdr[12:20], uint64(entryEnd))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}

	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(entries)))
	if _, err := w.Write(countBuf[:]); err != nil {
		return err
	}

	for _, e := range entries {
		var rec [48]byte
		binary.LittleEndian.PutUint64(rec[0:8], uint64(e.streamID))
		binary.LittleEndian.PutUint64(rec[8:16], e.fileOffset)
		binary.LittleEndian.PutUint64(rec[16:24], e.fileLen)
		binary.LittleEndian.PutUint64(rec[24:32], e.streamBegin)
		binary.LittleEndian.PutUint64(rec[32:40], e.streamEnd)
		binary.LittleEndian.PutUint64(rec[40:48], e.crc)
		if _, err := w.Write(rec[:]); err != nil {
			return err
		}
	}
	return nil
}

// OpenSegment opens a sealed segment file, reading its footer (located via
// a trailing 8-byte offset pointer) to recover the entry-id range and
// per-stream byte regions without scanning the payload.
func OpenSegment(path string) (*Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size < 8 {
		return nil, fmt.Errorf("streamlog: segment %s too small", path)
	}

	var ptrBuf [8]byte
	if _, err := f.ReadAt(ptrBuf[:], size-8); err != nil {
		return nil, err
	}
	footerOffset := binary.LittleEndian.Uint64(ptrBuf[:])
	if int64(footerOffset) < 0 || int64(footerOffset) > size-8 {
		return nil, fmt.Errorf("streamlog: segment %s has a corrupt footer pointer", path)
	}

	footerLen := size - 8 - int64(footerOffset)
	footer := make([]byte, footerLen)
	if _, err := f.ReadAt(footer, int64(footerOffset)); err != nil {
		return nil, err
	}

	if len(footer) < 24 {
		return nil, fmt.Errorf("streamlog: segment %s footer truncated", path)
	}
	magic := binary.LittleEndian.Uint32(footer[0:4])
	if magic != segmentMagic {
		return nil, fmt.Errorf("streamlog: segment %s bad magic", path)
	}
	entryBegin := EntryID(binary.LittleEndian.Uint64(footer[4:12]))
	entryEnd := EntryID(binary.LittleEndian.Uint64(footer[12:20]))
	count := binary.LittleEndian.Uint32(footer[20:24])

	index := make(map[StreamID]streamIndexEntry, count)
	pos := 24
	for i := uint32(0); i < count; i++ {
		if pos+48 > len(footer) {
			return nil, fmt.Errorf("streamlog: segment %s footer record truncated", path)
		}
		rec := footer[pos : pos+48]
		e := streamIndexEntry{
			streamID:    StreamID(binary.LittleEndian.Uint64(rec[0:8])),
			fileOffset:  binary.LittleEndian.Uint64(rec[8:16]),
			fileLen:     binary.LittleEndian.Uint64(rec[16:24]),
			streamBegin: binary.LittleEndian.Uint64(rec[24:32]),
			streamEnd:   binary.LittleEndian.Uint64(rec[32:40]),
			crc:         binary.LittleEndian.Uint64(rec[40:48]),
		}
		index[e.streamID] = e
		pos += 48
	}

	return &Segment{path: path, entryBegin: entryBegin, entryEnd: entryEnd, index: index}, nil
}

// EntryIndex returns the inclusive range of entry ids covered by this segment.
func (s *Segment) EntryIndex() (begin, end EntryID) {
	return s.entryBegin, s.entryEnd
}

// StreamCount returns how many distinct streams this segment covers.
func (s *Segment) StreamCount() int {
	return len(s.index)
}

// GetStreamRange returns the stream's byte range within this segment, if present.
func (s *Segment) GetStreamRange(stream StreamID) (begin, end uint64, ok bool) {
	e, present := s.index[stream]
	if !present {
		return 0, 0, false
	}
	return e.streamBegin, e.streamEnd, true
}

// Read copies bytes for stream starting at offset into buf.
func (s *Segment) Read(stream StreamID, offset uint64, buf []byte) (int, error) {
	e, ok := s.index[stream]
	if !ok || offset < e.streamBegin || offset >= e.streamEnd || len(buf) == 0 {
		return 0, nil
	}

	f, err := os.Open(s.path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	within := offset - e.streamBegin
	n := len(buf)
	if remain := int(e.fileLen - within); n > remain {
		n = remain
	}
	read, err := f.ReadAt(buf[:n], int64(e.fileOffset+within))
	if err != nil {
		return read, err
	}
	return read, nil
}

// CheckCRC recomputes and compares every stream's CRC64 against the footer.
func (s *Segment) CheckCRC() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	for sid, e := range s.index {
		buf := make([]byte, e.fileLen)
		if _, err := f.ReadAt(buf, int64(e.fileOffset)); err != nil {
			return fmt.Errorf("streamlog: reading stream %d region: %w", sid, err)
		}
		if crc64.Checksum(buf, crc64Table) != e.crc {
			return fmt.Errorf("streamlog: crc mismatch for stream %d in %s", sid, s.path)
		}
	}
	return nil
}

// ListSegmentFiles discovers segment files by extension, sorted by the
// entry id encoded in their name (first_entry_id.seg).
func ListSegmentFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	type named struct {
		id   uint64
		path string
	}
	var out []named
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".seg") {
			continue
		}
		base := strings.TrimSuffix(e.Name(), ".seg")
		id, err := strconv.ParseUint(base, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, named{id: id, path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	paths := make([]string, len(out))
	for i, n := range out {
		paths[i] = n.path
	}
	return paths, nil
}

// SegmentPath returns the conventional path for a segment whose range
// begins at entryBegin.
func SegmentPath(dir string, entryBegin EntryID) string {
	return filepath.Join(dir, fmt.Sprintf("%d.seg", uint64(entryBegin)))
}
