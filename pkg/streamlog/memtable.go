package streamlog

import (
	"sync"

	"github.com/streamlogio/streamlog/pkg/core/failfast"
)

// StreamID is a directory-service-assigned identifier, opaque to the engine.
type StreamID int64

// EntryID is globally increasing across all streams, assigned by the
// storage engine under the write lock.
type EntryID uint64

// BaseOffsetFunc returns a stream's current global byte offset as known
// to the engine — what sealed segments plus older frozen tables have
// already published. Invoked lazily, on first insert for that stream.
type BaseOffsetFunc func(stream StreamID) uint64

// MemoryTable holds one generation's writes: a StreamTable per stream
// plus (first_entry_id, last_entry_id, total_bytes). It is active
// (receives appends) or frozen (immutable, waiting to be sealed).
type MemoryTable struct {
	baseOffset BaseOffsetFunc

	mu      sync.Mutex
	streams map[StreamID]*StreamTable

	firstEntryID EntryID
	lastEntryID  EntryID
	haveFirst    bool
	totalBytes   uint64
}

// NewMemoryTable creates an empty active memory table. base resolves a
// stream's starting offset the first time that stream appears here.
func NewMemoryTable(base BaseOffsetFunc) *MemoryTable {
	return &MemoryTable{
		baseOffset: base,
		streams:    make(map[StreamID]*StreamTable),
	}
}

// Append installs entry's payload into the stream's rope and returns the
// new post-append byte offset for that stream.
func (m *MemoryTable) Append(stream StreamID, entryID EntryID, payload []byte) uint64 {
	failfast.If(stream != 0, "stream id must be non-zero")
	failfast.If(len(payload) > 0, "payload must be non-empty")

	m.mu.Lock()
	defer m.mu.Unlock()

	failfast.If(entryID > m.lastEntryID, "entry id must be strictly increasing")

	st, ok := m.streams[stream]
	if !ok {
		st = NewStreamTable(m.baseOffset(stream))
		m.streams[stream] = st
	}
	newOffset := st.Append(payload)

	if !m.haveFirst {
		m.firstEntryID = entryID
		m.haveFirst = true
	}
	m.lastEntryID = entryID
	m.totalBytes += uint64(len(payload))

	return newOffset
}

// Read reads from the named stream's rope, if present in this table.
func (m *MemoryTable) Read(stream StreamID, offset uint64, buf []byte) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.streams[stream]
	if !ok {
		return 0
	}
	return st.Read(offset, buf)
}

// Range returns the stream's (begin, end) coverage within this table, and
// whether the stream has any data here at all.
func (m *MemoryTable) Range(stream StreamID) (begin, end uint64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, present := m.streams[stream]
	if !present {
		return 0, 0, false
	}
	b, e := st.Range()
	return b, e, true
}

// TotalBytes returns the total payload bytes appended to this table.
func (m *MemoryTable) TotalBytes() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalBytes
}

// EntryRange returns (first, last, ok); ok is false for an empty table.
func (m *MemoryTable) EntryRange() (first, last EntryID, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.firstEntryID, m.lastEntryID, m.haveFirst
}

// Streams returns the set of stream ids with data in this table.
func (m *MemoryTable) Streams() []StreamID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StreamID, 0, len(m.streams))
	for id := range m.streams {
		out = append(out, id)
	}
	return out
}

// StreamTableFor returns the stream's rope, if present. Used by the seal
// job to materialize a segment from a frozen table; callers must not
// mutate the table concurrently with reads (frozen tables are immutable).
func (m *MemoryTable) StreamTableFor(stream StreamID) (*StreamTable, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.streams[stream]
	return st, ok
}
