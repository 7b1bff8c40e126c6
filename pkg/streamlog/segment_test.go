package streamlog

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestSegment_WriteAndOpenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	mt := NewMemoryTable(zeroBase)
	mt.Append(1, 1, []byte("hello "))
	mt.Append(1, 2, []byte("world"))
	mt.Append(2, 3, []byte("BB"))

	path := filepath.Join(dir, "1.seg")
	if err := WriteSegment(path, mt, 1, 3); err != nil {
		t.Fatalf("WriteSegment: %v", err)
	}

	seg, err := OpenSegment(path)
	if err != nil {
		t.Fatalf("OpenSegment: %v", err)
	}

	begin, end := seg.EntryIndex()
	if begin != 1 || end != 3 {
		t.Fatalf("EntryIndex = (%d,%d), want (1,3)", begin, end)
	}

	b, e, ok := seg.GetStreamRange(1)
	if !ok || b != 0 || e != 11 {
		t.Fatalf("GetStreamRange(1) = (%d,%d,%v)", b, e, ok)
	}

	buf := make([]byte, 11)
	n, err := seg.Read(1, 0, buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 11 || string(buf) != "hello world" {
		t.Fatalf("Read = %d, %q", n, buf)
	}

	buf2 := make([]byte, 2)
	n2, err := seg.Read(2, 0, buf2)
	if err != nil || n2 != 2 || !bytes.Equal(buf2, []byte("BB")) {
		t.Fatalf("Read stream 2 = %d, %q, err=%v", n2, buf2, err)
	}

	if err := seg.CheckCRC(); err != nil {
		t.Fatalf("CheckCRC: %v", err)
	}
}

func TestSegment_GetStreamRangeMissing(t *testing.T) {
	dir := t.TempDir()
	mt := NewMemoryTable(zeroBase)
	mt.Append(1, 1, []byte("x"))

	path := filepath.Join(dir, "1.seg")
	if err := WriteSegment(path, mt, 1, 1); err != nil {
		t.Fatalf("WriteSegment: %v", err)
	}
	seg, err := OpenSegment(path)
	if err != nil {
		t.Fatalf("OpenSegment: %v", err)
	}
	if _, _, ok := seg.GetStreamRange(999); ok {
		t.Fatalf("expected missing stream to report ok=false")
	}
}

func TestListSegmentFiles_SortedByEntryID(t *testing.T) {
	dir := t.TempDir()
	mt := NewMemoryTable(zeroBase)
	mt.Append(1, 1, []byte("a"))
	if err := WriteSegment(SegmentPath(dir, 1), mt, 1, 1); err != nil {
		t.Fatalf("write: %v", err)
	}
	mt2 := NewMemoryTable(zeroBase)
	mt2.Append(1, 2, []byte("b"))
	if err := WriteSegment(SegmentPath(dir, 2), mt2, 2, 2); err != nil {
		t.Fatalf("write: %v", err)
	}

	files, err := ListSegmentFiles(dir)
	if err != nil {
		t.Fatalf("ListSegmentFiles: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("got %d files, want 2", len(files))
	}
	if filepath.Base(files[0]) != "1.seg" || filepath.Base(files[1]) != "2.seg" {
		t.Fatalf("unexpected order: %v", files)
	}
}
