package streamlog

import "testing"

func zeroBase(StreamID) uint64 { return 0 }

func TestMemoryTable_AppendAndRead(t *testing.T) {
	mt := NewMemoryTable(zeroBase)

	off := mt.Append(1, 1, []byte("hello world"))
	if off != 11 {
		t.Fatalf("offset = %d, want 11", off)
	}

	buf := make([]byte, 11)
	if n := mt.Read(1, 0, buf); n != 11 || string(buf) != "hello world" {
		t.Fatalf("Read = %d, %q", n, buf)
	}

	first, last, ok := mt.EntryRange()
	if !ok || first != 1 || last != 1 {
		t.Fatalf("EntryRange = (%d,%d,%v)", first, last, ok)
	}
}

func TestMemoryTable_BaseOffsetCalledLazily(t *testing.T) {
	calls := 0
	base := func(s StreamID) uint64 {
		calls++
		return 100
	}
	mt := NewMemoryTable(base)
	mt.Append(5, 1, []byte("x"))
	if calls != 1 {
		t.Fatalf("base offset called %d times, want 1", calls)
	}
	mt.Append(5, 2, []byte("y"))
	if calls != 1 {
		t.Fatalf("base offset called %d times after second append, want 1 (cached)", calls)
	}

	begin, _, ok := mt.Range(5)
	if !ok || begin != 100 {
		t.Fatalf("Range begin = %d, want 100", begin)
	}
}

func TestMemoryTable_TotalBytesAndStreams(t *testing.T) {
	mt := NewMemoryTable(zeroBase)
	mt.Append(1, 1, []byte("abc"))
	mt.Append(2, 2, []byte("de"))

	if mt.TotalBytes() != 5 {
		t.Fatalf("TotalBytes = %d, want 5", mt.TotalBytes())
	}
	streams := mt.Streams()
	if len(streams) != 2 {
		t.Fatalf("Streams = %v, want 2 entries", streams)
	}
}

func TestMemoryTable_ReadUnknownStream(t *testing.T) {
	mt := NewMemoryTable(zeroBase)
	buf := make([]byte, 4)
	if n := mt.Read(42, 0, buf); n != 0 {
		t.Fatalf("Read unknown stream = %d, want 0", n)
	}
}

func TestMemoryTable_NonIncreasingEntryIDPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for non-increasing entry id")
		}
	}()
	mt := NewMemoryTable(zeroBase)
	mt.Append(1, 5, []byte("a"))
	mt.Append(1, 5, []byte("b"))
}
