package streamlog

import (
	"bytes"
	"testing"
)

func TestStreamTable_SingleWriteSingleRead(t *testing.T) {
	st := NewStreamTable(0)
	end := st.Append([]byte("hello world"))
	if end != 11 {
		t.Fatalf("end offset = %d, want 11", end)
	}

	buf := make([]byte, 11)
	n := st.Read(0, buf)
	if n != 11 || string(buf) != "hello world" {
		t.Fatalf("Read = %d, %q", n, buf)
	}
}

func TestStreamTable_CrossBoundaryRead(t *testing.T) {
	st := NewStreamTable(0)
	if end := st.Append([]byte("hello ")); end != 6 {
		t.Fatalf("end offset = %d, want 6", end)
	}
	if end := st.Append([]byte("world")); end != 11 {
		t.Fatalf("end offset = %d, want 11", end)
	}

	buf := make([]byte, 4)
	n := st.Read(4, buf)
	if n != 4 || string(buf) != "o wo" {
		t.Fatalf("Read(4, buf[4]) = %d, %q", n, buf)
	}
}

func TestStreamTable_ChunkRotation(t *testing.T) {
	st := NewStreamTable(0)
	data := bytes.Repeat([]byte("a"), ChunkCapacity+100)
	end := st.Append(data)
	if end != uint64(len(data)) {
		t.Fatalf("end = %d, want %d", end, len(data))
	}
	if len(st.chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(st.chunks))
	}
	if len(st.chunks[0].data) != ChunkCapacity {
		t.Fatalf("first chunk size = %d, want %d", len(st.chunks[0].data), ChunkCapacity)
	}
	if len(st.chunks[1].data) != 100 {
		t.Fatalf("second chunk size = %d, want 100", len(st.chunks[1].data))
	}

	buf := make([]byte, 200)
	n := st.Read(uint64(ChunkCapacity-100), buf)
	if n != 200 {
		t.Fatalf("cross-chunk read = %d, want 200", n)
	}
}

func TestStreamTable_ReadPastEndReturnsZero(t *testing.T) {
	st := NewStreamTable(0)
	st.Append([]byte("abc"))
	buf := make([]byte, 10)
	if n := st.Read(3, buf); n != 0 {
		t.Fatalf("Read at end = %d, want 0", n)
	}
	if n := st.Read(100, buf); n != 0 {
		t.Fatalf("Read past end = %d, want 0", n)
	}
}

func TestStreamTable_NonZeroBase(t *testing.T) {
	st := NewStreamTable(100)
	end := st.Append([]byte("xyz"))
	if end != 103 {
		t.Fatalf("end = %d, want 103", end)
	}
	begin, e := st.Range()
	if begin != 100 || e != 103 {
		t.Fatalf("Range = (%d,%d), want (100,103)", begin, e)
	}
	buf := make([]byte, 3)
	if n := st.Read(100, buf); n != 3 || string(buf) != "xyz" {
		t.Fatalf("Read = %d, %q", n, buf)
	}
}
