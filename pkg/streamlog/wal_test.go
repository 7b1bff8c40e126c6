package streamlog

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestWAL_AppendAndRecoverReplaysEntries(t *testing.T) {
	dir := t.TempDir()

	w, replay, err := OpenWAL(dir, 1<<20, 0, nil)
	if err != nil {
		t.Fatalf("OpenWAL: %v", err)
	}
	if len(replay) != 0 {
		t.Fatalf("expected no replay entries on fresh dir, got %d", len(replay))
	}

	if err := w.Append(Entry{EntryID: 1, StreamID: 1, Payload: []byte("a")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Append(Entry{EntryID: 2, StreamID: 1, Payload: []byte("bb")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	w2, replay2, err := OpenWAL(dir, 1<<20, 0, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.Close()

	if len(replay2) != 2 {
		t.Fatalf("replay = %d entries, want 2", len(replay2))
	}
	if replay2[0].EntryID != 1 || !bytes.Equal(replay2[0].Payload, []byte("a")) {
		t.Fatalf("replay[0] = %+v", replay2[0])
	}
	if replay2[1].EntryID != 2 || !bytes.Equal(replay2[1].Payload, []byte("bb")) {
		t.Fatalf("replay[1] = %+v", replay2[1])
	}
}

func TestWAL_RecoverySkipsEntriesCoveredBySegmentTip(t *testing.T) {
	dir := t.TempDir()

	w, _, err := OpenWAL(dir, 1<<20, 0, nil)
	if err != nil {
		t.Fatalf("OpenWAL: %v", err)
	}
	for i := EntryID(1); i <= 3; i++ {
		if err := w.Append(Entry{EntryID: i, StreamID: 1, Payload: []byte{byte(i)}}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Segment tip == 2 means entries 1 and 2 are already durable elsewhere.
	_, replay, err := OpenWAL(dir, 1<<20, 2, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if len(replay) != 1 || replay[0].EntryID != 3 {
		t.Fatalf("replay = %+v, want only entry 3", replay)
	}
}

func TestWAL_RotationCreatesSealedFile(t *testing.T) {
	dir := t.TempDir()

	// Tiny max size forces rotation after the first entry.
	w, _, err := OpenWAL(dir, 10, 0, nil)
	if err != nil {
		t.Fatalf("OpenWAL: %v", err)
	}
	defer w.Close()

	for i := EntryID(1); i <= 5; i++ {
		if err := w.Append(Entry{EntryID: i, StreamID: 1, Payload: bytes.Repeat([]byte("x"), 4)}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.wal"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(files) < 2 {
		t.Fatalf("expected rotation to produce multiple wal files, got %d", len(files))
	}
}

func TestWAL_GCDeletesSealedFilesUpToTip(t *testing.T) {
	dir := t.TempDir()

	w, _, err := OpenWAL(dir, 10, 0, nil)
	if err != nil {
		t.Fatalf("OpenWAL: %v", err)
	}
	defer w.Close()

	for i := EntryID(1); i <= 5; i++ {
		if err := w.Append(Entry{EntryID: i, StreamID: 1, Payload: bytes.Repeat([]byte("x"), 4)}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	before, _ := filepath.Glob(filepath.Join(dir, "*.wal"))
	if err := w.GC(3); err != nil {
		t.Fatalf("gc: %v", err)
	}
	after, _ := filepath.Glob(filepath.Join(dir, "*.wal"))
	if len(after) >= len(before) {
		t.Fatalf("expected GC to remove at least one file: before=%d after=%d", len(before), len(after))
	}
}

func TestWAL_RecoveryTruncatesTornTrailingRecord(t *testing.T) {
	dir := t.TempDir()

	w, _, err := OpenWAL(dir, 1<<20, 0, nil)
	if err != nil {
		t.Fatalf("OpenWAL: %v", err)
	}
	if err := w.Append(Entry{EntryID: 1, StreamID: 1, Payload: []byte("aa")}); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if err := w.Append(Entry{EntryID: 2, StreamID: 1, Payload: []byte("bb")}); err != nil {
		t.Fatalf("append 2: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.wal"))
	if err != nil || len(files) != 1 {
		t.Fatalf("expected exactly one wal file, got %v (err %v)", files, err)
	}
	walPath := files[0]

	goodSize, err := os.Stat(walPath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	// Simulate a crash partway through writing entry 3's batch: a full
	// header claiming a large payload, but only part of that payload
	// actually landed on disk before the crash.
	torn := encodeEntry(nil, Entry{EntryID: 3, StreamID: 1, Payload: bytes.Repeat([]byte("z"), 64)})
	torn = torn[:entryHeaderSize+10] // header complete, payload cut short

	f, err := os.OpenFile(walPath, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open for corruption: %v", err)
	}
	if _, err := f.Write(torn); err != nil {
		t.Fatalf("write torn record: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close corrupted file: %v", err)
	}

	w2, replay, err := OpenWAL(dir, 1<<20, 0, nil)
	if err != nil {
		t.Fatalf("reopen after crash: %v", err)
	}
	defer w2.Close()

	if len(replay) != 2 {
		t.Fatalf("replay = %d entries, want exactly 1..2 (entry 3 must be absent), got %+v", len(replay), replay)
	}
	if replay[0].EntryID != 1 || replay[1].EntryID != 2 {
		t.Fatalf("replay = %+v, want entries 1 and 2 only", replay)
	}

	// Recovery must discard the torn bytes from disk, not just skip them
	// in memory, or they'd sit between entry 2 and whatever is appended
	// next and corrupt a later replay.
	st, err := os.Stat(walPath)
	if err != nil {
		t.Fatalf("stat after recovery: %v", err)
	}
	if st.Size() != goodSize.Size() {
		t.Fatalf("wal file size after recovery = %d, want %d (torn bytes not truncated)", st.Size(), goodSize.Size())
	}

	// A subsequent append continues cleanly at the next entry id/offset.
	if err := w2.Append(Entry{EntryID: 3, StreamID: 1, Payload: []byte("ccc")}); err != nil {
		t.Fatalf("append after recovery: %v", err)
	}
	if err := w2.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	w3, replay3, err := OpenWAL(dir, 1<<20, 0, nil)
	if err != nil {
		t.Fatalf("second reopen: %v", err)
	}
	defer w3.Close()
	if len(replay3) != 3 {
		t.Fatalf("replay after continued append = %d entries, want 3: %+v", len(replay3), replay3)
	}
	if replay3[2].EntryID != 3 || !bytes.Equal(replay3[2].Payload, []byte("ccc")) {
		t.Fatalf("replay[2] = %+v, want the post-recovery append", replay3[2])
	}
}

func TestWAL_EmptyFileIsDeletedOnRecovery(t *testing.T) {
	dir := t.TempDir()
	// Named 5.wal: with no file surviving, recovery creates a fresh 1.wal.
	if err := os.WriteFile(filepath.Join(dir, "5.wal"), nil, 0o644); err != nil {
		t.Fatalf("write empty wal: %v", err)
	}

	w, replay, err := OpenWAL(dir, 1<<20, 0, nil)
	if err != nil {
		t.Fatalf("OpenWAL: %v", err)
	}
	defer w.Close()

	if len(replay) != 0 {
		t.Fatalf("expected no replay from empty file, got %d", len(replay))
	}
	if _, err := os.Stat(filepath.Join(dir, "5.wal")); !os.IsNotExist(err) {
		t.Fatalf("expected empty wal file to be removed")
	}
}
