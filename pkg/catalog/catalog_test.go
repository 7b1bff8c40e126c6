package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/streamlogio/streamlog/pkg/core"
	"github.com/streamlogio/streamlog/pkg/streamlog"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "catalog.db")
	c, err := Open(dsn, core.NewDefaultLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCatalog_RecordAndUpsert(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	if err := c.Record("/segments/a.seg", 1, 10, 1, 100); err != nil {
		t.Fatalf("Record: %v", err)
	}
	// Re-recording the same path with a wider range should update, not duplicate.
	if err := c.Record("/segments/a.seg", 1, 20, 2, 200); err != nil {
		t.Fatalf("Record (upsert): %v", err)
	}

	rows, err := c.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row after upsert, got %d", len(rows))
	}
	if rows[0].EntryEnd != 20 || rows[0].StreamCount != 2 {
		t.Fatalf("row not updated by upsert: %+v", rows[0])
	}
}

func TestCatalog_RebuildFromScan(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	dir := t.TempDir()
	mt := streamlog.NewMemoryTable(func(streamlog.StreamID) uint64 { return 0 })
	mt.Append(10, 1, []byte("a"))
	mt.Append(20, 2, []byte("bb"))
	mt.Append(10, 3, []byte("c"))

	segPath := filepath.Join(dir, "0000000000000001.seg")
	if err := streamlog.WriteSegment(segPath, mt, 1, 3); err != nil {
		t.Fatalf("WriteSegment: %v", err)
	}

	if err := c.RebuildFromScan(ctx, dir); err != nil {
		t.Fatalf("RebuildFromScan: %v", err)
	}

	rows, err := c.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 catalog row, got %d", len(rows))
	}
	if rows[0].Path != segPath {
		t.Fatalf("path = %q, want %q", rows[0].Path, segPath)
	}
	if rows[0].EntryBegin != 1 || rows[0].EntryEnd != 3 {
		t.Fatalf("entry range = [%d,%d], want [1,3]", rows[0].EntryBegin, rows[0].EntryEnd)
	}
	if rows[0].StreamCount != 2 {
		t.Fatalf("stream count = %d, want 2", rows[0].StreamCount)
	}

	row, ok, err := c.FindByEntryID(ctx, 2)
	if err != nil {
		t.Fatalf("FindByEntryID: %v", err)
	}
	if !ok {
		t.Fatal("expected a match for entry id 2")
	}
	if row.Path != segPath {
		t.Fatalf("FindByEntryID path = %q, want %q", row.Path, segPath)
	}

	_, ok, err = c.FindByEntryID(ctx, 999)
	if err != nil {
		t.Fatalf("FindByEntryID(999): %v", err)
	}
	if ok {
		t.Fatal("expected no match for an entry id outside any segment")
	}
}

func TestCatalog_RebuildIsIdempotent(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	dir := t.TempDir()

	mt := streamlog.NewMemoryTable(func(streamlog.StreamID) uint64 { return 0 })
	mt.Append(10, 1, []byte("x"))
	segPath := filepath.Join(dir, "0000000000000001.seg")
	if err := streamlog.WriteSegment(segPath, mt, 1, 1); err != nil {
		t.Fatalf("WriteSegment: %v", err)
	}

	if err := c.RebuildFromScan(ctx, dir); err != nil {
		t.Fatalf("first RebuildFromScan: %v", err)
	}
	if err := c.RebuildFromScan(ctx, dir); err != nil {
		t.Fatalf("second RebuildFromScan: %v", err)
	}

	rows, err := c.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected rebuild to replace rather than accumulate, got %d rows", len(rows))
	}
}
