// Package catalog maintains a queryable sqlite index of sealed segment
// files. It is advisory: the directory scan in pkg/streamlog/segment.go
// remains the source of truth for which segments exist and can be
// opened. The catalog exists so an operator tool (or a future admin
// endpoint) can answer "which segment holds entry id N" without
// re-opening and footer-scanning every segment file on disk.
package catalog

import (
	"context"
	"database/sql"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/streamlogio/streamlog/pkg/core"
	"github.com/streamlogio/streamlog/pkg/db"
	"github.com/streamlogio/streamlog/pkg/streamlog"
)

const schema = `
CREATE TABLE IF NOT EXISTS segments (
	path         TEXT PRIMARY KEY,
	entry_begin  INTEGER NOT NULL,
	entry_end    INTEGER NOT NULL,
	stream_count INTEGER NOT NULL,
	byte_size    INTEGER NOT NULL,
	sealed_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_segments_entry_range ON segments(entry_begin, entry_end);
`

// Catalog indexes sealed segment files in sqlite. It implements
// streamlog.SegmentRecorder so the engine can notify it of a seal
// without pkg/streamlog importing pkg/catalog.
type Catalog struct {
	pool   *db.Pool
	logger core.Logger
}

// Open creates (or reuses) the sqlite database at dsn and ensures its
// schema exists. A single connection is used throughout: sqlite3's
// driver serializes writers on one file, so pooling beyond one open
// connection only adds lock-contention churn.
func Open(dsn string, logger core.Logger) (*Catalog, error) {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	cfg := db.DefaultPoolConfig(dsn, "sqlite3")
	cfg.MaxOpenConns = 1
	cfg.MaxIdleConns = 1

	pool, err := db.NewPool(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, err
	}

	return &Catalog{pool: pool, logger: logger}, nil
}

func (c *Catalog) Close() error {
	return c.pool.Close()
}

// Record upserts one sealed segment's row. It satisfies
// streamlog.SegmentRecorder.
func (c *Catalog) Record(path string, entryBegin, entryEnd streamlog.EntryID, streamCount int, byteSize int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.pool.Exec(ctx, `
		INSERT INTO segments (path, entry_begin, entry_end, stream_count, byte_size, sealed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			entry_begin = excluded.entry_begin,
			entry_end = excluded.entry_end,
			stream_count = excluded.stream_count,
			byte_size = excluded.byte_size,
			sealed_at = excluded.sealed_at
	`, path, uint64(entryBegin), uint64(entryEnd), streamCount, byteSize, time.Now().Unix())
	if err != nil {
		c.logger.Warnf("catalog: recording segment %s failed: %v", path, err)
		return err
	}
	return nil
}

// SegmentRow is one catalog entry.
type SegmentRow struct {
	Path        string
	EntryBegin  streamlog.EntryID
	EntryEnd    streamlog.EntryID
	StreamCount int
	ByteSize    int64
	SealedAt    time.Time
}

// FindByEntryID returns the segment row whose entry id range covers id,
// if the catalog has one. Operator tooling only — the engine itself
// never consults the catalog to decide what it can read.
func (c *Catalog) FindByEntryID(ctx context.Context, id streamlog.EntryID) (SegmentRow, bool, error) {
	row := c.pool.QueryRow(ctx, `
		SELECT path, entry_begin, entry_end, stream_count, byte_size, sealed_at
		FROM segments WHERE entry_begin <= ? AND entry_end >= ?
		ORDER BY entry_begin LIMIT 1
	`, uint64(id), uint64(id))

	var r SegmentRow
	var begin, end uint64
	var sealedAt int64
	if err := row.Scan(&r.Path, &begin, &end, &r.StreamCount, &r.ByteSize, &sealedAt); err != nil {
		if err == sql.ErrNoRows {
			return SegmentRow{}, false, nil
		}
		return SegmentRow{}, false, err
	}
	r.EntryBegin = streamlog.EntryID(begin)
	r.EntryEnd = streamlog.EntryID(end)
	r.SealedAt = time.Unix(sealedAt, 0)
	return r, true, nil
}

// List returns every catalog row, ordered by entry_begin.
func (c *Catalog) List(ctx context.Context) ([]SegmentRow, error) {
	rows, err := c.pool.DB().QueryContext(ctx, `
		SELECT path, entry_begin, entry_end, stream_count, byte_size, sealed_at
		FROM segments ORDER BY entry_begin
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SegmentRow
	for rows.Next() {
		var r SegmentRow
		var begin, end uint64
		var sealedAt int64
		if err := rows.Scan(&r.Path, &begin, &end, &r.StreamCount, &r.ByteSize, &sealedAt); err != nil {
			return nil, err
		}
		r.EntryBegin = streamlog.EntryID(begin)
		r.EntryEnd = streamlog.EntryID(end)
		r.SealedAt = time.Unix(sealedAt, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RebuildFromScan replaces the catalog's contents with what a fresh
// directory scan of segmentDir finds, opening each segment file to read
// its footer. Used when the catalog is missing or suspected stale; the
// directory scan is always the source of truth, never the other way
// around.
func (c *Catalog) RebuildFromScan(ctx context.Context, segmentDir string) error {
	paths, err := streamlog.ListSegmentFiles(segmentDir)
	if err != nil {
		return err
	}

	if _, err := c.pool.Exec(ctx, `DELETE FROM segments`); err != nil {
		return err
	}

	for _, path := range paths {
		seg, err := streamlog.OpenSegment(path)
		if err != nil {
			c.logger.Warnf("catalog: rebuild: skipping unreadable segment %s: %v", path, err)
			continue
		}
		begin, end := seg.EntryIndex()

		info, err := os.Stat(path)
		if err != nil {
			c.logger.Warnf("catalog: rebuild: stat failed for %s: %v", path, err)
			continue
		}

		if err := c.Record(path, begin, end, seg.StreamCount(), info.Size()); err != nil {
			return err
		}
	}
	return nil
}
