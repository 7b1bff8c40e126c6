package directory

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamlogio/streamlog/pkg/core"
)

// pgCacheSchema backs a PGCache. One row per (user, stream); checked_at
// is the last time a live directory-service call confirmed the decision.
const pgCacheSchema = `
CREATE TABLE IF NOT EXISTS acl_cache (
	user_id    TEXT NOT NULL,
	stream_id  BIGINT NOT NULL,
	allowed    BOOLEAN NOT NULL,
	checked_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, stream_id)
);
`

// PGCache is a Postgres-backed alternative to ACLCache's in-process map,
// for deployments running more than one RPC server instance sharing one
// ACL decision cache. Same recheck semantics as ACLCache: a decision is
// reused until recheckInterval has elapsed since the last successful
// check, and a transient directory-service failure does not evict an
// already-cached allow decision.
type PGCache struct {
	pool            *pgxpool.Pool
	check           func(userID string, streamID int64) (bool, error)
	recheckInterval time.Duration
	logger          core.Logger
}

// NewPGCache opens a pgxpool against dsn, ensures its schema exists, and
// returns a cache that calls check on a miss or stale entry.
func NewPGCache(ctx context.Context, dsn string, check func(userID string, streamID int64) (bool, error), interval time.Duration, logger core.Logger) (*PGCache, error) {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, pgCacheSchema); err != nil {
		pool.Close()
		return nil, err
	}
	return &PGCache{pool: pool, check: check, recheckInterval: interval, logger: logger}, nil
}

func (c *PGCache) Close() {
	c.pool.Close()
}

// Allowed returns the cached decision for (userID, streamID), rechecking
// against c.check when the cached entry is missing or stale.
func (c *PGCache) Allowed(userID string, streamID int64) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var allowed bool
	var checkedAt time.Time
	err := c.pool.QueryRow(ctx,
		`SELECT allowed, checked_at FROM acl_cache WHERE user_id = $1 AND stream_id = $2`,
		userID, streamID,
	).Scan(&allowed, &checkedAt)

	haveEntry := err == nil
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		c.logger.Warnf("directory: pgcache lookup failed for %s/%d: %v", userID, streamID, err)
	}

	if haveEntry && time.Since(checkedAt) < c.recheckInterval {
		return allowed, nil
	}

	freshAllowed, checkErr := c.check(userID, streamID)
	if checkErr != nil {
		if haveEntry {
			return allowed, nil
		}
		return false, checkErr
	}

	if _, err := c.pool.Exec(ctx, `
		INSERT INTO acl_cache (user_id, stream_id, allowed, checked_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id, stream_id) DO UPDATE SET
			allowed = excluded.allowed, checked_at = excluded.checked_at
	`, userID, streamID, freshAllowed); err != nil {
		c.logger.Warnf("directory: pgcache upsert failed for %s/%d: %v", userID, streamID, err)
	}

	return freshAllowed, nil
}
