package db

import (
	"context"
	"database/sql"
	"fmt"
)

// DatabaseComponent wraps a connection pool with a small start/stop lifecycle.
// The pool is opened by Start, not by NewDatabaseComponent.
type DatabaseComponent struct {
	config PoolConfig
	pool   *Pool
}

// NewDatabaseComponent creates a new database component with connection pooling.
// Fail-fast: panics on invalid configuration since this is always a programmer error.
func NewDatabaseComponent(config PoolConfig) *DatabaseComponent {
	if config.DSN == "" {
		panic("DSN cannot be empty")
	}
	if config.DriverName == "" {
		panic("DriverName cannot be empty")
	}
	if config.MaxOpenConns <= 0 {
		panic("MaxOpenConns must be positive")
	}

	return &DatabaseComponent{
		config: config,
	}
}

// Start opens the connection pool.
func (c *DatabaseComponent) Start(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("context cannot be nil")
	}
	if c.config.DSN == "" {
		return fmt.Errorf("invalid config: DSN cannot be empty")
	}
	if c.config.DriverName == "" {
		return fmt.Errorf("invalid config: DriverName cannot be empty")
	}

	pool, err := NewPool(c.config)
	if err != nil {
		return err
	}

	c.pool = pool
	return nil
}

// Stop closes the connection pool.
func (c *DatabaseComponent) Stop(ctx context.Context) error {
	if c.pool != nil {
		return c.pool.Close()
	}
	return nil
}

// Pool returns the connection pool. Panics if the component hasn't been started.
func (c *DatabaseComponent) Pool() *Pool {
	if c == nil {
		panic("DatabaseComponent cannot be nil")
	}
	if c.pool == nil {
		panic("database component not started - call Start() first")
	}
	return c.pool
}

// DB returns the underlying *sql.DB. Panics if the component hasn't been started.
func (c *DatabaseComponent) DB() *sql.DB {
	if c == nil {
		panic("DatabaseComponent cannot be nil")
	}
	if c.pool == nil {
		panic("database component not started - call Start() first")
	}
	return c.pool.DB()
}

// Query executes a query that returns rows.
func (c *DatabaseComponent) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	if c == nil {
		return nil, fmt.Errorf("DatabaseComponent cannot be nil")
	}
	if c.pool == nil {
		return nil, fmt.Errorf("database component not started - call Start() first")
	}
	if ctx == nil {
		return nil, fmt.Errorf("context cannot be nil")
	}
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}
	return c.pool.Query(ctx, query, args...)
}

// QueryRow executes a query that returns a single row.
func (c *DatabaseComponent) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	if c == nil {
		panic("DatabaseComponent cannot be nil")
	}
	if c.pool == nil {
		panic("database component not started - call Start() first")
	}
	if ctx == nil {
		panic("context cannot be nil")
	}
	if query == "" {
		panic("query cannot be empty")
	}
	return c.pool.QueryRow(ctx, query, args...)
}

// Exec executes a command.
func (c *DatabaseComponent) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	if c == nil {
		return nil, fmt.Errorf("DatabaseComponent cannot be nil")
	}
	if c.pool == nil {
		return nil, fmt.Errorf("database component not started - call Start() first")
	}
	if ctx == nil {
		return nil, fmt.Errorf("context cannot be nil")
	}
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}
	return c.pool.Exec(ctx, query, args...)
}

// Begin starts a transaction.
func (c *DatabaseComponent) Begin(ctx context.Context) (*sql.Tx, error) {
	if c == nil {
		return nil, fmt.Errorf("DatabaseComponent cannot be nil")
	}
	if c.pool == nil {
		return nil, fmt.Errorf("database component not started - call Start() first")
	}
	if ctx == nil {
		return nil, fmt.Errorf("context cannot be nil")
	}
	return c.pool.Begin(ctx)
}

// BeginTx starts a transaction with options.
func (c *DatabaseComponent) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	if c == nil {
		return nil, fmt.Errorf("DatabaseComponent cannot be nil")
	}
	if c.pool == nil {
		return nil, fmt.Errorf("database component not started - call Start() first")
	}
	if ctx == nil {
		return nil, fmt.Errorf("context cannot be nil")
	}
	return c.pool.BeginTx(ctx, opts)
}

// Stats returns pool statistics. Returns an empty value if not started (no panic,
// since metrics scraping shouldn't crash on a not-yet-started component).
func (c *DatabaseComponent) Stats() sql.DBStats {
	if c == nil || c.pool == nil {
		return sql.DBStats{}
	}
	return c.pool.Stats()
}

// Ping tests the connection.
func (c *DatabaseComponent) Ping(ctx context.Context) error {
	if c == nil {
		return fmt.Errorf("DatabaseComponent cannot be nil")
	}
	if c.pool == nil {
		return fmt.Errorf("database component not started - call Start() first")
	}
	if ctx == nil {
		return fmt.Errorf("context cannot be nil")
	}
	return c.pool.Ping(ctx)
}
