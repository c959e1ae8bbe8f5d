package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lobster-sched/lobster/internal/platform/config"
)

// DB wraps the SQL database connection backed by the single local
// lobster.db file (§6). SQLite single-writers at the file level; callers
// additionally serialize through Store's in-process mutex (§5) to avoid
// SQLITE_BUSY churn across goroutines.
type DB struct {
	*sql.DB
	cfg config.DatabaseConfig
}

// New opens (creating if absent) the SQLite database at cfg.DSN().
func New(cfg config.DatabaseConfig) (*DB, error) {
	dsn := cfg.DSN()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows exactly one writer; cap the pool accordingly and let
	// readers multiplex over the same handle.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &DB{
		DB:  db,
		cfg: cfg,
	}, nil
}

// Transaction executes fn within a database transaction, rolling back on
// error or panic and committing otherwise.
func (db *DB) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx error: %v, rollback error: %v", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}

// HealthCheck performs a health check on the database.
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query check failed: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}

// QueryBuilder helps build SQL queries.
type QueryBuilder struct {
	query  string
	args   []interface{}
	offset int
	limit  int
}

// NewQueryBuilder creates a new query builder.
func NewQueryBuilder(base string) *QueryBuilder {
	return &QueryBuilder{
		query: base,
		args:  []interface{}{},
	}
}

// Where adds a WHERE/AND clause.
func (q *QueryBuilder) Where(condition string, args ...interface{}) *QueryBuilder {
	if len(q.args) == 0 {
		q.query += " WHERE " + condition
	} else {
		q.query += " AND " + condition
	}
	q.args = append(q.args, args...)
	return q
}

// OrderBy adds an ORDER BY clause.
func (q *QueryBuilder) OrderBy(column string, desc bool) *QueryBuilder {
	q.query += fmt.Sprintf(" ORDER BY %s", column)
	if desc {
		q.query += " DESC"
	}
	return q
}

// Limit adds LIMIT and OFFSET.
func (q *QueryBuilder) Limit(limit, offset int) *QueryBuilder {
	q.limit = limit
	q.offset = offset
	q.query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	return q
}

// Build returns the query and arguments.
func (q *QueryBuilder) Build() (string, []interface{}) {
	return q.query, q.args
}

// NullString handles nullable strings.
func NullString(s string) sql.NullString {
	return sql.NullString{
		String: s,
		Valid:  s != "",
	}
}

// NullTime handles nullable time.
func NullTime(t time.Time) sql.NullTime {
	return sql.NullTime{
		Time:  t,
		Valid: !t.IsZero(),
	}
}

// Scanner interface for custom types.
type Scanner interface {
	Scan(src interface{}) error
}

// Valuer interface for custom types.
type Valuer interface {
	Value() (driver.Value, error)
}
