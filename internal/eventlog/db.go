package eventlog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/lucasew/memstate"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Record is one journaled eviction.
type Record struct {
	Store string `json:"store"`
	memstate.EvictionEvent
}

// DB is the eviction journal database.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies pending migrations.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer; the journal writes from one goroutine.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	drv, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	// m.Close would close db as well, so only the source is released.
	defer src.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Insert stores records in a single transaction.
func (d *DB) Insert(ctx context.Context, records []Record) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO evictions (store, key, reason, evicted_at) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.Store, r.Key, string(r.Reason), r.Time.UnixNano()); err != nil {
			return fmt.Errorf("failed to insert %s: %w", r.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (d *DB) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT store, key, reason, evicted_at FROM evictions ORDER BY evicted_at DESC, id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query evictions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r      Record
			reason string
			nanos  int64
		)
		if err := rows.Scan(&r.Store, &r.Key, &reason, &nanos); err != nil {
			return nil, fmt.Errorf("failed to scan eviction: %w", err)
		}
		r.Reason = memstate.Reason(reason)
		r.Time = time.Unix(0, nanos)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Counts returns the number of journaled evictions per reason.
func (d *DB) Counts(ctx context.Context) (map[memstate.Reason]int64, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT reason, COUNT(*) FROM evictions GROUP BY reason")
	if err != nil {
		return nil, fmt.Errorf("failed to count evictions: %w", err)
	}
	defer rows.Close()

	out := make(map[memstate.Reason]int64)
	for rows.Next() {
		var (
			reason string
			n      int64
		)
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		out[memstate.Reason(reason)] = n
	}
	return out, rows.Err()
}
