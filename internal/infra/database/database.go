package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/zlog"
	_ "modernc.org/sqlite" // pure Go sqlite driver

	"github.com/aliskhannn/doc-translator/internal/config"
)

// DB bundles the primary connection used for writes and consistent reads
// with an optional replica used for history listings.
type DB struct {
	Primary *sqlx.DB
	Replica *sqlx.DB

	pg *dbpg.DB
}

// Open connects to the database selected by cfg.Driver.
func Open(cfg config.Database) (*DB, error) {
	switch cfg.Driver {
	case "sqlite":
		db, err := OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &DB{Primary: db, Replica: db}, nil
	case "postgres":
		return openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// OpenSQLite opens (or creates) a sqlite database file.
// sqlite allows one writer at a time, so the pool is limited to a single connection.
func OpenSQLite(path string) (*sqlx.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	return db, nil
}

func openPostgres(cfg config.Database) (*DB, error) {
	opts := &dbpg.Options{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}

	// Collect slave DSNs for replica connections.
	slaveDSNs := make([]string, 0, len(cfg.Slaves))
	for _, s := range cfg.Slaves {
		slaveDSNs = append(slaveDSNs, s.DSN())
	}

	pg, err := dbpg.New(cfg.Master.DSN(), slaveDSNs, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := &DB{
		Primary: sqlx.NewDb(pg.Master, "postgres"),
		pg:      pg,
	}
	db.Replica = db.Primary
	if len(pg.Slaves) > 0 {
		db.Replica = sqlx.NewDb(pg.Slaves[0], "postgres")
	}

	return db, nil
}

// Close closes every underlying connection pool.
func (d *DB) Close() error {
	if d.pg == nil {
		return d.Primary.Close()
	}

	var errs []error
	if err := d.pg.Master.Close(); err != nil {
		errs = append(errs, fmt.Errorf("master: %w", err))
	}
	for i, s := range d.pg.Slaves {
		if err := s.Close(); err != nil {
			zlog.Logger.Error().Err(err).Int("slave", i).Msg("failed to close slave DB")
			errs = append(errs, fmt.Errorf("slave %d: %w", i, err))
		}
	}

	return errors.Join(errs...)
}
