//
//  Copyright © Control Core Inc. All rights reserved.
//

// Package sqldb implements the store interfaces on a relational database.
//
// Two drivers are supported: sqlite3 for single-node deployments and
// postgres for shared ones.  All queries are written with `?` bindvars and
// rebound per driver through sqlx, so the repositories themselves are
// driver-agnostic.
package sqldb

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/controlcore/controlplane/internal/logging"
	"github.com/controlcore/controlplane/pkg/common"
	"github.com/controlcore/controlplane/pkg/core/config"
	"github.com/controlcore/controlplane/pkg/core/store"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

var logger = logging.GetLogger("controlplane.store")

const agent = "store"

// Options selects and configures the database driver.
type Options struct {
	// Driver is "sqlite3" or "postgres".
	Driver string

	// URL is the postgres connection URL.  Ignored for sqlite3.
	URL string

	// Path is the sqlite3 database file.  Ignored for postgres.
	Path string
}

// OptionsFromConfig reads the database options from the loaded
// configuration.
func OptionsFromConfig() Options {
	return Options{
		Driver: config.VConfig.GetString(config.DatabaseDriver),
		URL:    config.VConfig.GetString(config.DatabaseURL),
		Path:   config.VConfig.GetString(config.DatabasePath),
	}
}

// DB is the shared connection handle behind every repository.
type DB struct {
	conn   *sqlx.DB
	driver string
}

// New opens the database, applies pending migrations and returns the
// aggregate store.  A schema newer than this binary understands is fatal;
// see Migrate.
func New(ctx context.Context, opts Options) (store.Store, error) {
	db, err := open(opts)
	if err != nil {
		return nil, err
	}

	if err := db.Migrate(ctx); err != nil {
		_ = db.conn.Close()
		return nil, err
	}

	return newStore(db), nil
}

func open(opts Options) (*DB, error) {
	var conn *sqlx.DB
	var err error

	switch opts.Driver {
	case "sqlite3":
		if dir := filepath.Dir(opts.Path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, common.WrapError(common.KindUnavailable, "creating database directory", err)
			}
		}
		conn, err = sqlx.Open("sqlite3", opts.Path)
		if err != nil {
			return nil, common.WrapError(common.KindUnavailable, "opening sqlite database", err)
		}
		// sqlite allows one writer; serialize through the pool
		conn.SetMaxOpenConns(1)
		if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
			return nil, common.WrapError(common.KindUnavailable, "enabling foreign keys", err)
		}
	case "postgres", "postgresql":
		conn, err = sqlx.Open("postgres", opts.URL)
		if err != nil {
			return nil, common.WrapError(common.KindUnavailable, "opening postgres database", err)
		}
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
	default:
		return nil, common.NewErrorf(common.KindValidation, "unsupported database driver %q", opts.Driver)
	}

	if err := conn.Ping(); err != nil {
		return nil, common.WrapError(common.KindUnavailable, "pinging database", err)
	}

	logger.SysInfof("database open, driver=%s", opts.Driver)
	return &DB{conn: conn, driver: opts.Driver}, nil
}

// Rebind converts `?` bindvars into the driver's placeholder style.
func (db *DB) Rebind(query string) string {
	return db.conn.Rebind(query)
}

// Close releases the connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// isDuplicate reports whether err is a unique or primary key violation,
// for either driver.
func isDuplicate(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

// translate maps a low-level database error into the typed error space.
func translate(err error, doing string) error {
	if err == nil {
		return nil
	}
	if isDuplicate(err) {
		return common.WrapError(common.KindConflict, doing, err)
	}
	return common.WrapError(common.KindInternal, doing, err)
}

func pageClause(page store.Page) (int, int) {
	limit := page.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := page.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
