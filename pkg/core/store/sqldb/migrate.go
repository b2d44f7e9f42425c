//
//  Copyright © Control Core Inc. All rights reserved.
//

package sqldb

import (
	"context"
	"time"

	"github.com/controlcore/controlplane/pkg/common"
)

type migration struct {
	version int
	name    string
	stmts   []string
}

var migrations = []migration{
	{version: 1, name: "baseline", stmts: baseline},
}

// Migrate brings the schema up to the latest version this binary knows.
//
// Drift is fatal in both directions: a database stamped with a version
// newer than the binary, or one missing expected tables after migration,
// returns a KindSchemaDrift error and the caller must not serve traffic.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at TIMESTAMP NOT NULL
	)`); err != nil {
		return common.WrapError(common.KindInternal, "creating migration table", err)
	}

	var current int
	if err := db.conn.GetContext(ctx, &current,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`); err != nil {
		return common.WrapError(common.KindInternal, "reading schema version", err)
	}

	latest := migrations[len(migrations)-1].version
	if current > latest {
		return common.NewErrorf(common.KindSchemaDrift,
			"database schema version %d is newer than supported version %d", current, latest)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := db.apply(ctx, m); err != nil {
			return err
		}
		logger.SysInfof("applied schema migration %d (%s)", m.version, m.name)
	}

	return db.verify(ctx)
}

func (db *DB) apply(ctx context.Context, m migration) error {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return common.WrapError(common.KindInternal, "starting migration transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range m.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return common.WrapError(common.KindInternal, "applying migration "+m.name, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		db.Rebind(`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`),
		m.version, m.name, time.Now().UTC()); err != nil {
		return common.WrapError(common.KindInternal, "recording migration "+m.name, err)
	}

	return tx.Commit()
}

// verify cross-checks the live table set against expectations.  Catches
// the half-migrated and hand-edited cases that version stamps alone miss.
func (db *DB) verify(ctx context.Context) error {
	query := `SELECT name FROM sqlite_master WHERE type = 'table'`
	if db.driver == "postgres" || db.driver == "postgresql" {
		query = `SELECT table_name FROM information_schema.tables WHERE table_schema = current_schema()`
	}

	var names []string
	if err := db.conn.SelectContext(ctx, &names, query); err != nil {
		return common.WrapError(common.KindInternal, "listing tables", err)
	}

	have := make(map[string]struct{}, len(names))
	for _, n := range names {
		have[n] = struct{}{}
	}
	for _, want := range expectedTables {
		if _, ok := have[want]; !ok {
			return common.NewErrorf(common.KindSchemaDrift, "schema is missing table %q", want)
		}
	}
	return nil
}
