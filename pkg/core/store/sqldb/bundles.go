//
//  Copyright © Control Core Inc. All rights reserved.
//

package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/controlcore/controlplane/pkg/common"
	"github.com/controlcore/controlplane/pkg/core/model"
)

type bundleRepo struct {
	db *DB
}

const bundleCols = `tenant_id, pep_id, environment, version, sequence, policy_ids,
	data_manifest, checksum, built_at`

// Publish assigns the next per-PEP sequence and records the manifest in a
// single transaction.  Re-publishing a version the PEP has seen before
// moves that version back to the head of the sequence, so a reverted
// policy set becomes the PEP's latest bundle again.
func (r *bundleRepo) Publish(ctx context.Context, bundle *model.Bundle) error {
	if bundle.BuiltAt.IsZero() {
		bundle.BuiltAt = time.Now().UTC()
	}

	tx, err := r.db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return translate(err, "starting bundle publish")
	}
	defer func() { _ = tx.Rollback() }()

	var next int64
	if err := tx.GetContext(ctx, &next,
		r.db.Rebind(`SELECT COALESCE(MAX(sequence), 0) + 1 FROM bundles
			WHERE tenant_id = ? AND pep_id = ?`),
		bundle.TenantID, bundle.PEPID); err != nil {
		return translate(err, "allocating bundle sequence")
	}
	bundle.Sequence = next

	res, err := tx.ExecContext(ctx,
		r.db.Rebind(`UPDATE bundles SET sequence = ?, built_at = ?
			WHERE tenant_id = ? AND pep_id = ? AND version = ?`),
		bundle.Sequence, bundle.BuiltAt,
		bundle.TenantID, bundle.PEPID, bundle.Version)
	if err != nil {
		return translate(err, "reactivating bundle")
	}
	if affected, err := res.RowsAffected(); err == nil && affected > 0 {
		return translate(tx.Commit(), "committing bundle publish")
	}

	if _, err := tx.ExecContext(ctx,
		r.db.Rebind(`INSERT INTO bundles (`+bundleCols+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		bundle.TenantID, bundle.PEPID, bundle.Environment, bundle.Version,
		bundle.Sequence, bundle.PolicyIDs, bundle.DataManifest, bundle.Checksum,
		bundle.BuiltAt); err != nil {
		return translate(err, "publishing bundle")
	}

	return translate(tx.Commit(), "committing bundle publish")
}

func (r *bundleRepo) Get(ctx context.Context, tenantID, pepID, version string) (*model.Bundle, error) {
	var bundle model.Bundle
	err := r.db.conn.GetContext(ctx, &bundle,
		r.db.Rebind(`SELECT `+bundleCols+` FROM bundles
			WHERE tenant_id = ? AND pep_id = ? AND version = ?`),
		tenantID, pepID, version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NotFound("bundle")
	}
	if err != nil {
		return nil, translate(err, "reading bundle")
	}
	return &bundle, nil
}

func (r *bundleRepo) Latest(ctx context.Context, tenantID, pepID string) (*model.Bundle, error) {
	var bundle model.Bundle
	err := r.db.conn.GetContext(ctx, &bundle,
		r.db.Rebind(`SELECT `+bundleCols+` FROM bundles
			WHERE tenant_id = ? AND pep_id = ?
			ORDER BY sequence DESC LIMIT 1`),
		tenantID, pepID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NotFound("bundle")
	}
	if err != nil {
		return nil, translate(err, "reading latest bundle")
	}
	return &bundle, nil
}
