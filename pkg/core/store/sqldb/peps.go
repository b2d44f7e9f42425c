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
	"github.com/controlcore/controlplane/pkg/core/store"
)

type pepRepo struct {
	db *DB
}

const pepCols = `id, tenant_id, environment, mode, name, external_id, token_hash,
	bundles, self_report, last_seen, health, deleted, created_at, updated_at`

func (r *pepRepo) Create(ctx context.Context, pep *model.PEP) error {
	now := time.Now().UTC()
	pep.CreatedAt = now
	pep.UpdatedAt = now

	_, err := r.db.conn.ExecContext(ctx,
		r.db.Rebind(`INSERT INTO peps (`+pepCols+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		pep.ID, pep.TenantID, pep.Environment, pep.Mode, pep.Name, pep.ExternalID,
		pep.TokenHash, pep.Bundles, pep.SelfReport, pep.LastSeen, pep.Health,
		pep.Deleted, pep.CreatedAt, pep.UpdatedAt)
	return translate(err, "registering pep")
}

func (r *pepRepo) Get(ctx context.Context, tenantID, id string) (*model.PEP, error) {
	var pep model.PEP
	err := r.db.conn.GetContext(ctx, &pep,
		r.db.Rebind(`SELECT `+pepCols+` FROM peps
			WHERE tenant_id = ? AND id = ? AND deleted = ?`),
		tenantID, id, false)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NotFound("pep")
	}
	if err != nil {
		return nil, translate(err, "reading pep")
	}
	return &pep, nil
}

func (r *pepRepo) GetByExternalID(ctx context.Context, tenantID string, env model.Environment, externalID string) (*model.PEP, error) {
	var pep model.PEP
	err := r.db.conn.GetContext(ctx, &pep,
		r.db.Rebind(`SELECT `+pepCols+` FROM peps
			WHERE tenant_id = ? AND environment = ? AND external_id = ? AND deleted = ?`),
		tenantID, env, externalID, false)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NotFound("pep")
	}
	if err != nil {
		return nil, translate(err, "reading pep by external id")
	}
	return &pep, nil
}

func (r *pepRepo) Update(ctx context.Context, pep *model.PEP) error {
	pep.UpdatedAt = time.Now().UTC()

	res, err := r.db.conn.ExecContext(ctx,
		r.db.Rebind(`UPDATE peps SET
			mode = ?, name = ?, bundles = ?, self_report = ?, last_seen = ?, health = ?, updated_at = ?
			WHERE tenant_id = ? AND id = ? AND deleted = ?`),
		pep.Mode, pep.Name, pep.Bundles, pep.SelfReport, pep.LastSeen, pep.Health,
		pep.UpdatedAt, pep.TenantID, pep.ID, false)
	if err != nil {
		return translate(err, "updating pep")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.NotFound("pep")
	}
	return nil
}

func (r *pepRepo) Delete(ctx context.Context, tenantID, id string) error {
	res, err := r.db.conn.ExecContext(ctx,
		r.db.Rebind(`UPDATE peps SET deleted = ?, updated_at = ?
			WHERE tenant_id = ? AND id = ? AND deleted = ?`),
		true, time.Now().UTC(), tenantID, id, false)
	if err != nil {
		return translate(err, "deleting pep")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.NotFound("pep")
	}
	return nil
}

func (r *pepRepo) List(ctx context.Context, tenantID string, env model.Environment, page store.Page) ([]*model.PEP, error) {
	limit, offset := pageClause(page)

	var peps []*model.PEP
	err := r.db.conn.SelectContext(ctx, &peps,
		r.db.Rebind(`SELECT `+pepCols+` FROM peps
			WHERE tenant_id = ? AND environment = ? AND deleted = ?
			ORDER BY id LIMIT ? OFFSET ?`),
		tenantID, env, false, limit, offset)
	if err != nil {
		return nil, translate(err, "listing peps")
	}
	return peps, nil
}

func (r *pepRepo) Touch(ctx context.Context, tenantID, id string, at time.Time, selfReport model.JSONMap) error {
	var res sql.Result
	var err error

	if selfReport == nil {
		res, err = r.db.conn.ExecContext(ctx,
			r.db.Rebind(`UPDATE peps SET last_seen = ?, health = ?, updated_at = ?
				WHERE tenant_id = ? AND id = ? AND deleted = ?`),
			at, model.PEPHealthy, at, tenantID, id, false)
	} else {
		res, err = r.db.conn.ExecContext(ctx,
			r.db.Rebind(`UPDATE peps SET last_seen = ?, health = ?, self_report = ?, updated_at = ?
				WHERE tenant_id = ? AND id = ? AND deleted = ?`),
			at, model.PEPHealthy, selfReport, at, tenantID, id, false)
	}
	if err != nil {
		return translate(err, "recording pep poll")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.NotFound("pep")
	}
	return nil
}

func (r *pepRepo) MarkUnhealthy(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.conn.ExecContext(ctx,
		r.db.Rebind(`UPDATE peps SET health = ?, updated_at = ?
			WHERE health = ? AND deleted = ? AND (last_seen IS NULL OR last_seen < ?)`),
		model.PEPUnhealthy, time.Now().UTC(), model.PEPHealthy, false, cutoff)
	if err != nil {
		return 0, translate(err, "marking stale peps")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
