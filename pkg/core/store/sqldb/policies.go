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

type policyRepo struct {
	db *DB
}

const policyCols = `id, tenant_id, name, description, source, effect, folder, environment,
	resources, sandbox_status, production_status, promoted_from_sandbox, promoted_at,
	promoted_by, ancestor_id, created_at, updated_at`

const policyInsert = `INSERT INTO policies (` + policyCols + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const policyUpdate = `UPDATE policies SET
	name = ?, description = ?, source = ?, effect = ?, folder = ?, resources = ?,
	sandbox_status = ?, production_status = ?, promoted_from_sandbox = ?,
	promoted_at = ?, promoted_by = ?, ancestor_id = ?, updated_at = ?
	WHERE tenant_id = ? AND id = ?`

func policyInsertArgs(p *model.Policy) []interface{} {
	return []interface{}{
		p.ID, p.TenantID, p.Name, p.Description, p.Source, p.Effect, p.Folder,
		p.Environment, p.Resources, p.SandboxStatus, p.ProductionStatus,
		p.PromotedFromSandbox, p.PromotedAt, p.PromotedBy, p.AncestorID,
		p.CreatedAt, p.UpdatedAt,
	}
}

func policyUpdateArgs(p *model.Policy) []interface{} {
	return []interface{}{
		p.Name, p.Description, p.Source, p.Effect, p.Folder, p.Resources,
		p.SandboxStatus, p.ProductionStatus, p.PromotedFromSandbox,
		p.PromotedAt, p.PromotedBy, p.AncestorID, p.UpdatedAt,
		p.TenantID, p.ID,
	}
}

func (r *policyRepo) Create(ctx context.Context, policy *model.Policy) error {
	now := time.Now().UTC()
	policy.CreatedAt = now
	policy.UpdatedAt = now

	_, err := r.db.conn.ExecContext(ctx, r.db.Rebind(policyInsert), policyInsertArgs(policy)...)
	return translate(err, "creating policy")
}

func (r *policyRepo) Get(ctx context.Context, tenantID, id string) (*model.Policy, error) {
	var policy model.Policy
	err := r.db.conn.GetContext(ctx, &policy,
		r.db.Rebind(`SELECT `+policyCols+` FROM policies WHERE tenant_id = ? AND id = ?`),
		tenantID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NotFound("policy")
	}
	if err != nil {
		return nil, translate(err, "reading policy")
	}
	return &policy, nil
}

func (r *policyRepo) Update(ctx context.Context, policy *model.Policy) error {
	policy.UpdatedAt = time.Now().UTC()

	res, err := r.db.conn.ExecContext(ctx, r.db.Rebind(policyUpdate), policyUpdateArgs(policy)...)
	if err != nil {
		return translate(err, "updating policy")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.NotFound("policy")
	}
	return nil
}

func (r *policyRepo) List(ctx context.Context, tenantID string, env model.Environment, folder model.Folder, page store.Page) ([]*model.Policy, error) {
	limit, offset := pageClause(page)

	query := `SELECT ` + policyCols + ` FROM policies
		WHERE tenant_id = ? AND environment = ?`
	args := []interface{}{tenantID, env}
	if folder != "" {
		query += ` AND folder = ?`
		args = append(args, folder)
	}
	query += ` ORDER BY id LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	var policies []*model.Policy
	if err := r.db.conn.SelectContext(ctx, &policies, r.db.Rebind(query), args...); err != nil {
		return nil, translate(err, "listing policies")
	}
	return policies, nil
}

func (r *policyRepo) ListEligible(ctx context.Context, tenantID string, env model.Environment) ([]*model.Policy, error) {
	status := "sandbox_status"
	if env == model.Production {
		status = "production_status"
	}

	var policies []*model.Policy
	err := r.db.conn.SelectContext(ctx, &policies,
		r.db.Rebind(`SELECT `+policyCols+` FROM policies
			WHERE tenant_id = ? AND environment = ? AND folder = ? AND `+status+` != ?
			ORDER BY id`),
		tenantID, env, model.FolderEnabled, model.StatusRetired)
	if err != nil {
		return nil, translate(err, "listing eligible policies")
	}
	return policies, nil
}

func (r *policyRepo) ListByResource(ctx context.Context, tenantID string, env model.Environment, resourceID string) ([]*model.Policy, error) {
	// resource membership lives in a JSON list column; the candidate set
	// per tenant and environment is small enough to filter here
	eligible, err := r.ListEligible(ctx, tenantID, env)
	if err != nil {
		return nil, err
	}

	var policies []*model.Policy
	for _, p := range eligible {
		if p.Resources.Contains(resourceID) {
			policies = append(policies, p)
		}
	}
	return policies, nil
}

// Promote runs the two-row promotion in one transaction.  The sandbox row
// keeps its environment and gains active status; the production row is a
// fresh insert carrying the ancestor pointer.
func (r *policyRepo) Promote(ctx context.Context, sandbox, production *model.Policy) error {
	now := time.Now().UTC()
	sandbox.UpdatedAt = now
	production.CreatedAt = now
	production.UpdatedAt = now

	tx, err := r.db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return translate(err, "starting promotion")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, r.db.Rebind(policyUpdate), policyUpdateArgs(sandbox)...)
	if err != nil {
		return translate(err, "updating sandbox policy")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.NotFound("policy")
	}

	if _, err := tx.ExecContext(ctx, r.db.Rebind(policyInsert), policyInsertArgs(production)...); err != nil {
		return translate(err, "inserting production policy")
	}

	return translate(tx.Commit(), "committing promotion")
}
