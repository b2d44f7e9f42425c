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

type resourceRepo struct {
	db *DB
}

const resourceCols = `id, tenant_id, environment, name, original_host, production_host,
	fingerprints, deleted, created_at, updated_at`

func (r *resourceRepo) Create(ctx context.Context, resource *model.Resource) error {
	now := time.Now().UTC()
	resource.CreatedAt = now
	resource.UpdatedAt = now

	_, err := r.db.conn.ExecContext(ctx,
		r.db.Rebind(`INSERT INTO resources (`+resourceCols+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		resource.ID, resource.TenantID, resource.Environment, resource.Name,
		resource.OriginalHost, resource.ProductionHost, resource.Fingerprints,
		resource.Deleted, resource.CreatedAt, resource.UpdatedAt)
	return translate(err, "creating resource")
}

func (r *resourceRepo) Get(ctx context.Context, tenantID, id string, env model.Environment) (*model.Resource, error) {
	var resource model.Resource
	err := r.db.conn.GetContext(ctx, &resource,
		r.db.Rebind(`SELECT `+resourceCols+` FROM resources
			WHERE tenant_id = ? AND id = ? AND environment = ? AND deleted = ?`),
		tenantID, id, env, false)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NotFound("resource")
	}
	if err != nil {
		return nil, translate(err, "reading resource")
	}
	return &resource, nil
}

func (r *resourceRepo) Update(ctx context.Context, resource *model.Resource) error {
	resource.UpdatedAt = time.Now().UTC()

	res, err := r.db.conn.ExecContext(ctx,
		r.db.Rebind(`UPDATE resources SET
			name = ?, original_host = ?, production_host = ?, fingerprints = ?, updated_at = ?
			WHERE tenant_id = ? AND id = ? AND environment = ? AND deleted = ?`),
		resource.Name, resource.OriginalHost, resource.ProductionHost,
		resource.Fingerprints, resource.UpdatedAt,
		resource.TenantID, resource.ID, resource.Environment, false)
	if err != nil {
		return translate(err, "updating resource")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.NotFound("resource")
	}
	return nil
}

// Delete tombstones the row so decisions recorded against it stay
// attributable.
func (r *resourceRepo) Delete(ctx context.Context, tenantID, id string, env model.Environment) error {
	res, err := r.db.conn.ExecContext(ctx,
		r.db.Rebind(`UPDATE resources SET deleted = ?, updated_at = ?
			WHERE tenant_id = ? AND id = ? AND environment = ? AND deleted = ?`),
		true, time.Now().UTC(), tenantID, id, env, false)
	if err != nil {
		return translate(err, "deleting resource")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.NotFound("resource")
	}
	return nil
}

func (r *resourceRepo) List(ctx context.Context, tenantID string, env model.Environment, page store.Page) ([]*model.Resource, error) {
	limit, offset := pageClause(page)

	var resources []*model.Resource
	err := r.db.conn.SelectContext(ctx, &resources,
		r.db.Rebind(`SELECT `+resourceCols+` FROM resources
			WHERE tenant_id = ? AND environment = ? AND deleted = ?
			ORDER BY id LIMIT ? OFFSET ?`),
		tenantID, env, false, limit, offset)
	if err != nil {
		return nil, translate(err, "listing resources")
	}
	return resources, nil
}
