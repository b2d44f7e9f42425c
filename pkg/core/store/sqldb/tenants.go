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

type tenantRepo struct {
	db *DB
}

const tenantCols = `id, name, posture, created_at, updated_at`

func (r *tenantRepo) Create(ctx context.Context, tenant *model.Tenant) error {
	now := time.Now().UTC()
	tenant.CreatedAt = now
	tenant.UpdatedAt = now

	_, err := r.db.conn.ExecContext(ctx,
		r.db.Rebind(`INSERT INTO tenants (`+tenantCols+`) VALUES (?, ?, ?, ?, ?)`),
		tenant.ID, tenant.Name, tenant.Posture, tenant.CreatedAt, tenant.UpdatedAt)
	return translate(err, "creating tenant")
}

func (r *tenantRepo) Get(ctx context.Context, id string) (*model.Tenant, error) {
	var tenant model.Tenant
	err := r.db.conn.GetContext(ctx, &tenant,
		r.db.Rebind(`SELECT `+tenantCols+` FROM tenants WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NotFound("tenant")
	}
	if err != nil {
		return nil, translate(err, "reading tenant")
	}
	return &tenant, nil
}

func (r *tenantRepo) Update(ctx context.Context, tenant *model.Tenant) error {
	tenant.UpdatedAt = time.Now().UTC()

	res, err := r.db.conn.ExecContext(ctx,
		r.db.Rebind(`UPDATE tenants SET name = ?, posture = ?, updated_at = ? WHERE id = ?`),
		tenant.Name, tenant.Posture, tenant.UpdatedAt, tenant.ID)
	if err != nil {
		return translate(err, "updating tenant")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.NotFound("tenant")
	}
	return nil
}

func (r *tenantRepo) List(ctx context.Context, page store.Page) ([]*model.Tenant, error) {
	limit, offset := pageClause(page)

	var tenants []*model.Tenant
	err := r.db.conn.SelectContext(ctx, &tenants,
		r.db.Rebind(`SELECT `+tenantCols+` FROM tenants ORDER BY id LIMIT ? OFFSET ?`),
		limit, offset)
	if err != nil {
		return nil, translate(err, "listing tenants")
	}
	return tenants, nil
}
