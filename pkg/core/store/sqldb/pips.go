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

type pipRepo struct {
	db *DB
}

const pipCols = `id, tenant_id, environment, name, kind, endpoint, credential_vault_id,
	attribute_mappings, sync_interval_seconds, ttl_seconds, last_sync_at, status,
	deleted, created_at, updated_at`

func (r *pipRepo) Create(ctx context.Context, conn *model.PIPConnection) error {
	now := time.Now().UTC()
	conn.CreatedAt = now
	conn.UpdatedAt = now

	_, err := r.db.conn.ExecContext(ctx,
		r.db.Rebind(`INSERT INTO pip_connections (`+pipCols+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		conn.ID, conn.TenantID, conn.Environment, conn.Name, conn.Kind, conn.Endpoint,
		conn.CredentialVaultID, conn.AttributeMappings, conn.SyncIntervalSeconds,
		conn.TTLSeconds, conn.LastSyncAt, conn.Status, conn.Deleted,
		conn.CreatedAt, conn.UpdatedAt)
	return translate(err, "creating pip connection")
}

func (r *pipRepo) Get(ctx context.Context, tenantID, id string, env model.Environment) (*model.PIPConnection, error) {
	var conn model.PIPConnection
	err := r.db.conn.GetContext(ctx, &conn,
		r.db.Rebind(`SELECT `+pipCols+` FROM pip_connections
			WHERE tenant_id = ? AND id = ? AND environment = ? AND deleted = ?`),
		tenantID, id, env, false)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NotFound("pip connection")
	}
	if err != nil {
		return nil, translate(err, "reading pip connection")
	}
	return &conn, nil
}

func (r *pipRepo) Update(ctx context.Context, conn *model.PIPConnection) error {
	conn.UpdatedAt = time.Now().UTC()

	res, err := r.db.conn.ExecContext(ctx,
		r.db.Rebind(`UPDATE pip_connections SET
			name = ?, kind = ?, endpoint = ?, credential_vault_id = ?,
			attribute_mappings = ?, sync_interval_seconds = ?, ttl_seconds = ?,
			status = ?, updated_at = ?
			WHERE tenant_id = ? AND id = ? AND environment = ? AND deleted = ?`),
		conn.Name, conn.Kind, conn.Endpoint, conn.CredentialVaultID,
		conn.AttributeMappings, conn.SyncIntervalSeconds, conn.TTLSeconds,
		conn.Status, conn.UpdatedAt,
		conn.TenantID, conn.ID, conn.Environment, false)
	if err != nil {
		return translate(err, "updating pip connection")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.NotFound("pip connection")
	}
	return nil
}

func (r *pipRepo) Delete(ctx context.Context, tenantID, id string, env model.Environment) error {
	res, err := r.db.conn.ExecContext(ctx,
		r.db.Rebind(`UPDATE pip_connections SET deleted = ?, updated_at = ?
			WHERE tenant_id = ? AND id = ? AND environment = ? AND deleted = ?`),
		true, time.Now().UTC(), tenantID, id, env, false)
	if err != nil {
		return translate(err, "deleting pip connection")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.NotFound("pip connection")
	}
	return nil
}

func (r *pipRepo) List(ctx context.Context, tenantID string, env model.Environment, page store.Page) ([]*model.PIPConnection, error) {
	limit, offset := pageClause(page)

	var conns []*model.PIPConnection
	err := r.db.conn.SelectContext(ctx, &conns,
		r.db.Rebind(`SELECT `+pipCols+` FROM pip_connections
			WHERE tenant_id = ? AND environment = ? AND deleted = ?
			ORDER BY id LIMIT ? OFFSET ?`),
		tenantID, env, false, limit, offset)
	if err != nil {
		return nil, translate(err, "listing pip connections")
	}
	return conns, nil
}

func (r *pipRepo) MarkSynced(ctx context.Context, tenantID, id string, env model.Environment, at time.Time, status string) error {
	res, err := r.db.conn.ExecContext(ctx,
		r.db.Rebind(`UPDATE pip_connections SET last_sync_at = ?, status = ?, updated_at = ?
			WHERE tenant_id = ? AND id = ? AND environment = ? AND deleted = ?`),
		at, status, at, tenantID, id, env, false)
	if err != nil {
		return translate(err, "recording pip sync")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.NotFound("pip connection")
	}
	return nil
}
