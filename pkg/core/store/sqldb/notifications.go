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

type notificationRepo struct {
	db *DB
}

const ruleCols = `id, tenant_id, environment, event, channel, target, enabled,
	created_at, updated_at`

func (r *notificationRepo) Create(ctx context.Context, rule *model.NotificationRule) error {
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	_, err := r.db.conn.ExecContext(ctx,
		r.db.Rebind(`INSERT INTO notification_rules (`+ruleCols+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rule.ID, rule.TenantID, rule.Environment, rule.Event, rule.Channel,
		rule.Target, rule.Enabled, rule.CreatedAt, rule.UpdatedAt)
	return translate(err, "creating notification rule")
}

func (r *notificationRepo) Get(ctx context.Context, tenantID, id string) (*model.NotificationRule, error) {
	var rule model.NotificationRule
	err := r.db.conn.GetContext(ctx, &rule,
		r.db.Rebind(`SELECT `+ruleCols+` FROM notification_rules
			WHERE tenant_id = ? AND id = ?`),
		tenantID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NotFound("notification rule")
	}
	if err != nil {
		return nil, translate(err, "reading notification rule")
	}
	return &rule, nil
}

func (r *notificationRepo) Update(ctx context.Context, rule *model.NotificationRule) error {
	rule.UpdatedAt = time.Now().UTC()

	res, err := r.db.conn.ExecContext(ctx,
		r.db.Rebind(`UPDATE notification_rules SET
			event = ?, channel = ?, target = ?, enabled = ?, updated_at = ?
			WHERE tenant_id = ? AND id = ?`),
		rule.Event, rule.Channel, rule.Target, rule.Enabled, rule.UpdatedAt,
		rule.TenantID, rule.ID)
	if err != nil {
		return translate(err, "updating notification rule")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.NotFound("notification rule")
	}
	return nil
}

func (r *notificationRepo) Delete(ctx context.Context, tenantID, id string) error {
	res, err := r.db.conn.ExecContext(ctx,
		r.db.Rebind(`DELETE FROM notification_rules WHERE tenant_id = ? AND id = ?`),
		tenantID, id)
	if err != nil {
		return translate(err, "deleting notification rule")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.NotFound("notification rule")
	}
	return nil
}

func (r *notificationRepo) List(ctx context.Context, tenantID string, env model.Environment, page store.Page) ([]*model.NotificationRule, error) {
	limit, offset := pageClause(page)

	var rules []*model.NotificationRule
	err := r.db.conn.SelectContext(ctx, &rules,
		r.db.Rebind(`SELECT `+ruleCols+` FROM notification_rules
			WHERE tenant_id = ? AND environment = ?
			ORDER BY id LIMIT ? OFFSET ?`),
		tenantID, env, limit, offset)
	if err != nil {
		return nil, translate(err, "listing notification rules")
	}
	return rules, nil
}
