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

type gitRepo struct {
	db *DB
}

const gitConfigCols = `tenant_id, repo_url, branch, username, token_vault_id,
	auto_sync, sync_interval_seconds, conflict_rule, updated_at`

const syncCols = `id, tenant_id, direction, commit_hash, files, status, error,
	started_at, ended_at`

func (r *gitRepo) GetConfig(ctx context.Context, tenantID string) (*model.GitConfig, error) {
	var cfg model.GitConfig
	err := r.db.conn.GetContext(ctx, &cfg,
		r.db.Rebind(`SELECT `+gitConfigCols+` FROM git_configs WHERE tenant_id = ?`),
		tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NotFound("git config")
	}
	if err != nil {
		return nil, translate(err, "reading git config")
	}
	return &cfg, nil
}

func (r *gitRepo) PutConfig(ctx context.Context, cfg *model.GitConfig) error {
	cfg.UpdatedAt = time.Now().UTC()

	_, err := r.db.conn.ExecContext(ctx,
		r.db.Rebind(`INSERT INTO git_configs (`+gitConfigCols+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (tenant_id) DO UPDATE SET
				repo_url = excluded.repo_url,
				branch = excluded.branch,
				username = excluded.username,
				token_vault_id = excluded.token_vault_id,
				auto_sync = excluded.auto_sync,
				sync_interval_seconds = excluded.sync_interval_seconds,
				conflict_rule = excluded.conflict_rule,
				updated_at = excluded.updated_at`),
		cfg.TenantID, cfg.RepoURL, cfg.Branch, cfg.Username, cfg.TokenVaultID,
		cfg.AutoSync, cfg.SyncIntervalSeconds, cfg.ConflictRule, cfg.UpdatedAt)
	return translate(err, "writing git config")
}

func (r *gitRepo) AppendSync(ctx context.Context, record *model.SyncRecord) error {
	_, err := r.db.conn.ExecContext(ctx,
		r.db.Rebind(`INSERT INTO sync_history (`+syncCols+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		record.ID, record.TenantID, record.Direction, record.Commit, record.Files,
		record.Status, record.Error, record.StartedAt, record.EndedAt)
	return translate(err, "recording sync")
}

func (r *gitRepo) ListSync(ctx context.Context, tenantID string, page store.Page) ([]*model.SyncRecord, error) {
	limit, offset := pageClause(page)

	var records []*model.SyncRecord
	err := r.db.conn.SelectContext(ctx, &records,
		r.db.Rebind(`SELECT `+syncCols+` FROM sync_history
			WHERE tenant_id = ?
			ORDER BY started_at DESC LIMIT ? OFFSET ?`),
		tenantID, limit, offset)
	if err != nil {
		return nil, translate(err, "listing sync history")
	}
	return records, nil
}
