//
//  Copyright © Control Core Inc. All rights reserved.
//

package sqldb

import (
	"context"
	"time"

	"github.com/controlcore/controlplane/pkg/core/model"
	"github.com/controlcore/controlplane/pkg/core/store"
)

type auditRepo struct {
	db *DB
}

const auditCols = `id, tenant_id, environment, type, actor, producer, seq, payload, created_at`

// Append inserts a batch in one transaction so a crash never leaves a
// producer's sequence with gaps in the middle of a flush.
func (r *auditRepo) Append(ctx context.Context, entries []model.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := r.db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return translate(err, "starting audit append")
	}
	defer func() { _ = tx.Rollback() }()

	insert := r.db.Rebind(`INSERT INTO audit_entries (` + auditCols + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	for i := range entries {
		e := &entries[i]
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, insert,
			e.ID, e.TenantID, e.Environment, e.Type, e.Actor,
			e.Producer, e.Seq, e.Payload, e.CreatedAt); err != nil {
			return translate(err, "appending audit entry")
		}
	}

	return translate(tx.Commit(), "committing audit append")
}

func (r *auditRepo) List(ctx context.Context, tenantID string, env model.Environment, typ model.AuditType, page store.Page) ([]*model.AuditEntry, error) {
	limit, offset := pageClause(page)

	query := `SELECT ` + auditCols + ` FROM audit_entries
		WHERE tenant_id = ? AND environment = ?`
	args := []interface{}{tenantID, env}
	if typ != "" {
		query += ` AND type = ?`
		args = append(args, typ)
	}
	query += ` ORDER BY created_at DESC, producer, seq DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	var entries []*model.AuditEntry
	if err := r.db.conn.SelectContext(ctx, &entries, r.db.Rebind(query), args...); err != nil {
		return nil, translate(err, "listing audit entries")
	}
	return entries, nil
}

func (r *auditRepo) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.conn.ExecContext(ctx,
		r.db.Rebind(`DELETE FROM audit_entries WHERE created_at < ?`), before)
	if err != nil {
		return 0, translate(err, "pruning audit entries")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
