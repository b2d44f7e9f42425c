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

type templateRepo struct {
	db *DB
}

const templateCols = `id, name, description, category, risk_level, frameworks,
	parameters, source, effect, created_at`

func (r *templateRepo) Seed(ctx context.Context, templates []model.PolicyTemplate) error {
	tx, err := r.db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return translate(err, "starting template seed")
	}
	defer func() { _ = tx.Rollback() }()

	insert := r.db.Rebind(`INSERT INTO policy_templates (` + templateCols + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`)

	now := time.Now().UTC()
	for _, t := range templates {
		if _, err := tx.ExecContext(ctx, insert,
			t.ID, t.Name, t.Description, t.Category, t.RiskLevel,
			t.Frameworks, t.Parameters, t.Source, t.Effect, now); err != nil {
			return translate(err, "seeding template "+t.ID)
		}
	}

	return translate(tx.Commit(), "committing template seed")
}

func (r *templateRepo) Get(ctx context.Context, id string) (*model.PolicyTemplate, error) {
	var template model.PolicyTemplate
	err := r.db.conn.GetContext(ctx, &template,
		r.db.Rebind(`SELECT `+templateCols+` FROM policy_templates WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NotFound("template")
	}
	if err != nil {
		return nil, translate(err, "reading template")
	}
	return &template, nil
}

func (r *templateRepo) List(ctx context.Context, page store.Page) ([]*model.PolicyTemplate, error) {
	limit, offset := pageClause(page)

	var templates []*model.PolicyTemplate
	err := r.db.conn.SelectContext(ctx, &templates,
		r.db.Rebind(`SELECT `+templateCols+` FROM policy_templates ORDER BY id LIMIT ? OFFSET ?`),
		limit, offset)
	if err != nil {
		return nil, translate(err, "listing templates")
	}
	return templates, nil
}
