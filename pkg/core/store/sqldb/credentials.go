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

type credentialRepo struct {
	db *DB
}

const credentialCols = `vault_id, tenant_id, ciphertext, nonce, wrapped_key, key_nonce,
	key_version, created_at, updated_at`

// Put upserts the envelope; rotation rewrites the row in place under a
// bumped key version.
func (r *credentialRepo) Put(ctx context.Context, credential *model.Credential) error {
	now := time.Now().UTC()
	if credential.CreatedAt.IsZero() {
		credential.CreatedAt = now
	}
	credential.UpdatedAt = now

	_, err := r.db.conn.ExecContext(ctx,
		r.db.Rebind(`INSERT INTO credentials (`+credentialCols+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (tenant_id, vault_id) DO UPDATE SET
				ciphertext = excluded.ciphertext,
				nonce = excluded.nonce,
				wrapped_key = excluded.wrapped_key,
				key_nonce = excluded.key_nonce,
				key_version = excluded.key_version,
				updated_at = excluded.updated_at`),
		credential.VaultID, credential.TenantID, credential.Ciphertext,
		credential.Nonce, credential.WrappedKey, credential.KeyNonce,
		credential.KeyVersion, credential.CreatedAt, credential.UpdatedAt)
	return translate(err, "writing credential")
}

func (r *credentialRepo) Get(ctx context.Context, tenantID, vaultID string) (*model.Credential, error) {
	var credential model.Credential
	err := r.db.conn.GetContext(ctx, &credential,
		r.db.Rebind(`SELECT `+credentialCols+` FROM credentials
			WHERE tenant_id = ? AND vault_id = ?`),
		tenantID, vaultID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NotFound("credential")
	}
	if err != nil {
		return nil, translate(err, "reading credential")
	}
	return &credential, nil
}

func (r *credentialRepo) Delete(ctx context.Context, tenantID, vaultID string) error {
	res, err := r.db.conn.ExecContext(ctx,
		r.db.Rebind(`DELETE FROM credentials WHERE tenant_id = ? AND vault_id = ?`),
		tenantID, vaultID)
	if err != nil {
		return translate(err, "deleting credential")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.NotFound("credential")
	}
	return nil
}
