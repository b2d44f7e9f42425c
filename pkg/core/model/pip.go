//
//  Copyright © Control Core Inc. All rights reserved.
//

package model

import (
	"database/sql/driver"
	"time"
)

// PIPKind enumerates supported attribute provider kinds.
type PIPKind string

// Provider kinds.
const (
	PIPHTTPAPI  PIPKind = "http-api"
	PIPDatabase PIPKind = "database"
	PIPGit      PIPKind = "git"
	PIPIdentity PIPKind = "identity-provider"
	PIPHRIS     PIPKind = "hris"
	PIPCRM      PIPKind = "crm"
)

// Valid reports whether k is a recognized provider kind.
func (k PIPKind) Valid() bool {
	switch k {
	case PIPHTTPAPI, PIPDatabase, PIPGit, PIPIdentity, PIPHRIS, PIPCRM:
		return true
	}
	return false
}

// PIPConnection is an external attribute provider row, identified by
// (TenantID, ID, Environment).  A connection never spans environments; to
// serve both, an operator creates two rows (which may reference a shared
// credential vault id).
type PIPConnection struct {
	ID          string      `db:"id" json:"id"`
	TenantID    string      `db:"tenant_id" json:"tenant_id"`
	Environment Environment `db:"environment" json:"environment"`
	Name        string      `db:"name" json:"name"`
	Kind        PIPKind     `db:"kind" json:"kind"`
	Endpoint    string      `db:"endpoint" json:"endpoint"`

	// CredentialVaultID references the credential vault; cleartext secrets
	// never appear on this row.
	CredentialVaultID string `db:"credential_vault_id" json:"credential_vault_id,omitempty"`

	// AttributeMappings translate provider payload paths into attribute
	// paths visible to policies.
	AttributeMappings AttributeMappings `db:"attribute_mappings" json:"attribute_mappings"`

	SyncIntervalSeconds int        `db:"sync_interval_seconds" json:"sync_interval_seconds"`
	TTLSeconds          int        `db:"ttl_seconds" json:"ttl_seconds"`
	LastSyncAt          *time.Time `db:"last_sync_at" json:"last_sync_at,omitempty"`
	Status              string     `db:"status" json:"status"`

	Deleted   bool      `db:"deleted" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// AttributeMappings is the mapping rule list, stored as JSON text.
type AttributeMappings []AttributeMapping

// AttributeMapping maps one provider payload path to one attribute path.
type AttributeMapping struct {
	SourcePath    string `json:"source_path"`
	AttributePath string `json:"attribute_path"`
}

// Value implements driver.Valuer.
func (m AttributeMappings) Value() (driver.Value, error) {
	return jsonValue(m)
}

// Scan implements sql.Scanner.
func (m *AttributeMappings) Scan(src interface{}) error {
	return scanJSON(src, m)
}
