//
//  Copyright © Control Core Inc. All rights reserved.
//

package model

import "time"

// Tenant is the root isolation unit.  Every other entity carries a tenant
// identifier and no query ever crosses tenants.
type Tenant struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Posture   Posture   `db:"posture" json:"posture"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Capabilities an actor may hold.  Production writes and the administrator
// decision bypass are both capability-gated, never global flags.
const (
	CapPolicyWrite     = "policy:write"
	CapProductionWrite = "production:write"
	CapSystemAdmin     = "system:admin"
	CapSettingsWrite   = "settings:write"
)

// Actor is the authenticated caller identity resolved by the gateway.
type Actor struct {
	Subject      string     `json:"subject"`
	TenantID     string     `json:"tenant_id"`
	Capabilities StringList `json:"capabilities"`
}

// Can reports whether the actor holds the given capability.
func (a *Actor) Can(capability string) bool {
	return a.Capabilities.Contains(capability)
}

// GitConfig is the tenant-level git repository configuration.  The token
// lives in the credential vault; this row stores only the vault handle.
type GitConfig struct {
	TenantID string `db:"tenant_id" json:"tenant_id"`
	RepoURL  string `db:"repo_url" json:"repo_url"`
	Branch   string `db:"branch" json:"branch"`
	Username string `db:"username" json:"username,omitempty"`

	TokenVaultID string `db:"token_vault_id" json:"-"`

	AutoSync            bool         `db:"auto_sync" json:"auto_sync"`
	SyncIntervalSeconds int          `db:"sync_interval_seconds" json:"sync_interval_seconds"`
	ConflictRule        ConflictRule `db:"conflict_rule" json:"conflict_rule"`

	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// SyncRecord is one git synchronizer history entry.
type SyncRecord struct {
	ID        string        `db:"id" json:"id"`
	TenantID  string        `db:"tenant_id" json:"tenant_id"`
	Direction SyncDirection `db:"direction" json:"direction"`
	Commit    string        `db:"commit_hash" json:"commit,omitempty"`
	Files     JSONMap       `db:"files" json:"files"`
	Status    string        `db:"status" json:"status"`
	Error     string        `db:"error" json:"error,omitempty"`
	StartedAt time.Time     `db:"started_at" json:"started_at"`
	EndedAt   time.Time     `db:"ended_at" json:"ended_at"`
}

// NotificationRule is a per-environment alerting rule.
type NotificationRule struct {
	ID          string      `db:"id" json:"id"`
	TenantID    string      `db:"tenant_id" json:"tenant_id"`
	Environment Environment `db:"environment" json:"environment"`
	Event       string      `db:"event" json:"event"`
	Channel     string      `db:"channel" json:"channel"`
	Target      string      `db:"target" json:"target"`
	Enabled     bool        `db:"enabled" json:"enabled"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time   `db:"updated_at" json:"updated_at"`
}

// Credential is the stored form of a secret: an authenticated-encryption
// envelope plus the wrapped per-tenant data key reference.  Plaintext is
// never persisted.  Ciphertext, nonce and the wrapped key are base64 so the
// row is portable across store drivers.
type Credential struct {
	VaultID    string    `db:"vault_id" json:"vault_id"`
	TenantID   string    `db:"tenant_id" json:"tenant_id"`
	Ciphertext string    `db:"ciphertext" json:"-"`
	Nonce      string    `db:"nonce" json:"-"`
	WrappedKey string    `db:"wrapped_key" json:"-"`
	KeyNonce   string    `db:"key_nonce" json:"-"`
	KeyVersion int       `db:"key_version" json:"key_version"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// MaskedSecret is the placeholder rendered wherever a config row containing
// a secret is returned by the API.
const MaskedSecret = "********"
