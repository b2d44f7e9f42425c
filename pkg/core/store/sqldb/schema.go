//
//  Copyright © Control Core Inc. All rights reserved.
//

package sqldb

// The baseline schema.  Statements are written in the common subset of
// sqlite3 and postgres SQL; JSON-valued columns are TEXT and scanned
// through the model types' sql.Scanner implementations.
var baseline = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		posture    TEXT NOT NULL DEFAULT 'deny-all',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS policies (
		id                    TEXT NOT NULL,
		tenant_id             TEXT NOT NULL,
		name                  TEXT NOT NULL,
		description           TEXT NOT NULL DEFAULT '',
		source                TEXT NOT NULL,
		effect                TEXT NOT NULL,
		folder                TEXT NOT NULL,
		environment           TEXT NOT NULL,
		resources             TEXT NOT NULL DEFAULT '[]',
		sandbox_status        TEXT NOT NULL,
		production_status     TEXT NOT NULL,
		promoted_from_sandbox BOOLEAN NOT NULL DEFAULT FALSE,
		promoted_at           TIMESTAMP,
		promoted_by           TEXT NOT NULL DEFAULT '',
		ancestor_id           TEXT NOT NULL DEFAULT '',
		created_at            TIMESTAMP NOT NULL,
		updated_at            TIMESTAMP NOT NULL,
		PRIMARY KEY (tenant_id, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_policies_env
		ON policies (tenant_id, environment, folder)`,

	`CREATE TABLE IF NOT EXISTS policy_templates (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		category    TEXT NOT NULL DEFAULT '',
		risk_level  TEXT NOT NULL DEFAULT '',
		frameworks  TEXT NOT NULL DEFAULT '[]',
		parameters  TEXT NOT NULL DEFAULT '[]',
		source      TEXT NOT NULL,
		effect      TEXT NOT NULL,
		created_at  TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS resources (
		id              TEXT NOT NULL,
		tenant_id       TEXT NOT NULL,
		environment     TEXT NOT NULL,
		name            TEXT NOT NULL,
		original_host   TEXT NOT NULL DEFAULT '',
		production_host TEXT NOT NULL DEFAULT '',
		fingerprints    TEXT NOT NULL DEFAULT '[]',
		deleted         BOOLEAN NOT NULL DEFAULT FALSE,
		created_at      TIMESTAMP NOT NULL,
		updated_at      TIMESTAMP NOT NULL,
		PRIMARY KEY (tenant_id, id, environment)
	)`,

	`CREATE TABLE IF NOT EXISTS peps (
		id          TEXT NOT NULL,
		tenant_id   TEXT NOT NULL,
		environment TEXT NOT NULL,
		mode        TEXT NOT NULL,
		name        TEXT NOT NULL,
		external_id TEXT NOT NULL DEFAULT '',
		token_hash  TEXT NOT NULL,
		bundles     TEXT NOT NULL DEFAULT '[]',
		self_report TEXT NOT NULL DEFAULT '{}',
		last_seen   TIMESTAMP,
		health      TEXT NOT NULL,
		deleted     BOOLEAN NOT NULL DEFAULT FALSE,
		created_at  TIMESTAMP NOT NULL,
		updated_at  TIMESTAMP NOT NULL,
		PRIMARY KEY (tenant_id, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_peps_external
		ON peps (tenant_id, environment, external_id)`,

	`CREATE TABLE IF NOT EXISTS pep_global_config (
		tenant_id             TEXT PRIMARY KEY,
		poll_interval_seconds INTEGER NOT NULL,
		decision_log_batch    INTEGER NOT NULL,
		fail_policy           TEXT NOT NULL,
		posture               TEXT NOT NULL,
		tls_verify            BOOLEAN NOT NULL,
		tls_min_version       TEXT NOT NULL DEFAULT '',
		default_proxy_domain  TEXT NOT NULL DEFAULT '',
		proxy_timeout_ms      INTEGER NOT NULL DEFAULT 0,
		sidecar_port          INTEGER NOT NULL DEFAULT 0,
		traffic_mode          TEXT NOT NULL DEFAULT '',
		injection_mode        TEXT NOT NULL DEFAULT '',
		cpu_limit             TEXT NOT NULL DEFAULT '',
		memory_limit          TEXT NOT NULL DEFAULT '',
		updated_at            TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS pep_individual_config (
		pep_id                TEXT NOT NULL,
		tenant_id             TEXT NOT NULL,
		poll_interval_seconds INTEGER,
		decision_log_batch    INTEGER,
		fail_policy           TEXT,
		posture               TEXT,
		tls_verify            BOOLEAN,
		tls_min_version       TEXT,
		upstream_url          TEXT,
		public_url            TEXT,
		default_proxy_domain  TEXT,
		proxy_timeout_ms      INTEGER,
		sidecar_port          INTEGER,
		traffic_mode          TEXT,
		injection_mode        TEXT,
		cpu_limit             TEXT,
		memory_limit          TEXT,
		updated_at            TIMESTAMP NOT NULL,
		PRIMARY KEY (tenant_id, pep_id)
	)`,

	`CREATE TABLE IF NOT EXISTS pip_connections (
		id                    TEXT NOT NULL,
		tenant_id             TEXT NOT NULL,
		environment           TEXT NOT NULL,
		name                  TEXT NOT NULL,
		kind                  TEXT NOT NULL,
		endpoint              TEXT NOT NULL,
		credential_vault_id   TEXT NOT NULL DEFAULT '',
		attribute_mappings    TEXT NOT NULL DEFAULT '[]',
		sync_interval_seconds INTEGER NOT NULL,
		ttl_seconds           INTEGER NOT NULL,
		last_sync_at          TIMESTAMP,
		status                TEXT NOT NULL DEFAULT '',
		deleted               BOOLEAN NOT NULL DEFAULT FALSE,
		created_at            TIMESTAMP NOT NULL,
		updated_at            TIMESTAMP NOT NULL,
		PRIMARY KEY (tenant_id, id, environment)
	)`,

	`CREATE TABLE IF NOT EXISTS bundles (
		tenant_id     TEXT NOT NULL,
		pep_id        TEXT NOT NULL,
		environment   TEXT NOT NULL,
		version       TEXT NOT NULL,
		sequence      INTEGER NOT NULL,
		policy_ids    TEXT NOT NULL DEFAULT '[]',
		data_manifest TEXT NOT NULL DEFAULT '[]',
		checksum      TEXT NOT NULL,
		built_at      TIMESTAMP NOT NULL,
		PRIMARY KEY (tenant_id, pep_id, version),
		UNIQUE (tenant_id, pep_id, sequence)
	)`,

	`CREATE TABLE IF NOT EXISTS audit_entries (
		id          TEXT NOT NULL,
		tenant_id   TEXT NOT NULL,
		environment TEXT NOT NULL,
		type        TEXT NOT NULL,
		actor       TEXT NOT NULL DEFAULT '',
		producer    TEXT NOT NULL DEFAULT '',
		seq         INTEGER NOT NULL DEFAULT 0,
		payload     TEXT NOT NULL DEFAULT '{}',
		created_at  TIMESTAMP NOT NULL,
		PRIMARY KEY (tenant_id, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_scan
		ON audit_entries (tenant_id, environment, type, created_at)`,

	`CREATE TABLE IF NOT EXISTS credentials (
		vault_id    TEXT NOT NULL,
		tenant_id   TEXT NOT NULL,
		ciphertext  TEXT NOT NULL,
		nonce       TEXT NOT NULL,
		wrapped_key TEXT NOT NULL,
		key_nonce   TEXT NOT NULL,
		key_version INTEGER NOT NULL,
		created_at  TIMESTAMP NOT NULL,
		updated_at  TIMESTAMP NOT NULL,
		PRIMARY KEY (tenant_id, vault_id)
	)`,

	`CREATE TABLE IF NOT EXISTS git_configs (
		tenant_id             TEXT PRIMARY KEY,
		repo_url              TEXT NOT NULL,
		branch                TEXT NOT NULL,
		username              TEXT NOT NULL DEFAULT '',
		token_vault_id        TEXT NOT NULL DEFAULT '',
		auto_sync             BOOLEAN NOT NULL DEFAULT FALSE,
		sync_interval_seconds INTEGER NOT NULL DEFAULT 300,
		conflict_rule         TEXT NOT NULL,
		updated_at            TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS sync_history (
		id          TEXT NOT NULL,
		tenant_id   TEXT NOT NULL,
		direction   TEXT NOT NULL,
		commit_hash TEXT NOT NULL DEFAULT '',
		files       TEXT NOT NULL DEFAULT '{}',
		status      TEXT NOT NULL,
		error       TEXT NOT NULL DEFAULT '',
		started_at  TIMESTAMP NOT NULL,
		ended_at    TIMESTAMP NOT NULL,
		PRIMARY KEY (tenant_id, id)
	)`,

	`CREATE TABLE IF NOT EXISTS notification_rules (
		id          TEXT NOT NULL,
		tenant_id   TEXT NOT NULL,
		environment TEXT NOT NULL,
		event       TEXT NOT NULL,
		channel     TEXT NOT NULL,
		target      TEXT NOT NULL,
		enabled     BOOLEAN NOT NULL DEFAULT TRUE,
		created_at  TIMESTAMP NOT NULL,
		updated_at  TIMESTAMP NOT NULL,
		PRIMARY KEY (tenant_id, id)
	)`,
}

// expectedTables is the drift check's ground truth.  A live schema missing
// any of these, or carrying a migration version this binary does not know,
// refuses to start.
var expectedTables = []string{
	"tenants",
	"policies",
	"policy_templates",
	"resources",
	"peps",
	"pep_global_config",
	"pep_individual_config",
	"pip_connections",
	"bundles",
	"audit_entries",
	"credentials",
	"git_configs",
	"sync_history",
	"notification_rules",
}
