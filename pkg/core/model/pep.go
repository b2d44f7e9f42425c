//
//  Copyright © Control Core Inc. All rights reserved.
//

package model

import "time"

// PEP is a deployed policy enforcement point ("bouncer"), identified by
// (TenantID, ID).  The environment is immutable after first registration.
type PEP struct {
	ID          string         `db:"id" json:"id"`
	TenantID    string         `db:"tenant_id" json:"tenant_id"`
	Environment Environment    `db:"environment" json:"environment"`
	Mode        DeploymentMode `db:"mode" json:"mode"`
	Name        string         `db:"name" json:"name"`

	// ExternalID is the caller-provided identifier that makes registration
	// idempotent for a given (tenant, environment, external id).
	ExternalID string `db:"external_id" json:"external_id,omitempty"`

	// TokenHash is the SHA-256 of the registration token.  The cleartext
	// token is returned exactly once, at registration.
	TokenHash string `db:"token_hash" json:"-"`

	// Bundles lists the policy ids assigned to this PEP.  The builder
	// narrows the PEP's bundle to these; empty means every enabled policy.
	Bundles StringList `db:"bundles" json:"bundles"`

	// SelfReport is the most recent heartbeat payload (version, counters).
	SelfReport JSONMap `db:"self_report" json:"self_report,omitempty"`

	LastSeen  *time.Time `db:"last_seen" json:"last_seen,omitempty"`
	Health    PEPHealth  `db:"health" json:"health"`
	Deleted   bool       `db:"deleted" json:"-"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}

// EffectiveConfig is the merge-engine output served to a polling PEP.
// Keys irrelevant to the PEP's deployment mode are never present.
type EffectiveConfig struct {
	PEPID         string         `json:"pep_id"`
	Environment   Environment    `json:"environment"`
	Mode          DeploymentMode `json:"mode"`
	BundleVersion string         `json:"bundle_version"`
	Settings      JSONMap        `json:"settings"`
	ComputedAt    time.Time      `json:"computed_at"`
}

// GlobalPEPConfig holds tenant-wide defaults, one row per tenant.  Common
// fields always apply; mode-specific fields only apply to matching PEPs.
type GlobalPEPConfig struct {
	TenantID string `db:"tenant_id" json:"tenant_id"`

	// Common defaults.
	PollIntervalSeconds int        `db:"poll_interval_seconds" json:"poll_interval_seconds"`
	DecisionLogBatch    int        `db:"decision_log_batch" json:"decision_log_batch"`
	FailPolicy          FailPolicy `db:"fail_policy" json:"fail_policy"`
	Posture             Posture    `db:"posture" json:"posture"`
	TLSVerify           bool       `db:"tls_verify" json:"tls_verify"`
	TLSMinVersion       string     `db:"tls_min_version" json:"tls_min_version"`

	// Reverse-proxy defaults.
	DefaultProxyDomain string `db:"default_proxy_domain" json:"default_proxy_domain,omitempty"`
	ProxyTimeoutMS     int    `db:"proxy_timeout_ms" json:"proxy_timeout_ms,omitempty"`

	// Sidecar defaults.
	SidecarPort   int    `db:"sidecar_port" json:"sidecar_port,omitempty"`
	TrafficMode   string `db:"traffic_mode" json:"traffic_mode,omitempty"`
	InjectionMode string `db:"injection_mode" json:"injection_mode,omitempty"`
	CPULimit      string `db:"cpu_limit" json:"cpu_limit,omitempty"`
	MemoryLimit   string `db:"memory_limit" json:"memory_limit,omitempty"`

	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// IndividualPEPConfig holds per-PEP overrides.  Exactly one row exists per
// PEP; nil fields fall through to the global defaults.
type IndividualPEPConfig struct {
	PEPID    string `db:"pep_id" json:"pep_id"`
	TenantID string `db:"tenant_id" json:"tenant_id"`

	PollIntervalSeconds *int        `db:"poll_interval_seconds" json:"poll_interval_seconds,omitempty"`
	DecisionLogBatch    *int        `db:"decision_log_batch" json:"decision_log_batch,omitempty"`
	FailPolicy          *FailPolicy `db:"fail_policy" json:"fail_policy,omitempty"`
	Posture             *Posture    `db:"posture" json:"posture,omitempty"`
	TLSVerify           *bool       `db:"tls_verify" json:"tls_verify,omitempty"`
	TLSMinVersion       *string     `db:"tls_min_version" json:"tls_min_version,omitempty"`

	// Reverse-proxy specifics.
	UpstreamURL        *string `db:"upstream_url" json:"upstream_url,omitempty"`
	PublicURL          *string `db:"public_url" json:"public_url,omitempty"`
	DefaultProxyDomain *string `db:"default_proxy_domain" json:"default_proxy_domain,omitempty"`
	ProxyTimeoutMS     *int    `db:"proxy_timeout_ms" json:"proxy_timeout_ms,omitempty"`

	// Sidecar specifics.
	SidecarPort   *int    `db:"sidecar_port" json:"sidecar_port,omitempty"`
	TrafficMode   *string `db:"traffic_mode" json:"traffic_mode,omitempty"`
	InjectionMode *string `db:"injection_mode" json:"injection_mode,omitempty"`
	CPULimit      *string `db:"cpu_limit" json:"cpu_limit,omitempty"`
	MemoryLimit   *string `db:"memory_limit" json:"memory_limit,omitempty"`

	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
