//
//  Copyright © Control Core Inc. All rights reserved.
//

// Package model defines the typed row structs and enumerations shared by
// the control plane subsystems.
//
// Every entity except tenants and policy templates carries a TenantID, and
// all store queries are filtered by it.  Entities bound to an environment
// carry exactly one of [Sandbox] or [Production]; "both environments" is
// never a valid value anywhere in the model.
//
// # Key Types
//
//   - [Policy]: an authored policy with promotion state
//   - [PolicyTemplate]: public, immutable template corpus entry
//   - [Resource]: a protected resource with traffic fingerprint rules
//   - [PEP]: a deployed enforcement point ("bouncer")
//   - [GlobalPEPConfig] / [IndividualPEPConfig]: the two merge-engine inputs
//   - [PIPConnection]: an external attribute provider
//   - [Bundle]: a content-addressed policy bundle manifest
//   - [AuditEntry]: append-only decision / config-change record
package model

import "fmt"

// Environment is the isolation boundary within a tenant.
type Environment string

// The two supported environments.  Not free-form.
const (
	Sandbox    Environment = "sandbox"
	Production Environment = "production"
)

// Valid reports whether e is a recognized environment.
func (e Environment) Valid() bool {
	return e == Sandbox || e == Production
}

// ParseEnvironment converts s into an [Environment], defaulting empty input
// to [Sandbox] per the API contract for list endpoints.
func ParseEnvironment(s string) (Environment, error) {
	switch s {
	case "":
		return Sandbox, nil
	case string(Sandbox):
		return Sandbox, nil
	case string(Production):
		return Production, nil
	default:
		return "", fmt.Errorf("unknown environment %q", s)
	}
}

// Effect is a policy's enforcement effect.
type Effect string

// Enforcement effects.  Advice policies never influence the outcome; they
// only attach reasons.
const (
	EffectPermit Effect = "permit"
	EffectDeny   Effect = "deny"
	EffectAdvice Effect = "advice"
)

// Valid reports whether f is a recognized effect.
func (f Effect) Valid() bool {
	return f == EffectPermit || f == EffectDeny || f == EffectAdvice
}

// Folder is a policy's folder assignment.  Only enabled policies are
// eligible for bundles.
type Folder string

// Folder values.
const (
	FolderEnabled  Folder = "enabled"
	FolderDisabled Folder = "disabled"
	FolderDrafts   Folder = "drafts"
)

// Valid reports whether f is a recognized folder.
func (f Folder) Valid() bool {
	return f == FolderEnabled || f == FolderDisabled || f == FolderDrafts
}

// PromotionStatus tracks a policy's lifecycle within one environment.
type PromotionStatus string

// Promotion statuses.
const (
	StatusNotPromoted PromotionStatus = "not-promoted"
	StatusPending     PromotionStatus = "pending"
	StatusActive      PromotionStatus = "active"
	StatusRetired     PromotionStatus = "retired"
)

// Valid reports whether s is a recognized promotion status.
func (s PromotionStatus) Valid() bool {
	switch s {
	case StatusNotPromoted, StatusPending, StatusActive, StatusRetired:
		return true
	}
	return false
}

// DeploymentMode describes how a PEP is deployed next to its workload.
type DeploymentMode string

// Deployment modes.
const (
	ModeReverseProxy DeploymentMode = "reverse-proxy"
	ModeSidecar      DeploymentMode = "sidecar"
	ModeMCP          DeploymentMode = "mcp"
)

// Valid reports whether m is a recognized deployment mode.
func (m DeploymentMode) Valid() bool {
	return m == ModeReverseProxy || m == ModeSidecar || m == ModeMCP
}

// FailPolicy is the PEP behaviour when the control plane is unreachable or
// a required attribute is missing.
type FailPolicy string

// Fail policies.
const (
	FailClosed FailPolicy = "fail-closed"
	FailOpen   FailPolicy = "fail-open"
)

// Valid reports whether p is a recognized fail policy.
func (p FailPolicy) Valid() bool {
	return p == FailClosed || p == FailOpen
}

// Posture is the tenant's default security posture, applied when no policy
// matches a decision input.
type Posture string

// Default postures.
const (
	PostureDenyAll  Posture = "deny-all"
	PostureAllowAll Posture = "allow-all"
)

// Valid reports whether p is a recognized posture.
func (p Posture) Valid() bool {
	return p == PostureDenyAll || p == PostureAllowAll
}

// Outcome is the result of an authorization decision.
type Outcome string

// Decision outcomes.
const (
	OutcomePermit Outcome = "permit"
	OutcomeDeny   Outcome = "deny"
)

// PEPHealth summarizes a PEP's polling behaviour.
type PEPHealth string

// Health states; a PEP that misses its stale threshold becomes unhealthy.
const (
	PEPHealthy   PEPHealth = "healthy"
	PEPUnhealthy PEPHealth = "unhealthy"
)

// AuditType distinguishes the two classes of audit entries.
type AuditType string

// Audit entry types.
const (
	AuditDecision     AuditType = "decision"
	AuditConfigChange AuditType = "config-change"
)

// SyncDirection labels git synchronizer history records.
type SyncDirection string

// Sync directions.
const (
	SyncPush SyncDirection = "push"
	SyncPull SyncDirection = "pull"
)

// ConflictRule selects the winner when the git repo and the control plane
// disagree about a policy.
type ConflictRule string

// Conflict rules.
const (
	GitWins          ConflictRule = "git-wins"
	ControlPlaneWins ConflictRule = "control-plane-wins"
)

// Valid reports whether r is a recognized conflict rule.
func (r ConflictRule) Valid() bool {
	return r == GitWins || r == ControlPlaneWins
}
