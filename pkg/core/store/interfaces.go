//
//  Copyright © Control Core Inc. All rights reserved.
//

// Package store defines the persistence interfaces for the control plane.
//
// Every method that touches tenant data takes the tenant identifier
// explicitly and the implementation filters by it; there is no way to
// issue a cross-tenant query through these interfaces.  Entities bound to
// an environment are additionally filtered by it.
//
// The [sqldb] implementation backs these interfaces with sqlite3 or
// postgres.  Callers obtain typed errors from the common package:
// missing rows surface as KindNotFound, duplicate identifiers as
// KindConflict.
package store

import (
	"context"
	"time"

	"github.com/controlcore/controlplane/pkg/core/model"
)

// Page bounds a list query.  A zero Limit means the implementation's
// default page size.
type Page struct {
	Limit  int
	Offset int
}

// Store aggregates the per-entity repositories behind one connection.
type Store interface {
	Tenants() Tenants
	Policies() Policies
	Templates() Templates
	Resources() Resources
	PEPs() PEPs
	PEPConfigs() PEPConfigs
	PIPConnections() PIPConnections
	Bundles() Bundles
	Audit() Audit
	Credentials() Credentials
	Git() Git
	Notifications() Notifications
	Close() error
}

// Tenants is the tenant repository.
type Tenants interface {
	Create(ctx context.Context, tenant *model.Tenant) error
	Get(ctx context.Context, id string) (*model.Tenant, error)
	Update(ctx context.Context, tenant *model.Tenant) error
	List(ctx context.Context, page Page) ([]*model.Tenant, error)
}

// Policies is the policy repository.
type Policies interface {
	Create(ctx context.Context, policy *model.Policy) error
	Get(ctx context.Context, tenantID, id string) (*model.Policy, error)
	Update(ctx context.Context, policy *model.Policy) error
	List(ctx context.Context, tenantID string, env model.Environment, folder model.Folder, page Page) ([]*model.Policy, error)

	// ListEligible returns enabled, non-retired policies for the
	// environment, ordered by id for reproducible bundle input.
	ListEligible(ctx context.Context, tenantID string, env model.Environment) ([]*model.Policy, error)

	// ListByResource returns eligible policies targeting the resource.
	ListByResource(ctx context.Context, tenantID string, env model.Environment, resourceID string) ([]*model.Policy, error)

	// Promote atomically marks the sandbox row active-and-promoted and
	// inserts the production copy.  Either both rows land or neither does.
	Promote(ctx context.Context, sandbox, production *model.Policy) error
}

// Templates is the public policy template corpus.  Templates carry no
// tenant scope.
type Templates interface {
	// Seed inserts templates that are not already present; existing ids
	// are left untouched so the corpus stays immutable.
	Seed(ctx context.Context, templates []model.PolicyTemplate) error
	Get(ctx context.Context, id string) (*model.PolicyTemplate, error)
	List(ctx context.Context, page Page) ([]*model.PolicyTemplate, error)
}

// Resources is the protected resource repository.
type Resources interface {
	Create(ctx context.Context, resource *model.Resource) error
	Get(ctx context.Context, tenantID, id string, env model.Environment) (*model.Resource, error)
	Update(ctx context.Context, resource *model.Resource) error
	Delete(ctx context.Context, tenantID, id string, env model.Environment) error
	List(ctx context.Context, tenantID string, env model.Environment, page Page) ([]*model.Resource, error)
}

// PEPs is the enforcement point repository.  Delete is a tombstone; the
// row survives for audit attribution.
type PEPs interface {
	Create(ctx context.Context, pep *model.PEP) error
	Get(ctx context.Context, tenantID, id string) (*model.PEP, error)
	GetByExternalID(ctx context.Context, tenantID string, env model.Environment, externalID string) (*model.PEP, error)
	Update(ctx context.Context, pep *model.PEP) error
	Delete(ctx context.Context, tenantID, id string) error
	List(ctx context.Context, tenantID string, env model.Environment, page Page) ([]*model.PEP, error)

	// Touch records a successful poll or heartbeat.  A nil selfReport
	// leaves the stored report unchanged.
	Touch(ctx context.Context, tenantID, id string, at time.Time, selfReport model.JSONMap) error

	// MarkUnhealthy flips every healthy PEP not seen since the cutoff and
	// returns how many rows changed.
	MarkUnhealthy(ctx context.Context, cutoff time.Time) (int64, error)
}

// PEPConfigs stores the two merge-engine inputs.  Puts are upserts.
type PEPConfigs interface {
	GetGlobal(ctx context.Context, tenantID string) (*model.GlobalPEPConfig, error)
	PutGlobal(ctx context.Context, cfg *model.GlobalPEPConfig) error
	GetIndividual(ctx context.Context, tenantID, pepID string) (*model.IndividualPEPConfig, error)
	PutIndividual(ctx context.Context, cfg *model.IndividualPEPConfig) error
}

// PIPConnections is the attribute provider repository.
type PIPConnections interface {
	Create(ctx context.Context, conn *model.PIPConnection) error
	Get(ctx context.Context, tenantID, id string, env model.Environment) (*model.PIPConnection, error)
	Update(ctx context.Context, conn *model.PIPConnection) error
	Delete(ctx context.Context, tenantID, id string, env model.Environment) error
	List(ctx context.Context, tenantID string, env model.Environment, page Page) ([]*model.PIPConnection, error)

	// MarkSynced records the outcome of the latest provider fetch.
	MarkSynced(ctx context.Context, tenantID, id string, env model.Environment, at time.Time, status string) error
}

// Bundles is the published bundle manifest repository.  Bundle content
// is immutable once published; only the per-PEP sequence moves.
type Bundles interface {
	// Publish records the manifest under the next per-PEP sequence inside
	// one transaction.  A version the PEP has seen before is moved back to
	// the head of the sequence instead of inserted again.
	Publish(ctx context.Context, bundle *model.Bundle) error
	Get(ctx context.Context, tenantID, pepID, version string) (*model.Bundle, error)
	Latest(ctx context.Context, tenantID, pepID string) (*model.Bundle, error)
}

// Audit is the append-only audit log.
type Audit interface {
	Append(ctx context.Context, entries []model.AuditEntry) error
	List(ctx context.Context, tenantID string, env model.Environment, typ model.AuditType, page Page) ([]*model.AuditEntry, error)

	// Prune removes entries past the retention window and returns how
	// many rows were removed.
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Credentials stores vault envelopes.  Rows never contain cleartext.
type Credentials interface {
	Put(ctx context.Context, credential *model.Credential) error
	Get(ctx context.Context, tenantID, vaultID string) (*model.Credential, error)
	Delete(ctx context.Context, tenantID, vaultID string) error
}

// Git stores the tenant repository configuration and sync history.
type Git interface {
	GetConfig(ctx context.Context, tenantID string) (*model.GitConfig, error)
	PutConfig(ctx context.Context, cfg *model.GitConfig) error
	AppendSync(ctx context.Context, record *model.SyncRecord) error
	ListSync(ctx context.Context, tenantID string, page Page) ([]*model.SyncRecord, error)
}

// Notifications is the per-environment alerting rule repository.
type Notifications interface {
	Create(ctx context.Context, rule *model.NotificationRule) error
	Get(ctx context.Context, tenantID, id string) (*model.NotificationRule, error)
	Update(ctx context.Context, rule *model.NotificationRule) error
	Delete(ctx context.Context, tenantID, id string) error
	List(ctx context.Context, tenantID string, env model.Environment, page Page) ([]*model.NotificationRule, error)
}
