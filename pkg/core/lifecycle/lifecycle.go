//
//  Copyright © Control Core Inc. All rights reserved.
//

// Package lifecycle owns policy authoring: creation, patching, folder
// moves, retirement, and the sandbox to production promotion flow.
//
// Mutations in the production environment are capability gated.  Every
// successful mutation emits a config-change audit entry, enqueues a
// bundle rebuild for the affected environment, and mirrors the policy
// set to the tenant's Git remote when one is configured.
package lifecycle

import (
	"context"
	"time"

	"github.com/controlcore/controlplane/internal/logging"
	"github.com/controlcore/controlplane/pkg/common"
	"github.com/controlcore/controlplane/pkg/core/audit"
	"github.com/controlcore/controlplane/pkg/core/bundle"
	"github.com/controlcore/controlplane/pkg/core/model"
	"github.com/controlcore/controlplane/pkg/core/opa"
	"github.com/controlcore/controlplane/pkg/core/store"
	"github.com/google/uuid"
)

var logger = logging.GetLogger("controlplane.lifecycle")

const agent = "lifecycle"

// Pusher mirrors the tenant's policy set to its configured Git remote.
type Pusher interface {
	Push(ctx context.Context, actor *model.Actor) (*model.SyncRecord, error)
}

// Manager implements the policy lifecycle operations.
type Manager struct {
	store    store.Store
	compiler *opa.Compiler
	rebuilds *bundle.Pool
	recorder *audit.Recorder
	git      Pusher
}

// NewManager creates a Manager.  The rebuild pool may be nil in contexts
// that never publish bundles, such as offline tooling.
func NewManager(s store.Store, compiler *opa.Compiler, rebuilds *bundle.Pool, stream audit.Stream) *Manager {
	return &Manager{
		store:    s,
		compiler: compiler,
		rebuilds: rebuilds,
		recorder: audit.NewRecorder("lifecycle", stream),
	}
}

// WithGit attaches the synchronizer so policy mutations are mirrored to
// the tenant's remote.
func (m *Manager) WithGit(git Pusher) *Manager {
	m.git = git
	return m
}

// authorize enforces the write capabilities for the target environment.
// Production mutations surface production_locked so the gateway can
// distinguish them from plain forbidden.
func authorize(actor *model.Actor, env model.Environment) error {
	if env == model.Production {
		if !actor.Can(model.CapProductionWrite) {
			return common.NewError(common.KindProductionLocked, "production policies are read-only without the production write capability")
		}
		return nil
	}
	if !actor.Can(model.CapPolicyWrite) {
		return common.NewError(common.KindForbidden, "missing policy write capability")
	}
	return nil
}

func (m *Manager) validate(policy *model.Policy) error {
	var fields []common.FieldError
	if policy.Name == "" {
		fields = append(fields, common.FieldError{Path: "name", Reason: "required"})
	}
	if !policy.Effect.Valid() {
		fields = append(fields, common.FieldError{Path: "effect", Reason: "unknown effect"})
	}
	if !policy.Folder.Valid() {
		fields = append(fields, common.FieldError{Path: "folder", Reason: "unknown folder"})
	}
	if !policy.Environment.Valid() {
		fields = append(fields, common.FieldError{Path: "environment", Reason: "unknown environment"})
	}
	if len(fields) > 0 {
		return common.Validation("invalid policy", fields...)
	}
	if err := m.compiler.ValidateSource(policy.ID, policy.Source); err != nil {
		return common.WrapError(common.KindValidation, "policy source does not parse", err)
	}
	if _, err := opa.PackageOf(policy.Source); err != nil {
		return common.WrapError(common.KindValidation, "policy source has no package declaration", err)
	}
	return nil
}

// Create validates and stores a new policy in the actor's tenant.
func (m *Manager) Create(ctx context.Context, actor *model.Actor, policy *model.Policy) (*model.Policy, error) {
	policy.TenantID = actor.TenantID
	if policy.ID == "" {
		policy.ID = "pol-" + uuid.NewString()
	}
	if policy.Environment == "" {
		policy.Environment = model.Sandbox
	}
	if policy.Folder == "" {
		policy.Folder = model.FolderDrafts
	}
	policy.SandboxStatus = model.StatusNotPromoted
	policy.ProductionStatus = model.StatusNotPromoted
	policy.PromotedFromSandbox = false
	policy.PromotedAt = nil
	policy.PromotedBy = ""
	policy.AncestorID = ""

	if err := authorize(actor, policy.Environment); err != nil {
		return nil, err
	}
	if err := m.validate(policy); err != nil {
		return nil, err
	}
	if err := m.store.Policies().Create(ctx, policy); err != nil {
		return nil, err
	}

	m.changed(actor, policy, "policy.create")
	m.rebuild(policy)
	m.mirror(actor)
	return policy, nil
}

// Get returns one policy in the actor's tenant.
func (m *Manager) Get(ctx context.Context, actor *model.Actor, id string) (*model.Policy, error) {
	return m.store.Policies().Get(ctx, actor.TenantID, id)
}

// List returns policies filtered by environment and folder.  An empty
// folder matches every folder.
func (m *Manager) List(ctx context.Context, actor *model.Actor, env model.Environment, folder model.Folder, page store.Page) ([]*model.Policy, error) {
	return m.store.Policies().List(ctx, actor.TenantID, env, folder, page)
}

// Update applies a partial patch.  Retired policies reject updates.
func (m *Manager) Update(ctx context.Context, actor *model.Actor, id string, patch *model.PolicyPatch) (*model.Policy, error) {
	policy, err := m.store.Policies().Get(ctx, actor.TenantID, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(actor, policy.Environment); err != nil {
		return nil, err
	}
	if policy.Retired() {
		return nil, common.NewError(common.KindConflict, "retired policies cannot be updated")
	}

	if patch.Name != nil {
		policy.Name = *patch.Name
	}
	if patch.Description != nil {
		policy.Description = *patch.Description
	}
	if patch.Source != nil {
		policy.Source = *patch.Source
	}
	if patch.Effect != nil {
		policy.Effect = *patch.Effect
	}
	if patch.Folder != nil {
		policy.Folder = *patch.Folder
	}
	if patch.Resources != nil {
		policy.Resources = *patch.Resources
	}

	if err := m.validate(policy); err != nil {
		return nil, err
	}
	if err := m.store.Policies().Update(ctx, policy); err != nil {
		return nil, err
	}

	m.changed(actor, policy, "policy.update")
	m.rebuild(policy)
	m.mirror(actor)
	return policy, nil
}

// Retire tombstones the policy in its own environment.  The row survives
// for audit attribution and ancestry links; future bundles exclude it.
func (m *Manager) Retire(ctx context.Context, actor *model.Actor, id string) (*model.Policy, error) {
	policy, err := m.store.Policies().Get(ctx, actor.TenantID, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(actor, policy.Environment); err != nil {
		return nil, err
	}
	if policy.Retired() {
		return nil, common.NewError(common.KindConflict, "policy is already retired")
	}

	if policy.Environment == model.Production {
		policy.ProductionStatus = model.StatusRetired
	} else {
		policy.SandboxStatus = model.StatusRetired
	}
	if err := m.store.Policies().Update(ctx, policy); err != nil {
		return nil, err
	}

	m.changed(actor, policy, "policy.retire")
	m.rebuild(policy)
	m.mirror(actor)
	return policy, nil
}

// Promote copies a sandbox policy into a new production row in one
// transaction and triggers a production rebuild.  A policy may be
// promoted at most once; the production copy keeps an immutable
// backward pointer to its sandbox ancestor.
func (m *Manager) Promote(ctx context.Context, actor *model.Actor, id string) (*model.Policy, error) {
	if !actor.Can(model.CapProductionWrite) {
		return nil, common.NewError(common.KindProductionLocked, "promotion requires the production write capability")
	}

	sandbox, err := m.store.Policies().Get(ctx, actor.TenantID, id)
	if err != nil {
		return nil, err
	}
	if sandbox.Environment != model.Sandbox {
		return nil, common.NewError(common.KindValidation, "only sandbox policies can be promoted")
	}
	if sandbox.Retired() {
		return nil, common.NewError(common.KindConflict, "retired policies cannot be promoted")
	}
	if sandbox.PromotedAt != nil {
		return nil, common.NewErrorf(common.KindConflict, "policy %s is already promoted", id)
	}

	now := time.Now().UTC()
	production := *sandbox
	production.ID = "pol-" + uuid.NewString()
	production.Environment = model.Production
	production.ProductionStatus = model.StatusActive
	production.PromotedFromSandbox = true
	production.PromotedAt = &now
	production.PromotedBy = actor.Subject
	production.AncestorID = sandbox.ID
	production.CreatedAt = now
	production.UpdatedAt = now

	sandbox.SandboxStatus = model.StatusActive
	sandbox.PromotedAt = &now
	sandbox.PromotedBy = actor.Subject

	if err := m.store.Policies().Promote(ctx, sandbox, &production); err != nil {
		return nil, err
	}

	logger.Infof(agent, "Promote", "policy %s promoted to %s by %s", sandbox.ID, production.ID, actor.Subject)
	m.changed(actor, &production, "policy.promote")
	m.rebuild(&production)
	m.mirror(actor)
	return &production, nil
}

// rebuild enqueues a bundle rebuild for the policy's environment when it
// can appear in bundles.
func (m *Manager) rebuild(policy *model.Policy) {
	if m.rebuilds == nil {
		return
	}
	m.rebuilds.Enqueue(bundle.Request{
		TenantID:    policy.TenantID,
		Environment: policy.Environment,
	})
}

// mirror pushes the tenant's policy set to its Git remote after a
// mutation.  Runs detached; tenants without a git config are skipped.
func (m *Manager) mirror(actor *model.Actor) {
	if m.git == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if _, err := m.git.Push(ctx, actor); err != nil && !common.IsKind(err, common.KindNotFound) {
			logger.Warnf(agent, "mirror", "git mirror for tenant %s failed: %+v", actor.TenantID, err)
		}
	}()
}

func (m *Manager) changed(actor *model.Actor, policy *model.Policy, action string) {
	err := m.recorder.Record(&model.AuditEntry{
		TenantID:    policy.TenantID,
		Environment: policy.Environment,
		Type:        model.AuditConfigChange,
		Actor:       actor.Subject,
		Payload: model.JSONMap{
			"action":    action,
			"policy_id": policy.ID,
			"folder":    string(policy.Folder),
			"effect":    string(policy.Effect),
		},
	})
	if err != nil {
		logger.Errorf(agent, "changed", "failed recording %s for %s: %+v", action, policy.ID, err)
	}
}
