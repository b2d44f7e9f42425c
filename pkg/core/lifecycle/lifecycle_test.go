//
//  Copyright © Control Core Inc. All rights reserved.
//

package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/controlcore/controlplane/pkg/common"
	"github.com/controlcore/controlplane/pkg/core/audit"
	"github.com/controlcore/controlplane/pkg/core/bundle"
	"github.com/controlcore/controlplane/pkg/core/config"
	"github.com/controlcore/controlplane/pkg/core/model"
	"github.com/controlcore/controlplane/pkg/core/opa"
	"github.com/controlcore/controlplane/pkg/core/store"
	"github.com/controlcore/controlplane/pkg/core/store/sqldb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, store.Store) {
	t.Helper()
	config.ResetConfig()

	s, err := sqldb.New(context.Background(), sqldb.Options{Driver: "sqlite3", Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Tenants().Create(context.Background(), &model.Tenant{
		ID: "t-1", Name: "acme", Posture: model.PostureDenyAll,
	}))

	stream, err := audit.NewNullFactory().NewStream()
	require.NoError(t, err)

	return NewManager(s, opa.NewCompiler(), nil, stream), s
}

func author() *model.Actor {
	return &model.Actor{
		Subject:      "alice@acme.example",
		TenantID:     "t-1",
		Capabilities: model.StringList{model.CapPolicyWrite},
	}
}

func releaser() *model.Actor {
	return &model.Actor{
		Subject:      "bob@acme.example",
		TenantID:     "t-1",
		Capabilities: model.StringList{model.CapPolicyWrite, model.CapProductionWrite},
	}
}

func draft(name, pkg string) *model.Policy {
	return &model.Policy{
		Name:   name,
		Source: "package " + pkg + "\n\ndefault allow = false\n\nallow {\n    input.action == \"read\"\n}\n",
		Effect: model.EffectPermit,
		Folder: model.FolderEnabled,
	}
}

func TestCreateDefaultsAndValidation(t *testing.T) {
	mgr, _ := newTestManager(t)

	created, err := mgr.Create(context.Background(), author(), draft("readers", "authz.readers"))
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, model.Sandbox, created.Environment)
	assert.Equal(t, model.StatusNotPromoted, created.SandboxStatus)

	_, err = mgr.Create(context.Background(), author(), &model.Policy{
		Name:   "broken",
		Source: "package broken\n\nallow {",
		Effect: model.EffectPermit,
		Folder: model.FolderEnabled,
	})
	assert.True(t, common.IsKind(err, common.KindValidation))

	_, err = mgr.Create(context.Background(), author(), &model.Policy{
		Source: "package p\n\ndefault allow = false\n",
		Effect: model.Effect("maybe"),
		Folder: model.FolderEnabled,
	})
	require.Error(t, err)
	var ce *common.Error
	require.ErrorAs(t, err, &ce)
	paths := make([]string, 0, len(ce.Fields))
	for _, f := range ce.Fields {
		paths = append(paths, f.Path)
	}
	assert.Contains(t, paths, "name")
	assert.Contains(t, paths, "effect")
}

func TestUpdateAppliesPatch(t *testing.T) {
	mgr, _ := newTestManager(t)

	created, err := mgr.Create(context.Background(), author(), draft("readers", "authz.readers"))
	require.NoError(t, err)

	name := "renamed"
	folder := model.FolderDisabled
	updated, err := mgr.Update(context.Background(), author(), created.ID, &model.PolicyPatch{
		Name:   &name,
		Folder: &folder,
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, model.FolderDisabled, updated.Folder)
	// untouched fields survive
	assert.Equal(t, created.Source, updated.Source)

	bad := "package broken\n\nallow {"
	_, err = mgr.Update(context.Background(), author(), created.ID, &model.PolicyPatch{Source: &bad})
	assert.True(t, common.IsKind(err, common.KindValidation))
}

func TestProductionWritesAreLocked(t *testing.T) {
	mgr, _ := newTestManager(t)

	p := draft("prod rule", "authz.prod")
	p.Environment = model.Production
	_, err := mgr.Create(context.Background(), author(), p)
	assert.True(t, common.IsKind(err, common.KindProductionLocked))

	created, err := mgr.Create(context.Background(), releaser(), p)
	require.NoError(t, err)

	name := "renamed"
	_, err = mgr.Update(context.Background(), author(), created.ID, &model.PolicyPatch{Name: &name})
	assert.True(t, common.IsKind(err, common.KindProductionLocked))
}

func TestPromoteLinksAncestor(t *testing.T) {
	mgr, s := newTestManager(t)

	created, err := mgr.Create(context.Background(), author(), draft("readers", "authz.readers"))
	require.NoError(t, err)

	_, err = mgr.Promote(context.Background(), author(), created.ID)
	assert.True(t, common.IsKind(err, common.KindProductionLocked))

	production, err := mgr.Promote(context.Background(), releaser(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Production, production.Environment)
	assert.True(t, production.PromotedFromSandbox)
	assert.Equal(t, created.ID, production.AncestorID)
	assert.Equal(t, model.StatusActive, production.ProductionStatus)
	assert.Equal(t, "bob@acme.example", production.PromotedBy)

	sandbox, err := s.Policies().Get(context.Background(), "t-1", created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, sandbox.SandboxStatus)
	require.NotNil(t, sandbox.PromotedAt)

	// a second promotion of the same sandbox row conflicts
	_, err = mgr.Promote(context.Background(), releaser(), created.ID)
	assert.True(t, common.IsKind(err, common.KindConflict))

	// the production copy itself cannot be promoted
	_, err = mgr.Promote(context.Background(), releaser(), production.ID)
	assert.True(t, common.IsKind(err, common.KindValidation))
}

func TestRetireExcludesFromEligible(t *testing.T) {
	mgr, s := newTestManager(t)

	created, err := mgr.Create(context.Background(), author(), draft("readers", "authz.readers"))
	require.NoError(t, err)

	retired, err := mgr.Retire(context.Background(), author(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRetired, retired.SandboxStatus)

	eligible, err := s.Policies().ListEligible(context.Background(), "t-1", model.Sandbox)
	require.NoError(t, err)
	assert.Empty(t, eligible)

	_, err = mgr.Retire(context.Background(), author(), created.ID)
	assert.True(t, common.IsKind(err, common.KindConflict))

	name := "renamed"
	_, err = mgr.Update(context.Background(), author(), created.ID, &model.PolicyPatch{Name: &name})
	assert.True(t, common.IsKind(err, common.KindConflict))
}

func TestCreateTriggersRebuild(t *testing.T) {
	mgr, s := newTestManager(t)

	pool := bundle.NewPool(bundle.NewBuilder(s, bundle.NewStorage(t.TempDir()), opa.NewCompiler()))
	pool.Start(context.Background())
	t.Cleanup(pool.Stop)
	mgr.rebuilds = pool

	require.NoError(t, s.PEPs().Create(context.Background(), &model.PEP{
		ID: "pep-1", TenantID: "t-1", Environment: model.Sandbox,
		Mode: model.ModeSidecar, Name: "edge", TokenHash: "h",
		Health: model.PEPHealthy,
	}))

	created, err := mgr.Create(context.Background(), author(), draft("readers", "authz.readers"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		latest, err := s.Bundles().Latest(context.Background(), "t-1", "pep-1")
		return err == nil && latest.PolicyIDs.Contains(created.ID)
	}, 2*time.Second, 20*time.Millisecond)
}

// memPusher counts mirror pushes.
type memPusher struct {
	mu     sync.Mutex
	pushes int
}

func (p *memPusher) Push(context.Context, *model.Actor) (*model.SyncRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushes++
	return &model.SyncRecord{}, nil
}

func (p *memPusher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pushes
}

func TestMutationsMirrorToGit(t *testing.T) {
	mgr, _ := newTestManager(t)
	pusher := &memPusher{}
	mgr.WithGit(pusher)
	ctx := context.Background()

	created, err := mgr.Create(ctx, author(), draft("readers", "authz.readers"))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return pusher.count() >= 1 }, time.Second, 10*time.Millisecond)

	name := "renamed"
	_, err = mgr.Update(ctx, author(), created.ID, &model.PolicyPatch{Name: &name})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return pusher.count() >= 2 }, time.Second, 10*time.Millisecond)

	_, err = mgr.Promote(ctx, releaser(), created.ID)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return pusher.count() >= 3 }, time.Second, 10*time.Millisecond)
}

func TestConflictCheckIsAdvisory(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	deny := draft("deny writes", "authz.shared")
	deny.Effect = model.EffectDeny
	deny.Resources = model.StringList{"res-db"}
	existing, err := mgr.Create(ctx, author(), deny)
	require.NoError(t, err)

	permit := draft("permit writes", "authz.shared")
	permit.Resources = model.StringList{"res-db"}
	permit.ID = "pol-candidate"

	report, err := mgr.ConflictCheck(ctx, author(), permit)
	require.NoError(t, err)
	require.Len(t, report.Conflicts, 2)

	kinds := []string{report.Conflicts[0].Kind, report.Conflicts[1].Kind}
	assert.Contains(t, kinds, ConflictPackageCollision)
	assert.Contains(t, kinds, ConflictEffectContention)
	assert.Equal(t, existing.ID, report.Conflicts[0].OtherPolicyID)

	// disjoint resource sets do not conflict
	permit.Resources = model.StringList{"res-other"}
	report, err = mgr.ConflictCheck(ctx, author(), permit)
	require.NoError(t, err)
	assert.Empty(t, report.Conflicts)

	// an identical deny on the same resource is flagged as a duplicate
	dup := *existing
	dup.ID = "pol-dup"
	report, err = mgr.ConflictCheck(ctx, author(), &dup)
	require.NoError(t, err)
	require.Len(t, report.Conflicts, 2)
	kinds = []string{report.Conflicts[0].Kind, report.Conflicts[1].Kind}
	assert.Contains(t, kinds, ConflictDuplicateDeny)
}

func TestTemplateSeedAndInstantiate(t *testing.T) {
	mgr, s := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, SeedTemplates(ctx, s))
	// re-seeding is idempotent
	require.NoError(t, SeedTemplates(ctx, s))

	templates, err := mgr.ListTemplates(ctx, store.Page{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(templates), 4)

	_, err = mgr.Instantiate(ctx, author(), "tpl-business-hours", "", "", nil)
	assert.True(t, common.IsKind(err, common.KindValidation))

	policy, err := mgr.Instantiate(ctx, author(), "tpl-business-hours", "office hours", "", map[string]string{
		"start_hour": "9",
		"end_hour":   "17",
	})
	require.NoError(t, err)
	assert.Equal(t, "office hours", policy.Name)
	assert.Equal(t, model.Sandbox, policy.Environment)
	assert.Equal(t, model.FolderDrafts, policy.Folder)
	assert.Contains(t, policy.Source, "hour >= 9")
	assert.NotContains(t, policy.Source, "${")

	_, err = mgr.Instantiate(ctx, author(), "tpl-missing", "x", "", nil)
	assert.True(t, common.IsKind(err, common.KindNotFound))
}
