//
//  Copyright © Control Core Inc. All rights reserved.
//

package gitsync

import (
	"context"
	"testing"
	"time"

	"github.com/controlcore/controlplane/pkg/common"
	"github.com/controlcore/controlplane/pkg/core/config"
	"github.com/controlcore/controlplane/pkg/core/model"
	"github.com/controlcore/controlplane/pkg/core/opa"
	"github.com/controlcore/controlplane/pkg/core/store"
	"github.com/controlcore/controlplane/pkg/core/store/sqldb"
	"github.com/controlcore/controlplane/pkg/core/vault"
	git "github.com/go-git/go-git/v5"
	gitcfg "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSync(t *testing.T) (*Synchronizer, store.Store, string) {
	t.Helper()
	config.ResetConfig()

	s, err := sqldb.New(context.Background(), sqldb.Options{Driver: "sqlite3", Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Tenants().Create(context.Background(), &model.Tenant{
		ID: "t-1", Name: "acme", Posture: model.PostureDenyAll,
	}))

	v, err := vault.NewWithKey(s.Credentials(), make([]byte, 32))
	require.NoError(t, err)

	remote := t.TempDir()
	_, err = git.PlainInit(remote, true)
	require.NoError(t, err)

	sync := NewSynchronizer(s, v, opa.NewCompiler())
	require.NoError(t, sync.Configure(context.Background(), "t-1", &model.GitConfig{
		RepoURL: remote,
	}))

	return sync, s, remote
}

func operator() *model.Actor {
	return &model.Actor{
		Subject:      "carol@acme.example",
		TenantID:     "t-1",
		Capabilities: model.StringList{model.CapPolicyWrite, model.CapProductionWrite},
	}
}

func storedPolicy(id string, env model.Environment) *model.Policy {
	return &model.Policy{
		ID: id, TenantID: "t-1", Name: id,
		Source:      "package authz." + id + "\n\ndefault allow = false\n",
		Effect:      model.EffectPermit,
		Folder:      model.FolderEnabled,
		Environment: env,
	}
}

// remoteState clones the remote branch and returns its files.
func remoteState(t *testing.T, url string, paths ...string) map[string]string {
	t.Helper()
	repo, err := git.Clone(memory.NewStorage(), memfs.New(), &git.CloneOptions{
		URL:           url,
		ReferenceName: plumbing.NewBranchReferenceName("main"),
		SingleBranch:  true,
	})
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	files := map[string]string{}
	for _, p := range paths {
		if content, err := util.ReadFile(wt.Filesystem, p); err == nil {
			files[p] = string(content)
		}
	}
	return files
}

// mutateRemote commits file changes to the remote branch directly,
// standing in for an operator editing the repository out of band.
func mutateRemote(t *testing.T, url string, when time.Time, files map[string]string) {
	t.Helper()
	repo, err := git.Clone(memory.NewStorage(), memfs.New(), &git.CloneOptions{
		URL:           url,
		ReferenceName: plumbing.NewBranchReferenceName("main"),
		SingleBranch:  true,
	})
	if err != nil {
		repo, err = git.Init(memory.NewStorage(), memfs.New())
		require.NoError(t, err)
		require.NoError(t, repo.Storer.SetReference(
			plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))))
		_, err = repo.CreateRemote(&gitcfg.RemoteConfig{Name: git.DefaultRemoteName, URLs: []string{url}})
		require.NoError(t, err)
	}

	wt, err := repo.Worktree()
	require.NoError(t, err)
	for path, content := range files {
		require.NoError(t, util.WriteFile(wt.Filesystem, path, []byte(content), 0o644))
		_, err = wt.Add(path)
		require.NoError(t, err)
	}
	_, err = wt.Commit("out of band edit", &git.CommitOptions{
		Author: &object.Signature{Name: "editor", Email: "editor@example.com", When: when},
	})
	require.NoError(t, err)
	require.NoError(t, repo.Push(&git.PushOptions{
		RefSpecs: []gitcfg.RefSpec{"refs/heads/main:refs/heads/main"},
	}))
}

func TestConfigureValidatesAndDefaults(t *testing.T) {
	sync, s, _ := newTestSync(t)

	err := sync.Configure(context.Background(), "t-1", &model.GitConfig{})
	assert.True(t, common.IsKind(err, common.KindValidation))

	err = sync.Configure(context.Background(), "t-1", &model.GitConfig{
		RepoURL: "https://git.example.com/acme/policies.git", ConflictRule: "newest-wins",
	})
	assert.True(t, common.IsKind(err, common.KindValidation))

	cfg, err := s.Git().GetConfig(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, "main", cfg.Branch)
	assert.Equal(t, model.ControlPlaneWins, cfg.ConflictRule)
}

func TestPushWritesOneFilePerPolicy(t *testing.T) {
	sync, s, remote := newTestSync(t)
	ctx := context.Background()

	require.NoError(t, s.Policies().Create(ctx, storedPolicy("pol-a", model.Sandbox)))
	require.NoError(t, s.Policies().Create(ctx, storedPolicy("pol-b", model.Production)))

	record, err := sync.Push(ctx, operator())
	require.NoError(t, err)
	assert.Equal(t, "ok", record.Status)
	assert.NotEmpty(t, record.Commit)
	assert.Contains(t, record.Files, "policies/sandbox/pol-a.rego")
	assert.Contains(t, record.Files, "policies/production/pol-b.rego")

	files := remoteState(t, remote,
		"policies/sandbox/pol-a.rego",
		"policies/production/pol-b.rego",
		"metadata/pol-a.json")
	assert.Contains(t, files["policies/sandbox/pol-a.rego"], "package authz.pol-a")
	assert.Contains(t, files["metadata/pol-a.json"], `"effect": "permit"`)

	history, err := sync.History(ctx, "t-1", store.Page{})
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, model.SyncPush, history[0].Direction)

	// a second push with no changes commits nothing
	record, err = sync.Push(ctx, operator())
	require.NoError(t, err)
	assert.Empty(t, record.Commit)
}

func TestPushDropsRetiredPolicies(t *testing.T) {
	sync, s, remote := newTestSync(t)
	ctx := context.Background()

	policy := storedPolicy("pol-a", model.Sandbox)
	require.NoError(t, s.Policies().Create(ctx, policy))
	_, err := sync.Push(ctx, operator())
	require.NoError(t, err)

	policy.SandboxStatus = model.StatusRetired
	require.NoError(t, s.Policies().Update(ctx, policy))

	record, err := sync.Push(ctx, operator())
	require.NoError(t, err)
	assert.Equal(t, "removed", record.Files["policies/sandbox/pol-a.rego"])

	files := remoteState(t, remote, "policies/sandbox/pol-a.rego")
	assert.NotContains(t, files, "policies/sandbox/pol-a.rego")
}

func TestPullCreatesPoliciesFromRemote(t *testing.T) {
	sync, s, remote := newTestSync(t)
	ctx := context.Background()

	mutateRemote(t, remote, time.Now(), map[string]string{
		"policies/sandbox/pol-git.rego": "package authz.imported\n\ndefault allow = false\n",
		"metadata/pol-git.json":         `{"name": "imported rule", "effect": "deny", "folder": "enabled"}`,
	})

	record, err := sync.Pull(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "ok", record.Status)
	assert.Equal(t, "created", record.Files["policies/sandbox/pol-git.rego"])

	policy, err := s.Policies().Get(ctx, "t-1", "pol-git")
	require.NoError(t, err)
	assert.Equal(t, "imported rule", policy.Name)
	assert.Equal(t, model.EffectDeny, policy.Effect)
	assert.Equal(t, model.FolderEnabled, policy.Folder)
	assert.Equal(t, model.Sandbox, policy.Environment)

	// unchanged on the next pull
	record, err = sync.Pull(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "unchanged", record.Files["policies/sandbox/pol-git.rego"])
}

func TestPullConflictRule(t *testing.T) {
	sync, s, remote := newTestSync(t)
	ctx := context.Background()

	policy := storedPolicy("pol-a", model.Sandbox)
	require.NoError(t, s.Policies().Create(ctx, policy))
	_, err := sync.Push(ctx, operator())
	require.NoError(t, err)

	// remote edit committed in the past, then a local edit on top
	mutateRemote(t, remote, time.Now().Add(-time.Hour), map[string]string{
		"policies/sandbox/pol-a.rego": "package authz.remote_edit\n\ndefault allow = true\n",
	})
	policy.Description = "local edit"
	require.NoError(t, s.Policies().Update(ctx, policy))

	record, err := sync.Pull(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "skipped: control-plane wins", record.Files["policies/sandbox/pol-a.rego"])

	cfg, err := s.Git().GetConfig(ctx, "t-1")
	require.NoError(t, err)
	cfg.ConflictRule = model.GitWins
	require.NoError(t, s.Git().PutConfig(ctx, cfg))

	record, err = sync.Pull(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "updated", record.Files["policies/sandbox/pol-a.rego"])

	got, err := s.Policies().Get(ctx, "t-1", "pol-a")
	require.NoError(t, err)
	assert.Contains(t, got.Source, "package authz.remote_edit")
}

func TestPullSkipsInvalidSource(t *testing.T) {
	sync, s, remote := newTestSync(t)
	ctx := context.Background()

	mutateRemote(t, remote, time.Now(), map[string]string{
		"policies/sandbox/pol-broken.rego": "package broken\n\nallow {",
	})

	record, err := sync.Pull(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "invalid: source does not parse", record.Files["policies/sandbox/pol-broken.rego"])

	_, err = s.Policies().Get(ctx, "t-1", "pol-broken")
	assert.True(t, common.IsKind(err, common.KindNotFound))
}

func TestRunnerHonorsAutoSyncFlag(t *testing.T) {
	sync, s, remote := newTestSync(t)
	ctx := context.Background()

	mutateRemote(t, remote, time.Now(), map[string]string{
		"policies/sandbox/pol-auto.rego": "package authz.auto\n\ndefault allow = false\n",
	})

	runner := NewRunner(sync, s)
	runner.Tick(ctx)

	// auto-sync is off; nothing imported
	_, err := s.Policies().Get(ctx, "t-1", "pol-auto")
	assert.True(t, common.IsKind(err, common.KindNotFound))

	cfg, err := s.Git().GetConfig(ctx, "t-1")
	require.NoError(t, err)
	cfg.AutoSync = true
	require.NoError(t, s.Git().PutConfig(ctx, cfg))

	runner.Tick(ctx)
	_, err = s.Policies().Get(ctx, "t-1", "pol-auto")
	require.NoError(t, err)

	// the per-tenant interval debounces an immediate second tick
	runner.Tick(ctx)
	history, err := sync.History(ctx, "t-1", store.Page{})
	require.NoError(t, err)
	pulls := 0
	for _, rec := range history {
		if rec.Direction == model.SyncPull {
			pulls++
		}
	}
	assert.Equal(t, 1, pulls)
}

func TestTestProbesRemote(t *testing.T) {
	sync, _, remote := newTestSync(t)
	ctx := context.Background()

	// an empty but reachable remote probes clean
	commit, err := sync.Test(ctx, "t-1")
	require.NoError(t, err)
	assert.Empty(t, commit)

	mutateRemote(t, remote, time.Now(), map[string]string{
		policyPath(model.Sandbox, "pol-probe"): "package probe\n\ndefault allow = false\n",
	})
	commit, err = sync.Test(ctx, "t-1")
	require.NoError(t, err)
	assert.NotEmpty(t, commit)

	// an unreachable remote surfaces as an upstream failure
	cfg, err := sync.store.Git().GetConfig(ctx, "t-1")
	require.NoError(t, err)
	cfg.RepoURL = t.TempDir() + "/missing"
	require.NoError(t, sync.store.Git().PutConfig(ctx, cfg))

	_, err = sync.Test(ctx, "t-1")
	assert.Equal(t, common.KindUpstreamFailure, common.KindOf(err))
}
