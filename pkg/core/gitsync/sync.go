//
//  Copyright © Control Core Inc. All rights reserved.
//

// Package gitsync keeps a per-tenant Git repository in sync with the
// policy store.
//
// Pushes are triggered by policy mutations and write one file per policy,
// committed with actor attribution.  Pulls fetch the remote, diff it
// against the store, and apply changes subject to the same validation as
// an HTTP write.  When both sides changed, the tenant's conflict rule
// picks the winner.
//
// Repository credentials are resolved through the vault per operation and
// never cached here.
package gitsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/controlcore/controlplane/internal/logging"
	"github.com/controlcore/controlplane/pkg/common"
	"github.com/controlcore/controlplane/pkg/core/model"
	"github.com/controlcore/controlplane/pkg/core/opa"
	"github.com/controlcore/controlplane/pkg/core/store"
	"github.com/controlcore/controlplane/pkg/core/vault"
	git "github.com/go-git/go-git/v5"
	gitcfg "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/google/uuid"
)

var logger = logging.GetLogger("controlplane.gitsync")

const agent = "gitsync"

const pushMaxTries = 4

// Synchronizer implements push and pull between the store and a tenant's
// Git repository.
type Synchronizer struct {
	store    store.Store
	vault    *vault.Vault
	compiler *opa.Compiler
}

// NewSynchronizer creates a Synchronizer.
func NewSynchronizer(s store.Store, v *vault.Vault, compiler *opa.Compiler) *Synchronizer {
	return &Synchronizer{store: s, vault: v, compiler: compiler}
}

// Configure validates and stores the tenant repository configuration.
func (s *Synchronizer) Configure(ctx context.Context, tenantID string, cfg *model.GitConfig) error {
	var fields []common.FieldError
	if cfg.RepoURL == "" {
		fields = append(fields, common.FieldError{Path: "repo_url", Reason: "required"})
	}
	if cfg.ConflictRule != "" && !cfg.ConflictRule.Valid() {
		fields = append(fields, common.FieldError{Path: "conflict_rule", Reason: "unknown conflict rule"})
	}
	if cfg.SyncIntervalSeconds < 0 {
		fields = append(fields, common.FieldError{Path: "sync_interval_seconds", Reason: "must not be negative"})
	}
	if len(fields) > 0 {
		return common.Validation("invalid git configuration", fields...)
	}

	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if cfg.ConflictRule == "" {
		cfg.ConflictRule = model.ControlPlaneWins
	}
	cfg.TenantID = tenantID
	return s.store.Git().PutConfig(ctx, cfg)
}

// Push writes the tenant's current policies to the remote and commits
// with the acting operator's attribution.  The remote push is retried
// with exponential backoff up to a bounded ceiling.
func (s *Synchronizer) Push(ctx context.Context, actor *model.Actor) (*model.SyncRecord, error) {
	cfg, err := s.store.Git().GetConfig(ctx, actor.TenantID)
	if err != nil {
		return nil, err
	}

	record := &model.SyncRecord{
		ID:        "sync-" + uuid.NewString(),
		TenantID:  actor.TenantID,
		Direction: model.SyncPush,
		Files:     model.JSONMap{},
		StartedAt: time.Now().UTC(),
	}

	err = s.push(ctx, actor, cfg, record)
	s.finish(ctx, record, err)
	if err != nil {
		return record, err
	}
	return record, nil
}

func (s *Synchronizer) push(ctx context.Context, actor *model.Actor, cfg *model.GitConfig, record *model.SyncRecord) error {
	auth, err := s.auth(ctx, cfg)
	if err != nil {
		return err
	}

	repo, err := s.clone(ctx, cfg, auth)
	if err != nil {
		return err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return common.WrapError(common.KindInternal, "opening worktree", err)
	}

	for _, env := range []model.Environment{model.Sandbox, model.Production} {
		keep := map[string]bool{}

		policies, err := s.store.Policies().List(ctx, actor.TenantID, env, "", store.Page{Limit: 10000})
		if err != nil {
			return err
		}
		for _, policy := range policies {
			if policy.Retired() {
				continue
			}
			keep[policy.ID] = true

			if err := writeFile(wt, policyPath(env, policy.ID), []byte(policy.Source)); err != nil {
				return err
			}
			meta, err := encodeMetadata(policy)
			if err != nil {
				return common.WrapError(common.KindInternal, "encoding policy metadata", err)
			}
			if err := writeFile(wt, metadataPath(policy.ID), meta); err != nil {
				return err
			}
		}

		// drop files whose policy is gone or retired
		entries, err := wt.Filesystem.ReadDir(policiesDir + "/" + string(env))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			id := policyIDFromPath(entry.Name())
			if keep[id] {
				continue
			}
			_, _ = wt.Remove(policyPath(env, id))
			_, _ = wt.Remove(metadataPath(id))
			record.Files[policyPath(env, id)] = "removed"
		}
	}

	status, err := wt.Status()
	if err != nil {
		return common.WrapError(common.KindInternal, "reading worktree status", err)
	}
	if status.IsClean() {
		record.Status = "ok"
		return nil
	}
	for path, st := range status {
		if _, ok := record.Files[path]; !ok {
			record.Files[path] = statusLabel(st.Staging)
		}
	}

	commit, err := wt.Commit(fmt.Sprintf("control plane sync by %s", actor.Subject), &git.CommitOptions{
		Author: &object.Signature{
			Name:  actor.Subject,
			Email: actor.Subject,
			When:  time.Now().UTC(),
		},
	})
	if err != nil {
		return common.WrapError(common.KindInternal, "committing policy snapshot", err)
	}
	record.Commit = commit.String()

	refspec := gitcfg.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", cfg.Branch, cfg.Branch))
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		err := repo.PushContext(ctx, &git.PushOptions{
			RemoteName: git.DefaultRemoteName,
			RefSpecs:   []gitcfg.RefSpec{refspec},
			Auth:       auth,
		})
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			return struct{}{}, nil
		}
		if err != nil {
			logger.Warnf(agent, "push", "push to %s failed, retrying: %+v", cfg.RepoURL, err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(pushMaxTries))
	if err != nil {
		return common.WrapError(common.KindUpstreamFailure, "pushing to remote", err)
	}
	return nil
}

// Pull fetches the remote and applies additions and modifications to the
// policy store.  Files failing validation are skipped with a per-file
// error status; a failed pull never blocks local editing.
func (s *Synchronizer) Pull(ctx context.Context, tenantID string) (*model.SyncRecord, error) {
	cfg, err := s.store.Git().GetConfig(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	record := &model.SyncRecord{
		ID:        "sync-" + uuid.NewString(),
		TenantID:  tenantID,
		Direction: model.SyncPull,
		Files:     model.JSONMap{},
		StartedAt: time.Now().UTC(),
	}

	err = s.pull(ctx, tenantID, cfg, record)
	s.finish(ctx, record, err)
	if err != nil {
		return record, err
	}
	return record, nil
}

func (s *Synchronizer) pull(ctx context.Context, tenantID string, cfg *model.GitConfig, record *model.SyncRecord) error {
	auth, err := s.auth(ctx, cfg)
	if err != nil {
		return err
	}

	repo, err := s.clone(ctx, cfg, auth)
	if err != nil {
		return err
	}

	head, err := repo.Head()
	if err != nil {
		// empty remote; nothing to import
		record.Status = "ok"
		return nil
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return common.WrapError(common.KindInternal, "reading head commit", err)
	}
	record.Commit = head.Hash().String()
	remoteTime := commit.Author.When.UTC()

	wt, err := repo.Worktree()
	if err != nil {
		return common.WrapError(common.KindInternal, "opening worktree", err)
	}

	for _, env := range []model.Environment{model.Sandbox, model.Production} {
		entries, err := wt.Filesystem.ReadDir(policiesDir + "/" + string(env))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			path := policyPath(env, policyIDFromPath(entry.Name()))
			record.Files[path] = s.applyFile(ctx, wt, tenantID, env, path, cfg.ConflictRule, remoteTime)
		}
	}
	return nil
}

// applyFile imports one policy file and returns its per-file status.
func (s *Synchronizer) applyFile(ctx context.Context, wt *git.Worktree, tenantID string, env model.Environment, path string, rule model.ConflictRule, remoteTime time.Time) string {
	id := policyIDFromPath(path)

	source, err := util.ReadFile(wt.Filesystem, path)
	if err != nil {
		return "error: unreadable"
	}
	if err := s.compiler.ValidateSource(id, string(source)); err != nil {
		return "invalid: source does not parse"
	}

	rawMeta, _ := util.ReadFile(wt.Filesystem, metadataPath(id))
	meta := decodeMetadata(id, rawMeta)

	existing, err := s.store.Policies().Get(ctx, tenantID, id)
	if common.IsKind(err, common.KindNotFound) {
		policy := &model.Policy{
			ID:               id,
			TenantID:         tenantID,
			Name:             meta.Name,
			Description:      meta.Description,
			Source:           string(source),
			Effect:           meta.Effect,
			Folder:           meta.Folder,
			Environment:      env,
			Resources:        meta.Resources,
			SandboxStatus:    model.StatusNotPromoted,
			ProductionStatus: model.StatusNotPromoted,
		}
		if err := s.store.Policies().Create(ctx, policy); err != nil {
			return "error: " + string(common.KindOf(err))
		}
		return "created"
	}
	if err != nil {
		return "error: " + string(common.KindOf(err))
	}

	if existing.Source == string(source) {
		return "unchanged"
	}

	// both sides diverged; the tenant's conflict rule picks the winner,
	// with the remote commit timestamp as the tie-breaker for
	// control-plane-wins
	if rule == model.ControlPlaneWins && !remoteTime.After(existing.UpdatedAt) {
		return "skipped: control-plane wins"
	}

	existing.Name = meta.Name
	existing.Description = meta.Description
	existing.Source = string(source)
	existing.Effect = meta.Effect
	existing.Folder = meta.Folder
	existing.Resources = meta.Resources
	if err := s.store.Policies().Update(ctx, existing); err != nil {
		return "error: " + string(common.KindOf(err))
	}
	return "updated"
}

// Test probes the configured remote with the stored credential without
// applying anything.  Returns the remote head commit, or "" for an empty
// repository.
func (s *Synchronizer) Test(ctx context.Context, tenantID string) (string, error) {
	cfg, err := s.store.Git().GetConfig(ctx, tenantID)
	if err != nil {
		return "", err
	}
	auth, err := s.auth(ctx, cfg)
	if err != nil {
		return "", err
	}
	repo, err := s.clone(ctx, cfg, auth)
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", nil
	}
	return head.Hash().String(), nil
}

// History returns the tenant's sync records, newest first.
func (s *Synchronizer) History(ctx context.Context, tenantID string, page store.Page) ([]*model.SyncRecord, error) {
	return s.store.Git().ListSync(ctx, tenantID, page)
}

// clone materializes the remote branch in memory.  An empty remote or a
// missing branch yields a fresh repository wired to the same remote.
func (s *Synchronizer) clone(ctx context.Context, cfg *model.GitConfig, auth transport.AuthMethod) (*git.Repository, error) {
	repo, err := git.CloneContext(ctx, memory.NewStorage(), memfs.New(), &git.CloneOptions{
		URL:           cfg.RepoURL,
		ReferenceName: plumbing.NewBranchReferenceName(cfg.Branch),
		SingleBranch:  true,
		Auth:          auth,
	})
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, transport.ErrEmptyRemoteRepository) && !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, common.WrapError(common.KindUpstreamFailure, "cloning "+cfg.RepoURL, err)
	}

	repo, err = git.Init(memory.NewStorage(), memfs.New())
	if err != nil {
		return nil, common.WrapError(common.KindInternal, "initializing repository", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(cfg.Branch))); err != nil {
		return nil, common.WrapError(common.KindInternal, "setting branch head", err)
	}
	if _, err := repo.CreateRemote(&gitcfg.RemoteConfig{
		Name: git.DefaultRemoteName,
		URLs: []string{cfg.RepoURL},
	}); err != nil {
		return nil, common.WrapError(common.KindInternal, "wiring remote", err)
	}
	return repo, nil
}

// auth resolves the repository credential through the vault.  A config
// without a vault handle authenticates anonymously.
func (s *Synchronizer) auth(ctx context.Context, cfg *model.GitConfig) (transport.AuthMethod, error) {
	if cfg.TokenVaultID == "" {
		return nil, nil
	}
	token, err := s.vault.Reveal(ctx, cfg.TenantID, cfg.TokenVaultID)
	if err != nil {
		return nil, err
	}
	username := cfg.Username
	if username == "" {
		username = "git"
	}
	return &githttp.BasicAuth{Username: username, Password: string(token)}, nil
}

func (s *Synchronizer) finish(ctx context.Context, record *model.SyncRecord, err error) {
	record.EndedAt = time.Now().UTC()
	if err != nil {
		record.Status = "error"
		record.Error = err.Error()
	} else if record.Status == "" {
		record.Status = "ok"
	}
	if appendErr := s.store.Git().AppendSync(ctx, record); appendErr != nil {
		logger.Errorf(agent, "finish", "failed recording sync history: %+v", appendErr)
	}
}

func writeFile(wt *git.Worktree, path string, content []byte) error {
	if err := util.WriteFile(wt.Filesystem, path, content, 0o644); err != nil {
		return common.WrapError(common.KindInternal, "writing "+path, err)
	}
	if _, err := wt.Add(path); err != nil {
		return common.WrapError(common.KindInternal, "staging "+path, err)
	}
	return nil
}

func statusLabel(code git.StatusCode) string {
	switch code {
	case git.Added:
		return "added"
	case git.Modified:
		return "modified"
	case git.Deleted:
		return "removed"
	default:
		return "changed"
	}
}
