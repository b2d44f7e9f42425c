//
//  Copyright © Control Core Inc. All rights reserved.
//

// Package bundle assembles policy bundles for distribution to PEPs.
//
// A bundle is a pure function of its inputs: the eligible policies of one
// tenant environment plus the data manifest derived from the tenant's PIP
// connections.  The bundle version is the hash of the RFC 8785 canonical
// form of those inputs, so identical inputs always produce the identical
// version and republishing is a no-op.
package bundle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/controlcore/controlplane/internal/logging"
	"github.com/controlcore/controlplane/pkg/common"
	"github.com/controlcore/controlplane/pkg/core/model"
	"github.com/controlcore/controlplane/pkg/core/opa"
	"github.com/controlcore/controlplane/pkg/core/store"
	"github.com/gowebpki/jcs"
)

var logger = logging.GetLogger("controlplane.bundle")

const agent = "bundle"

// Builder assembles and publishes bundles.
type Builder struct {
	store    store.Store
	storage  *Storage
	compiler *opa.Compiler
}

// NewBuilder creates a Builder over the given store and artifact storage.
func NewBuilder(s store.Store, storage *Storage, compiler *opa.Compiler) *Builder {
	return &Builder{store: s, storage: storage, compiler: compiler}
}

// hashInput is the canonicalized content that defines a bundle version.
// Field order is irrelevant; jcs canonicalization sorts keys.
type hashInput struct {
	Environment  model.Environment  `json:"environment"`
	Modules      map[string]string  `json:"modules"`
	DataManifest model.DataManifest `json:"data_manifest"`
}

// Build assembles the artifact covering every eligible policy of one
// tenant environment without publishing it.
func (b *Builder) Build(ctx context.Context, tenantID string, env model.Environment) (*model.BundleArtifact, error) {
	return b.buildScoped(ctx, tenantID, env, nil)
}

// buildScoped assembles the artifact for one tenant environment.  A
// non-empty assignment narrows the module set to the listed policy ids;
// empty means every eligible policy.  The module set must compile as a
// unit.
func (b *Builder) buildScoped(ctx context.Context, tenantID string, env model.Environment, assigned model.StringList) (*model.BundleArtifact, error) {
	policies, err := b.store.Policies().ListEligible(ctx, tenantID, env)
	if err != nil {
		return nil, err
	}

	modules := make(map[string]string, len(policies))
	policyIDs := make([]string, 0, len(policies))
	for _, p := range policies {
		if len(assigned) > 0 && !assigned.Contains(p.ID) {
			continue
		}
		modules[p.ID+".rego"] = p.Source
		policyIDs = append(policyIDs, p.ID)
	}
	sort.Strings(policyIDs)

	// a bundle that does not compile must never reach a PEP
	if len(modules) > 0 {
		if _, err := b.compiler.Compile(tenantID+"/"+string(env), modules); err != nil {
			return nil, common.WrapError(common.KindValidation, "bundle does not compile", err)
		}
	}

	manifest, err := b.dataManifest(ctx, tenantID, env)
	if err != nil {
		return nil, err
	}

	version, err := contentVersion(hashInput{
		Environment:  env,
		Modules:      modules,
		DataManifest: manifest,
	})
	if err != nil {
		return nil, err
	}

	artifact := &model.BundleArtifact{
		Version:      version,
		Environment:  env,
		Modules:      modules,
		DataManifest: manifest,
		PolicyIDs:    policyIDs,
		BuiltAt:      time.Now().UTC(),
	}

	checksum, err := artifactChecksum(artifact)
	if err != nil {
		return nil, err
	}
	artifact.Checksum = checksum

	return artifact, nil
}

// Publish builds the artifacts for one tenant environment, persists them
// to storage and records one manifest row per PEP.  PEPs with a policy
// assignment get an artifact narrowed to their assigned policies; the
// rest share the full artifact.  PEPs already on their version are
// skipped.  Returns the full artifact.
func (b *Builder) Publish(ctx context.Context, tenantID string, env model.Environment) (*model.BundleArtifact, error) {
	full, err := b.buildScoped(ctx, tenantID, env, nil)
	if err != nil {
		return nil, err
	}

	if err := b.storage.Write(tenantID, full); err != nil {
		return nil, err
	}

	peps, err := b.store.PEPs().List(ctx, tenantID, env, store.Page{Limit: 1000})
	if err != nil {
		return nil, err
	}

	// one build per distinct assignment; identical assignments share it
	artifacts := map[string]*model.BundleArtifact{assignmentKey(nil): full}
	for _, pep := range peps {
		key := assignmentKey(pep.Bundles)
		artifact, ok := artifacts[key]
		if !ok {
			artifact, err = b.buildScoped(ctx, tenantID, env, pep.Bundles)
			if err != nil {
				return nil, err
			}
			if err := b.storage.Write(tenantID, artifact); err != nil {
				return nil, err
			}
			artifacts[key] = artifact
		}

		latest, err := b.store.Bundles().Latest(ctx, tenantID, pep.ID)
		if err == nil && latest.Version == artifact.Version {
			continue
		}
		if err != nil && !common.IsKind(err, common.KindNotFound) {
			return nil, err
		}

		err = b.store.Bundles().Publish(ctx, &model.Bundle{
			TenantID:     tenantID,
			PEPID:        pep.ID,
			Environment:  env,
			Version:      artifact.Version,
			PolicyIDs:    model.StringList(artifact.PolicyIDs),
			DataManifest: artifact.DataManifest,
			Checksum:     artifact.Checksum,
			BuiltAt:      artifact.BuiltAt,
		})
		if err != nil && !common.IsKind(err, common.KindConflict) {
			return nil, err
		}
	}

	logger.Infof(agent, "Publish", "published bundle %s for tenant %s env %s to %d peps",
		full.Version, tenantID, env, len(peps))
	return full, nil
}

func assignmentKey(assigned model.StringList) string {
	if len(assigned) == 0 {
		return ""
	}
	ids := make([]string, len(assigned))
	copy(ids, assigned)
	sort.Strings(ids)
	return strings.Join(ids, "\n")
}

// dataManifest derives the PIP collection references for the
// environment, ordered by connection id for reproducibility.
func (b *Builder) dataManifest(ctx context.Context, tenantID string, env model.Environment) (model.DataManifest, error) {
	conns, err := b.store.PIPConnections().List(ctx, tenantID, env, store.Page{Limit: 1000})
	if err != nil {
		return nil, err
	}

	manifest := model.DataManifest{}
	for _, conn := range conns {
		for _, mapping := range conn.AttributeMappings {
			manifest = append(manifest, model.DataRef{
				ConnectionID:  conn.ID,
				AttributePath: mapping.AttributePath,
				TTLSeconds:    conn.TTLSeconds,
			})
		}
	}
	sort.Slice(manifest, func(i, j int) bool {
		if manifest[i].ConnectionID != manifest[j].ConnectionID {
			return manifest[i].ConnectionID < manifest[j].ConnectionID
		}
		return manifest[i].AttributePath < manifest[j].AttributePath
	})
	return manifest, nil
}

func canonical(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, common.WrapError(common.KindInternal, "marshaling bundle content", err)
	}
	cjson, err := jcs.Transform(raw)
	if err != nil {
		return nil, common.WrapError(common.KindInternal, "canonicalizing bundle content", err)
	}
	return cjson, nil
}

func contentVersion(input hashInput) (string, error) {
	cjson, err := canonical(input)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(cjson)
	return hex.EncodeToString(sum[:]), nil
}

// artifactChecksum hashes the canonical artifact minus the checksum field
// itself; PEPs recompute it before loading.
func artifactChecksum(artifact *model.BundleArtifact) (string, error) {
	clone := *artifact
	clone.Checksum = ""
	cjson, err := canonical(&clone)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(cjson)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyChecksum recomputes and compares the artifact checksum.
func VerifyChecksum(artifact *model.BundleArtifact) error {
	want := artifact.Checksum
	got, err := artifactChecksum(artifact)
	if err != nil {
		return err
	}
	if got != want {
		return common.NewErrorf(common.KindValidation,
			"bundle checksum mismatch: computed %s, manifest says %s", got, want)
	}
	return nil
}
