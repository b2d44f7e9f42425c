//
//  Copyright © Control Core Inc. All rights reserved.
//

// Package pep implements the enforcement point coordinator: registration,
// heartbeat, and the configuration/bundle polling contract.
//
// Registration is idempotent per (tenant, environment, external id).  The
// registration token is returned in cleartext exactly once; the store
// keeps only its hash, and every subsequent call authenticates by
// comparing hashes.
package pep

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"time"

	"github.com/controlcore/controlplane/internal/logging"
	"github.com/controlcore/controlplane/pkg/common"
	"github.com/controlcore/controlplane/pkg/core/audit"
	"github.com/controlcore/controlplane/pkg/core/bundle"
	"github.com/controlcore/controlplane/pkg/core/merge"
	"github.com/controlcore/controlplane/pkg/core/model"
	"github.com/controlcore/controlplane/pkg/core/store"
	"github.com/google/uuid"
)

var logger = logging.GetLogger("controlplane.pep")

const agent = "coordinator"

// Coordinator serves the bouncer-facing contract.
type Coordinator struct {
	store    store.Store
	bundles  *bundle.Storage
	recorder *audit.Recorder
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(s store.Store, bundles *bundle.Storage, stream audit.Stream) *Coordinator {
	return &Coordinator{
		store:    s,
		bundles:  bundles,
		recorder: audit.NewRecorder("pep-coordinator", stream),
	}
}

// RegisterRequest carries the fields a bouncer submits at registration.
type RegisterRequest struct {
	Environment model.Environment `json:"environment"`
	Mode        model.DeploymentMode `json:"mode"`
	Name        string            `json:"name"`
	ExternalID  string            `json:"external_id,omitempty"`
	Bundles     model.StringList  `json:"bundles,omitempty"`
}

// Register creates the PEP row and returns it with the one-time
// registration token.  Re-registering the same external id returns the
// existing row with an empty token.
func (c *Coordinator) Register(ctx context.Context, tenantID string, req *RegisterRequest) (*model.PEP, string, error) {
	if !req.Environment.Valid() {
		return nil, "", common.Validation("invalid registration",
			common.FieldError{Path: "environment", Reason: "unknown environment"})
	}
	if !req.Mode.Valid() {
		return nil, "", common.Validation("invalid registration",
			common.FieldError{Path: "mode", Reason: "unknown deployment mode"})
	}

	if req.ExternalID != "" {
		existing, err := c.store.PEPs().GetByExternalID(ctx, tenantID, req.Environment, req.ExternalID)
		if err == nil {
			// environment is immutable; the lookup is scoped to it, so a
			// hit always matches
			return existing, "", nil
		}
		if !common.IsKind(err, common.KindNotFound) {
			return nil, "", err
		}
	}

	token, err := newToken()
	if err != nil {
		return nil, "", err
	}

	pep := &model.PEP{
		ID:          "pep-" + uuid.NewString(),
		TenantID:    tenantID,
		Environment: req.Environment,
		Mode:        req.Mode,
		Name:        req.Name,
		ExternalID:  req.ExternalID,
		TokenHash:   common.HashString(token),
		Bundles:     req.Bundles,
		Health:      model.PEPHealthy,
	}
	if err := c.store.PEPs().Create(ctx, pep); err != nil {
		return nil, "", err
	}

	logger.Infof(agent, "Register", "registered pep %s (%s/%s) for tenant %s",
		pep.ID, pep.Environment, pep.Mode, tenantID)
	c.changed(pep, "pep.register")
	return pep, token, nil
}

// Authenticate resolves the PEP and verifies its registration token.
func (c *Coordinator) Authenticate(ctx context.Context, tenantID, pepID, token string) (*model.PEP, error) {
	pep, err := c.store.PEPs().Get(ctx, tenantID, pepID)
	if err != nil {
		return nil, err
	}
	hash := common.HashString(token)
	if subtle.ConstantTimeCompare([]byte(hash), []byte(pep.TokenHash)) != 1 {
		return nil, common.NewError(common.KindUnauthenticated, "registration token mismatch")
	}
	return pep, nil
}

// Heartbeat records a poll and the optional self-report payload.
func (c *Coordinator) Heartbeat(ctx context.Context, tenantID, pepID, token string, selfReport model.JSONMap) error {
	pep, err := c.Authenticate(ctx, tenantID, pepID, token)
	if err != nil {
		return err
	}
	return c.store.PEPs().Touch(ctx, tenantID, pep.ID, time.Now().UTC(), selfReport)
}

// PollEffectiveConfig computes the merged configuration for the PEP plus
// the current bundle version.  The PEP compares the version against its
// cached bundle to decide whether to fetch.
func (c *Coordinator) PollEffectiveConfig(ctx context.Context, tenantID, pepID, token string) (*model.EffectiveConfig, error) {
	pep, err := c.Authenticate(ctx, tenantID, pepID, token)
	if err != nil {
		return nil, err
	}

	global, err := c.store.PEPConfigs().GetGlobal(ctx, tenantID)
	if err != nil && !common.IsKind(err, common.KindNotFound) {
		return nil, err
	}
	individual, err := c.store.PEPConfigs().GetIndividual(ctx, tenantID, pep.ID)
	if err != nil && !common.IsKind(err, common.KindNotFound) {
		return nil, err
	}

	version := ""
	if latest, err := c.store.Bundles().Latest(ctx, tenantID, pep.ID); err == nil {
		version = latest.Version
	}

	effective, err := merge.Effective(global, individual, pep, version)
	if err != nil {
		return nil, err
	}

	if err := c.store.PEPs().Touch(ctx, tenantID, pep.ID, time.Now().UTC(), nil); err != nil {
		logger.Warnf(agent, "PollEffectiveConfig", "failed recording poll for %s: %+v", pep.ID, err)
	}
	return effective, nil
}

// FetchBundle returns the current bundle artifact.  When the caller
// already holds the current version the artifact is omitted and
// notModified is true.
func (c *Coordinator) FetchBundle(ctx context.Context, tenantID, pepID, token, haveVersion string) (*model.BundleArtifact, bool, error) {
	pep, err := c.Authenticate(ctx, tenantID, pepID, token)
	if err != nil {
		return nil, false, err
	}

	latest, err := c.store.Bundles().Latest(ctx, tenantID, pep.ID)
	if err != nil {
		return nil, false, err
	}
	if haveVersion != "" && haveVersion == latest.Version {
		return nil, true, nil
	}

	artifact, err := c.bundles.Read(tenantID, latest.Version)
	if err != nil {
		return nil, false, err
	}
	return artifact, false, nil
}

// Get returns one PEP for operator surfaces.
func (c *Coordinator) Get(ctx context.Context, tenantID, pepID string) (*model.PEP, error) {
	return c.store.PEPs().Get(ctx, tenantID, pepID)
}

// List returns the tenant's PEPs in one environment.
func (c *Coordinator) List(ctx context.Context, tenantID string, env model.Environment, page store.Page) ([]*model.PEP, error) {
	return c.store.PEPs().List(ctx, tenantID, env, page)
}

// Decommission tombstones the PEP.  The row survives so audit entries
// keep their attribution.
func (c *Coordinator) Decommission(ctx context.Context, tenantID, pepID string) error {
	pep, err := c.store.PEPs().Get(ctx, tenantID, pepID)
	if err != nil {
		return err
	}
	if err := c.store.PEPs().Delete(ctx, tenantID, pepID); err != nil {
		return err
	}
	c.changed(pep, "pep.decommission")
	return nil
}

func (c *Coordinator) changed(pep *model.PEP, action string) {
	err := c.recorder.Record(&model.AuditEntry{
		TenantID:    pep.TenantID,
		Environment: pep.Environment,
		Type:        model.AuditConfigChange,
		Actor:       pep.ID,
		Payload: model.JSONMap{
			"action": action,
			"pep_id": pep.ID,
			"mode":   string(pep.Mode),
		},
	})
	if err != nil {
		logger.Errorf(agent, "changed", "failed recording %s for %s: %+v", action, pep.ID, err)
	}
}

func newToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", common.WrapError(common.KindInternal, "generating registration token", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
