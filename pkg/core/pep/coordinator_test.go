//
//  Copyright © Control Core Inc. All rights reserved.
//

package pep

import (
	"context"
	"testing"
	"time"

	"github.com/controlcore/controlplane/pkg/common"
	"github.com/controlcore/controlplane/pkg/core/audit"
	"github.com/controlcore/controlplane/pkg/core/bundle"
	"github.com/controlcore/controlplane/pkg/core/config"
	"github.com/controlcore/controlplane/pkg/core/merge"
	"github.com/controlcore/controlplane/pkg/core/model"
	"github.com/controlcore/controlplane/pkg/core/store"
	"github.com/controlcore/controlplane/pkg/core/store/sqldb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T) (*Coordinator, store.Store, *bundle.Storage) {
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

	storage := bundle.NewStorage(t.TempDir())
	return NewCoordinator(s, storage, stream), s, storage
}

func sidecarRequest(externalID string) *RegisterRequest {
	return &RegisterRequest{
		Environment: model.Sandbox,
		Mode:        model.ModeSidecar,
		Name:        "edge-1",
		ExternalID:  externalID,
	}
}

func TestRegisterIsIdempotentPerExternalID(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	pep, token, err := coord.Register(ctx, "t-1", sidecarRequest("node-a"))
	require.NoError(t, err)
	assert.NotEmpty(t, pep.ID)
	assert.NotEmpty(t, token)
	assert.Equal(t, model.PEPHealthy, pep.Health)

	// the token is never stored in cleartext
	assert.NotEqual(t, token, pep.TokenHash)
	assert.Equal(t, common.HashString(token), pep.TokenHash)

	again, tokenAgain, err := coord.Register(ctx, "t-1", sidecarRequest("node-a"))
	require.NoError(t, err)
	assert.Equal(t, pep.ID, again.ID)
	assert.Empty(t, tokenAgain, "the token is returned exactly once")

	other, _, err := coord.Register(ctx, "t-1", sidecarRequest("node-b"))
	require.NoError(t, err)
	assert.NotEqual(t, pep.ID, other.ID)
}

func TestRegisterValidatesEnums(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)

	_, _, err := coord.Register(context.Background(), "t-1", &RegisterRequest{
		Environment: model.Environment("staging"),
		Mode:        model.ModeSidecar,
	})
	assert.True(t, common.IsKind(err, common.KindValidation))

	_, _, err = coord.Register(context.Background(), "t-1", &RegisterRequest{
		Environment: model.Sandbox,
		Mode:        model.DeploymentMode("lambda"),
	})
	assert.True(t, common.IsKind(err, common.KindValidation))
}

func TestHeartbeatAuthenticatesAndTouches(t *testing.T) {
	coord, s, _ := newTestCoordinator(t)
	ctx := context.Background()

	pep, token, err := coord.Register(ctx, "t-1", sidecarRequest(""))
	require.NoError(t, err)

	err = coord.Heartbeat(ctx, "t-1", pep.ID, "wrong-token", nil)
	assert.True(t, common.IsKind(err, common.KindUnauthenticated))

	report := model.JSONMap{"version": "1.4.2", "decisions": float64(120)}
	require.NoError(t, coord.Heartbeat(ctx, "t-1", pep.ID, token, report))

	stored, err := s.PEPs().Get(ctx, "t-1", pep.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastSeen)
	assert.Equal(t, "1.4.2", stored.SelfReport["version"])
}

func TestPollEffectiveConfigMergesAndReportsVersion(t *testing.T) {
	coord, s, _ := newTestCoordinator(t)
	ctx := context.Background()

	pep, token, err := coord.Register(ctx, "t-1", sidecarRequest(""))
	require.NoError(t, err)

	// no stored config: defaults apply, no bundle yet
	cfg, err := coord.PollEffectiveConfig(ctx, "t-1", pep.ID, token)
	require.NoError(t, err)
	assert.Equal(t, pep.ID, cfg.PEPID)
	assert.Empty(t, cfg.BundleVersion)
	assert.EqualValues(t, 30, cfg.Settings[merge.KeyPollInterval])

	require.NoError(t, s.Bundles().Publish(ctx, &model.Bundle{
		TenantID: "t-1", PEPID: pep.ID, Environment: model.Sandbox,
		Version: "v-abc", Checksum: "c",
	}))

	cfg, err = coord.PollEffectiveConfig(ctx, "t-1", pep.ID, token)
	require.NoError(t, err)
	assert.Equal(t, "v-abc", cfg.BundleVersion)

	// polling counts as liveness
	stored, err := s.PEPs().Get(ctx, "t-1", pep.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastSeen)
}

func TestFetchBundleNotModified(t *testing.T) {
	coord, s, storage := newTestCoordinator(t)
	ctx := context.Background()

	pep, token, err := coord.Register(ctx, "t-1", sidecarRequest(""))
	require.NoError(t, err)

	_, _, err = coord.FetchBundle(ctx, "t-1", pep.ID, token, "")
	assert.True(t, common.IsKind(err, common.KindNotFound))

	artifact := &model.BundleArtifact{
		Version:     "v-abc",
		Environment: model.Sandbox,
		Modules:     map[string]string{"pol-1.rego": "package p\n"},
		BuiltAt:     time.Now().UTC(),
		Checksum:    "c",
	}
	require.NoError(t, storage.Write("t-1", artifact))
	require.NoError(t, s.Bundles().Publish(ctx, &model.Bundle{
		TenantID: "t-1", PEPID: pep.ID, Environment: model.Sandbox,
		Version: "v-abc", Checksum: "c",
	}))

	got, notModified, err := coord.FetchBundle(ctx, "t-1", pep.ID, token, "")
	require.NoError(t, err)
	assert.False(t, notModified)
	assert.Equal(t, "v-abc", got.Version)

	got, notModified, err = coord.FetchBundle(ctx, "t-1", pep.ID, token, "v-abc")
	require.NoError(t, err)
	assert.True(t, notModified)
	assert.Nil(t, got)
}

func TestWatchdogMarksStalePeps(t *testing.T) {
	coord, s, _ := newTestCoordinator(t)
	ctx := context.Background()

	stale, _, err := coord.Register(ctx, "t-1", sidecarRequest("stale"))
	require.NoError(t, err)
	fresh, freshToken, err := coord.Register(ctx, "t-1", sidecarRequest("fresh"))
	require.NoError(t, err)

	old := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.PEPs().Touch(ctx, "t-1", stale.ID, old, nil))
	require.NoError(t, coord.Heartbeat(ctx, "t-1", fresh.ID, freshToken, nil))

	w := NewWatchdog(s)
	w.Sweep(ctx)

	got, err := s.PEPs().Get(ctx, "t-1", stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PEPUnhealthy, got.Health)

	got, err = s.PEPs().Get(ctx, "t-1", fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PEPHealthy, got.Health)

	// the next successful poll restores health
	require.NoError(t, s.PEPs().Touch(ctx, "t-1", stale.ID, time.Now().UTC(), nil))
	got, err = s.PEPs().Get(ctx, "t-1", stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PEPHealthy, got.Health)
}
