//
//  Copyright © Control Core Inc. All rights reserved.
//

package decision

import (
	"context"
	"sync"
	"testing"

	"github.com/controlcore/controlplane/pkg/common"
	"github.com/controlcore/controlplane/pkg/core/config"
	"github.com/controlcore/controlplane/pkg/core/model"
	"github.com/controlcore/controlplane/pkg/core/opa"
	"github.com/controlcore/controlplane/pkg/core/pip"
	"github.com/controlcore/controlplane/pkg/core/store"
	"github.com/controlcore/controlplane/pkg/core/store/sqldb"
	"github.com/controlcore/controlplane/pkg/core/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStream captures audit entries synchronously.
type memStream struct {
	mu      sync.Mutex
	entries []*model.AuditEntry
}

func (m *memStream) Send(e *model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memStream) Close() {}

func (m *memStream) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *memStream) last() *model.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return nil
	}
	return m.entries[len(m.entries)-1]
}

type stubProvider struct {
	attrs pip.Attributes
	fail  bool
}

func (p *stubProvider) Fetch(context.Context, *model.PIPConnection, []byte) (pip.Attributes, error) {
	if p.fail {
		return nil, common.NewError(common.KindUpstreamFailure, "provider down")
	}
	return p.attrs, nil
}

type testRig struct {
	engine *Engine
	store  store.Store
	stream *memStream
}

func newTestRig(t *testing.T, provider pip.Provider) *testRig {
	t.Helper()
	config.ResetConfig()

	s, err := sqldb.New(context.Background(), sqldb.Options{Driver: "sqlite3", Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	v, err := vault.NewWithKey(s.Credentials(), make([]byte, 32))
	require.NoError(t, err)

	if provider == nil {
		provider = &stubProvider{}
	}

	stream := &memStream{}
	compiler := opa.NewCompiler()
	engine := NewEngine(s, compiler, pip.NewCache(s, v, provider), stream)

	require.NoError(t, s.Tenants().Create(context.Background(), &model.Tenant{
		ID: "t-1", Name: "acme", Posture: model.PostureDenyAll,
	}))

	return &testRig{engine: engine, store: s, stream: stream}
}

func (r *testRig) pep(t *testing.T) *model.PEP {
	t.Helper()
	pep := &model.PEP{
		ID: "pep-1", TenantID: "t-1", Environment: model.Sandbox,
		Mode: model.ModeSidecar, Name: "edge", TokenHash: "h",
		Health: model.PEPHealthy,
	}
	if _, err := r.store.PEPs().Get(context.Background(), "t-1", "pep-1"); err != nil {
		require.NoError(t, r.store.PEPs().Create(context.Background(), pep))
	}
	return pep
}

func (r *testRig) addPolicy(t *testing.T, id, pkg string, effect model.Effect, resources model.StringList, body string) {
	t.Helper()
	require.NoError(t, r.store.Policies().Create(context.Background(), &model.Policy{
		ID: id, TenantID: "t-1", Name: id,
		Source:      "package " + pkg + "\n\ndefault allow = false\n\nallow {\n    " + body + "\n}\n",
		Effect:      effect,
		Folder:      model.FolderEnabled,
		Environment: model.Sandbox,
		Resources:   resources,
	}))
}

func readRequest(resource string) *model.DecisionRequest {
	return &model.DecisionRequest{
		Subject:  map[string]interface{}{"user": "alice"},
		Resource: resource,
		Action:   "read",
	}
}

func TestDenyOverridesPermit(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.addPolicy(t, "p-permit", "authz.p1", model.EffectPermit, nil, `input.action == "read"`)
	rig.addPolicy(t, "p-deny", "authz.p2", model.EffectDeny, nil, `input.action == "read"`)

	resp, err := rig.engine.Decide(context.Background(), rig.pep(t), readRequest("res-1"))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeDeny, resp.Outcome)
	assert.Contains(t, resp.MatchedPolicies, "p-deny")
}

func TestPermitWhenOnlyPermitMatches(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.addPolicy(t, "p-permit", "authz.p1", model.EffectPermit, nil, `input.action == "read"`)
	rig.addPolicy(t, "p-deny", "authz.p2", model.EffectDeny, nil, `input.action == "delete"`)

	resp, err := rig.engine.Decide(context.Background(), rig.pep(t), readRequest("res-1"))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomePermit, resp.Outcome)
	assert.Equal(t, []string{"p-permit"}, resp.MatchedPolicies)
}

func TestPostureAppliesWhenNothingMatches(t *testing.T) {
	rig := newTestRig(t, nil)

	resp, err := rig.engine.Decide(context.Background(), rig.pep(t), readRequest("res-1"))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeDeny, resp.Outcome)

	tenant, err := rig.store.Tenants().Get(context.Background(), "t-1")
	require.NoError(t, err)
	tenant.Posture = model.PostureAllowAll
	require.NoError(t, rig.store.Tenants().Update(context.Background(), tenant))

	resp, err = rig.engine.Decide(context.Background(), rig.pep(t),
		&model.DecisionRequest{
			Subject:  map[string]interface{}{"user": "bob"},
			Resource: "res-1", Action: "read",
		})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomePermit, resp.Outcome)
}

func TestAdminBypass(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.addPolicy(t, "p-deny", "authz.p1", model.EffectDeny, nil, `input.action == "read"`)

	resp, err := rig.engine.Decide(context.Background(), rig.pep(t), &model.DecisionRequest{
		Subject: map[string]interface{}{
			"user":         "root",
			"capabilities": []interface{}{model.CapSystemAdmin},
		},
		Resource: "res-1",
		Action:   "read",
	})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomePermit, resp.Outcome)
	assert.Equal(t, []string{AdminBypassPolicyID}, resp.MatchedPolicies)
}

func TestResourceTargetingFiltersPolicies(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.addPolicy(t, "p-res2", "authz.p1", model.EffectPermit,
		model.StringList{"res-2"}, `input.action == "read"`)

	// res-1 is not targeted; posture denies
	resp, err := rig.engine.Decide(context.Background(), rig.pep(t), readRequest("res-1"))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeDeny, resp.Outcome)

	resp, err = rig.engine.Decide(context.Background(), rig.pep(t), readRequest("res-2"))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomePermit, resp.Outcome)
}

func TestAdviceAttachesReasonOnly(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.addPolicy(t, "p-advice", "authz.p1", model.EffectAdvice, nil, `input.action == "read"`)

	resp, err := rig.engine.Decide(context.Background(), rig.pep(t), readRequest("res-1"))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeDeny, resp.Outcome)
	assert.Empty(t, resp.MatchedPolicies)
	assert.Contains(t, resp.Reasons, "advice from policy p-advice")
}

func TestDecisionCaching(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.addPolicy(t, "p-permit", "authz.p1", model.EffectPermit, nil, `input.action == "read"`)

	pep := rig.pep(t)
	first, err := rig.engine.Decide(context.Background(), pep, readRequest("res-1"))
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := rig.engine.Decide(context.Background(), pep, readRequest("res-1"))
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Outcome, second.Outcome)

	// cache hits are audited too, marked as served from cache
	assert.Equal(t, 2, rig.stream.count())
	require.NotNil(t, rig.stream.last())
	assert.Equal(t, true, rig.stream.last().Payload["cached"])

	// a different subject misses the cache
	third, err := rig.engine.Decide(context.Background(), pep, &model.DecisionRequest{
		Subject:  map[string]interface{}{"user": "carol"},
		Resource: "res-1", Action: "read",
	})
	require.NoError(t, err)
	assert.False(t, third.Cached)
}

func TestAttributesFlowIntoPolicies(t *testing.T) {
	provider := &stubProvider{attrs: pip.Attributes{"clearance": "high"}}
	rig := newTestRig(t, provider)

	require.NoError(t, rig.store.PIPConnections().Create(context.Background(), &model.PIPConnection{
		ID: "pip-1", TenantID: "t-1", Environment: model.Sandbox,
		Name: "hr", Kind: model.PIPHRIS, Endpoint: "https://hr.example.com",
		TTLSeconds: 300,
	}))

	rig.addPolicy(t, "p-clearance", "authz.p1", model.EffectPermit, nil,
		`input.attributes.clearance == "high"`)

	resp, err := rig.engine.Decide(context.Background(), rig.pep(t), readRequest("res-1"))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomePermit, resp.Outcome)
}

func TestFailPolicyOnAttributeOutage(t *testing.T) {
	provider := &stubProvider{fail: true}
	rig := newTestRig(t, provider)

	require.NoError(t, rig.store.PIPConnections().Create(context.Background(), &model.PIPConnection{
		ID: "pip-1", TenantID: "t-1", Environment: model.Sandbox,
		Name: "hr", Kind: model.PIPHRIS, Endpoint: "https://hr.example.com",
		TTLSeconds: 300,
	}))
	rig.addPolicy(t, "p-permit", "authz.p1", model.EffectPermit, nil, `input.action == "read"`)

	// default fail policy is fail-closed
	resp, err := rig.engine.Decide(context.Background(), rig.pep(t), readRequest("res-1"))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeDeny, resp.Outcome)
	assert.Contains(t, resp.Reasons, "pip_unavailable")

	// fail-open flips the degraded outcome
	require.NoError(t, rig.store.PEPConfigs().PutGlobal(context.Background(), &model.GlobalPEPConfig{
		TenantID: "t-1", PollIntervalSeconds: 30, DecisionLogBatch: 100,
		FailPolicy: model.FailOpen, Posture: model.PostureDenyAll, TLSVerify: true,
	}))

	resp, err = rig.engine.Decide(context.Background(), rig.pep(t), &model.DecisionRequest{
		Subject:  map[string]interface{}{"user": "dave"},
		Resource: "res-1", Action: "read",
	})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomePermit, resp.Outcome)

	// a per-PEP override beats the tenant default
	closed := model.FailClosed
	require.NoError(t, rig.store.PEPConfigs().PutIndividual(context.Background(), &model.IndividualPEPConfig{
		TenantID: "t-1", PEPID: "pep-1", FailPolicy: &closed,
	}))

	resp, err = rig.engine.Decide(context.Background(), rig.pep(t), &model.DecisionRequest{
		Subject:  map[string]interface{}{"user": "dave"},
		Resource: "res-1", Action: "read",
	})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeDeny, resp.Outcome)
}

func TestDegradedOutcomesAreNotCached(t *testing.T) {
	provider := &stubProvider{fail: true}
	rig := newTestRig(t, provider)

	require.NoError(t, rig.store.PIPConnections().Create(context.Background(), &model.PIPConnection{
		ID: "pip-1", TenantID: "t-1", Environment: model.Sandbox,
		Name: "hr", Kind: model.PIPHRIS, Endpoint: "https://hr.example.com",
		TTLSeconds: 300,
	}))
	rig.addPolicy(t, "p-permit", "authz.p1", model.EffectPermit, nil, `input.action == "read"`)

	resp, err := rig.engine.Decide(context.Background(), rig.pep(t), readRequest("res-1"))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeDeny, resp.Outcome)
	assert.True(t, resp.Degraded)

	// once the provider recovers the same request evaluates normally
	provider.fail = false

	resp, err = rig.engine.Decide(context.Background(), rig.pep(t), readRequest("res-1"))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomePermit, resp.Outcome)
	assert.False(t, resp.Cached)
	assert.False(t, resp.Degraded)
}

func TestResolveResource(t *testing.T) {
	resources := []*model.Resource{
		{ID: "res-api", Fingerprints: model.FingerprintRules{{PathPrefix: "/api"}}},
		{ID: "res-web", Fingerprints: model.FingerprintRules{{Host: "www.example.com"}}},
	}

	assert.Equal(t, "res-api", ResolveResource(resources, "any", "/api/users", nil))
	assert.Equal(t, "res-web", ResolveResource(resources, "www.example.com", "/", nil))
	assert.Equal(t, "", ResolveResource(resources, "other", "/health", nil))
}
