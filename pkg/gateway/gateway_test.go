//
//  Copyright © Control Core Inc. All rights reserved.
//

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/controlcore/controlplane/pkg/core/audit"
	"github.com/controlcore/controlplane/pkg/core/bundle"
	"github.com/controlcore/controlplane/pkg/core/config"
	"github.com/controlcore/controlplane/pkg/core/decision"
	"github.com/controlcore/controlplane/pkg/core/gitsync"
	"github.com/controlcore/controlplane/pkg/core/lifecycle"
	"github.com/controlcore/controlplane/pkg/core/model"
	"github.com/controlcore/controlplane/pkg/core/opa"
	"github.com/controlcore/controlplane/pkg/core/pep"
	"github.com/controlcore/controlplane/pkg/core/pip"
	"github.com/controlcore/controlplane/pkg/core/store/sqldb"
	"github.com/controlcore/controlplane/pkg/core/vault"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "gateway-test-secret"
	testIssuer = "controlcore-test"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	config.ResetConfig()
	config.VConfig.Set(config.AuthSecret, testSecret)
	config.VConfig.Set(config.AuthIssuer, testIssuer)

	ctx := context.Background()
	s, err := sqldb.New(ctx, sqldb.Options{Driver: "sqlite3", Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	for _, id := range []string{"t-1", "t-2"} {
		require.NoError(t, s.Tenants().Create(ctx, &model.Tenant{
			ID: id, Name: id, Posture: model.PostureDenyAll,
		}))
	}

	stream, err := audit.NewNullFactory().NewStream()
	require.NoError(t, err)

	v, err := vault.NewWithKey(s.Credentials(), make([]byte, 32))
	require.NoError(t, err)

	compiler := opa.NewCompiler()
	storage := bundle.NewStorage(t.TempDir())
	pool := bundle.NewPool(bundle.NewBuilder(s, storage, compiler))
	pool.Start(ctx)
	t.Cleanup(pool.Stop)

	pips := pip.NewCache(s, v, pip.NewHTTPProvider())

	return New(Options{
		Store:       s,
		Lifecycle:   lifecycle.NewManager(s, compiler, pool, stream),
		Coordinator: pep.NewCoordinator(s, storage, stream),
		PIPs:        pips,
		Engine:      decision.NewEngine(s, compiler, pips, stream),
		Vault:       v,
		Git:         gitsync.NewSynchronizer(s, v, compiler),
		Rebuilds:    pool,
		AuditStream: stream,
	})
}

func signToken(t *testing.T, tenantID string, caps ...string) string {
	t.Helper()
	claims := operatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops@" + tenantID,
			Issuer:    testIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID:     tenantID,
		Capabilities: caps,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func doJSON(t *testing.T, srv *Server, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func permitSource(pkg string) string {
	return fmt.Sprintf("package %s\n\ndefault allow = false\n\nallow {\n    input.action == \"read\"\n}\n", pkg)
}

func TestHealthzIsPublic(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/policies", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/policies", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// tokens signed with the wrong secret are rejected
	claims := operatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: "t-1",
	}
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("wrong"))
	require.NoError(t, err)
	rec = doJSON(t, srv, http.MethodGet, "/policies", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPolicyLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	author := signToken(t, "t-1", string(model.CapPolicyWrite))
	releaser := signToken(t, "t-1", string(model.CapPolicyWrite), string(model.CapProductionWrite))

	rec := doJSON(t, srv, http.MethodPost, "/policies", author, model.Policy{
		Name:   "allow reads",
		Source: permitSource("readers"),
		Effect: model.EffectPermit,
		Folder: model.FolderEnabled,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created model.Policy
	decode(t, rec, &created)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, model.Sandbox, created.Environment)
	assert.Equal(t, "t-1", rec.Header().Get("X-Tenant-ID"))

	rec = doJSON(t, srv, http.MethodGet, "/policies/"+created.ID, author, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// promotion needs the production capability
	rec = doJSON(t, srv, http.MethodPost, "/policies/"+created.ID+"/promote", author, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	var body errorBody
	decode(t, rec, &body)
	assert.Equal(t, "production_locked", string(body.Kind))

	rec = doJSON(t, srv, http.MethodPost, "/policies/"+created.ID+"/promote", releaser, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var promoted model.Policy
	decode(t, rec, &promoted)
	assert.Equal(t, model.Production, promoted.Environment)
	assert.Equal(t, created.ID, promoted.AncestorID)

	// a second promotion of the same sandbox policy conflicts
	rec = doJSON(t, srv, http.MethodPost, "/policies/"+created.ID+"/promote", releaser, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestValidationErrorsCarryFields(t *testing.T) {
	srv := newTestServer(t)
	author := signToken(t, "t-1", string(model.CapPolicyWrite))

	rec := doJSON(t, srv, http.MethodPost, "/policies", author, model.Policy{Name: ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body errorBody
	decode(t, rec, &body)
	assert.Equal(t, "validation", string(body.Kind))
	assert.NotEmpty(t, body.Fields)
}

func TestTenantIsolation(t *testing.T) {
	srv := newTestServer(t)
	owner := signToken(t, "t-1", string(model.CapPolicyWrite))
	outsider := signToken(t, "t-2", string(model.CapPolicyWrite))

	rec := doJSON(t, srv, http.MethodPost, "/policies", owner, model.Policy{
		Name:   "private",
		Source: permitSource("private"),
		Effect: model.EffectPermit,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created model.Policy
	decode(t, rec, &created)

	// another tenant cannot see the row at all
	rec = doJSON(t, srv, http.MethodGet, "/policies/"+created.ID, outsider, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/policies", outsider, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []model.Policy
	decode(t, rec, &listed)
	assert.Empty(t, listed)
}

func TestPEPContractOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	operator := signToken(t, "t-1", string(model.CapPolicyWrite), string(model.CapSettingsWrite))

	rec := doJSON(t, srv, http.MethodPost, "/peps/register", operator, pep.RegisterRequest{
		Environment: model.Sandbox,
		Mode:        model.ModeSidecar,
		Name:        "edge-1",
		ExternalID:  "node-a",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var registered registerResponse
	decode(t, rec, &registered)
	require.NotEmpty(t, registered.Token)
	pepID := registered.PEP.ID

	// re-registration is idempotent and never re-issues the token
	rec = doJSON(t, srv, http.MethodPost, "/peps/register", operator, pep.RegisterRequest{
		Environment: model.Sandbox,
		Mode:        model.ModeSidecar,
		Name:        "edge-1",
		ExternalID:  "node-a",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	var again registerResponse
	decode(t, rec, &again)
	assert.Empty(t, again.Token)

	pepHeaders := func(req *http.Request) {
		req.Header.Set(headerTenant, "t-1")
		req.Header.Set("Authorization", "Bearer "+registered.Token)
	}

	// heartbeat with the registration token
	req := httptest.NewRequest(http.MethodPost, "/peps/"+pepID+"/heartbeat",
		bytes.NewBufferString(`{"version":"1.4.2"}`))
	req.Header.Set("Content-Type", "application/json")
	pepHeaders(req)
	hb := httptest.NewRecorder()
	srv.Handler().ServeHTTP(hb, req)
	assert.Equal(t, http.StatusNoContent, hb.Code, hb.Body.String())

	// a wrong token is rejected
	req = httptest.NewRequest(http.MethodPost, "/peps/"+pepID+"/heartbeat",
		bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerTenant, "t-1")
	req.Header.Set("Authorization", "Bearer bogus")
	hb = httptest.NewRecorder()
	srv.Handler().ServeHTTP(hb, req)
	assert.Equal(t, http.StatusUnauthorized, hb.Code)

	// effective config carries the merged defaults and a version ETag
	req = httptest.NewRequest(http.MethodGet, "/pep-config/effective/"+pepID, nil)
	pepHeaders(req)
	cfgRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(cfgRec, req)
	require.Equal(t, http.StatusOK, cfgRec.Code, cfgRec.Body.String())

	var cfg struct {
		Settings map[string]interface{} `json:"settings"`
	}
	require.NoError(t, json.Unmarshal(cfgRec.Body.Bytes(), &cfg))
	assert.EqualValues(t, 30, cfg.Settings["poll_interval_seconds"])

	// no bundle has been published yet
	req = httptest.NewRequest(http.MethodGet, "/pep-config/effective/"+pepID+"/bundle", nil)
	pepHeaders(req)
	bRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(bRec, req)
	assert.Equal(t, http.StatusNotFound, bRec.Code)
}

func TestDecisionsNeverReturnServerErrors(t *testing.T) {
	srv := newTestServer(t)
	operator := signToken(t, "t-1", string(model.CapPolicyWrite))

	rec := doJSON(t, srv, http.MethodPost, "/peps/register", operator, pep.RegisterRequest{
		Environment: model.Sandbox,
		Mode:        model.ModeSidecar,
		Name:        "edge-1",
		ExternalID:  "node-a",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var registered registerResponse
	decode(t, rec, &registered)

	body, err := json.Marshal(model.DecisionRequest{
		Subject:  map[string]interface{}{"id": "alice"},
		Resource: "res-1",
		Action:   "read",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/decisions", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerTenant, "t-1")
	req.Header.Set(headerPEP, registered.PEP.ID)
	req.Header.Set("Authorization", "Bearer "+registered.Token)
	dRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(dRec, req)

	// deny-all posture with no matching policies still yields an outcome
	require.Equal(t, http.StatusOK, dRec.Code, dRec.Body.String())
	var resp model.DecisionResponse
	require.NoError(t, json.Unmarshal(dRec.Body.Bytes(), &resp))
	assert.Equal(t, model.OutcomeDeny, resp.Outcome)
}

func TestRebuildIsAsynchronous(t *testing.T) {
	srv := newTestServer(t)
	author := signToken(t, "t-1", string(model.CapPolicyWrite))

	rec := doJSON(t, srv, http.MethodPost, "/bundles/rebuild", author, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "/bundles/status?environment=sandbox", rec.Header().Get("Location"))
}

func TestResourceChangesTriggerRebuild(t *testing.T) {
	srv := newTestServer(t)
	operator := signToken(t, "t-1", string(model.CapPolicyWrite), string(model.CapSettingsWrite))

	rec := doJSON(t, srv, http.MethodPost, "/peps/register", operator, pep.RegisterRequest{
		Environment: model.Sandbox,
		Mode:        model.ModeSidecar,
		Name:        "edge-1",
		ExternalID:  "node-a",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var registered registerResponse
	decode(t, rec, &registered)
	pepID := registered.PEP.ID

	rec = doJSON(t, srv, http.MethodPost, "/resources", operator, model.Resource{
		Name:         "customer-api",
		OriginalHost: "api.internal",
		Fingerprints: model.FingerprintRules{{PathPrefix: "/api"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resource model.Resource
	decode(t, rec, &resource)

	fetchBundle := func() int {
		req := httptest.NewRequest(http.MethodGet, "/pep-config/effective/"+pepID+"/bundle", nil)
		req.Header.Set(headerTenant, "t-1")
		req.Header.Set("Authorization", "Bearer "+registered.Token)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec.Code
	}
	require.Equal(t, http.StatusNotFound, fetchBundle())

	resource.Fingerprints = model.FingerprintRules{{PathPrefix: "/api/v2"}}
	rec = doJSON(t, srv, http.MethodPut, "/resources/"+resource.ID, operator, resource)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// the fingerprint change republishes the PEP's bundle
	assert.Eventually(t, func() bool { return fetchBundle() == http.StatusOK },
		2*time.Second, 20*time.Millisecond)
}

func TestCredentialsAreNeverEchoed(t *testing.T) {
	srv := newTestServer(t)
	admin := signToken(t, "t-1", string(model.CapSettingsWrite))

	rec := doJSON(t, srv, http.MethodPost, "/settings/credentials", admin,
		map[string]string{"secret": "hunter2"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp credentialResponse
	decode(t, rec, &resp)
	assert.NotEmpty(t, resp.VaultID)
	assert.Equal(t, model.MaskedSecret, resp.Secret)
	assert.NotContains(t, rec.Body.String(), "hunter2")

	rec = doJSON(t, srv, http.MethodDelete, "/settings/credentials/"+resp.VaultID, admin, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// settings writes require the settings capability
	author := signToken(t, "t-1", string(model.CapPolicyWrite))
	rec = doJSON(t, srv, http.MethodPost, "/settings/credentials", author,
		map[string]string{"secret": "hunter2"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestNotificationRules(t *testing.T) {
	srv := newTestServer(t)
	author := signToken(t, "t-1", string(model.CapPolicyWrite))

	rec := doJSON(t, srv, http.MethodPost, "/settings/notifications", author, model.NotificationRule{
		Event:   "pep.unhealthy",
		Channel: "webhook",
		Target:  "https://hooks.example.com/ops",
		Enabled: true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var rule model.NotificationRule
	decode(t, rec, &rule)
	assert.NotEmpty(t, rule.ID)
	assert.Equal(t, model.Sandbox, rule.Environment)

	rule.Target = "https://hooks.example.com/oncall"
	rec = doJSON(t, srv, http.MethodPut, "/settings/notifications/"+rule.ID, author, rule)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/settings/notifications/"+rule.ID, author, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got model.NotificationRule
	decode(t, rec, &got)
	assert.Equal(t, "https://hooks.example.com/oncall", got.Target)

	// channel secrets are only ever rendered masked
	rec = doJSON(t, srv, http.MethodGet, "/settings/notifications/credentials", author, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), model.MaskedSecret)

	rec = doJSON(t, srv, http.MethodDelete, "/settings/notifications/"+rule.ID, author, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRateLimitPerTenant(t *testing.T) {
	srv := newTestServer(t)

	// shrink the bucket so two requests exhaust it
	srv.limiter.rps = 0.001
	srv.limiter.burst = 2
	limited := signToken(t, "t-1", string(model.CapPolicyWrite))
	other := signToken(t, "t-2", string(model.CapPolicyWrite))

	assert.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodGet, "/policies", limited, nil).Code)
	assert.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodGet, "/policies", limited, nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, doJSON(t, srv, http.MethodGet, "/policies", limited, nil).Code)

	// buckets are per tenant
	assert.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodGet, "/policies", other, nil).Code)
}
