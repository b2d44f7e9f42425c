//
//  Copyright © Control Core Inc. All rights reserved.
//

// Package decision implements the authorization decision engine.
//
// A decision evaluates every eligible policy targeting the resource and
// combines the matches deny-overrides: any matching deny policy denies,
// otherwise any matching permit policy permits, otherwise the tenant's
// default posture applies.  Advice policies never influence the outcome;
// they only attach reasons.
//
// Holders of the system admin capability bypass evaluation entirely; the
// bypass is recorded under a reserved policy identifier so audits can
// distinguish it from an evaluated permit.
package decision

import (
	"context"
	"fmt"
	"time"

	"github.com/controlcore/controlplane/internal/logging"
	"github.com/controlcore/controlplane/pkg/common"
	"github.com/controlcore/controlplane/pkg/core/audit"
	"github.com/controlcore/controlplane/pkg/core/config"
	"github.com/controlcore/controlplane/pkg/core/merge"
	"github.com/controlcore/controlplane/pkg/core/model"
	"github.com/controlcore/controlplane/pkg/core/opa"
	"github.com/controlcore/controlplane/pkg/core/pip"
	"github.com/controlcore/controlplane/pkg/core/store"
)

var logger = logging.GetLogger("controlplane.decision")

const agent = "decision"

// AdminBypassPolicyID is the reserved policy identifier recorded when a
// system administrator bypasses evaluation.  No tenant policy may use it.
const AdminBypassPolicyID = "policy.builtin.admin-bypass"

// Engine evaluates decision requests for PEPs.
type Engine struct {
	store    store.Store
	compiler *opa.Compiler
	pips     *pip.Cache
	recorder *audit.Recorder
	cache    *decisionCache

	asts *astCache
}

// NewEngine creates an Engine.  The audit stream receives one decision
// entry per request served, cache hits included.
func NewEngine(s store.Store, compiler *opa.Compiler, pips *pip.Cache, stream audit.Stream) *Engine {
	ttl := config.VConfig.GetDuration(config.DecisionCacheTTL)
	return &Engine{
		store:    s,
		compiler: compiler,
		pips:     pips,
		recorder: audit.NewRecorder("decision-engine", stream),
		cache:    newDecisionCache(ttl),
		asts:     newAstCache(compiler),
	}
}

// Decide evaluates one request on behalf of the given PEP.
func (e *Engine) Decide(ctx context.Context, pep *model.PEP, req *model.DecisionRequest) (*model.DecisionResponse, error) {
	started := time.Now()

	bundleVersion := ""
	if latest, err := e.store.Bundles().Latest(ctx, pep.TenantID, pep.ID); err == nil {
		bundleVersion = latest.Version
	}

	key, err := keyFor(bundleVersion, req)
	if err != nil {
		return nil, common.WrapError(common.KindValidation, "hashing decision request", err)
	}
	if cached, ok := e.cache.get(key); ok {
		cached.Cached = true
		e.record(pep, req, &cached, time.Since(started))
		return &cached, nil
	}

	response, err := e.evaluate(ctx, pep, req, bundleVersion)
	if err != nil {
		return nil, err
	}
	response.BundleVersion = bundleVersion

	// degraded fallback outcomes must not outlive the outage
	if !response.Degraded {
		e.cache.put(key, *response)
	}
	e.record(pep, req, response, time.Since(started))
	return response, nil
}

func (e *Engine) evaluate(ctx context.Context, pep *model.PEP, req *model.DecisionRequest, bundleVersion string) (*model.DecisionResponse, error) {
	if isAdmin(req.Subject) {
		return &model.DecisionResponse{
			Outcome:         model.OutcomePermit,
			Reasons:         []string{"system administrator bypass"},
			MatchedPolicies: []string{AdminBypassPolicyID},
		}, nil
	}

	tenant, err := e.store.Tenants().Get(ctx, pep.TenantID)
	if err != nil {
		return nil, err
	}

	policies, err := e.policiesFor(ctx, pep.TenantID, pep.Environment, req.Resource)
	if err != nil {
		return nil, err
	}

	input := map[string]interface{}{
		"subject":  req.Subject,
		"resource": req.Resource,
		"action":   req.Action,
		"context":  req.Context,
	}

	attrs, stale, err := e.pips.Collect(ctx, pep.TenantID, pep.Environment)
	if err != nil {
		// attributes unavailable entirely; the fail policy decides
		return e.failDecision(ctx, pep, "pip_unavailable", err)
	}
	input["attributes"] = map[string]interface{}(attrs)

	var (
		denied    bool
		permitted bool
		matched   []string
		reasons   []string
	)
	if stale {
		reasons = append(reasons, "attribute data is stale")
	}

	for _, policy := range policies {
		allow, err := e.evaluatePolicy(ctx, policy, input)
		if err != nil {
			logger.Errorf(agent, "Decide", "policy %s evaluation failed: %+v", policy.ID, err)
			return e.failDecision(ctx, pep, "evaluation_failed", err)
		}
		if !allow {
			continue
		}

		switch policy.Effect {
		case model.EffectDeny:
			denied = true
			matched = append(matched, policy.ID)
			reasons = append(reasons, fmt.Sprintf("denied by policy %s", policy.Name))
		case model.EffectPermit:
			permitted = true
			matched = append(matched, policy.ID)
			reasons = append(reasons, fmt.Sprintf("permitted by policy %s", policy.Name))
		case model.EffectAdvice:
			reasons = append(reasons, fmt.Sprintf("advice from policy %s", policy.Name))
		}
	}

	outcome := model.OutcomeDeny
	switch {
	case denied:
		outcome = model.OutcomeDeny
	case permitted:
		outcome = model.OutcomePermit
	default:
		// no policy matched; the tenant posture decides
		if tenant.Posture == model.PostureAllowAll {
			outcome = model.OutcomePermit
		}
		reasons = append(reasons, fmt.Sprintf("no policy matched, posture %s applied", tenant.Posture))
	}

	return &model.DecisionResponse{
		Outcome:         outcome,
		Reasons:         reasons,
		MatchedPolicies: matched,
	}, nil
}

// policiesFor returns the eligible policies targeting the resource,
// including untargeted policies which apply to every resource.
func (e *Engine) policiesFor(ctx context.Context, tenantID string, env model.Environment, resource string) ([]*model.Policy, error) {
	eligible, err := e.store.Policies().ListEligible(ctx, tenantID, env)
	if err != nil {
		return nil, err
	}

	var policies []*model.Policy
	for _, p := range eligible {
		if len(p.Resources) == 0 || p.Resources.Contains(resource) {
			policies = append(policies, p)
		}
	}
	return policies, nil
}

func (e *Engine) evaluatePolicy(ctx context.Context, policy *model.Policy, input map[string]interface{}) (bool, error) {
	ast, pkg, err := e.asts.get(policy)
	if err != nil {
		return false, err
	}
	return ast.EvaluateBool(ctx, pkg+".allow", input)
}

// failDecision applies the PEP's fail policy when evaluation cannot
// complete: fail-open permits, fail-closed denies.  The per-PEP override
// wins over the tenant default, matching the merge precedence.
func (e *Engine) failDecision(ctx context.Context, pep *model.PEP, reason string, cause error) (*model.DecisionResponse, error) {
	failPolicy := merge.DefaultGlobal(pep.TenantID).FailPolicy
	if global, err := e.store.PEPConfigs().GetGlobal(ctx, pep.TenantID); err == nil {
		failPolicy = global.FailPolicy
	}
	if individual, err := e.store.PEPConfigs().GetIndividual(ctx, pep.TenantID, pep.ID); err == nil && individual.FailPolicy != nil {
		failPolicy = *individual.FailPolicy
	}

	outcome := model.OutcomeDeny
	if failPolicy == model.FailOpen {
		outcome = model.OutcomePermit
	}

	logger.Warnf(agent, "Decide", "evaluation degraded for pep %s, applying %s: %+v", pep.ID, failPolicy, cause)
	return &model.DecisionResponse{
		Outcome:  outcome,
		Reasons:  []string{reason, fmt.Sprintf("evaluation unavailable, %s applied", failPolicy)},
		Degraded: true,
	}, nil
}

func (e *Engine) record(pep *model.PEP, req *model.DecisionRequest, resp *model.DecisionResponse, latency time.Duration) {
	payload, err := common.ToJSONMap(&model.DecisionRecord{
		PEPID:           pep.ID,
		Environment:     pep.Environment,
		Subject:         req.Subject,
		Resource:        req.Resource,
		Action:          req.Action,
		Context:         req.Context,
		BundleVersion:   resp.BundleVersion,
		Outcome:         resp.Outcome,
		Reasons:         resp.Reasons,
		MatchedPolicies: resp.MatchedPolicies,
		Cached:          resp.Cached,
		LatencyMicros:   latency.Microseconds(),
	})
	if err != nil {
		logger.Errorf(agent, "record", "failed encoding decision record: %+v", err)
		return
	}

	err = e.recorder.Record(&model.AuditEntry{
		TenantID:    pep.TenantID,
		Environment: pep.Environment,
		Type:        model.AuditDecision,
		Actor:       pep.ID,
		Payload:     model.JSONMap(payload),
	})
	if err != nil {
		logger.Errorf(agent, "record", "failed recording decision: %+v", err)
	}
}

// FailSafe returns the outcome mandated by the PEP's fail policy when a
// decision cannot be produced at all.  Transport layers use it so a PEP
// never sees an internal error in place of an outcome.
func (e *Engine) FailSafe(ctx context.Context, pep *model.PEP, cause error) *model.DecisionResponse {
	resp, _ := e.failDecision(ctx, pep, "engine_unavailable", cause)
	return resp
}

// ResolveResource maps observed traffic onto a resource id via the
// fingerprint rules.  Returns empty when nothing matches.
func ResolveResource(resources []*model.Resource, host, path string, headers map[string]string) string {
	for _, r := range resources {
		if r.Fingerprints.Matches(host, path, headers) {
			return r.ID
		}
	}
	return ""
}

func isAdmin(subject map[string]interface{}) bool {
	caps, ok := subject["capabilities"]
	if !ok {
		return false
	}
	switch list := caps.(type) {
	case []string:
		for _, c := range list {
			if c == model.CapSystemAdmin {
				return true
			}
		}
	case []interface{}:
		for _, c := range list {
			if s, ok := c.(string); ok && s == model.CapSystemAdmin {
				return true
			}
		}
	}
	return false
}
