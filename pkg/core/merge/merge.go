//
//  Copyright © Control Core Inc. All rights reserved.
//

// Package merge computes the effective configuration served to a polling
// PEP: tenant-wide defaults overlaid with per-PEP overrides, filtered to
// the keys relevant to the PEP's deployment mode, and validated against
// the settings catalogue.
//
// The merge is deterministic and idempotent; serving the same inputs
// twice yields byte-identical settings.
package merge

import (
	"time"

	"dario.cat/mergo"
	"github.com/controlcore/controlplane/pkg/common"
	"github.com/controlcore/controlplane/pkg/core/model"
)

// Settings is the flat key/value form of a PEP configuration.
type Settings map[string]interface{}

// Setting keys.  The catalogue in validate.go is keyed by these.
const (
	KeyPollInterval     = "poll_interval_seconds"
	KeyDecisionLogBatch = "decision_log_batch"
	KeyFailPolicy       = "fail_policy"
	KeyPosture          = "posture"
	KeyTLSVerify        = "tls_verify"
	KeyTLSMinVersion    = "tls_min_version"

	KeyUpstreamURL        = "upstream_url"
	KeyPublicURL          = "public_url"
	KeyDefaultProxyDomain = "default_proxy_domain"
	KeyProxyTimeoutMS     = "proxy_timeout_ms"

	KeySidecarPort   = "sidecar_port"
	KeyTrafficMode   = "traffic_mode"
	KeyInjectionMode = "injection_mode"
	KeyCPULimit      = "cpu_limit"
	KeyMemoryLimit   = "memory_limit"
)

var commonKeys = []string{
	KeyPollInterval, KeyDecisionLogBatch, KeyFailPolicy, KeyPosture,
	KeyTLSVerify, KeyTLSMinVersion,
}

var modeKeys = map[model.DeploymentMode][]string{
	model.ModeReverseProxy: {KeyUpstreamURL, KeyPublicURL, KeyDefaultProxyDomain, KeyProxyTimeoutMS},
	model.ModeSidecar:      {KeySidecarPort, KeyTrafficMode, KeyInjectionMode, KeyCPULimit, KeyMemoryLimit},
	model.ModeMCP:          {},
}

// DefaultGlobal returns the tenant defaults applied before any operator
// has saved a global config.
func DefaultGlobal(tenantID string) *model.GlobalPEPConfig {
	return &model.GlobalPEPConfig{
		TenantID:            tenantID,
		PollIntervalSeconds: 30,
		DecisionLogBatch:    100,
		FailPolicy:          model.FailClosed,
		Posture:             model.PostureDenyAll,
		TLSVerify:           true,
		TLSMinVersion:       "1.2",
	}
}

// Effective merges global defaults with per-PEP overrides for the given
// PEP and validates the result.  Either config may be nil.
func Effective(global *model.GlobalPEPConfig, individual *model.IndividualPEPConfig, pep *model.PEP, bundleVersion string) (*model.EffectiveConfig, error) {
	if global == nil {
		global = DefaultGlobal(pep.TenantID)
	}

	merged := globalSettings(global)
	if individual != nil {
		if err := mergo.Merge(&merged, overrideSettings(individual), mergo.WithOverride); err != nil {
			return nil, common.WrapError(common.KindInternal, "merging pep config", err)
		}
	}

	filtered := filterForMode(merged, pep.Mode)
	if err := Validate(filtered); err != nil {
		return nil, err
	}

	return &model.EffectiveConfig{
		PEPID:         pep.ID,
		Environment:   pep.Environment,
		Mode:          pep.Mode,
		BundleVersion: bundleVersion,
		Settings:      model.JSONMap(filtered),
		ComputedAt:    time.Now().UTC(),
	}, nil
}

// globalSettings flattens the tenant defaults.  Every common key is
// always present; mode-specific keys are present only when set, so an
// override never has to fight a zero value.
func globalSettings(g *model.GlobalPEPConfig) Settings {
	s := Settings{
		KeyPollInterval:     g.PollIntervalSeconds,
		KeyDecisionLogBatch: g.DecisionLogBatch,
		KeyFailPolicy:       string(g.FailPolicy),
		KeyPosture:          string(g.Posture),
		KeyTLSVerify:        g.TLSVerify,
		KeyTLSMinVersion:    g.TLSMinVersion,
	}
	if g.DefaultProxyDomain != "" {
		s[KeyDefaultProxyDomain] = g.DefaultProxyDomain
	}
	if g.ProxyTimeoutMS != 0 {
		s[KeyProxyTimeoutMS] = g.ProxyTimeoutMS
	}
	if g.SidecarPort != 0 {
		s[KeySidecarPort] = g.SidecarPort
	}
	if g.TrafficMode != "" {
		s[KeyTrafficMode] = g.TrafficMode
	}
	if g.InjectionMode != "" {
		s[KeyInjectionMode] = g.InjectionMode
	}
	if g.CPULimit != "" {
		s[KeyCPULimit] = g.CPULimit
	}
	if g.MemoryLimit != "" {
		s[KeyMemoryLimit] = g.MemoryLimit
	}
	return s
}

// overrideSettings flattens the per-PEP overrides; nil fields are absent
// and fall through to the global value.
func overrideSettings(i *model.IndividualPEPConfig) Settings {
	s := Settings{}
	if i.PollIntervalSeconds != nil {
		s[KeyPollInterval] = *i.PollIntervalSeconds
	}
	if i.DecisionLogBatch != nil {
		s[KeyDecisionLogBatch] = *i.DecisionLogBatch
	}
	if i.FailPolicy != nil {
		s[KeyFailPolicy] = string(*i.FailPolicy)
	}
	if i.Posture != nil {
		s[KeyPosture] = string(*i.Posture)
	}
	if i.TLSVerify != nil {
		s[KeyTLSVerify] = *i.TLSVerify
	}
	if i.TLSMinVersion != nil {
		s[KeyTLSMinVersion] = *i.TLSMinVersion
	}
	if i.UpstreamURL != nil {
		s[KeyUpstreamURL] = *i.UpstreamURL
	}
	if i.PublicURL != nil {
		s[KeyPublicURL] = *i.PublicURL
	}
	if i.DefaultProxyDomain != nil {
		s[KeyDefaultProxyDomain] = *i.DefaultProxyDomain
	}
	if i.ProxyTimeoutMS != nil {
		s[KeyProxyTimeoutMS] = *i.ProxyTimeoutMS
	}
	if i.SidecarPort != nil {
		s[KeySidecarPort] = *i.SidecarPort
	}
	if i.TrafficMode != nil {
		s[KeyTrafficMode] = *i.TrafficMode
	}
	if i.InjectionMode != nil {
		s[KeyInjectionMode] = *i.InjectionMode
	}
	if i.CPULimit != nil {
		s[KeyCPULimit] = *i.CPULimit
	}
	if i.MemoryLimit != nil {
		s[KeyMemoryLimit] = *i.MemoryLimit
	}
	return s
}

// filterForMode drops every key that does not apply to the deployment
// mode.  A reverse-proxy PEP never sees sidecar resource limits and vice
// versa.
func filterForMode(s Settings, mode model.DeploymentMode) Settings {
	allowed := make(map[string]struct{}, len(commonKeys)+8)
	for _, k := range commonKeys {
		allowed[k] = struct{}{}
	}
	for _, k := range modeKeys[mode] {
		allowed[k] = struct{}{}
	}

	out := Settings{}
	for k, v := range s {
		if _, ok := allowed[k]; ok {
			out[k] = v
		}
	}
	return out
}
