//
//  Copyright © Control Core Inc. All rights reserved.
//

package merge

import (
	"reflect"
	"testing"

	"github.com/controlcore/controlplane/pkg/common"
	"github.com/controlcore/controlplane/pkg/core/model"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sidecarPEP() *model.PEP {
	return &model.PEP{
		ID: "pep-1", TenantID: "t-1",
		Environment: model.Sandbox, Mode: model.ModeSidecar,
	}
}

func proxyPEP() *model.PEP {
	return &model.PEP{
		ID: "pep-2", TenantID: "t-1",
		Environment: model.Production, Mode: model.ModeReverseProxy,
	}
}

func TestEffectiveUsesDefaultsWhenUnconfigured(t *testing.T) {
	cfg, err := Effective(nil, nil, sidecarPEP(), "v-abc")
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.Settings[KeyPollInterval])
	assert.Equal(t, string(model.FailClosed), cfg.Settings[KeyFailPolicy])
	assert.Equal(t, "v-abc", cfg.BundleVersion)
	assert.Equal(t, model.ModeSidecar, cfg.Mode)
}

func TestIndividualOverridesWin(t *testing.T) {
	global := DefaultGlobal("t-1")
	global.PollIntervalSeconds = 60

	interval := 15
	failOpen := model.FailOpen
	individual := &model.IndividualPEPConfig{
		PEPID: "pep-1", TenantID: "t-1",
		PollIntervalSeconds: &interval,
		FailPolicy:          &failOpen,
	}

	cfg, err := Effective(global, individual, sidecarPEP(), "v-abc")
	require.NoError(t, err)

	assert.Equal(t, 15, cfg.Settings[KeyPollInterval])
	assert.Equal(t, string(model.FailOpen), cfg.Settings[KeyFailPolicy])
	// untouched keys fall through to the global value
	assert.Equal(t, 100, cfg.Settings[KeyDecisionLogBatch])
}

func TestModeFilteringDropsIrrelevantKeys(t *testing.T) {
	global := DefaultGlobal("t-1")
	global.SidecarPort = 15001
	global.CPULimit = "500m"
	global.DefaultProxyDomain = "proxy.example.com"
	global.ProxyTimeoutMS = 5000

	sidecar, err := Effective(global, nil, sidecarPEP(), "v-1")
	require.NoError(t, err)
	assert.Contains(t, sidecar.Settings, KeySidecarPort)
	assert.NotContains(t, sidecar.Settings, KeyDefaultProxyDomain)
	assert.NotContains(t, sidecar.Settings, KeyProxyTimeoutMS)

	proxy, err := Effective(global, nil, proxyPEP(), "v-1")
	require.NoError(t, err)
	assert.Contains(t, proxy.Settings, KeyDefaultProxyDomain)
	assert.NotContains(t, proxy.Settings, KeySidecarPort)
	assert.NotContains(t, proxy.Settings, KeyCPULimit)

	mcp := sidecarPEP()
	mcp.Mode = model.ModeMCP
	minimal, err := Effective(global, nil, mcp, "v-1")
	require.NoError(t, err)
	for key := range minimal.Settings {
		assert.Contains(t, commonKeys, key)
	}
}

func TestValidationRejectsBadValues(t *testing.T) {
	global := DefaultGlobal("t-1")
	global.PollIntervalSeconds = 5 // below the floor

	_, err := Effective(global, nil, sidecarPEP(), "v-1")
	require.Error(t, err)
	assert.Equal(t, common.KindValidation, common.KindOf(err))

	var cerr *common.Error
	require.ErrorAs(t, err, &cerr)
	require.Len(t, cerr.Fields, 1)
	assert.Equal(t, KeyPollInterval, cerr.Fields[0].Path)
}

func TestValidationCatalogue(t *testing.T) {
	assert.NoError(t, Validate(Settings{KeyCPULimit: "500m"}))
	assert.NoError(t, Validate(Settings{KeyCPULimit: "2"}))
	assert.Error(t, Validate(Settings{KeyCPULimit: "half"}))

	assert.NoError(t, Validate(Settings{KeyMemoryLimit: "256Mi"}))
	assert.NoError(t, Validate(Settings{KeyMemoryLimit: "1Gi"}))
	assert.Error(t, Validate(Settings{KeyMemoryLimit: "256"}))

	assert.NoError(t, Validate(Settings{KeySidecarPort: 15001}))
	assert.Error(t, Validate(Settings{KeySidecarPort: 70000}))

	assert.Error(t, Validate(Settings{"no_such_setting": 1}))
	assert.Error(t, Validate(Settings{KeyTLSMinVersion: "1.0"}))
}

func TestMergeProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	genGlobal := gopter.CombineGens(
		gen.IntRange(10, 300),
		gen.IntRange(1, 10000),
		gen.OneConstOf(string(model.FailClosed), string(model.FailOpen)),
	).Map(func(vals []interface{}) *model.GlobalPEPConfig {
		g := DefaultGlobal("t-1")
		g.PollIntervalSeconds = vals[0].(int)
		g.DecisionLogBatch = vals[1].(int)
		g.FailPolicy = model.FailPolicy(vals[2].(string))
		return g
	})

	genOverride := gen.PtrOf(gen.IntRange(10, 300)).Map(func(p *int) *model.IndividualPEPConfig {
		return &model.IndividualPEPConfig{
			PEPID: "pep-1", TenantID: "t-1",
			PollIntervalSeconds: p,
		}
	})

	properties.Property("merge is deterministic", prop.ForAll(
		func(g *model.GlobalPEPConfig, i *model.IndividualPEPConfig) bool {
			a, err1 := Effective(g, i, sidecarPEP(), "v")
			b, err2 := Effective(g, i, sidecarPEP(), "v")
			if err1 != nil || err2 != nil {
				return false
			}
			return reflect.DeepEqual(a.Settings, b.Settings)
		},
		genGlobal, genOverride,
	))

	properties.Property("override wins exactly when set", prop.ForAll(
		func(g *model.GlobalPEPConfig, i *model.IndividualPEPConfig) bool {
			cfg, err := Effective(g, i, sidecarPEP(), "v")
			if err != nil {
				return false
			}
			want := g.PollIntervalSeconds
			if i.PollIntervalSeconds != nil {
				want = *i.PollIntervalSeconds
			}
			got, _ := asInt(cfg.Settings[KeyPollInterval])
			return got == want
		},
		genGlobal, genOverride,
	))

	properties.TestingRun(t)
}
