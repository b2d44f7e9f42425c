//
//  Copyright © Control Core Inc. All rights reserved.
//

package config_test

import (
	"testing"

	"github.com/controlcore/controlplane/pkg/core/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	config.ResetConfig()
	require.NotNil(t, config.VConfig)

	assert.Equal(t, "sqlite3", config.VConfig.GetString(config.DatabaseDriver))
	assert.Equal(t, 8484, config.VConfig.GetInt(config.ServerPort))
	assert.Equal(t, 256, config.VConfig.GetInt(config.AuditBatchSize))
	assert.Equal(t, "http.send", config.VConfig.GetString(config.UnsafeBuiltIns))
	assert.Equal(t, "30s", config.VConfig.GetString(config.DecisionCacheTTL))
	assert.Equal(t, 90, config.VConfig.GetInt(config.AuditRetentionDays))
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("CC_DATABASE_DRIVER", "postgres")
	t.Setenv("CC_BUILDER_WORKERS", "8")
	config.ResetConfig()

	assert.Equal(t, "postgres", config.VConfig.GetString(config.DatabaseDriver))
	assert.Equal(t, 8, config.VConfig.GetInt(config.BuilderWorkers))
}

func TestLoadIsIdempotent(t *testing.T) {
	config.ResetConfig()
	assert.NoError(t, config.Load())
	assert.NoError(t, config.Load())
}
