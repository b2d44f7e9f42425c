//
//  Copyright © Control Core Inc. All rights reserved.
//

// Package config provides configuration management for the control plane
// using [Viper] for flexible configuration sources.
//
// Configuration can be provided via:
//   - YAML configuration files
//   - Environment variables with the CC_ prefix
//   - Programmatic defaults
//
// # Configuration File
//
// By default, the control plane looks for cc-config.yaml in the current
// directory.  Override the location using environment variables:
//
//	CC_CONFIG_PATH=/etc/controlcore
//	CC_CONFIG_FILENAME=production-config
//
// Example configuration file:
//
//	log:
//	  level: ".:info"
//	database:
//	  driver: postgres
//	  url: postgres://cc:secret@db:5432/controlcore?sslmode=require
//	vault:
//	  masterkey: <base64 32-byte key>
//	bundles:
//	  dir: /var/lib/controlcore/bundles
//
// # Environment Variables
//
// All configuration keys can be set via environment variables with the CC_
// prefix.  Dots in key names become underscores:
//
//	CC_LOG_LEVEL=.:debug
//	CC_DATABASE_DRIVER=sqlite3
//	CC_SERVER_PORT=8484
//
// [Viper]: https://github.com/spf13/viper
package config

import (
	"errors"
	"os"
	"strings"
	"sync"

	"github.com/controlcore/controlplane/internal/logging"
	"github.com/spf13/viper"
)

// Environment variable and default path constants for configuration loading.
const (
	// EnvVarPrefix is the prefix for all control plane environment variables.
	// For example, the key "log.level" becomes CC_LOG_LEVEL.
	EnvVarPrefix string = "CC"

	// ConfigPathEnv is the environment variable that specifies the directory
	// containing the configuration file.
	ConfigPathEnv string = "CC_CONFIG_PATH"

	// ConfigFileNameEnv is the environment variable that specifies the
	// configuration file name (without extension).
	ConfigFileNameEnv string = "CC_CONFIG_FILENAME"

	// ConfigDefaultPath is the default directory to search for config files.
	ConfigDefaultPath string = "."

	// ConfigDefaultFilename is the default configuration file name (without extension).
	ConfigDefaultFilename string = "cc-config"
)

// Configuration key constants for use with [VConfig].
const (
	logLevel string = "log.level"

	// ServerPort is the TCP port the HTTP gateway listens on.
	ServerPort string = "server.port"

	// DatabaseDriver selects the relational store driver, one of
	// "sqlite3" or "postgres".
	DatabaseDriver string = "database.driver"

	// DatabaseURL is the postgres connection URL.  Ignored for sqlite3.
	DatabaseURL string = "database.url"

	// DatabasePath is the sqlite3 database file path.  Ignored for postgres.
	DatabasePath string = "database.path"

	// VaultMasterKey is the base64-encoded 32-byte master key under which
	// per-tenant data keys are wrapped.  Held by the deployment operator;
	// never persisted by the control plane.
	VaultMasterKey string = "vault.masterkey"

	// AuthSecret is the HMAC secret used to verify operator bearer tokens.
	AuthSecret string = "auth.secret"

	// AuthIssuer is the expected issuer claim on operator bearer tokens.
	AuthIssuer string = "auth.issuer"

	// AuditRetentionDays controls how long tombstoned rows and audit
	// entries are retained before maintenance may purge them.
	AuditRetentionDays string = "audit.retention.days"

	// AuditBatchSize bounds the number of audit entries flushed to the
	// store in a single batch.
	AuditBatchSize string = "audit.batch.size"

	// PIPCacheSize bounds the number of attribute entries held by the
	// PIP cache before cold entries are evicted.
	PIPCacheSize string = "pip.cache.size"

	// BuilderWorkers sizes the bundle builder worker pool.
	BuilderWorkers string = "builder.workers"

	// BundlesDir is the directory where published bundle artifacts are
	// stored, addressed by content hash.
	BundlesDir string = "bundles.dir"

	// DecisionCacheTTL is the lifetime of cached decisions, e.g. "30s".
	DecisionCacheTTL string = "decision.cache.ttl"

	// RateLimitRPS and RateLimitBurst shape the per-tenant token bucket
	// applied by the gateway.
	RateLimitRPS   string = "ratelimit.rps"
	RateLimitBurst string = "ratelimit.burst"

	// UnsafeBuiltIns is a comma-separated list of Rego built-in function
	// names removed from policy capabilities.  Prevents tenant policies
	// from using functions like http.send.
	UnsafeBuiltIns string = "opa.unsafebuiltins"

	// PEPStaleThreshold is the duration after which a PEP that has not
	// polled is marked unhealthy, e.g. "5m".
	PEPStaleThreshold string = "pep.stalethreshold"

	// GitSyncInterval is the default auto-pull interval for tenant Git
	// repositories, e.g. "5m".  Tenants may override per repo config.
	GitSyncInterval string = "gitsync.interval"
)

var (
	once     sync.Once
	loadOnce sync.Once
	loadErr  error

	// VConfig is the global Viper configuration instance for the control plane.
	//
	// Use the configuration key constants ([DatabaseDriver], [BundlesDir],
	// etc.) to access specific settings:
	//
	//	dir := config.VConfig.GetString(config.BundlesDir)
	//
	// VConfig is initialized automatically when [Load] or [Init] is called.
	VConfig *viper.Viper
	logger  = logging.GetLogger("controlplane.config")
)

// Init initializes the configuration system without loading config files.
//
// Init sets up Viper with configuration file paths, environment variable
// handling (CC_ prefix), and defaults for all configuration keys.  It is
// safe to call multiple times; subsequent calls are no-ops.
func Init() {
	once.Do(doInitialize)
}

func getConfigPath() string {
	if configPath, ok := os.LookupEnv(ConfigPathEnv); ok {
		return configPath
	}
	return ConfigDefaultPath
}

func getConfigFileName() string {
	if configName, ok := os.LookupEnv(ConfigFileNameEnv); ok {
		return configName
	}
	return ConfigDefaultFilename
}

func doInitialize() {
	VConfig = viper.New()

	// set up config-file loading: default is './cc-config.yaml' but can be
	// overridden with $(CC_CONFIG_PATH)/$(CC_CONFIG_FILENAME).yaml
	VConfig.AddConfigPath(getConfigPath())
	VConfig.SetConfigName(getConfigFileName())
	VConfig.SetConfigType("yaml")

	// set up envvar handling: keys such as 'log.level' become 'CC_LOG_LEVEL'
	VConfig.SetEnvPrefix(EnvVarPrefix)
	VConfig.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	VConfig.AutomaticEnv()

	VConfig.SetDefault(logLevel, ".:info")
	VConfig.SetDefault(ServerPort, 8484)
	VConfig.SetDefault(DatabaseDriver, "sqlite3")
	VConfig.SetDefault(DatabasePath, "./data/controlcore.db")
	VConfig.SetDefault(AuditRetentionDays, 90)
	VConfig.SetDefault(AuditBatchSize, 256)
	VConfig.SetDefault(PIPCacheSize, 10000)
	VConfig.SetDefault(BuilderWorkers, 4)
	VConfig.SetDefault(BundlesDir, "./data/bundles")
	VConfig.SetDefault(DecisionCacheTTL, "30s")
	VConfig.SetDefault(RateLimitRPS, 50)
	VConfig.SetDefault(RateLimitBurst, 100)
	VConfig.SetDefault(UnsafeBuiltIns, "http.send")
	VConfig.SetDefault(PEPStaleThreshold, "5m")
	VConfig.SetDefault(GitSyncInterval, "5m")
}

// Load initializes configuration and loads settings from files and environment.
//
// Load performs the following steps:
//  1. Calls [Init] if not already called
//  2. Reads the configuration file (if present; missing files are not an error)
//  3. Applies environment variable overrides
//  4. Updates log levels based on configuration
//
// Safe to call concurrently; calls after the first successful load are no-ops.
func Load() error {
	loadOnce.Do(func() {
		Init()

		// Early log level update from environment variable allows us to debug the config loading.
		earlyLoglevel := os.Getenv("CC_LOG_LEVEL")
		if earlyLoglevel != "" {
			if err := logging.UpdateLogLevels(earlyLoglevel); err != nil {
				logger.SysErrorf("Failed updating early log level %s: %+v", earlyLoglevel, err)
				loadErr = err
				return
			}
		}

		logger.SysDebugf("Loading configuration from %s/%s.yaml", getConfigPath(), getConfigFileName())
		err := VConfig.ReadInConfig()
		if err != nil {
			var configNotFound viper.ConfigFileNotFoundError
			if !errors.As(err, &configNotFound) {
				logger.SysWarnf("error reading config; using defaults: %+v", err)
			}
			logger.SysDebugf("No config file found at %s/%s.yaml", getConfigPath(), getConfigFileName())
		}

		loglevel := VConfig.GetString(logLevel)
		if err := logging.UpdateLogLevels(loglevel); err != nil {
			logger.SysErrorf("Failed updating log level %s: %+v", loglevel, err)
			loadErr = err
			return
		}

		if logger.IsDebugEnabled() {
			VConfig.DebugTo(logger.Out())
		}
	})

	return loadErr
}

// ResetConfig clears all configuration and reinitializes with defaults.
//
// WARNING: intended for testing only.  It resets global configuration
// state, which can race with concurrent readers.
func ResetConfig() {
	VConfig = nil
	once = sync.Once{}
	loadOnce = sync.Once{}
	loadErr = nil
	Init()
	_ = Load()
}
