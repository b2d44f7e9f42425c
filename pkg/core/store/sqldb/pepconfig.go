//
//  Copyright © Control Core Inc. All rights reserved.
//

package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/controlcore/controlplane/pkg/common"
	"github.com/controlcore/controlplane/pkg/core/model"
)

type pepConfigRepo struct {
	db *DB
}

const globalCfgCols = `tenant_id, poll_interval_seconds, decision_log_batch, fail_policy,
	posture, tls_verify, tls_min_version, default_proxy_domain, proxy_timeout_ms,
	sidecar_port, traffic_mode, injection_mode, cpu_limit, memory_limit, updated_at`

const individualCfgCols = `pep_id, tenant_id, poll_interval_seconds, decision_log_batch,
	fail_policy, posture, tls_verify, tls_min_version, upstream_url, public_url,
	default_proxy_domain, proxy_timeout_ms, sidecar_port, traffic_mode, injection_mode,
	cpu_limit, memory_limit, updated_at`

func (r *pepConfigRepo) GetGlobal(ctx context.Context, tenantID string) (*model.GlobalPEPConfig, error) {
	var cfg model.GlobalPEPConfig
	err := r.db.conn.GetContext(ctx, &cfg,
		r.db.Rebind(`SELECT `+globalCfgCols+` FROM pep_global_config WHERE tenant_id = ?`),
		tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NotFound("global pep config")
	}
	if err != nil {
		return nil, translate(err, "reading global pep config")
	}
	return &cfg, nil
}

func (r *pepConfigRepo) PutGlobal(ctx context.Context, cfg *model.GlobalPEPConfig) error {
	cfg.UpdatedAt = time.Now().UTC()

	_, err := r.db.conn.ExecContext(ctx,
		r.db.Rebind(`INSERT INTO pep_global_config (`+globalCfgCols+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (tenant_id) DO UPDATE SET
				poll_interval_seconds = excluded.poll_interval_seconds,
				decision_log_batch = excluded.decision_log_batch,
				fail_policy = excluded.fail_policy,
				posture = excluded.posture,
				tls_verify = excluded.tls_verify,
				tls_min_version = excluded.tls_min_version,
				default_proxy_domain = excluded.default_proxy_domain,
				proxy_timeout_ms = excluded.proxy_timeout_ms,
				sidecar_port = excluded.sidecar_port,
				traffic_mode = excluded.traffic_mode,
				injection_mode = excluded.injection_mode,
				cpu_limit = excluded.cpu_limit,
				memory_limit = excluded.memory_limit,
				updated_at = excluded.updated_at`),
		cfg.TenantID, cfg.PollIntervalSeconds, cfg.DecisionLogBatch, cfg.FailPolicy,
		cfg.Posture, cfg.TLSVerify, cfg.TLSMinVersion, cfg.DefaultProxyDomain,
		cfg.ProxyTimeoutMS, cfg.SidecarPort, cfg.TrafficMode, cfg.InjectionMode,
		cfg.CPULimit, cfg.MemoryLimit, cfg.UpdatedAt)
	return translate(err, "writing global pep config")
}

func (r *pepConfigRepo) GetIndividual(ctx context.Context, tenantID, pepID string) (*model.IndividualPEPConfig, error) {
	var cfg model.IndividualPEPConfig
	err := r.db.conn.GetContext(ctx, &cfg,
		r.db.Rebind(`SELECT `+individualCfgCols+` FROM pep_individual_config
			WHERE tenant_id = ? AND pep_id = ?`),
		tenantID, pepID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NotFound("individual pep config")
	}
	if err != nil {
		return nil, translate(err, "reading individual pep config")
	}
	return &cfg, nil
}

func (r *pepConfigRepo) PutIndividual(ctx context.Context, cfg *model.IndividualPEPConfig) error {
	cfg.UpdatedAt = time.Now().UTC()

	_, err := r.db.conn.ExecContext(ctx,
		r.db.Rebind(`INSERT INTO pep_individual_config (`+individualCfgCols+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (tenant_id, pep_id) DO UPDATE SET
				poll_interval_seconds = excluded.poll_interval_seconds,
				decision_log_batch = excluded.decision_log_batch,
				fail_policy = excluded.fail_policy,
				posture = excluded.posture,
				tls_verify = excluded.tls_verify,
				tls_min_version = excluded.tls_min_version,
				upstream_url = excluded.upstream_url,
				public_url = excluded.public_url,
				default_proxy_domain = excluded.default_proxy_domain,
				proxy_timeout_ms = excluded.proxy_timeout_ms,
				sidecar_port = excluded.sidecar_port,
				traffic_mode = excluded.traffic_mode,
				injection_mode = excluded.injection_mode,
				cpu_limit = excluded.cpu_limit,
				memory_limit = excluded.memory_limit,
				updated_at = excluded.updated_at`),
		cfg.PEPID, cfg.TenantID, cfg.PollIntervalSeconds, cfg.DecisionLogBatch,
		cfg.FailPolicy, cfg.Posture, cfg.TLSVerify, cfg.TLSMinVersion,
		cfg.UpstreamURL, cfg.PublicURL, cfg.DefaultProxyDomain, cfg.ProxyTimeoutMS,
		cfg.SidecarPort, cfg.TrafficMode, cfg.InjectionMode, cfg.CPULimit,
		cfg.MemoryLimit, cfg.UpdatedAt)
	return translate(err, "writing individual pep config")
}
