//
//  Copyright © Control Core Inc. All rights reserved.
//

package gateway

import (
	"net/http"
	"strings"

	"github.com/controlcore/controlplane/pkg/common"
	"github.com/controlcore/controlplane/pkg/core/bundle"
	"github.com/controlcore/controlplane/pkg/core/merge"
	"github.com/controlcore/controlplane/pkg/core/model"
	"github.com/controlcore/controlplane/pkg/core/pep"
	"github.com/labstack/echo/v4"
)

// PEP-facing endpoints authenticate with the registration token.  The
// tenant travels in a header because these paths carry no operator
// credential.
const (
	headerTenant = "X-Tenant-ID"
	headerPEP    = "X-PEP-ID"
)

func pepAuthOf(c echo.Context) (tenantID, token string, err error) {
	tenantID = c.Request().Header.Get(headerTenant)
	raw, ok := strings.CutPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
	if tenantID == "" || !ok || raw == "" {
		return "", "", common.NewError(common.KindUnauthenticated, "missing registration credential")
	}
	return tenantID, raw, nil
}

type registerResponse struct {
	PEP   *model.PEP `json:"pep"`
	Token string     `json:"registration_token,omitempty"`
}

func (s *Server) registerPEP(c echo.Context) error {
	actor := actorOf(c)

	var req pep.RegisterRequest
	if err := c.Bind(&req); err != nil {
		return common.WrapError(common.KindValidation, "malformed registration body", err)
	}
	if req.Environment == "" {
		env, err := envOf(c)
		if err != nil {
			return err
		}
		req.Environment = env
	}

	registered, token, err := s.opts.Coordinator.Register(c.Request().Context(), actor.TenantID, &req)
	if err != nil {
		return err
	}
	status := http.StatusCreated
	if token == "" {
		status = http.StatusOK
	}
	return c.JSON(status, registerResponse{PEP: registered, Token: token})
}

func (s *Server) listPEPs(c echo.Context) error {
	env, err := envOf(c)
	if err != nil {
		return err
	}
	peps, err := s.opts.Coordinator.List(c.Request().Context(), actorOf(c).TenantID, env, pageOf(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, peps)
}

func (s *Server) getPEP(c echo.Context) error {
	found, err := s.opts.Coordinator.Get(c.Request().Context(), actorOf(c).TenantID, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, found)
}

func (s *Server) decommissionPEP(c echo.Context) error {
	actor := actorOf(c)
	if err := s.opts.Coordinator.Decommission(c.Request().Context(), actor.TenantID, c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) heartbeat(c echo.Context) error {
	tenantID, token, err := pepAuthOf(c)
	if err != nil {
		return err
	}

	var report model.JSONMap
	if err := c.Bind(&report); err != nil {
		return common.WrapError(common.KindValidation, "malformed heartbeat body", err)
	}
	if err := s.opts.Coordinator.Heartbeat(c.Request().Context(), tenantID, c.Param("id"), token, report); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) getGlobalConfig(c echo.Context) error {
	actor := actorOf(c)
	cfg, err := s.opts.Store.PEPConfigs().GetGlobal(c.Request().Context(), actor.TenantID)
	if common.IsKind(err, common.KindNotFound) {
		cfg = merge.DefaultGlobal(actor.TenantID)
	} else if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cfg)
}

func (s *Server) putGlobalConfig(c echo.Context) error {
	actor := actorOf(c)
	if !actor.Can(model.CapSettingsWrite) {
		return common.NewError(common.KindForbidden, "missing settings write capability")
	}

	var cfg model.GlobalPEPConfig
	if err := c.Bind(&cfg); err != nil {
		return common.WrapError(common.KindValidation, "malformed config body", err)
	}
	cfg.TenantID = actor.TenantID

	// validate through the merge engine's schema catalogue
	if _, err := merge.Effective(&cfg, nil, &model.PEP{TenantID: actor.TenantID, Mode: model.ModeSidecar}, ""); err != nil {
		return err
	}
	if err := s.opts.Store.PEPConfigs().PutGlobal(c.Request().Context(), &cfg); err != nil {
		return err
	}
	s.changed(actor, model.Sandbox, "pep-config.global", actor.TenantID)
	return c.JSON(http.StatusOK, cfg)
}

func (s *Server) getIndividualConfig(c echo.Context) error {
	cfg, err := s.opts.Store.PEPConfigs().GetIndividual(c.Request().Context(), actorOf(c).TenantID, c.Param("pep_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cfg)
}

func (s *Server) putIndividualConfig(c echo.Context) error {
	actor := actorOf(c)
	if !actor.Can(model.CapSettingsWrite) {
		return common.NewError(common.KindForbidden, "missing settings write capability")
	}

	target, err := s.opts.Coordinator.Get(c.Request().Context(), actor.TenantID, c.Param("pep_id"))
	if err != nil {
		return err
	}

	var cfg model.IndividualPEPConfig
	if err := c.Bind(&cfg); err != nil {
		return common.WrapError(common.KindValidation, "malformed config body", err)
	}
	cfg.TenantID = actor.TenantID
	cfg.PEPID = target.ID

	// the merged result must pass the catalogue for the PEP's real mode
	if _, err := merge.Effective(nil, &cfg, target, ""); err != nil {
		return err
	}
	if err := s.opts.Store.PEPConfigs().PutIndividual(c.Request().Context(), &cfg); err != nil {
		return err
	}
	s.changed(actor, target.Environment, "pep-config.individual", target.ID)
	return c.JSON(http.StatusOK, cfg)
}

func (s *Server) effectiveConfig(c echo.Context) error {
	tenantID, token, err := pepAuthOf(c)
	if err != nil {
		return err
	}
	cfg, err := s.opts.Coordinator.PollEffectiveConfig(c.Request().Context(), tenantID, c.Param("pep_id"), token)
	if err != nil {
		return err
	}
	c.Response().Header().Set("ETag", cfg.BundleVersion)
	return c.JSON(http.StatusOK, cfg)
}

func (s *Server) fetchBundle(c echo.Context) error {
	tenantID, token, err := pepAuthOf(c)
	if err != nil {
		return err
	}

	have := strings.Trim(c.Request().Header.Get("If-None-Match"), `"`)
	artifact, notModified, err := s.opts.Coordinator.FetchBundle(c.Request().Context(), tenantID, c.Param("pep_id"), token, have)
	if err != nil {
		return err
	}
	if notModified {
		return c.NoContent(http.StatusNotModified)
	}
	c.Response().Header().Set("ETag", artifact.Version)
	return c.JSON(http.StatusOK, artifact)
}

func (s *Server) decide(c echo.Context) error {
	tenantID, token, err := pepAuthOf(c)
	if err != nil {
		return err
	}
	enforcer, err := s.opts.Coordinator.Authenticate(c.Request().Context(), tenantID, c.Request().Header.Get(headerPEP), token)
	if err != nil {
		return err
	}

	var req model.DecisionRequest
	if err := c.Bind(&req); err != nil {
		return common.WrapError(common.KindValidation, "malformed decision body", err)
	}

	resp, err := s.opts.Engine.Decide(c.Request().Context(), enforcer, &req)
	if err != nil {
		// a PEP never sees an internal failure in place of an outcome
		resp = s.opts.Engine.FailSafe(c.Request().Context(), enforcer, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) decideBulk(c echo.Context) error {
	tenantID, token, err := pepAuthOf(c)
	if err != nil {
		return err
	}
	enforcer, err := s.opts.Coordinator.Authenticate(c.Request().Context(), tenantID, c.Request().Header.Get(headerPEP), token)
	if err != nil {
		return err
	}

	var reqs []model.DecisionRequest
	if err := c.Bind(&reqs); err != nil {
		return common.WrapError(common.KindValidation, "malformed decision batch", err)
	}

	responses := make([]*model.DecisionResponse, 0, len(reqs))
	for i := range reqs {
		resp, err := s.opts.Engine.Decide(c.Request().Context(), enforcer, &reqs[i])
		if err != nil {
			resp = s.opts.Engine.FailSafe(c.Request().Context(), enforcer, err)
		}
		responses = append(responses, resp)
	}
	return c.JSON(http.StatusOK, responses)
}

func (s *Server) rebuildBundles(c echo.Context) error {
	actor := actorOf(c)
	env, err := envOf(c)
	if err != nil {
		return err
	}
	if err := canWrite(actor, env); err != nil {
		return err
	}

	s.opts.Rebuilds.Enqueue(bundle.Request{TenantID: actor.TenantID, Environment: env})
	s.changed(actor, env, "bundle.rebuild", actor.TenantID)

	c.Response().Header().Set("Location", "/bundles/status?environment="+string(env))
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) bundleStatus(c echo.Context) error {
	actor := actorOf(c)
	env, err := envOf(c)
	if err != nil {
		return err
	}

	peps, err := s.opts.Coordinator.List(c.Request().Context(), actor.TenantID, env, pageOf(c))
	if err != nil {
		return err
	}

	type pepBundle struct {
		PEPID  string        `json:"pep_id"`
		Latest *model.Bundle `json:"latest,omitempty"`
	}
	status := make([]pepBundle, 0, len(peps))
	for _, p := range peps {
		entry := pepBundle{PEPID: p.ID}
		if latest, err := s.opts.Store.Bundles().Latest(c.Request().Context(), actor.TenantID, p.ID); err == nil {
			entry.Latest = latest
		}
		status = append(status, entry)
	}
	return c.JSON(http.StatusOK, status)
}
