//
//  Copyright © Control Core Inc. All rights reserved.
//

package gateway

import (
	"net/http"

	"github.com/controlcore/controlplane/pkg/common"
	"github.com/controlcore/controlplane/pkg/core/model"
	"github.com/labstack/echo/v4"
)

func (s *Server) listPolicies(c echo.Context) error {
	env, err := envOf(c)
	if err != nil {
		return err
	}
	policies, err := s.opts.Lifecycle.List(c.Request().Context(), actorOf(c), env, model.Folder(c.QueryParam("folder")), pageOf(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, policies)
}

func (s *Server) createPolicy(c echo.Context) error {
	var policy model.Policy
	if err := c.Bind(&policy); err != nil {
		return common.WrapError(common.KindValidation, "malformed policy body", err)
	}

	env, err := envOf(c)
	if err != nil {
		return err
	}
	if policy.Environment != "" && policy.Environment != env {
		return common.Validation("environment mismatch",
			common.FieldError{Path: "environment", Reason: "body and query disagree"})
	}
	policy.Environment = env

	created, err := s.opts.Lifecycle.Create(c.Request().Context(), actorOf(c), &policy)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) getPolicy(c echo.Context) error {
	policy, err := s.opts.Lifecycle.Get(c.Request().Context(), actorOf(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, policy)
}

func (s *Server) updatePolicy(c echo.Context) error {
	var patch model.PolicyPatch
	if err := c.Bind(&patch); err != nil {
		return common.WrapError(common.KindValidation, "malformed patch body", err)
	}
	policy, err := s.opts.Lifecycle.Update(c.Request().Context(), actorOf(c), c.Param("id"), &patch)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, policy)
}

func (s *Server) retirePolicy(c echo.Context) error {
	policy, err := s.opts.Lifecycle.Retire(c.Request().Context(), actorOf(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, policy)
}

func (s *Server) promotePolicy(c echo.Context) error {
	production, err := s.opts.Lifecycle.Promote(c.Request().Context(), actorOf(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, production)
}

func (s *Server) conflictCheck(c echo.Context) error {
	actor := actorOf(c)

	var policy model.Policy
	if err := c.Bind(&policy); err != nil {
		return common.WrapError(common.KindValidation, "malformed policy body", err)
	}
	if policy.ID == "" {
		policy.ID = c.Param("id")
	}

	report, err := s.opts.Lifecycle.ConflictCheck(c.Request().Context(), actor, &policy)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) listTemplates(c echo.Context) error {
	templates, err := s.opts.Lifecycle.ListTemplates(c.Request().Context(), pageOf(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, templates)
}

func (s *Server) getTemplate(c echo.Context) error {
	tpl, err := s.opts.Lifecycle.GetTemplate(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tpl)
}

type instantiateRequest struct {
	Name        string            `json:"name"`
	Environment model.Environment `json:"environment"`
	Params      map[string]string `json:"params"`
}

func (s *Server) instantiateTemplate(c echo.Context) error {
	var req instantiateRequest
	if err := c.Bind(&req); err != nil {
		return common.WrapError(common.KindValidation, "malformed instantiate body", err)
	}
	policy, err := s.opts.Lifecycle.Instantiate(c.Request().Context(), actorOf(c), c.Param("id"), req.Name, req.Environment, req.Params)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, policy)
}
