//
//  Copyright © Control Core Inc. All rights reserved.
//

package gateway

import (
	"net/http"

	"github.com/controlcore/controlplane/pkg/common"
	"github.com/controlcore/controlplane/pkg/core/bundle"
	"github.com/controlcore/controlplane/pkg/core/model"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// rebuild enqueues a bundle rebuild for the environment.  Resource
// fingerprint changes redirect decision routing, so PEPs must see a
// fresh bundle.
func (s *Server) rebuild(tenantID string, env model.Environment) {
	if s.opts.Rebuilds == nil {
		return
	}
	s.opts.Rebuilds.Enqueue(bundle.Request{TenantID: tenantID, Environment: env})
}

// canWrite gates mutations by environment: production writes require the
// production capability, sandbox writes the policy-write capability.
func canWrite(actor *model.Actor, env model.Environment) error {
	if env == model.Production {
		if !actor.Can(model.CapProductionWrite) {
			return common.NewError(common.KindProductionLocked, "production configuration is read-only without the production write capability")
		}
		return nil
	}
	if !actor.Can(model.CapPolicyWrite) {
		return common.NewError(common.KindForbidden, "missing policy write capability")
	}
	return nil
}

func (s *Server) listResources(c echo.Context) error {
	env, err := envOf(c)
	if err != nil {
		return err
	}
	resources, err := s.opts.Store.Resources().List(c.Request().Context(), actorOf(c).TenantID, env, pageOf(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resources)
}

func (s *Server) createResource(c echo.Context) error {
	actor := actorOf(c)

	var resource model.Resource
	if err := c.Bind(&resource); err != nil {
		return common.WrapError(common.KindValidation, "malformed resource body", err)
	}

	env, err := envOf(c)
	if err != nil {
		return err
	}
	if resource.Environment != "" && resource.Environment != env {
		return common.Validation("environment mismatch",
			common.FieldError{Path: "environment", Reason: "body and query disagree"})
	}
	resource.Environment = env

	if err := canWrite(actor, env); err != nil {
		return err
	}
	if resource.OriginalHost == "" {
		return common.Validation("invalid resource",
			common.FieldError{Path: "original_host", Reason: "required"})
	}
	if resource.ID == "" {
		resource.ID = "res-" + uuid.NewString()
	}
	resource.TenantID = actor.TenantID

	if err := s.opts.Store.Resources().Create(c.Request().Context(), &resource); err != nil {
		return err
	}
	s.changed(actor, env, "resource.create", resource.ID)
	return c.JSON(http.StatusCreated, resource)
}

func (s *Server) getResource(c echo.Context) error {
	env, err := envOf(c)
	if err != nil {
		return err
	}
	resource, err := s.opts.Store.Resources().Get(c.Request().Context(), actorOf(c).TenantID, c.Param("id"), env)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resource)
}

func (s *Server) updateResource(c echo.Context) error {
	actor := actorOf(c)
	env, err := envOf(c)
	if err != nil {
		return err
	}
	if err := canWrite(actor, env); err != nil {
		return err
	}

	existing, err := s.opts.Store.Resources().Get(c.Request().Context(), actor.TenantID, c.Param("id"), env)
	if err != nil {
		return err
	}

	var resource model.Resource
	if err := c.Bind(&resource); err != nil {
		return common.WrapError(common.KindValidation, "malformed resource body", err)
	}
	resource.ID = existing.ID
	resource.TenantID = actor.TenantID
	resource.Environment = env
	resource.CreatedAt = existing.CreatedAt

	if err := s.opts.Store.Resources().Update(c.Request().Context(), &resource); err != nil {
		return err
	}
	s.changed(actor, env, "resource.update", resource.ID)
	s.rebuild(actor.TenantID, env)
	return c.JSON(http.StatusOK, resource)
}

func (s *Server) deleteResource(c echo.Context) error {
	actor := actorOf(c)
	env, err := envOf(c)
	if err != nil {
		return err
	}
	if err := canWrite(actor, env); err != nil {
		return err
	}
	if err := s.opts.Store.Resources().Delete(c.Request().Context(), actor.TenantID, c.Param("id"), env); err != nil {
		return err
	}
	s.changed(actor, env, "resource.delete", c.Param("id"))
	s.rebuild(actor.TenantID, env)
	return c.NoContent(http.StatusNoContent)
}
