//
//  Copyright © Control Core Inc. All rights reserved.
//

package gateway

import (
	"net/http"

	"github.com/controlcore/controlplane/pkg/common"
	"github.com/controlcore/controlplane/pkg/core/model"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func (s *Server) listPIPConnections(c echo.Context) error {
	env, err := envOf(c)
	if err != nil {
		return err
	}
	conns, err := s.opts.Store.PIPConnections().List(c.Request().Context(), actorOf(c).TenantID, env, pageOf(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, conns)
}

func validatePIPConnection(conn *model.PIPConnection) error {
	var fields []common.FieldError
	if conn.Name == "" {
		fields = append(fields, common.FieldError{Path: "name", Reason: "required"})
	}
	if !conn.Kind.Valid() {
		fields = append(fields, common.FieldError{Path: "kind", Reason: "unknown provider kind"})
	}
	if conn.Endpoint == "" {
		fields = append(fields, common.FieldError{Path: "endpoint", Reason: "required"})
	}
	if conn.TTLSeconds < 0 {
		fields = append(fields, common.FieldError{Path: "ttl_seconds", Reason: "must not be negative"})
	}
	if len(fields) > 0 {
		return common.Validation("invalid pip connection", fields...)
	}
	return nil
}

// pipConnectionBody lets operators submit a secret inline; it is moved
// into the vault before the row is stored and never echoed back.
type pipConnectionBody struct {
	model.PIPConnection
	Credential string `json:"credential,omitempty"`
}

func (s *Server) createPIPConnection(c echo.Context) error {
	actor := actorOf(c)

	var body pipConnectionBody
	if err := c.Bind(&body); err != nil {
		return common.WrapError(common.KindValidation, "malformed connection body", err)
	}
	conn := body.PIPConnection

	env, err := envOf(c)
	if err != nil {
		return err
	}
	if conn.Environment != "" && conn.Environment != env {
		return common.Validation("environment mismatch",
			common.FieldError{Path: "environment", Reason: "body and query disagree"})
	}
	conn.Environment = env

	if err := canWrite(actor, env); err != nil {
		return err
	}
	if err := validatePIPConnection(&conn); err != nil {
		return err
	}

	if body.Credential != "" {
		vaultID, err := s.opts.Vault.Put(c.Request().Context(), actor.TenantID, []byte(body.Credential))
		if err != nil {
			return err
		}
		conn.CredentialVaultID = vaultID
	}

	if conn.ID == "" {
		conn.ID = "pip-" + uuid.NewString()
	}
	conn.TenantID = actor.TenantID

	if err := s.opts.Store.PIPConnections().Create(c.Request().Context(), &conn); err != nil {
		return err
	}
	s.changed(actor, env, "pip.create", conn.ID)
	return c.JSON(http.StatusCreated, &conn)
}

func (s *Server) getPIPConnection(c echo.Context) error {
	env, err := envOf(c)
	if err != nil {
		return err
	}
	conn, err := s.opts.Store.PIPConnections().Get(c.Request().Context(), actorOf(c).TenantID, c.Param("id"), env)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, conn)
}

func (s *Server) updatePIPConnection(c echo.Context) error {
	actor := actorOf(c)
	env, err := envOf(c)
	if err != nil {
		return err
	}
	if err := canWrite(actor, env); err != nil {
		return err
	}

	existing, err := s.opts.Store.PIPConnections().Get(c.Request().Context(), actor.TenantID, c.Param("id"), env)
	if err != nil {
		return err
	}

	var body pipConnectionBody
	if err := c.Bind(&body); err != nil {
		return common.WrapError(common.KindValidation, "malformed connection body", err)
	}
	conn := body.PIPConnection
	conn.ID = existing.ID
	conn.TenantID = actor.TenantID
	conn.Environment = env
	conn.CreatedAt = existing.CreatedAt
	conn.CredentialVaultID = existing.CredentialVaultID

	if err := validatePIPConnection(&conn); err != nil {
		return err
	}

	if body.Credential != "" {
		if existing.CredentialVaultID != "" {
			if err := s.opts.Vault.Update(c.Request().Context(), actor.TenantID, existing.CredentialVaultID, []byte(body.Credential)); err != nil {
				return err
			}
		} else {
			vaultID, err := s.opts.Vault.Put(c.Request().Context(), actor.TenantID, []byte(body.Credential))
			if err != nil {
				return err
			}
			conn.CredentialVaultID = vaultID
		}
	}

	if err := s.opts.Store.PIPConnections().Update(c.Request().Context(), &conn); err != nil {
		return err
	}

	// a config change must not serve stale attributes
	s.opts.PIPs.Invalidate(actor.TenantID, env, conn.ID)
	s.changed(actor, env, "pip.update", conn.ID)
	return c.JSON(http.StatusOK, &conn)
}

func (s *Server) deletePIPConnection(c echo.Context) error {
	actor := actorOf(c)
	env, err := envOf(c)
	if err != nil {
		return err
	}
	if err := canWrite(actor, env); err != nil {
		return err
	}

	existing, err := s.opts.Store.PIPConnections().Get(c.Request().Context(), actor.TenantID, c.Param("id"), env)
	if err != nil {
		return err
	}
	if err := s.opts.Store.PIPConnections().Delete(c.Request().Context(), actor.TenantID, existing.ID, env); err != nil {
		return err
	}
	if existing.CredentialVaultID != "" {
		if err := s.opts.Vault.Delete(c.Request().Context(), actor.TenantID, existing.CredentialVaultID); err != nil {
			logger.Warnf(agent, "deletePIPConnection", "failed deleting credential for %s: %+v", existing.ID, err)
		}
	}

	s.opts.PIPs.Invalidate(actor.TenantID, env, existing.ID)
	s.changed(actor, env, "pip.delete", existing.ID)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) invalidatePIPConnection(c echo.Context) error {
	actor := actorOf(c)
	env, err := envOf(c)
	if err != nil {
		return err
	}
	s.opts.PIPs.Invalidate(actor.TenantID, env, c.Param("id"))
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) refreshPIPConnections(c echo.Context) error {
	actor := actorOf(c)
	env, err := envOf(c)
	if err != nil {
		return err
	}
	if err := s.opts.PIPs.BulkRefresh(c.Request().Context(), actor.TenantID, env); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) testPIPConnection(c echo.Context) error {
	actor := actorOf(c)
	env, err := envOf(c)
	if err != nil {
		return err
	}

	s.opts.PIPs.Invalidate(actor.TenantID, env, c.Param("id"))
	attrs, stale, err := s.opts.PIPs.Lookup(c.Request().Context(), actor.TenantID, env, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"stale":      stale,
		"attributes": attrs,
	})
}

// pipWebhook invalidates every connection of the given kind so the next
// lookup refetches.  Providers call it on upstream data changes.
func (s *Server) pipWebhook(c echo.Context) error {
	actor := actorOf(c)
	kind := model.PIPKind(c.Param("kind"))
	if !kind.Valid() {
		return common.Validation("unknown provider kind",
			common.FieldError{Path: "kind", Reason: "unknown provider kind"})
	}

	invalidated := 0
	for _, env := range []model.Environment{model.Sandbox, model.Production} {
		conns, err := s.opts.Store.PIPConnections().List(c.Request().Context(), actor.TenantID, env, pageOf(c))
		if err != nil {
			return err
		}
		for _, conn := range conns {
			if conn.Kind == kind {
				s.opts.PIPs.Invalidate(actor.TenantID, env, conn.ID)
				invalidated++
			}
		}
	}
	return c.JSON(http.StatusOK, map[string]int{"invalidated": invalidated})
}
