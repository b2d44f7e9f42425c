//
//  Copyright © Control Core Inc. All rights reserved.
//

package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/controlcore/controlplane/pkg/common"
	"github.com/controlcore/controlplane/pkg/core/model"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func (s *Server) auditLogs(c echo.Context) error {
	env, err := envOf(c)
	if err != nil {
		return err
	}
	entries, err := s.opts.Store.Audit().List(c.Request().Context(), actorOf(c).TenantID, env,
		model.AuditType(c.QueryParam("type")), pageOf(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entries)
}

type credentialRequest struct {
	Secret string `json:"secret"`
}

type credentialResponse struct {
	VaultID string `json:"vault_id"`
	Secret  string `json:"secret"`
}

func (s *Server) putCredential(c echo.Context) error {
	actor := actorOf(c)
	if !actor.Can(model.CapSettingsWrite) {
		return common.NewError(common.KindForbidden, "missing settings write capability")
	}

	var req credentialRequest
	if err := c.Bind(&req); err != nil {
		return common.WrapError(common.KindValidation, "malformed credential body", err)
	}
	if req.Secret == "" {
		return common.Validation("invalid credential",
			common.FieldError{Path: "secret", Reason: "required"})
	}

	vaultID, err := s.opts.Vault.Put(c.Request().Context(), actor.TenantID, []byte(req.Secret))
	if err != nil {
		return err
	}
	s.changed(actor, model.Sandbox, "credential.create", vaultID)
	return c.JSON(http.StatusCreated, credentialResponse{VaultID: vaultID, Secret: model.MaskedSecret})
}

func (s *Server) deleteCredential(c echo.Context) error {
	actor := actorOf(c)
	if !actor.Can(model.CapSettingsWrite) {
		return common.NewError(common.KindForbidden, "missing settings write capability")
	}
	if err := s.opts.Vault.Delete(c.Request().Context(), actor.TenantID, c.Param("id")); err != nil {
		return err
	}
	s.changed(actor, model.Sandbox, "credential.delete", c.Param("id"))
	return c.NoContent(http.StatusNoContent)
}

// gitConfigBody accepts an inline token which is moved into the vault.
type gitConfigBody struct {
	model.GitConfig
	Token string `json:"token,omitempty"`
}

func (s *Server) getGitConfig(c echo.Context) error {
	cfg, err := s.opts.Store.Git().GetConfig(c.Request().Context(), actorOf(c).TenantID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cfg)
}

func (s *Server) putGitConfig(c echo.Context) error {
	actor := actorOf(c)
	if !actor.Can(model.CapSettingsWrite) {
		return common.NewError(common.KindForbidden, "missing settings write capability")
	}

	var body gitConfigBody
	if err := c.Bind(&body); err != nil {
		return common.WrapError(common.KindValidation, "malformed git config body", err)
	}
	cfg := body.GitConfig

	if existing, err := s.opts.Store.Git().GetConfig(c.Request().Context(), actor.TenantID); err == nil {
		cfg.TokenVaultID = existing.TokenVaultID
	}
	if body.Token != "" {
		if cfg.TokenVaultID != "" {
			if err := s.opts.Vault.Update(c.Request().Context(), actor.TenantID, cfg.TokenVaultID, []byte(body.Token)); err != nil {
				return err
			}
		} else {
			vaultID, err := s.opts.Vault.Put(c.Request().Context(), actor.TenantID, []byte(body.Token))
			if err != nil {
				return err
			}
			cfg.TokenVaultID = vaultID
		}
	}

	if err := s.opts.Git.Configure(c.Request().Context(), actor.TenantID, &cfg); err != nil {
		return err
	}
	s.changed(actor, model.Sandbox, "git-config.update", actor.TenantID)
	return c.JSON(http.StatusOK, cfg)
}

// testGitConfig probes the remote with the stored credential; nothing is
// applied.
func (s *Server) testGitConfig(c echo.Context) error {
	actor := actorOf(c)

	commit, err := s.opts.Git.Test(c.Request().Context(), actor.TenantID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "commit": commit})
}

func (s *Server) pushGit(c echo.Context) error {
	actor := actorOf(c)
	if err := canWrite(actor, model.Sandbox); err != nil {
		return err
	}

	// long-running; runs detached with its own deadline
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if _, err := s.opts.Git.Push(ctx, actor); err != nil {
			logger.Warnf(agent, "pushGit", "background push for tenant %s failed: %+v", actor.TenantID, err)
		}
	}()

	c.Response().Header().Set("Location", "/settings/git-config/history")
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) pullGit(c echo.Context) error {
	actor := actorOf(c)
	if err := canWrite(actor, model.Sandbox); err != nil {
		return err
	}
	record, err := s.opts.Git.Pull(c.Request().Context(), actor.TenantID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, record)
}

func (s *Server) gitHistory(c echo.Context) error {
	history, err := s.opts.Git.History(c.Request().Context(), actorOf(c).TenantID, pageOf(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, history)
}

func validateNotification(rule *model.NotificationRule) error {
	var fields []common.FieldError
	if rule.Event == "" {
		fields = append(fields, common.FieldError{Path: "event", Reason: "required"})
	}
	if rule.Channel == "" {
		fields = append(fields, common.FieldError{Path: "channel", Reason: "required"})
	}
	if rule.Target == "" {
		fields = append(fields, common.FieldError{Path: "target", Reason: "required"})
	}
	if len(fields) > 0 {
		return common.Validation("invalid notification rule", fields...)
	}
	return nil
}

func (s *Server) listNotifications(c echo.Context) error {
	env, err := envOf(c)
	if err != nil {
		return err
	}
	rules, err := s.opts.Store.Notifications().List(c.Request().Context(), actorOf(c).TenantID, env, pageOf(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rules)
}

func (s *Server) createNotification(c echo.Context) error {
	actor := actorOf(c)

	var rule model.NotificationRule
	if err := c.Bind(&rule); err != nil {
		return common.WrapError(common.KindValidation, "malformed notification body", err)
	}

	env, err := envOf(c)
	if err != nil {
		return err
	}
	if rule.Environment != "" && rule.Environment != env {
		return common.Validation("environment mismatch",
			common.FieldError{Path: "environment", Reason: "body and query disagree"})
	}
	rule.Environment = env

	if err := canWrite(actor, env); err != nil {
		return err
	}
	if err := validateNotification(&rule); err != nil {
		return err
	}
	if rule.ID == "" {
		rule.ID = "ntf-" + uuid.NewString()
	}
	rule.TenantID = actor.TenantID

	if err := s.opts.Store.Notifications().Create(c.Request().Context(), &rule); err != nil {
		return err
	}
	s.changed(actor, env, "notification.create", rule.ID)
	return c.JSON(http.StatusCreated, rule)
}

func (s *Server) getNotification(c echo.Context) error {
	rule, err := s.opts.Store.Notifications().Get(c.Request().Context(), actorOf(c).TenantID, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rule)
}

func (s *Server) updateNotification(c echo.Context) error {
	actor := actorOf(c)

	existing, err := s.opts.Store.Notifications().Get(c.Request().Context(), actor.TenantID, c.Param("id"))
	if err != nil {
		return err
	}
	if err := canWrite(actor, existing.Environment); err != nil {
		return err
	}

	var rule model.NotificationRule
	if err := c.Bind(&rule); err != nil {
		return common.WrapError(common.KindValidation, "malformed notification body", err)
	}
	rule.ID = existing.ID
	rule.TenantID = actor.TenantID
	rule.Environment = existing.Environment
	rule.CreatedAt = existing.CreatedAt

	if err := validateNotification(&rule); err != nil {
		return err
	}
	if err := s.opts.Store.Notifications().Update(c.Request().Context(), &rule); err != nil {
		return err
	}
	s.changed(actor, rule.Environment, "notification.update", rule.ID)
	return c.JSON(http.StatusOK, rule)
}

func (s *Server) deleteNotification(c echo.Context) error {
	actor := actorOf(c)

	existing, err := s.opts.Store.Notifications().Get(c.Request().Context(), actor.TenantID, c.Param("id"))
	if err != nil {
		return err
	}
	if err := canWrite(actor, existing.Environment); err != nil {
		return err
	}
	if err := s.opts.Store.Notifications().Delete(c.Request().Context(), actor.TenantID, existing.ID); err != nil {
		return err
	}
	s.changed(actor, existing.Environment, "notification.delete", existing.ID)
	return c.NoContent(http.StatusNoContent)
}

// sharedNotificationCredentials exposes the tenant-wide channel secrets
// read-only and masked.  The channels are derived from the configured
// rules across both environments.
func (s *Server) sharedNotificationCredentials(c echo.Context) error {
	actor := actorOf(c)

	channels := map[string]string{}
	for _, env := range []model.Environment{model.Sandbox, model.Production} {
		rules, err := s.opts.Store.Notifications().List(c.Request().Context(), actor.TenantID, env, pageOf(c))
		if err != nil {
			return err
		}
		for _, rule := range rules {
			channels[rule.Channel] = model.MaskedSecret
		}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"channels": channels})
}
