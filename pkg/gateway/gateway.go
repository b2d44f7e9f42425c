//
//  Copyright © Control Core Inc. All rights reserved.
//

// Package gateway exposes the tenant-scoped REST surface.
//
// Every operator request carries a bearer credential; the middleware
// resolves the actor's tenant and every handler filters by it.  PEP
// facing endpoints authenticate with the registration token instead.
// Typed errors from the subsystems are mapped to stable HTTP responses
// in a single error handler.
package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/controlcore/controlplane/internal/logging"
	"github.com/controlcore/controlplane/pkg/core/audit"
	"github.com/controlcore/controlplane/pkg/core/bundle"
	"github.com/controlcore/controlplane/pkg/core/config"
	"github.com/controlcore/controlplane/pkg/core/decision"
	"github.com/controlcore/controlplane/pkg/core/gitsync"
	"github.com/controlcore/controlplane/pkg/core/lifecycle"
	"github.com/controlcore/controlplane/pkg/core/model"
	"github.com/controlcore/controlplane/pkg/core/pep"
	"github.com/controlcore/controlplane/pkg/core/pip"
	"github.com/controlcore/controlplane/pkg/core/store"
	"github.com/controlcore/controlplane/pkg/core/vault"
	"github.com/labstack/echo/v4"
)

var logger = logging.GetLogger("controlplane.gateway")

const agent = "gateway"

// Options carries the subsystem handles the gateway serves.
type Options struct {
	Store       store.Store
	Lifecycle   *lifecycle.Manager
	Coordinator *pep.Coordinator
	PIPs        *pip.Cache
	Engine      *decision.Engine
	Vault       *vault.Vault
	Git         *gitsync.Synchronizer
	Rebuilds    *bundle.Pool
	AuditStream audit.Stream
}

// Server is the HTTP gateway.
type Server struct {
	echo     *echo.Echo
	opts     Options
	recorder *audit.Recorder
	limiter  *tenantLimiter
}

// New assembles the gateway without starting it.
func New(opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler

	s := &Server{
		echo:     e,
		opts:     opts,
		recorder: audit.NewRecorder("gateway", opts.AuditStream),
		limiter:  newTenantLimiter(),
	}

	e.Use(requestID(), requestLog)
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo

	e.GET("/healthz", s.healthz)

	// the template corpus is public
	e.GET("/policies/templates", s.listTemplates)
	e.GET("/policies/templates/:id", s.getTemplate)

	// PEP-facing contract, authenticated by registration token
	e.POST("/peps/:id/heartbeat", s.heartbeat)
	e.GET("/pep-config/effective/:pep_id", s.effectiveConfig)
	e.GET("/pep-config/effective/:pep_id/bundle", s.fetchBundle)
	e.POST("/decisions", s.decide)
	e.POST("/decisions/bulk", s.decideBulk)

	// operator surface
	api := e.Group("", authenticate, s.limiter.middleware)

	api.GET("/policies", s.listPolicies)
	api.POST("/policies", s.createPolicy)
	api.GET("/policies/:id", s.getPolicy)
	api.PUT("/policies/:id", s.updatePolicy)
	api.DELETE("/policies/:id", s.retirePolicy)
	api.POST("/policies/:id/promote", s.promotePolicy)
	api.POST("/policies/:id/conflict-check", s.conflictCheck)
	api.POST("/policies/templates/:id/instantiate", s.instantiateTemplate)

	api.GET("/resources", s.listResources)
	api.POST("/resources", s.createResource)
	api.GET("/resources/:id", s.getResource)
	api.PUT("/resources/:id", s.updateResource)
	api.DELETE("/resources/:id", s.deleteResource)

	api.GET("/peps", s.listPEPs)
	api.POST("/peps/register", s.registerPEP)
	api.GET("/peps/:id", s.getPEP)
	api.DELETE("/peps/:id", s.decommissionPEP)

	api.GET("/pep-config/global", s.getGlobalConfig)
	api.PUT("/pep-config/global", s.putGlobalConfig)
	api.GET("/pep-config/individual/:pep_id", s.getIndividualConfig)
	api.PUT("/pep-config/individual/:pep_id", s.putIndividualConfig)

	api.GET("/pip/connections", s.listPIPConnections)
	api.POST("/pip/connections", s.createPIPConnection)
	api.GET("/pip/connections/:id", s.getPIPConnection)
	api.PUT("/pip/connections/:id", s.updatePIPConnection)
	api.DELETE("/pip/connections/:id", s.deletePIPConnection)
	api.POST("/pip/connections/:id/invalidate", s.invalidatePIPConnection)
	api.POST("/pip/connections/:id/refresh", s.refreshPIPConnections)
	api.POST("/pip/connections/:id/test", s.testPIPConnection)
	api.POST("/pip/webhooks/:kind", s.pipWebhook)

	api.POST("/bundles/rebuild", s.rebuildBundles)
	api.GET("/bundles/status", s.bundleStatus)

	api.GET("/audit/logs", s.auditLogs)

	api.POST("/settings/credentials", s.putCredential)
	api.DELETE("/settings/credentials/:id", s.deleteCredential)

	api.GET("/settings/git-config", s.getGitConfig)
	api.PUT("/settings/git-config", s.putGitConfig)
	api.POST("/settings/git-config/test", s.testGitConfig)
	api.POST("/settings/git-config/push", s.pushGit)
	api.POST("/settings/git-config/pull", s.pullGit)
	api.GET("/settings/git-config/history", s.gitHistory)

	api.GET("/settings/notifications", s.listNotifications)
	api.POST("/settings/notifications", s.createNotification)
	api.GET("/settings/notifications/credentials", s.sharedNotificationCredentials)
	api.GET("/settings/notifications/:id", s.getNotification)
	api.PUT("/settings/notifications/:id", s.updateNotification)
	api.DELETE("/settings/notifications/:id", s.deleteNotification)
}

// Start begins serving on the configured port.
func (s *Server) Start() error {
	port := config.VConfig.GetInt(config.ServerPort)
	logger.Infof(agent, "Start", "gateway listening on :%d", port)

	go func() {
		if err := s.echo.Start(fmt.Sprintf(":%d", port)); err != nil && err != http.ErrServerClosed {
			logger.Fatalf(agent, "Start", "gateway failed: %+v", err)
		}
	}()
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the assembled http.Handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// changed emits the config-change audit entry for gateway-level writes.
func (s *Server) changed(actor *model.Actor, env model.Environment, action, entityID string) {
	err := s.recorder.Record(&model.AuditEntry{
		TenantID:    actor.TenantID,
		Environment: env,
		Type:        model.AuditConfigChange,
		Actor:       actor.Subject,
		Payload:     model.JSONMap{"action": action, "entity_id": entityID},
	})
	if err != nil {
		logger.Errorf(agent, "changed", "failed recording %s: %+v", action, err)
	}
}
