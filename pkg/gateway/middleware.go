//
//  Copyright © Control Core Inc. All rights reserved.
//

package gateway

import (
	"strings"
	"sync"
	"time"

	"github.com/controlcore/controlplane/pkg/common"
	"github.com/controlcore/controlplane/pkg/core/config"
	"github.com/controlcore/controlplane/pkg/core/model"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

const actorKey = "gateway.actor"

// operatorClaims is the bearer token payload for operator identities.
type operatorClaims struct {
	jwt.RegisteredClaims
	TenantID     string   `json:"tenant"`
	Capabilities []string `json:"capabilities"`
}

// authenticate verifies the bearer token and attaches the resolved actor
// to the request context.  Every response carries the effective tenant.
func authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			return common.NewError(common.KindUnauthenticated, "missing bearer credential")
		}

		secret := []byte(config.VConfig.GetString(config.AuthSecret))
		claims := &operatorClaims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, common.NewError(common.KindUnauthenticated, "unexpected signing method")
			}
			return secret, nil
		}, jwt.WithIssuer(config.VConfig.GetString(config.AuthIssuer)), jwt.WithExpirationRequired())
		if err != nil {
			return common.WrapError(common.KindUnauthenticated, "invalid bearer credential", err)
		}
		if claims.TenantID == "" {
			return common.NewError(common.KindUnauthenticated, "credential carries no tenant")
		}

		actor := &model.Actor{
			Subject:      claims.Subject,
			TenantID:     claims.TenantID,
			Capabilities: model.StringList(claims.Capabilities),
		}
		c.Set(actorKey, actor)
		c.Response().Header().Set("X-Tenant-ID", actor.TenantID)
		return next(c)
	}
}

func actorOf(c echo.Context) *model.Actor {
	actor, _ := c.Get(actorKey).(*model.Actor)
	return actor
}

// tenantLimiter is the per-tenant token bucket.
type tenantLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newTenantLimiter() *tenantLimiter {
	return &tenantLimiter{
		limiters: map[string]*rate.Limiter{},
		rps:      rate.Limit(config.VConfig.GetFloat64(config.RateLimitRPS)),
		burst:    config.VConfig.GetInt(config.RateLimitBurst),
	}
}

func (l *tenantLimiter) allow(tenantID string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[tenantID]
	if !ok {
		limiter = rate.NewLimiter(l.rps, l.burst)
		l.limiters[tenantID] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}

func (l *tenantLimiter) middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		actor := actorOf(c)
		if actor != nil && !l.allow(actor.TenantID) {
			return echo.NewHTTPError(429, "rate limit exceeded")
		}
		return next(c)
	}
}

// requestLog emits one structured line per request.
func requestLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		started := time.Now()
		err := next(c)
		logger.Debugf(agent, "request", "%s %s status=%d id=%s elapsed=%s",
			c.Request().Method, c.Request().URL.Path, c.Response().Status,
			c.Response().Header().Get(echo.HeaderXRequestID), time.Since(started))
		return err
	}
}

func requestID() echo.MiddlewareFunc {
	return middleware.RequestID()
}
