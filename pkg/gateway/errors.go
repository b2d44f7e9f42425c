//
//  Copyright © Control Core Inc. All rights reserved.
//

package gateway

import (
	"errors"
	"net/http"

	"github.com/controlcore/controlplane/pkg/common"
	"github.com/labstack/echo/v4"
)

// errorBody is the stable error response shape.
type errorBody struct {
	Kind    common.Kind         `json:"kind"`
	Message string              `json:"message"`
	Fields  []common.FieldError `json:"fields,omitempty"`
}

// errorHandler maps typed errors onto HTTP responses in exactly one
// place.  The unauthenticated/forbidden/tenant-mismatch family returns
// deliberately uninformative bodies.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	if he, ok := err.(*echo.HTTPError); ok {
		_ = c.JSON(he.Code, errorBody{Kind: common.KindValidation, Message: http.StatusText(he.Code)})
		return
	}

	var ce *common.Error
	if !errors.As(err, &ce) {
		logger.Errorf(agent, "errorHandler", "unclassified error: %+v", err)
		_ = c.JSON(http.StatusInternalServerError, errorBody{
			Kind: common.KindInternal, Message: "internal error",
		})
		return
	}

	switch ce.Kind {
	case common.KindUnauthenticated:
		_ = c.JSON(http.StatusUnauthorized, errorBody{Kind: ce.Kind, Message: "unauthenticated"})
	case common.KindForbidden, common.KindTenantMismatch:
		// indistinguishable on purpose
		_ = c.JSON(http.StatusForbidden, errorBody{Kind: common.KindForbidden, Message: "forbidden"})
	case common.KindProductionLocked:
		_ = c.JSON(http.StatusForbidden, errorBody{Kind: ce.Kind, Message: ce.Reason})
	case common.KindValidation:
		_ = c.JSON(http.StatusBadRequest, errorBody{Kind: ce.Kind, Message: ce.Reason, Fields: ce.Fields})
	case common.KindConflict:
		_ = c.JSON(http.StatusConflict, errorBody{Kind: ce.Kind, Message: ce.Reason})
	case common.KindNotFound:
		_ = c.JSON(http.StatusNotFound, errorBody{Kind: ce.Kind, Message: ce.Reason})
	case common.KindUpstreamFailure:
		_ = c.JSON(http.StatusBadGateway, errorBody{Kind: ce.Kind, Message: ce.Reason})
	case common.KindUnavailable:
		_ = c.JSON(http.StatusServiceUnavailable, errorBody{Kind: ce.Kind, Message: ce.Reason})
	default:
		logger.Errorf(agent, "errorHandler", "internal error: %+v", err)
		_ = c.JSON(http.StatusInternalServerError, errorBody{
			Kind: common.KindInternal, Message: "internal error",
		})
	}
}
