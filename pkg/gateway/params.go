//
//  Copyright © Control Core Inc. All rights reserved.
//

package gateway

import (
	"strconv"

	"github.com/controlcore/controlplane/pkg/core/model"
	"github.com/controlcore/controlplane/pkg/core/store"
	"github.com/labstack/echo/v4"
)

// envOf reads the environment filter.  Omitting it defaults to sandbox.
func envOf(c echo.Context) (model.Environment, error) {
	raw := c.QueryParam("environment")
	if raw == "" {
		return model.Sandbox, nil
	}
	return model.ParseEnvironment(raw)
}

// pageOf reads the skip/limit pagination parameters.
func pageOf(c echo.Context) store.Page {
	var page store.Page
	if v, err := strconv.Atoi(c.QueryParam("skip")); err == nil && v > 0 {
		page.Offset = v
	}
	if v, err := strconv.Atoi(c.QueryParam("limit")); err == nil && v > 0 {
		page.Limit = v
	}
	return page
}
