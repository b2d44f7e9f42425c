//
//  Copyright © Control Core Inc. All rights reserved.
//

// Package pip fetches and caches subject attributes from external
// Policy Information Point providers.
//
// Providers are polled on demand: a decision needing attributes hits the
// cache, and the cache refreshes a connection's collection at most once
// concurrently regardless of how many decisions are waiting on it.  An
// expired collection that cannot be refreshed keeps serving its last
// value, marked stale, so provider outages degrade decisions instead of
// failing them outright.
package pip

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/controlcore/controlplane/pkg/common"
	"github.com/controlcore/controlplane/pkg/core/model"
)

// Attributes is one connection's collection: attribute path to value.
type Attributes map[string]interface{}

// Provider fetches a connection's attribute collection from the external
// system.  The credential is the revealed vault plaintext, empty when the
// connection has none.
type Provider interface {
	Fetch(ctx context.Context, conn *model.PIPConnection, credential []byte) (Attributes, error)
}

// HTTPProvider fetches JSON documents over HTTP(S).  It serves the
// http-api kind directly and is the transport for most hosted identity,
// HRIS and CRM providers.
type HTTPProvider struct {
	client *http.Client
}

// NewHTTPProvider creates an HTTPProvider with a bounded request timeout.
func NewHTTPProvider() *HTTPProvider {
	return &HTTPProvider{
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Fetch performs the request and applies the connection's attribute
// mappings to the response document.
func (p *HTTPProvider) Fetch(ctx context.Context, conn *model.PIPConnection, credential []byte) (Attributes, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, conn.Endpoint, nil)
	if err != nil {
		return nil, common.WrapError(common.KindValidation, "building provider request", err)
	}
	req.Header.Set("Accept", "application/json")
	if len(credential) > 0 {
		req.Header.Set("Authorization", "Bearer "+string(credential))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, common.WrapError(common.KindUpstreamFailure, "provider "+conn.Name+" unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return nil, common.NewErrorf(common.KindUpstreamFailure,
			"provider %s returned status %d", conn.Name, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, common.WrapError(common.KindUpstreamFailure, "reading provider response", err)
	}

	var document interface{}
	if err := json.Unmarshal(raw, &document); err != nil {
		return nil, common.WrapError(common.KindUpstreamFailure, "decoding provider response", err)
	}

	return applyMappings(document, conn.AttributeMappings), nil
}

// applyMappings projects the provider document through the connection's
// mapping rules.  Paths that resolve to nothing are omitted rather than
// mapped to null; the decision engine treats absence per the fail policy.
func applyMappings(document interface{}, mappings model.AttributeMappings) Attributes {
	attrs := Attributes{}
	for _, m := range mappings {
		if value, ok := resolvePath(document, m.SourcePath); ok {
			attrs[m.AttributePath] = value
		}
	}
	return attrs
}

// resolvePath walks a dotted path ("$.users.active") through nested JSON
// objects.  "$" or "" selects the whole document.
func resolvePath(document interface{}, path string) (interface{}, bool) {
	path = strings.TrimPrefix(path, "$")
	path = strings.TrimPrefix(path, ".")
	if path == "" {
		return document, true
	}

	current := document
	for _, segment := range strings.Split(path, ".") {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = obj[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
