//
//  Copyright © Control Core Inc. All rights reserved.
//

package decision

import (
	"sync"
	"time"

	"github.com/controlcore/controlplane/pkg/common"
	"github.com/controlcore/controlplane/pkg/core/model"
)

// cacheKey identifies one decision.  The bundle version is part of the
// key, so publishing a new bundle implicitly invalidates every cached
// decision made under the old one.
type cacheKey struct {
	bundleVersion string
	subjectHash   string
	resource      string
	action        string
	contextHash   string
}

func keyFor(bundleVersion string, req *model.DecisionRequest) (cacheKey, error) {
	subjectHash, err := common.HashJSON(req.Subject)
	if err != nil {
		return cacheKey{}, err
	}
	contextHash, err := common.HashJSON(req.Context)
	if err != nil {
		return cacheKey{}, err
	}
	return cacheKey{
		bundleVersion: bundleVersion,
		subjectHash:   subjectHash,
		resource:      req.Resource,
		action:        req.Action,
		contextHash:   contextHash,
	}, nil
}

type cachedDecision struct {
	response model.DecisionResponse
	expires  time.Time
}

// decisionCache is a TTL cache over full decision responses.
type decisionCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[cacheKey]cachedDecision
}

func newDecisionCache(ttl time.Duration) *decisionCache {
	return &decisionCache{
		ttl:     ttl,
		entries: map[cacheKey]cachedDecision{},
	}
}

func (c *decisionCache) get(key cacheKey) (model.DecisionResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cached, ok := c.entries[key]
	if !ok || time.Now().After(cached.expires) {
		delete(c.entries, key)
		return model.DecisionResponse{}, false
	}
	return cached.response, true
}

func (c *decisionCache) put(key cacheKey, response model.DecisionResponse) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	// opportunistic expiry sweep keeps the map from growing unbounded
	// between bundle publications
	if len(c.entries) > 100000 {
		now := time.Now()
		for k, v := range c.entries {
			if now.After(v.expires) {
				delete(c.entries, k)
			}
		}
	}

	c.entries[key] = cachedDecision{
		response: response,
		expires:  time.Now().Add(c.ttl),
	}
}
