//
//  Copyright © Control Core Inc. All rights reserved.
//

package decision

import (
	"sync"

	"github.com/controlcore/controlplane/pkg/common"
	"github.com/controlcore/controlplane/pkg/core/model"
	"github.com/controlcore/controlplane/pkg/core/opa"
)

type compiledPolicy struct {
	sourceHash string
	ast        *opa.Ast
	pkg        string
}

// astCache keeps one compiled AST per policy, invalidated when the
// source changes.  Compilation is the expensive step; evaluation of a
// compiled AST is safe for concurrent use.
type astCache struct {
	compiler *opa.Compiler

	mu       sync.RWMutex
	compiled map[string]*compiledPolicy
}

func newAstCache(compiler *opa.Compiler) *astCache {
	return &astCache{
		compiler: compiler,
		compiled: map[string]*compiledPolicy{},
	}
}

func (c *astCache) get(policy *model.Policy) (*opa.Ast, string, error) {
	hash := common.HashString(policy.Source)

	c.mu.RLock()
	cached, ok := c.compiled[policy.ID]
	c.mu.RUnlock()
	if ok && cached.sourceHash == hash {
		return cached.ast, cached.pkg, nil
	}

	pkg, err := opa.PackageOf(policy.Source)
	if err != nil {
		return nil, "", common.WrapError(common.KindValidation, "parsing policy "+policy.ID, err)
	}

	ast, err := c.compiler.Compile(policy.ID, opa.Modules{policy.ID + ".rego": policy.Source})
	if err != nil {
		return nil, "", common.WrapError(common.KindValidation, "compiling policy "+policy.ID, err)
	}

	c.mu.Lock()
	c.compiled[policy.ID] = &compiledPolicy{sourceHash: hash, ast: ast, pkg: pkg}
	c.mu.Unlock()

	return ast, pkg, nil
}
