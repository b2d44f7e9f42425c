//
//  Copyright © Control Core Inc. All rights reserved.
//

package opa

import (
	"context"
	"testing"

	"github.com/controlcore/controlplane/pkg/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const allowReaders = `
package authz

default allow = false

allow {
    input.subject.role == "reader"
    input.action == "read"
}
`

func TestCompileAndEvaluateBool(t *testing.T) {
	compiler := NewCompiler()
	cast, err := compiler.Compile("p-allow-read", Modules{"p-allow-read.rego": allowReaders})
	require.NoError(t, err)

	allow, err := cast.EvaluateBool(context.Background(), "data.authz.allow", map[string]interface{}{
		"subject": map[string]interface{}{"role": "reader"},
		"action":  "read",
	})
	assert.NoError(t, err)
	assert.True(t, allow)

	allow, err = cast.EvaluateBool(context.Background(), "data.authz.allow", map[string]interface{}{
		"subject": map[string]interface{}{"role": "reader"},
		"action":  "write",
	})
	assert.NoError(t, err)
	assert.False(t, allow)
}

func TestEvaluateBoolUndefinedIsFalse(t *testing.T) {
	compiler := NewCompiler()
	cast, err := compiler.Compile("no-default", Modules{"m.rego": `
package authz

allow {
    input.action == "read"
}
`})
	require.NoError(t, err)

	allow, err := cast.EvaluateBool(context.Background(), "data.authz.allow", map[string]interface{}{
		"action": "write",
	})
	assert.NoError(t, err)
	assert.False(t, allow)
}

func TestEvaluateBoolNonBoolResult(t *testing.T) {
	compiler := NewCompiler()
	cast, err := compiler.Compile("bad", Modules{"m.rego": `
package authz

allow = "yes"
`})
	require.NoError(t, err)

	_, err = cast.EvaluateBool(context.Background(), "data.authz.allow", nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected evaluation result")
}

func TestValidateSource(t *testing.T) {
	compiler := NewCompiler()

	assert.NoError(t, compiler.ValidateSource("ok.rego", allowReaders))

	err := compiler.ValidateSource("bad.rego", "package authz\nallow {{{")
	require.Error(t, err)
	assert.Equal(t, common.KindValidation, common.KindOf(err))
}

func TestUnsafeBuiltinsRemoved(t *testing.T) {
	compiler := NewCompiler(WithUnsafeBuiltins(Builtins{"http.send": {}}))

	_, err := compiler.Compile("net", Modules{"m.rego": `
package authz

allow {
    http.send({"method": "get", "url": "http://example.com"})
}
`})
	assert.Error(t, err)
}

func TestPackageOf(t *testing.T) {
	pkg, err := PackageOf(allowReaders)
	assert.NoError(t, err)
	assert.Contains(t, pkg, "authz")

	_, err = PackageOf("not rego")
	assert.Error(t, err)
}
