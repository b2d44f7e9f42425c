//
//  Copyright © Control Core Inc. All rights reserved.
//

package lint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/controlcore/controlplane/pkg/core/opa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRego(t *testing.T, name, source string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(source), 0o600))
	return path
}

func TestLintFileAcceptsValidRego(t *testing.T) {
	compiler := opa.NewCompiler()
	sources := map[string]string{}

	path := writeRego(t, "ok.rego", "package ok\n\ndefault allow = false\n")
	result := lintFile(compiler, path, sources)

	assert.True(t, result.Valid)
	assert.Contains(t, sources, path)
}

func TestLintFileRejectsBrokenRego(t *testing.T) {
	compiler := opa.NewCompiler()
	sources := map[string]string{}

	path := writeRego(t, "broken.rego", "package broken\n\nallow {{{\n")
	result := lintFile(compiler, path, sources)

	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Message)
	assert.NotContains(t, sources, path)
}

func TestLintFileMissingFile(t *testing.T) {
	compiler := opa.NewCompiler()
	result := lintFile(compiler, "/does/not/exist.rego", map[string]string{})
	assert.False(t, result.Valid)
}
