//
//  Copyright © Control Core Inc. All rights reserved.
//

package common

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	err := NewError(KindConflict, "policy already promoted")
	assert.Equal(t, "policy already promoted(kind-conflict)", err.Error())
}

func TestValidationErrorCarriesFields(t *testing.T) {
	err := Validation("invalid pep config",
		FieldError{Path: "proxy_port", Reason: "must be between 1 and 65535"},
		FieldError{Path: "fail_policy", Reason: "must be one of fail-closed, fail-open"},
	)

	assert.Equal(t, KindValidation, err.Kind)
	assert.Len(t, err.Fields, 2)
	assert.Contains(t, err.Error(), "proxy_port")
	assert.Contains(t, err.Error(), "fail_policy")
}

func TestKindOfUnwrapsThroughWrapping(t *testing.T) {
	inner := NotFound("policy")
	wrapped := errors.Wrap(inner, "lifecycle get")

	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindNotFound))
	assert.False(t, IsKind(wrapped, KindConflict))
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
}

func TestWrapErrorExposesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapError(KindUpstreamFailure, "git push failed", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindUpstreamFailure, KindOf(err))
}

func TestHashJSONDeterministic(t *testing.T) {
	a := map[string]interface{}{"b": 1, "a": "x"}
	b := map[string]interface{}{"a": "x", "b": 1}

	ha, err := HashJSON(a)
	assert.NoError(t, err)
	hb, err := HashJSON(b)
	assert.NoError(t, err)
	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)
}
