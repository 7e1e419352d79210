package errors_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/infrahub-project/infrahub-core/internal/errors"
)

func TestConflictErrorCarriesPaths(t *testing.T) {
	err := errors.ConflictError("overlapping modifications", "node:abc:name:value", "node:abc:name:value")

	assert.Equal(t, errors.Conflict, err.Kind)
	paths, ok := err.Context["paths"]
	assert.True(t, ok)
	assert.Len(t, paths, 2)
}

func TestWrapPreservesCauseAndUnwraps(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := errors.BackendError(cause, "failed to open session")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestWrapNilReturnsNil(t *testing.T) {
	err := errors.BackendError(nil, "should not happen")
	assert.Nil(t, err)
}

func TestIsFatalOnlyForCriticalSeverity(t *testing.T) {
	assert.True(t, errors.IsFatal(errors.IntegrityError("edge closed twice")))
	assert.False(t, errors.IsFatal(errors.NotFoundError("node missing")))
	assert.False(t, errors.IsFatal(nil))
}

func TestIsMatchesOnKind(t *testing.T) {
	a := errors.NotFoundError("node missing")
	b := errors.NotFoundError("different node missing")
	c := errors.ValidationError("bad format")

	assert.True(t, a.Is(b))
	assert.False(t, a.Is(c))
}

func TestGetKindUnclassifiedDefaultsToBackendFailure(t *testing.T) {
	assert.Equal(t, errors.BackendFailure, errors.GetKind(fmt.Errorf("opaque")))
	assert.Equal(t, errors.Validation, errors.GetKind(errors.ValidationError("x")))
}
